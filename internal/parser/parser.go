// Package parser decomposes raw RFC 5322 messages into the normalized
// email model and encodes attachment payloads for transport.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/shineum/smtp-webhook-relay/internal/email"
)

// ErrParse is wrapped by every error caused by a message that cannot be decomposed.
var ErrParse = errors.New("failed to parse message")

// envelopeParser never derives a text body from HTML.
var envelopeParser = enmime.NewParser(enmime.DisableTextConversion(true))

// defaultContentType is used for attachments whose part declares no media type.
const defaultContentType = "application/octet-stream"

// RawAttachment is an attachment as decoded from the MIME tree, before encoding.
type RawAttachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Decomposed holds the header fields and body forms found in a message.
// Only body forms present in the source are set; none are synthesized.
type Decomposed struct {
	From        string
	To          []string
	Subject     string
	Text        string
	HTML        string
	Date        *time.Time
	Attachments []RawAttachment
}

// Result is the outcome of Parse: the normalized message plus the number
// of attachments dropped because they carried no payload.
type Result struct {
	Message *email.Message
	Dropped int
}

// Parse decomposes raw and encodes its attachments into a normalized message.
// Dropped attachments are reported on logger, or slog.Default() if nil.
func Parse(raw []byte, logger *slog.Logger) (*Result, error) {
	d, err := Decompose(raw)
	if err != nil {
		return nil, err
	}

	attachments, dropped := EncodeAttachments(d.Attachments, logger)

	to := d.To
	if to == nil {
		to = []string{}
	}

	return &Result{
		Message: &email.Message{
			From:        d.From,
			To:          to,
			Subject:     d.Subject,
			Text:        d.Text,
			HTML:        d.HTML,
			Date:        d.Date,
			Attachments: attachments,
		},
		Dropped: dropped,
	}, nil
}

// Decompose parses the MIME structure of a complete message.
// HTML is never down-converted to text and inline references are left untouched.
func Decompose(raw []byte) (*Decomposed, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrParse)
	}

	env, err := envelopeParser.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	result := &Decomposed{
		From:    parseFrom(env),
		To:      parseAddressList(env, "To"),
		Subject: env.GetHeader("Subject"),
		Text:    env.Text,
		HTML:    env.HTML,
		Date:    parseDate(env.GetHeader("Date")),
	}

	for _, part := range attachmentParts(env) {
		result.Attachments = append(result.Attachments, RawAttachment{
			Filename:    extractFilename(part),
			ContentType: extractContentType(part),
			Content:     part.Content,
		})
	}

	return result, nil
}

// attachmentParts returns the attachment, inline and other non-body parts of
// env in the order they appear in the message.
func attachmentParts(env *enmime.Envelope) []*enmime.Part {
	wanted := make(map[*enmime.Part]struct{}, len(env.Attachments)+len(env.Inlines)+len(env.OtherParts))
	for _, group := range [][]*enmime.Part{env.Attachments, env.Inlines, env.OtherParts} {
		for _, p := range group {
			wanted[p] = struct{}{}
		}
	}
	if len(wanted) == 0 {
		return nil
	}

	if env.Root == nil {
		// No tree to order by; fall back to enmime's grouping.
		parts := make([]*enmime.Part, 0, len(wanted))
		parts = append(parts, env.Attachments...)
		parts = append(parts, env.Inlines...)
		return append(parts, env.OtherParts...)
	}

	return env.Root.DepthMatchAll(func(p *enmime.Part) bool {
		_, ok := wanted[p]
		return ok
	})
}

// parseFrom returns the first From address, falling back to the raw header text.
func parseFrom(env *enmime.Envelope) string {
	addrs, err := env.AddressList("From")
	if err == nil && len(addrs) > 0 {
		return addrs[0].Address
	}
	return strings.TrimSpace(env.GetHeader("From"))
}

// parseAddressList resolves a header to a flat list of addresses. A missing
// header yields nil; a malformed one falls back to a comma split.
func parseAddressList(env *enmime.Envelope, key string) []string {
	raw := env.GetHeader(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	addresses, err := env.AddressList(key)
	if err != nil {
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}

// parseDate parses a Date header, returning nil when absent or malformed.
func parseDate(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := mail.ParseDate(raw)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// extractFilename returns the part's file name, or a placeholder derived
// from its media type.
func extractFilename(part *enmime.Part) string {
	if part.FileName != "" {
		return part.FileName
	}
	if _, subtype, ok := strings.Cut(part.ContentType, "/"); ok && subtype != "" {
		return "attachment." + subtype
	}
	return "attachment"
}

func extractContentType(part *enmime.Part) string {
	if part.ContentType == "" {
		return defaultContentType
	}
	return part.ContentType
}
