package parser

import (
	"encoding/base64"
	"log/slog"

	"github.com/shineum/smtp-webhook-relay/internal/email"
)

// EncodeAttachments base64 encodes each attachment payload, preserving order.
// Attachments without content are dropped with a warning; the returned count
// is the number dropped. A nil logger means slog.Default().
func EncodeAttachments(raws []RawAttachment, logger *slog.Logger) ([]email.Attachment, int) {
	if logger == nil {
		logger = slog.Default()
	}

	result := make([]email.Attachment, 0, len(raws))
	dropped := 0

	for i, raw := range raws {
		if len(raw.Content) == 0 {
			logger.Warn("dropping attachment without content",
				"index", i,
				"filename", raw.Filename,
				"content_type", raw.ContentType,
			)
			dropped++
			continue
		}

		result = append(result, email.Attachment{
			Filename:    raw.Filename,
			ContentType: raw.ContentType,
			Size:        len(raw.Content),
			Content:     base64.StdEncoding.EncodeToString(raw.Content),
		})
	}

	return result, dropped
}
