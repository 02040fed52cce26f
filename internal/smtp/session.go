package smtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/shineum/smtp-webhook-relay/internal/email"
	"github.com/shineum/smtp-webhook-relay/internal/parser"
)

// Session states for one mail transaction.
const (
	stateConnected = iota
	stateMailFrom
	stateRecipients
	stateReceiving
	stateParsing
	stateDispatching
	stateCompleted
	stateRejected
)

// errTemporary is the reply for any failure after DATA was accepted.
// Parse and delivery failures are indistinguishable to the client.
var errTemporary = &gosmtp.SMTPError{
	Code:         451,
	EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
	Message:      "Temporary failure, please try again later",
}

// Session carries one connection through its mail transactions. go-smtp
// drives a session from a single goroutine, so no locking is needed.
type Session struct {
	backend *Backend
	remote  string
	state   int
	logger  *slog.Logger

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// Mail records the envelope sender and starts a new transaction.
func (s *Session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.mailFrom = from
	s.rcptTo = nil
	s.state = stateMailFrom
	return nil
}

// Rcpt runs the admission filter on one recipient.
func (s *Session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if err := s.backend.admission.Admit(to); err != nil {
		s.backend.metrics.Recipient(false)
		s.logger.Warn("recipient rejected", "recipient", to, "sender", s.mailFrom)
		return err
	}

	s.backend.metrics.Recipient(true)
	s.rcptTo = append(s.rcptTo, to)
	s.state = stateRecipients
	return nil
}

// Data buffers the full message, parses it and dispatches it. The reply is
// 250 on success and a 451 temporary failure otherwise.
func (s *Session) Data(r io.Reader) (err error) {
	id := uuid.NewString()
	logger := s.logger.With("message_id", id)

	defer func() {
		if p := recover(); p != nil {
			logger.Error("panic while processing message", "panic", fmt.Sprint(p))
			err = errTemporary
		}
		if err != nil {
			s.state = stateRejected
		}
		s.backend.metrics.Message(err == nil)
	}()

	s.state = stateReceiving
	raw, err := readMessage(r)
	if err != nil {
		logger.Warn("message not received in full, discarding", "error", err)
		if errors.Is(err, gosmtp.ErrDataTooLarge) {
			return err
		}
		return errTemporary
	}

	s.state = stateParsing
	res, err := parser.Parse(raw, logger)
	if err != nil {
		logger.Error("failed to parse message", "size", len(raw), "error", err)
		return errTemporary
	}
	s.backend.metrics.DroppedAttachments(res.Dropped)

	msg := res.Message
	msg.ID = id
	s.applyEnvelope(msg)

	s.state = stateDispatching
	start := time.Now()
	if _, err := s.backend.dispatcher.Dispatch(context.Background(), msg); err != nil {
		logger.Error("message rejected after dispatch",
			"sender", s.mailFrom,
			"recipients", len(s.rcptTo),
			"duration", time.Since(start),
			"error", err,
		)
		return errTemporary
	}

	s.state = stateCompleted
	logger.Info("message accepted",
		"sender", s.mailFrom,
		"recipients", len(s.rcptTo),
		"attachments", len(msg.Attachments),
		"duration", time.Since(start),
	)
	return nil
}

// applyEnvelope fills From and To from the SMTP envelope when the
// message headers did not provide them.
func (s *Session) applyEnvelope(msg *email.Message) {
	if msg.From == "" {
		msg.From = s.mailFrom
	}
	if len(msg.To) == 0 {
		msg.To = append([]string{}, s.rcptTo...)
	}
}

// Reset clears the current transaction.
func (s *Session) Reset() {
	s.mailFrom = ""
	s.rcptTo = nil
	s.state = stateConnected
}

// Logout is called once when the connection closes.
func (s *Session) Logout() error {
	s.logger.Debug("connection closed")
	return nil
}
