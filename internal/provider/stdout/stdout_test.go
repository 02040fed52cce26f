package stdout

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shineum/smtp-webhook-relay/internal/email"
)

func TestSend_BasicMessage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	date := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := &email.Message{
		ID:      "abc-123",
		From:    "sender@example.com",
		To:      []string{"alice@example.com", "bob@example.com"},
		Subject: "Monthly Report",
		Text:    "Please find the report attached.",
		Date:    &date,
	}

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()

	for _, want := range []string{
		"Message-ID: abc-123",
		"From: sender@example.com",
		"To: alice@example.com, bob@example.com",
		"Subject: Monthly Report",
		"Date: 2026-01-02T03:04:05Z",
		"Please find the report attached.",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q", want)
		}
	}
	if strings.Contains(output, "Attachments:") {
		t.Error("output should not contain Attachments line when there are none")
	}
	if !strings.HasPrefix(output, separator) {
		t.Error("output should start with separator line")
	}
	if !strings.HasSuffix(output, separator) {
		t.Error("output should end with separator line")
	}
}

func TestSend_WithAttachments(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	msg := &email.Message{
		From:    "sender@example.com",
		To:      []string{"alice@example.com"},
		Subject: "Monthly Report",
		Text:    "Attached.",
		Attachments: []email.Attachment{
			{Filename: "report.pdf", ContentType: "application/pdf", Size: 1258291},
			{Filename: "summary.csv", ContentType: "text/csv", Size: 46080},
			{Filename: "tiny.txt", ContentType: "text/plain", Size: 10},
		},
	}

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	for _, want := range []string{
		"Attachments:",
		"report.pdf (application/pdf, 1.2 MB)",
		"summary.csv (text/csv, 45.0 KB)",
		"tiny.txt (text/plain, 10 B)",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestSend_HTMLBodyFallback(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	msg := &email.Message{
		From:    "sender@example.com",
		To:      []string{"recipient@example.com"},
		Subject: "HTML Only",
		HTML:    "<p>HTML content</p>",
	}

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "<p>HTML content</p>") {
		t.Error("output should display HTML body when text body is empty")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestSend_WriteError(t *testing.T) {
	t.Parallel()

	p := NewWithWriter(failingWriter{})
	err := p.Send(context.Background(), &email.Message{From: "a@example.com"})
	if err == nil {
		t.Fatal("expected error from failing writer, got nil")
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	if got := New().Name(); got != "stdout" {
		t.Errorf("Name(): got %q, want %q", got, "stdout")
	}
}
