package smtp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shineum/smtp-webhook-relay/internal/dispatch"
	"github.com/shineum/smtp-webhook-relay/internal/email"
	"github.com/shineum/smtp-webhook-relay/internal/metrics"
)

// mockDispatcher implements Dispatcher for testing.
type mockDispatcher struct {
	mu       sync.Mutex
	messages []*email.Message
	err      error
	panicMsg string
}

func (m *mockDispatcher) Dispatch(_ context.Context, msg *email.Message) ([]email.DeliveryOutcome, error) {
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return []email.DeliveryOutcome{{Destination: "mock", Success: m.err == nil, Err: m.err}}, m.err
}

func (m *mockDispatcher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func (m *mockDispatcher) last() *email.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) == 0 {
		return nil
	}
	return m.messages[len(m.messages)-1]
}

// failingReader returns err once its data is exhausted.
type failingReader struct {
	r   io.Reader
	err error
}

func (f *failingReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if err == io.EOF {
		return n, f.err
	}
	return n, err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBackend(d Dispatcher, m *metrics.Metrics) *Backend {
	return NewBackend(BackendConfig{
		Domains:    []string{"allowed.test"},
		Dispatcher: d,
		Metrics:    m,
		Logger:     discardLogger(),
	})
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *gosmtp.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("expected *smtp.SMTPError, got %T (%v)", err, err)
	}
	return smtpErr.Code
}

const plainMessage = "From: Alice <alice@sender.test>\r\n" +
	"To: user@allowed.test\r\n" +
	"Subject: Hello\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hello, world!\r\n"

func TestAdmission_Admit(t *testing.T) {
	t.Parallel()

	a := NewAdmission([]string{"Allowed.Test", " second.test "})

	tests := []struct {
		addr string
		ok   bool
	}{
		{"user@allowed.test", true},
		{"User@ALLOWED.test", true},
		{"ops@second.test", true},
		{"<user@allowed.test>", true},
		{"user@other.test", false},
		{"user@sub.allowed.test", false},
		{"no-domain", false},
		{"", false},
		{"weird@name@allowed.test", true},
	}

	for _, tt := range tests {
		err := a.Admit(tt.addr)
		if tt.ok {
			if err != nil {
				t.Errorf("Admit(%q): unexpected error %v", tt.addr, err)
			}
			continue
		}
		if code := smtpCode(t, err); code != 550 {
			t.Errorf("Admit(%q): code %d, want 550", tt.addr, code)
		}
	}
}

func TestAdmission_RejectionMessage(t *testing.T) {
	t.Parallel()

	err := NewAdmission([]string{"allowed.test"}).Admit("user@Other.Test")

	var smtpErr *gosmtp.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("expected SMTPError, got %v", err)
	}
	if smtpErr.EnhancedCode != (gosmtp.EnhancedCode{5, 7, 1}) {
		t.Errorf("enhanced code: got %v, want 5.7.1", smtpErr.EnhancedCode)
	}
	if !strings.Contains(smtpErr.Message, "other.test") {
		t.Errorf("message should name the domain, got %q", smtpErr.Message)
	}
}

func TestReadMessage(t *testing.T) {
	t.Parallel()

	raw, err := readMessage(strings.NewReader(plainMessage))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != plainMessage {
		t.Errorf("buffered message differs from input")
	}

	raw, err = readMessage(&failingReader{r: strings.NewReader("partial"), err: io.ErrUnexpectedEOF})
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected read error, got %v", err)
	}
	if raw != nil {
		t.Errorf("partial data should be discarded, got %q", raw)
	}
}

func TestSession_RecipientAdmission(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sess := newTestBackend(&mockDispatcher{}, m).newSession("127.0.0.1:40000")

	if err := sess.Mail("alice@sender.test", nil); err != nil {
		t.Fatalf("Mail: unexpected error %v", err)
	}
	if err := sess.Rcpt("user@allowed.test", nil); err != nil {
		t.Errorf("Rcpt allowed: unexpected error %v", err)
	}
	if code := smtpCode(t, sess.Rcpt("user@other.test", nil)); code != 550 {
		t.Errorf("Rcpt other: code %d, want 550", code)
	}

	if len(sess.rcptTo) != 1 || sess.rcptTo[0] != "user@allowed.test" {
		t.Errorf("rcptTo: got %v, want only the admitted recipient", sess.rcptTo)
	}
	if sess.state != stateRecipients {
		t.Errorf("state: got %d, want %d", sess.state, stateRecipients)
	}
	if got := testutil.ToFloat64(m.RecipientsTotal.WithLabelValues(metrics.ResultRejected)); got != 1 {
		t.Errorf("rejected recipients: got %v, want 1", got)
	}
}

func TestSession_DataAccepted(t *testing.T) {
	t.Parallel()

	d := &mockDispatcher{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sess := newTestBackend(d, m).newSession("127.0.0.1:40000")

	sess.Mail("alice@sender.test", nil)
	sess.Rcpt("user@allowed.test", nil)
	if err := sess.Data(strings.NewReader(plainMessage)); err != nil {
		t.Fatalf("Data: unexpected error %v", err)
	}

	msg := d.last()
	if msg == nil {
		t.Fatal("message was not dispatched")
	}
	if msg.ID == "" {
		t.Error("message ID should be assigned")
	}
	if msg.From != "alice@sender.test" {
		t.Errorf("From: got %q", msg.From)
	}
	if msg.Subject != "Hello" {
		t.Errorf("Subject: got %q", msg.Subject)
	}
	if sess.state != stateCompleted {
		t.Errorf("state: got %d, want %d", sess.state, stateCompleted)
	}
	if got := testutil.ToFloat64(m.MessagesTotal.WithLabelValues(metrics.ResultAccepted)); got != 1 {
		t.Errorf("accepted messages: got %v, want 1", got)
	}
}

func TestSession_ConnectionDroppedMidData(t *testing.T) {
	t.Parallel()

	d := &mockDispatcher{}
	sess := newTestBackend(d, nil).newSession("127.0.0.1:40000")
	sess.Mail("alice@sender.test", nil)
	sess.Rcpt("user@allowed.test", nil)

	// 3 KB of a message that never completes.
	partial := plainMessage + strings.Repeat("x", 3*1024)
	err := sess.Data(&failingReader{r: strings.NewReader(partial), err: io.ErrUnexpectedEOF})
	if err == nil {
		t.Fatal("expected error for incomplete DATA, got nil")
	}
	if d.count() != 0 {
		t.Errorf("dispatched %d messages, want 0", d.count())
	}
	if sess.state != stateRejected {
		t.Errorf("state: got %d, want %d", sess.state, stateRejected)
	}
}

func TestSession_DataTooLarge(t *testing.T) {
	t.Parallel()

	d := &mockDispatcher{}
	sess := newTestBackend(d, nil).newSession("127.0.0.1:40000")
	sess.Mail("alice@sender.test", nil)
	sess.Rcpt("user@allowed.test", nil)

	err := sess.Data(&failingReader{r: strings.NewReader("Subject: big\r\n"), err: gosmtp.ErrDataTooLarge})
	if !errors.Is(err, gosmtp.ErrDataTooLarge) {
		t.Errorf("expected ErrDataTooLarge, got %v", err)
	}
	if d.count() != 0 {
		t.Errorf("dispatched %d messages, want 0", d.count())
	}
}

func TestSession_DataTemporaryFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		dispatcher *mockDispatcher
		body       string
	}{
		{"parse failure", &mockDispatcher{}, "   \r\n"},
		{"strict delivery failure", &mockDispatcher{err: dispatch.ErrDeliveryFailed}, plainMessage},
		{"panic", &mockDispatcher{panicMsg: "boom"}, plainMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reg := prometheus.NewRegistry()
			m := metrics.New(reg)
			sess := newTestBackend(tt.dispatcher, m).newSession("127.0.0.1:40000")
			sess.Mail("alice@sender.test", nil)
			sess.Rcpt("user@allowed.test", nil)

			err := sess.Data(strings.NewReader(tt.body))
			if code := smtpCode(t, err); code != 451 {
				t.Errorf("code: got %d, want 451", code)
			}
			if got := testutil.ToFloat64(m.MessagesTotal.WithLabelValues(metrics.ResultRejected)); got != 1 {
				t.Errorf("rejected messages: got %v, want 1", got)
			}
		})
	}
}

func TestSession_EnvelopeFallback(t *testing.T) {
	t.Parallel()

	d := &mockDispatcher{}
	sess := newTestBackend(d, nil).newSession("127.0.0.1:40000")
	sess.Mail("bounce@sender.test", nil)
	sess.Rcpt("a@allowed.test", nil)
	sess.Rcpt("b@allowed.test", nil)

	body := "Subject: No headers\r\n\r\nbody\r\n"
	if err := sess.Data(strings.NewReader(body)); err != nil {
		t.Fatalf("Data: unexpected error %v", err)
	}

	msg := d.last()
	if msg.From != "bounce@sender.test" {
		t.Errorf("From: got %q, want envelope sender", msg.From)
	}
	if strings.Join(msg.To, ",") != "a@allowed.test,b@allowed.test" {
		t.Errorf("To: got %v, want envelope recipients", msg.To)
	}
}

func TestSession_DroppedAttachmentsCounted(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	d := &mockDispatcher{}
	sess := newTestBackend(d, m).newSession("127.0.0.1:40000")
	sess.Mail("alice@sender.test", nil)
	sess.Rcpt("user@allowed.test", nil)

	var body bytes.Buffer
	body.WriteString("From: alice@sender.test\r\n")
	body.WriteString("To: user@allowed.test\r\n")
	body.WriteString("Subject: Empty attachment\r\n")
	body.WriteString("MIME-Version: 1.0\r\n")
	body.WriteString("Content-Type: multipart/mixed; boundary=\"b1\"\r\n\r\n")
	body.WriteString("--b1\r\nContent-Type: text/plain\r\n\r\nsee attached\r\n")
	body.WriteString("--b1\r\nContent-Type: application/pdf\r\n")
	body.WriteString("Content-Disposition: attachment; filename=\"empty.pdf\"\r\n")
	body.WriteString("Content-Transfer-Encoding: base64\r\n\r\n\r\n")
	body.WriteString("--b1--\r\n")

	if err := sess.Data(&body); err != nil {
		t.Fatalf("Data: unexpected error %v", err)
	}
	if n := len(d.last().Attachments); n != 0 {
		t.Errorf("attachments: got %d, want 0", n)
	}
	if got := testutil.ToFloat64(m.AttachmentsDropped); got != 1 {
		t.Errorf("dropped attachments: got %v, want 1", got)
	}
}

func TestSession_ResetStartsNewTransaction(t *testing.T) {
	t.Parallel()

	sess := newTestBackend(&mockDispatcher{}, nil).newSession("127.0.0.1:40000")
	sess.Mail("alice@sender.test", nil)
	sess.Rcpt("user@allowed.test", nil)

	sess.Reset()

	if sess.mailFrom != "" || sess.rcptTo != nil {
		t.Errorf("transaction not cleared: from %q, rcpt %v", sess.mailFrom, sess.rcptTo)
	}
	if sess.state != stateConnected {
		t.Errorf("state: got %d, want %d", sess.state, stateConnected)
	}
	if err := sess.Logout(); err != nil {
		t.Errorf("Logout: unexpected error %v", err)
	}
}
