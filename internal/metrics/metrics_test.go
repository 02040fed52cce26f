package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Connection()
	m.Recipient(true)
	m.Recipient(true)
	m.Recipient(false)
	m.Message(true)
	m.DroppedAttachments(2)
	m.DroppedAttachments(0)
	m.ObserveDelivery("primary", true, 20*time.Millisecond)
	m.ObserveDelivery("backup", false, time.Second)

	if got := testutil.ToFloat64(m.ConnectionsTotal); got != 1 {
		t.Errorf("connections: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RecipientsTotal.WithLabelValues(ResultAccepted)); got != 2 {
		t.Errorf("accepted recipients: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RecipientsTotal.WithLabelValues(ResultRejected)); got != 1 {
		t.Errorf("rejected recipients: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MessagesTotal.WithLabelValues(ResultAccepted)); got != 1 {
		t.Errorf("accepted messages: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AttachmentsDropped); got != 2 {
		t.Errorf("dropped attachments: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("primary", ResultSuccess)); got != 1 {
		t.Errorf("primary successes: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("backup", ResultFailure)); got != 1 {
		t.Errorf("backup failures: got %v, want 1", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.Connection()
	m.Recipient(true)
	m.Message(false)
	m.DroppedAttachments(3)
	m.ObserveDelivery("x", true, time.Millisecond)
}

func TestRouter(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Connection()

	srv := httptest.NewServer(NewRouter(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status: got %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "relay_connections_total 1") {
		t.Errorf("metrics output missing relay_connections_total, got:\n%s", body)
	}
}
