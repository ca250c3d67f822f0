package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	m := newMetrics(prometheus.NewRegistry())

	m.FrameSent("heartbeat")
	m.FrameSent("heartbeat")
	m.FrameReceived("player_list")
	m.DecodeFailure()
	m.HandshakeFailure("rejected")
	m.ReconnectAttempt()
	m.SetConnectionState(3)
	m.SetInboxDepth(7)
	m.FactSent()
	m.FactSuppressed()
	m.SetFactsPending(2)

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"frames sent", m.framesSent.WithLabelValues("heartbeat"), 2},
		{"frames received", m.framesReceived.WithLabelValues("player_list"), 1},
		{"decode failures", m.decodeFailures, 1},
		{"handshake failures", m.handshakeFailures.WithLabelValues("rejected"), 1},
		{"reconnect attempts", m.reconnectAttempts, 1},
		{"connection state", m.connectionState, 3},
		{"inbox depth", m.inboxDepth, 7},
		{"facts sent", m.factsSent, 1},
		{"facts suppressed", m.factsSuppressed, 1},
		{"facts pending", m.factsPending, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.FrameSent("x")
	m.DecodeFailure()
	m.SetConnectionState(1)
	m.FactSuppressed()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.FrameSent("connect")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `netplay_frames_sent_total{type="connect"} 1`) {
		t.Fatalf("exposition missing counter:\n%s", body)
	}
}
