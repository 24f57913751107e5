package queue

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/harbor_notify/internal/logging"
	"github.com/austindbirch/harbor_notify/internal/metrics"
)

func TestBacklogUpdate(t *testing.T) {
	metrics.NSQChannelDepth.Reset()
	metrics.NSQChannelInflight.Reset()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" || r.URL.Query().Get("format") != "json" {
			t.Errorf("unexpected request %s", r.URL)
		}
		_, _ = w.Write([]byte(`{
			"topics": [
				{
					"topic_name": "notifications.send",
					"channels": [
						{"channel_name": "send-workers", "depth": 12, "in_flight_count": 5},
						{"channel_name": "audit", "depth": 2, "in_flight_count": 0}
					],
					"depth": 14
				},
				{
					"topic_name": "other",
					"channels": [{"channel_name": "send-workers", "depth": 99, "in_flight_count": 9}]
				}
			]
		}`))
	}))
	defer srv.Close()

	b := NewBacklogMonitor(strings.TrimPrefix(srv.URL, "http://"), "notifications.send", "send-workers",
		logging.NewWithWriter("test", io.Discard))
	if err := b.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if got := testutil.ToFloat64(metrics.QueueBacklog); got != 12 {
		t.Errorf("backlog = %v, want 12", got)
	}
	if got := testutil.ToFloat64(metrics.NSQChannelInflight.WithLabelValues("notifications.send", "send-workers")); got != 5 {
		t.Errorf("inflight = %v, want 5", got)
	}
	if got := testutil.ToFloat64(metrics.NSQChannelDepth.WithLabelValues("notifications.send", "audit")); got != 2 {
		t.Errorf("audit depth = %v, want 2", got)
	}
	if n := testutil.CollectAndCount(metrics.NSQChannelDepth); n != 2 {
		t.Errorf("depth series = %d, want 2 (other topics ignored)", n)
	}
}

func TestBacklogUpdateErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "bad status", handler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusInternalServerError) }},
		{name: "bad json", handler: func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{`)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			b := NewBacklogMonitor(srv.URL, "notifications.send", "send-workers", logging.NewWithWriter("test", io.Discard))
			if err := b.Update(context.Background()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
