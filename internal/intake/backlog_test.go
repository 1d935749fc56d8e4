package intake

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/starbridge/internal/metrics"
)

func TestBacklogMonitorUpdate(t *testing.T) {
	type label struct {
		topic   string
		channel string
	}

	testCases := []struct {
		name         string
		payload      string
		status       int
		wantErr      bool
		wantBacklog  float64
		wantDepth    map[label]float64
		wantInflight map[label]float64
	}{
		{
			name: "bridge channel is the backlog",
			payload: `{"topics": [{
				"topic_name": "sources",
				"channels": [
					{"channel_name": "bridge", "depth": 7, "in_flight_count": 1},
					{"channel_name": "archive", "depth": 3, "in_flight_count": 0}
				],
				"depth": 0
			}]}`,
			wantBacklog: 7,
			wantDepth: map[label]float64{
				{topic: "sources", channel: "bridge"}:  7,
				{topic: "sources", channel: "archive"}: 3,
			},
			wantInflight: map[label]float64{
				{topic: "sources", channel: "bridge"}: 1,
			},
		},
		{
			name: "no bridge channel yet uses topic depth",
			payload: `{"topics": [
				{"topic_name": "sources", "channels": [], "depth": 4},
				{"topic_name": "other", "channels": [{"channel_name": "bridge", "depth": 99, "in_flight_count": 0}], "depth": 99}
			]}`,
			wantBacklog: 4,
		},
		{name: "invalid payload", payload: `invalid-json`, wantErr: true},
		{name: "server error", payload: `{}`, status: http.StatusInternalServerError, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			metrics.IntakeBacklog.Set(0)
			metrics.NSQChannelDepth.Reset()
			metrics.NSQChannelInflight.Reset()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/stats" {
					t.Errorf("unexpected path %q", r.URL.Path)
				}
				if r.URL.Query().Get("topic") != "sources" {
					t.Errorf("topic filter = %q, want %q", r.URL.Query().Get("topic"), "sources")
				}
				if tc.status != 0 {
					w.WriteHeader(tc.status)
				}
				_, _ = w.Write([]byte(tc.payload))
			}))
			defer server.Close()

			m := NewBacklogMonitor(server.URL, "sources", "bridge")
			err := m.Update(context.Background())
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Update() error = %v", err)
			}

			if got := testutil.ToFloat64(metrics.IntakeBacklog); got != tc.wantBacklog {
				t.Errorf("IntakeBacklog = %v, want %v", got, tc.wantBacklog)
			}
			for lbl, want := range tc.wantDepth {
				if got := testutil.ToFloat64(metrics.NSQChannelDepth.WithLabelValues(lbl.topic, lbl.channel)); got != want {
					t.Errorf("NSQChannelDepth[%s/%s] = %v, want %v", lbl.topic, lbl.channel, got, want)
				}
			}
			for lbl, want := range tc.wantInflight {
				if got := testutil.ToFloat64(metrics.NSQChannelInflight.WithLabelValues(lbl.topic, lbl.channel)); got != want {
					t.Errorf("NSQChannelInflight[%s/%s] = %v, want %v", lbl.topic, lbl.channel, got, want)
				}
			}
		})
	}
}

func TestNewBacklogMonitorURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{addr: "nsqd:4151", want: "http://nsqd:4151/stats?format=json&topic=sources"},
		{addr: "http://nsqd:4151/", want: "http://nsqd:4151/stats?format=json&topic=sources"},
	}
	for _, tt := range tests {
		if got := NewBacklogMonitor(tt.addr, "sources", "bridge").statsURL; got != tt.want {
			t.Errorf("NewBacklogMonitor(%q).statsURL = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
