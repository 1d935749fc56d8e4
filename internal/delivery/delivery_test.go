package delivery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/austindbirch/starbridge/internal/content"
	"github.com/austindbirch/starbridge/internal/queue"
	"github.com/austindbirch/starbridge/internal/session"
)

func TestOutcomeSucceeded(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    bool
	}{
		{Delivered(), true},
		{Partial("Confirm"), true},
		{NotReady("no_token"), false},
		{EndpointError(500, "server error"), false},
		{Timeout("no result"), false},
		{NotFound("OpenAddDialog", ""), false},
	}

	for _, tt := range tests {
		if got := tt.outcome.Succeeded(); got != tt.want {
			t.Errorf("%v.Succeeded() = %v, want %v", tt.outcome, got, tt.want)
		}
	}
}

func TestOutcomeString(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    string
	}{
		{Delivered(), "delivered"},
		{Partial("fieldPopulated"), "partial(fieldPopulated)"},
		{NotReady("no_container"), "notReady(no_container)"},
		{EndpointError(403, ""), "endpointError(403)"},
		{Timeout(""), "timeout"},
		{NotFound("OpenAddDialog", "no trigger"), "notFound(OpenAddDialog)"},
	}

	for _, tt := range tests {
		if got := tt.outcome.String(); got != tt.want {
			t.Errorf("Outcome.String() = %q, want %q", got, tt.want)
		}
	}
}

type namedStrategy string

func (n namedStrategy) Name() string { return string(n) }
func (n namedStrategy) Attempt(context.Context, content.Record, session.State) Outcome {
	return Delivered()
}

func TestOrder(t *testing.T) {
	rpc, ui := namedStrategy(StrategyRPC), namedStrategy(StrategyUI)

	tests := []struct {
		name      string
		preferred string
		want      []string
	}{
		{name: "rpc preferred", preferred: StrategyRPC, want: []string{"rpc", "ui"}},
		{name: "ui preferred", preferred: StrategyUI, want: []string{"ui", "rpc"}},
		{name: "unknown keeps order", preferred: "carrier-pigeon", want: []string{"rpc", "ui"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Order(tt.preferred, rpc, ui)
			if len(got) != len(tt.want) {
				t.Fatalf("Order() returned %d strategies, want %d", len(got), len(tt.want))
			}
			for i, s := range got {
				if s.Name() != tt.want[i] {
					t.Errorf("Order()[%d] = %q, want %q", i, s.Name(), tt.want[i])
				}
			}
		})
	}
}

func TestOrderSkipsNil(t *testing.T) {
	got := Order(StrategyUI, nil, namedStrategy(StrategyRPC))
	if len(got) != 1 || got[0].Name() != StrategyRPC {
		t.Errorf("Order() = %v, want only rpc", got)
	}
}

func TestNewDeadLetter(t *testing.T) {
	entry := queue.Entry{
		ID:     "note-01hx",
		Record: content.Record{Title: "Meeting Notes", Body: "..."},
		Status: queue.StatusFailed,
	}
	attempts := []Attempt{
		{Strategy: StrategyRPC, Outcome: NotReady("no_token")},
		{Strategy: StrategyUI, Outcome: NotFound("OpenAddDialog", "")},
	}

	before := time.Now()
	dl := NewDeadLetter(entry, attempts, true, "all strategies failed")
	after := time.Now()

	if dl.Type != DLQType {
		t.Errorf("NewDeadLetter() Type = %q, want %q", dl.Type, DLQType)
	}
	if dl.Version != "v1" {
		t.Errorf("NewDeadLetter() Version = %q, want %q", dl.Version, "v1")
	}
	if dl.Reason != "all strategies failed" {
		t.Errorf("NewDeadLetter() Reason = %q, want %q", dl.Reason, "all strategies failed")
	}
	if !dl.Clipboard {
		t.Error("NewDeadLetter() Clipboard = false, want true")
	}
	if dl.Entry.ID != entry.ID {
		t.Errorf("NewDeadLetter() Entry.ID = %q, want %q", dl.Entry.ID, entry.ID)
	}
	if len(dl.Attempts) != 2 {
		t.Errorf("NewDeadLetter() Attempts = %d, want 2", len(dl.Attempts))
	}

	parsed, err := time.Parse(time.RFC3339Nano, dl.At)
	if err != nil {
		t.Fatalf("NewDeadLetter() At parse error: %v", err)
	}
	if parsed.Before(before.Truncate(time.Second)) || parsed.After(after) {
		t.Errorf("NewDeadLetter() At %v not between %v and %v", parsed, before, after)
	}
}

func TestDeadLetterJSONShape(t *testing.T) {
	dl := NewDeadLetter(queue.Entry{ID: "note-1"}, []Attempt{
		{Strategy: StrategyRPC, Outcome: EndpointError(500, "")},
	}, false, "x")

	data, err := json.Marshal(dl)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}

	attempts, ok := m["attempts"].([]any)
	if !ok || len(attempts) != 1 {
		t.Fatalf("attempts = %v, want one attempt", m["attempts"])
	}
	outcome := attempts[0].(map[string]any)["outcome"].(map[string]any)
	if outcome["kind"] != "endpoint_error" || outcome["statusCode"] != float64(500) {
		t.Errorf("outcome = %v, want endpoint_error 500", outcome)
	}
	if _, ok := m["trace_headers"]; ok {
		t.Error("empty trace_headers was serialized")
	}
}
