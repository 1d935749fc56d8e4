package delivery

import (
	"time"

	"github.com/austindbirch/starbridge/internal/queue"
)

const DLQType = "source.dlq"

// DeadLetter is published when an entry exhausted every strategy.
type DeadLetter struct {
	Type         string            `json:"type"`    // "source.dlq"
	Version      string            `json:"version"` // schema version
	At           string            `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason       string            `json:"reason"`
	Attempts     []Attempt         `json:"attempts"`
	Clipboard    bool              `json:"clipboard"` // whether the hand-off to the clipboard worked
	Entry        queue.Entry       `json:"entry"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

func NewDeadLetter(e queue.Entry, attempts []Attempt, clipboard bool, reason string) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        time.Now().Format(time.RFC3339Nano),
		Reason:    reason,
		Attempts:  attempts,
		Clipboard: clipboard,
		Entry:     e,
	}
}
