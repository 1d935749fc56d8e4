package dispatch

import (
	"sync"
	"time"

	"github.com/austindbirch/starbridge/internal/logging"
)

// Level is the severity of a user-visible notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is one user-visible status message.
type Notice struct {
	At      time.Time `json:"at"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	EntryID string    `json:"entryId,omitempty"`
}

// Notifier presents notices to the user.
type Notifier interface {
	Notify(n Notice)
}

// Feed keeps the most recent notices for the companion extension to poll.
type Feed struct {
	mu     sync.Mutex
	buf    []Notice
	next   int
	full   bool
	logger *logging.Logger
}

// NewFeed returns a feed holding up to size notices.
func NewFeed(size int) *Feed {
	if size < 1 {
		size = 1
	}
	return &Feed{buf: make([]Notice, size), logger: logging.New("notices")}
}

func (f *Feed) Notify(n Notice) {
	if n.At.IsZero() {
		n.At = time.Now()
	}

	f.mu.Lock()
	f.buf[f.next] = n
	f.next = (f.next + 1) % len(f.buf)
	if f.next == 0 {
		f.full = true
	}
	f.mu.Unlock()

	f.logger.Plain().WithEntry(n.EntryID).WithField("level", string(n.Level)).Info(n.Message)
}

// Recent returns the held notices, oldest first.
func (f *Feed) Recent() []Notice {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.full {
		return append([]Notice(nil), f.buf[:f.next]...)
	}
	out := make([]Notice, 0, len(f.buf))
	out = append(out, f.buf[f.next:]...)
	return append(out, f.buf[:f.next]...)
}
