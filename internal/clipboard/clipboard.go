// Package clipboard is the last-resort hand-off: the record's text is put on
// the system clipboard for the user to paste by hand.
package clipboard

import (
	"fmt"

	"github.com/atotto/clipboard"

	"github.com/austindbirch/starbridge/internal/content"
	"github.com/austindbirch/starbridge/internal/metrics"
)

// Format returns the hand-off text: the raw URL for link records, a title
// heading followed by the body otherwise.
func Format(rec content.Record) string {
	return rec.Handoff()
}

// WriteFunc writes text to a clipboard.
type WriteFunc func(text string) error

// Fallback copies records to the clipboard.
type Fallback struct {
	write WriteFunc
}

// New returns a Fallback over the system clipboard.
func New() *Fallback {
	return &Fallback{write: clipboard.WriteAll}
}

// NewWithWriter returns a Fallback that writes through w.
func NewWithWriter(w WriteFunc) *Fallback {
	return &Fallback{write: w}
}

// Available reports whether a system clipboard utility was found.
func Available() bool {
	return !clipboard.Unsupported
}

// Copy hands the record to the clipboard.
func (f *Fallback) Copy(rec content.Record) error {
	err := f.write(Format(rec))
	metrics.RecordClipboard(err == nil)
	if err != nil {
		return fmt.Errorf("copy to clipboard: %w", err)
	}
	return nil
}
