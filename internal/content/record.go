package content

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by a Producer that has nothing to supply.
	ErrNotFound = errors.New("content: record not found")
	// ErrEmptyTitle rejects records without a display name.
	ErrEmptyTitle = errors.New("content: title is empty")
	// ErrBadLink rejects an external link that is not an absolute http(s) URI.
	ErrBadLink = errors.New("content: external link is not an absolute http(s) URI")
)

// Metadata is informational only; no delivery decision depends on it.
type Metadata struct {
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
	Tags     []string  `json:"tags"`
}

// Record is one piece of content awaiting delivery. Treat it as immutable
// once validated; the queue hands out copies.
type Record struct {
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	ExternalLink string    `json:"externalLink,omitempty"`
	Path         string    `json:"path,omitempty"`
	Metadata     *Metadata `json:"metadata,omitempty"`
}

// IsLink reports whether delivery should produce a link-type source.
func (r Record) IsLink() bool {
	return r.ExternalLink != ""
}

// Handoff is the single text blob handed to the user or typed into a
// field: the raw link for link records, a title heading and body otherwise.
func (r Record) Handoff() string {
	if r.IsLink() {
		return r.ExternalLink
	}
	return "# " + r.Title + "\n\n" + r.Body
}

// Validate checks the record invariants.
func (r Record) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return ErrEmptyTitle
	}
	if r.ExternalLink != "" {
		u, err := url.Parse(r.ExternalLink)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%w: %q", ErrBadLink, r.ExternalLink)
		}
	}
	return nil
}

// Clone returns a deep copy so callers never share the tag slice.
func (r Record) Clone() Record {
	if r.Metadata != nil {
		md := *r.Metadata
		md.Tags = append([]string(nil), r.Metadata.Tags...)
		r.Metadata = &md
	}
	return r
}

// Producer supplies records from the host note application.
type Producer interface {
	// Current returns the record the user is looking at.
	Current(ctx context.Context) (Record, error)
	// ByID returns the record with the given producer-specific identifier.
	ByID(ctx context.Context, id string) (Record, error)
}
