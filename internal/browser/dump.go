package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DumpControl is one element in a diagnostic dump.
type DumpControl struct {
	Tag         string `json:"tag"`
	Text        string `json:"text,omitempty"`
	AriaLabel   string `json:"ariaLabel,omitempty"`
	Class       string `json:"class,omitempty"`
	ID          string `json:"id,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Disabled    bool   `json:"disabled,omitempty"`
}

type DumpLink struct {
	Href string `json:"href"`
	Text string `json:"text,omitempty"`
}

// Dump is a structural snapshot of the loaded page for selector upkeep.
type Dump struct {
	URL           string        `json:"url"`
	Title         string        `json:"title"`
	TakenAt       time.Time     `json:"takenAt"`
	Buttons       []DumpControl `json:"buttons"`
	RoleButtons   []DumpControl `json:"roleButtons"`
	Inputs        []DumpControl `json:"inputs"`
	Dialogs       []DumpControl `json:"dialogs"`
	NotebookLinks []DumpLink    `json:"notebookLinks"`
}

const dumpScript = `(() => {
  const text = (el) => (el.innerText || el.textContent || '').replace(/\s+/g, ' ').trim().slice(0, 120);
  const describe = (el) => ({
    tag: el.tagName.toLowerCase(),
    text: text(el),
    ariaLabel: el.getAttribute('aria-label') || '',
    class: typeof el.className === 'string' ? el.className : '',
    id: el.id || '',
    placeholder: el.getAttribute('placeholder') || '',
    disabled: !!el.disabled || el.getAttribute('aria-disabled') === 'true',
  });
  const all = (sel) => Array.from(document.querySelectorAll(sel));
  return {
    buttons: all('button').map(describe),
    roleButtons: all('[role="button"]').map(describe),
    inputs: all('input, textarea, [contenteditable="true"]').map(describe),
    dialogs: all('[role="dialog"], mat-dialog-container, mat-bottom-sheet-container, .cdk-overlay-pane').map(describe),
    notebookLinks: all('a[href*="/notebook/"]').map((a) => ({href: a.href, text: text(a)})),
  };
})()`

// Snapshot collects the page inventory without writing it anywhere.
func (s *Session) Snapshot(ctx context.Context) (Dump, error) {
	var d Dump
	if err := s.eval(ctx, dumpScript, &d); err != nil {
		return Dump{}, fmt.Errorf("collect dump: %w", err)
	}
	var err error
	if d.URL, err = s.URL(ctx); err != nil {
		return Dump{}, err
	}
	if d.Title, err = s.Title(ctx); err != nil {
		return Dump{}, err
	}
	d.TakenAt = time.Now().UTC()
	return d, nil
}

// Dump writes a snapshot as indented JSON to path and returns the
// absolute path written.
func (s *Session) Dump(ctx context.Context, path string) (string, error) {
	d, err := s.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	return WriteDump(d, path)
}

func WriteDump(d Dump, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve dump path: %w", err)
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode dump: %w", err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", fmt.Errorf("write dump: %w", err)
	}
	return abs, nil
}
