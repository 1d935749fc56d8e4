package session

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

type Kind string

const (
	KindList            Kind = "list"
	KindInsideContainer Kind = "insideContainer"
	KindUnknown         Kind = "unknown"
)

// Notebook is one container link visible on the list page.
type Notebook struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// State is a snapshot of the loaded target page. Take a fresh one per
// delivery attempt; the token rotates.
type State struct {
	Kind        Kind       `json:"kind"`
	ContainerID string     `json:"containerId,omitempty"`
	AuthToken   string     `json:"authToken,omitempty"`
	URL         string     `json:"url"`
	Title       string     `json:"title,omitempty"`
	Notebooks   []Notebook `json:"notebooks,omitempty"`
}

type NotReadyReason string

const (
	ReasonNoContainer NotReadyReason = "no_container"
	ReasonNoToken     NotReadyReason = "no_token"
)

// NotReadyError reports an unmet precondition. It is a condition to fall
// back on, not a failure of the locator.
type NotReadyError struct {
	Reason NotReadyReason
	Kind   Kind
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("session not ready: %s (view %s)", e.Reason, e.Kind)
}

// Ready returns a *NotReadyError when the state cannot take a direct call.
func (s State) Ready() error {
	if s.Kind != KindInsideContainer || s.ContainerID == "" {
		return &NotReadyError{Reason: ReasonNoContainer, Kind: s.Kind}
	}
	if s.AuthToken == "" {
		return &NotReadyError{Reason: ReasonNoToken, Kind: s.Kind}
	}
	return nil
}

// Redacted hides the token for display.
func (s State) Redacted() State {
	if s.AuthToken != "" {
		s.AuthToken = "redacted"
	}
	return s
}

// View is read-only access to the loaded target page.
type View interface {
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	ScriptTexts(ctx context.Context) ([]string, error)
	GlobalToken(ctx context.Context) (string, error)
	Markup(ctx context.Context) (string, error)
}

// NotebookLister is implemented by views that can enumerate containers on
// the list page.
type NotebookLister interface {
	Notebooks(ctx context.Context) ([]Notebook, error)
}

var (
	containerPathRe = regexp.MustCompile(`^/notebook/([^/]+)`)
	inlineTokenRe   = regexp.MustCompile(`"SNlM0e"\s*:\s*"([^"]+)"`)
	broadTokenRe    = regexp.MustCompile(`SNlM0e[\\"']*\s*[:=]\s*[\\"']*([A-Za-z0-9_\-:.]+)`)
)

// Classify derives the view kind and container id from a page URL. When
// origin is set, a page on any other scheme or host is KindUnknown.
func Classify(rawURL, origin string) (Kind, string) {
	if rawURL == "" && origin == "" {
		return KindList, ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return KindUnknown, ""
	}
	if origin != "" && !sameOrigin(u, origin) {
		return KindUnknown, ""
	}
	path := u.Path
	if path == "" || path == "/" {
		return KindList, ""
	}
	if m := containerPathRe.FindStringSubmatch(path); m != nil {
		return KindInsideContainer, m[1]
	}
	return KindUnknown, ""
}

func sameOrigin(u *url.URL, origin string) bool {
	o, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, o.Scheme) && strings.EqualFold(u.Host, o.Host)
}

// Locator inspects a View. It never navigates or clicks.
type Locator struct {
	view   View
	origin string
}

// NewLocator reads v. origin is the target application's origin; pages
// elsewhere classify as KindUnknown. An empty origin accepts any host.
func NewLocator(v View, origin string) *Locator {
	return &Locator{view: v, origin: origin}
}

// CurrentState classifies the page and extracts the token. A missing token
// or container is left for State.Ready to report.
func (l *Locator) CurrentState(ctx context.Context) (State, error) {
	rawURL, err := l.view.URL(ctx)
	if err != nil {
		return State{}, fmt.Errorf("read page url: %w", err)
	}
	title, err := l.view.Title(ctx)
	if err != nil {
		return State{}, fmt.Errorf("read page title: %w", err)
	}

	st := State{URL: rawURL, Title: title}
	st.Kind, st.ContainerID = Classify(rawURL, l.origin)

	st.AuthToken, err = l.ExtractAuthToken(ctx)
	if err != nil {
		return State{}, err
	}

	if st.Kind == KindList {
		if lister, ok := l.view.(NotebookLister); ok {
			// the list is informational; a failure leaves it empty
			if nbs, err := lister.Notebooks(ctx); err == nil {
				st.Notebooks = nbs
			}
		}
	}
	return st, nil
}

// ExtractAuthToken tries the inline script assignment, then the global
// runtime object, then a broad scan of the markup. It returns "" when none
// matches.
func (l *Locator) ExtractAuthToken(ctx context.Context) (string, error) {
	scripts, err := l.view.ScriptTexts(ctx)
	if err != nil {
		return "", fmt.Errorf("read page scripts: %w", err)
	}
	for _, s := range scripts {
		if m := inlineTokenRe.FindStringSubmatch(s); m != nil {
			return m[1], nil
		}
	}

	tok, err := l.view.GlobalToken(ctx)
	if err != nil {
		return "", fmt.Errorf("read global token: %w", err)
	}
	if tok = strings.TrimSpace(tok); tok != "" {
		return tok, nil
	}

	markup, err := l.view.Markup(ctx)
	if err != nil {
		return "", fmt.Errorf("read page markup: %w", err)
	}
	if m := broadTokenRe.FindStringSubmatch(markup); m != nil {
		return m[1], nil
	}
	return "", nil
}
