// Package browser owns the Chrome tab the bridge works in, driven over the
// DevTools protocol. It supplies the read-only page view, the in-page RPC
// caller, the UI driver and the diagnostic dump.
package browser

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/austindbirch/starbridge/internal/logging"
	"github.com/austindbirch/starbridge/internal/session"
)

// Options configure how the browser is reached.
type Options struct {
	// RemoteURL attaches to a running browser's DevTools websocket. When
	// empty a browser is launched with ProfileDir.
	RemoteURL  string
	ProfileDir string
	Headless   bool
	UserAgent  string
	// TargetURL is the target application's origin.
	TargetURL string
}

const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
if (!window.chrome) { window.chrome = {}; }
if (!window.chrome.runtime) { window.chrome.runtime = {}; }
`

// Session is one browser tab. It is not safe for concurrent use; the
// dispatcher serializes access.
type Session struct {
	ctx       context.Context
	cancel    func()
	targetURL string
	logger    *logging.Logger
}

// Launch starts or attaches to the browser and opens one tab.
func Launch(ctx context.Context, opts Options) (*Session, error) {
	logger := logging.New("browser")

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if opts.RemoteURL != "" {
		logger.Plain().WithField("remote_url", opts.RemoteURL).Info("attaching to browser")
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, opts.RemoteURL)
	} else {
		if err := os.MkdirAll(opts.ProfileDir, 0o755); err != nil {
			return nil, fmt.Errorf("create profile dir: %w", err)
		}
		logger.Plain().
			WithField("profile_dir", opts.ProfileDir).
			WithField("headless", opts.Headless).
			Info("launching browser")

		allocOpts := []chromedp.ExecAllocatorOption{
			chromedp.UserDataDir(opts.ProfileDir),
			chromedp.NoFirstRun,
			chromedp.NoDefaultBrowserCheck,
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.Flag("exclude-switches", "enable-automation"),
			chromedp.Flag("disable-infobars", true),
			chromedp.Flag("disable-session-crashed-bubble", true),
			chromedp.Flag("hide-crash-restore-bubble", true),
			chromedp.WindowSize(1440, 900),
		}
		if opts.UserAgent != "" {
			allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
		}
		if opts.Headless {
			allocOpts = append(allocOpts, chromedp.Headless)
		} else {
			allocOpts = append(allocOpts, chromedp.Flag("headless", false))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, allocOpts...)
	}

	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	s := &Session{
		ctx: tabCtx,
		cancel: func() {
			tabCancel()
			allocCancel()
		},
		targetURL: strings.TrimRight(opts.TargetURL, "/"),
		logger:    logger,
	}

	err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
		return err
	}))
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return s, nil
}

// Close closes the tab, and the browser when it was launched here.
func (s *Session) Close() {
	s.cancel()
}

// run executes actions on the tab, honouring ctx cancellation.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (s *Session) eval(ctx context.Context, script string, res any) error {
	return s.run(ctx, chromedp.Evaluate(script, res))
}

// Ping checks that the tab still answers.
func (s *Session) Ping(ctx context.Context) error {
	var ok bool
	if err := s.eval(ctx, `true`, &ok); err != nil {
		return fmt.Errorf("browser ping: %w", err)
	}
	return nil
}

// Open navigates to the target application unless the tab is already on it.
func (s *Session) Open(ctx context.Context) error {
	current, err := s.URL(ctx)
	if err != nil {
		return err
	}
	if OnTarget(current, s.targetURL) {
		return nil
	}
	s.logger.Plain().WithField("url", s.targetURL).Info("opening target application")
	if err := s.run(ctx, chromedp.Navigate(s.targetURL+"/"), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("open target: %w", err)
	}
	return nil
}

// OnTarget reports whether rawURL is on the target origin.
func OnTarget(rawURL, targetURL string) bool {
	if targetURL == "" {
		return true
	}
	return rawURL == targetURL || strings.HasPrefix(rawURL, targetURL+"/") || strings.HasPrefix(rawURL, targetURL+"?")
}

func (s *Session) URL(ctx context.Context) (string, error) {
	var u string
	if err := s.run(ctx, chromedp.Location(&u)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return u, nil
}

func (s *Session) Title(ctx context.Context) (string, error) {
	var t string
	if err := s.run(ctx, chromedp.Title(&t)); err != nil {
		return "", fmt.Errorf("read title: %w", err)
	}
	return t, nil
}

func (s *Session) ScriptTexts(ctx context.Context) ([]string, error) {
	var texts []string
	err := s.eval(ctx, `Array.from(document.scripts).map(s => s.textContent || '')`, &texts)
	return texts, err
}

func (s *Session) GlobalToken(ctx context.Context) (string, error) {
	var tok string
	err := s.eval(ctx, `(window.WIZ_global_data && typeof window.WIZ_global_data.SNlM0e === 'string') ? window.WIZ_global_data.SNlM0e : ''`, &tok)
	return tok, err
}

func (s *Session) Markup(ctx context.Context) (string, error) {
	var html string
	err := s.eval(ctx, `document.documentElement ? document.documentElement.outerHTML : ''`, &html)
	return html, err
}

const notebooksScript = `(() => {
  const seen = new Set();
  const out = [];
  for (const a of document.querySelectorAll('a[href*="/notebook/"]')) {
    const m = a.href.match(/\/notebook\/([^/?#]+)/);
    if (!m || seen.has(m[1])) continue;
    seen.add(m[1]);
    out.push({id: m[1], title: (a.innerText || a.textContent || '').replace(/\s+/g, ' ').trim(), url: a.href});
  }
  return out;
})()`

// Notebooks lists the notebook links shown on the list page.
func (s *Session) Notebooks(ctx context.Context) ([]session.Notebook, error) {
	var nbs []session.Notebook
	if err := s.eval(ctx, notebooksScript, &nbs); err != nil {
		return nil, fmt.Errorf("list notebooks: %w", err)
	}
	return nbs, nil
}

// Cookies returns the browser's cookies for the target origin.
func (s *Session) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	var cookies []*network.Cookie
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().WithURLs([]string{s.targetURL}).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	return toHTTPCookies(cookies), nil
}

func toHTTPCookies(in []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0)
		}
		out = append(out, hc)
	}
	return out
}
