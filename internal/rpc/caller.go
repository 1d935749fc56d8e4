package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownCall is returned for a request id with no result slot.
var ErrUnknownCall = errors.New("rpc: unknown request id")

// Call is one batch-execute request.
type Call struct {
	URL      string // absolute, including ?rpcids=
	Token    string
	Envelope []byte
}

// CallResult is what a result slot holds once the request finished.
type CallResult struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
	Err    string `json:"error,omitempty"`
}

// Caller issues a call asynchronously and exposes its result slot.
type Caller interface {
	Start(ctx context.Context, c Call) (string, error)
	// Result reports the slot content and whether the call finished.
	// A finished slot is consumed.
	Result(ctx context.Context, requestID string) (CallResult, bool, error)
}

// CookieSource supplies the browser cookies the endpoint authenticates with.
type CookieSource interface {
	Cookies(ctx context.Context) ([]*http.Cookie, error)
}

// HTTPCaller issues calls with Go's HTTP client, carrying the browser's
// cookies. Results land in in-memory slots keyed by request id.
type HTTPCaller struct {
	Client    *http.Client
	Cookies   CookieSource
	UserAgent string
	Origin    string

	mu    sync.Mutex
	slots map[string]*CallResult // nil value: still pending
}

func NewHTTPCaller(origin, userAgent string, cookies CookieSource) *HTTPCaller {
	return &HTTPCaller{
		Client:    &http.Client{Timeout: 15 * time.Second},
		Cookies:   cookies,
		UserAgent: userAgent,
		Origin:    origin,
		slots:     make(map[string]*CallResult),
	}
}

func (h *HTTPCaller) Start(ctx context.Context, c Call) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, strings.NewReader(Form(c.Token, c.Envelope)))
	if err != nil {
		return "", fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", FormContentType)
	if h.UserAgent != "" {
		req.Header.Set("User-Agent", h.UserAgent)
	}
	if h.Origin != "" {
		req.Header.Set("Origin", h.Origin)
		req.Header.Set("Referer", h.Origin+"/")
	}
	if h.Cookies != nil {
		cookies, err := h.Cookies.Cookies(ctx)
		if err != nil {
			return "", fmt.Errorf("read browser cookies: %w", err)
		}
		for _, ck := range cookies {
			req.AddCookie(ck)
		}
	}

	id := uuid.NewString()
	h.mu.Lock()
	h.slots[id] = nil
	h.mu.Unlock()

	go func() {
		res := h.do(req)
		h.mu.Lock()
		if _, ok := h.slots[id]; ok {
			h.slots[id] = &res
		}
		h.mu.Unlock()
	}()
	return id, nil
}

func (h *HTTPCaller) do(req *http.Request) CallResult {
	resp, err := h.Client.Do(req)
	if err != nil {
		return CallResult{Err: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return CallResult{Status: resp.StatusCode, Err: err.Error()}
	}
	return CallResult{Status: resp.StatusCode, Body: string(body)}
}

func (h *HTTPCaller) Result(_ context.Context, requestID string) (CallResult, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	res, ok := h.slots[requestID]
	if !ok {
		return CallResult{}, false, ErrUnknownCall
	}
	if res == nil {
		return CallResult{}, false, nil
	}
	delete(h.slots, requestID)
	return *res, true, nil
}

// Forget drops a slot whose result will not be read.
func (h *HTTPCaller) Forget(requestID string) {
	h.mu.Lock()
	delete(h.slots, requestID)
	h.mu.Unlock()
}
