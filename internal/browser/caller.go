package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/starbridge/internal/rpc"
)

// slotVar is the window property holding in-page call results.
const slotVar = "__starbridgeCalls"

// PageCaller issues batch-execute calls as XHRs from inside the page, so
// they carry the page's own cookies and origin. Results land in a window
// slot keyed by request id.
type PageCaller struct {
	s *Session
}

func NewPageCaller(s *Session) *PageCaller {
	return &PageCaller{s: s}
}

func (p *PageCaller) Start(ctx context.Context, c rpc.Call) (string, error) {
	id := uuid.NewString()
	script, err := startCallScript(id, c)
	if err != nil {
		return "", err
	}
	var started bool
	if err := p.s.eval(ctx, script, &started); err != nil {
		return "", fmt.Errorf("start in-page call: %w", err)
	}
	if !started {
		return "", fmt.Errorf("start in-page call: page refused request %s", id)
	}
	return id, nil
}

type slotState struct {
	Known  bool   `json:"known"`
	Done   bool   `json:"done"`
	Status int    `json:"status"`
	Body   string `json:"body"`
	Error  string `json:"error"`
}

func (p *PageCaller) Result(ctx context.Context, requestID string) (rpc.CallResult, bool, error) {
	var st slotState
	if err := p.s.eval(ctx, resultScript(requestID), &st); err != nil {
		return rpc.CallResult{}, false, fmt.Errorf("read in-page result: %w", err)
	}
	if !st.Known {
		return rpc.CallResult{}, false, rpc.ErrUnknownCall
	}
	if !st.Done {
		return rpc.CallResult{}, false, nil
	}
	return rpc.CallResult{Status: st.Status, Body: st.Body, Err: st.Error}, true, nil
}

// Forget drops the slot of an abandoned call.
func (p *PageCaller) Forget(requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var ok bool
	_ = p.s.eval(ctx, forgetScript(requestID), &ok)
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func startCallScript(id string, c rpc.Call) (string, error) {
	if c.URL == "" {
		return "", fmt.Errorf("start in-page call: empty url")
	}
	return fmt.Sprintf(`((id, url, body, contentType) => {
  const slots = window.%[1]s = window.%[1]s || {};
  slots[id] = {done: false};
  const xhr = new XMLHttpRequest();
  xhr.open('POST', url, true);
  xhr.setRequestHeader('Content-Type', contentType);
  xhr.onload = () => { slots[id] = {done: true, status: xhr.status, body: xhr.responseText}; };
  xhr.onerror = () => { slots[id] = {done: true, status: xhr.status, error: 'network error'}; };
  xhr.ontimeout = () => { slots[id] = {done: true, status: 0, error: 'timeout'}; };
  xhr.send(body);
  return true;
})(%[2]s, %[3]s, %[4]s, %[5]s)`,
		slotVar, jsString(id), jsString(c.URL), jsString(rpc.Form(c.Token, c.Envelope)), jsString(rpc.FormContentType)), nil
}

func resultScript(id string) string {
	return fmt.Sprintf(`((id) => {
  const slots = window.%[1]s || {};
  const slot = slots[id];
  if (!slot) return {known: false};
  if (slot.done) delete slots[id];
  return Object.assign({known: true}, slot);
})(%[2]s)`, slotVar, jsString(id))
}

func forgetScript(id string) string {
	return fmt.Sprintf(`((id) => { if (window.%[1]s) delete window.%[1]s[id]; return true; })(%[2]s)`, slotVar, jsString(id))
}
