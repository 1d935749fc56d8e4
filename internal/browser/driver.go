package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/austindbirch/starbridge/internal/simulate"
)

// findJS resolves a matcher list to one element. Within a matcher the
// innermost hit wins, so an exact label matches the element carrying it
// rather than a wrapper around it.
const findJS = `
const norm = (s) => (s || '').replace(/\s+/g, ' ').trim();
const visible = (el) => {
  const r = el.getBoundingClientRect();
  const st = getComputedStyle(el);
  return r.width > 0 && r.height > 0 && st.visibility !== 'hidden' && st.display !== 'none';
};
const disabled = (el) => !!el.disabled || el.getAttribute('aria-disabled') === 'true';
const labelMatch = (text, labels, mode) => {
  const t = norm(text);
  return labels.some((l) => {
    switch (mode) {
      case 'exact': return t === l;
      case 'contains_fold': return t.toLowerCase().includes(l.toLowerCase());
      default: return t.includes(l);
    }
  });
};
const roots = (m) => {
  if (!m.scope) return [document];
  let els = Array.from(document.querySelectorAll(m.scope));
  if (m.scopeLabels && m.scopeLabels.length) {
    els = els.filter((e) => m.scopeLabels.some((l) => norm(e.textContent).includes(l)));
  }
  return els;
};
const find = (ms) => {
  for (const m of ms) {
    const hits = [];
    for (const root of roots(m)) {
      for (const el of root.querySelectorAll(m.selector)) {
        if (m.visibleOnly && !visible(el)) continue;
        if (m.enabledOnly && disabled(el)) continue;
        if (m.labels && m.labels.length) {
          const text = m.attr ? el.getAttribute(m.attr) : (el.innerText || el.textContent);
          if (!labelMatch(text, m.labels, m.mode || 'contains')) continue;
        }
        hits.push(el);
      }
    }
    const inner = hits.find((h) => !hits.some((o) => o !== h && h.contains(o)));
    if (inner) return inner;
  }
  return null;
};
`

const (
	clickAction  = `el.scrollIntoView({block: 'center'}); el.click(); return true;`
	revealAction = `el.scrollIntoView({block: 'center'}); return true;`
	fillAction   = `
el.focus();
const proto = el.tagName === 'TEXTAREA' ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
const setter = Object.getOwnPropertyDescriptor(proto, 'value');
if (setter && setter.set) { setter.set.call(el, value); } else { el.value = value; }
el.dispatchEvent(new Event('input', {bubbles: true}));
el.dispatchEvent(new Event('change', {bubbles: true}));
el.dispatchEvent(new KeyboardEvent('keyup', {bubbles: true}));
return true;`
	inspectAction = `return {found: true, enabled: !disabled(el), tag: el.tagName, text: norm(el.innerText || el.textContent).slice(0, 80)};`
)

// actionScript wraps an action body that runs against the resolved element
// el. missing is the script's result when no element matched.
func actionScript(ms []simulate.Matcher, value, body, missing string) (string, error) {
	if ms == nil {
		ms = []simulate.Matcher{}
	}
	raw, err := json.Marshal(ms)
	if err != nil {
		return "", fmt.Errorf("encode matchers: %w", err)
	}
	return fmt.Sprintf(`((ms, value) => {
%s
const el = find(ms);
if (!el) return %s;
%s
})(%s, %s)`, findJS, missing, body, raw, jsString(value)), nil
}

// Driver operates the target page's controls for the UI strategy.
type Driver struct {
	s *Session
}

func NewDriver(s *Session) *Driver {
	return &Driver{s: s}
}

func (d *Driver) act(ctx context.Context, ms []simulate.Matcher, value, body string) (bool, error) {
	script, err := actionScript(ms, value, body, "false")
	if err != nil {
		return false, err
	}
	var ok bool
	if err := d.s.eval(ctx, script, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (d *Driver) Click(ctx context.Context, ms []simulate.Matcher) (bool, error) {
	return d.act(ctx, ms, "", clickAction)
}

func (d *Driver) Fill(ctx context.Context, ms []simulate.Matcher, value string) (bool, error) {
	return d.act(ctx, ms, value, fillAction)
}

func (d *Driver) Reveal(ctx context.Context, ms []simulate.Matcher) (bool, error) {
	return d.act(ctx, ms, "", revealAction)
}

func (d *Driver) Inspect(ctx context.Context, ms []simulate.Matcher) (simulate.Control, error) {
	script, err := actionScript(ms, "", inspectAction, "{found: false, enabled: false}")
	if err != nil {
		return simulate.Control{}, err
	}
	var c simulate.Control
	if err := d.s.eval(ctx, script, &c); err != nil {
		return simulate.Control{}, err
	}
	return c, nil
}

// Dismiss presses Escape to close an open dialog.
func (d *Driver) Dismiss(ctx context.Context) error {
	return d.s.run(ctx, chromedp.KeyEvent(kb.Escape))
}
