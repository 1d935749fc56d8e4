//go:build chrome

package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/starbridge/internal/simulate"
)

// decoyPage puts a near-miss control before each real one.
const decoyPage = `<!doctype html>
<html><body>
<div role="tablist">
  <button role="tab">Chat</button>
  <button role="tab"><i>description</i> Sources (2)</button>
</div>
<div role="dialog">
  <span>Copied text history</span>
  <span>Copied text</span>
  <span>Website link</span>
  <span>Website</span>
  <button onclick="window.clicked = 'Insert all'">Insert all</button>
  <button onclick="window.clicked = 'Insert'">Insert</button>
</div>
</body></html>`

// Run with: go test -tags chrome ./internal/browser/
func newChromeSession(t *testing.T) (*Session, context.Context) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, decoyPage)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	s, err := Launch(ctx, Options{ProfileDir: t.TempDir(), Headless: true, TargetURL: srv.URL})
	if err != nil {
		t.Skipf("chrome unavailable: %v", err)
	}
	t.Cleanup(s.Close)
	require.NoError(t, s.Open(ctx))
	return s, ctx
}

func TestDriverLabelMatching(t *testing.T) {
	s, ctx := newChromeSession(t)
	d := NewDriver(s)
	table := simulate.DefaultTable()

	tests := []struct {
		purpose  simulate.Purpose
		wantText string
	}{
		{purpose: simulate.PurposeSourcesTab, wantText: "description Sources (2)"},
		{purpose: simulate.PurposeTextOption, wantText: "Copied text"},
		{purpose: simulate.PurposeLinkOption, wantText: "Website"},
		{purpose: simulate.PurposeConfirm, wantText: "Insert"},
	}
	for _, tt := range tests {
		t.Run(string(tt.purpose), func(t *testing.T) {
			c, err := d.Inspect(ctx, table[tt.purpose])
			require.NoError(t, err)
			require.True(t, c.Found)
			assert.Equal(t, tt.wantText, c.Text)
		})
	}
}

func TestDriverClicksExactConfirm(t *testing.T) {
	s, ctx := newChromeSession(t)

	ok, err := NewDriver(s).Click(ctx, simulate.DefaultTable()[simulate.PurposeConfirm])
	require.NoError(t, err)
	require.True(t, ok)

	var clicked string
	require.NoError(t, s.eval(ctx, `window.clicked || ''`, &clicked))
	assert.Equal(t, "Insert", clicked)
}
