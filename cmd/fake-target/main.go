// Command fake-target stands in for the notebook application during local
// runs: a notebook list, notebook pages carrying a session token and an
// add-source dialog, and the batch-execute endpoint.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/austindbirch/starbridge/internal/logging"
	"github.com/austindbirch/starbridge/internal/rpc"
)

const batchPath = "/_/LabsTailwindUi/data/batchexecute"

// source is one add-source request the target accepted.
type source struct {
	Notebook string    `json:"notebook"`
	Kind     string    `json:"kind"` // text or link
	Title    string    `json:"title,omitempty"`
	Body     string    `json:"body,omitempty"`
	URL      string    `json:"url,omitempty"`
	Via      string    `json:"via"` // rpc or ui
	At       time.Time `json:"at"`
}

type target struct {
	mu         sync.Mutex
	token      string
	rpcID      string
	failFirstN int
	reqCount   int
	sources    []source
	logger     *logging.Logger
}

func newTarget(token string, failFirstN int) *target {
	return &target{
		token:      token,
		rpcID:      rpc.DefaultRPCID,
		failFirstN: failFirstN,
		logger:     logging.New("fake-target"),
	}
}

func main() {
	failFirstN := 0
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = n
		}
	}
	token := os.Getenv("TARGET_TOKEN")
	if token == "" {
		token = "fake-session-token"
	}
	addr := os.Getenv("FAKE_TARGET_ADDR")
	if addr == "" {
		addr = ":8081"
	}

	t := newTarget(token, failFirstN)
	t.logger.Plain().WithField("addr", addr).WithField("fail_first_n", failFirstN).Info("fake-target listening")
	if err := http.ListenAndServe(addr, t.routes()); err != nil {
		t.logger.Plain().WithError(err).Fatal("fake-target stopped")
	}
}

func (t *target) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("GET /{$}", t.handleList)
	mux.HandleFunc("GET /notebook/{id}", t.handleNotebook)
	mux.HandleFunc("POST "+batchPath, t.handleBatch)
	mux.HandleFunc("POST /sources/ui", t.handleUISource)
	mux.HandleFunc("GET /sources", t.handleSources)
	return mux
}

func (t *target) globals() string {
	return fmt.Sprintf(`<script>window.WIZ_global_data = {"SNlM0e":%q,"FdrFJe":"-1"};</script>`, t.token)
}

func (t *target) handleList(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!doctype html><html><head><title>NotebookLM</title>%s</head><body>
<h1>Notebooks</h1>
<a href="/notebook/demo-notebook">Demo notebook</a>
<a href="/notebook/reading-list">Reading list</a>
</body></html>`, t.globals())
}

// notebookPage mimics the add-source dialog closely enough for the UI
// strategy's default selector table.
const notebookPage = `<!doctype html><html><head><title>%s - NotebookLM</title>%s</head><body>
<nav><button role="tab">Sources</button></nav>
<button class="add-source-button" aria-label="Add source" onclick="openDialog()">Add source</button>
<div id="dlg" role="dialog" style="display:none">
  <div id="choices"><span onclick="showText()">Copied text</span> <span onclick="showLink()">Website</span></div>
  <div id="pane" style="display:none">
    <textarea id="field" class="text-area"></textarea>
    <button id="insert" disabled onclick="insertSource()">Insert</button>
  </div>
</div>
<script>
let kind = 'text';
const dlg = document.getElementById('dlg'), pane = document.getElementById('pane');
const field = document.getElementById('field'), insert = document.getElementById('insert');
function openDialog() { dlg.style.display = 'block'; pane.style.display = 'none'; field.value = ''; insert.disabled = true; }
function showText() { kind = 'text'; field.className = 'text-area'; field.placeholder = ''; pane.style.display = 'block'; }
function showLink() { kind = 'link'; field.className = ''; field.placeholder = 'Paste URL'; pane.style.display = 'block'; }
field.addEventListener('input', () => { insert.disabled = field.value.trim() === ''; });
document.addEventListener('keydown', (e) => { if (e.key === 'Escape') dlg.style.display = 'none'; });
function insertSource() {
  const body = kind === 'link' ? {kind, url: field.value} : {kind, body: field.value};
  body.notebook = %q;
  fetch('/sources/ui', {method: 'POST', headers: {'Content-Type': 'application/json'}, body: JSON.stringify(body)})
    .then(() => { dlg.style.display = 'none'; });
}
</script>
</body></html>`

func (t *target) handleNotebook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, notebookPage, html.EscapeString(id), t.globals(), id)
}

func (t *target) handleBatch(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	t.reqCount++
	n := t.reqCount
	t.mu.Unlock()

	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if r.URL.Query().Get("rpcids") != t.rpcID {
		http.Error(w, "unknown rpc", http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("at") != t.token {
		t.logger.Plain().Warn("rejecting batch call with a stale token")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Simulate flakiness: first N calls -> 500
	if n <= t.failFirstN {
		t.logger.Plain().WithField("call", n).WithField("fail_first_n", t.failFirstN).Warn("failing batch call")
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	src, err := parseAddSource(r.PostForm.Get("f.req"))
	if err != nil {
		t.logger.Plain().WithError(err).Warn("malformed add-source call")
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(")]}'\n\n[[\"er\",null,null,null,null,400,null,null,null,3]]"))
		return
	}
	src.Via = "rpc"
	t.record(src)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w, ")]}'\n\n[[%q,%q,\"[]\",null,null,null,\"generic\"],[\"di\",42]]", rpc.SuccessMarker, t.rpcID)
}

func (t *target) handleUISource(w http.ResponseWriter, r *http.Request) {
	var src source
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	src.Via = "ui"
	if src.Kind == "text" {
		src.Title = "Pasted text"
	}
	t.record(src)
	w.WriteHeader(http.StatusNoContent)
}

func (t *target) handleSources(w http.ResponseWriter, _ *http.Request) {
	t.mu.Lock()
	list := append([]source{}, t.sources...)
	t.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

func (t *target) record(src source) {
	src.At = time.Now()
	t.mu.Lock()
	t.sources = append(t.sources, src)
	t.mu.Unlock()
	t.logger.Plain().
		WithField("notebook", src.Notebook).
		WithField("kind", src.Kind).
		WithField("via", src.Via).
		WithField("title", truncate(src.Title, 60)).
		Info("source added")
}

// parseAddSource decodes [[[rpcID,"<payload>",null,"generic"]]] and the text
// or link payload inside it.
func parseAddSource(freq string) (source, error) {
	var env [][][]any
	if err := json.Unmarshal([]byte(freq), &env); err != nil {
		return source{}, fmt.Errorf("envelope: %w", err)
	}
	if len(env) == 0 || len(env[0]) == 0 || len(env[0][0]) < 2 {
		return source{}, errors.New("envelope: missing call")
	}
	raw, ok := env[0][0][1].(string)
	if !ok {
		return source{}, errors.New("envelope: payload is not a string")
	}

	var payload []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return source{}, fmt.Errorf("payload: %w", err)
	}
	if len(payload) < 2 {
		return source{}, errors.New("payload: missing container")
	}
	var items [][]any
	if err := json.Unmarshal(payload[0], &items); err != nil || len(items) == 0 {
		return source{}, errors.New("payload: missing source item")
	}
	var notebook string
	if err := json.Unmarshal(payload[1], &notebook); err != nil || notebook == "" {
		return source{}, errors.New("payload: missing container id")
	}

	item := items[0]
	switch {
	case len(item) == 4 && item[3] == float64(2):
		pair, ok := item[1].([]any)
		if !ok || len(pair) != 2 {
			return source{}, errors.New("payload: malformed text pair")
		}
		title, _ := pair[0].(string)
		body, _ := pair[1].(string)
		return source{Notebook: notebook, Kind: "text", Title: title, Body: body}, nil
	case len(item) == 11 && item[10] == float64(1):
		urls, ok := item[2].([]any)
		if !ok || len(urls) != 1 {
			return source{}, errors.New("payload: malformed link")
		}
		u, _ := urls[0].(string)
		return source{Notebook: notebook, Kind: "link", URL: u}, nil
	}
	return source{}, errors.New("payload: unknown source shape")
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
