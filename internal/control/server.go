// Package control serves the local JSON control plane used by the companion
// extension and bridgectl.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/austindbirch/starbridge/internal/auth"
	"github.com/austindbirch/starbridge/internal/content"
	"github.com/austindbirch/starbridge/internal/dispatch"
	"github.com/austindbirch/starbridge/internal/journal"
	"github.com/austindbirch/starbridge/internal/logging"
	"github.com/austindbirch/starbridge/internal/metrics"
	"github.com/austindbirch/starbridge/internal/queue"
	"github.com/austindbirch/starbridge/internal/session"
)

// Origin labels entries submitted over the control plane.
const Origin = "control"

const maxBody = 4 << 20

// errMediaType rejects bodies that are not JSON. Browsers send text/plain
// cross-origin without a preflight, so only JSON bodies are read.
var errMediaType = errors.New("request body must be application/json")

// Queue is the delivery queue as the control plane sees it.
type Queue interface {
	Enqueue(rec content.Record) (string, error)
	PeekNextPending() (queue.Entry, bool)
	Begin(id string) error
	Release(id string)
	MarkSent(id string) error
	MarkFailed(id, reason string) error
	Retry(id string) error
	Remove(id string) error
	List() []queue.Entry
	Clear()
	Size() int
	Stats() queue.Stats
}

// Dispatcher runs deliveries and owns the browser view lock.
type Dispatcher interface {
	DispatchNext(ctx context.Context) (dispatch.Result, error)
	DispatchAll(ctx context.Context) (dispatch.Summary, error)
	Lock()
	Unlock()
	TryLock() bool
}

type Sessions interface {
	CurrentState(ctx context.Context) (session.State, error)
}

type Dumper interface {
	Dump(ctx context.Context, path string) (string, error)
}

type NoticeSource interface {
	Recent() []dispatch.Notice
}

type History interface {
	Recent(ctx context.Context, limit int) ([]journal.Delivery, error)
}

// Deps are the collaborators behind the routes. Producer, Dumper and History
// are optional; their routes answer 501 when unset.
type Deps struct {
	Queue      Queue
	Dispatcher Dispatcher
	Sessions   Sessions
	Producer   content.Producer
	Dumper     Dumper
	Notices    NoticeSource
	History    History
}

type Options struct {
	DumpPath    string
	CORSOrigins []string
	// Validator enables bearer auth; nil leaves the API open.
	Validator *auth.JWTValidator
}

type Server struct {
	deps   Deps
	opts   Options
	mux    *runtime.ServeMux
	logger *logging.Logger
}

// New registers every route on a grpc-gateway runtime mux.
func New(deps Deps, opts Options) (*Server, error) {
	s := &Server{
		deps:   deps,
		opts:   opts,
		logger: logging.New("control"),
	}
	s.mux = runtime.NewServeMux(runtime.WithRoutingErrorHandler(routingError))

	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{http.MethodGet, "/status", s.status},
		{http.MethodGet, "/queue", s.listQueue},
		{http.MethodPost, "/queue", s.submit},
		{http.MethodPost, "/queue/pop", s.pop},
		{http.MethodPost, "/queue/clear", s.clear},
		{http.MethodPost, "/queue/complete/{id}", s.complete},
		{http.MethodPost, "/queue/fail/{id}", s.fail},
		{http.MethodPost, "/queue/retry/{id}", s.retry},
		{http.MethodDelete, "/queue/{id}", s.remove},
		{http.MethodGet, "/current-note", s.currentNote},
		{http.MethodPost, "/current-note/enqueue", s.enqueueCurrent},
		{http.MethodPost, "/dispatch", s.dispatchNext},
		{http.MethodPost, "/dispatch/all", s.dispatchAll},
		{http.MethodGet, "/session", s.session},
		{http.MethodPost, "/debug/dump", s.dump},
		{http.MethodGet, "/notices", s.notices},
		{http.MethodGet, "/history", s.history},
	}
	for _, r := range routes {
		if err := s.mux.HandlePath(r.method, r.pattern, r.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}
	return s, nil
}

// Handler wraps the routes with request logging, CORS and auth.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.opts.Validator != nil {
		h = s.opts.Validator.HTTPMiddleware(h)
	}
	h = cors(s.opts.CORSOrigins, h)
	return s.logRequests(h)
}

type statusResponse struct {
	OK           bool           `json:"ok"`
	QueueSize    int            `json:"queueSize"`
	Failed       int            `json:"failed"`
	InFlight     int            `json:"inFlight"`
	Dispatching  bool           `json:"dispatching"`
	Session      *session.State `json:"session,omitempty"`
	SessionError string         `json:"sessionError,omitempty"`
}

// status never waits for a running delivery; the extension polls it.
func (s *Server) status(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	st := s.deps.Queue.Stats()
	resp := statusResponse{OK: true, QueueSize: st.Pending, Failed: st.Failed, InFlight: st.InFlight}

	if s.deps.Sessions != nil {
		if s.deps.Dispatcher.TryLock() {
			state, err := s.deps.Sessions.CurrentState(r.Context())
			s.deps.Dispatcher.Unlock()
			if err != nil {
				resp.SessionError = err.Error()
			} else {
				red := state.Redacted()
				red.Notebooks = nil
				resp.Session = &red
			}
		} else {
			resp.Dispatching = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listQueue(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	entries := s.deps.Queue.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":   entries,
		"queueSize": s.deps.Queue.Size(),
	})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var rec content.Record
	if err := decodeBody(r, &rec); err != nil {
		badBody(w, err)
		return
	}
	s.enqueue(w, r, rec)
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, rec content.Record) {
	id, err := s.deps.Queue.Enqueue(rec)
	if err != nil {
		s.fromError(w, err)
		return
	}
	metrics.RecordEnqueued(Origin)
	s.logger.WithContext(r.Context()).WithEntry(id).WithField("title", rec.Title).Info("entry submitted")
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "queueSize": s.deps.Queue.Size()})
}

// pop hands the oldest pending entry to the caller, which takes over its
// delivery. The entry leaves the queue.
func (s *Server) pop(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.deps.Dispatcher.Lock()
	defer s.deps.Dispatcher.Unlock()

	e, ok := s.deps.Queue.PeekNextPending()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "queue is empty")
		return
	}
	if err := s.deps.Queue.Begin(e.ID); err != nil {
		s.fromError(w, err)
		return
	}
	if err := s.deps.Queue.MarkSent(e.ID); err != nil {
		s.fromError(w, err)
		return
	}
	s.logger.WithContext(r.Context()).WithEntry(e.ID).Info("entry popped by client")
	writeJSON(w, http.StatusOK, map[string]any{"id": e.ID, "note": e.Record, "entry": e})
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request, p map[string]string) {
	if err := s.deps.Queue.MarkSent(p["id"]); err != nil {
		s.fromError(w, err)
		return
	}
	s.logger.WithContext(r.Context()).WithEntry(p["id"]).Info("entry completed by client")
	writeJSON(w, http.StatusOK, map[string]any{"id": p["id"], "status": queue.StatusSent})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, p map[string]string) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil && !errors.Is(err, io.EOF) {
		badBody(w, err)
		return
	}
	if body.Reason == "" {
		body.Reason = "reported failed by client"
	}
	if err := s.deps.Queue.MarkFailed(p["id"], body.Reason); err != nil {
		s.fromError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": p["id"], "status": queue.StatusFailed})
}

func (s *Server) retry(w http.ResponseWriter, _ *http.Request, p map[string]string) {
	if err := s.deps.Queue.Retry(p["id"]); err != nil {
		s.fromError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": p["id"], "status": queue.StatusPending})
}

func (s *Server) remove(w http.ResponseWriter, _ *http.Request, p map[string]string) {
	if err := s.deps.Queue.Remove(p["id"]); err != nil {
		s.fromError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clear(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.deps.Queue.Clear()
	s.logger.WithContext(r.Context()).Info("queue cleared")
	writeJSON(w, http.StatusOK, map[string]any{"queueSize": 0})
}

func (s *Server) currentNote(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	rec, ok := s.current(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) enqueueCurrent(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	rec, ok := s.current(w, r)
	if !ok {
		return
	}
	s.enqueue(w, r, rec)
}

func (s *Server) current(w http.ResponseWriter, r *http.Request) (content.Record, bool) {
	if s.deps.Producer == nil {
		writeError(w, http.StatusNotImplemented, "unimplemented", "no note producer configured")
		return content.Record{}, false
	}
	rec, err := s.deps.Producer.Current(r.Context())
	if err != nil {
		s.fromError(w, err)
		return content.Record{}, false
	}
	return rec, true
}

// Deliveries outlive the request: an abandoned request must not leave the
// target's dialog half filled.
func (s *Server) dispatchNext(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	res, err := s.deps.Dispatcher.DispatchNext(context.WithoutCancel(r.Context()))
	if err != nil {
		s.fromError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) dispatchAll(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	sum, err := s.deps.Dispatcher.DispatchAll(context.WithoutCancel(r.Context()))
	if err != nil {
		s.fromError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.Sessions == nil {
		writeError(w, http.StatusNotImplemented, "unimplemented", "no browser session")
		return
	}
	s.deps.Dispatcher.Lock()
	state, err := s.deps.Sessions.CurrentState(r.Context())
	s.deps.Dispatcher.Unlock()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state.Redacted())
}

func (s *Server) dump(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.Dumper == nil {
		writeError(w, http.StatusNotImplemented, "unimplemented", "no browser session")
		return
	}
	var body struct {
		Path string `json:"path"`
	}
	if err := decodeBody(r, &body); err != nil && !errors.Is(err, io.EOF) {
		badBody(w, err)
		return
	}
	path, err := dumpPath(s.opts.DumpPath, body.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	s.deps.Dispatcher.Lock()
	written, err := s.deps.Dumper.Dump(r.Context(), path)
	s.deps.Dispatcher.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.logger.WithContext(r.Context()).WithField("path", written).Info("diagnostic dump written")
	writeJSON(w, http.StatusOK, map[string]string{"path": written})
}

func (s *Server) notices(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	var list []dispatch.Notice
	if s.deps.Notices != nil {
		list = s.deps.Notices.Recent()
	}
	if list == nil {
		list = []dispatch.Notice{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notices": list})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotImplemented, "unimplemented", "delivery journal is disabled")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_argument", "limit must be an integer")
			return
		}
		limit = n
	}
	rows, err := s.deps.History.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if rows == nil {
		rows = []journal.Delivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": rows})
}

// fromError maps domain errors onto status codes.
func (s *Server) fromError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, content.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, queue.ErrInvalidRecord):
		status, code = http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, queue.ErrInFlight):
		status, code = http.StatusConflict, "in_flight"
	case errors.Is(err, queue.ErrNotFailed), errors.Is(err, queue.ErrNotPending):
		status, code = http.StatusConflict, "failed_precondition"
	case errors.Is(err, dispatch.ErrTransportUnavailable):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}
	if status == http.StatusInternalServerError {
		s.logger.Plain().WithError(err).Error("request failed")
	}
	writeError(w, status, code, err.Error())
}

// dumpPath keeps dumps next to the configured default. Only the file name
// of a requested path is used.
func dumpPath(def, requested string) (string, error) {
	if requested == "" {
		return def, nil
	}
	name := filepath.Base(requested)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return "", fmt.Errorf("invalid dump file name %q", requested)
	}
	return filepath.Join(filepath.Dir(def), name), nil
}

// decodeBody reads a JSON body. An empty body yields io.EOF whatever its
// content type.
func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return io.EOF
	}
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		return errMediaType
	}
	return json.Unmarshal(data, v)
}

func badBody(w http.ResponseWriter, err error) {
	if errors.Is(err, errMediaType) {
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func routingError(_ context.Context, _ *runtime.ServeMux, _ runtime.Marshaler, w http.ResponseWriter, r *http.Request, status int) {
	switch status {
	case http.StatusMethodNotAllowed, http.StatusNotImplemented:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not allowed on "+r.URL.Path)
	case http.StatusBadRequest:
		writeError(w, status, "invalid_argument", "bad request")
	default:
		writeError(w, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
	}
}

// cors admits the configured origins. An entry ending in "*" matches by
// prefix, so "chrome-extension://*" covers every extension id. Requests that
// change state are refused outright from any other origin; CORS headers
// alone only hide the response.
func cors(origins []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := origin != "" && originAllowed(origins, origin)
		if origin != "" && !allowed && changesState(r.Method) {
			writeError(w, http.StatusForbidden, "permission_denied", "origin "+origin+" is not allowed")
			return
		}
		if allowed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Set("Access-Control-Max-Age", "600")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func changesState(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func originAllowed(origins []string, origin string) bool {
	for _, o := range origins {
		if o == "*" || o == origin {
			return true
		}
		if prefix, ok := strings.CutSuffix(o, "*"); ok && strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.WithContext(r.Context()).
			WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", rec.status).
			WithField("duration_ms", time.Since(start).Milliseconds()).
			Debug("control request")
	})
}
