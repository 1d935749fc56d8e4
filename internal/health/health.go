package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Pinger is any dependency that can report liveness: the browser tab, the
// journal database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
}

// Check pings every dependency with a per-check timeout.
func Check(ctx context.Context, checks map[string]Pinger) Status {
	st := Status{OK: true, Message: "ok"}
	if len(checks) == 0 {
		return st
	}

	st.Checks = make(map[string]bool, len(checks))
	var failed []string
	for name, p := range checks {
		if p == nil {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, 1*time.Second)
		err := p.Ping(pctx)
		cancel()

		st.Checks[name] = err == nil
		if err != nil {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		st.OK = false
		st.Message = strings.Join(failed, ", ") + " ping failed"
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Check(r.Context(), checks)

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
