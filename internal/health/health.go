// Package health exposes the streaming server's liveness and readiness over
// HTTP.
//
//   - /healthz — liveness: the process serves HTTP; reports uptime.
//   - /readyz  — readiness: every registered [Checker] (persona packs,
//     provider reachability, artifact storage) passes, and the current
//     session counters are included so operators see degrade level, queue
//     drops, and turn totals alongside the verdict.
//
// Responses are JSON. Each readiness check reports its own status, error,
// and probe latency.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// its context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// is healthy and an error describing the failure otherwise. It must respect
// context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// CheckResult is the per-check readiness verdict.
type CheckResult struct {
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
}

// SessionReport summarises the live session for the readiness payload.
// Populated by the callback passed to [New]; all counters are cumulative.
type SessionReport struct {
	SessionID       string `json:"session_id"`
	Turns           int64  `json:"turns"`
	Errors          int64  `json:"errors"`
	LateFrames      int64  `json:"late_frames"`
	DegradeLevel    int    `json:"degrade_level"`
	AudioQueueDrops int64  `json:"audio_queue_drops"`
	VideoQueueDrops int64  `json:"video_queue_drops"`
}

// livenessBody is the /healthz response.
type livenessBody struct {
	Status    string  `json:"status"`
	UptimeSec float64 `json:"uptime_sec"`
}

// readinessBody is the /readyz response.
type readinessBody struct {
	Status    string                 `json:"status"`
	UptimeSec float64                `json:"uptime_sec"`
	Session   *SessionReport         `json:"session,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves the health endpoints. Safe for concurrent use; the checker
// list is fixed at construction time.
type Handler struct {
	started     time.Time
	sessionInfo func() *SessionReport
	checkers    []Checker
}

// New creates a [Handler]. sessionInfo supplies the live session counters
// for the readiness payload and may be nil. Checkers run sequentially in
// the order given.
func New(sessionInfo func() *SessionReport, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{
		started:     time.Now(),
		sessionInfo: sessionInfo,
		checkers:    c,
	}
}

// Healthz is the liveness probe; it always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, livenessBody{
		Status:    "ok",
		UptimeSec: time.Since(h.started).Seconds(),
	})
}

// Readyz runs every checker and reports per-check verdicts plus the session
// counters. Any failing check turns the overall status to "fail" with a 503.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	body := readinessBody{
		Status:    "ok",
		UptimeSec: time.Since(h.started).Seconds(),
		Checks:    make(map[string]CheckResult, len(h.checkers)),
	}
	if h.sessionInfo != nil {
		body.Session = h.sessionInfo()
	}

	status := http.StatusOK
	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		probeStart := time.Now()
		err := c.Check(ctx)
		cancel()

		verdict := CheckResult{
			Status:    "ok",
			LatencyMs: float64(time.Since(probeStart).Microseconds()) / 1000,
		}
		if err != nil {
			verdict.Status = "fail"
			verdict.Error = err.Error()
			body.Status = "fail"
			status = http.StatusServiceUnavailable
		}
		body.Checks[c.Name] = verdict
	}

	writeJSON(w, status, body)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: encode response", "err", err)
	}
}
