package http

import (
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// checkResult is one component's verdict inside the readiness body.
type checkResult struct {
	Status    string `json:"status"` // pass, warn or fail
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
}

type healthResponse struct {
	Status string                 `json:"status"` // healthy, degraded or unhealthy
	Checks map[string]checkResult `json:"checks"`
}

// handleHealth is the readiness probe: the database and the shared cache
// must answer, and at least one upstream breaker must not be open. Open
// breakers alone degrade the service; pricing still works off fallbacks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := make(map[string]checkResult)
	ready := true

	probe := func(name string, ping func() error) {
		start := time.Now()
		if err := ping(); err != nil {
			checks[name] = checkResult{Status: "fail", Message: err.Error(), LatencyMS: time.Since(start).Milliseconds()}
			ready = false
			return
		}
		checks[name] = checkResult{Status: "pass", LatencyMS: time.Since(start).Milliseconds()}
	}
	probe("database", func() error { return s.db.Ping(ctx) })
	probe("cache", func() error { return s.cache.Ping(ctx) })

	allOpen := len(s.breakers) > 0
	for _, b := range s.breakers {
		if b.BreakerState() != gobreaker.StateOpen {
			allOpen = false
		}
	}
	warned := false
	for _, b := range s.breakers {
		name := b.Provider() + "_breaker"
		state := b.BreakerState()
		switch {
		case state != gobreaker.StateOpen:
			checks[name] = checkResult{Status: "pass", Message: state.String()}
		case allOpen:
			checks[name] = checkResult{Status: "fail", Message: "open"}
		default:
			checks[name] = checkResult{Status: "warn", Message: "open"}
			warned = true
		}
	}
	if allOpen {
		ready = false
	}

	status := "healthy"
	code := http.StatusOK
	switch {
	case !ready:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case warned:
		status = "degraded"
	}
	writeJSON(w, code, healthResponse{Status: status, Checks: checks})
}

// handleLive answers as long as the process serves requests at all. No
// dependency checks: a restart will not fix a broken upstream.
func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{Status: "alive"})
}
