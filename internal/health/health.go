// SPDX-License-Identifier: MIT

// Package health provides an HTTP health check endpoint for cliap2: a
// supplemented feature (see SPEC_FULL.md) standing in for the
// "--check"/"--ntp" operator-visibility intent of the original
// program, adapted one-to-one from the teacher's per-stream health
// server onto this program's player/queue/NTP state.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ServiceInfo describes the health state of one supervised reader
// (audio-pipe or command-pipe).
type ServiceInfo struct {
	Name     string        `json:"name"`
	State    string        `json:"state"`
	Uptime   time.Duration `json:"uptime_ns"`
	Healthy  bool          `json:"healthy"`
	Error    string        `json:"error,omitempty"`
	Restarts int           `json:"restarts,omitempty"`
}

// SystemInfo contains AirPlay-domain state included in the health
// response: player/queue/staged-metadata snapshot plus NTP sync
// status (GAP-7 equivalent, carried over from the teacher).
type SystemInfo struct {
	PlayerState  string `json:"player_state"`
	QueueItemID  int64  `json:"queue_item_id"`
	StagedIsNew  bool   `json:"staged_is_new"`
	PauseFlag    bool   `json:"pause_flag"`
	NTPSynced    bool   `json:"ntp_synced"`
	NTPMessage   string `json:"ntp_message,omitempty"`
}

// StatusProvider returns the current health status of all supervised
// readers. The daemon implements this interface to supply live data.
type StatusProvider interface {
	Services() []ServiceInfo
}

// SystemInfoProvider returns system-level health data.
type SystemInfoProvider interface {
	SystemInfo() SystemInfo
}

// Response is the JSON body returned by the health endpoint.
type Response struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Services  []ServiceInfo `json:"services"`
	System    *SystemInfo   `json:"system,omitempty"`
}

// Handler serves the /healthz and /metrics endpoints.
type Handler struct {
	provider    StatusProvider
	sysProvider SystemInfoProvider
}

// NewHandler creates a health check HTTP handler.
func NewHandler(provider StatusProvider) *Handler {
	return &Handler{provider: provider}
}

// WithSystemInfo attaches an optional system info provider to the
// handler. When set, player/queue/NTP status is included in /healthz
// responses and /metrics output.
func (h *Handler) WithSystemInfo(p SystemInfoProvider) *Handler {
	h.sysProvider = p
	return h
}

// ServeHTTP implements http.Handler, routing to /healthz and /metrics.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/metrics":
		h.serveMetrics(w, r)
	default:
		h.serveHealth(w, r)
	}
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := Response{
		Timestamp: time.Now(),
	}

	var services []ServiceInfo
	if h.provider != nil {
		services = h.provider.Services()
	}
	resp.Services = services

	healthy := len(services) > 0
	for _, svc := range services {
		if !svc.Healthy {
			healthy = false
			break
		}
	}

	if healthy {
		resp.Status = "healthy"
	} else {
		resp.Status = "unhealthy"
	}

	if h.sysProvider != nil {
		si := h.sysProvider.SystemInfo()
		resp.System = &si
		if !si.NTPSynced {
			// NTP desync is a warning, not a hard failure per §7's
			// ClockError handling — surfaced as degraded, not unhealthy.
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy && resp.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// serveMetrics writes a Prometheus text-format metrics response
// without a client library dependency, matching the teacher's
// hand-rolled exposition format.
func (h *Handler) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var sb strings.Builder

	var services []ServiceInfo
	if h.provider != nil {
		services = h.provider.Services()
	}

	if len(services) > 0 {
		fmt.Fprintln(&sb, "# HELP cliap2_service_healthy Is the supervised reader currently healthy (1=healthy, 0=not).")
		fmt.Fprintln(&sb, "# TYPE cliap2_service_healthy gauge")
		for _, svc := range services {
			v := 0
			if svc.Healthy {
				v = 1
			}
			fmt.Fprintf(&sb, "cliap2_service_healthy{service=%q} %d\n", svc.Name, v)
		}

		fmt.Fprintln(&sb, "# HELP cliap2_service_uptime_seconds Seconds since the reader last (re)started.")
		fmt.Fprintln(&sb, "# TYPE cliap2_service_uptime_seconds gauge")
		for _, svc := range services {
			fmt.Fprintf(&sb, "cliap2_service_uptime_seconds{service=%q} %.3f\n", svc.Name, svc.Uptime.Seconds())
		}

		fmt.Fprintln(&sb, "# HELP cliap2_service_restarts_total Total supervisor restarts for the reader.")
		fmt.Fprintln(&sb, "# TYPE cliap2_service_restarts_total counter")
		for _, svc := range services {
			fmt.Fprintf(&sb, "cliap2_service_restarts_total{service=%q} %d\n", svc.Name, svc.Restarts)
		}
	}

	if h.sysProvider != nil {
		si := h.sysProvider.SystemInfo()

		fmt.Fprintln(&sb, "# HELP cliap2_queue_item_id Current queue item id (0 if none).")
		fmt.Fprintln(&sb, "# TYPE cliap2_queue_item_id gauge")
		fmt.Fprintf(&sb, "cliap2_queue_item_id %d\n", si.QueueItemID)

		fmt.Fprintln(&sb, "# HELP cliap2_pause_flag 1 when the audio-pipe reader is paused.")
		fmt.Fprintln(&sb, "# TYPE cliap2_pause_flag gauge")
		fmt.Fprintf(&sb, "cliap2_pause_flag %d\n", boolToInt(si.PauseFlag))

		fmt.Fprintln(&sb, "# HELP cliap2_staged_is_new 1 when staged metadata is pending pickup by the audio path.")
		fmt.Fprintln(&sb, "# TYPE cliap2_staged_is_new gauge")
		fmt.Fprintf(&sb, "cliap2_staged_is_new %d\n", boolToInt(si.StagedIsNew))

		fmt.Fprintln(&sb, "# HELP cliap2_ntp_synced 1 when system clock is NTP-synchronized.")
		fmt.Fprintln(&sb, "# TYPE cliap2_ntp_synced gauge")
		fmt.Fprintf(&sb, "cliap2_ntp_synced %d\n", boolToInt(si.NTPSynced))
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ListenAndServe starts the health check HTTP server on the given
// address. It shuts down gracefully when ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	return ListenAndServeReady(ctx, addr, handler, nil)
}

// ListenAndServeReady starts the health check HTTP server and signals
// readiness. Binds the listener synchronously so bind failures (e.g.
// port already in use) are detected before the serving goroutine
// starts; once bound, ready is closed if non-nil.
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-errCh
}
