package handlers

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goclaw/memlayer/pkg/api/models"
	"github.com/goclaw/memlayer/pkg/api/response"
	"github.com/goclaw/memlayer/pkg/memory"
	"github.com/goclaw/memlayer/pkg/version"
)

const (
	defaultProbeTimeout = 2 * time.Second

	// probeKey is looked up to exercise a backend round trip.
	probeKey = "__memlayer_readiness_probe__"
)

// SweeperStatus reports the state of the expiry sweeper.
type SweeperStatus interface {
	Running() bool
	Schedule() string
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	registry     *memory.Registry
	environment  string
	started      time.Time
	probeTimeout time.Duration
	shutdown     atomic.Bool

	sweeper SweeperStatus
	streams func() int
}

// HealthOption configures a HealthHandler.
type HealthOption func(*HealthHandler)

// WithEnvironment labels the status report.
func WithEnvironment(env string) HealthOption {
	return func(h *HealthHandler) { h.environment = env }
}

// WithSweeperStatus includes the sweeper in the status report.
func WithSweeperStatus(s SweeperStatus) HealthOption {
	return func(h *HealthHandler) { h.sweeper = s }
}

// WithStreamCount includes the number of open streams in the status report.
func WithStreamCount(fn func() int) HealthOption {
	return func(h *HealthHandler) { h.streams = fn }
}

// WithProbeTimeout bounds each backend probe.
func WithProbeTimeout(d time.Duration) HealthOption {
	return func(h *HealthHandler) {
		if d > 0 {
			h.probeTimeout = d
		}
	}
}

// NewHealthHandler creates a new health handler over every store in registry.
func NewHealthHandler(registry *memory.Registry, opts ...HealthOption) *HealthHandler {
	h := &HealthHandler{
		registry:     registry,
		started:      time.Now(),
		probeTimeout: defaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetShuttingDown makes the liveness probe fail so load balancers drain
// traffic before the server stops.
func (h *HealthHandler) SetShuttingDown() {
	h.shutdown.Store(true)
}

// Health handles the /health endpoint (liveness probe).
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.shutdown.Load() {
		response.JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "shutting_down",
		})
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Ready handles the /ready endpoint (readiness probe). Every registered
// store must answer a lookup.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	stores := h.probe(r.Context())
	ready := !h.shutdown.Load()
	for _, s := range stores {
		ready = ready && s.Healthy
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, status, map[string]any{
		"ready":  ready,
		"stores": stores,
	})
}

// Status handles the /status endpoint (detailed status).
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	status := models.StatusResponse{
		Version:     version.Version,
		Environment: h.environment,
		Uptime:      time.Since(h.started).Round(time.Second).String(),
		Stores:      h.probe(r.Context()),
	}
	if h.sweeper != nil {
		status.Sweeper = &models.SweeperState{
			Running:  h.sweeper.Running(),
			Schedule: h.sweeper.Schedule(),
		}
	}
	if h.streams != nil {
		status.Streams = h.streams()
	}
	response.JSON(w, http.StatusOK, status)
}

// probe checks every store concurrently.
func (h *HealthHandler) probe(ctx context.Context) []models.StoreStatus {
	names := h.registry.Names()
	out := make([]models.StoreStatus, len(names))

	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			out[i] = models.StoreStatus{Name: name}
			store, ok := h.registry.Get(name)
			if !ok {
				out[i].Error = "not registered"
				return nil
			}
			pctx, cancel := context.WithTimeout(ctx, h.probeTimeout)
			defer cancel()
			if _, err := store.Exists(pctx, probeKey); err != nil {
				out[i].Error = memory.Kind(err).String() + ": " + err.Error()
				return nil
			}
			out[i].Healthy = true
			return nil
		})
	}
	_ = g.Wait()
	return out
}
