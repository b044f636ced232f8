// Package reconciler is the background scheduler (spec §4.6): four
// independently ticking tasks that repair divergence between the Store's
// durable record and the container runtime's reality. It retries nothing —
// a missed or failed tick is repaired by the next one.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/noxterm/noxterm/internal/controller"
	"github.com/noxterm/noxterm/internal/store"
)

// Periods, defaulted from config but expressed here as the spec's literal
// table (spec §4.6).
const (
	defaultExpirySweepPeriod  = 60 * time.Second
	defaultHealthProbePeriod  = 30 * time.Second
	defaultMetricsFlushPeriod = 15 * time.Second
	defaultOrphanSweepPeriod  = 300 * time.Second

	perCallTimeout = 30 * time.Second
)

// healthSample is the latest cached stats reading for a running session,
// written only by the health probe task and read by metrics flush / API.
type healthSample struct {
	sample store.MetricsSample
	at     time.Time
}

// Reconciler owns the health cache and runs the four periodic tasks.
type Reconciler struct {
	store      *store.Store
	controller *controller.Client
	logger     *slog.Logger

	expirySweepPeriod  time.Duration
	healthProbePeriod  time.Duration
	metricsFlushPeriod time.Duration
	orphanSweepPeriod  time.Duration

	healthMu sync.RWMutex
	health   map[string]healthSample
}

// Config carries the four periods, pulled from config.Timings by the
// caller (kept decoupled from the config package to avoid an import
// cycle risk as the Reconciler grows new collaborators).
type Config struct {
	ExpirySweepSecs  int
	HealthProbeSecs  int
	MetricsFlushSecs int
	OrphanSweepSecs  int
}

// NewReconciler constructs a Reconciler from explicit periods.
func NewReconciler(st *store.Store, ctrl *controller.Client, cfg Config, logger *slog.Logger) *Reconciler {
	r := &Reconciler{
		store:      st,
		controller: ctrl,
		logger:     logger,
		health:     make(map[string]healthSample),
	}
	r.expirySweepPeriod = secsOrDefault(cfg.ExpirySweepSecs, defaultExpirySweepPeriod)
	r.healthProbePeriod = secsOrDefault(cfg.HealthProbeSecs, defaultHealthProbePeriod)
	r.metricsFlushPeriod = secsOrDefault(cfg.MetricsFlushSecs, defaultMetricsFlushPeriod)
	r.orphanSweepPeriod = secsOrDefault(cfg.OrphanSweepSecs, defaultOrphanSweepPeriod)
	return r
}

func secsOrDefault(secs int, def time.Duration) time.Duration {
	if secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

// Run launches the four tasks as independent goroutines and blocks until
// ctx is cancelled, waiting for every task to observe cancellation before
// returning (Design Notes §9's "graceful shutdown drains in-flight work").
func (r *Reconciler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	tasks := []struct {
		name   string
		period time.Duration
		fn     func(context.Context)
	}{
		{"expiry_sweep", r.expirySweepPeriod, r.expirySweep},
		{"health_probe", r.healthProbePeriod, r.healthProbe},
		{"metrics_flush", r.metricsFlushPeriod, r.metricsFlush},
		{"orphan_sweep", r.orphanSweepPeriod, r.orphanSweep},
	}

	for _, t := range tasks {
		wg.Add(1)
		go func(name string, period time.Duration, fn func(context.Context)) {
			defer wg.Done()
			r.runTask(ctx, name, period, fn)
		}(t.name, t.period, t.fn)
	}

	wg.Wait()
	r.logger.Info("reconciler stopped")
}

// runTask ticks fn every period with a bounded per-call timeout, skipping
// overlap (tasks are serialized per-task; different tasks run in parallel
// to each other per spec §4.6 "Concurrency discipline").
func (r *Reconciler) runTask(ctx context.Context, name string, period time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
			fn(callCtx)
			cancel()
		}
	}
}

// expirySweep reaps sessions whose grace window elapsed: stop+remove the
// container, append SessionTerminated, drop the health cache entry, then
// trim old audit/rate/metric rows.
func (r *Reconciler) expirySweep(ctx context.Context) {
	expired, err := r.store.SweepExpired()
	if err != nil {
		r.logger.Error("expiry sweep: list", "error", err)
		return
	}

	for _, sess := range expired {
		if sess.ContainerRef != "" {
			if err := r.controller.StopAndRemove(ctx, sess.ContainerRef); err != nil {
				r.logger.Error("expiry sweep: stop container", "session_id", sess.ID, "error", err)
			}
		}
		if err := r.store.AppendAudit(store.AuditEvent{
			SessionID: sess.ID, Tenant: sess.Tenant, Kind: store.AuditSessionTerminated,
		}); err != nil {
			r.logger.Error("expiry sweep: audit", "session_id", sess.ID, "error", err)
		}
		r.healthMu.Lock()
		delete(r.health, sess.ID)
		r.healthMu.Unlock()
	}

	if len(expired) > 0 {
		r.logger.Info("expiry sweep: reaped sessions", "count", len(expired))
	}

	if res, err := r.store.CleanupAll(); err != nil {
		r.logger.Error("expiry sweep: cleanup", "error", err)
	} else if res.AuditRows+res.RateRows+res.MetricsRows > 0 {
		r.logger.Debug("expiry sweep: cleaned old rows", "audit", res.AuditRows, "rate", res.RateRows, "metrics", res.MetricsRows)
	}
}

// healthProbe samples one stats reading per Running session with a bound
// container, caching it as the latest health; a not-found runtime response
// marks the session disconnected (the container crashed or was removed
// out-of-band) and logs ContainerStopped.
func (r *Reconciler) healthProbe(ctx context.Context) {
	sessions, err := r.store.ListRunningWithContainer()
	if err != nil {
		r.logger.Error("health probe: list", "error", err)
		return
	}

	for _, sess := range sessions {
		sample, err := r.controller.ContainerStats(ctx, sess.ContainerRef)
		if err != nil {
			if errors.Is(err, controller.ErrNotFoundOnRuntime) {
				if mdErr := r.store.MarkDisconnected(sess.ID, 0); mdErr != nil {
					r.logger.Error("health probe: mark disconnected", "session_id", sess.ID, "error", mdErr)
					continue
				}
				r.store.AppendAudit(store.AuditEvent{
					SessionID: sess.ID, Tenant: sess.Tenant, Kind: store.AuditContainerStopped,
				})
				r.healthMu.Lock()
				delete(r.health, sess.ID)
				r.healthMu.Unlock()
				continue
			}
			r.logger.Warn("health probe: stats", "session_id", sess.ID, "error", err)
			continue
		}
		sample.SessionID = sess.ID
		r.healthMu.Lock()
		r.health[sess.ID] = healthSample{sample: *sample, at: time.Now()}
		r.healthMu.Unlock()
	}
}

// metricsFlush snapshots the health cache and durably records one
// MetricsSample per cached entry.
func (r *Reconciler) metricsFlush(ctx context.Context) {
	r.healthMu.RLock()
	samples := make([]store.MetricsSample, 0, len(r.health))
	for _, h := range r.health {
		samples = append(samples, h.sample)
	}
	r.healthMu.RUnlock()

	for _, s := range samples {
		if err := r.store.AppendMetrics(s); err != nil {
			r.logger.Error("metrics flush: append", "session_id", s.SessionID, "error", err)
		}
	}
}

// orphanSweep lists every `noxterm-session-*` container the runtime knows
// about and removes any with no non-Terminated session row referencing it.
func (r *Reconciler) orphanSweep(ctx context.Context) {
	containers, err := r.controller.ListManagedContainers(ctx)
	if err != nil {
		r.logger.Error("orphan sweep: list containers", "error", err)
		return
	}
	if len(containers) == 0 {
		return
	}

	referenced := make(map[string]bool)
	sessions, err := r.store.ListNonTerminal()
	if err != nil {
		r.logger.Error("orphan sweep: list sessions", "error", err)
		return
	}
	for _, sess := range sessions {
		if sess.ContainerRef != "" {
			referenced[sess.ContainerRef] = true
		}
	}

	for _, c := range containers {
		if referenced[c.ContainerID] {
			continue
		}
		r.logger.Warn("orphan sweep: removing unreferenced container", "container_id", c.ContainerID, "session_id", c.SessionID)
		if err := r.controller.StopAndRemove(ctx, c.ContainerID); err != nil {
			r.logger.Error("orphan sweep: remove", "container_id", c.ContainerID, "error", err)
		}
	}
}

// Health returns the cached sample for a session, for the live-metrics API
// endpoint (spec §6 `GET /api/sessions/{id}/metrics`).
func (r *Reconciler) Health(sessionID string) (store.MetricsSample, bool) {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()
	h, ok := r.health[sessionID]
	return h.sample, ok
}
