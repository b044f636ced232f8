// Package session is the Session Manager (spec §4.3): it creates sessions,
// transitions their status, evicts them, and answers lookups. It is the
// sole writer of session-status transitions; every transition is persisted
// (via the Store) before being observable. The in-memory attacher registry
// here is purely a cache and serialization point for single-attach
// enforcement — the Store remains the single source of truth, per Design
// Notes §9's "make the Store the serialization point for transitions"
// strategy.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noxterm/noxterm/internal/config"
	"github.com/noxterm/noxterm/internal/controller"
	"github.com/noxterm/noxterm/internal/quota"
	"github.com/noxterm/noxterm/internal/store"
)

// Sentinel errors (spec §7's Stream-layer and Session-layer kinds).
var (
	ErrNotFound     = errors.New("session: not found")
	ErrExpired      = errors.New("session: expired")
	ErrBusy         = errors.New("session: attach busy")
	ErrGone         = errors.New("session: gone")
	ErrInvalidImage = errors.New("session: invalid image")
)

// attachEntry is the single-slot shutdown signal for a live stream,
// fanned out on teardown (spec §4.5).
type attachEntry struct {
	shutdown chan struct{}
	once     sync.Once
}

func (a *attachEntry) signalShutdown() {
	a.once.Do(func() { close(a.shutdown) })
}

// Runtime is the subset of the Container Controller the Session Manager
// needs, narrowed to an interface so tests can substitute a fake runtime
// instead of a live Docker daemon.
type Runtime interface {
	CreateAndStart(ctx context.Context, opts controller.CreateOpts) (*controller.CreateResult, error)
	StopAndRemove(ctx context.Context, containerRef string) error
}

// Manager is the Session Manager.
type Manager struct {
	cfg        *config.Config
	store      *store.Store
	controller Runtime
	quota      *quota.Checker

	attachMu sync.Mutex
	attached map[string]*attachEntry
}

func NewManager(cfg *config.Config, st *store.Store, ctrl Runtime, q *quota.Checker) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      st,
		controller: ctrl,
		quota:      q,
		attached:   make(map[string]*attachEntry),
	}
}

// CreateOpts parameterizes session creation.
type CreateOpts struct {
	Tenant   string
	Image    string
	ClientIP string
	Metadata map[string]string
}

// Create admits and inserts a new Created-status session row. It does not
// create a container — that happens on Attach, per the Data flow in §2.
func (m *Manager) Create(ctx context.Context, opts CreateOpts) (*store.Session, error) {
	image := opts.Image
	if image == "" {
		image = m.cfg.DefaultImage
	}
	if !m.isImageAllowed(image) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidImage, image)
	}

	if m.quota != nil {
		if err := m.quota.Admit(opts.Tenant, opts.ClientIP); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:           uuid.New().String(),
		Tenant:       opts.Tenant,
		Status:       store.StatusCreated,
		Image:        image,
		CreatedAt:    now,
		LastActivity: now,
		Limits: store.Limits{
			MemoryBytes: m.cfg.Limits.MemoryBytes,
			CPUFraction: m.cfg.Limits.CPUFraction,
			PidsCap:     m.cfg.Limits.PidsCap,
		},
		Metadata: opts.Metadata,
	}

	if err := m.store.InsertSession(sess); err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}

	m.store.AppendAudit(store.AuditEvent{
		SessionID: sess.ID,
		Tenant:    sess.Tenant,
		Kind:      store.AuditSessionCreated,
	})

	return sess, nil
}

func (m *Manager) Get(id string) (*store.Session, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return sess, nil
}

func (m *Manager) List(tenant string, status store.Status, limit int) ([]*store.Session, error) {
	return m.store.ListSessions(tenant, status, limit)
}

// AcquireAttach enforces the single-attacher invariant (spec §4.3): a
// second attach while the first stream is alive is rejected with ErrBusy.
// A session in Disconnected whose grace has elapsed is treated as
// Terminated and rejected with ErrGone. On success it resolves (and, for a
// session with no container bound yet, creates) the container binding and returns the
// session plus a shutdown-signal channel the caller's Stream Engine must
// close via ReleaseAttach when the pump ends.
func (m *Manager) AcquireAttach(ctx context.Context, id string, egressHostPort string) (*store.Session, chan struct{}, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, nil, err
	}

	switch sess.Status {
	case store.StatusTerminated:
		return nil, nil, fmt.Errorf("%w: session %s terminated", ErrGone, id)
	case store.StatusDisconnected:
		if sess.ExpiresAt != nil && time.Now().After(*sess.ExpiresAt) {
			return nil, nil, fmt.Errorf("%w: session %s grace elapsed", ErrGone, id)
		}
	case store.StatusRunning:
		m.attachMu.Lock()
		_, busy := m.attached[id]
		m.attachMu.Unlock()
		if busy {
			return nil, nil, fmt.Errorf("%w: session %s already attached", ErrBusy, id)
		}
	}

	if sess.ContainerRef == "" {
		result, err := m.controller.CreateAndStart(ctx, controller.CreateOpts{
			SessionID:         sess.ID,
			Tenant:            sess.Tenant,
			Image:             sess.Image,
			Limits:            sess.Limits,
			EgressHostPort:    egressHostPort,
			ProvisionPackages: m.cfg.ProvisionPackages,
		})
		if err != nil {
			m.Terminate(ctx, id)
			return nil, nil, fmt.Errorf("create container: %w", err)
		}
		if err := m.store.BindContainer(id, result.ContainerID, result.ContainerName); err != nil {
			return nil, nil, fmt.Errorf("bind container: %w", err)
		}
		m.store.AppendAudit(store.AuditEvent{SessionID: id, Tenant: sess.Tenant, Kind: store.AuditContainerStarted})
		sess, err = m.Get(id)
		if err != nil {
			return nil, nil, err
		}
	} else if sess.Status == store.StatusDisconnected {
		if err := m.store.ClearDisconnect(id); err != nil {
			return nil, nil, fmt.Errorf("clear disconnect: %w", err)
		}
		sess, err = m.Get(id)
		if err != nil {
			return nil, nil, err
		}
	}

	m.store.AppendAudit(store.AuditEvent{SessionID: id, Tenant: sess.Tenant, Kind: store.AuditSessionConnected})

	entry := &attachEntry{shutdown: make(chan struct{})}
	m.attachMu.Lock()
	m.attached[id] = entry
	m.attachMu.Unlock()

	return sess, entry.shutdown, nil
}

// ReleaseAttach tears down the attach registry entry and, unless the
// session was explicitly terminated, marks the session Disconnected with
// the configured grace window (spec §4.5 "Tear-down ordering").
func (m *Manager) ReleaseAttach(id string, explicitTerminate bool) {
	m.attachMu.Lock()
	entry, ok := m.attached[id]
	delete(m.attached, id)
	m.attachMu.Unlock()
	if ok {
		entry.signalShutdown()
	}

	if explicitTerminate {
		return
	}

	sess, err := m.store.GetSession(id)
	if err != nil {
		return
	}
	if sess.Status == store.StatusTerminated {
		return
	}

	if err := m.store.MarkDisconnected(id, m.cfg.Timings.GraceSecs); err == nil {
		m.store.AppendAudit(store.AuditEvent{SessionID: id, Tenant: sess.Tenant, Kind: store.AuditSessionDisconnected})
	}
}

// Reattach clears a Disconnected session's expiry and returns it to
// Running, rejecting with ErrGone if the grace window has elapsed (spec
// §4.1 clear_disconnect, §8 boundary behavior).
func (m *Manager) Reattach(id string) (*store.Session, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if sess.Status != store.StatusDisconnected {
		return nil, fmt.Errorf("%w: session %s not reattachable (status=%s)", ErrGone, id, sess.Status)
	}
	if sess.ExpiresAt != nil && !time.Now().Before(*sess.ExpiresAt) {
		return nil, fmt.Errorf("%w: session %s grace elapsed", ErrGone, id)
	}
	if err := m.store.ClearDisconnect(id); err != nil {
		return nil, fmt.Errorf("clear disconnect: %w", err)
	}
	return m.Get(id)
}

// Terminate stops+removes the container (if any) and transitions the
// session to Terminated. Per spec Design Notes §9's resolved open
// question, exactly one SessionTerminated audit row is emitted even for
// sessions that never had a container.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	if sess.Status == store.StatusTerminated {
		return nil
	}

	m.attachMu.Lock()
	entry, ok := m.attached[id]
	delete(m.attached, id)
	m.attachMu.Unlock()
	if ok {
		entry.signalShutdown()
	}

	if sess.ContainerRef != "" {
		if err := m.controller.StopAndRemove(ctx, sess.ContainerRef); err != nil {
			// Logged by caller; the session still transitions to
			// Terminated so the Store stops referencing the container
			// (spec §4.4 "Stop failures are logged").
		}
		m.store.AppendAudit(store.AuditEvent{SessionID: id, Tenant: sess.Tenant, Kind: store.AuditContainerStopped})
	}

	if err := m.store.Terminate(id); err != nil {
		return fmt.Errorf("terminating session: %w", err)
	}
	m.store.AppendAudit(store.AuditEvent{SessionID: id, Tenant: sess.Tenant, Kind: store.AuditSessionTerminated})
	return nil
}

// Touch bumps last_activity, called opportunistically (batched by the
// Stream Engine) to avoid write amplification.
func (m *Manager) Touch(id string) error {
	return m.store.Touch(id)
}

func (m *Manager) isImageAllowed(image string) bool {
	if len(m.cfg.AllowedImages) == 0 {
		return true
	}
	for _, allowed := range m.cfg.AllowedImages {
		if allowed == image {
			return true
		}
	}
	return false
}

// Store exposes the underlying Store for the Reconciler and API layers
// that need direct read access (audit/metrics/security listings).
func (m *Manager) Store() *store.Store {
	return m.store
}

