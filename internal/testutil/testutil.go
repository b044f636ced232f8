// Package testutil provides small shared fixtures for package tests:
// an in-memory Store and a stock session insert, mirroring the values
// used across the session/store/quota test suites so scenarios stay
// consistent with spec §8's concrete examples.
package testutil

import (
	"testing"
	"time"

	"github.com/noxterm/noxterm/internal/store"
)

// NewStore opens an in-memory Store for a test, registering cleanup.
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", 4)
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// InsertSession inserts and returns a Created-status session with the
// given tenant, for tests that need a starting row.
func InsertSession(t *testing.T, st *store.Store, id, tenant string) *store.Session {
	t.Helper()
	now := time.Now().UTC()
	sess := &store.Session{
		ID:           id,
		Tenant:       tenant,
		Status:       store.StatusCreated,
		Image:        "ubuntu:22.04",
		CreatedAt:    now,
		LastActivity: now,
		Limits: store.Limits{
			MemoryBytes: 512 * 1024 * 1024,
			CPUFraction: 1.0,
			PidsCap:     256,
		},
	}
	if err := st.InsertSession(sess); err != nil {
		t.Fatalf("inserting test session: %v", err)
	}
	return sess
}
