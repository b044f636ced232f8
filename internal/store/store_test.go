package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(":memory:", 4)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testSession(id, tenant string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		Tenant:       tenant,
		Status:       StatusCreated,
		Image:        "ubuntu:22.04",
		CreatedAt:    now,
		LastActivity: now,
		Limits:       Limits{MemoryBytes: 512 * 1024 * 1024, CPUFraction: 1.0, PidsCap: 256},
		Metadata:     map[string]string{"k": "v"},
	}
}

func TestInsertAndGetSession(t *testing.T) {
	st := newTestStore(t)
	sess := testSession("test-1", "acme")
	require.NoError(t, st.InsertSession(sess))

	got, err := st.GetSession("test-1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, sess.Tenant, got.Tenant)
	assert.Equal(t, StatusCreated, got.Status)
	assert.Equal(t, "v", got.Metadata["k"])
}

func TestGetSessionNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetSession("nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertSessionDuplicateID(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.InsertSession(testSession("dup", "acme")))
	err := st.InsertSession(testSession("dup", "acme"))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestListSessionsFiltersByTenantAndStatus(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.InsertSession(testSession("s1", "acme")))
	require.NoError(t, st.InsertSession(testSession("s2", "acme")))
	require.NoError(t, st.InsertSession(testSession("s3", "other")))
	require.NoError(t, st.BindContainer("s2", "c2", "noxterm-session-s2"))

	all, err := st.ListSessions("acme", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	running, err := st.ListSessions("acme", StatusRunning, 0)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "s2", running[0].ID)
}

func TestActiveCountCountsCreatedAndRunningOnly(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.InsertSession(testSession("s1", "acme")))
	require.NoError(t, st.InsertSession(testSession("s2", "acme")))
	require.NoError(t, st.Terminate("s2"))

	n, err := st.ActiveCount("acme")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBindContainerTransitionsToRunning(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.InsertSession(testSession("s1", "acme")))

	require.NoError(t, st.BindContainer("s1", "container-abc", "noxterm-session-s1"))

	got, err := st.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "container-abc", got.ContainerRef)
}

func TestBindContainerRejectsDuplicateContainerRef(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.InsertSession(testSession("s1", "acme")))
	require.NoError(t, st.InsertSession(testSession("s2", "acme")))
	require.NoError(t, st.BindContainer("s1", "shared-ref", "n1"))

	err := st.BindContainer("s2", "shared-ref", "n2")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMarkDisconnectedThenClearDisconnect(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.InsertSession(testSession("s1", "acme")))
	require.NoError(t, st.BindContainer("s1", "c1", "n1"))

	require.NoError(t, st.MarkDisconnected("s1", 300))
	got, err := st.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, got.Status)
	require.NotNil(t, got.ExpiresAt)

	require.NoError(t, st.ClearDisconnect("s1"))
	got, err = st.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Nil(t, got.ExpiresAt)
}

func TestClearDisconnectNoOpWhenNotDisconnected(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.InsertSession(testSession("s1", "acme")))

	err := st.ClearDisconnect("s1")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTerminateIsIdempotentAndSticky(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.InsertSession(testSession("s1", "acme")))
	require.NoError(t, st.BindContainer("s1", "c1", "n1"))

	require.NoError(t, st.Terminate("s1"))
	require.NoError(t, st.Terminate("s1"))

	got, err := st.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, got.Status)
	assert.Empty(t, got.ContainerRef)
}

func TestSweepExpiredTransitionsOnlyPastDeadline(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.InsertSession(testSession("expired", "acme")))
	require.NoError(t, st.BindContainer("expired", "c1", "n1"))
	require.NoError(t, st.MarkDisconnected("expired", -5))

	require.NoError(t, st.InsertSession(testSession("fresh", "acme")))
	require.NoError(t, st.BindContainer("fresh", "c2", "n2"))
	require.NoError(t, st.MarkDisconnected("fresh", 300))

	expired, err := st.SweepExpired()
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "expired", expired[0].ID)

	got, err := st.GetSession("expired")
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, got.Status)

	stillRunning, err := st.GetSession("fresh")
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, stillRunning.Status)
}

func TestListRunningWithContainerExcludesUnbound(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.InsertSession(testSession("bound", "acme")))
	require.NoError(t, st.BindContainer("bound", "c1", "n1"))
	require.NoError(t, st.InsertSession(testSession("unbound", "acme")))

	running, err := st.ListRunningWithContainer()
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "bound", running[0].ID)
}

func TestListNonTerminalExcludesTerminated(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.InsertSession(testSession("live", "acme")))
	require.NoError(t, st.InsertSession(testSession("dead", "acme")))
	require.NoError(t, st.Terminate("dead"))

	sessions, err := st.ListNonTerminal()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "live", sessions[0].ID)
}

func TestTouchUpdatesLastActivity(t *testing.T) {
	st := newTestStore(t)
	sess := testSession("s1", "acme")
	sess.LastActivity = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.InsertSession(sess))

	require.NoError(t, st.Touch("s1"))

	got, err := st.GetSession("s1")
	require.NoError(t, err)
	assert.True(t, got.LastActivity.After(sess.LastActivity))
}
