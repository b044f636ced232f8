package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndListAudit(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.InsertSession(testSession("s1", "acme")))

	require.NoError(t, st.AppendAudit(AuditEvent{SessionID: "s1", Tenant: "acme", Kind: AuditSessionCreated}))
	require.NoError(t, st.AppendAudit(AuditEvent{SessionID: "s1", Tenant: "acme", Kind: AuditSessionConnected}))

	events, err := st.ListAudit("s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, AuditSessionConnected, events[0].Kind) // newest first
}

func TestListAuditByTenant(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.AppendAudit(AuditEvent{Tenant: "acme", Kind: AuditSessionCreated}))
	require.NoError(t, st.AppendAudit(AuditEvent{Tenant: "other", Kind: AuditSessionCreated}))

	events, err := st.ListAuditByTenant("acme", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAppendAndListSecurityEvents(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.AppendSecurity(SecurityEvent{
		Tenant: "acme", Kind: "blocked_command", Severity: SeverityCritical,
		Description: "recursive delete of root filesystem", BlockedInput: "rm -rf /",
	}))

	events, err := st.ListSecurityEvents(0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, SeverityCritical, events[0].Severity)
	assert.Equal(t, "rm -rf /", events[0].BlockedInput)
}

func TestAppendAndHistoryMetrics(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.AppendMetrics(MetricsSample{SessionID: "s1", CPUFraction: 0.5, MemoryBytes: 1024}))
	require.NoError(t, st.AppendMetrics(MetricsSample{SessionID: "s1", CPUFraction: 0.7, MemoryBytes: 2048}))

	history, err := st.MetricsHistory("s1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 0.7, history[0].CPUFraction) // newest first
}

func TestCheckAndIncrAllowsUpToLimitThenDenies(t *testing.T) {
	st := newTestStore(t)

	for i := 0; i < 3; i++ {
		result, err := st.CheckAndIncr("client-1", "session_create", 3, 60)
		require.NoError(t, err)
		assert.Equal(t, Allowed, result)
	}

	result, err := st.CheckAndIncr("client-1", "session_create", 3, 60)
	require.NoError(t, err)
	assert.Equal(t, Denied, result)
}

func TestCheckAndIncrIsolatesByIdentifierAndEndpoint(t *testing.T) {
	st := newTestStore(t)

	result, err := st.CheckAndIncr("client-1", "session_create", 1, 60)
	require.NoError(t, err)
	assert.Equal(t, Allowed, result)

	result, err = st.CheckAndIncr("client-2", "session_create", 1, 60)
	require.NoError(t, err)
	assert.Equal(t, Allowed, result)

	result, err = st.CheckAndIncr("client-1", "other_endpoint", 1, 60)
	require.NoError(t, err)
	assert.Equal(t, Allowed, result)
}

func TestRateBucketCountReflectsIncrements(t *testing.T) {
	st := newTestStore(t)
	_, err := st.CheckAndIncr("client-1", "session_create", 10, 60)
	require.NoError(t, err)
	_, err = st.CheckAndIncr("client-1", "session_create", 10, 60)
	require.NoError(t, err)

	count, _, err := st.RateBucketCount("client-1", "session_create")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRateBucketCountZeroWhenUnseen(t *testing.T) {
	st := newTestStore(t)
	count, _, err := st.RateBucketCount("nobody", "session_create")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestCleanupAllReportsRowCounts(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.AppendAudit(AuditEvent{Tenant: "acme", Kind: AuditSessionCreated}))

	res, err := st.CleanupAll()
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.AuditRows) // fresh row is not past the 30-day cutoff
}
