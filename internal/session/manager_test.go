package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noxterm/noxterm/internal/config"
	"github.com/noxterm/noxterm/internal/controller"
	"github.com/noxterm/noxterm/internal/quota"
	"github.com/noxterm/noxterm/internal/store"
	"github.com/noxterm/noxterm/internal/testutil"
)

// fakeRuntime satisfies Runtime without touching a live Docker daemon.
type fakeRuntime struct {
	createErr   error
	stopErr     error
	createCalls int
	stopCalls   int
	stoppedRefs []string
}

func (f *fakeRuntime) CreateAndStart(ctx context.Context, opts controller.CreateOpts) (*controller.CreateResult, error) {
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &controller.CreateResult{ContainerID: "c-" + opts.SessionID, ContainerName: controller.ContainerName(opts.SessionID)}, nil
}

func (f *fakeRuntime) StopAndRemove(ctx context.Context, containerRef string) error {
	f.stopCalls++
	f.stoppedRefs = append(f.stoppedRefs, containerRef)
	return f.stopErr
}

func testConfig() *config.Config {
	return &config.Config{
		DefaultImage:  "ubuntu:22.04",
		AllowedImages: []string{"ubuntu:22.04", "debian:12"},
		Limits:        config.Limits{MemoryBytes: 512 * 1024 * 1024, CPUFraction: 1.0, PidsCap: 256},
		Timings:       config.Timings{GraceSecs: 300},
	}
}

func TestCreateInsertsSessionWithDefaultImage(t *testing.T) {
	st := testutil.NewStore(t)
	mgr := NewManager(testConfig(), st, &fakeRuntime{}, nil)

	sess, err := mgr.Create(context.Background(), CreateOpts{Tenant: "acme"})
	require.NoError(t, err)
	assert.Equal(t, "ubuntu:22.04", sess.Image)
	assert.Equal(t, store.StatusCreated, sess.Status)
}

func TestCreateRejectsDisallowedImage(t *testing.T) {
	st := testutil.NewStore(t)
	mgr := NewManager(testConfig(), st, &fakeRuntime{}, nil)

	_, err := mgr.Create(context.Background(), CreateOpts{Tenant: "acme", Image: "scratch"})
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestCreateDeniesOnQuota(t *testing.T) {
	st := testutil.NewStore(t)
	q := quota.New(st, 1, 0, 60)
	mgr := NewManager(testConfig(), st, &fakeRuntime{}, q)

	_, err := mgr.Create(context.Background(), CreateOpts{Tenant: "acme"})
	require.NoError(t, err)

	_, err = mgr.Create(context.Background(), CreateOpts{Tenant: "acme"})
	assert.Error(t, err)
}

func TestAcquireAttachCreatesContainerOnFirstAttach(t *testing.T) {
	st := testutil.NewStore(t)
	rt := &fakeRuntime{}
	mgr := NewManager(testConfig(), st, rt, nil)
	sess, err := mgr.Create(context.Background(), CreateOpts{Tenant: "acme"})
	require.NoError(t, err)

	got, shutdown, err := mgr.AcquireAttach(context.Background(), sess.ID, "")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)
	assert.Equal(t, 1, rt.createCalls)
	assert.NotNil(t, shutdown)
}

func TestAcquireAttachRejectsSecondAttachWhileBusy(t *testing.T) {
	st := testutil.NewStore(t)
	mgr := NewManager(testConfig(), st, &fakeRuntime{}, nil)
	sess, err := mgr.Create(context.Background(), CreateOpts{Tenant: "acme"})
	require.NoError(t, err)
	_, _, err = mgr.AcquireAttach(context.Background(), sess.ID, "")
	require.NoError(t, err)

	_, _, err = mgr.AcquireAttach(context.Background(), sess.ID, "")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestAcquireAttachRejectsTerminatedSession(t *testing.T) {
	st := testutil.NewStore(t)
	mgr := NewManager(testConfig(), st, &fakeRuntime{}, nil)
	sess, err := mgr.Create(context.Background(), CreateOpts{Tenant: "acme"})
	require.NoError(t, err)
	require.NoError(t, mgr.Terminate(context.Background(), sess.ID))

	_, _, err = mgr.AcquireAttach(context.Background(), sess.ID, "")
	assert.ErrorIs(t, err, ErrGone)
}

func TestAcquireAttachRejectsDisconnectedPastGrace(t *testing.T) {
	st := testutil.NewStore(t)
	mgr := NewManager(testConfig(), st, &fakeRuntime{}, nil)
	sess, err := mgr.Create(context.Background(), CreateOpts{Tenant: "acme"})
	require.NoError(t, err)
	_, _, err = mgr.AcquireAttach(context.Background(), sess.ID, "")
	require.NoError(t, err)
	require.NoError(t, st.MarkDisconnected(sess.ID, -5))
	mgr.ReleaseAttach(sess.ID, false)

	_, _, err = mgr.AcquireAttach(context.Background(), sess.ID, "")
	assert.ErrorIs(t, err, ErrGone)
}

func TestReleaseAttachMarksDisconnectedWithGrace(t *testing.T) {
	st := testutil.NewStore(t)
	mgr := NewManager(testConfig(), st, &fakeRuntime{}, nil)
	sess, err := mgr.Create(context.Background(), CreateOpts{Tenant: "acme"})
	require.NoError(t, err)
	_, _, err = mgr.AcquireAttach(context.Background(), sess.ID, "")
	require.NoError(t, err)

	mgr.ReleaseAttach(sess.ID, false)

	got, err := mgr.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDisconnected, got.Status)
	assert.NotNil(t, got.ExpiresAt)
}

func TestReattachClearsDisconnectWithinGrace(t *testing.T) {
	st := testutil.NewStore(t)
	mgr := NewManager(testConfig(), st, &fakeRuntime{}, nil)
	sess, err := mgr.Create(context.Background(), CreateOpts{Tenant: "acme"})
	require.NoError(t, err)
	_, _, err = mgr.AcquireAttach(context.Background(), sess.ID, "")
	require.NoError(t, err)
	mgr.ReleaseAttach(sess.ID, false)

	got, err := mgr.Reattach(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)
}

func TestTerminateStopsContainerAndEmitsSingleAuditRow(t *testing.T) {
	st := testutil.NewStore(t)
	rt := &fakeRuntime{}
	mgr := NewManager(testConfig(), st, rt, nil)
	sess, err := mgr.Create(context.Background(), CreateOpts{Tenant: "acme"})
	require.NoError(t, err)
	_, _, err = mgr.AcquireAttach(context.Background(), sess.ID, "")
	require.NoError(t, err)

	require.NoError(t, mgr.Terminate(context.Background(), sess.ID))
	assert.Equal(t, 1, rt.stopCalls)

	events, err := st.ListAudit(sess.ID, 0)
	require.NoError(t, err)
	terminated := 0
	for _, ev := range events {
		if ev.Kind == store.AuditSessionTerminated {
			terminated++
		}
	}
	assert.Equal(t, 1, terminated)

	// Idempotent: terminating again does not call StopAndRemove again.
	require.NoError(t, mgr.Terminate(context.Background(), sess.ID))
	assert.Equal(t, 1, rt.stopCalls)
}

func TestTerminateWithoutContainerStillTerminates(t *testing.T) {
	st := testutil.NewStore(t)
	rt := &fakeRuntime{}
	mgr := NewManager(testConfig(), st, rt, nil)
	sess, err := mgr.Create(context.Background(), CreateOpts{Tenant: "acme"})
	require.NoError(t, err)

	require.NoError(t, mgr.Terminate(context.Background(), sess.ID))
	assert.Equal(t, 0, rt.stopCalls)

	got, err := mgr.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTerminated, got.Status)
}
