package syncmanager

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nsfisis/kioku/internal/config"
	"github.com/nsfisis/kioku/internal/observability"
)

type fakePusher struct {
	calls int32
	err   error
}

func (f *fakePusher) PushOnce(ctx context.Context, now time.Time) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	return 0, f.err
}

type fakePuller struct {
	calls int32
	err   error
}

func (f *fakePuller) PullOnce(ctx context.Context) (int, bool, error) {
	atomic.AddInt32(&f.calls, 1)
	return 0, false, f.err
}

type fakePending struct{ has bool }

func (f *fakePending) HasPending() (bool, error) { return f.has, nil }

func testConfig() config.Sync {
	return config.Sync{
		TickIntervalMs:    10,
		InitialBackoffMs:  10,
		BackoffMultiplier: 2,
		MaxBackoffMs:      100,
		RequestTimeoutMs:  1000,
	}
}

func TestSyncNowGoesIdleOnSuccess(t *testing.T) {
	pusher := &fakePusher{}
	puller := &fakePuller{}
	pending := &fakePending{has: true}
	m := New(pusher, puller, pending, testConfig(), observability.NewEmitter())

	require.NoError(t, m.SyncNow(context.Background()))
	require.Equal(t, StateIdle, m.State())
	require.EqualValues(t, 1, pusher.calls)
	require.EqualValues(t, 1, puller.calls)
}

func TestSyncNowSkipsPushWhenQueueEmpty(t *testing.T) {
	pusher := &fakePusher{}
	puller := &fakePuller{}
	pending := &fakePending{has: false}
	m := New(pusher, puller, pending, testConfig(), observability.NewEmitter())

	require.NoError(t, m.SyncNow(context.Background()))
	require.EqualValues(t, 0, pusher.calls)
	require.EqualValues(t, 1, puller.calls)
}

func TestSyncNowEntersErrorStateOnPushFailure(t *testing.T) {
	pusher := &fakePusher{err: errors.New("server rejected batch")}
	puller := &fakePuller{}
	pending := &fakePending{has: true}
	m := New(pusher, puller, pending, testConfig(), observability.NewEmitter())

	err := m.SyncNow(context.Background())
	require.Error(t, err)
	require.Equal(t, StateError, m.State())
}

func TestSyncNowEntersOfflineStateOnWrappedOfflineError(t *testing.T) {
	pusher := &fakePusher{err: WrapOffline(errors.New("dial tcp: no route to host"))}
	puller := &fakePuller{}
	pending := &fakePending{has: true}
	m := New(pusher, puller, pending, testConfig(), observability.NewEmitter())

	err := m.SyncNow(context.Background())
	require.Error(t, err)
	require.Equal(t, StateOffline, m.State())
}

// TestSyncNowDedupesConcurrentCalls checks that at most one sync is
// ever in flight: two concurrent SyncNow calls must not double up the
// push/pull work.
func TestSyncNowDedupesConcurrentCalls(t *testing.T) {
	pusher := &fakePusher{}
	puller := &fakePuller{}
	pending := &fakePending{has: true}
	m := New(pusher, puller, pending, testConfig(), observability.NewEmitter())

	done := make(chan error, 2)
	go func() { done <- m.SyncNow(context.Background()) }()
	go func() { done <- m.SyncNow(context.Background()) }()

	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

// TestSetOnlineFalseMovesToOfflineFromAnyState checks the "Any state
// + offline -> Offline" transition independent of a failed sync.
func TestSetOnlineFalseMovesToOfflineFromAnyState(t *testing.T) {
	pusher := &fakePusher{}
	puller := &fakePuller{}
	pending := &fakePending{has: false}
	m := New(pusher, puller, pending, testConfig(), observability.NewEmitter())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.SetOnline(false)
	require.Eventually(t, func() bool { return m.State() == StateOffline }, time.Second, time.Millisecond)
}

// TestSetOnlineTrueResyncsFromOffline checks the "online in Offline ->
// sync" transition: coming back online while Offline must trigger an
// immediate sync rather than waiting out the tick interval.
func TestSetOnlineTrueResyncsFromOffline(t *testing.T) {
	pusher := &fakePusher{}
	puller := &fakePuller{}
	pending := &fakePending{has: false}
	cfg := testConfig()
	cfg.TickIntervalMs = 100000
	m := New(pusher, puller, pending, cfg, observability.NewEmitter())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.SetOnline(false)
	require.Eventually(t, func() bool { return m.State() == StateOffline }, time.Second, time.Millisecond)
	before := atomic.LoadInt32(&puller.calls)

	m.SetOnline(true)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&puller.calls) > before }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return m.State() == StateIdle }, time.Second, time.Millisecond)
}

func TestEmitterDeliversSyncCompleteEvent(t *testing.T) {
	pusher := &fakePusher{}
	puller := &fakePuller{}
	pending := &fakePending{has: false}
	emitter := observability.NewEmitter()
	ch := emitter.Subscribe()
	m := New(pusher, puller, pending, testConfig(), emitter)

	require.NoError(t, m.SyncNow(context.Background()))

	var sawComplete bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			if ev.Type == observability.EventSyncComplete {
				sawComplete = true
			}
		case <-time.After(time.Second):
		}
	}
	require.True(t, sawComplete)
}
