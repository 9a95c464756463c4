// Package syncmanager implements the client sync manager: the state
// machine (Idle/Syncing/Error/Offline) that drives the Push and Pull
// Services on a timer, backs off exponentially on failure, and
// guarantees at most one sync is ever in flight. Backoff uses
// cenkalti/backoff/v4; the in-flight guard uses
// golang.org/x/sync/singleflight so a manual "sync now" request and
// the background ticker can never race each other.
package syncmanager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/nsfisis/kioku/internal/config"
	"github.com/nsfisis/kioku/internal/observability"
)

// State is the Sync Manager's current phase.
type State string

const (
	StateIdle     State = "idle"
	StateSyncing  State = "syncing"
	StateError    State = "error"
	StateOffline  State = "offline"
)

// Pusher is the subset of pushpull.Pusher the manager drives.
type Pusher interface {
	PushOnce(ctx context.Context, now time.Time) (int, error)
}

// Puller is the subset of pushpull.Puller the manager drives.
type Puller interface {
	PullOnce(ctx context.Context) (n int, hasMore bool, err error)
}

// PendingCounter reports the queue's current backlog, so the manager
// knows whether a sync tick has anything to do.
type PendingCounter interface {
	HasPending() (bool, error)
}

// Now is overridable in tests; defaults to time.Now.
type Now func() time.Time

// Manager drives Push/Pull on a ticker, exposing its state and
// events to the UI layer.
type Manager struct {
	Pusher  Pusher
	Puller  Puller
	Pending PendingCounter
	Config  config.Sync
	Emitter *observability.Emitter
	Now     Now

	mu        sync.Mutex
	state     State
	boff      backoff.BackOff
	group     singleflight.Group
	netEvents chan networkEvent
}

// networkEvent carries a reachability change from whatever platform
// code watches the network (a Reachability callback, an OS network
// path monitor) into Run's select loop.
type networkEvent struct {
	online bool
}

// New builds a Manager in the Idle state with a fresh exponential
// backoff policy: base 2 multiplier, capped at cfg.MaxBackoff().
func New(pusher Pusher, puller Puller, pending PendingCounter, cfg config.Sync, emitter *observability.Emitter) *Manager {
	return &Manager{
		Pusher:    pusher,
		Puller:    puller,
		Pending:   pending,
		Config:    cfg,
		Emitter:   emitter,
		Now:       time.Now,
		state:     StateIdle,
		boff:      newBackoff(cfg),
		netEvents: make(chan networkEvent, 1),
	}
}

func newBackoff(cfg config.Sync) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff()
	b.MaxInterval = cfg.MaxBackoff()
	b.Multiplier = float64(cfg.BackoffMultiplier)
	b.MaxElapsedTime = 0
	return b
}

// State returns the manager's current phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Run ticks SyncNow on cfg.TickInterval until ctx is cancelled,
// respecting the current backoff delay after a failure. It also
// reacts to SetOnline: going offline moves it to Offline from any
// state, and coming back online from Offline forces an immediate
// sync rather than waiting out the rest of the tick interval.
func (m *Manager) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.netEvents:
			m.handleNetworkEvent(ev, timer)
		case <-timer.C:
			delay := m.Config.TickInterval()
			if err := m.SyncNow(ctx); err != nil {
				delay = m.boff.NextBackOff()
				if delay == backoff.Stop {
					delay = m.Config.MaxBackoff()
				}
			} else {
				m.boff.Reset()
			}
			timer.Reset(delay)
		}
	}
}

// SetOnline reports a change in network reachability. It is the
// manager's only event intake besides the tick timer and SyncNow,
// matching the {Tick, Online, Offline, ManualSync} inputs the state
// machine reacts to. The channel is depth 1 and drop-oldest, so a
// burst of flapping collapses to the latest reading rather than
// queuing up stale ones.
func (m *Manager) SetOnline(online bool) {
	ev := networkEvent{online: online}
	select {
	case m.netEvents <- ev:
		return
	default:
	}
	select {
	case <-m.netEvents:
	default:
	}
	select {
	case m.netEvents <- ev:
	default:
	}
}

func (m *Manager) handleNetworkEvent(ev networkEvent, timer *time.Timer) {
	now := m.Now()
	if !ev.online {
		m.setState(StateOffline)
		m.emit(observability.EventOffline, now, 0, nil)
		return
	}

	m.emit(observability.EventOnline, now, 0, nil)
	if m.State() != StateOffline {
		return
	}

	m.setState(StateIdle)
	m.boff.Reset()
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(0)
}

// SyncNow runs one push-then-pull cycle, deduplicated via
// singleflight so overlapping callers share a single in-flight sync.
func (m *Manager) SyncNow(ctx context.Context) error {
	_, err, _ := m.group.Do("sync", func() (any, error) {
		return nil, m.syncOnce(ctx)
	})
	return err
}

func (m *Manager) syncOnce(ctx context.Context) error {
	has, err := m.Pending.HasPending()
	if err != nil {
		return err
	}

	m.setState(StateSyncing)
	now := m.Now()
	m.emit(observability.EventSyncStart, now, 0, nil)

	if has {
		if _, err := m.Pusher.PushOnce(ctx, now); err != nil {
			return m.fail(err)
		}
	}

	for {
		_, hasMore, err := m.Puller.PullOnce(ctx)
		if err != nil {
			return m.fail(err)
		}
		if !hasMore {
			break
		}
	}

	m.setState(StateIdle)
	m.emit(observability.EventSyncComplete, m.Now(), 0, nil)
	return nil
}

func (m *Manager) fail(err error) error {
	if isOffline(err) {
		m.setState(StateOffline)
		m.emit(observability.EventOffline, m.Now(), 0, err)
	} else {
		m.setState(StateError)
		m.emit(observability.EventSyncError, m.Now(), 0, err)
	}
	return err
}

func (m *Manager) emit(t observability.EventType, at time.Time, pendingN int, err error) {
	if m.Emitter == nil {
		return
	}
	m.Emitter.Emit(observability.Event{Type: t, At: at, PendingN: pendingN, Err: err})
}

// offlineError marks a transport error as connectivity loss rather
// than a server-side failure, so the manager reports Offline instead
// of Error.
type offlineError struct{ cause error }

func (e *offlineError) Error() string { return e.cause.Error() }
func (e *offlineError) Unwrap() error { return e.cause }

// WrapOffline marks err as a connectivity failure. Transport
// implementations call this for dial/timeout errors so the Sync
// Manager can distinguish "no network" from "server rejected batch".
func WrapOffline(err error) error {
	if err == nil {
		return nil
	}
	return &offlineError{cause: err}
}

func isOffline(err error) bool {
	var oe *offlineError
	return errors.As(err, &oe)
}
