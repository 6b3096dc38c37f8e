package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrSuperseded is the cancellation cause of a lease replaced by a newer run
// in the same concurrency group.
var ErrSuperseded = errors.New("superseded by a newer run")

// State is the observable state of a concurrency key.
type State int

const (
	// Idle means no run holds the key.
	Idle State = iota
	// Running means a run holds the key.
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Status is the lifecycle position of a single lease.
type Status int

const (
	// StatusPending is a lease waiting for its key.
	StatusPending Status = iota
	// StatusRunning is a lease holding its key.
	StatusRunning
	// StatusCancelled is a lease that was superseded or whose wait was abandoned.
	StatusCancelled
	// StatusReleased is a lease whose run has finished.
	StatusReleased
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCancelled:
		return "cancelled"
	default:
		return "released"
	}
}

// Lease grants a run the right to execute under a concurrency key. Its context
// is cancelled when the run is superseded.
type Lease struct {
	key    string
	runID  string
	ctx    context.Context
	cancel context.CancelCauseFunc
	ready  chan struct{}

	mu     sync.Mutex
	status Status
}

// Context is done once the lease is superseded or released. context.Cause
// reports ErrSuperseded for superseded leases.
func (l *Lease) Context() context.Context { return l.ctx }

// Key returns the concurrency key the lease was acquired for.
func (l *Lease) Key() string { return l.key }

// RunID returns the run holding the lease.
func (l *Lease) RunID() string { return l.runID }

// Status reports the lease's current lifecycle position.
func (l *Lease) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *Lease) setStatus(s Status) {
	l.mu.Lock()
	l.status = s
	l.mu.Unlock()
}

// supersede marks the lease cancelled. Callers hold the registry lock.
func (l *Lease) supersede() {
	l.setStatus(StatusCancelled)
	l.cancel(ErrSuperseded)
	l.wake()
}

func (l *Lease) wake() {
	select {
	case <-l.ready:
	default:
		close(l.ready)
	}
}

type slot struct {
	running *Lease
	pending *Lease
}

// Registry tracks the current lease of every concurrency key. All transitions
// happen under its lock by comparing and swapping lease pointers.
type Registry struct {
	log *zap.Logger

	mu    sync.Mutex
	slots map[string]*slot
}

// NewRegistry returns an empty registry. A nil logger disables logging.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{log: log, slots: make(map[string]*slot)}
}

// Acquire obtains a lease for runID under key.
//
// With cancelInProgress the current holder is cancelled before the new lease
// becomes running, so a key never has two running leases. Without it the new
// lease waits in the key's single pending slot, displacing any older pending
// lease, until the holder releases. An empty key is never gated.
func (r *Registry) Acquire(ctx context.Context, key, runID string, cancelInProgress bool) (*Lease, error) {
	lctx, cancel := context.WithCancelCause(ctx)
	lease := &Lease{key: key, runID: runID, ctx: lctx, cancel: cancel, ready: make(chan struct{})}
	if key == "" {
		lease.status = StatusRunning
		lease.wake()
		return lease, nil
	}

	r.mu.Lock()
	s := r.slots[key]
	if s == nil {
		s = &slot{}
		r.slots[key] = s
	}

	if s.running == nil || cancelInProgress {
		if p := s.pending; p != nil {
			s.pending = nil
			p.supersede()
			r.log.Info("pending run superseded", zap.String("group", key), zap.String("run_id", p.runID), zap.String("by", runID))
		}
		if old := s.running; old != nil {
			old.supersede()
			r.log.Info("run superseded", zap.String("group", key), zap.String("run_id", old.runID), zap.String("by", runID))
		}
		s.running = lease
		lease.setStatus(StatusRunning)
		lease.wake()
		r.mu.Unlock()
		return lease, nil
	}

	if p := s.pending; p != nil {
		p.supersede()
		r.log.Info("pending run superseded", zap.String("group", key), zap.String("run_id", p.runID), zap.String("by", runID))
	}
	s.pending = lease
	lease.setStatus(StatusPending)
	behind := s.running.runID
	r.mu.Unlock()
	r.log.Debug("run queued", zap.String("group", key), zap.String("run_id", runID), zap.String("behind", behind))

	select {
	case <-lease.ready:
		if lease.Status() == StatusRunning {
			return lease, nil
		}
		return nil, fmt.Errorf("acquire %q: %w", key, ErrSuperseded)
	case <-ctx.Done():
		r.mu.Lock()
		defer r.mu.Unlock()
		if lease.Status() == StatusRunning {
			return lease, nil
		}
		if s.pending == lease {
			s.pending = nil
			r.cleanup(key, s)
		}
		lease.setStatus(StatusCancelled)
		lease.cancel(context.Cause(ctx))
		return nil, fmt.Errorf("acquire %q: %w", key, context.Cause(ctx))
	}
}

// Release gives up the lease. If it is still the key's running lease the key
// becomes idle, or is handed to the pending lease; otherwise Release does
// nothing.
func (r *Registry) Release(lease *Lease) {
	if lease == nil {
		return
	}
	if lease.key == "" {
		lease.setStatus(StatusReleased)
		lease.cancel(context.Canceled)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.slots[lease.key]
	if s == nil || s.running != lease {
		return
	}
	lease.setStatus(StatusReleased)
	lease.cancel(context.Canceled)
	s.running = nil

	if p := s.pending; p != nil {
		s.pending = nil
		s.running = p
		p.setStatus(StatusRunning)
		p.wake()
		r.log.Debug("queued run promoted", zap.String("group", lease.key), zap.String("run_id", p.runID))
	}
	r.cleanup(lease.key, s)
}

// State reports whether key is held and by which run.
func (r *Registry) State(key string) (State, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.slots[key]
	if s == nil || s.running == nil {
		return Idle, ""
	}
	return Running, s.running.runID
}

func (r *Registry) cleanup(key string, s *slot) {
	if s.running == nil && s.pending == nil {
		delete(r.slots, key)
	}
}
