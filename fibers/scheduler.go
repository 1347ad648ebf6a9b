// Copyright 2025 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fibers

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

type schedulerKey struct{}

// Scheduler is a carrier. It runs its fibers one at a time, in the order they become ready.
//
// The zero value is not usable; create schedulers with [NewScheduler].
type Scheduler struct {
	name    string
	logger  *slog.Logger
	metrics schedulerMetrics
	ctx     context.Context

	// Owned by whoever holds the run token.
	ready   runQueue
	current *controlBlock

	parked chan event
	wake   chan struct{}

	mu       sync.Mutex
	remote   []*controlBlock
	registry map[ID]*controlBlock
	live     int
	started  bool

	stop     chan struct{}
	stopOnce sync.Once
	finished chan struct{}

	readyLen  atomic.Int64
	created   atomic.Uint64
	reclaimed atomic.Uint64
	switches  atomic.Uint64
}

// Stats is a snapshot of the scheduler counters.
type Stats struct {
	// Live is the number of fibers that have not terminated.
	Live int
	// Registered is the number of control blocks not yet reclaimed.
	Registered int
	// Ready is the length of the ready queue.
	Ready     int
	Created   uint64
	Reclaimed uint64
	Switches  uint64
}

// NewScheduler creates a scheduler. Its carrier loop must be started with [Scheduler.Run] or
// [Scheduler.Start].
func NewScheduler(opts ...Option) *Scheduler {
	cfg := resolveOptions(opts)
	s := &Scheduler{
		name:     cfg.name,
		logger:   cfg.logger.With("scheduler", cfg.name),
		metrics:  newSchedulerMetrics(cfg.name, cfg.metrics),
		parked:   make(chan event),
		wake:     make(chan struct{}, 1),
		registry: make(map[ID]*controlBlock),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	s.ctx = context.WithValue(context.Background(), schedulerKey{}, s)
	return s
}

// Name returns the scheduler name.
func (s *Scheduler) Name() string {
	return s.name
}

// Context returns a context bound to the scheduler. [Go] called with it creates fibers on s.
func (s *Scheduler) Context() context.Context {
	return s.ctx
}

// WithScheduler returns a copy of parent bound to s.
func WithScheduler(parent context.Context, s *Scheduler) context.Context {
	return context.WithValue(parent, schedulerKey{}, s)
}

// SchedulerFromContext returns the scheduler of the current fiber, or the one bound with
// [WithScheduler]. It returns nil when ctx carries neither.
func SchedulerFromContext(ctx context.Context) *Scheduler {
	if cb := fiberFromContext(ctx); cb != nil {
		return cb.sched
	}
	s, _ := ctx.Value(schedulerKey{}).(*Scheduler)
	return s
}

// Go creates a fiber on s. The caller is not a fiber of s, so [Dispatch] behaves like [Post].
func (s *Scheduler) Go(policy Launch, name string, fn func(ctx context.Context)) *Fiber {
	return s.spawn(s.ctx, nil, policy, name, fn)
}

func (s *Scheduler) spawn(parent context.Context, caller *controlBlock, policy Launch, name string, fn func(ctx context.Context)) *Fiber {
	cb := newControlBlock(s, policy, name, fn)
	s.mu.Lock()
	s.registry[cb.id] = cb
	s.live++
	s.mu.Unlock()
	s.created.Add(1)
	s.metrics.onCreate()

	go cb.main(context.WithValue(parent, fiberKey{}, cb))

	if policy == Dispatch && caller != nil && caller.sched == s && caller.onCarrier.Load() {
		caller.park(evDispatch, cb)
	} else {
		s.wakeup(cb)
	}
	return newFiber(cb)
}

// wakeup makes cb ready. It is safe to call from any goroutine.
func (s *Scheduler) wakeup(cb *controlBlock) {
	s.mu.Lock()
	s.remote = append(s.remote, cb)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) reclaim(cb *controlBlock) {
	s.mu.Lock()
	delete(s.registry, cb.id)
	s.mu.Unlock()
	s.reclaimed.Add(1)
	s.metrics.onReclaim()
}

func (s *Scheduler) drainRemote() {
	s.mu.Lock()
	remote := s.remote
	s.remote = nil
	s.mu.Unlock()
	for _, cb := range remote {
		cb.setStatus(StatusReady)
		s.ready.push(cb)
	}
}

func (s *Scheduler) liveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Run runs the carrier loop on the calling goroutine. It returns nil once [Scheduler.Shutdown]
// was called and every fiber terminated, or ctx.Err() when ctx is done first. Fibers that are
// still alive when ctx is done are abandoned.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}
	return s.loop(ctx)
}

// Start runs the carrier loop on a new goroutine.
func (s *Scheduler) Start() error {
	if err := s.begin(); err != nil {
		return err
	}
	go func() {
		if err := s.loop(context.Background()); err != nil {
			s.logger.Error("carrier loop failed", "err", err)
		}
	}()
	return nil
}

func (s *Scheduler) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		select {
		case <-s.finished:
			return ErrSchedulerStopped
		default:
			return ErrSchedulerRunning
		}
	}
	s.started = true
	return nil
}

func (s *Scheduler) loop(ctx context.Context) error {
	defer close(s.finished)

	s.logger.Debug("carrier started")
	defer s.logger.Debug("carrier stopped")

	stop := s.stop
	stopping := false
	for {
		s.drainRemote()
		if cb := s.ready.pop(); cb != nil {
			s.readyLen.Store(int64(s.ready.len()))
			s.switchTo(cb)
			continue
		}
		s.readyLen.Store(0)
		if stopping && s.liveCount() == 0 {
			return nil
		}
		select {
		case <-s.wake:
		case <-stop:
			// A closed channel is always ready; stop selecting on it.
			stop = nil
			stopping = true
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown asks the carrier loop to exit once every fiber has terminated and waits for it.
// It returns nil right away if the loop was never started.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-s.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	live, registered := s.live, len(s.registry)
	s.mu.Unlock()
	return Stats{
		Live:       live,
		Registered: registered,
		Ready:      int(s.readyLen.Load()),
		Created:    s.created.Load(),
		Reclaimed:  s.reclaimed.Load(),
		Switches:   s.switches.Load(),
	}
}

// switchTo hands the run token to cb and waits for it to come back.
func (s *Scheduler) switchTo(cb *controlBlock) {
	s.current = cb
	cb.setStatus(StatusRunning)
	s.switches.Add(1)
	s.metrics.onSwitch()
	cb.resume <- struct{}{}

	ev := <-s.parked
	s.current = nil
	switch ev.kind {
	case evYield:
		s.ready.push(ev.cb)
	case evSuspend:
		// The fiber is woken through wakeup.
	case evDispatch:
		s.ready.pushFront(ev.cb)
		s.ready.pushFront(ev.target)
	case evExit:
		s.mu.Lock()
		s.live--
		s.mu.Unlock()
		s.metrics.onExit()
		ev.cb.release()
	}
}

var defaultScheduler struct {
	once sync.Once
	s    *Scheduler
}

// Default returns the process-wide scheduler used by [Go] when the context carries none. It
// is started on first use and never shut down.
func Default() *Scheduler {
	defaultScheduler.once.Do(func() {
		defaultScheduler.s = NewScheduler(WithName("default"))
		_ = defaultScheduler.s.Start()
	})
	return defaultScheduler.s
}
