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
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Launch selects how a new fiber is scheduled relative to its creator.
type Launch int

const (
	// Post enqueues the new fiber and lets the caller continue.
	Post Launch = iota
	// Dispatch switches to the new fiber immediately when the caller is a fiber of the same
	// scheduler. The caller becomes ready again right behind the new fiber.
	Dispatch
)

func (l Launch) String() string {
	switch l {
	case Post:
		return "post"
	case Dispatch:
		return "dispatch"
	default:
		return fmt.Sprintf("Launch(%d)", int(l))
	}
}

// Status is the scheduling state of a fiber.
type Status int32

const (
	StatusReady Status = iota
	StatusRunning
	StatusSuspended
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusSuspended:
		return "suspended"
	case StatusTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// ID identifies a fiber within the process. The zero ID never names a fiber.
type ID uint64

var lastID atomic.Uint64

type eventKind int

const (
	evYield eventKind = iota
	evSuspend
	evDispatch
	evExit
)

// event is sent by a fiber to its carrier when it gives up the run token.
type event struct {
	kind   eventKind
	cb     *controlBlock
	target *controlBlock
}

// controlBlock is the per-fiber record shared by the scheduler and the [Fiber] handle.
// It is reclaimed once it has terminated and both owners released it.
type controlBlock struct {
	id     ID
	name   string
	policy Launch
	sched  *Scheduler
	fn     func(context.Context)

	// resume hands the run token to the fiber goroutine.
	resume chan struct{}
	// onCarrier is set while the fiber goroutine holds the run token.
	onCarrier atomic.Bool
	status    atomic.Int32
	refs      atomic.Int32

	mu       sync.Mutex
	waiters  []*controlBlock
	done     chan struct{}
	panicErr *PanicError
}

func newControlBlock(s *Scheduler, policy Launch, name string, fn func(context.Context)) *controlBlock {
	cb := &controlBlock{
		id:     ID(lastID.Add(1)),
		name:   name,
		policy: policy,
		sched:  s,
		fn:     fn,
		resume: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	// One reference for the scheduler, one for the handle.
	cb.refs.Store(2)
	cb.status.Store(int32(StatusReady))
	return cb
}

func (cb *controlBlock) getStatus() Status {
	return Status(cb.status.Load())
}

func (cb *controlBlock) setStatus(s Status) {
	cb.status.Store(int32(s))
}

func (cb *controlBlock) release() {
	if n := cb.refs.Add(-1); n == 0 {
		cb.sched.reclaim(cb)
	} else if n < 0 {
		panic(fmt.Sprintf("fibers: negative reference count on fiber %d", cb.id))
	}
}

// park gives the run token back to the carrier and waits until it is handed back.
func (cb *controlBlock) park(kind eventKind, target *controlBlock) {
	if kind == evSuspend {
		cb.setStatus(StatusSuspended)
	} else {
		cb.setStatus(StatusReady)
	}
	cb.onCarrier.Store(false)
	cb.sched.parked <- event{kind: kind, cb: cb, target: target}
	<-cb.resume
	cb.onCarrier.Store(true)
}

// main is the body of the goroutine backing the fiber.
func (cb *controlBlock) main(ctx context.Context) {
	gid := goroutineID()
	byGoroutine.Store(gid, cb)
	defer byGoroutine.Delete(gid)
	<-cb.resume
	cb.onCarrier.Store(true)
	defer cb.exit()
	cb.fn(ctx)
}

func (cb *controlBlock) exit() {
	if r := recover(); r != nil {
		cb.panicErr = &PanicError{Fiber: cb.name, Value: r, Stack: debug.Stack()}
		cb.sched.logger.Error("fiber panicked", "fiber", cb.name, "id", cb.id, "panic", r)
	}

	cb.mu.Lock()
	cb.setStatus(StatusTerminated)
	waiters := cb.waiters
	cb.waiters = nil
	cb.mu.Unlock()
	close(cb.done)

	for _, w := range waiters {
		w.sched.wakeup(w)
	}
	cb.onCarrier.Store(false)
	cb.sched.parked <- event{kind: evExit, cb: cb}
}
