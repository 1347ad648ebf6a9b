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
	"log/slog"
	"runtime"
	"sync/atomic"
)

// noCopy may be embedded into structs which must not be copied after first use.
// See https://golang.org/issues/8005#issuecomment-190753527.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Fiber is the handle of a fiber. A handle is joinable until [Fiber.Join], [Fiber.Detach] or
// [Fiber.Move] is called on it. Dropping a joinable handle is a fatal error.
type Fiber struct {
	_  noCopy
	cb *controlBlock
}

var leakHook atomic.Pointer[func(msg string)]

func init() {
	fatal := func(msg string) { panic(msg) }
	leakHook.Store(&fatal)
}

func newFiber(cb *controlBlock) *Fiber {
	f := &Fiber{cb: cb}
	runtime.SetFinalizer(f, (*Fiber).finalize)
	return f
}

func (f *Fiber) finalize() {
	cb := f.cb
	if cb == nil {
		return
	}
	msg := fmt.Sprintf("fibers: joinable fiber %d (%q) was never joined or detached", cb.id, cb.name)
	cb.sched.logger.Error("fiber handle leaked", slog.Uint64("id", uint64(cb.id)), slog.String("fiber", cb.name))
	(*leakHook.Load())(msg)
}

func (f *Fiber) take() *controlBlock {
	if f == nil || f.cb == nil {
		return nil
	}
	cb := f.cb
	f.cb = nil
	runtime.SetFinalizer(f, nil)
	return cb
}

// ID returns the fiber ID, or zero for a handle that is not joinable.
func (f *Fiber) ID() ID {
	if f == nil || f.cb == nil {
		return 0
	}
	return f.cb.id
}

// Name returns the fiber name, or "" for a handle that is not joinable.
func (f *Fiber) Name() string {
	if f == nil || f.cb == nil {
		return ""
	}
	return f.cb.name
}

// Status returns the current scheduling state of the fiber.
func (f *Fiber) Status() Status {
	if f == nil || f.cb == nil {
		return StatusTerminated
	}
	return f.cb.getStatus()
}

// Joinable reports whether the handle still refers to a fiber.
func (f *Fiber) Joinable() bool {
	return f != nil && f.cb != nil
}

// Move transfers the fiber to a new handle. f is left empty.
func (f *Fiber) Move() *Fiber {
	cb := f.take()
	if cb == nil {
		return &Fiber{}
	}
	return newFiber(cb)
}

// Detach releases the handle without waiting for the fiber. The fiber keeps running and is
// reclaimed when it terminates.
func (f *Fiber) Detach() error {
	cb := f.take()
	if cb == nil {
		return ErrNotJoinable
	}
	cb.release()
	return nil
}

// Join waits for the fiber to terminate. Called from a fiber, it suspends only the calling
// fiber; otherwise it blocks the goroutine until the fiber terminates or ctx is done.
//
// A fiber that panicked is reported as a [*PanicError]. The handle is no longer joinable once
// Join returns, except when ctx is done first.
func (f *Fiber) Join(ctx context.Context) error {
	if !f.Joinable() {
		return ErrNotJoinable
	}
	target := f.cb
	// A fiber may pass a context that is not its own; it still must not block its carrier.
	self := currentFiber(ctx)
	if self == target {
		return ErrJoinSelf
	}

	if self != nil && self.onCarrier.Load() {
		target.mu.Lock()
		if target.getStatus() == StatusTerminated {
			target.mu.Unlock()
		} else {
			target.waiters = append(target.waiters, self)
			target.mu.Unlock()
			self.park(evSuspend, nil)
		}
	} else {
		select {
		case <-target.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.take()
	perr := target.panicErr
	target.release()
	if perr != nil {
		return perr
	}
	return nil
}
