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
	"runtime"
	"time"

	"github.com/ssuchichen/helio/internal/ddltimer"
)

type fiberKey struct{}

func fiberFromContext(ctx context.Context) *controlBlock {
	if ctx == nil {
		return nil
	}
	cb, _ := ctx.Value(fiberKey{}).(*controlBlock)
	return cb
}

// Go creates a fiber running fn on the scheduler carried by ctx, or on [Default] when ctx
// carries none. fn receives a context derived from ctx and bound to the new fiber.
//
// The fiber context must only be used by the fiber it is bound to.
func Go(ctx context.Context, policy Launch, name string, fn func(ctx context.Context)) *Fiber {
	s := SchedulerFromContext(ctx)
	if s == nil {
		s = Default()
	}
	return s.spawn(ctx, fiberFromContext(ctx), policy, name, fn)
}

// CurrentID returns the ID of the fiber bound to ctx, or zero outside of a fiber.
func CurrentID(ctx context.Context) ID {
	if cb := fiberFromContext(ctx); cb != nil {
		return cb.id
	}
	return 0
}

// CurrentName returns the name of the fiber bound to ctx, or "" outside of a fiber.
func CurrentName(ctx context.Context) string {
	if cb := fiberFromContext(ctx); cb != nil {
		return cb.name
	}
	return ""
}

// InFiber reports whether ctx is bound to a fiber that currently holds its carrier.
func InFiber(ctx context.Context) bool {
	cb := fiberFromContext(ctx)
	return cb != nil && cb.onCarrier.Load()
}

// Yield moves the current fiber to the back of the ready queue. Outside of a fiber it yields
// the goroutine.
func Yield(ctx context.Context) {
	cb := fiberFromContext(ctx)
	if cb == nil || !cb.onCarrier.Load() {
		runtime.Gosched()
		return
	}
	cb.park(evYield, nil)
}

// Block runs fn, which may block, without holding the carrier. Other fibers of the same
// scheduler run until fn returns; the current fiber is then queued as ready again. A panic in
// fn is propagated once the fiber is running again.
//
// Outside of a fiber Block simply calls fn.
func Block(ctx context.Context, fn func()) {
	cb := fiberFromContext(ctx)
	if cb == nil || !cb.onCarrier.Load() {
		fn()
		return
	}

	cb.setStatus(StatusSuspended)
	cb.onCarrier.Store(false)
	cb.sched.parked <- event{kind: evSuspend, cb: cb}

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		fn()
	}()

	cb.sched.wakeup(cb)
	<-cb.resume
	cb.onCarrier.Store(true)
	if recovered != nil {
		panic(recovered)
	}
}

// SleepUntil suspends the current fiber until t. It never returns before t.
func SleepUntil(ctx context.Context, t time.Time) {
	if !time.Now().Before(t) {
		return
	}
	timer := ddltimer.New()
	defer timer.Stop()
	timer.SetDeadline(t)
	Block(ctx, func() {
		<-timer.Timeout()
	})
}

// SleepFor suspends the current fiber for at least d.
func SleepFor(ctx context.Context, d time.Duration) {
	SleepUntil(ctx, time.Now().Add(d))
}
