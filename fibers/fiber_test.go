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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func startScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	s := NewScheduler(append([]Option{WithLogger(discardLogger)}, opts...)...)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, s.Shutdown(ctx))
	})
	return s
}

func TestYieldingFibersAllProgress(t *testing.T) {
	s := startScheduler(t)
	const numFibers = 5
	const rounds = 50

	var trace []int
	parent := s.Go(Post, "parent", func(ctx context.Context) {
		children := make([]*Fiber, numFibers)
		for i := range children {
			children[i] = Go(ctx, Post, fmt.Sprintf("child-%d", i), func(ctx context.Context) {
				for range rounds {
					trace = append(trace, i)
					Yield(ctx)
				}
			})
		}
		for _, c := range children {
			assert.NoError(t, c.Join(ctx))
		}
	})
	require.NoError(t, parent.Join(context.Background()))

	require.Len(t, trace, numFibers*rounds)
	for k, id := range trace {
		require.Equal(t, k%numFibers, id, "position %d", k)
	}
}

func TestJoinTerminatedReturnsImmediately(t *testing.T) {
	s := startScheduler(t)
	f := s.Go(Post, "outer", func(ctx context.Context) {
		child := Go(ctx, Post, "quick", func(ctx context.Context) {})
		SleepFor(ctx, 20*time.Millisecond)
		assert.Equal(t, StatusTerminated, child.Status())
		start := time.Now()
		assert.NoError(t, child.Join(ctx))
		assert.Less(t, time.Since(start), 10*time.Millisecond)
		assert.False(t, child.Joinable())
	})
	require.NoError(t, f.Join(context.Background()))
}

func TestJoinSelf(t *testing.T) {
	s := startScheduler(t)
	handles := make(chan *Fiber, 1)
	f := s.Go(Post, "self", func(ctx context.Context) {
		var self *Fiber
		Block(ctx, func() { self = <-handles })
		assert.ErrorIs(t, self.Join(ctx), ErrJoinSelf)
		assert.True(t, self.Joinable())
	})
	handles <- f
	require.NoError(t, f.Join(context.Background()))
}

func TestJoinSelfWithForeignContext(t *testing.T) {
	s := startScheduler(t)
	handles := make(chan *Fiber, 1)
	f := s.Go(Post, "self", func(ctx context.Context) {
		var self *Fiber
		Block(ctx, func() { self = <-handles })
		assert.ErrorIs(t, self.Join(context.Background()), ErrJoinSelf)
		Block(ctx, func() {
			assert.ErrorIs(t, self.Join(context.Background()), ErrJoinSelf)
		})
	})
	handles <- f
	require.NoError(t, f.Join(context.Background()))
}

func TestJoinSiblingWithForeignContext(t *testing.T) {
	s := startScheduler(t)
	var order []string
	f := s.Go(Post, "parent", func(ctx context.Context) {
		child := Go(ctx, Post, "child", func(ctx context.Context) {
			Yield(ctx)
			order = append(order, "child")
		})
		// The child shares the carrier, so Join must suspend instead of blocking it.
		assert.NoError(t, child.Join(context.Background()))
		order = append(order, "parent")
	})
	require.NoError(t, f.Join(context.Background()))
	require.Equal(t, []string{"child", "parent"}, order)
}

func TestGoroutineID(t *testing.T) {
	id := goroutineID()
	require.NotZero(t, id)
	require.Equal(t, id, goroutineID())
	other := make(chan uint64)
	go func() { other <- goroutineID() }()
	require.NotEqual(t, id, <-other)
}

func TestJoinNotJoinable(t *testing.T) {
	var nilFiber *Fiber
	require.ErrorIs(t, nilFiber.Join(context.Background()), ErrNotJoinable)
	require.ErrorIs(t, nilFiber.Detach(), ErrNotJoinable)

	s := startScheduler(t)
	f := s.Go(Post, "once", func(ctx context.Context) {})
	require.NoError(t, f.Join(context.Background()))
	require.ErrorIs(t, f.Join(context.Background()), ErrNotJoinable)
	require.ErrorIs(t, f.Detach(), ErrNotJoinable)

	g := s.Go(Post, "moved", func(ctx context.Context) {})
	h := g.Move()
	require.False(t, g.Joinable())
	require.ErrorIs(t, g.Join(context.Background()), ErrNotJoinable)
	require.NoError(t, h.Join(context.Background()))
}

func TestJoinFromGoroutineHonorsContext(t *testing.T) {
	s := startScheduler(t)
	release := make(chan struct{})
	f := s.Go(Post, "slow", func(ctx context.Context) {
		Wait(ctx, release)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, f.Join(ctx), context.DeadlineExceeded)
	require.True(t, f.Joinable())

	close(release)
	require.NoError(t, f.Join(context.Background()))
}

func TestLaunchPolicies(t *testing.T) {
	for _, tc := range []struct {
		policy Launch
		want   []string
	}{
		{Dispatch, []string{"before", "child", "after"}},
		{Post, []string{"before", "after", "child"}},
	} {
		t.Run(tc.policy.String(), func(t *testing.T) {
			s := startScheduler(t)
			var got []string
			f := s.Go(Post, "parent", func(ctx context.Context) {
				got = append(got, "before")
				child := Go(ctx, tc.policy, "child", func(ctx context.Context) {
					got = append(got, "child")
				})
				got = append(got, "after")
				assert.NoError(t, child.Join(ctx))
			})
			require.NoError(t, f.Join(context.Background()))
			require.Equal(t, tc.want, got)
		})
	}
}

func TestSleepUntilNeverWakesEarly(t *testing.T) {
	s := startScheduler(t)
	fibers := make([]*Fiber, 8)
	for i := range fibers {
		d := time.Duration(i*5) * time.Millisecond
		fibers[i] = s.Go(Post, "sleeper", func(ctx context.Context) {
			wakeAt := time.Now().Add(d)
			SleepUntil(ctx, wakeAt)
			assert.False(t, time.Now().Before(wakeAt))
		})
	}
	for _, f := range fibers {
		require.NoError(t, f.Join(context.Background()))
	}
}

func TestSleepReleasesCarrier(t *testing.T) {
	s := startScheduler(t)
	events := make(chan string, 2)
	sleeper := s.Go(Post, "sleeper", func(ctx context.Context) {
		SleepFor(ctx, 100*time.Millisecond)
		events <- "sleeper"
	})
	worker := s.Go(Post, "worker", func(ctx context.Context) {
		for range 10 {
			Yield(ctx)
		}
		events <- "worker"
	})
	require.NoError(t, worker.Join(context.Background()))
	require.NoError(t, sleeper.Join(context.Background()))
	require.Equal(t, "worker", <-events)
	require.Equal(t, "sleeper", <-events)
}

func TestDetachReclaims(t *testing.T) {
	s := startScheduler(t)
	release := make(chan struct{})
	f := s.Go(Post, "detached", func(ctx context.Context) {
		Wait(ctx, release)
	})
	require.NoError(t, f.Detach())
	require.False(t, f.Joinable())
	require.Equal(t, 1, s.Stats().Registered)

	close(release)
	require.Eventually(t, func() bool {
		stats := s.Stats()
		return stats.Reclaimed == 1 && stats.Registered == 0 && stats.Live == 0
	}, time.Second, 5*time.Millisecond)
}

func TestJoinReclaims(t *testing.T) {
	s := startScheduler(t)
	for range 10 {
		require.NoError(t, s.Go(Post, "short", func(ctx context.Context) {}).Join(context.Background()))
	}
	// The scheduler drops its reference once the carrier has seen the fiber exit.
	require.Eventually(t, func() bool {
		stats := s.Stats()
		return stats.Reclaimed == 10 && stats.Registered == 0 && stats.Live == 0
	}, time.Second, 5*time.Millisecond)
	stats := s.Stats()
	assert.Equal(t, uint64(10), stats.Created)
	assert.GreaterOrEqual(t, stats.Switches, uint64(10))
}

func TestPanicIsReportedByJoin(t *testing.T) {
	s := startScheduler(t)
	f := s.Go(Post, "boom", func(ctx context.Context) {
		panic("boom")
	})
	err := f.Join(context.Background())
	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "boom", perr.Fiber)
	assert.Equal(t, "boom", perr.Value)
	assert.NotEmpty(t, perr.Stack)
	require.Eventually(t, func() bool { return s.Stats().Live == 0 }, time.Second, 5*time.Millisecond)
}

func TestBlockPropagatesPanic(t *testing.T) {
	s := startScheduler(t)
	errBoom := errors.New("blocking call failed")
	f := s.Go(Post, "blocker", func(ctx context.Context) {
		Block(ctx, func() { panic(errBoom) })
	})
	require.ErrorIs(t, f.Join(context.Background()), errBoom)
}

func TestContextAccessors(t *testing.T) {
	s := startScheduler(t)
	require.Equal(t, ID(0), CurrentID(context.Background()))
	require.Equal(t, "", CurrentName(context.Background()))
	require.False(t, InFiber(context.Background()))

	var id ID
	f := s.Go(Post, "named", func(ctx context.Context) {
		id = CurrentID(ctx)
		assert.Equal(t, "named", CurrentName(ctx))
		assert.True(t, InFiber(ctx))
		assert.Same(t, s, SchedulerFromContext(ctx))
		Block(ctx, func() {
			assert.False(t, InFiber(ctx))
		})
	})
	wantID := f.ID()
	require.NoError(t, f.Join(context.Background()))
	require.Equal(t, wantID, id)
}

func TestGoWithoutSchedulerUsesDefault(t *testing.T) {
	var sched *Scheduler
	f := Go(context.Background(), Dispatch, "default", func(ctx context.Context) {
		sched = SchedulerFromContext(ctx)
	})
	require.NoError(t, f.Join(context.Background()))
	require.Same(t, Default(), sched)
}

func TestLeakedHandleIsFatal(t *testing.T) {
	leaked := make(chan string, 1)
	hook := func(msg string) { leaked <- msg }
	old := leakHook.Swap(&hook)
	defer leakHook.Store(old)

	s := startScheduler(t)
	func() {
		s.Go(Post, "leaky", func(ctx context.Context) {})
	}()

	deadline := time.After(5 * time.Second)
	for {
		runtime.GC()
		select {
		case msg := <-leaked:
			require.Contains(t, msg, "leaky")
			return
		case <-deadline:
			t.Fatal("leaked handle was not reported")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "ready", StatusReady.String())
	require.Equal(t, "running", StatusRunning.String())
	require.Equal(t, "suspended", StatusSuspended.String())
	require.Equal(t, "terminated", StatusTerminated.String())
	require.Equal(t, "Status(9)", Status(9).String())
}
