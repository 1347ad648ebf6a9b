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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunQueue(t *testing.T) {
	var q runQueue
	a, b, c := &controlBlock{id: 1}, &controlBlock{id: 2}, &controlBlock{id: 3}
	require.Nil(t, q.pop())

	q.push(a)
	q.push(b)
	q.pushFront(c)
	require.Equal(t, 3, q.len())
	require.Same(t, c, q.pop())
	q.pushFront(c)
	require.Same(t, c, q.pop())
	require.Same(t, a, q.pop())
	require.Same(t, b, q.pop())
	require.Nil(t, q.pop())
	require.Equal(t, 0, q.len())
}

func TestRunTwice(t *testing.T) {
	s := NewScheduler(WithLogger(discardLogger))
	require.NoError(t, s.Start())
	require.ErrorIs(t, s.Start(), ErrSchedulerRunning)
	require.ErrorIs(t, s.Run(context.Background()), ErrSchedulerRunning)
	require.NoError(t, s.Shutdown(context.Background()))
	require.ErrorIs(t, s.Run(context.Background()), ErrSchedulerStopped)
}

func TestShutdownWaitsForFibers(t *testing.T) {
	s := NewScheduler(WithLogger(discardLogger))
	require.NoError(t, s.Start())
	finished := make(chan struct{})
	f := s.Go(Post, "sleeper", func(ctx context.Context) {
		SleepFor(ctx, 50*time.Millisecond)
		close(finished)
	})
	require.NoError(t, f.Detach())
	require.NoError(t, s.Shutdown(context.Background()))
	select {
	case <-finished:
	default:
		t.Fatal("shutdown returned before the fiber terminated")
	}
}

func TestShutdownNeverStarted(t *testing.T) {
	s := NewScheduler(WithLogger(discardLogger))
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestShutdownHonorsContext(t *testing.T) {
	s := NewScheduler(WithLogger(discardLogger))
	require.NoError(t, s.Start())
	release := make(chan struct{})
	f := s.Go(Post, "stuck", func(ctx context.Context) {
		Wait(ctx, release)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, f.Join(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestRunStopsOnContext(t *testing.T) {
	s := NewScheduler(WithLogger(discardLogger))
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- s.Run(ctx) }()
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)
}

func TestPoolRoundRobin(t *testing.T) {
	pool := NewPool(3, WithName("workers"), WithLogger(discardLogger), WithMetrics(true))
	require.Equal(t, 3, pool.Size())
	var names []string
	for range 6 {
		names = append(names, pool.Next().Name())
	}
	require.Equal(t, []string{"workers-0", "workers-1", "workers-2", "workers-0", "workers-1", "workers-2"}, names)
	require.Same(t, pool.Scheduler(0), pool.Next())
}

func TestPoolRun(t *testing.T) {
	pool := NewPool(2, WithLogger(discardLogger))
	errs := make(chan error, 1)
	go func() { errs <- pool.Run(context.Background()) }()

	var fibers []*Fiber
	for i := range pool.Size() {
		s := pool.Scheduler(i)
		fibers = append(fibers, s.Go(Post, "probe", func(ctx context.Context) {
			if SchedulerFromContext(ctx) != s {
				panic("fiber ran on the wrong scheduler")
			}
		}))
	}
	for _, f := range fibers {
		require.NoError(t, f.Join(context.Background()))
	}
	require.NoError(t, pool.Shutdown(context.Background()))
	require.NoError(t, <-errs)
}
