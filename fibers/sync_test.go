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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutexAcrossSchedulers(t *testing.T) {
	pool := NewPool(3, WithLogger(discardLogger))
	require.NoError(t, pool.Start())
	defer func() {
		require.NoError(t, pool.Shutdown(context.Background()))
	}()

	var mu Mutex
	var holders atomic.Int32
	counter := 0
	var fibers []*Fiber
	for range 30 {
		fibers = append(fibers, pool.Next().Go(Post, "locker", func(ctx context.Context) {
			mu.Lock(ctx)
			defer mu.Unlock()
			assert.Equal(t, int32(1), holders.Add(1))
			Yield(ctx)
			counter++
			holders.Add(-1)
		}))
	}
	for _, f := range fibers {
		require.NoError(t, f.Join(context.Background()))
	}
	require.Equal(t, 30, counter)
}

func TestMutexTryLock(t *testing.T) {
	var mu Mutex
	require.True(t, mu.TryLock())
	require.False(t, mu.TryLock())
	mu.Unlock()
	require.True(t, mu.TryLock())
	mu.Unlock()
	require.Panics(t, func() { mu.Unlock() })
}

func TestMutexLockOutsideFiber(t *testing.T) {
	var mu Mutex
	mu.Lock(context.Background())
	done := make(chan struct{})
	go func() {
		mu.Lock(context.Background())
		mu.Unlock()
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	mu.Unlock()
	<-done
}

func TestWaitReleasesCarrier(t *testing.T) {
	s := startScheduler(t)
	ready := make(chan struct{})
	var order []string
	waiter := s.Go(Post, "waiter", func(ctx context.Context) {
		Wait(ctx, ready)
		order = append(order, "waiter")
	})
	closer := s.Go(Post, "closer", func(ctx context.Context) {
		order = append(order, "closer")
		close(ready)
	})
	require.NoError(t, closer.Join(context.Background()))
	require.NoError(t, waiter.Join(context.Background()))
	require.Equal(t, []string{"closer", "waiter"}, order)
}
