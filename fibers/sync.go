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
	"sync"
)

// Wait suspends the current fiber until ch is closed or receives a value.
func Wait(ctx context.Context, ch <-chan struct{}) {
	select {
	case <-ch:
		return
	default:
	}
	Block(ctx, func() {
		<-ch
	})
}

// Mutex is a mutual exclusion lock whose Lock suspends only the calling fiber. It may also be
// used by plain goroutines. The zero value is an unlocked mutex.
type Mutex struct {
	once sync.Once
	sem  chan struct{}
}

func (m *Mutex) init() {
	m.once.Do(func() {
		m.sem = make(chan struct{}, 1)
	})
}

// Lock acquires m, suspending the current fiber while m is held elsewhere.
func (m *Mutex) Lock(ctx context.Context) {
	m.init()
	if m.TryLock() {
		return
	}
	Block(ctx, func() {
		m.sem <- struct{}{}
	})
}

// TryLock acquires m if it is free and reports whether it did.
func (m *Mutex) TryLock() bool {
	m.init()
	select {
	case m.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases m. It panics if m is not locked.
func (m *Mutex) Unlock() {
	m.init()
	select {
	case <-m.sem:
	default:
		panic("fibers: unlock of unlocked Mutex")
	}
}
