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
	"slices"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Pool is a fixed set of schedulers whose carriers run in parallel.
type Pool struct {
	scheds []*Scheduler
	next   atomic.Uint64
}

// NewPool creates n schedulers. [WithName] is used as a prefix; each scheduler is named
// "<prefix>-<index>".
func NewPool(n int, opts ...Option) *Pool {
	if n < 1 {
		n = 1
	}
	cfg := resolveOptions(opts)
	p := &Pool{scheds: make([]*Scheduler, n)}
	for i := range p.scheds {
		p.scheds[i] = NewScheduler(slices.Concat(opts, []Option{WithName(fmt.Sprintf("%s-%d", cfg.name, i))})...)
	}
	return p
}

// Size returns the number of schedulers.
func (p *Pool) Size() int {
	return len(p.scheds)
}

// Scheduler returns the i-th scheduler.
func (p *Pool) Scheduler(i int) *Scheduler {
	return p.scheds[i]
}

// Next returns the schedulers in round-robin order.
func (p *Pool) Next() *Scheduler {
	i := p.next.Add(1) - 1
	return p.scheds[i%uint64(len(p.scheds))]
}

// Run runs every carrier loop and returns when all of them have returned. The first error
// cancels the context passed to the other loops.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range p.scheds {
		g.Go(func() error {
			return s.Run(ctx)
		})
	}
	return g.Wait()
}

// Start runs every carrier loop on its own goroutine.
func (p *Pool) Start() error {
	var errs []error
	for _, s := range p.scheds {
		errs = append(errs, s.Start())
	}
	return errors.Join(errs...)
}

// Shutdown shuts every scheduler down. Errors are joined.
func (p *Pool) Shutdown(ctx context.Context) error {
	errs := make([]error, len(p.scheds))
	var g errgroup.Group
	for i, s := range p.scheds {
		g.Go(func() error {
			errs[i] = s.Shutdown(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
