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

/*
Package fibers provides cooperatively scheduled units of execution ("fibers") that share a
carrier with other fibers.

A [Scheduler] is a carrier: it owns a run token and hands it to exactly one of its fibers at
a time. A fiber keeps the token until it reaches a suspension point: [Yield], [SleepUntil],
[Block], [Wait], a contended [Mutex], or [Fiber.Join]. Many schedulers can run in parallel,
which makes the model M:N; a [Pool] bundles several of them.

The fiber currently running is carried in the [context.Context] passed to its entry
function. Operations that may suspend take that context as their first argument:

	s := fibers.NewScheduler(fibers.WithName("io"))
	if err := s.Start(); err != nil {
		return err
	}
	defer s.Shutdown(context.Background())

	f := s.Go(fibers.Post, "worker", func(ctx context.Context) {
		fibers.SleepFor(ctx, 10*time.Millisecond)
		fibers.Yield(ctx)
	})
	if err := f.Join(context.Background()); err != nil {
		// handle the error
	}

Every fiber handle returned by [Go] must be resolved with [Fiber.Join] or [Fiber.Detach].
A joinable handle that gets garbage collected is a fatal usage error.

Blocking work, such as socket I/O on a [net.Conn], must be wrapped in [Block] so the
carrier keeps running other fibers while the calling fiber waits.
*/
package fibers
