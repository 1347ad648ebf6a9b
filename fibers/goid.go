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
	"bytes"
	"context"
	"runtime"
	"strconv"
	"sync"
)

// byGoroutine maps the ID of each live fiber goroutine to its control block. It lets calls
// made with a context that carries no fiber still find the fiber they run on.
var byGoroutine sync.Map

// goroutineID parses the ID of the calling goroutine from its stack header,
// "goroutine 42 [running]:".
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// currentFiber returns the fiber bound to ctx or, failing that, the fiber whose goroutine is
// the caller.
func currentFiber(ctx context.Context) *controlBlock {
	if cb := fiberFromContext(ctx); cb != nil {
		return cb
	}
	if cb, ok := byGoroutine.Load(goroutineID()); ok {
		return cb.(*controlBlock)
	}
	return nil
}
