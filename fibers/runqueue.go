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

// runQueue is the ready queue of a carrier. It is only touched by the goroutine that holds
// the run token, so it needs no locking.
type runQueue struct {
	buf  []*controlBlock
	head int
}

func (q *runQueue) len() int {
	return len(q.buf) - q.head
}

func (q *runQueue) push(cb *controlBlock) {
	q.buf = append(q.buf, cb)
}

func (q *runQueue) pushFront(cb *controlBlock) {
	if q.head > 0 {
		q.head--
		q.buf[q.head] = cb
		return
	}
	q.buf = append(q.buf, nil)
	copy(q.buf[1:], q.buf)
	q.buf[0] = cb
}

// pop returns nil when the queue is empty.
func (q *runQueue) pop() *controlBlock {
	if q.len() == 0 {
		return nil
	}
	cb := q.buf[q.head]
	q.buf[q.head] = nil
	q.head++
	if q.head == len(q.buf) {
		q.buf = q.buf[:0]
		q.head = 0
	}
	return cb
}
