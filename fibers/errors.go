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
	"errors"
	"fmt"
)

var (
	// ErrNotJoinable is returned when joining or detaching a handle that is empty, was
	// detached, was already joined, or was moved away.
	ErrNotJoinable = errors.New("fibers: fiber is not joinable")

	// ErrJoinSelf is returned when a fiber attempts to join itself.
	ErrJoinSelf = errors.New("fibers: fiber cannot join itself")

	// ErrSchedulerRunning is returned by [Scheduler.Run] when the carrier loop is already running.
	ErrSchedulerRunning = errors.New("fibers: scheduler is already running")

	// ErrSchedulerStopped is returned by [Scheduler.Run] after the carrier loop has exited.
	ErrSchedulerStopped = errors.New("fibers: scheduler has stopped")
)

// PanicError reports a panic that terminated a fiber. It is returned by [Fiber.Join].
type PanicError struct {
	Fiber string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("fibers: fiber %q panicked: %v", e.Fiber, e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
