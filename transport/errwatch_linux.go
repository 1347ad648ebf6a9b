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

//go:build linux

package transport

import (
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// watchInterval bounds how long a poll holds a reference on the descriptor, in milliseconds.
const watchInterval = 100

// watchErrors polls conn for POLLERR and POLLHUP and reports the pending socket error through
// notify. It returns a function that stops the watcher.
func watchErrors(conn net.Conn, notify func(error)) (stop func()) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return func() {}
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		fds := []unix.PollFd{{}}
		for {
			select {
			case <-done:
				return
			default:
			}
			var revents int16
			var sockErr error
			cerr := rc.Control(func(fd uintptr) {
				// Only errors and hang-ups are of interest; both are always reported.
				fds[0] = unix.PollFd{Fd: int32(fd)}
				if _, err := unix.Poll(fds, watchInterval); err != nil {
					return
				}
				revents = fds[0].Revents
				if revents&(unix.POLLERR|unix.POLLHUP) == 0 {
					return
				}
				if errno, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR); err == nil && errno != 0 {
					sockErr = unix.Errno(errno)
				}
			})
			if cerr != nil || revents&unix.POLLNVAL != 0 {
				return
			}
			if revents&(unix.POLLERR|unix.POLLHUP) == 0 {
				continue
			}
			select {
			case <-done:
				return
			default:
			}
			if sockErr != nil {
				notify(fmt.Errorf("%w: %w", ErrConnectionLost, sockErr))
			} else {
				notify(ErrConnectionLost)
			}
			return
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}
