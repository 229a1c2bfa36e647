// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package lock

import (
	"sync"

	"github.com/pingcap-incubator/timelock/server/core"
)

type waiter struct {
	acq  *acquisition
	mode core.LockMode
}

// entry is the state of one lock key. Waiters are served in arrival order.
type entry struct {
	key string
	// refs counts the acquisitions holding or waiting for the key. It is
	// guarded by Manager.mu.
	refs int

	mu        sync.Mutex
	exclusive *acquisition
	shared    map[*acquisition]struct{}
	waiters   []waiter
}

func newEntry(key string) *entry {
	return &entry{key: key, shared: make(map[*acquisition]struct{})}
}

// tryAcquire takes the lock for a, or queues a behind the current waiters.
func (e *entry) tryAcquire(a *acquisition, mode core.LockMode) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.waiters) == 0 && e.compatibleLocked(mode) {
		e.holdLocked(a, mode)
		return true
	}
	e.waiters = append(e.waiters, waiter{acq: a, mode: mode})
	return false
}

// release drops a as holder and returns the waiters granted as a result.
func (e *entry) release(a *acquisition) []*acquisition {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.dropLocked(a) {
		return nil
	}
	return e.promoteLocked()
}

// abandon removes a whether it waits for or already holds the lock.
func (e *entry) abandon(a *acquisition) []*acquisition {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, w := range e.waiters {
		if w.acq == a {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return e.promoteLocked()
		}
	}
	if !e.dropLocked(a) {
		return nil
	}
	return e.promoteLocked()
}

func (e *entry) compatibleLocked(mode core.LockMode) bool {
	if e.exclusive != nil {
		return false
	}
	return mode == core.LockShared || len(e.shared) == 0
}

func (e *entry) holdLocked(a *acquisition, mode core.LockMode) {
	if mode == core.LockShared {
		e.shared[a] = struct{}{}
		return
	}
	e.exclusive = a
}

func (e *entry) dropLocked(a *acquisition) bool {
	if e.exclusive == a {
		e.exclusive = nil
		return true
	}
	if _, ok := e.shared[a]; ok {
		delete(e.shared, a)
		return true
	}
	return false
}

func (e *entry) promoteLocked() []*acquisition {
	var granted []*acquisition
	for len(e.waiters) > 0 {
		w := e.waiters[0]
		if !e.compatibleLocked(w.mode) {
			break
		}
		e.holdLocked(w.acq, w.mode)
		e.waiters[0] = waiter{}
		e.waiters = e.waiters[1:]
		granted = append(granted, w.acq)
	}
	return granted
}
