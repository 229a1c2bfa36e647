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
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/timelock/server/async"
	"github.com/pingcap-incubator/timelock/server/core"
)

// acquisition takes the locks of one request, one key at a time in key
// order. It waits on at most one entry at a time.
type acquisition struct {
	m           *Manager
	id          uuid.UUID
	descriptors []core.LockDescriptor
	entries     []*entry
	result      *async.Result[core.LockToken]
	start       time.Time

	mu    sync.Mutex
	timer *time.Timer
	// next is the index of the first descriptor not acquired yet.
	next int
	// done is set once the acquisition stopped: granted, expired or failed.
	done     bool
	released bool
}

func (a *acquisition) token() core.LockToken {
	return core.LockToken{RequestID: a.id, Leadership: a.m.leadership}
}

// begin makes the first attempt and arms the timeout.
func (a *acquisition) begin(timeout time.Duration) {
	a.mu.Lock()
	granted := a.advanceLocked()
	if !granted && timeout > 0 {
		a.timer = time.AfterFunc(timeout, a.expire)
	}
	a.mu.Unlock()

	switch {
	case granted:
		a.m.granted(a)
	case timeout <= 0:
		a.expire()
	}
}

// resume continues after the entry a waited on granted it.
func (a *acquisition) resume() {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return
	}
	a.next++
	granted := a.advanceLocked()
	a.mu.Unlock()
	if granted {
		a.m.granted(a)
	}
}

func (a *acquisition) advanceLocked() bool {
	for a.next < len(a.entries) {
		if !a.entries[a.next].tryAcquire(a, a.descriptors[a.next].Mode) {
			return false
		}
		a.next++
	}
	a.done = true
	if a.timer != nil {
		a.timer.Stop()
	}
	return true
}

func (a *acquisition) expire() {
	if a.abort() {
		lockCounter.WithLabelValues("timeout").Inc()
		a.result.Expire()
	}
}

func (a *acquisition) fail(err error) {
	if a.abort() {
		lockCounter.WithLabelValues("failed").Inc()
		a.result.Fail(err)
	}
}

// abort stops a pending acquisition and gives back what it holds.
func (a *acquisition) abort() bool {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return false
	}
	a.done = true
	a.released = true
	if a.timer != nil {
		a.timer.Stop()
	}
	var granted []*acquisition
	if a.next < len(a.entries) {
		granted = append(granted, a.entries[a.next].abandon(a)...)
	}
	for _, e := range a.entries[:a.next] {
		granted = append(granted, e.release(a)...)
	}
	a.mu.Unlock()

	a.m.untrack(a)
	resumeAll(granted)
	return true
}

// release gives back every lock of a granted acquisition.
func (a *acquisition) release() {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return
	}
	a.released = true
	var granted []*acquisition
	for _, e := range a.entries {
		granted = append(granted, e.release(a)...)
	}
	a.mu.Unlock()

	a.m.untrack(a)
	resumeAll(granted)
}

func resumeAll(acqs []*acquisition) {
	for _, a := range acqs {
		a.resume()
	}
}
