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
	"bytes"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/pingcap-incubator/timelock/pkg/logutil"
	"github.com/pingcap-incubator/timelock/server/async"
	"github.com/pingcap-incubator/timelock/server/core"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	minReapInterval = 10 * time.Millisecond
	maxReapInterval = time.Second
)

// ErrClosed is returned by a manager after Close.
var ErrClosed = errors.New("lock manager is closed")

// Options are read on every request.
type Options struct {
	// Lease is how long granted locks live without a refresh.
	Lease time.Duration
	// MaxAcquireTimeout caps the acquire timeout of a request.
	MaxAcquireTimeout time.Duration
}

// holding is one granted lock token: either a set of key locks or an
// immutable timestamp lock.
type holding struct {
	acq       *acquisition
	immutable *immutableLock
	expires   time.Time
}

type immutableLock struct {
	ts int64
	id uuid.UUID
}

func immutableLess(a, b immutableLock) bool {
	if a.ts != b.ts {
		return a.ts < b.ts
	}
	return bytes.Compare(a.id[:], b.id[:]) < 0
}

// Manager grants leased locks for one leadership term. Tokens from other
// terms are never recognized.
type Manager struct {
	leadership core.LeadershipToken
	options    func() Options

	mu        sync.Mutex
	entries   map[string]*entry
	pending   map[*acquisition]struct{}
	held      map[uuid.UUID]*holding
	immutable *btree.BTreeG[immutableLock]
	closeErr  error

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a manager and starts its lease reaper.
func NewManager(leadership core.LeadershipToken, options func() Options) *Manager {
	m := &Manager{
		leadership: leadership,
		options:    options,
		entries:    make(map[string]*entry),
		pending:    make(map[*acquisition]struct{}),
		held:       make(map[uuid.UUID]*holding),
		immutable:  btree.NewG(32, immutableLess),
		stopCh:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.reapLoop()
	return m
}

// Leadership returns the term the manager serves.
func (m *Manager) Leadership() core.LeadershipToken {
	return m.leadership
}

// Lock acquires every lock of req. The result times out if the locks are not
// all granted within the acquire timeout; nothing stays held in that case.
func (m *Manager) Lock(req *core.LockRequest) *async.Result[core.LockToken] {
	if err := req.Validate(); err != nil {
		return async.FailedWith[core.LockToken](err)
	}
	a, err := m.track(core.NormalizeDescriptors(req.Descriptors))
	if err != nil {
		return async.FailedWith[core.LockToken](err)
	}
	log.Debug("lock request",
		zap.Stringer("request-id", req.RequestID),
		zap.Stringer("token-id", a.id),
		zap.Int("descriptors", len(a.descriptors)),
		logutil.ZapRedactString("client", req.ClientDescription))
	a.begin(m.acquireTimeout(req.AcquireTimeoutMs))
	return a.result
}

// WaitForLocks completes once every lock of req was free at some point after
// the call. The locks are released right after they are granted.
func (m *Manager) WaitForLocks(req *core.WaitForLocksRequest) *async.Result[struct{}] {
	r := async.New[struct{}]()
	inner := m.Lock(&core.LockRequest{
		RequestID:        req.RequestID,
		Descriptors:      req.Descriptors,
		AcquireTimeoutMs: req.AcquireTimeoutMs,
	})
	inner.OnComplete(func() {
		switch inner.Status() {
		case async.Succeeded:
			m.Unlock([]core.LockToken{inner.Get()})
			r.Complete(struct{}{})
		case async.TimedOut:
			r.Expire()
		default:
			r.Fail(inner.Err())
		}
	})
	return r
}

// LockImmutableTimestamp locks ts and returns the smallest immutable
// timestamp still locked, which is at most ts.
func (m *Manager) LockImmutableTimestamp(ts int64) (*core.LockImmutableTimestampResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closeErr != nil {
		return nil, m.closeErr
	}
	item := immutableLock{ts: ts, id: uuid.New()}
	m.immutable.ReplaceOrInsert(item)
	m.held[item.id] = &holding{immutable: &item, expires: time.Now().Add(m.options().Lease)}
	heldGauge.WithLabelValues("immutable").Inc()
	min, _ := m.immutable.Min()
	return &core.LockImmutableTimestampResponse{
		ImmutableTimestamp: min.ts,
		Lock:               core.LockToken{RequestID: item.id, Leadership: m.leadership},
	}, nil
}

// ImmutableTimestamp returns the smallest locked immutable timestamp.
func (m *Manager) ImmutableTimestamp() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	min, ok := m.immutable.Min()
	return min.ts, ok
}

// Refresh extends the lease of every token still held and returns them.
func (m *Manager) Refresh(tokens []core.LockToken) []core.LockToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	refreshed := make([]core.LockToken, 0, len(tokens))
	expires := time.Now().Add(m.options().Lease)
	for _, t := range tokens {
		if t.Leadership != m.leadership {
			continue
		}
		if h, ok := m.held[t.RequestID]; ok {
			h.expires = expires
			refreshed = append(refreshed, t)
		}
	}
	return refreshed
}

// Unlock releases every token still held and returns them.
func (m *Manager) Unlock(tokens []core.LockToken) []core.LockToken {
	m.mu.Lock()
	unlocked := make([]core.LockToken, 0, len(tokens))
	var released []*holding
	for _, t := range tokens {
		if t.Leadership != m.leadership {
			continue
		}
		if h, ok := m.held[t.RequestID]; ok {
			m.dropLocked(t.RequestID, h)
			released = append(released, h)
			unlocked = append(unlocked, t)
		}
	}
	m.mu.Unlock()

	for _, h := range released {
		if h.acq != nil {
			h.acq.release()
		}
	}
	return unlocked
}

// Close fails every pending request with err and drops every lock.
func (m *Manager) Close(err error) {
	m.mu.Lock()
	if m.closeErr != nil {
		m.mu.Unlock()
		return
	}
	if err == nil {
		err = ErrClosed
	}
	m.closeErr = err
	pending := make([]*acquisition, 0, len(m.pending))
	for a := range m.pending {
		pending = append(pending, a)
	}
	var held []*holding
	for id, h := range m.held {
		m.dropLocked(id, h)
		held = append(held, h)
	}
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	for _, a := range pending {
		a.fail(err)
	}
	for _, h := range held {
		if h.acq != nil {
			h.acq.release()
		}
	}
	log.Info("lock manager closed",
		zap.Stringer("leadership", m.leadership),
		zap.Int("pending", len(pending)),
		zap.Int("held", len(held)),
		zap.Error(err))
}

func (m *Manager) acquireTimeout(ms int64) time.Duration {
	timeout := time.Duration(ms) * time.Millisecond
	if max := m.options().MaxAcquireTimeout; max > 0 && timeout > max {
		return max
	}
	return timeout
}

func (m *Manager) track(descriptors []core.LockDescriptor) (*acquisition, error) {
	a := &acquisition{
		m:           m,
		id:          uuid.New(),
		descriptors: descriptors,
		entries:     make([]*entry, 0, len(descriptors)),
		result:      async.New[core.LockToken](),
		start:       time.Now(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closeErr != nil {
		return nil, m.closeErr
	}
	for _, d := range descriptors {
		e, ok := m.entries[d.Key]
		if !ok {
			e = newEntry(d.Key)
			m.entries[d.Key] = e
		}
		e.refs++
		a.entries = append(a.entries, e)
	}
	m.pending[a] = struct{}{}
	return a, nil
}

// untrack forgets the entries of an acquisition that gave back its locks.
func (m *Manager) untrack(a *acquisition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, a)
	for _, e := range a.entries {
		e.refs--
		if e.refs == 0 {
			delete(m.entries, e.key)
		}
	}
}

// granted registers the lease of an acquisition that got every lock.
func (m *Manager) granted(a *acquisition) {
	m.mu.Lock()
	if err := m.closeErr; err != nil {
		m.mu.Unlock()
		a.release()
		lockCounter.WithLabelValues("failed").Inc()
		a.result.Fail(err)
		return
	}
	delete(m.pending, a)
	m.held[a.id] = &holding{acq: a, expires: time.Now().Add(m.options().Lease)}
	heldGauge.WithLabelValues("lock").Inc()
	m.mu.Unlock()

	lockCounter.WithLabelValues("granted").Inc()
	acquireHistogram.Observe(time.Since(a.start).Seconds())
	a.result.Complete(a.token())
}

func (m *Manager) dropLocked(id uuid.UUID, h *holding) {
	delete(m.held, id)
	if h.immutable != nil {
		m.immutable.Delete(*h.immutable)
		heldGauge.WithLabelValues("immutable").Dec()
		return
	}
	heldGauge.WithLabelValues("lock").Dec()
}

func (m *Manager) reapInterval() time.Duration {
	interval := m.options().Lease / 4
	if interval < minReapInterval {
		return minReapInterval
	}
	if interval > maxReapInterval {
		return maxReapInterval
	}
	return interval
}

func (m *Manager) reapLoop() {
	defer logutil.LogPanic()
	defer m.wg.Done()

	timer := time.NewTimer(m.reapInterval())
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			m.reap(time.Now())
			timer.Reset(m.reapInterval())
		case <-m.stopCh:
			return
		}
	}
}

// reap releases every lease that expired before now.
func (m *Manager) reap(now time.Time) int {
	m.mu.Lock()
	var expired []*holding
	for id, h := range m.held {
		if now.After(h.expires) {
			m.dropLocked(id, h)
			expired = append(expired, h)
		}
	}
	m.mu.Unlock()

	for _, h := range expired {
		if h.acq != nil {
			h.acq.release()
		}
	}
	if len(expired) > 0 {
		leaseExpiredCounter.Add(float64(len(expired)))
		log.Info("lock leases expired", zap.Stringer("leadership", m.leadership), zap.Int("count", len(expired)))
	}
	return len(expired)
}
