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
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/timelock/pkg/testutil"
	"github.com/pingcap-incubator/timelock/server/async"
	"github.com/pingcap-incubator/timelock/server/core"
	. "github.com/pingcap/check"
	"github.com/pkg/errors"
)

func TestLock(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testManagerSuite{})

type testManagerSuite struct {
	m *Manager
}

var testLeadership = core.LeadershipToken{Epoch: 3, ReplicaID: 1}

func fixedOptions(lease time.Duration) func() Options {
	return func() Options {
		return Options{Lease: lease, MaxAcquireTimeout: 5 * time.Second}
	}
}

func (s *testManagerSuite) SetUpTest(c *C) {
	s.m = NewManager(testLeadership, fixedOptions(time.Minute))
}

func (s *testManagerSuite) TearDownTest(c *C) {
	s.m.Close(nil)
}

func request(timeoutMs int64, descriptors ...core.LockDescriptor) *core.LockRequest {
	return &core.LockRequest{RequestID: uuid.New(), Descriptors: descriptors, AcquireTimeoutMs: timeoutMs}
}

func exclusive(key string) core.LockDescriptor {
	return core.LockDescriptor{Key: key, Mode: core.LockExclusive}
}

func shared(key string) core.LockDescriptor {
	return core.LockDescriptor{Key: key, Mode: core.LockShared}
}

func await[T any](c *C, r *async.Result[T]) async.Status {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := async.Await(ctx, r)
	c.Assert(status, Not(Equals), async.Pending, Commentf("err: %v", err))
	return status
}

func (s *testManagerSuite) TestExclusiveContention(c *C) {
	first := s.m.Lock(request(0, exclusive("a")))
	c.Assert(first.IsCompletedSuccessfully(), IsTrue)
	token := first.Get()
	c.Assert(token.Leadership, Equals, testLeadership)

	second := s.m.Lock(request(2000, exclusive("a")))
	c.Assert(second.Status(), Equals, async.Pending)

	c.Assert(s.m.Unlock([]core.LockToken{token}), DeepEquals, []core.LockToken{token})
	c.Assert(await(c, second), Equals, async.Succeeded)

	// Unlocking twice does nothing.
	c.Assert(s.m.Unlock([]core.LockToken{token}), HasLen, 0)
}

func (s *testManagerSuite) TestTimeoutReleasesPartial(c *C) {
	holder := s.m.Lock(request(0, exclusive("b")))
	c.Assert(holder.IsCompletedSuccessfully(), IsTrue)

	blocked := s.m.Lock(request(50, exclusive("b"), exclusive("a")))
	c.Assert(await(c, blocked), Equals, async.TimedOut)

	// "a" was taken before waiting on "b" and must be free again.
	free := s.m.Lock(request(0, exclusive("a")))
	c.Assert(free.IsCompletedSuccessfully(), IsTrue)

	s.m.Unlock([]core.LockToken{holder.Get()})
	again := s.m.Lock(request(0, exclusive("b")))
	c.Assert(again.IsCompletedSuccessfully(), IsTrue)
}

func (s *testManagerSuite) TestZeroTimeout(c *C) {
	holder := s.m.Lock(request(0, exclusive("z")))
	c.Assert(holder.IsCompletedSuccessfully(), IsTrue)
	r := s.m.Lock(request(0, exclusive("z")))
	c.Assert(r.IsTimedOut(), IsTrue)
}

func (s *testManagerSuite) TestSharedAndFIFO(c *C) {
	r1 := s.m.Lock(request(0, shared("k")))
	r2 := s.m.Lock(request(0, shared("k")))
	c.Assert(r1.IsCompletedSuccessfully(), IsTrue)
	c.Assert(r2.IsCompletedSuccessfully(), IsTrue)

	writer := s.m.Lock(request(2000, exclusive("k")))
	c.Assert(writer.Status(), Equals, async.Pending)
	// A reader arriving after a queued writer waits behind it.
	reader := s.m.Lock(request(2000, shared("k")))
	c.Assert(reader.Status(), Equals, async.Pending)

	s.m.Unlock([]core.LockToken{r1.Get()})
	c.Assert(writer.Status(), Equals, async.Pending)
	s.m.Unlock([]core.LockToken{r2.Get()})
	c.Assert(await(c, writer), Equals, async.Succeeded)
	c.Assert(reader.Status(), Equals, async.Pending)

	s.m.Unlock([]core.LockToken{writer.Get()})
	c.Assert(await(c, reader), Equals, async.Succeeded)
}

func (s *testManagerSuite) TestDuplicateKeys(c *C) {
	r := s.m.Lock(request(0, shared("d"), exclusive("d"), shared("d")))
	c.Assert(r.IsCompletedSuccessfully(), IsTrue)
	other := s.m.Lock(request(0, shared("d")))
	c.Assert(other.IsTimedOut(), IsTrue)
}

func (s *testManagerSuite) TestInvalidRequest(c *C) {
	r := s.m.Lock(request(0))
	c.Assert(r.IsFailed(), IsTrue)
	r = s.m.Lock(&core.LockRequest{Descriptors: []core.LockDescriptor{exclusive("a")}})
	c.Assert(r.IsFailed(), IsTrue)
}

func (s *testManagerSuite) TestForeignToken(c *C) {
	r := s.m.Lock(request(0, exclusive("f")))
	token := r.Get()
	foreign := token
	foreign.Leadership = core.LeadershipToken{Epoch: 2, ReplicaID: 2}

	c.Assert(s.m.Refresh([]core.LockToken{foreign}), HasLen, 0)
	c.Assert(s.m.Unlock([]core.LockToken{foreign}), HasLen, 0)
	c.Assert(s.m.Refresh([]core.LockToken{token}), DeepEquals, []core.LockToken{token})
}

func (s *testManagerSuite) TestWaitForLocks(c *C) {
	holder := s.m.Lock(request(0, exclusive("x")))
	w := s.m.WaitForLocks(&core.WaitForLocksRequest{
		RequestID:        uuid.New(),
		Descriptors:      []core.LockDescriptor{exclusive("x")},
		AcquireTimeoutMs: 2000,
	})
	c.Assert(w.Status(), Equals, async.Pending)
	s.m.Unlock([]core.LockToken{holder.Get()})
	c.Assert(await(c, w), Equals, async.Succeeded)

	// Waiting does not keep the lock.
	r := s.m.Lock(request(0, exclusive("x")))
	c.Assert(r.IsCompletedSuccessfully(), IsTrue)

	w = s.m.WaitForLocks(&core.WaitForLocksRequest{
		RequestID:        uuid.New(),
		Descriptors:      []core.LockDescriptor{exclusive("x")},
		AcquireTimeoutMs: 20,
	})
	c.Assert(await(c, w), Equals, async.TimedOut)
}

func (s *testManagerSuite) TestImmutableTimestamp(c *C) {
	_, ok := s.m.ImmutableTimestamp()
	c.Assert(ok, IsFalse)

	r10, err := s.m.LockImmutableTimestamp(10)
	c.Assert(err, IsNil)
	c.Assert(r10.ImmutableTimestamp, Equals, int64(10))
	r5, err := s.m.LockImmutableTimestamp(5)
	c.Assert(err, IsNil)
	c.Assert(r5.ImmutableTimestamp, Equals, int64(5))
	r20, err := s.m.LockImmutableTimestamp(20)
	c.Assert(err, IsNil)
	c.Assert(r20.ImmutableTimestamp, Equals, int64(5))

	c.Assert(s.m.Refresh([]core.LockToken{r5.Lock}), HasLen, 1)
	c.Assert(s.m.Unlock([]core.LockToken{r5.Lock}), HasLen, 1)
	ts, ok := s.m.ImmutableTimestamp()
	c.Assert(ok, IsTrue)
	c.Assert(ts, Equals, int64(10))

	s.m.Unlock([]core.LockToken{r10.Lock, r20.Lock})
	_, ok = s.m.ImmutableTimestamp()
	c.Assert(ok, IsFalse)
}

func (s *testManagerSuite) TestLeaseExpiry(c *C) {
	m := NewManager(testLeadership, fixedOptions(60*time.Millisecond))
	defer m.Close(nil)

	kept := m.Lock(request(0, exclusive("kept"))).Get()
	lost := m.Lock(request(0, exclusive("lost"))).Get()
	imm, err := m.LockImmutableTimestamp(7)
	c.Assert(err, IsNil)

	for i := 0; i < 6; i++ {
		time.Sleep(20 * time.Millisecond)
		c.Assert(m.Refresh([]core.LockToken{kept}), HasLen, 1)
	}
	c.Assert(m.Refresh([]core.LockToken{lost}), HasLen, 0)
	c.Assert(m.Refresh([]core.LockToken{imm.Lock}), HasLen, 0)
	_, ok := m.ImmutableTimestamp()
	c.Assert(ok, IsFalse)

	c.Assert(m.Lock(request(0, exclusive("lost"))).IsCompletedSuccessfully(), IsTrue)
	c.Assert(m.Lock(request(0, exclusive("kept"))).IsTimedOut(), IsTrue)
}

func (s *testManagerSuite) TestReap(c *C) {
	m := NewManager(testLeadership, fixedOptions(time.Hour))
	defer m.Close(nil)
	m.Lock(request(0, exclusive("r")))
	c.Assert(m.reap(time.Now()), Equals, 0)
	c.Assert(m.reap(time.Now().Add(2*time.Hour)), Equals, 1)
	c.Assert(m.Lock(request(0, exclusive("r"))).IsCompletedSuccessfully(), IsTrue)
}

func (s *testManagerSuite) TestClose(c *C) {
	m := NewManager(testLeadership, fixedOptions(time.Minute))
	holder := m.Lock(request(0, exclusive("c")))
	pending := m.Lock(request(5000, exclusive("c")))
	c.Assert(pending.Status(), Equals, async.Pending)

	closeErr := &core.NotLeaderError{LeaderHint: "http://other"}
	m.Close(closeErr)
	c.Assert(pending.IsFailed(), IsTrue)
	c.Assert(errors.Cause(pending.Err()), Equals, error(closeErr))
	c.Assert(m.Refresh([]core.LockToken{holder.Get()}), HasLen, 0)

	r := m.Lock(request(0, exclusive("c")))
	c.Assert(r.IsFailed(), IsTrue)
	_, err := m.LockImmutableTimestamp(1)
	c.Assert(core.IsNotLeader(err), IsTrue)
	m.mu.Lock()
	c.Assert(m.entries, HasLen, 0)
	m.mu.Unlock()
}

func (s *testManagerSuite) TestEntriesAreForgotten(c *C) {
	r := s.m.Lock(request(0, exclusive("e1"), shared("e2")))
	timedOut := s.m.Lock(request(10, exclusive("e1")))
	c.Assert(await(c, timedOut), Equals, async.TimedOut)
	s.m.Unlock([]core.LockToken{r.Get()})

	testutil.WaitUntil(c, func(c *C) bool {
		s.m.mu.Lock()
		defer s.m.mu.Unlock()
		return len(s.m.entries) == 0
	}, testutil.WithSleepInterval(5*time.Millisecond))
}

func (s *testManagerSuite) TestConcurrentExclusion(c *C) {
	const keys, workers, rounds = 5, 10, 50
	var mu sync.Mutex
	owners := make(map[string]int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < rounds; i++ {
				var descriptors []core.LockDescriptor
				for k := 0; k < keys; k++ {
					if rnd.Intn(2) == 0 {
						descriptors = append(descriptors, exclusive(fmt.Sprintf("key-%d", k)))
					}
				}
				if len(descriptors) == 0 {
					continue
				}
				r := s.m.Lock(request(5000, descriptors...))
				if await(c, r) != async.Succeeded {
					c.Errorf("lock %v: %v", descriptors, r.Err())
					return
				}
				mu.Lock()
				for _, d := range descriptors {
					if owner, ok := owners[d.Key]; ok {
						c.Errorf("%s held by %d and %d", d.Key, owner, w)
					}
					owners[d.Key] = w
				}
				mu.Unlock()
				time.Sleep(time.Duration(rnd.Intn(200)) * time.Microsecond)
				mu.Lock()
				for _, d := range descriptors {
					delete(owners, d.Key)
				}
				mu.Unlock()
				s.m.Unlock([]core.LockToken{r.Get()})
			}
		}(w)
	}
	wg.Wait()
}
