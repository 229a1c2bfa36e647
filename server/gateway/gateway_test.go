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

package gateway

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/timelock/server/async"
	"github.com/pingcap-incubator/timelock/server/core"
	"github.com/pingcap-incubator/timelock/server/qos"
	. "github.com/pingcap/check"
	"github.com/pkg/errors"
)

func TestGateway(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testGatewaySuite{})

type testGatewaySuite struct{}

// stubService returns canned results and counts calls.
type stubService struct {
	calls      int64
	lockResult *async.Result[core.LockToken]
	waitResult *async.Result[struct{}]
}

func (s *stubService) called() {
	atomic.AddInt64(&s.calls, 1)
}

func (s *stubService) CurrentTimeMillis(ctx context.Context) (int64, error) {
	s.called()
	return 1234, nil
}

func (s *stubService) GetFreshTimestamp(ctx context.Context) (int64, error) {
	s.called()
	return 1, nil
}

func (s *stubService) GetFreshTimestamps(ctx context.Context, count int64) (core.TimestampRange, error) {
	s.called()
	return core.TimestampRange{Lower: 1, Upper: count}, nil
}

func (s *stubService) LockImmutableTimestamp(ctx context.Context, req *core.LockImmutableTimestampRequest) (*core.LockImmutableTimestampResponse, error) {
	s.called()
	return &core.LockImmutableTimestampResponse{ImmutableTimestamp: 7}, nil
}

func (s *stubService) GetImmutableTimestamp(ctx context.Context) (int64, error) {
	s.called()
	return 7, nil
}

func (s *stubService) Lock(ctx context.Context, req *core.LockRequest) *async.Result[core.LockToken] {
	s.called()
	return s.lockResult
}

func (s *stubService) WaitForLocks(ctx context.Context, req *core.WaitForLocksRequest) *async.Result[struct{}] {
	s.called()
	return s.waitResult
}

func (s *stubService) RefreshLockLeases(ctx context.Context, tokens []core.LockToken) ([]core.LockToken, error) {
	s.called()
	return tokens, nil
}

func (s *stubService) Unlock(ctx context.Context, tokens []core.LockToken) ([]core.LockToken, error) {
	s.called()
	return tokens, nil
}

func (s *stubService) Leadership() (core.LeadershipToken, bool) {
	return core.LeadershipToken{Epoch: 1, ReplicaID: 1}, true
}

func unlimited() qos.Budget {
	return qos.Budget{}
}

func budget(bytesPerSecond int64, maxSleep time.Duration) func() qos.Budget {
	return func() qos.Budget {
		return qos.Budget{BytesPerSecond: bytesPerSecond, MaxSleep: maxSleep}
	}
}

type lockOutcome struct {
	resp *core.LockResponse
	err  error
}

func (s *testGatewaySuite) lock(g *Gateway, req *core.LockRequest) <-chan lockOutcome {
	ch := make(chan lockOutcome, 2)
	g.Lock(context.Background(), req, func(resp *core.LockResponse, err error) {
		ch <- lockOutcome{resp, err}
	})
	return ch
}

func lockReq(key string) *core.LockRequest {
	return &core.LockRequest{
		RequestID:   uuid.New(),
		Descriptors: []core.LockDescriptor{{Key: key}},
	}
}

func (s *testGatewaySuite) TestLockOutcomes(c *C) {
	svc := &stubService{}
	g := New(svc, qos.NewLimiters(unlimited, unlimited))

	token := core.LockToken{RequestID: uuid.New()}
	svc.lockResult = async.New[core.LockToken]()
	ch := s.lock(g, lockReq("a"))
	// The response waits for the grant.
	select {
	case <-ch:
		c.Fatal("responded before the grant")
	case <-time.After(20 * time.Millisecond):
	}
	svc.lockResult.Complete(token)
	out := <-ch
	c.Assert(out.err, IsNil)
	c.Assert(out.resp.WasSuccessful(), IsTrue)
	c.Assert(*out.resp.Token, Equals, token)

	svc.lockResult = async.Expired[core.LockToken]()
	out = <-s.lock(g, lockReq("a"))
	c.Assert(out.err, IsNil)
	c.Assert(out.resp.WasSuccessful(), IsFalse)
	c.Assert(out.resp.TimedOut, IsTrue)

	boom := errors.New("boom")
	svc.lockResult = async.FailedWith[core.LockToken](boom)
	out = <-s.lock(g, lockReq("a"))
	c.Assert(out.resp, IsNil)
	c.Assert(out.err, Equals, boom)

	// Exactly one response per request.
	c.Assert(len(ch), Equals, 0)
}

func (s *testGatewaySuite) TestWaitOutcomes(c *C) {
	svc := &stubService{}
	g := New(svc, qos.NewLimiters(unlimited, unlimited))
	req := &core.WaitForLocksRequest{RequestID: uuid.New(), Descriptors: []core.LockDescriptor{{Key: "w"}}}

	for _, t := range []struct {
		result   *async.Result[struct{}]
		ok       bool
		timedOut bool
		failed   bool
	}{
		{async.Completed(struct{}{}), true, false, false},
		{async.Expired[struct{}](), false, true, false},
		{async.FailedWith[struct{}](&core.NotLeaderError{}), false, false, true},
	} {
		svc.waitResult = t.result
		var resp *core.WaitForLocksResponse
		var err error
		g.WaitForLocks(context.Background(), req, func(r *core.WaitForLocksResponse, e error) {
			resp, err = r, e
		})
		if t.failed {
			c.Assert(core.IsNotLeader(err), IsTrue)
			continue
		}
		c.Assert(err, IsNil)
		c.Assert(resp.WasSuccessful, Equals, t.ok)
		c.Assert(resp.TimedOut, Equals, t.timedOut)
	}
}

func (s *testGatewaySuite) TestThrottled(c *C) {
	svc := &stubService{}
	g := New(svc, qos.NewLimiters(unlimited, budget(100, 0)))

	out := <-s.lock(g, lockReq(strings.Repeat("k", 200)))
	c.Assert(out.resp, IsNil)
	c.Assert(core.Classify(out.err), Equals, core.RetryAfterBackoff)
	c.Assert(atomic.LoadInt64(&svc.calls), Equals, int64(0))

	// Small requests still fit and the read class is independent.
	_, err := g.GetFreshTimestamp(context.Background())
	c.Assert(err, IsNil)
	now, err := g.CurrentTimeMillis(context.Background())
	c.Assert(err, IsNil)
	c.Assert(now, Equals, int64(1234))
}

func (s *testGatewaySuite) TestClassesAreIndependent(c *C) {
	svc := &stubService{}
	g := New(svc, qos.NewLimiters(budget(1000, 0), budget(16, 0)))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := g.GetFreshTimestamps(ctx, 5)
		c.Assert(err, IsNil)
	}
	_, err := g.GetFreshTimestamps(ctx, 5)
	_, ok := errors.Cause(err).(*core.ThrottledError)
	c.Assert(ok, IsTrue)

	for i := 0; i < 10; i++ {
		_, err = g.GetImmutableTimestamp(ctx)
		c.Assert(err, IsNil)
	}
}

func (s *testGatewaySuite) TestAdmissionSleeps(c *C) {
	svc := &stubService{}
	g := New(svc, qos.NewLimiters(unlimited, budget(80, time.Second)))
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 20; i++ {
		_, err := g.GetFreshTimestamp(ctx)
		c.Assert(err, IsNil)
	}
	// The first ten fit in the bucket, the next ten wait for refill.
	c.Assert(time.Since(start) >= 80*time.Millisecond, IsTrue)
	c.Assert(atomic.LoadInt64(&svc.calls), Equals, int64(20))
}

func (s *testGatewaySuite) TestAdmissionHonorsContext(c *C) {
	svc := &stubService{}
	g := New(svc, qos.NewLimiters(unlimited, budget(8, 10*time.Second)))
	_, err := g.GetFreshTimestamp(context.Background())
	c.Assert(err, IsNil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Unlock(ctx, []core.LockToken{{RequestID: uuid.New()}})
	c.Assert(errors.Cause(err), Equals, context.DeadlineExceeded)
	c.Assert(atomic.LoadInt64(&svc.calls), Equals, int64(1))
}
