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

package election

import (
	"sync"
	"time"

	"github.com/pingcap-incubator/timelock/server/kv"
	. "github.com/pingcap/check"
)

var _ = Suite(&testAcceptorSuite{})

type testAcceptorSuite struct{}

func fixedTiming(t Timing) func() Timing {
	return func() Timing { return t }
}

var testTiming = Timing{
	PingRate:               20 * time.Millisecond,
	RandomProposalDelay:    30 * time.Millisecond,
	LeaderPingResponseWait: 100 * time.Millisecond,
}

func (s *testAcceptorSuite) TestBallotRules(c *C) {
	a, err := NewAcceptor(1, kv.NewMemoryKV(), fixedTiming(testTiming))
	c.Assert(err, IsNil)

	b1 := Ballot{Epoch: 1, ReplicaID: 2}
	resp, err := a.HandlePrepare(&PrepareRequest{From: 2, Ballot: b1})
	c.Assert(err, IsNil)
	c.Assert(resp.OK, IsTrue)

	// An equal or lower ballot is refused.
	resp, err = a.HandlePrepare(&PrepareRequest{From: 2, Ballot: b1})
	c.Assert(err, IsNil)
	c.Assert(resp.OK, IsFalse)
	c.Assert(resp.Promised, Equals, b1)

	acc, err := a.HandleAccept(&AcceptRequest{From: 2, Ballot: b1, Bound: 50})
	c.Assert(err, IsNil)
	c.Assert(acc.OK, IsTrue)
	c.Assert(a.Bound(), Equals, int64(50))

	// A lower bound never lowers the accepted one.
	acc, err = a.HandleAccept(&AcceptRequest{From: 2, Ballot: b1, Bound: 10})
	c.Assert(err, IsNil)
	c.Assert(acc.OK, IsTrue)
	c.Assert(a.Bound(), Equals, int64(50))

	leader, ok := a.LiveLeader()
	c.Assert(ok, IsTrue)
	c.Assert(leader, Equals, b1)

	// The live leader may re-propose, others are refused.
	resp, err = a.HandlePrepare(&PrepareRequest{From: 3, Ballot: Ballot{Epoch: 2, ReplicaID: 3}})
	c.Assert(err, IsNil)
	c.Assert(resp.OK, IsFalse)
	c.Assert(resp.LeaderAlive, IsTrue)
	c.Assert(resp.Leader, Equals, b1)
	c.Assert(resp.Bound, Equals, int64(50))

	b2 := Ballot{Epoch: 2, ReplicaID: 2}
	resp, err = a.HandlePrepare(&PrepareRequest{From: 2, Ballot: b2})
	c.Assert(err, IsNil)
	c.Assert(resp.OK, IsTrue)
	c.Assert(resp.Accepted, Equals, b1)

	ping, err := a.HandlePing(&PingRequest{From: 2, Ballot: b1})
	c.Assert(err, IsNil)
	c.Assert(ping.OK, IsFalse)
	c.Assert(ping.Promised, Equals, b2)

	ping, err = a.HandlePing(&PingRequest{From: 2, Ballot: b2})
	c.Assert(err, IsNil)
	c.Assert(ping.OK, IsTrue)
}

func (s *testAcceptorSuite) TestLeaseExpires(c *C) {
	a, err := NewAcceptor(1, kv.NewMemoryKV(), fixedTiming(testTiming))
	c.Assert(err, IsNil)
	b1 := Ballot{Epoch: 1, ReplicaID: 2}
	_, err = a.HandlePing(&PingRequest{From: 2, Ballot: b1})
	c.Assert(err, IsNil)

	time.Sleep(testTiming.leaseWindow() + 20*time.Millisecond)
	_, ok := a.LiveLeader()
	c.Assert(ok, IsFalse)
	resp, err := a.HandlePrepare(&PrepareRequest{From: 3, Ballot: Ballot{Epoch: 2, ReplicaID: 3}})
	c.Assert(err, IsNil)
	c.Assert(resp.OK, IsTrue)
}

type timingCell struct {
	mu sync.Mutex
	t  Timing
}

func (tc *timingCell) get() Timing {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.t
}

func (tc *timingCell) set(t Timing) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.t = t
}

func (s *testAcceptorSuite) TestCarriedLeaseOutlivesLocalReload(c *C) {
	timing := &timingCell{t: testTiming}
	a, err := NewAcceptor(1, kv.NewMemoryKV(), timing.get)
	c.Assert(err, IsNil)
	leader := Ballot{Epoch: 1, ReplicaID: 2}
	_, err = a.HandleAccept(&AcceptRequest{From: 2, Ballot: leader, Bound: 10, Lease: 300 * time.Millisecond})
	c.Assert(err, IsNil)

	// The local window shrinks before the leader learns about it.
	timing.set(Timing{PingRate: 5 * time.Millisecond, LeaderPingResponseWait: 5 * time.Millisecond})
	time.Sleep(50 * time.Millisecond)
	resp, err := a.HandlePrepare(&PrepareRequest{From: 3, Ballot: Ballot{Epoch: 2, ReplicaID: 3}})
	c.Assert(err, IsNil)
	c.Assert(resp.OK, IsFalse)
	c.Assert(resp.LeaderAlive, IsTrue)

	// Pings carry the lease as well.
	_, err = a.HandlePing(&PingRequest{From: 2, Ballot: leader, Lease: 300 * time.Millisecond})
	c.Assert(err, IsNil)
	time.Sleep(100 * time.Millisecond)
	_, ok := a.LiveLeader()
	c.Assert(ok, IsTrue)

	time.Sleep(250 * time.Millisecond)
	resp, err = a.HandlePrepare(&PrepareRequest{From: 3, Ballot: Ballot{Epoch: 2, ReplicaID: 3}})
	c.Assert(err, IsNil)
	c.Assert(resp.OK, IsTrue)
}

func (s *testAcceptorSuite) TestLocalWindowWhenLeaseIsShorter(c *C) {
	a, err := NewAcceptor(1, kv.NewMemoryKV(), fixedTiming(testTiming))
	c.Assert(err, IsNil)
	_, err = a.HandlePing(&PingRequest{From: 2, Ballot: Ballot{Epoch: 1, ReplicaID: 2}, Lease: time.Millisecond})
	c.Assert(err, IsNil)
	time.Sleep(20 * time.Millisecond)
	_, ok := a.LiveLeader()
	c.Assert(ok, IsTrue)
}

func (s *testAcceptorSuite) TestRestartKeepsMarkerAndRefuses(c *C) {
	storage := kv.NewMemoryKV()
	a, err := NewAcceptor(1, storage, fixedTiming(testTiming))
	c.Assert(err, IsNil)
	_, ok := a.LiveLeader()
	c.Assert(ok, IsFalse)

	b1 := Ballot{Epoch: 4, ReplicaID: 2}
	resp, err := a.HandlePrepare(&PrepareRequest{From: 2, Ballot: b1})
	c.Assert(err, IsNil)
	c.Assert(resp.OK, IsTrue)
	_, err = a.HandleAccept(&AcceptRequest{From: 2, Ballot: b1, Bound: 1000})
	c.Assert(err, IsNil)

	restarted, err := NewAcceptor(1, storage, fixedTiming(testTiming))
	c.Assert(err, IsNil)
	c.Assert(restarted.Promised(), Equals, b1)
	c.Assert(restarted.Bound(), Equals, int64(1000))

	resp, err = restarted.HandlePrepare(&PrepareRequest{From: 3, Ballot: Ballot{Epoch: 5, ReplicaID: 3}})
	c.Assert(err, IsNil)
	c.Assert(resp.OK, IsFalse)
	c.Assert(resp.LeaderAlive, IsTrue)

	time.Sleep(testTiming.leaseWindow() + 20*time.Millisecond)
	resp, err = restarted.HandlePrepare(&PrepareRequest{From: 3, Ballot: Ballot{Epoch: 5, ReplicaID: 3}})
	c.Assert(err, IsNil)
	c.Assert(resp.OK, IsTrue)
	c.Assert(resp.Bound, Equals, int64(1000))
}

func (s *testAcceptorSuite) TestObserveLeaderOnlyTightens(c *C) {
	a, err := NewAcceptor(1, kv.NewMemoryKV(), fixedTiming(testTiming))
	c.Assert(err, IsNil)
	a.observeLeader(Ballot{Epoch: 3, ReplicaID: 2})
	leader, ok := a.LiveLeader()
	c.Assert(ok, IsTrue)
	c.Assert(leader, Equals, Ballot{Epoch: 3, ReplicaID: 2})

	a.observeLeader(Ballot{Epoch: 1, ReplicaID: 3})
	leader, _ = a.LiveLeader()
	c.Assert(leader, Equals, Ballot{Epoch: 3, ReplicaID: 2})
	c.Assert(a.Promised().IsZero(), IsTrue)
}
