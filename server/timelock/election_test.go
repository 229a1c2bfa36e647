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

package timelock

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap-incubator/timelock/server/election"
	"github.com/pingcap-incubator/timelock/server/kv"
	"github.com/pingcap-incubator/timelock/server/lock"
	. "github.com/pingcap/check"
)

var _ = Suite(&testElectedServiceSuite{})

type testElectedServiceSuite struct{}

// slowPings delays every ping so a round outlasts the ping rate.
type slowPings struct {
	election.Transport
	delay time.Duration
}

func (t *slowPings) Ping(ctx context.Context, to election.Peer, req *election.PingRequest) (*election.PingResponse, error) {
	timer := time.NewTimer(t.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return t.Transport.Ping(ctx, to, req)
}

func (s *testElectedServiceSuite) TestSlowPingsNeverRepeatTimestamps(c *C) {
	timing := election.Timing{
		PingRate:               20 * time.Millisecond,
		RandomProposalDelay:    30 * time.Millisecond,
		LeaderPingResponseWait: 100 * time.Millisecond,
	}
	net := election.NewLocalNetwork()
	var peers []election.Peer
	for i := 1; i <= 3; i++ {
		peers = append(peers, election.Peer{ID: uint64(i), Name: "r", URL: "local"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	var services []*Reloading
	for _, p := range peers {
		acceptor, err := election.NewAcceptor(p.ID, kv.NewMemoryKV(), func() election.Timing { return timing })
		c.Assert(err, IsNil)
		net.Register(p.ID, acceptor)
		transport := &slowPings{Transport: net.Transport(p.ID), delay: 80 * time.Millisecond}
		m := election.NewMember(p, peers, acceptor, func() election.Transport { return transport }, func() election.Timing { return timing })
		b := NewBuilder(m, func() lock.Options {
			return lock.Options{Lease: time.Minute, MaxAcquireTimeout: time.Minute}
		}, func() int64 { return 10 })
		r, err := NewReloading(m.Snapshot, b)
		c.Assert(err, IsNil)
		defer r.Close()
		services = append(services, r)
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Run(ctx)
		}()
	}

	issued := make(map[int64]bool)
	dups := 0
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, r := range services {
			ts, err := r.GetFreshTimestamp(context.Background())
			if err != nil {
				continue
			}
			if issued[ts] {
				dups++
			}
			issued[ts] = true
		}
		time.Sleep(time.Millisecond)
	}
	c.Logf("issued=%d duplicates=%d", len(issued), dups)
	c.Assert(dups, Equals, 0)
	c.Assert(len(issued) > 0, IsTrue)
}
