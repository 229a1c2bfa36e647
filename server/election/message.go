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
	"time"

	"github.com/pingcap-incubator/timelock/server/core"
)

// Ballot orders proposals. The ballot of an elected leader is its
// leadership token.
type Ballot = core.LeadershipToken

// Peer is one replica of the cluster.
type Peer struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Timing holds the election timings. They are read again on every round.
type Timing struct {
	PingRate               time.Duration
	RandomProposalDelay    time.Duration
	LeaderPingResponseWait time.Duration
}

// leaseWindow is how long a leader stays alive after a replica last heard
// from it: one ping period plus the response allowance.
func (t Timing) leaseWindow() time.Duration {
	return t.PingRate + t.LeaderPingResponseWait
}

// PrepareRequest is phase one of a leadership proposal.
type PrepareRequest struct {
	From   uint64 `json:"from"`
	Ballot Ballot `json:"ballot"`
}

// PrepareResponse is a promise, or a refusal carrying the reason.
type PrepareResponse struct {
	OK       bool   `json:"ok"`
	Promised Ballot `json:"promised"`
	Accepted Ballot `json:"accepted"`
	Bound    int64  `json:"bound"`
	// LeaderAlive is set when the refusal is due to a live leader, which is
	// then reported in Leader.
	LeaderAlive bool   `json:"leader_alive,omitempty"`
	Leader      Ballot `json:"leader,omitempty"`
}

// AcceptRequest is phase two of a proposal, and later the way a leader
// records a new timestamp bound.
type AcceptRequest struct {
	From   uint64 `json:"from"`
	Ballot Ballot `json:"ballot"`
	Bound  int64  `json:"bound"`
	// Lease is the lease window the proposer counts on for this round.
	Lease time.Duration `json:"lease,omitempty"`
}

// AcceptResponse acknowledges or refuses an AcceptRequest.
type AcceptResponse struct {
	OK       bool   `json:"ok"`
	Promised Ballot `json:"promised"`
}

// PingRequest is the periodic leader heartbeat.
type PingRequest struct {
	From   uint64 `json:"from"`
	Ballot Ballot `json:"ballot"`
	// Lease is the lease window the leader counts on for this round.
	Lease time.Duration `json:"lease,omitempty"`
}

// PingResponse acknowledges or refuses a ping.
type PingResponse struct {
	OK       bool   `json:"ok"`
	Promised Ballot `json:"promised"`
}
