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
	"encoding/json"
	"sync"
	"time"

	"github.com/pingcap-incubator/timelock/server/kv"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const acceptorStateKey = "/timelock/election/acceptor"

// acceptorState is the durable marker of an acceptor.
type acceptorState struct {
	Promised Ballot `json:"promised"`
	Accepted Ballot `json:"accepted"`
	Bound    int64  `json:"bound"`
}

// Handler answers election messages.
type Handler interface {
	HandlePrepare(req *PrepareRequest) (*PrepareResponse, error)
	HandleAccept(req *AcceptRequest) (*AcceptResponse, error)
	HandlePing(req *PingRequest) (*PingResponse, error)
}

// Acceptor is the voting half of a replica. Every change of its durable
// state is saved before the reply is sent.
//
// Besides the ballot rules, an acceptor refuses prepares from any replica
// other than the leader it last heard from until the lease window has passed
// since that contact. The window is the longer of the local one and the one
// the leader sent, so a leader never outlives the refusals it relies on when
// timings are reloaded unevenly. After a restart it assumes the replica it
// last promised just contacted it.
type Acceptor struct {
	id      uint64
	storage kv.Base
	timing  func() Timing

	mu          sync.Mutex
	state       acceptorState
	leader      Ballot
	lastContact time.Time
	// lease is the window carried by the last contact.
	lease time.Duration
}

var _ Handler = (*Acceptor)(nil)

// NewAcceptor loads the acceptor state from storage.
func NewAcceptor(id uint64, storage kv.Base, timing func() Timing) (*Acceptor, error) {
	a := &Acceptor{id: id, storage: storage, timing: timing}
	value, err := storage.Load(acceptorStateKey)
	if err != nil {
		return nil, err
	}
	if value != "" {
		if err := json.Unmarshal([]byte(value), &a.state); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	if !a.state.Promised.IsZero() {
		a.leader = a.state.Promised
		a.lastContact = time.Now()
	}
	log.Info("acceptor loaded",
		zap.Uint64("replica-id", id),
		zap.Stringer("promised", a.state.Promised),
		zap.Stringer("accepted", a.state.Accepted),
		zap.Int64("bound", a.state.Bound))
	return a, nil
}

// HandlePrepare implements Handler.
func (a *Acceptor) HandlePrepare(req *PrepareRequest) (*PrepareResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	resp := &PrepareResponse{Promised: a.state.Promised, Accepted: a.state.Accepted, Bound: a.state.Bound}
	if !a.state.Promised.Less(req.Ballot) {
		return resp, nil
	}
	if a.leaderAliveLocked() && a.leader.ReplicaID != req.Ballot.ReplicaID {
		resp.LeaderAlive = true
		resp.Leader = a.leader
		return resp, nil
	}
	next := a.state
	next.Promised = req.Ballot
	if err := a.saveLocked(next); err != nil {
		return nil, err
	}
	resp.OK = true
	resp.Promised = req.Ballot
	return resp, nil
}

// HandleAccept implements Handler.
func (a *Acceptor) HandleAccept(req *AcceptRequest) (*AcceptResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Ballot.Less(a.state.Promised) {
		return &AcceptResponse{Promised: a.state.Promised}, nil
	}
	next := acceptorState{Promised: req.Ballot, Accepted: req.Ballot, Bound: req.Bound}
	if next.Bound < a.state.Bound {
		next.Bound = a.state.Bound
	}
	if err := a.saveLocked(next); err != nil {
		return nil, err
	}
	a.contactLocked(req.Ballot, req.Lease)
	return &AcceptResponse{OK: true, Promised: req.Ballot}, nil
}

// HandlePing implements Handler.
func (a *Acceptor) HandlePing(req *PingRequest) (*PingResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Ballot.Less(a.state.Promised) {
		return &PingResponse{Promised: a.state.Promised}, nil
	}
	if a.state.Promised.Less(req.Ballot) {
		next := a.state
		next.Promised = req.Ballot
		if err := a.saveLocked(next); err != nil {
			return nil, err
		}
	}
	a.contactLocked(req.Ballot, req.Lease)
	return &PingResponse{OK: true, Promised: req.Ballot}, nil
}

// Promised returns the highest ballot promised so far.
func (a *Acceptor) Promised() Ballot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Promised
}

// Bound returns the accepted timestamp bound.
func (a *Acceptor) Bound() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Bound
}

// LiveLeader returns the leader this acceptor heard from within the lease
// window.
func (a *Acceptor) LiveLeader() (Ballot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.leaderAliveLocked() {
		return Ballot{}, false
	}
	return a.leader, true
}

// observeLeader records a live leader reported by other acceptors. It only
// makes this acceptor refuse more prepares, never fewer.
func (a *Acceptor) observeLeader(b Ballot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.leaderAliveLocked() && !a.leader.Less(b) {
		return
	}
	a.contactLocked(b, 0)
}

func (a *Acceptor) leaderAliveLocked() bool {
	if a.lastContact.IsZero() {
		return false
	}
	window := a.timing().leaseWindow()
	if a.lease > window {
		window = a.lease
	}
	return time.Since(a.lastContact) < window
}

func (a *Acceptor) contactLocked(b Ballot, lease time.Duration) {
	if a.leader != b {
		log.Info("acceptor follows new leader", zap.Uint64("replica-id", a.id), zap.Stringer("leader", b))
	}
	a.leader = b
	a.lastContact = time.Now()
	a.lease = lease
}

func (a *Acceptor) saveLocked(next acceptorState) error {
	if next == a.state {
		return nil
	}
	data, err := json.Marshal(next)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := a.storage.Save(acceptorStateKey, string(data)); err != nil {
		return err
	}
	a.state = next
	return nil
}
