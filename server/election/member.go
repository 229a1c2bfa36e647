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
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pingcap-incubator/timelock/pkg/logutil"
	"github.com/pingcap-incubator/timelock/server/core"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// State is the role of a replica.
type State int32

// Replica roles.
const (
	Following State = iota
	Proposing
	Leading
)

func (s State) String() string {
	switch s {
	case Following:
		return "following"
	case Proposing:
		return "proposing"
	case Leading:
		return "leading"
	}
	return "unknown"
}

// Snapshot is the leadership view of a replica at one instant. It is
// comparable; two snapshots differ exactly when something a server built on
// top of the election must react to has changed.
type Snapshot struct {
	State State
	// Token is the leadership term while Leading, zero otherwise.
	Token Ballot
	// ElectedBound is the timestamp bound learned when the term started.
	ElectedBound int64
	// LeaderHint is the URL of the live leader, if known.
	LeaderHint string
}

// Member drives one replica through Following, Proposing and Leading.
//
// At most one replica is Leading at any instant as long as clocks advance at
// the same rate: a leader only counts as leading until one lease window past
// the start of its last quorum-acknowledged ping round, and every acceptor
// that acknowledged that round refuses other proposers for a lease window
// after acknowledging. A term whose lease ran out is over; late acks never
// bring it back.
type Member struct {
	self      Peer
	peers     []Peer
	acceptor  *Acceptor
	transport func() Transport
	timing    func() Timing

	// mu guards the leadership fields so Snapshot sees them together.
	mu           sync.RWMutex
	state        State
	token        Ballot
	electedBound int64
	// storedBound is the highest bound stored in the current term.
	storedBound int64

	// leaseDeadline is kept on the monotonic clock, relative to base.
	base          time.Time
	leaseDeadline atomic.Int64
	highestEpoch  atomic.Uint64

	// boundMu serializes StoreBound rounds.
	boundMu sync.Mutex

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewMember creates a member. peers lists every replica including self.
// transport is consulted on every round so it may be swapped at runtime.
func NewMember(self Peer, peers []Peer, acceptor *Acceptor, transport func() Transport, timing func() Timing) *Member {
	return &Member{
		self:      self,
		peers:     peers,
		acceptor:  acceptor,
		transport: transport,
		timing:    timing,
		base:      time.Now(),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano() + int64(self.ID))),
	}
}

// ID returns the replica id.
func (m *Member) ID() uint64 {
	return m.self.ID
}

// Self returns this replica.
func (m *Member) Self() Peer {
	return m.self
}

// Peers returns every replica of the cluster.
func (m *Member) Peers() []Peer {
	return m.peers
}

// Acceptor returns the local acceptor, which also serves peer requests.
func (m *Member) Acceptor() *Acceptor {
	return m.acceptor
}

func (m *Member) quorum() int {
	return len(m.peers)/2 + 1
}

// IsLeader reports whether the replica leads right now.
func (m *Member) IsLeader() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leadingLocked()
}

func (m *Member) leadingLocked() bool {
	return m.state == Leading && m.mono(time.Now()) < m.leaseDeadline.Load()
}

func (m *Member) mono(t time.Time) int64 {
	return int64(t.Sub(m.base))
}

// State returns the current role. A leader whose lease ran out reports
// Following even before its loop noticed.
func (m *Member) State() State {
	return m.Snapshot().State
}

// Snapshot returns the current leadership view.
func (m *Member) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.leadingLocked() {
		return Snapshot{State: Leading, Token: m.token, ElectedBound: m.electedBound}
	}
	state := m.state
	if state == Leading {
		state = Following
	}
	return Snapshot{State: state, LeaderHint: m.leaderHint()}
}

// Leader returns the replica currently known to lead.
func (m *Member) Leader() (Peer, bool) {
	if m.IsLeader() {
		return m.self, true
	}
	b, ok := m.acceptor.LiveLeader()
	if !ok {
		return Peer{}, false
	}
	for _, p := range m.peers {
		if p.ID == b.ReplicaID {
			return p, true
		}
	}
	return Peer{}, false
}

func (m *Member) leaderHint() string {
	b, ok := m.acceptor.LiveLeader()
	if !ok || b.ReplicaID == m.self.ID {
		return ""
	}
	for _, p := range m.peers {
		if p.ID == b.ReplicaID {
			return p.URL
		}
	}
	return ""
}

// CheckLeading returns nil if the replica leads in term token.
func (m *Member) CheckLeading(token Ballot) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.leadingLocked() && m.token == token {
		return nil
	}
	return &core.NotLeaderError{LeaderHint: m.leaderHint()}
}

// StoredBound returns the highest timestamp bound stored in term token, or
// false if the replica no longer holds that term.
func (m *Member) StoredBound(token Ballot) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != Leading || m.token != token {
		return 0, false
	}
	return m.storedBound, true
}

// Run drives the state machine until ctx is done.
func (m *Member) Run(ctx context.Context) {
	defer logutil.LogPanic()

	log.Info("start election loop", zap.Uint64("replica-id", m.self.ID), zap.String("name", m.self.Name))
	for ctx.Err() == nil {
		m.mu.RLock()
		state := m.state
		m.mu.RUnlock()
		switch state {
		case Following:
			m.follow(ctx)
		case Proposing:
			m.propose(ctx)
		case Leading:
			m.lead(ctx)
		}
	}
	m.stepDown("election loop stopped")
	log.Info("election loop is stopped", zap.Uint64("replica-id", m.self.ID))
}

func (m *Member) follow(ctx context.Context) {
	t := m.timing()
	if _, ok := m.acceptor.LiveLeader(); ok {
		sleep(ctx, t.PingRate)
		return
	}
	sleep(ctx, m.randomDelay(t.RandomProposalDelay))
	if ctx.Err() != nil {
		return
	}
	if _, ok := m.acceptor.LiveLeader(); ok {
		return
	}
	m.setState(Proposing)
}

func (m *Member) randomDelay(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	m.randMu.Lock()
	defer m.randMu.Unlock()
	return time.Duration(m.rand.Int63n(int64(max)))
}

func (m *Member) propose(ctx context.Context) {
	t := m.timing()
	epoch := m.acceptor.Promised().Epoch
	if seen := m.highestEpoch.Load(); seen > epoch {
		epoch = seen
	}
	ballot := Ballot{Epoch: epoch + 1, ReplicaID: m.self.ID}
	m.observeEpoch(ballot.Epoch)

	promises, bound, leader := m.prepareRound(ctx, t.LeaderPingResponseWait, ballot)
	if promises < m.quorum() {
		electionCounter.WithLabelValues("prepare-rejected").Inc()
		log.Debug("proposal rejected", zap.Stringer("ballot", ballot), zap.Int("promises", promises))
		if leader != nil {
			m.acceptor.observeLeader(*leader)
		}
		m.setState(Following)
		return
	}

	start := time.Now()
	acks, _ := m.acceptRound(ctx, t, ballot, bound)
	if acks < m.quorum() {
		electionCounter.WithLabelValues("accept-rejected").Inc()
		m.setState(Following)
		return
	}
	m.becomeLeader(ballot, bound, start.Add(t.leaseWindow()))
}

func (m *Member) lead(ctx context.Context) {
	t := m.timing()
	m.mu.RLock()
	ballot := m.token
	m.mu.RUnlock()

	start := time.Now()
	acks, preempted := m.pingRound(ctx, t, ballot)
	pingHistogram.Observe(time.Since(start).Seconds())
	if ctx.Err() != nil {
		return
	}
	if acks < m.quorum() {
		reason := "lost contact with quorum"
		if preempted {
			reason = "preempted by a higher ballot"
		}
		m.stepDownTerm(ballot, reason)
		return
	}
	expired := false
	m.mu.Lock()
	if m.state == Leading && m.token == ballot {
		if m.mono(time.Now()) >= m.leaseDeadline.Load() {
			expired = true
		} else {
			m.leaseDeadline.Store(m.mono(start.Add(t.leaseWindow())))
		}
	}
	m.mu.Unlock()
	if expired {
		m.stepDownTerm(ballot, "lease expired before quorum answered")
		return
	}
	sleep(ctx, time.Until(start.Add(t.PingRate)))
}

// StoreBound durably records bound on a quorum of acceptors in term token.
// A leader that cannot do so steps down. Refusals from a minority do not
// matter: the acceptors that acknowledged keep refusing other proposers.
func (m *Member) StoreBound(ctx context.Context, token Ballot, bound int64) error {
	m.boundMu.Lock()
	defer m.boundMu.Unlock()

	if err := m.CheckLeading(token); err != nil {
		return err
	}
	acks, _ := m.acceptRound(ctx, m.timing(), token, bound)
	if acks < m.quorum() {
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}
		m.stepDownTerm(token, "failed to store timestamp bound")
		return &core.NotLeaderError{LeaderHint: m.leaderHint()}
	}
	m.mu.Lock()
	if m.state == Leading && m.token == token && bound > m.storedBound {
		m.storedBound = bound
	}
	m.mu.Unlock()
	return nil
}

func (m *Member) becomeLeader(ballot Ballot, bound int64, deadline time.Time) {
	m.mu.Lock()
	m.state = Leading
	m.token = ballot
	m.electedBound = bound
	m.storedBound = bound
	m.leaseDeadline.Store(m.mono(deadline))
	m.mu.Unlock()

	leaderGauge.Set(1)
	electionCounter.WithLabelValues("elected").Inc()
	log.Info("replica becomes leader",
		zap.Uint64("replica-id", m.self.ID),
		zap.String("name", m.self.Name),
		zap.Stringer("token", ballot),
		zap.Int64("bound", bound))
}

func (m *Member) stepDown(reason string) {
	m.mu.Lock()
	wasLeading := m.state == Leading
	m.state = Following
	m.token = Ballot{}
	m.electedBound = 0
	m.storedBound = 0
	m.leaseDeadline.Store(0)
	m.mu.Unlock()

	if wasLeading {
		leaderGauge.Set(0)
		stepDownCounter.WithLabelValues(reason).Inc()
		log.Warn("leader step down", zap.Uint64("replica-id", m.self.ID), zap.String("reason", reason))
	}
}

// stepDownTerm steps down only if the replica still leads in token.
func (m *Member) stepDownTerm(token Ballot, reason string) {
	m.mu.RLock()
	same := m.state == Leading && m.token == token
	m.mu.RUnlock()
	if same {
		m.stepDown(reason)
	}
}

func (m *Member) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *Member) observeEpoch(epoch uint64) {
	for {
		cur := m.highestEpoch.Load()
		if epoch <= cur || m.highestEpoch.CompareAndSwap(cur, epoch) {
			return
		}
	}
}

type vote struct {
	ok          bool
	promised    Ballot
	bound       int64
	leaderAlive bool
	leader      Ballot
}

// gather runs call against every replica and returns once a quorum said yes,
// every replica answered, or timeout passed. Calls still in flight keep
// running until the timeout so slow replicas still get the message.
func (m *Member) gather(ctx context.Context, timeout time.Duration, call func(ctx context.Context, p Peer) (vote, error)) []vote {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	ch := make(chan vote, len(m.peers))
	var wg sync.WaitGroup
	for _, p := range m.peers {
		wg.Add(1)
		go func(p Peer) {
			defer wg.Done()
			v, err := call(cctx, p)
			if err != nil {
				log.Debug("election message failed", zap.Uint64("from", m.self.ID), zap.Uint64("to", p.ID), zap.Error(err))
			}
			ch <- v
		}(p)
	}
	go func() {
		wg.Wait()
		cancel()
	}()

	votes := make([]vote, 0, len(m.peers))
	oks := 0
	for len(votes) < len(m.peers) {
		select {
		case v := <-ch:
			votes = append(votes, v)
			if v.ok {
				oks++
			}
			m.observeEpoch(v.promised.Epoch)
			if oks >= m.quorum() {
				return votes
			}
		case <-cctx.Done():
			return votes
		}
	}
	return votes
}

// prepareRound returns the number of promises, the highest bound among
// them, and the live leader reported by refusing replicas, if any.
func (m *Member) prepareRound(ctx context.Context, timeout time.Duration, ballot Ballot) (int, int64, *Ballot) {
	req := &PrepareRequest{From: m.self.ID, Ballot: ballot}
	votes := m.gather(ctx, timeout, func(ctx context.Context, p Peer) (vote, error) {
		var resp *PrepareResponse
		var err error
		if p.ID == m.self.ID {
			resp, err = m.acceptor.HandlePrepare(req)
		} else {
			resp, err = m.transport().Prepare(ctx, p, req)
		}
		if err != nil {
			return vote{}, err
		}
		return vote{ok: resp.OK, promised: resp.Promised, bound: resp.Bound, leaderAlive: resp.LeaderAlive, leader: resp.Leader}, nil
	})
	oks, bound := 0, int64(0)
	var leader *Ballot
	for _, v := range votes {
		if !v.ok {
			if v.leaderAlive && (leader == nil || leader.Less(v.leader)) {
				l := v.leader
				leader = &l
			}
			continue
		}
		oks++
		if v.bound > bound {
			bound = v.bound
		}
	}
	return oks, bound, leader
}

func (m *Member) acceptRound(ctx context.Context, t Timing, ballot Ballot, bound int64) (int, bool) {
	req := &AcceptRequest{From: m.self.ID, Ballot: ballot, Bound: bound, Lease: t.leaseWindow()}
	votes := m.gather(ctx, t.LeaderPingResponseWait, func(ctx context.Context, p Peer) (vote, error) {
		var resp *AcceptResponse
		var err error
		if p.ID == m.self.ID {
			resp, err = m.acceptor.HandleAccept(req)
		} else {
			resp, err = m.transport().Accept(ctx, p, req)
		}
		if err != nil {
			return vote{}, err
		}
		return vote{ok: resp.OK, promised: resp.Promised}, nil
	})
	return countVotes(votes, ballot)
}

func (m *Member) pingRound(ctx context.Context, t Timing, ballot Ballot) (int, bool) {
	req := &PingRequest{From: m.self.ID, Ballot: ballot, Lease: t.leaseWindow()}
	votes := m.gather(ctx, t.LeaderPingResponseWait, func(ctx context.Context, p Peer) (vote, error) {
		var resp *PingResponse
		var err error
		if p.ID == m.self.ID {
			resp, err = m.acceptor.HandlePing(req)
		} else {
			resp, err = m.transport().Ping(ctx, p, req)
		}
		if err != nil {
			return vote{}, err
		}
		return vote{ok: resp.OK, promised: resp.Promised}, nil
	})
	return countVotes(votes, ballot)
}

// countVotes returns the number of acks and whether any refusal came from a
// replica that promised a ballot higher than ballot.
func countVotes(votes []vote, ballot Ballot) (int, bool) {
	oks, preempted := 0, false
	for _, v := range votes {
		if v.ok {
			oks++
		} else if ballot.Less(v.promised) {
			preempted = true
		}
	}
	return oks, preempted
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
