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

// Package timelock implements the coordination service: fresh timestamps and
// leased locks, served by the leader of the replica group.
package timelock

import (
	"context"
	"time"

	"github.com/pingcap-incubator/timelock/server/async"
	"github.com/pingcap-incubator/timelock/server/core"
	"github.com/pingcap-incubator/timelock/server/lock"
	"github.com/pingcap-incubator/timelock/server/tso"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Service is the set of operations clients call.
type Service interface {
	CurrentTimeMillis(ctx context.Context) (int64, error)
	GetFreshTimestamp(ctx context.Context) (int64, error)
	GetFreshTimestamps(ctx context.Context, count int64) (core.TimestampRange, error)
	LockImmutableTimestamp(ctx context.Context, req *core.LockImmutableTimestampRequest) (*core.LockImmutableTimestampResponse, error)
	GetImmutableTimestamp(ctx context.Context) (int64, error)
	Lock(ctx context.Context, req *core.LockRequest) *async.Result[core.LockToken]
	WaitForLocks(ctx context.Context, req *core.WaitForLocksRequest) *async.Result[struct{}]
	RefreshLockLeases(ctx context.Context, tokens []core.LockToken) ([]core.LockToken, error)
	Unlock(ctx context.Context, tokens []core.LockToken) ([]core.LockToken, error)
	// Leadership returns the term served, if this replica leads.
	Leadership() (core.LeadershipToken, bool)
}

// leaderService serves one leadership term. Every call first checks that
// the term still holds.
type leaderService struct {
	token      core.LeadershipToken
	leadership tso.Leadership
	tso        *tso.TimestampOracle
	locks      *lock.Manager
}

func newLeaderService(token core.LeadershipToken, electedBound int64, leadership tso.Leadership, lockOptions func() lock.Options, boundStep func() int64) *leaderService {
	return &leaderService{
		token:      token,
		leadership: leadership,
		tso:        tso.NewTimestampOracle(token, electedBound, leadership, boundStep),
		locks:      lock.NewManager(token, lockOptions),
	}
}

func (s *leaderService) check(ctx context.Context) error {
	if err := core.CheckLeadership(ctx, s.token); err != nil {
		return err
	}
	return s.leadership.CheckLeading(s.token)
}

func (s *leaderService) CurrentTimeMillis(ctx context.Context) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	return time.Now().UnixNano() / int64(time.Millisecond), nil
}

func (s *leaderService) GetFreshTimestamp(ctx context.Context) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	return s.tso.GetFreshTimestamp(ctx)
}

func (s *leaderService) GetFreshTimestamps(ctx context.Context, count int64) (core.TimestampRange, error) {
	if err := s.check(ctx); err != nil {
		return core.TimestampRange{}, err
	}
	return s.tso.GetFreshTimestamps(ctx, count)
}

func (s *leaderService) LockImmutableTimestamp(ctx context.Context, req *core.LockImmutableTimestampRequest) (*core.LockImmutableTimestampResponse, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	ts, err := s.tso.GetFreshTimestamp(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := s.locks.LockImmutableTimestamp(ts)
	if err != nil {
		return nil, err
	}
	log.Debug("immutable timestamp locked",
		zap.Stringer("request-id", req.RequestID),
		zap.Int64("timestamp", ts),
		zap.Int64("immutable-timestamp", resp.ImmutableTimestamp))
	return resp, nil
}

func (s *leaderService) GetImmutableTimestamp(ctx context.Context) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	if ts, ok := s.locks.ImmutableTimestamp(); ok {
		return ts, nil
	}
	return s.tso.GetFreshTimestamp(ctx)
}

func (s *leaderService) Lock(ctx context.Context, req *core.LockRequest) *async.Result[core.LockToken] {
	if err := s.check(ctx); err != nil {
		return async.FailedWith[core.LockToken](err)
	}
	return s.locks.Lock(req)
}

func (s *leaderService) WaitForLocks(ctx context.Context, req *core.WaitForLocksRequest) *async.Result[struct{}] {
	if err := s.check(ctx); err != nil {
		return async.FailedWith[struct{}](err)
	}
	return s.locks.WaitForLocks(req)
}

func (s *leaderService) RefreshLockLeases(ctx context.Context, tokens []core.LockToken) ([]core.LockToken, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := core.ValidateLockTokens(tokens); err != nil {
		return nil, err
	}
	return s.locks.Refresh(tokens), nil
}

func (s *leaderService) Unlock(ctx context.Context, tokens []core.LockToken) ([]core.LockToken, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := core.ValidateLockTokens(tokens); err != nil {
		return nil, err
	}
	return s.locks.Unlock(tokens), nil
}

func (s *leaderService) Leadership() (core.LeadershipToken, bool) {
	return s.token, true
}

// close fails what is still pending and drops every lock of the term.
func (s *leaderService) close() {
	s.locks.Close(&core.NotLeaderError{})
}

// notLeaderService answers every call with a NotLeaderError.
type notLeaderService struct {
	err *core.NotLeaderError
}

func newNotLeaderService(hint string) *notLeaderService {
	return &notLeaderService{err: &core.NotLeaderError{LeaderHint: hint}}
}

func (s *notLeaderService) CurrentTimeMillis(ctx context.Context) (int64, error) {
	return 0, s.err
}

func (s *notLeaderService) GetFreshTimestamp(ctx context.Context) (int64, error) {
	return 0, s.err
}

func (s *notLeaderService) GetFreshTimestamps(ctx context.Context, count int64) (core.TimestampRange, error) {
	return core.TimestampRange{}, s.err
}

func (s *notLeaderService) LockImmutableTimestamp(ctx context.Context, req *core.LockImmutableTimestampRequest) (*core.LockImmutableTimestampResponse, error) {
	return nil, s.err
}

func (s *notLeaderService) GetImmutableTimestamp(ctx context.Context) (int64, error) {
	return 0, s.err
}

func (s *notLeaderService) Lock(ctx context.Context, req *core.LockRequest) *async.Result[core.LockToken] {
	return async.FailedWith[core.LockToken](s.err)
}

func (s *notLeaderService) WaitForLocks(ctx context.Context, req *core.WaitForLocksRequest) *async.Result[struct{}] {
	return async.FailedWith[struct{}](s.err)
}

func (s *notLeaderService) RefreshLockLeases(ctx context.Context, tokens []core.LockToken) ([]core.LockToken, error) {
	return nil, s.err
}

func (s *notLeaderService) Unlock(ctx context.Context, tokens []core.LockToken) ([]core.LockToken, error) {
	return nil, s.err
}

func (s *notLeaderService) Leadership() (core.LeadershipToken, bool) {
	return core.LeadershipToken{}, false
}
