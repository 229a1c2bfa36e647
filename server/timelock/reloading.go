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
	"time"

	"github.com/pingcap-incubator/timelock/pkg/logutil"
	"github.com/pingcap-incubator/timelock/server/async"
	"github.com/pingcap-incubator/timelock/server/core"
	"github.com/pingcap-incubator/timelock/server/delegate"
	"github.com/pingcap-incubator/timelock/server/election"
	"github.com/pingcap-incubator/timelock/server/lock"
	"github.com/pingcap-incubator/timelock/server/tso"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Builder creates the Service matching a leadership snapshot.
type Builder struct {
	leadership  tso.Leadership
	lockOptions func() lock.Options
	boundStep   func() int64
}

// NewBuilder creates a Builder. All options are read again on every use.
func NewBuilder(leadership tso.Leadership, lockOptions func() lock.Options, boundStep func() int64) *Builder {
	return &Builder{leadership: leadership, lockOptions: lockOptions, boundStep: boundStep}
}

// Build returns a leader service for a Leading snapshot and a not-leader
// service otherwise.
func (b *Builder) Build(s election.Snapshot) (Service, error) {
	if s.State != election.Leading {
		serviceCounter.WithLabelValues("not-leader").Inc()
		return newNotLeaderService(s.LeaderHint), nil
	}
	bound := s.ElectedBound
	if tb, ok := b.leadership.(termBounds); ok {
		if stored, ok := tb.StoredBound(s.Token); ok && stored > bound {
			bound = stored
		}
	}
	serviceCounter.WithLabelValues("leader").Inc()
	log.Info("start serving leadership term",
		zap.Stringer("token", s.Token),
		zap.Int64("elected-bound", s.ElectedBound),
		zap.Int64("start-bound", bound))
	return newLeaderService(s.Token, bound, b.leadership, b.lockOptions, b.boundStep), nil
}

// termBounds is implemented by leaderships that remember the bounds stored
// within a term. A service rebuilt for a term it already served starts above
// every timestamp that term could have issued.
type termBounds interface {
	StoredBound(token core.LeadershipToken) (int64, bool)
}

// Retire releases what a replaced Service still holds.
func Retire(s Service) {
	if l, ok := s.(*leaderService); ok {
		log.Info("stop serving leadership term", zap.Stringer("token", l.token))
		l.close()
	}
}

// Reloading is a Service that always forwards to the service matching the
// latest leadership snapshot.
type Reloading struct {
	services *delegate.Recreating[election.Snapshot, Service]
}

var _ Service = (*Reloading)(nil)

// NewReloading creates a Reloading fed by snapshots.
func NewReloading(snapshots func() election.Snapshot, b *Builder) (*Reloading, error) {
	source := delegate.NewDeltaSource(func() (election.Snapshot, bool) {
		return snapshots(), true
	})
	services, err := delegate.New[election.Snapshot, Service]("timelock-service", source, b.Build, Retire)
	if err != nil {
		return nil, err
	}
	return &Reloading{services: services}, nil
}

// Current returns the service for the latest snapshot.
func (r *Reloading) Current() Service {
	return r.services.Get()
}

// Run refreshes the service every interval so a lost term is retired even
// without traffic.
func (r *Reloading) Run(ctx context.Context, interval func() time.Duration) {
	defer logutil.LogPanic()

	timer := time.NewTimer(interval())
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			r.services.Get()
			timer.Reset(interval())
		case <-ctx.Done():
			return
		}
	}
}

// Close retires the active service.
func (r *Reloading) Close() {
	s, _ := r.services.Current()
	Retire(s)
}

// CurrentTimeMillis implements Service.
func (r *Reloading) CurrentTimeMillis(ctx context.Context) (int64, error) {
	return r.Current().CurrentTimeMillis(ctx)
}

// GetFreshTimestamp implements Service.
func (r *Reloading) GetFreshTimestamp(ctx context.Context) (int64, error) {
	return r.Current().GetFreshTimestamp(ctx)
}

// GetFreshTimestamps implements Service.
func (r *Reloading) GetFreshTimestamps(ctx context.Context, count int64) (core.TimestampRange, error) {
	return r.Current().GetFreshTimestamps(ctx, count)
}

// LockImmutableTimestamp implements Service.
func (r *Reloading) LockImmutableTimestamp(ctx context.Context, req *core.LockImmutableTimestampRequest) (*core.LockImmutableTimestampResponse, error) {
	return r.Current().LockImmutableTimestamp(ctx, req)
}

// GetImmutableTimestamp implements Service.
func (r *Reloading) GetImmutableTimestamp(ctx context.Context) (int64, error) {
	return r.Current().GetImmutableTimestamp(ctx)
}

// Lock implements Service.
func (r *Reloading) Lock(ctx context.Context, req *core.LockRequest) *async.Result[core.LockToken] {
	return r.Current().Lock(ctx, req)
}

// WaitForLocks implements Service.
func (r *Reloading) WaitForLocks(ctx context.Context, req *core.WaitForLocksRequest) *async.Result[struct{}] {
	return r.Current().WaitForLocks(ctx, req)
}

// RefreshLockLeases implements Service.
func (r *Reloading) RefreshLockLeases(ctx context.Context, tokens []core.LockToken) ([]core.LockToken, error) {
	return r.Current().RefreshLockLeases(ctx, tokens)
}

// Unlock implements Service.
func (r *Reloading) Unlock(ctx context.Context, tokens []core.LockToken) ([]core.LockToken, error) {
	return r.Current().Unlock(ctx, tokens)
}

// Leadership implements Service.
func (r *Reloading) Leadership() (core.LeadershipToken, bool) {
	return r.Current().Leadership()
}
