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

// Package gateway puts admission control in front of the timelock service.
package gateway

import (
	"context"
	"time"

	"github.com/pingcap-incubator/timelock/server/async"
	"github.com/pingcap-incubator/timelock/server/core"
	"github.com/pingcap-incubator/timelock/server/qos"
	"github.com/pingcap-incubator/timelock/server/timelock"
)

// LockResponder receives the outcome of a lock request.
type LockResponder func(resp *core.LockResponse, err error)

// WaitResponder receives the outcome of a wait-for-locks request.
type WaitResponder func(resp *core.WaitForLocksResponse, err error)

// Gateway admits every request through the limiter of its class before
// handing it to the service. Admission pauses happen on the calling
// goroutine without holding any lock.
type Gateway struct {
	service  timelock.Service
	limiters *qos.Limiters
}

// New creates a gateway.
func New(service timelock.Service, limiters *qos.Limiters) *Gateway {
	return &Gateway{service: service, limiters: limiters}
}

// Service returns the service behind the gateway.
func (g *Gateway) Service() timelock.Service {
	return g.service
}

func (g *Gateway) admit(ctx context.Context, op string, class qos.Class, bytes int64) error {
	wait, err := g.limiters.For(class).Acquire(bytes)
	if err != nil {
		requestCounter.WithLabelValues(op, "throttled").Inc()
		return err
	}
	return qos.Sleep(ctx, wait)
}

func observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	requestCounter.WithLabelValues(op, result).Inc()
	requestHistogram.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// GetFreshTimestamp returns one fresh timestamp.
func (g *Gateway) GetFreshTimestamp(ctx context.Context) (int64, error) {
	if err := g.admit(ctx, "fresh-timestamp", qos.Write, timestampRequestBytes); err != nil {
		return 0, err
	}
	start := time.Now()
	ts, err := g.service.GetFreshTimestamp(ctx)
	observe("fresh-timestamp", start, err)
	return ts, err
}

// GetFreshTimestamps returns a range of fresh timestamps.
func (g *Gateway) GetFreshTimestamps(ctx context.Context, count int64) (core.TimestampRange, error) {
	if err := g.admit(ctx, "fresh-timestamps", qos.Write, timestampRequestBytes); err != nil {
		return core.TimestampRange{}, err
	}
	start := time.Now()
	r, err := g.service.GetFreshTimestamps(ctx, count)
	observe("fresh-timestamps", start, err)
	return r, err
}

// LockImmutableTimestamp locks a fresh immutable timestamp.
func (g *Gateway) LockImmutableTimestamp(ctx context.Context, req *core.LockImmutableTimestampRequest) (*core.LockImmutableTimestampResponse, error) {
	if err := g.admit(ctx, "lock-immutable-timestamp", qos.Write, requestIDBytes); err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := g.service.LockImmutableTimestamp(ctx, req)
	observe("lock-immutable-timestamp", start, err)
	return resp, err
}

// GetImmutableTimestamp returns the smallest locked immutable timestamp.
func (g *Gateway) GetImmutableTimestamp(ctx context.Context) (int64, error) {
	if err := g.admit(ctx, "immutable-timestamp", qos.Read, timestampRequestBytes); err != nil {
		return 0, err
	}
	start := time.Now()
	ts, err := g.service.GetImmutableTimestamp(ctx)
	observe("immutable-timestamp", start, err)
	return ts, err
}

// Lock submits req and returns right away. respond is called exactly once,
// possibly on another goroutine: with the token once granted, with TimedOut
// set if the acquire timeout passed, or with the error.
func (g *Gateway) Lock(ctx context.Context, req *core.LockRequest, respond LockResponder) {
	if err := g.admit(ctx, "lock", qos.Write, lockRequestBytes(req.Descriptors, req.ClientDescription)); err != nil {
		respond(nil, err)
		return
	}
	start := time.Now()
	r := g.service.Lock(ctx, req)
	r.OnComplete(func() {
		switch r.Status() {
		case async.Succeeded:
			observe("lock", start, nil)
			token := r.Get()
			respond(&core.LockResponse{Token: &token}, nil)
		case async.TimedOut:
			observe("lock", start, nil)
			respond(&core.LockResponse{TimedOut: true}, nil)
		default:
			observe("lock", start, r.Err())
			respond(nil, r.Err())
		}
	})
}

// WaitForLocks is like Lock but nothing stays locked.
func (g *Gateway) WaitForLocks(ctx context.Context, req *core.WaitForLocksRequest, respond WaitResponder) {
	if err := g.admit(ctx, "await-locks", qos.Write, lockRequestBytes(req.Descriptors, "")); err != nil {
		respond(nil, err)
		return
	}
	start := time.Now()
	r := g.service.WaitForLocks(ctx, req)
	r.OnComplete(func() {
		switch r.Status() {
		case async.Succeeded:
			observe("await-locks", start, nil)
			respond(&core.WaitForLocksResponse{WasSuccessful: true}, nil)
		case async.TimedOut:
			observe("await-locks", start, nil)
			respond(&core.WaitForLocksResponse{TimedOut: true}, nil)
		default:
			observe("await-locks", start, r.Err())
			respond(nil, r.Err())
		}
	})
}

// RefreshLockLeases returns the tokens still held after extending them.
func (g *Gateway) RefreshLockLeases(ctx context.Context, tokens []core.LockToken) ([]core.LockToken, error) {
	if err := g.admit(ctx, "refresh-locks", qos.Read, tokensBytes(tokens)); err != nil {
		return nil, err
	}
	start := time.Now()
	refreshed, err := g.service.RefreshLockLeases(ctx, tokens)
	observe("refresh-locks", start, err)
	return refreshed, err
}

// Unlock returns the tokens that were actually unlocked.
func (g *Gateway) Unlock(ctx context.Context, tokens []core.LockToken) ([]core.LockToken, error) {
	if err := g.admit(ctx, "unlock", qos.Write, tokensBytes(tokens)); err != nil {
		return nil, err
	}
	start := time.Now()
	unlocked, err := g.service.Unlock(ctx, tokens)
	observe("unlock", start, err)
	return unlocked, err
}

// CurrentTimeMillis returns the leader's wall clock.
func (g *Gateway) CurrentTimeMillis(ctx context.Context) (int64, error) {
	if err := g.admit(ctx, "current-time-millis", qos.Read, timestampRequestBytes); err != nil {
		return 0, err
	}
	start := time.Now()
	now, err := g.service.CurrentTimeMillis(ctx)
	observe("current-time-millis", start, err)
	return now, err
}
