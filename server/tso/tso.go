// Copyright 2016 PingCAP, Inc.
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

package tso

import (
	"context"
	"sync"

	"github.com/pingcap-incubator/timelock/server/core"
	"github.com/pingcap/errcode"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Leadership is the part of the election the oracle depends on.
type Leadership interface {
	// CheckLeading returns nil if the replica still leads in term token.
	CheckLeading(token core.LeadershipToken) error
	// StoreBound durably records bound on a quorum of replicas.
	StoreBound(ctx context.Context, token core.LeadershipToken, bound int64) error
}

// TimestampOracle hands out strictly increasing timestamps for one
// leadership term.
//
// Every issued timestamp is at most the upper bound stored on a quorum, and
// the next leader starts above the highest bound stored by any earlier term,
// so timestamps never repeat across leaders.
type TimestampOracle struct {
	token      core.LeadershipToken
	leadership Leadership
	step       func() int64

	// current is the last issued timestamp.
	current atomic.Int64
	// upper is the highest timestamp covered by a stored bound.
	upper atomic.Int64
	// mu serializes bound extensions.
	mu sync.Mutex
}

// NewTimestampOracle creates the oracle of term token. electedBound is the
// highest bound known to the quorum that elected the term.
func NewTimestampOracle(token core.LeadershipToken, electedBound int64, leadership Leadership, step func() int64) *TimestampOracle {
	t := &TimestampOracle{
		token:      token,
		leadership: leadership,
		step:       step,
	}
	t.current.Store(electedBound)
	t.upper.Store(electedBound)
	tsoGauge.WithLabelValues("upper").Set(float64(electedBound))
	return t
}

// GetFreshTimestamp returns one fresh timestamp.
func (t *TimestampOracle) GetFreshTimestamp(ctx context.Context) (int64, error) {
	r, err := t.GetFreshTimestamps(ctx, 1)
	if err != nil {
		return 0, err
	}
	return r.Lower, nil
}

// GetFreshTimestamps returns a range of count fresh timestamps. Counts above
// core.MaxTimestampsPerRequest are cut down to it.
func (t *TimestampOracle) GetFreshTimestamps(ctx context.Context, count int64) (core.TimestampRange, error) {
	if count <= 0 {
		return core.TimestampRange{}, errcode.NewInvalidInputErr(errors.Errorf("timestamp count should be positive, got %d", count))
	}
	if count > core.MaxTimestampsPerRequest {
		count = core.MaxTimestampsPerRequest
	}
	for {
		cur := t.current.Load()
		next := cur + count
		if next > t.upper.Load() {
			if err := t.extend(ctx, next); err != nil {
				return core.TimestampRange{}, err
			}
			continue
		}
		if !t.current.CompareAndSwap(cur, next) {
			continue
		}
		// The term must still hold after the range was taken, otherwise a
		// newer leader may already have issued larger timestamps.
		if err := t.leadership.CheckLeading(t.token); err != nil {
			tsoCounter.WithLabelValues("not-leader").Inc()
			return core.TimestampRange{}, err
		}
		tsoCounter.WithLabelValues("alloc").Add(float64(count))
		return core.TimestampRange{Lower: cur + 1, Upper: next}, nil
	}
}

// Upper returns the stored upper bound.
func (t *TimestampOracle) Upper() int64 {
	return t.upper.Load()
}

func (t *TimestampOracle) extend(ctx context.Context, need int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.upper.Load() >= need {
		return nil
	}
	step := t.step()
	if step < core.MaxTimestampsPerRequest {
		step = core.MaxTimestampsPerRequest
	}
	bound := need + step
	if err := t.leadership.StoreBound(ctx, t.token, bound); err != nil {
		tsoCounter.WithLabelValues("save-failed").Inc()
		log.Warn("failed to store timestamp bound", zap.Stringer("token", t.token), zap.Int64("bound", bound), zap.Error(err))
		return err
	}
	t.upper.Store(bound)
	tsoCounter.WithLabelValues("save").Inc()
	tsoGauge.WithLabelValues("upper").Set(float64(bound))
	log.Debug("timestamp bound stored", zap.Stringer("token", t.token), zap.Int64("bound", bound))
	return nil
}
