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

package qos

import (
	"context"
	"sync"
	"time"

	"github.com/juju/ratelimit"
	"github.com/pingcap-incubator/timelock/server/core"
	"github.com/pkg/errors"
)

// Budget is the admission budget of one traffic class.
type Budget struct {
	// BytesPerSecond is the refill rate and the burst ceiling. A value <= 0
	// disables limiting.
	BytesPerSecond int64
	// MaxSleep caps the pause handed back by Acquire.
	MaxSleep time.Duration
}

// Limiter is a token bucket for one traffic class. The budget is read again
// on every Acquire, so capacity changes apply to the next request.
type Limiter struct {
	class  string
	budget func() Budget
	clock  ratelimit.Clock

	mu       sync.Mutex
	bucket   *ratelimit.Bucket
	capacity int64
}

// NewLimiter creates a limiter reading its budget from budget.
func NewLimiter(class string, budget func() Budget) *Limiter {
	return &Limiter{class: class, budget: budget}
}

// NewLimiterWithClock is like NewLimiter but uses clock to measure refill.
func NewLimiterWithClock(class string, budget func() Budget, clock ratelimit.Clock) *Limiter {
	return &Limiter{class: class, budget: budget, clock: clock}
}

// Class returns the traffic class name.
func (l *Limiter) Class() string {
	return l.class
}

// Acquire takes bytes from the bucket and returns how long the caller should
// pause before proceeding. It never blocks. When the pause would exceed the
// max sleep nothing is taken, the max sleep is returned together with a
// *core.ThrottledError.
func (l *Limiter) Acquire(bytes int64) (time.Duration, error) {
	b := l.budget()
	if b.BytesPerSecond <= 0 {
		return 0, nil
	}
	if bytes <= 0 {
		bytes = 1
	}
	bucket := l.bucketFor(b.BytesPerSecond)
	wait, ok := bucket.TakeMaxDuration(bytes, b.MaxSleep)
	if !ok {
		throttledCounter.WithLabelValues(l.class).Inc()
		return b.MaxSleep, errors.WithStack(&core.ThrottledError{Class: l.class, RetryAfter: b.MaxSleep})
	}
	if wait > 0 {
		sleepHistogram.WithLabelValues(l.class).Observe(wait.Seconds())
	}
	return wait, nil
}

// Available returns the current token balance, negative while in debt. It
// returns -1 when limiting is disabled and no bucket exists yet.
func (l *Limiter) Available() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bucket == nil {
		return -1
	}
	return l.bucket.Available()
}

// bucketFor returns the bucket for capacity, resizing it when the capacity
// changed. A resized bucket keeps the balance of the old one.
func (l *Limiter) bucketFor(capacity int64) *ratelimit.Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bucket != nil && l.capacity == capacity {
		return l.bucket
	}
	next := ratelimit.NewBucketWithRateAndClock(float64(capacity), capacity, l.clock)
	if l.bucket != nil {
		avail := l.bucket.Available()
		if avail > capacity {
			avail = capacity
		}
		if debt := capacity - avail; debt > 0 {
			next.Take(debt)
		}
	}
	l.bucket, l.capacity = next, capacity
	capacityGauge.WithLabelValues(l.class).Set(float64(capacity))
	return next
}

// Class selects a limiter.
type Class int

// Traffic classes.
const (
	Read Class = iota
	Write
)

func (c Class) String() string {
	if c == Write {
		return "write"
	}
	return "read"
}

// Limiters holds one independent limiter per traffic class.
type Limiters struct {
	read  *Limiter
	write *Limiter
}

// NewLimiters creates the read and write limiters.
func NewLimiters(read, write func() Budget) *Limiters {
	return &Limiters{
		read:  NewLimiter(Read.String(), read),
		write: NewLimiter(Write.String(), write),
	}
}

// For returns the limiter of class.
func (ls *Limiters) For(class Class) *Limiter {
	if class == Write {
		return ls.write
	}
	return ls.read
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}
