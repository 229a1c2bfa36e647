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

// Package async provides a single-assignment result for operations that
// complete on another goroutine.
package async

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Status is the state of a Result.
type Status int

// Result states. A Result moves from Pending to exactly one terminal state.
const (
	Pending Status = iota
	Succeeded
	Failed
	TimedOut
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed-out"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

type state[T any] struct {
	status    Status
	value     T
	err       error
	callbacks []func()
}

// Result is a value that becomes available later. The first of Complete,
// Fail or Expire wins; later calls are no-ops. The zero value is not usable,
// use New.
type Result[T any] struct {
	state atomic.Pointer[state[T]]
}

// New creates a pending result.
func New[T any]() *Result[T] {
	r := &Result[T]{}
	r.state.Store(&state[T]{status: Pending})
	return r
}

// Completed returns a result that already succeeded with v.
func Completed[T any](v T) *Result[T] {
	r := &Result[T]{}
	r.state.Store(&state[T]{status: Succeeded, value: v})
	return r
}

// FailedWith returns a result that already failed with err.
func FailedWith[T any](err error) *Result[T] {
	r := &Result[T]{}
	r.state.Store(&state[T]{status: Failed, err: err})
	return r
}

// Expired returns a result that already timed out.
func Expired[T any]() *Result[T] {
	r := &Result[T]{}
	r.state.Store(&state[T]{status: TimedOut})
	return r
}

// Complete moves the result to Succeeded. It returns false if the result was
// already terminal.
func (r *Result[T]) Complete(v T) bool {
	return r.transition(&state[T]{status: Succeeded, value: v})
}

// Fail moves the result to Failed.
func (r *Result[T]) Fail(err error) bool {
	if err == nil {
		err = errors.New("async: failed with nil error")
	}
	return r.transition(&state[T]{status: Failed, err: err})
}

// Expire moves the result to TimedOut.
func (r *Result[T]) Expire() bool {
	return r.transition(&state[T]{status: TimedOut})
}

func (r *Result[T]) transition(next *state[T]) bool {
	for {
		cur := r.state.Load()
		if cur.status != Pending {
			return false
		}
		if r.state.CompareAndSwap(cur, next) {
			for _, cb := range cur.callbacks {
				cb()
			}
			return true
		}
	}
}

// OnComplete registers cb to run once the result is terminal. If it already
// is, cb runs synchronously on the calling goroutine; otherwise it runs on the
// goroutine that completes the result.
func (r *Result[T]) OnComplete(cb func()) {
	for {
		cur := r.state.Load()
		if cur.status != Pending {
			cb()
			return
		}
		callbacks := make([]func(), len(cur.callbacks), len(cur.callbacks)+1)
		copy(callbacks, cur.callbacks)
		next := &state[T]{status: Pending, callbacks: append(callbacks, cb)}
		if r.state.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Status returns the current state.
func (r *Result[T]) Status() Status {
	return r.state.Load().status
}

// IsDone reports whether the result is terminal.
func (r *Result[T]) IsDone() bool {
	return r.Status() != Pending
}

// IsCompletedSuccessfully reports whether the result succeeded.
func (r *Result[T]) IsCompletedSuccessfully() bool {
	return r.Status() == Succeeded
}

// IsFailed reports whether the result failed.
func (r *Result[T]) IsFailed() bool {
	return r.Status() == Failed
}

// IsTimedOut reports whether the result timed out.
func (r *Result[T]) IsTimedOut() bool {
	return r.Status() == TimedOut
}

// Get returns the value of a succeeded result. It panics in any other state.
func (r *Result[T]) Get() T {
	s := r.state.Load()
	if s.status != Succeeded {
		panic(fmt.Sprintf("async: Get on %s result", s.status))
	}
	return s.value
}

// Err returns the failure of a failed result, nil otherwise.
func (r *Result[T]) Err() error {
	return r.state.Load().err
}

// Await parks the calling goroutine until r is terminal or ctx is done.
func Await[T any](ctx context.Context, r *Result[T]) (Status, error) {
	done := make(chan struct{})
	r.OnComplete(func() { close(done) })
	select {
	case <-done:
		return r.Status(), r.Err()
	case <-ctx.Done():
		return Pending, ctx.Err()
	}
}
