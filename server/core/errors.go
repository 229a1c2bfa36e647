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

// Error types and codes shared by every layer of the coordination service.

package core

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pingcap/errcode"
	"github.com/pkg/errors"
)

var (
	// NotLeaderCode is returned by a replica that does not hold leadership.
	NotLeaderCode = errcode.StateCode.Child("state.notleader").SetHTTP(http.StatusServiceUnavailable)
	// ThrottledCode is returned when admission would exceed the max backoff.
	ThrottledCode = errcode.StateCode.Child("state.throttled").SetHTTP(http.StatusTooManyRequests)
	// StaleTokenCode is returned for tokens of an older leadership term.
	StaleTokenCode = errcode.StateCode.Child("state.stale").SetHTTP(http.StatusConflict)
)

var _ errcode.ErrorCode = (*NotLeaderError)(nil)  // assert implements interface
var _ errcode.ErrorCode = (*ThrottledError)(nil)  // assert implements interface
var _ errcode.ErrorCode = (*StaleTokenError)(nil) // assert implements interface

// NotLeaderError means the serving replica is not the leader. LeaderHint is
// the client URL of the last leader this replica heard from, if any.
type NotLeaderError struct {
	LeaderHint string `json:"leader_hint,omitempty"`
}

func (e *NotLeaderError) Error() string {
	if e.LeaderHint == "" {
		return "not leader"
	}
	return fmt.Sprintf("not leader, current leader is %s", e.LeaderHint)
}

// Code returns NotLeaderCode.
func (e *NotLeaderError) Code() errcode.Code { return NotLeaderCode }

// ThrottledError means the request would have to wait longer than the max
// backoff sleep to be admitted.
type ThrottledError struct {
	Class      string        `json:"class"`
	RetryAfter time.Duration `json:"retry_after"`
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("%s traffic throttled, retry after %s", e.Class, e.RetryAfter)
}

// Code returns ThrottledCode.
func (e *ThrottledError) Code() errcode.Code { return ThrottledCode }

// StaleTokenError means a request carried a leadership token older than the
// one currently recognized.
type StaleTokenError struct {
	Got     LeadershipToken `json:"got"`
	Current LeadershipToken `json:"current"`
}

func (e *StaleTokenError) Error() string {
	return fmt.Sprintf("stale leadership token %s, current is %s", e.Got, e.Current)
}

// Code returns StaleTokenCode.
func (e *StaleTokenError) Code() errcode.Code { return StaleTokenCode }

// Retry tells a client how to react to an error.
type Retry int

// Retry classes.
const (
	// NoRetry is for errors that will not go away by retrying.
	NoRetry Retry = iota
	// RetryElsewhere means retry immediately against another replica.
	RetryElsewhere
	// RetryAfterBackoff means retry the same replica after backing off.
	RetryAfterBackoff
	// RetryLater means retry without any backoff, as after a timeout.
	RetryLater
)

func (r Retry) String() string {
	switch r {
	case RetryElsewhere:
		return "retry-elsewhere"
	case RetryAfterBackoff:
		return "retry-after-backoff"
	case RetryLater:
		return "retry-later"
	}
	return "no-retry"
}

// Classify maps an error to its retry class.
func Classify(err error) Retry {
	cause := errors.Cause(err)
	if cause == context.DeadlineExceeded {
		return RetryLater
	}
	switch cause.(type) {
	case nil:
		return NoRetry
	case *NotLeaderError, *StaleTokenError:
		return RetryElsewhere
	case *ThrottledError:
		return RetryAfterBackoff
	}
	return NoRetry
}

// IsNotLeader reports whether err is caused by a NotLeaderError.
func IsNotLeader(err error) bool {
	_, ok := errors.Cause(err).(*NotLeaderError)
	return ok
}
