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

package core

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pingcap/errcode"
	"github.com/pkg/errors"
)

// MaxTimestampsPerRequest bounds the size of one fresh timestamp range.
const MaxTimestampsPerRequest = 10000

// LeadershipToken identifies one leadership term. Tokens are totally ordered
// by epoch, then by replica id.
type LeadershipToken struct {
	Epoch     uint64 `json:"epoch"`
	ReplicaID uint64 `json:"replica_id"`
}

// Compare returns -1, 0 or 1.
func (t LeadershipToken) Compare(o LeadershipToken) int {
	switch {
	case t.Epoch < o.Epoch:
		return -1
	case t.Epoch > o.Epoch:
		return 1
	case t.ReplicaID < o.ReplicaID:
		return -1
	case t.ReplicaID > o.ReplicaID:
		return 1
	}
	return 0
}

// Less reports whether t orders before o.
func (t LeadershipToken) Less(o LeadershipToken) bool {
	return t.Compare(o) < 0
}

// IsZero reports whether the token was never assigned.
func (t LeadershipToken) IsZero() bool {
	return t.Epoch == 0 && t.ReplicaID == 0
}

func (t LeadershipToken) String() string {
	return fmt.Sprintf("%d.%d", t.Epoch, t.ReplicaID)
}

// ParseLeadershipToken parses the "<epoch>.<replica>" form produced by String.
func ParseLeadershipToken(s string) (LeadershipToken, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 2 {
		return LeadershipToken{}, errors.Errorf("invalid leadership token %q", s)
	}
	epoch, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return LeadershipToken{}, errors.WithStack(err)
	}
	replica, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return LeadershipToken{}, errors.WithStack(err)
	}
	return LeadershipToken{Epoch: epoch, ReplicaID: replica}, nil
}

// TimestampRange is an inclusive range of fresh timestamps.
type TimestampRange struct {
	Lower int64 `json:"lower"`
	Upper int64 `json:"upper"`
}

// Size returns the number of timestamps in the range.
func (r TimestampRange) Size() int64 {
	return r.Upper - r.Lower + 1
}

// Contains reports whether ts falls in the range.
func (r TimestampRange) Contains(ts int64) bool {
	return ts >= r.Lower && ts <= r.Upper
}

// LockMode is the sharing mode of a lock descriptor.
type LockMode int

// Lock modes.
const (
	LockExclusive LockMode = iota
	LockShared
)

func (m LockMode) String() string {
	if m == LockShared {
		return "shared"
	}
	return "exclusive"
}

// MarshalText implements encoding.TextMarshaler.
func (m LockMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *LockMode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "exclusive", "write":
		*m = LockExclusive
	case "shared", "read":
		*m = LockShared
	default:
		return errors.Errorf("unknown lock mode %q", text)
	}
	return nil
}

// LockDescriptor names one lock.
type LockDescriptor struct {
	Key  string   `json:"key"`
	Mode LockMode `json:"mode"`
}

// LockToken proves ownership of the locks granted for one request. It is
// only valid for the leadership term that granted it.
type LockToken struct {
	RequestID  uuid.UUID       `json:"request_id"`
	Leadership LeadershipToken `json:"leadership"`
}

func (t LockToken) String() string {
	return t.RequestID.String() + "@" + t.Leadership.String()
}

// LockRequest asks for a set of locks.
type LockRequest struct {
	RequestID         uuid.UUID        `json:"request_id"`
	Descriptors       []LockDescriptor `json:"descriptors"`
	AcquireTimeoutMs  int64            `json:"acquire_timeout_ms"`
	ClientDescription string           `json:"client_description,omitempty"`
}

// Validate checks the request shape.
func (r *LockRequest) Validate() error {
	return validateDescriptors(r.RequestID, r.Descriptors, r.AcquireTimeoutMs)
}

// LockResponse carries the granted token, or nil if the acquire timed out.
type LockResponse struct {
	Token    *LockToken `json:"token"`
	TimedOut bool       `json:"timed_out,omitempty"`
}

// WasSuccessful reports whether the locks were granted.
func (r *LockResponse) WasSuccessful() bool {
	return r.Token != nil
}

// WaitForLocksRequest waits until the locks are free without keeping them.
type WaitForLocksRequest struct {
	RequestID        uuid.UUID        `json:"request_id"`
	Descriptors      []LockDescriptor `json:"descriptors"`
	AcquireTimeoutMs int64            `json:"acquire_timeout_ms"`
}

// Validate checks the request shape.
func (r *WaitForLocksRequest) Validate() error {
	return validateDescriptors(r.RequestID, r.Descriptors, r.AcquireTimeoutMs)
}

// WaitForLocksResponse reports whether every lock became free in time.
type WaitForLocksResponse struct {
	WasSuccessful bool `json:"was_successful"`
	TimedOut      bool `json:"timed_out,omitempty"`
}

// LockImmutableTimestampRequest takes an immutable timestamp lock.
type LockImmutableTimestampRequest struct {
	RequestID uuid.UUID `json:"request_id"`
}

// LockImmutableTimestampResponse carries the minimum locked immutable
// timestamp and the lock guarding it.
type LockImmutableTimestampResponse struct {
	ImmutableTimestamp int64     `json:"immutable_timestamp"`
	Lock               LockToken `json:"lock"`
}

func validateDescriptors(id uuid.UUID, descriptors []LockDescriptor, timeoutMs int64) error {
	if id == uuid.Nil {
		return errcode.NewInvalidInputErr(errors.New("missing request id"))
	}
	if len(descriptors) == 0 {
		return errcode.NewInvalidInputErr(errors.New("no lock descriptors"))
	}
	if timeoutMs < 0 {
		return errcode.NewInvalidInputErr(errors.Errorf("negative acquire timeout %d", timeoutMs))
	}
	for _, d := range descriptors {
		if d.Key == "" {
			return errcode.NewInvalidInputErr(errors.New("empty lock key"))
		}
	}
	return nil
}

// NormalizeDescriptors sorts descriptors by key and merges duplicates. A key
// requested in both modes is kept exclusive.
func NormalizeDescriptors(descriptors []LockDescriptor) []LockDescriptor {
	modes := make(map[string]LockMode, len(descriptors))
	for _, d := range descriptors {
		if m, ok := modes[d.Key]; !ok || m == LockShared {
			modes[d.Key] = d.Mode
		}
	}
	out := make([]LockDescriptor, 0, len(modes))
	for k, m := range modes {
		out = append(out, LockDescriptor{Key: k, Mode: m})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ValidateLockTokens rejects tokens that cannot belong to any request.
func ValidateLockTokens(tokens []LockToken) error {
	for _, t := range tokens {
		if t.RequestID == uuid.Nil {
			return errcode.NewInvalidInputErr(errors.New("lock token without request id"))
		}
	}
	return nil
}
