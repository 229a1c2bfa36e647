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

import "context"

type leadershipKey struct{}

// LeadershipHeader is the HTTP header carrying a leadership token.
const LeadershipHeader = "Timelock-Leadership"

// WithLeadership returns a context asserting the leadership term the caller
// expects to talk to.
func WithLeadership(ctx context.Context, token LeadershipToken) context.Context {
	return context.WithValue(ctx, leadershipKey{}, token)
}

// LeadershipFromContext returns the leadership term asserted by the caller.
func LeadershipFromContext(ctx context.Context) (LeadershipToken, bool) {
	token, ok := ctx.Value(leadershipKey{}).(LeadershipToken)
	return token, ok
}

// CheckLeadership validates the term asserted in ctx against current. A
// caller asserting an older term gets a StaleTokenError, one asserting a
// newer term is talking to a deposed leader.
func CheckLeadership(ctx context.Context, current LeadershipToken) error {
	asserted, ok := LeadershipFromContext(ctx)
	if !ok || asserted.IsZero() {
		return nil
	}
	switch asserted.Compare(current) {
	case -1:
		return &StaleTokenError{Got: asserted, Current: current}
	case 1:
		return &NotLeaderError{}
	}
	return nil
}
