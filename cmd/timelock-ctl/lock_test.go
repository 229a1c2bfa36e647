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

package main

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/timelock/server/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseToken(t *testing.T) {
	token := core.LockToken{RequestID: uuid.New(), Leadership: core.LeadershipToken{Epoch: 12, ReplicaID: 3}}
	parsed, err := parseToken(token.String())
	require.NoError(t, err)
	assert.Equal(t, token, parsed)

	for _, s := range []string{"", "abc", "not-a-uuid@1.1", uuid.New().String() + "@1", uuid.New().String()} {
		_, err := parseToken(s)
		assert.Error(t, err, s)
	}
}

func TestBenchPercentile(t *testing.T) {
	r := &benchResult{}
	assert.Zero(t, r.percentile(0.99))
	for i := 1; i <= 100; i++ {
		r.record(0, nil, false)
	}
	r.record(0, assert.AnError, false)
	r.record(0, nil, true)
	assert.Len(t, r.latencies, 100)
	assert.Equal(t, 1, r.errors)
	assert.Equal(t, 1, r.timedOut)
}
