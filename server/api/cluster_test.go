// Copyright 2017 PingCAP, Inc.
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

package api

import (
	"bytes"
	"encoding/json"
	"net/http"

	. "github.com/pingcap/check"
	"github.com/pingcap-incubator/timelock/pkg/apiutil"
	"github.com/pingcap-incubator/timelock/pkg/testutil"
	"github.com/pingcap-incubator/timelock/server"
	"github.com/pingcap-incubator/timelock/server/core"
)

var _ = Suite(&testClusterSuite{})

type testClusterSuite struct{}

func followers(svrs []*server.Server, leader *server.Server) []*server.Server {
	var out []*server.Server
	for _, s := range svrs {
		if s != leader && !s.IsClosed() {
			out = append(out, s)
		}
	}
	return out
}

func (s *testClusterSuite) TestFollowerRedirects(c *C) {
	_, svrs, cleanup := mustNewCluster(c, 3)
	defer cleanup()
	leader := mustWaitLeader(c, svrs)

	for _, f := range followers(svrs, leader) {
		testutil.WaitUntil(c, func(c *C) bool {
			resp, data := post(c, timelockURL(f, "/fresh-timestamp"), nil, nil)
			if resp.StatusCode != http.StatusServiceUnavailable {
				return false
			}
			errBody := apiutil.ReadErrorBody(bytes.NewReader(data))
			var notLeader core.NotLeaderError
			if err := json.Unmarshal(errBody.Data, &notLeader); err != nil {
				return false
			}
			return notLeader.LeaderHint == leader.GetAddr()
		})

		info := LeaderInfo{}
		mustGet(c, adminURL(f, "/leader"), &info)
		c.Assert(info.Leader, NotNil)
		c.Assert(info.Leader.Name, Equals, leader.Name())
		c.Assert(info.Token, IsNil)
	}
}

func (s *testClusterSuite) TestTimestampsAcrossLeaders(c *C) {
	_, svrs, cleanup := mustNewCluster(c, 3)
	defer cleanup()

	var last int64
	for term := 0; term < 2; term++ {
		leader := mustWaitLeader(c, svrs)

		var rng core.TimestampRange
		mustPost(c, timelockURL(leader, "/fresh-timestamps"), 100, &rng)
		c.Assert(rng.Lower, Greater, last)
		var ts int64
		mustPost(c, timelockURL(leader, "/fresh-timestamp"), nil, &ts)
		c.Assert(ts, Greater, rng.Upper)
		last = ts

		leader.Close()
	}
}

func (s *testClusterSuite) TestLocksDoNotSurviveLeaderChange(c *C) {
	_, svrs, cleanup := mustNewCluster(c, 3)
	defer cleanup()

	leader := mustWaitLeader(c, svrs)
	held := &core.LockResponse{}
	mustPost(c, timelockURL(leader, "/lock"), lockRequest(0, "moved"), held)
	c.Assert(held.WasSuccessful(), IsTrue)
	leader.Close()

	next := mustWaitLeader(c, svrs)
	c.Assert(next, Not(Equals), leader)

	var refreshed []core.LockToken
	mustPost(c, timelockURL(next, "/refresh-locks"), []core.LockToken{*held.Token}, &refreshed)
	c.Assert(refreshed, HasLen, 0)

	// The key is free on the new leader.
	again := &core.LockResponse{}
	mustPost(c, timelockURL(next, "/lock"), lockRequest(0, "moved"), again)
	c.Assert(again.WasSuccessful(), IsTrue)
	c.Assert(held.Token.Leadership.Less(again.Token.Leadership), IsTrue)
}
