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
	"net/http"
	"time"

	. "github.com/pingcap/check"
	"github.com/pingcap-incubator/timelock/pkg/apiutil"
	"github.com/pingcap-incubator/timelock/server"
	"github.com/pingcap-incubator/timelock/server/core"
	"github.com/pingcap-incubator/timelock/server/election"
)

var _ = Suite(&testTimestampSuite{})

type testTimestampSuite struct {
	svr     *server.Server
	cleanup cleanUpFunc
}

func (s *testTimestampSuite) SetUpSuite(c *C) {
	s.svr, s.cleanup = mustNewServer(c)
}

func (s *testTimestampSuite) TearDownSuite(c *C) {
	s.cleanup()
}

func (s *testTimestampSuite) TestFreshTimestamps(c *C) {
	var t1, t2 int64
	mustPost(c, timelockURL(s.svr, "/fresh-timestamp"), nil, &t1)
	mustPost(c, timelockURL(s.svr, "/fresh-timestamp"), nil, &t2)
	c.Assert(t2, Greater, t1)

	var rng core.TimestampRange
	mustPost(c, timelockURL(s.svr, "/fresh-timestamps"), 10, &rng)
	c.Assert(rng.Size(), Equals, int64(10))
	c.Assert(rng.Lower, Greater, t2)

	var t3 int64
	mustPost(c, timelockURL(s.svr, "/fresh-timestamp"), nil, &t3)
	c.Assert(t3, Greater, rng.Upper)
}

func (s *testTimestampSuite) TestInvalidCount(c *C) {
	resp, _ := post(c, timelockURL(s.svr, "/fresh-timestamps"), 0, nil)
	c.Assert(resp.StatusCode, Equals, http.StatusBadRequest)

	resp, _ = post(c, timelockURL(s.svr, "/fresh-timestamps"), "ten", nil)
	c.Assert(resp.StatusCode, Equals, http.StatusBadRequest)
}

func (s *testTimestampSuite) TestCurrentTimeMillis(c *C) {
	before := time.Now().UnixNano() / int64(time.Millisecond)
	var ms int64
	mustPost(c, timelockURL(s.svr, "/current-time-millis"), nil, &ms)
	after := time.Now().UnixNano() / int64(time.Millisecond)
	c.Assert(ms >= before && ms <= after, IsTrue, Commentf("%d not in [%d, %d]", ms, before, after))
}

func (s *testTimestampSuite) TestLeadershipHeader(c *C) {
	token, ok := s.svr.GetService().Leadership()
	c.Assert(ok, IsTrue)

	resp, _ := post(c, timelockURL(s.svr, "/fresh-timestamp"), nil, nil)
	c.Assert(resp.StatusCode, Equals, http.StatusOK)
	c.Assert(resp.Header.Get(core.LeadershipHeader), Equals, token.String())

	header := func(t core.LeadershipToken) http.Header {
		return http.Header{core.LeadershipHeader: []string{t.String()}}
	}
	resp, _ = post(c, timelockURL(s.svr, "/fresh-timestamp"), nil, header(token))
	c.Assert(resp.StatusCode, Equals, http.StatusOK)

	stale := core.LeadershipToken{Epoch: token.Epoch}
	resp, data := post(c, timelockURL(s.svr, "/fresh-timestamp"), nil, header(stale))
	c.Assert(resp.StatusCode, Equals, http.StatusConflict)
	c.Assert(apiutil.ReadErrorBody(bytes.NewReader(data)).Code, Equals, core.StaleTokenCode.CodeStr().String())

	newer := core.LeadershipToken{Epoch: token.Epoch + 1, ReplicaID: token.ReplicaID}
	resp, _ = post(c, timelockURL(s.svr, "/fresh-timestamp"), nil, header(newer))
	c.Assert(resp.StatusCode, Equals, http.StatusServiceUnavailable)
	c.Assert(resp.Header.Get(apiutil.ErrorCodeHeader), Equals, core.NotLeaderCode.CodeStr().String())

	resp, _ = post(c, timelockURL(s.svr, "/fresh-timestamp"), nil, http.Header{core.LeadershipHeader: []string{"abc"}})
	c.Assert(resp.StatusCode, Equals, http.StatusBadRequest)
}

func (s *testTimestampSuite) TestImmutableTimestamp(c *C) {
	var fresh int64
	mustPost(c, timelockURL(s.svr, "/fresh-timestamp"), nil, &fresh)

	var immutable int64
	mustPost(c, timelockURL(s.svr, "/immutable-timestamp"), nil, &immutable)
	c.Assert(immutable, Greater, fresh)

	locked := &core.LockImmutableTimestampResponse{}
	mustPost(c, timelockURL(s.svr, "/lock-immutable-timestamp"), &core.LockImmutableTimestampRequest{RequestID: newID()}, locked)
	c.Assert(locked.ImmutableTimestamp, Greater, immutable)

	var again int64
	mustPost(c, timelockURL(s.svr, "/immutable-timestamp"), nil, &again)
	c.Assert(again, Equals, locked.ImmutableTimestamp)

	var unlocked []core.LockToken
	mustPost(c, timelockURL(s.svr, "/unlock"), []core.LockToken{locked.Lock}, &unlocked)
	c.Assert(unlocked, DeepEquals, []core.LockToken{locked.Lock})

	mustPost(c, timelockURL(s.svr, "/immutable-timestamp"), nil, &again)
	c.Assert(again, Greater, locked.ImmutableTimestamp)
}

func (s *testTimestampSuite) TestAdmin(c *C) {
	info := LeaderInfo{}
	c.Assert(mustGet(c, adminURL(s.svr, "/leader"), &info), Equals, http.StatusOK)
	c.Assert(info.Leader, NotNil)
	c.Assert(info.Leader.Name, Equals, s.svr.Name())
	c.Assert(info.Token, NotNil)

	health := Health{}
	c.Assert(mustGet(c, adminURL(s.svr, "/health"), &health), Equals, http.StatusOK)
	c.Assert(health.Health, IsTrue)
	c.Assert(health.State, Equals, "leading")
}

func (s *testTimestampSuite) TestConfig(c *C) {
	cfg := map[string]interface{}{}
	c.Assert(mustGet(c, adminURL(s.svr, "/config"), &cfg), Equals, http.StatusOK)
	c.Assert(cfg["name"], Equals, s.svr.Name())

	before := s.svr.GetRuntimeConfig()
	update := map[string]interface{}{"qos": map[string]interface{}{"read-bytes-per-second": 1 << 20}}
	resp, data := post(c, adminURL(s.svr, "/config"), update, nil)
	c.Assert(resp.StatusCode, Equals, http.StatusOK, Commentf("%s", data))
	after := s.svr.GetRuntimeConfig()
	c.Assert(after.QoS.ReadBytesPerSecond, Equals, int64(1<<20))
	c.Assert(after.QoS.MaxBackoffSleep, Equals, before.QoS.MaxBackoffSleep)
	c.Assert(after.Paxos, Equals, before.Paxos)

	invalid := map[string]interface{}{"paxos": map[string]interface{}{"ping-rate": "0s"}}
	resp, _ = post(c, adminURL(s.svr, "/config"), invalid, nil)
	c.Assert(resp.StatusCode, Equals, http.StatusBadRequest)

	update = map[string]interface{}{"qos": map[string]interface{}{"read-bytes-per-second": 0}}
	resp, _ = post(c, adminURL(s.svr, "/config"), update, nil)
	c.Assert(resp.StatusCode, Equals, http.StatusOK)
}

func (s *testTimestampSuite) TestMetrics(c *C) {
	resp, err := dialClient.Get(s.svr.GetAddr() + "/metrics")
	c.Assert(err, IsNil)
	defer resp.Body.Close()
	c.Assert(resp.StatusCode, Equals, http.StatusOK)
}

func (s *testTimestampSuite) TestPeerAPI(c *C) {
	token, ok := s.svr.GetService().Leadership()
	c.Assert(ok, IsTrue)

	// A zero ballot is always refused and tells the caller what is promised.
	resp := &election.PrepareResponse{}
	mustPost(c, s.svr.GetAddr()+election.PreparePath, &election.PrepareRequest{From: 7}, resp)
	c.Assert(resp.OK, IsFalse)
	c.Assert(resp.Promised, Equals, token)

	r, _ := post(c, s.svr.GetAddr()+election.PingPath, "garbage", nil)
	c.Assert(r.StatusCode, Equals, http.StatusBadRequest)
}
