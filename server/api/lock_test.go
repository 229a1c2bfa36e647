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
	"net/http"
	"time"

	"github.com/google/uuid"
	. "github.com/pingcap/check"
	"github.com/pingcap-incubator/timelock/server"
	"github.com/pingcap-incubator/timelock/server/core"
)

var _ = Suite(&testLockSuite{})

type testLockSuite struct {
	svr     *server.Server
	cleanup cleanUpFunc
}

func (s *testLockSuite) SetUpSuite(c *C) {
	s.svr, s.cleanup = mustNewServer(c)
}

func (s *testLockSuite) TearDownSuite(c *C) {
	s.cleanup()
}

func newID() uuid.UUID {
	return uuid.New()
}

func lockRequest(timeout time.Duration, keys ...string) *core.LockRequest {
	req := &core.LockRequest{
		RequestID:         newID(),
		AcquireTimeoutMs:  int64(timeout / time.Millisecond),
		ClientDescription: "api-test",
	}
	for _, k := range keys {
		req.Descriptors = append(req.Descriptors, core.LockDescriptor{Key: k, Mode: core.LockExclusive})
	}
	return req
}

func (s *testLockSuite) lock(c *C, req *core.LockRequest) *core.LockResponse {
	resp := &core.LockResponse{}
	mustPost(c, timelockURL(s.svr, "/lock"), req, resp)
	return resp
}

func (s *testLockSuite) TestContentionThenUnlock(c *C) {
	first := s.lock(c, lockRequest(time.Second, "row-1", "row-2"))
	c.Assert(first.WasSuccessful(), IsTrue)
	leadership, _ := s.svr.GetService().Leadership()
	c.Assert(first.Token.Leadership, Equals, leadership)

	timedOut := s.lock(c, lockRequest(100*time.Millisecond, "row-2"))
	c.Assert(timedOut.WasSuccessful(), IsFalse)
	c.Assert(timedOut.TimedOut, IsTrue)

	granted := make(chan *core.LockResponse, 1)
	go func() {
		resp := &core.LockResponse{}
		mustPost(c, timelockURL(s.svr, "/lock"), lockRequest(10*time.Second, "row-1"), resp)
		granted <- resp
	}()
	select {
	case <-granted:
		c.Fatal("lock granted while held")
	case <-time.After(200 * time.Millisecond):
	}

	var unlocked []core.LockToken
	mustPost(c, timelockURL(s.svr, "/unlock"), []core.LockToken{*first.Token}, &unlocked)
	c.Assert(unlocked, DeepEquals, []core.LockToken{*first.Token})

	var second *core.LockResponse
	select {
	case second = <-granted:
	case <-time.After(5 * time.Second):
		c.Fatal("lock not granted after unlock")
	}
	c.Assert(second.WasSuccessful(), IsTrue)

	// Unlocking twice is a no-op.
	mustPost(c, timelockURL(s.svr, "/unlock"), []core.LockToken{*first.Token}, &unlocked)
	c.Assert(unlocked, HasLen, 0)

	mustPost(c, timelockURL(s.svr, "/unlock"), []core.LockToken{*second.Token}, &unlocked)
	c.Assert(unlocked, HasLen, 1)
}

func (s *testLockSuite) TestAwaitLocks(c *C) {
	held := s.lock(c, lockRequest(time.Second, "table"))
	c.Assert(held.WasSuccessful(), IsTrue)

	wait := &core.WaitForLocksRequest{
		RequestID:        newID(),
		Descriptors:      []core.LockDescriptor{{Key: "table", Mode: core.LockShared}},
		AcquireTimeoutMs: 100,
	}
	resp := &core.WaitForLocksResponse{}
	mustPost(c, timelockURL(s.svr, "/await-locks"), wait, resp)
	c.Assert(resp.WasSuccessful, IsFalse)
	c.Assert(resp.TimedOut, IsTrue)

	var unlocked []core.LockToken
	mustPost(c, timelockURL(s.svr, "/unlock"), []core.LockToken{*held.Token}, &unlocked)

	wait.RequestID = newID()
	mustPost(c, timelockURL(s.svr, "/await-locks"), wait, resp)
	c.Assert(resp.WasSuccessful, IsTrue)

	// Waiting does not keep the lock.
	again := s.lock(c, lockRequest(0, "table"))
	c.Assert(again.WasSuccessful(), IsTrue)
	mustPost(c, timelockURL(s.svr, "/unlock"), []core.LockToken{*again.Token}, &unlocked)
}

func (s *testLockSuite) TestRefresh(c *C) {
	held := s.lock(c, lockRequest(time.Second, "refresh"))
	c.Assert(held.WasSuccessful(), IsTrue)

	unknown := core.LockToken{RequestID: newID(), Leadership: held.Token.Leadership}
	var refreshed []core.LockToken
	mustPost(c, timelockURL(s.svr, "/refresh-locks"), []core.LockToken{*held.Token, unknown}, &refreshed)
	c.Assert(refreshed, DeepEquals, []core.LockToken{*held.Token})

	var unlocked []core.LockToken
	mustPost(c, timelockURL(s.svr, "/unlock"), []core.LockToken{*held.Token}, &unlocked)
	mustPost(c, timelockURL(s.svr, "/refresh-locks"), []core.LockToken{*held.Token}, &refreshed)
	c.Assert(refreshed, HasLen, 0)
}

func (s *testLockSuite) TestInvalidRequest(c *C) {
	resp, _ := post(c, timelockURL(s.svr, "/lock"), &core.LockRequest{RequestID: newID()}, nil)
	c.Assert(resp.StatusCode, Equals, http.StatusBadRequest)

	resp, _ = post(c, timelockURL(s.svr, "/unlock"), []core.LockToken{{}}, nil)
	c.Assert(resp.StatusCode, Equals, http.StatusBadRequest)
}
