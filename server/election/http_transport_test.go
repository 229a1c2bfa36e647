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

package election

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/pingcap-incubator/timelock/server/kv"
	. "github.com/pingcap/check"
)

var _ = Suite(&testHTTPTransportSuite{})

type testHTTPTransportSuite struct{}

func serveAcceptor(a *Acceptor) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PreparePath, func(w http.ResponseWriter, r *http.Request) {
		var req PrepareRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp, _ := a.HandlePrepare(&req)
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc(AcceptPath, func(w http.ResponseWriter, r *http.Request) {
		var req AcceptRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp, _ := a.HandleAccept(&req)
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc(PingPath, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	return mux
}

func (s *testHTTPTransportSuite) TestRoundTrip(c *C) {
	a, err := NewAcceptor(2, kv.NewMemoryKV(), fixedTiming(testTiming))
	c.Assert(err, IsNil)
	srv := httptest.NewServer(serveAcceptor(a))
	defer srv.Close()

	t := NewHTTPTransport(nil)
	defer t.Close()
	peer := Peer{ID: 2, Name: "r2", URL: srv.URL}
	ctx := context.Background()
	ballot := Ballot{Epoch: 7, ReplicaID: 1}

	prep, err := t.Prepare(ctx, peer, &PrepareRequest{From: 1, Ballot: ballot})
	c.Assert(err, IsNil)
	c.Assert(prep.OK, IsTrue)
	c.Assert(prep.Promised, Equals, ballot)

	acc, err := t.Accept(ctx, peer, &AcceptRequest{From: 1, Ballot: ballot, Bound: 42, Lease: time.Hour})
	c.Assert(err, IsNil)
	c.Assert(acc.OK, IsTrue)
	c.Assert(a.Bound(), Equals, int64(42))
	a.mu.Lock()
	lease := a.lease
	a.mu.Unlock()
	c.Assert(lease, Equals, time.Hour)

	_, err = t.Ping(ctx, peer, &PingRequest{From: 1, Ballot: ballot})
	c.Assert(err, ErrorMatches, ".*returned 500.*")
}

func (s *testHTTPTransportSuite) TestContextCancel(c *C) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	t := NewHTTPTransport(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := t.Ping(ctx, Peer{ID: 2, URL: srv.URL}, &PingRequest{From: 1})
	c.Assert(err, NotNil)
	c.Assert(time.Since(start) < time.Second, IsTrue)
}
