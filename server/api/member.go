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

package api

import (
	"net/http"

	"github.com/pingcap-incubator/timelock/server"
	"github.com/pingcap-incubator/timelock/server/core"
	"github.com/pingcap-incubator/timelock/server/election"
	"github.com/unrolled/render"
)

// LeaderInfo is the view of a replica on who leads the cluster.
type LeaderInfo struct {
	// Leader is nil when no live leader is known.
	Leader *election.Peer `json:"leader"`
	// Token is set when the answering replica is the leader itself.
	Token *core.LeadershipToken `json:"token,omitempty"`
}

type leaderHandler struct {
	svr *server.Server
	rd  *render.Render
}

func newLeaderHandler(svr *server.Server, rd *render.Render) *leaderHandler {
	return &leaderHandler{
		svr: svr,
		rd:  rd,
	}
}

func (h *leaderHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	info := LeaderInfo{}
	if p, ok := h.svr.GetMember().Leader(); ok {
		info.Leader = &p
	}
	if s := h.svr.GetMember().Snapshot(); s.State == election.Leading {
		info.Token = &s.Token
	}
	h.rd.JSON(w, http.StatusOK, info)
}

// Health reflects the state of the answering replica.
type Health struct {
	Name      string `json:"name"`
	ReplicaID uint64 `json:"replica_id"`
	URL       string `json:"url"`
	State     string `json:"state"`
	// Leader is the name of the live leader, empty if unknown.
	Leader string `json:"leader"`
	Health bool   `json:"health"`
}

type healthHandler struct {
	svr *server.Server
	rd  *render.Render
}

func newHealthHandler(svr *server.Server, rd *render.Render) *healthHandler {
	return &healthHandler{
		svr: svr,
		rd:  rd,
	}
}

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	member := h.svr.GetMember()
	self := member.Self()
	health := Health{
		Name:      self.Name,
		ReplicaID: self.ID,
		URL:       self.URL,
		State:     member.State().String(),
	}
	if p, ok := member.Leader(); ok {
		health.Leader = p.Name
		health.Health = true
	}
	status := http.StatusOK
	if !health.Health {
		status = http.StatusServiceUnavailable
	}
	h.rd.JSON(w, status, health)
}
