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

	"github.com/pingcap-incubator/timelock/pkg/apiutil"
	"github.com/pingcap-incubator/timelock/server"
	"github.com/pingcap-incubator/timelock/server/election"
	"github.com/unrolled/render"
)

// peerHandler serves the election messages of other replicas to the local
// acceptor.
type peerHandler struct {
	svr *server.Server
	rd  *render.Render
}

func newPeerHandler(svr *server.Server, rd *render.Render) *peerHandler {
	return &peerHandler{
		svr: svr,
		rd:  rd,
	}
}

func (h *peerHandler) acceptor() *election.Acceptor {
	return h.svr.GetMember().Acceptor()
}

func (h *peerHandler) Prepare(w http.ResponseWriter, r *http.Request) {
	req := &election.PrepareRequest{}
	if err := apiutil.ReadJSON(r.Body, req); err != nil {
		apiutil.ErrorResp(h.rd, w, err)
		return
	}
	resp, err := h.acceptor().HandlePrepare(req)
	if err != nil {
		apiutil.ErrorResp(h.rd, w, err)
		return
	}
	h.rd.JSON(w, http.StatusOK, resp)
}

func (h *peerHandler) Accept(w http.ResponseWriter, r *http.Request) {
	req := &election.AcceptRequest{}
	if err := apiutil.ReadJSON(r.Body, req); err != nil {
		apiutil.ErrorResp(h.rd, w, err)
		return
	}
	resp, err := h.acceptor().HandleAccept(req)
	if err != nil {
		apiutil.ErrorResp(h.rd, w, err)
		return
	}
	h.rd.JSON(w, http.StatusOK, resp)
}

func (h *peerHandler) Ping(w http.ResponseWriter, r *http.Request) {
	req := &election.PingRequest{}
	if err := apiutil.ReadJSON(r.Body, req); err != nil {
		apiutil.ErrorResp(h.rd, w, err)
		return
	}
	resp, err := h.acceptor().HandlePing(req)
	if err != nil {
		apiutil.ErrorResp(h.rd, w, err)
		return
	}
	h.rd.JSON(w, http.StatusOK, resp)
}
