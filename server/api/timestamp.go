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
	"github.com/pingcap-incubator/timelock/server/core"
	"github.com/unrolled/render"
)

type timestampHandler struct {
	svr *server.Server
	rd  *render.Render
}

func newTimestampHandler(svr *server.Server, rd *render.Render) *timestampHandler {
	return &timestampHandler{
		svr: svr,
		rd:  rd,
	}
}

func (h *timestampHandler) respond(w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		apiutil.ErrorResp(h.rd, w, err)
		return
	}
	h.rd.JSON(w, http.StatusOK, v)
}

func (h *timestampHandler) GetFreshTimestamp(w http.ResponseWriter, r *http.Request) {
	ts, err := h.svr.GetGateway().GetFreshTimestamp(r.Context())
	h.respond(w, ts, err)
}

func (h *timestampHandler) GetFreshTimestamps(w http.ResponseWriter, r *http.Request) {
	var count int64
	if err := apiutil.ReadJSON(r.Body, &count); err != nil {
		apiutil.ErrorResp(h.rd, w, err)
		return
	}
	rng, err := h.svr.GetGateway().GetFreshTimestamps(r.Context(), count)
	h.respond(w, rng, err)
}

func (h *timestampHandler) LockImmutableTimestamp(w http.ResponseWriter, r *http.Request) {
	req := &core.LockImmutableTimestampRequest{}
	if err := apiutil.ReadJSON(r.Body, req); err != nil {
		apiutil.ErrorResp(h.rd, w, err)
		return
	}
	resp, err := h.svr.GetGateway().LockImmutableTimestamp(r.Context(), req)
	h.respond(w, resp, err)
}

func (h *timestampHandler) GetImmutableTimestamp(w http.ResponseWriter, r *http.Request) {
	ts, err := h.svr.GetGateway().GetImmutableTimestamp(r.Context())
	h.respond(w, ts, err)
}

func (h *timestampHandler) CurrentTimeMillis(w http.ResponseWriter, r *http.Request) {
	ms, err := h.svr.GetGateway().CurrentTimeMillis(r.Context())
	h.respond(w, ms, err)
}
