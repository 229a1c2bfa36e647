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
	"github.com/pingcap/log"
	"github.com/unrolled/render"
	"go.uber.org/zap"
)

type lockHandler struct {
	svr *server.Server
	rd  *render.Render
}

func newLockHandler(svr *server.Server, rd *render.Render) *lockHandler {
	return &lockHandler{
		svr: svr,
		rd:  rd,
	}
}

type outcome[T any] struct {
	resp T
	err  error
}

// Lock parks the request until the gateway calls back. A client that goes
// away does not cancel the acquisition; its grant expires with the lease.
func (h *lockHandler) Lock(w http.ResponseWriter, r *http.Request) {
	req := &core.LockRequest{}
	if err := apiutil.ReadJSON(r.Body, req); err != nil {
		apiutil.ErrorResp(h.rd, w, err)
		return
	}
	done := make(chan outcome[*core.LockResponse], 1)
	h.svr.GetGateway().Lock(r.Context(), req, func(resp *core.LockResponse, err error) {
		done <- outcome[*core.LockResponse]{resp, err}
	})
	select {
	case o := <-done:
		h.write(w, o.resp, o.err)
	case <-r.Context().Done():
		log.Debug("lock client went away", zap.Stringer("request-id", req.RequestID))
	}
}

func (h *lockHandler) WaitForLocks(w http.ResponseWriter, r *http.Request) {
	req := &core.WaitForLocksRequest{}
	if err := apiutil.ReadJSON(r.Body, req); err != nil {
		apiutil.ErrorResp(h.rd, w, err)
		return
	}
	done := make(chan outcome[*core.WaitForLocksResponse], 1)
	h.svr.GetGateway().WaitForLocks(r.Context(), req, func(resp *core.WaitForLocksResponse, err error) {
		done <- outcome[*core.WaitForLocksResponse]{resp, err}
	})
	select {
	case o := <-done:
		h.write(w, o.resp, o.err)
	case <-r.Context().Done():
		log.Debug("await-locks client went away", zap.Stringer("request-id", req.RequestID))
	}
}

func (h *lockHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var tokens []core.LockToken
	if err := apiutil.ReadJSON(r.Body, &tokens); err != nil {
		apiutil.ErrorResp(h.rd, w, err)
		return
	}
	refreshed, err := h.svr.GetGateway().RefreshLockLeases(r.Context(), tokens)
	h.write(w, nonNil(refreshed), err)
}

func (h *lockHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	var tokens []core.LockToken
	if err := apiutil.ReadJSON(r.Body, &tokens); err != nil {
		apiutil.ErrorResp(h.rd, w, err)
		return
	}
	unlocked, err := h.svr.GetGateway().Unlock(r.Context(), tokens)
	h.write(w, nonNil(unlocked), err)
}

func (h *lockHandler) write(w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		apiutil.ErrorResp(h.rd, w, err)
		return
	}
	h.rd.JSON(w, http.StatusOK, v)
}

// nonNil makes empty token sets render as [] rather than null.
func nonNil(tokens []core.LockToken) []core.LockToken {
	if tokens == nil {
		return []core.LockToken{}
	}
	return tokens
}
