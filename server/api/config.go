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
	"github.com/pingcap/errcode"
	"github.com/unrolled/render"
)

type confHandler struct {
	svr *server.Server
	rd  *render.Render
}

func newConfHandler(svr *server.Server, rd *render.Render) *confHandler {
	return &confHandler{
		svr: svr,
		rd:  rd,
	}
}

func (h *confHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.svr.GetConfig())
}

// Post merges the body into the live runtime config. Sections and fields
// left out keep their values.
func (h *confHandler) Post(w http.ResponseWriter, r *http.Request) {
	cfg := h.svr.GetRuntimeConfig()
	if err := apiutil.ReadJSON(r.Body, cfg); err != nil {
		apiutil.ErrorResp(h.rd, w, err)
		return
	}
	if err := h.svr.SetRuntimeConfig(cfg); err != nil {
		apiutil.ErrorResp(h.rd, w, errcode.NewInvalidInputErr(err))
		return
	}
	h.rd.JSON(w, http.StatusOK, cfg)
}
