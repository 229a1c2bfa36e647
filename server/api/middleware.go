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
	"github.com/pingcap/errcode"
	"github.com/unrolled/render"
)

// leadershipMiddleware carries the asserted leadership of a request into
// its context and stamps the serving term on the response.
type leadershipMiddleware struct {
	svr *server.Server
	rd  *render.Render
}

func newLeadershipMiddleware(svr *server.Server, rd *render.Render) *leadershipMiddleware {
	return &leadershipMiddleware{
		svr: svr,
		rd:  rd,
	}
}

func (m *leadershipMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	if s := r.Header.Get(core.LeadershipHeader); s != "" {
		token, err := core.ParseLeadershipToken(s)
		if err != nil {
			apiutil.ErrorResp(m.rd, w, errcode.NewInvalidInputErr(err))
			return
		}
		r = r.WithContext(core.WithLeadership(r.Context(), token))
	}
	if token, ok := m.svr.GetService().Leadership(); ok {
		w.Header().Set(core.LeadershipHeader, token.String())
	}
	next(w, r)
}
