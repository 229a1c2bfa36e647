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

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/timelock/server"
	"github.com/pingcap-incubator/timelock/server/election"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"
	"github.com/urfave/negroni"
)

// Path prefixes served by a replica.
const (
	TimelockPrefix = "/timelock/api/v1"
	AdminPrefix    = "/api/v1"
)

// NewHandler creates a HTTP handler for API.
func NewHandler(svr *server.Server) http.Handler {
	rd := render.New(render.Options{
		IndentJSON: true,
	})

	engine := negroni.New()
	engine.Use(negroni.NewRecovery())

	router := mux.NewRouter()
	router.PathPrefix(TimelockPrefix).Handler(negroni.New(
		newLeadershipMiddleware(svr, rd),
		negroni.Wrap(createTimelockRouter(TimelockPrefix, svr, rd)),
	))
	router.PathPrefix(election.PeerAPIPrefix).Handler(createPeerRouter(election.PeerAPIPrefix, svr, rd))
	router.PathPrefix(AdminPrefix).Handler(createAdminRouter(AdminPrefix, svr, rd))
	router.Handle("/metrics", promhttp.Handler())

	engine.UseHandler(router)
	return engine
}
