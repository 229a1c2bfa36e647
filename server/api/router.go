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
	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/timelock/server"
	"github.com/unrolled/render"
)

func createTimelockRouter(prefix string, svr *server.Server, rd *render.Render) *mux.Router {
	router := mux.NewRouter().PathPrefix(prefix).Subrouter()

	timestampHandler := newTimestampHandler(svr, rd)
	router.HandleFunc("/fresh-timestamp", timestampHandler.GetFreshTimestamp).Methods("POST")
	router.HandleFunc("/fresh-timestamps", timestampHandler.GetFreshTimestamps).Methods("POST")
	router.HandleFunc("/lock-immutable-timestamp", timestampHandler.LockImmutableTimestamp).Methods("POST")
	router.HandleFunc("/immutable-timestamp", timestampHandler.GetImmutableTimestamp).Methods("POST")
	router.HandleFunc("/current-time-millis", timestampHandler.CurrentTimeMillis).Methods("POST")

	lockHandler := newLockHandler(svr, rd)
	router.HandleFunc("/lock", lockHandler.Lock).Methods("POST")
	router.HandleFunc("/await-locks", lockHandler.WaitForLocks).Methods("POST")
	router.HandleFunc("/refresh-locks", lockHandler.Refresh).Methods("POST")
	router.HandleFunc("/unlock", lockHandler.Unlock).Methods("POST")

	return router
}

func createPeerRouter(prefix string, svr *server.Server, rd *render.Render) *mux.Router {
	router := mux.NewRouter().PathPrefix(prefix).Subrouter()

	peerHandler := newPeerHandler(svr, rd)
	router.HandleFunc("/prepare", peerHandler.Prepare).Methods("POST")
	router.HandleFunc("/accept", peerHandler.Accept).Methods("POST")
	router.HandleFunc("/ping", peerHandler.Ping).Methods("POST")

	return router
}

func createAdminRouter(prefix string, svr *server.Server, rd *render.Render) *mux.Router {
	router := mux.NewRouter().PathPrefix(prefix).Subrouter()

	router.Handle("/leader", newLeaderHandler(svr, rd)).Methods("GET")
	router.Handle("/health", newHealthHandler(svr, rd)).Methods("GET")

	confHandler := newConfHandler(svr, rd)
	router.HandleFunc("/config", confHandler.Get).Methods("GET")
	router.HandleFunc("/config", confHandler.Post).Methods("POST")

	return router
}
