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

package delegate

import "github.com/prometheus/client_golang/prometheus"

var rebuildCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "timelock",
		Subsystem: "delegate",
		Name:      "rebuild_total",
		Help:      "Counter of delegate rebuilds by result.",
	}, []string{"name", "result"})

func init() {
	prometheus.MustRegister(rebuildCounter)
}
