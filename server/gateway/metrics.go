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

package gateway

import "github.com/prometheus/client_golang/prometheus"

var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "timelock",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Counter of requests by operation and result.",
		}, []string{"op", "result"})

	requestHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "timelock",
			Subsystem: "gateway",
			Name:      "handle_duration_seconds",
			Help:      "Bucketed histogram of processing time (s) of requests after admission.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
		}, []string{"op"})
)

func init() {
	prometheus.MustRegister(requestCounter)
	prometheus.MustRegister(requestHistogram)
}
