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

package kv

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var kvDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "timelock",
		Subsystem: "kv",
		Name:      "handle_duration_seconds",
		Help:      "Bucketed histogram of processing time (s) of durable kv operations.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
	}, []string{"op"})

func init() {
	prometheus.MustRegister(kvDuration)
}

func observe(op string, start time.Time) {
	kvDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
