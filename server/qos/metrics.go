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

package qos

import "github.com/prometheus/client_golang/prometheus"

var (
	throttledCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "timelock",
			Subsystem: "qos",
			Name:      "throttled_total",
			Help:      "Counter of requests rejected because admission would exceed the max backoff sleep.",
		}, []string{"class"})

	sleepHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "timelock",
			Subsystem: "qos",
			Name:      "sleep_seconds",
			Help:      "Bucketed histogram of admission pauses handed to callers.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"class"})

	capacityGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "timelock",
			Subsystem: "qos",
			Name:      "capacity_bytes",
			Help:      "Current bucket capacity per traffic class.",
		}, []string{"class"})
)

func init() {
	prometheus.MustRegister(throttledCounter)
	prometheus.MustRegister(sleepHistogram)
	prometheus.MustRegister(capacityGauge)
}
