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

package lock

import "github.com/prometheus/client_golang/prometheus"

var (
	lockCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "timelock",
			Subsystem: "lock",
			Name:      "requests_total",
			Help:      "Counter of lock requests by result.",
		}, []string{"result"})

	heldGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "timelock",
			Subsystem: "lock",
			Name:      "held",
			Help:      "Number of lock tokens currently held.",
		}, []string{"type"})

	leaseExpiredCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "timelock",
			Subsystem: "lock",
			Name:      "lease_expired_total",
			Help:      "Counter of lock tokens released by the lease reaper.",
		})

	acquireHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "timelock",
			Subsystem: "lock",
			Name:      "acquire_duration_seconds",
			Help:      "Bucketed histogram of the time to grant lock requests.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
		})
)

func init() {
	prometheus.MustRegister(lockCounter)
	prometheus.MustRegister(heldGauge)
	prometheus.MustRegister(leaseExpiredCounter)
	prometheus.MustRegister(acquireHistogram)
}
