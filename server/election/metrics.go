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

package election

import "github.com/prometheus/client_golang/prometheus"

var (
	leaderGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "timelock",
			Subsystem: "election",
			Name:      "is_leader",
			Help:      "1 while this replica leads.",
		})

	electionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "timelock",
			Subsystem: "election",
			Name:      "proposals_total",
			Help:      "Counter of leadership proposals by result.",
		}, []string{"result"})

	stepDownCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "timelock",
			Subsystem: "election",
			Name:      "step_down_total",
			Help:      "Counter of leader step downs by reason.",
		}, []string{"reason"})

	pingHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "timelock",
			Subsystem: "election",
			Name:      "ping_round_duration_seconds",
			Help:      "Bucketed histogram of leader ping round durations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		})
)

func init() {
	prometheus.MustRegister(leaderGauge)
	prometheus.MustRegister(electionCounter)
	prometheus.MustRegister(stepDownCounter)
	prometheus.MustRegister(pingHistogram)
}
