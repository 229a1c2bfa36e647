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

package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/timelock/client"
	"github.com/pingcap-incubator/timelock/server/core"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

type benchOptions struct {
	rate        float64
	duration    time.Duration
	concurrency int
	keys        int
}

// benchResult collects the latencies of one run.
type benchResult struct {
	mu        sync.Mutex
	latencies []time.Duration
	errors    int
	timedOut  int
}

func (r *benchResult) record(d time.Duration, err error, timedOut bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case err != nil:
		r.errors++
	case timedOut:
		r.timedOut++
	default:
		r.latencies = append(r.latencies, d)
	}
}

func (r *benchResult) percentile(p float64) time.Duration {
	if len(r.latencies) == 0 {
		return 0
	}
	i := int(float64(len(r.latencies)-1) * p)
	return r.latencies[i]
}

func (r *benchResult) report(cmd *cobra.Command, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.Slice(r.latencies, func(i, j int) bool { return r.latencies[i] < r.latencies[j] })
	var total time.Duration
	for _, d := range r.latencies {
		total += d
	}
	ok := len(r.latencies)
	out := map[string]interface{}{
		"ok":        ok,
		"errors":    r.errors,
		"timed-out": r.timedOut,
		"elapsed":   elapsed.String(),
		"ops":       fmt.Sprintf("%.1f", float64(ok)/elapsed.Seconds()),
	}
	if ok > 0 {
		out["avg"] = (total / time.Duration(ok)).String()
		out["p50"] = r.percentile(0.5).String()
		out["p99"] = r.percentile(0.99).String()
		out["max"] = r.latencies[ok-1].String()
	}
	printJSON(cmd, out)
}

type benchOp func(ctx context.Context, cli client.Client, worker, seq int) (timedOut bool, err error)

func benchTimestamp(ctx context.Context, cli client.Client, worker, seq int) (bool, error) {
	_, err := cli.GetFreshTimestamp(ctx)
	return false, err
}

func benchLock(keys int) benchOp {
	return func(ctx context.Context, cli client.Client, worker, seq int) (bool, error) {
		key := fmt.Sprintf("bench-%d", (worker*7919+seq)%keys)
		resp, err := cli.Lock(ctx, &core.LockRequest{
			RequestID:         uuid.New(),
			Descriptors:       []core.LockDescriptor{{Key: key, Mode: core.LockExclusive}},
			AcquireTimeoutMs:  1000,
			ClientDescription: "timelock-ctl bench",
		})
		if err != nil {
			return false, err
		}
		if !resp.WasSuccessful() {
			return true, nil
		}
		_, err = cli.Unlock(ctx, []core.LockToken{*resp.Token})
		return false, err
	}
}

func runBench(cmd *cobra.Command, opts *benchOptions, op benchOp) error {
	cli, err := newClient()
	if err != nil {
		return err
	}
	defer cli.Close()

	limit := rate.Inf
	if opts.rate > 0 {
		limit = rate.Limit(opts.rate)
	}
	limiter := rate.NewLimiter(limit, opts.concurrency)

	ctx, cancel := context.WithTimeout(globalContext, opts.duration)
	defer cancel()

	result := &benchResult{}
	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < opts.concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for seq := 0; ; seq++ {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				begin := time.Now()
				timedOut, err := op(ctx, cli, worker, seq)
				if ctx.Err() != nil {
					return
				}
				result.record(time.Since(begin), err, timedOut)
			}
		}(w)
	}
	wg.Wait()
	result.report(cmd, time.Since(start))
	return nil
}

func newBenchCommand() *cobra.Command {
	opts := &benchOptions{}
	m := &cobra.Command{
		Use:       "bench timestamp|lock",
		Short:     "run a rate paced load against the cluster",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"timestamp", "lock"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.concurrency <= 0 {
				return errors.New("concurrency should be positive")
			}
			switch args[0] {
			case "timestamp":
				return runBench(cmd, opts, benchTimestamp)
			case "lock":
				if opts.keys <= 0 {
					return errors.New("keys should be positive")
				}
				return runBench(cmd, opts, benchLock(opts.keys))
			}
			return errors.Errorf("unknown benchmark %q", args[0])
		},
	}
	m.Flags().Float64Var(&opts.rate, "rate", 0, "operations per second (default: unlimited)")
	m.Flags().DurationVar(&opts.duration, "duration", 10*time.Second, "how long to run")
	m.Flags().IntVar(&opts.concurrency, "concurrency", 8, "number of concurrent workers")
	m.Flags().IntVar(&opts.keys, "keys", 64, "number of distinct lock keys")
	return m
}
