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

package server

import (
	"context"
	"fmt"
	"io/ioutil"
	"strings"
	"sync"
	"time"

	"github.com/pingcap-incubator/timelock/pkg/tempurl"
	"github.com/pingcap-incubator/timelock/pkg/testutil"
	"github.com/pingcap-incubator/timelock/pkg/typeutil"
	"github.com/pingcap-incubator/timelock/server/config"
	"github.com/pingcap/check"
	"github.com/pingcap/log"
)

// CleanupFunc closes test timelock server(s) and deletes any files left behind.
type CleanupFunc func()

// NewTestServer creates a single replica timelock server for testing.
func NewTestServer(c *check.C, apiBuilder HandlerBuilder) (*Server, CleanupFunc, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := NewTestSingleConfig(c)
	s, err := CreateServer(cfg, apiBuilder)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if err = s.Run(ctx); err != nil {
		cancel()
		return nil, nil, err
	}

	cleanup := func() {
		cancel()
		s.Close()
		testutil.CleanServer(cfg.DataDir)
	}
	return s, cleanup, nil
}

var zapLogOnce sync.Once

// NewTestSingleConfig is only for test to create one timelock replica.
// Because the timelock client also needs this, so export here.
func NewTestSingleConfig(c *check.C) *config.Config {
	cfg := &config.Config{
		Name:       "timelock",
		ClientUrls: tempurl.Alloc(),

		Paxos: config.PaxosConfig{
			PingRate:               typeutil.NewDuration(50 * time.Millisecond),
			RandomProposalDelay:    typeutil.NewDuration(50 * time.Millisecond),
			LeaderPingResponseWait: typeutil.NewDuration(200 * time.Millisecond),
		},
		Lock: config.LockConfig{
			Lease: typeutil.NewDuration(5 * time.Second),
		},
	}

	cfg.AdvertiseClientUrls = cfg.ClientUrls
	cfg.DataDir, _ = ioutil.TempDir("/tmp", "test_timelock")
	cfg.InitialCluster = fmt.Sprintf("timelock=%s", cfg.ClientUrls)
	err := cfg.SetupLogger()
	c.Assert(err, check.IsNil)
	zapLogOnce.Do(func() {
		log.ReplaceGlobals(cfg.GetZapLogger(), cfg.GetZapLogProperties())
	})

	c.Assert(cfg.Adjust(nil), check.IsNil)

	return cfg
}

// NewTestMultiConfig is only for test to create multiple timelock configurations.
// Because the timelock client also needs this, so export here.
func NewTestMultiConfig(c *check.C, count int) []*config.Config {
	cfgs := make([]*config.Config, count)

	var clusters []string
	for i := 1; i <= count; i++ {
		cfg := NewTestSingleConfig(c)
		cfg.Name = fmt.Sprintf("timelock%d", i)

		clusters = append(clusters, fmt.Sprintf("%s=%s", cfg.Name, cfg.ClientUrls))

		cfgs[i-1] = cfg
	}

	initialCluster := strings.Join(clusters, ",")
	for _, cfg := range cfgs {
		cfg.InitialCluster = initialCluster
	}

	return cfgs
}
