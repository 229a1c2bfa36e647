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

package config

import (
	"context"
	"time"

	"github.com/pingcap-incubator/timelock/pkg/logutil"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Watcher periodically re-reads the config file and publishes changes of
// its runtime sections. Values set through the admin API survive until the
// file itself changes again.
type Watcher struct {
	path     string
	interval time.Duration
	opt      *RuntimeOption
	last     RuntimeConfig
}

// NewWatcher creates a watcher for the file cfg was loaded from.
func NewWatcher(cfg *Config, opt *RuntimeOption) *Watcher {
	return &Watcher{
		path:     cfg.configFile,
		interval: cfg.ConfigReloadInterval.Duration,
		opt:      opt,
		last:     *cfg.Runtime(),
	}
}

// Reload reads the file once. It reports whether a new runtime config was
// published.
func (w *Watcher) Reload() (bool, error) {
	cfg := &Config{}
	meta, err := cfg.configFromFile(w.path)
	if err != nil {
		return false, err
	}
	cfg.Paxos.adjust()
	cfg.QoS.adjust(newConfigMetadata(meta).Child("qos"))
	cfg.Lock.adjust()
	next := cfg.Runtime()
	if err := next.Validate(); err != nil {
		return false, err
	}
	if *next == w.last {
		return false, nil
	}
	w.last = *next
	w.opt.Store(next)
	log.Info("runtime config reloaded", zap.String("path", w.path), zap.Reflect("config", next))
	return true, nil
}

// Run reloads until ctx is done. It returns at once when there is no file
// or reloading is disabled.
func (w *Watcher) Run(ctx context.Context) {
	defer logutil.LogPanic()

	if w.path == "" || w.interval <= 0 {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := w.Reload(); err != nil {
				log.Warn("reload config failed", zap.String("path", w.path), zap.Error(err))
			}
		case <-ctx.Done():
			log.Info("config watcher is stopped")
			return
		}
	}
}
