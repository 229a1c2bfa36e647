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

package config

import (
	"sync/atomic"
)

// RuntimeConfig is the part of the configuration that may change while the
// server runs. It is comparable, so changes can be detected with ==.
type RuntimeConfig struct {
	Paxos    PaxosConfig    `toml:"paxos" json:"paxos"`
	QoS      QoSConfig      `toml:"qos" json:"qos"`
	Lock     LockConfig     `toml:"lock" json:"lock"`
	Security SecurityConfig `toml:"security" json:"security"`
}

// Clone returns a copy of the runtime config.
func (c *RuntimeConfig) Clone() *RuntimeConfig {
	cfg := *c
	return &cfg
}

// Validate checks every section.
func (c *RuntimeConfig) Validate() error {
	if err := c.Paxos.Validate(); err != nil {
		return err
	}
	return c.QoS.Validate()
}

// RuntimeOption is a wrapper to access the runtime configuration safely.
// Readers always see a complete snapshot; writers clone, modify and Store.
type RuntimeOption struct {
	runtime atomic.Value
}

// NewRuntimeOption creates a new RuntimeOption.
func NewRuntimeOption(cfg *Config) *RuntimeOption {
	o := &RuntimeOption{}
	o.Store(cfg.Runtime())
	return o
}

// Load returns the current runtime configuration.
func (o *RuntimeOption) Load() *RuntimeConfig {
	return o.runtime.Load().(*RuntimeConfig)
}

// Store sets the runtime configuration.
func (o *RuntimeOption) Store(cfg *RuntimeConfig) {
	o.runtime.Store(cfg)
}

// GetPaxos returns the leader election timings.
func (o *RuntimeOption) GetPaxos() PaxosConfig {
	return o.Load().Paxos
}

// GetQoS returns the admission control configuration.
func (o *RuntimeOption) GetQoS() QoSConfig {
	return o.Load().QoS
}

// GetLock returns the lock service configuration.
func (o *RuntimeOption) GetLock() LockConfig {
	return o.Load().Lock
}

// GetSecurity returns the TLS configuration.
func (o *RuntimeOption) GetSecurity() SecurityConfig {
	return o.Load().Security
}
