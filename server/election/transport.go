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

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Transport delivers election messages to other replicas.
type Transport interface {
	Prepare(ctx context.Context, to Peer, req *PrepareRequest) (*PrepareResponse, error)
	Accept(ctx context.Context, to Peer, req *AcceptRequest) (*AcceptResponse, error)
	Ping(ctx context.Context, to Peer, req *PingRequest) (*PingResponse, error)
}

// LocalNetwork connects replicas living in one process. Replicas can be
// partitioned from each other to simulate network failures.
type LocalNetwork struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler
	groups   map[uint64]int
}

// NewLocalNetwork creates an empty network.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		handlers: make(map[uint64]Handler),
		groups:   make(map[uint64]int),
	}
}

// Register attaches the handler of replica id.
func (n *LocalNetwork) Register(id uint64, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

// Unregister detaches replica id, as if it crashed.
func (n *LocalNetwork) Unregister(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, id)
}

// Partition splits the network. Replicas in different groups cannot reach
// each other; replicas not listed form one more group.
func (n *LocalNetwork) Partition(groups ...[]uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups = make(map[uint64]int)
	for i, group := range groups {
		for _, id := range group {
			n.groups[id] = i + 1
		}
	}
}

// Heal removes every partition.
func (n *LocalNetwork) Heal() {
	n.Partition()
}

// Transport returns the transport used by replica from.
func (n *LocalNetwork) Transport(from uint64) Transport {
	return &localTransport{net: n, from: from}
}

func (n *LocalNetwork) route(from, to uint64) (Handler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.groups[from] != n.groups[to] {
		return nil, errors.Errorf("replica %d is unreachable from %d", to, from)
	}
	h, ok := n.handlers[to]
	if !ok {
		return nil, errors.Errorf("replica %d is down", to)
	}
	return h, nil
}

type localTransport struct {
	net  *LocalNetwork
	from uint64
}

func (t *localTransport) Prepare(ctx context.Context, to Peer, req *PrepareRequest) (*PrepareResponse, error) {
	h, err := t.net.route(t.from, to.ID)
	if err != nil {
		return nil, err
	}
	return h.HandlePrepare(req)
}

func (t *localTransport) Accept(ctx context.Context, to Peer, req *AcceptRequest) (*AcceptResponse, error) {
	h, err := t.net.route(t.from, to.ID)
	if err != nil {
		return nil, err
	}
	return h.HandleAccept(req)
}

func (t *localTransport) Ping(ctx context.Context, to Peer, req *PingRequest) (*PingResponse, error) {
	h, err := t.net.route(t.from, to.ID)
	if err != nil {
		return nil, err
	}
	return h.HandlePing(req)
}
