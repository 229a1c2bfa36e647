// Copyright 2018 PingCAP, Inc.
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

// Package tempurl hands out local http URLs on free ports for tests.
package tempurl

import (
	"fmt"
	"net"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const maxAttempts = 32

var (
	mu sync.Mutex
	// handedOut keeps ports unique within the process, since the kernel may
	// return a just closed port again.
	handedOut = make(map[int]struct{})
)

// Alloc returns http://127.0.0.1:<port> for a port that was free when
// probed and was never returned before by this process.
func Alloc() string {
	for i := 0; i < maxAttempts; i++ {
		port, err := probe()
		if err != nil {
			log.Fatal("probe local port failed", zap.Error(err))
		}
		if claim(port) {
			return fmt.Sprintf("http://127.0.0.1:%d", port)
		}
	}
	log.Fatal("no free local port", zap.Int("attempts", maxAttempts))
	return ""
}

func probe() (int, error) {
	l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func claim(port int) bool {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := handedOut[port]; ok {
		return false
	}
	handedOut[port] = struct{}{}
	return true
}
