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

package gateway

import "github.com/pingcap-incubator/timelock/server/core"

// Request size estimates used for admission, in bytes.
const (
	timestampRequestBytes = 8
	requestIDBytes        = 16
	// A lock token is a request id plus a leadership token.
	tokenBytes = requestIDBytes + 16
	// Per descriptor overhead on top of the key: the mode and framing.
	descriptorOverheadBytes = 8
)

func lockRequestBytes(descriptors []core.LockDescriptor, client string) int64 {
	n := int64(requestIDBytes + timestampRequestBytes + len(client))
	for _, d := range descriptors {
		n += int64(len(d.Key) + descriptorOverheadBytes)
	}
	return n
}

func tokensBytes(tokens []core.LockToken) int64 {
	if len(tokens) == 0 {
		return timestampRequestBytes
	}
	return int64(len(tokens) * tokenBytes)
}
