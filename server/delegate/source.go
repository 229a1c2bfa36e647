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

package delegate

import "sync/atomic"

// Versioned pairs a value with the sequence number assigned when it was
// first observed. Sequence numbers of one source only grow.
type Versioned[T any] struct {
	Value T
	Seq   uint64
}

// Source yields the values a Recreating rebuilds from.
type Source[T any] interface {
	// Poll returns the latest value and whether it differs from the value
	// returned by the previous Poll. When no value is available it returns
	// the zero Versioned and false.
	Poll() (Versioned[T], bool)
}

// DeltaSource turns a supplier of current values into a Source that only
// reports changes.
type DeltaSource[T comparable] struct {
	supplier func() (T, bool)
	last     atomic.Pointer[Versioned[T]]
}

// NewDeltaSource creates a DeltaSource. supplier returns false when it has
// no value.
func NewDeltaSource[T comparable](supplier func() (T, bool)) *DeltaSource[T] {
	return &DeltaSource[T]{supplier: supplier}
}

// Poll implements Source.
func (s *DeltaSource[T]) Poll() (Versioned[T], bool) {
	v, ok := s.supplier()
	if !ok {
		return Versioned[T]{}, false
	}
	for {
		last := s.last.Load()
		if last != nil && last.Value == v {
			return *last, false
		}
		next := &Versioned[T]{Value: v, Seq: 1}
		if last != nil {
			next.Seq = last.Seq + 1
		}
		if s.last.CompareAndSwap(last, next) {
			return *next, true
		}
	}
}

// Last returns the most recently reported value.
func (s *DeltaSource[T]) Last() (Versioned[T], bool) {
	last := s.last.Load()
	if last == nil {
		return Versioned[T]{}, false
	}
	return *last, true
}
