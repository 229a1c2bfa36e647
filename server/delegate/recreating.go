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

import (
	"sync/atomic"

	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrNoInitialValue is returned by New when the source has nothing to build
// the first delegate from.
var ErrNoInitialValue = errors.New("delegate: source has no initial value")

type snapshot[T any, D any] struct {
	seq      uint64
	input    T
	delegate D
}

// Recreating keeps a delegate built from the latest value of a Source and
// rebuilds it whenever that value changes. Get is wait-free apart from the
// rebuild itself: the active snapshot is swapped with compare-and-swap and a
// snapshot is never replaced by one built from an older value.
//
// A failed rebuild leaves the active snapshot in place and is retried on the
// next call.
type Recreating[T any, D any] struct {
	name   string
	source Source[T]
	build  func(T) (D, error)
	retire func(D)

	active  atomic.Pointer[snapshot[T, D]]
	pending atomic.Pointer[Versioned[T]]
}

// New builds the first delegate. retire, if not nil, is called with every
// delegate that stops being active, and with built delegates that lost the
// race to a newer one.
func New[T any, D any](name string, source Source[T], build func(T) (D, error), retire func(D)) (*Recreating[T, D], error) {
	r := &Recreating[T, D]{
		name:   name,
		source: source,
		build:  build,
		retire: retire,
	}
	v, ok := source.Poll()
	if !ok {
		return nil, errors.WithStack(ErrNoInitialValue)
	}
	d, err := r.safeBuild(v.Value)
	if err != nil {
		return nil, err
	}
	r.active.Store(&snapshot[T, D]{seq: v.Seq, input: v.Value, delegate: d})
	rebuildCounter.WithLabelValues(name, "ok").Inc()
	return r, nil
}

// Get returns the delegate for the latest source value, rebuilding it first
// if the value changed.
func (r *Recreating[T, D]) Get() D {
	return r.refresh().delegate
}

// Invoke forwards a call to the current delegate. Errors and panics of fn
// reach the caller unchanged.
func (r *Recreating[T, D]) Invoke(fn func(D) error) error {
	return fn(r.Get())
}

// Current returns the active delegate and its input without polling.
func (r *Recreating[T, D]) Current() (D, T) {
	s := r.active.Load()
	return s.delegate, s.input
}

// Seq returns the sequence number of the active snapshot.
func (r *Recreating[T, D]) Seq() uint64 {
	return r.active.Load().seq
}

func (r *Recreating[T, D]) refresh() *snapshot[T, D] {
	cur := r.active.Load()
	v, changed := r.source.Poll()
	if !changed {
		p := r.pending.Load()
		if p == nil || p.Seq <= cur.seq {
			return cur
		}
		v = *p
	}
	if v.Seq <= cur.seq {
		return cur
	}

	d, err := r.safeBuild(v.Value)
	if err != nil {
		r.remember(v)
		rebuildCounter.WithLabelValues(r.name, "error").Inc()
		log.Error("rebuild delegate failed, keep the previous one",
			zap.String("name", r.name), zap.Uint64("seq", v.Seq), zap.Uint64("active-seq", cur.seq), zap.Error(err))
		return r.active.Load()
	}

	next := &snapshot[T, D]{seq: v.Seq, input: v.Value, delegate: d}
	for {
		cur = r.active.Load()
		if cur.seq >= next.seq {
			r.retireDelegate(d)
			return cur
		}
		if r.active.CompareAndSwap(cur, next) {
			r.forget(next.seq)
			rebuildCounter.WithLabelValues(r.name, "ok").Inc()
			log.Info("delegate rebuilt", zap.String("name", r.name), zap.Uint64("seq", next.seq))
			r.retireDelegate(cur.delegate)
			return next
		}
	}
}

func (r *Recreating[T, D]) safeBuild(v T) (d D, err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.Errorf("delegate %s: build panicked: %v", r.name, e)
		}
	}()
	d, err = r.build(v)
	if err != nil {
		err = errors.Wrapf(err, "delegate %s: build", r.name)
	}
	return d, err
}

// remember keeps the newest value whose build failed so it is retried even
// though the source will not report it as changed again.
func (r *Recreating[T, D]) remember(v Versioned[T]) {
	for {
		p := r.pending.Load()
		if p != nil && p.Seq >= v.Seq {
			return
		}
		if r.pending.CompareAndSwap(p, &v) {
			return
		}
	}
}

func (r *Recreating[T, D]) forget(seq uint64) {
	for {
		p := r.pending.Load()
		if p == nil || p.Seq > seq {
			return
		}
		if r.pending.CompareAndSwap(p, nil) {
			return
		}
	}
}

func (r *Recreating[T, D]) retireDelegate(d D) {
	if r.retire != nil {
		r.retire(d)
	}
}
