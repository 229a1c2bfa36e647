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

package kv

import (
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// LeveldbKV is a kv store using leveldb. Writes are synced to disk before
// they return.
type LeveldbKV struct {
	*leveldb.DB
}

var syncWrite = &opt.WriteOptions{Sync: true}

// NewLeveldbKV is used to store timelock data with leveldb.
func NewLeveldbKV(path string) (*LeveldbKV, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &LeveldbKV{db}, nil
}

// Load gets a value for a given key.
func (kv *LeveldbKV) Load(key string) (string, error) {
	defer observe("load", time.Now())
	v, err := kv.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(v), nil
}

// Save stores a key-value pair.
func (kv *LeveldbKV) Save(key, value string) error {
	defer observe("save", time.Now())
	return errors.WithStack(kv.Put([]byte(key), []byte(value), syncWrite))
}
