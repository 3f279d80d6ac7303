// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package commitlog

import (
	"context"
	"errors"
	"sync"

	"github.com/cubefs/cubefs/util/btree"

	apierrors "github.com/cubefs/blobcatalog/errors"
)

var errClosed = errors.New("commit log store closed")

// Store persists the entries of one commit log.
type Store interface {
	// Append returns only after e is durable.
	Append(ctx context.Context, e *Entry) error
	// Range calls f for every live entry in append order until f returns false.
	Range(f func(e *Entry) bool) error
	// Compact atomically removes the entries with the given ids.
	Compact(ctx context.Context, ids map[uint64]struct{}) error
	// Size returns the bytes occupied by live entries.
	Size() int64
	Close() error
}

type entryItem struct {
	*Entry
}

func (i entryItem) Less(than btree.Item) bool {
	return i.ID < than.(entryItem).ID
}

func (i entryItem) Copy() btree.Item {
	return i
}

// memStore keeps entries in an id ordered btree. It is not durable and backs
// volumes configured with the memory store type and tests.
type memStore struct {
	entries *btree.BTree
	size    int64
	closed  bool
	lock    sync.RWMutex
}

func NewMemStore() Store {
	return &memStore{entries: btree.New(16)}
}

func (s *memStore) Append(ctx context.Context, e *Entry) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return apierrors.NewStorageIOError("append", errClosed)
	}
	s.entries.ReplaceOrInsert(entryItem{e.clone()})
	s.size += e.size()
	return nil
}

func (s *memStore) Range(f func(e *Entry) bool) error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	s.entries.Ascend(func(i btree.Item) bool {
		return f(i.(entryItem).clone())
	})
	return nil
}

func (s *memStore) Compact(ctx context.Context, ids map[uint64]struct{}) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return apierrors.NewStorageIOError("compact", errClosed)
	}
	for id := range ids {
		if item := s.entries.Delete(entryItem{&Entry{ID: id}}); item != nil {
			s.size -= item.(entryItem).size()
		}
	}
	return nil
}

func (s *memStore) Size() int64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.size
}

func (s *memStore) Close() error {
	s.lock.Lock()
	s.closed = true
	s.lock.Unlock()
	return nil
}
