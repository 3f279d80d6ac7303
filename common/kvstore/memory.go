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

package kvstore

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/cubefs/cubefs/util/btree"
)

const memoryTreeDegree = 32

// memoryStore is an ordered in-process engine backed by one btree per
// column family. Snapshots are copy-on-write clones of every tree.
type (
	memoryStore struct {
		trees  map[CF]*btree.BTree
		closed bool
		lock   sync.RWMutex
	}
	memItem struct {
		key   []byte
		value []byte
	}
	memSnapshot struct {
		trees map[CF]*btree.BTree
	}
	memReadOption struct {
		snap *memSnapshot
	}
	memBatchOp struct {
		col      CF
		key      []byte
		value    []byte
		endKey   []byte
		isDelete bool
	}
	memWriteBatch struct {
		ops []memBatchOp
	}
	memListReader struct {
		tree    *btree.BTree
		prefix  []byte
		pivot   []byte
		started bool
	}
)

func (i *memItem) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*memItem).key) < 0
}

func (i *memItem) Copy() btree.Item {
	return &memItem{key: i.key, value: i.value}
}

func newMemoryStore(ctx context.Context, option *Option) Store {
	s := &memoryStore{trees: make(map[CF]*btree.BTree)}
	for _, col := range option.columns() {
		s.trees[col] = btree.New(memoryTreeDegree)
	}
	return s
}

// Clone swaps the copy-on-write context of the source tree, so it needs the
// write lock.
func (s *memoryStore) NewSnapshot() Snapshot {
	s.lock.Lock()
	defer s.lock.Unlock()
	snap := &memSnapshot{trees: make(map[CF]*btree.BTree, len(s.trees))}
	for col, tree := range s.trees {
		snap.trees[col] = tree.Clone()
	}
	return snap
}

func (s *memoryStore) CreateColumn(col CF) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.trees[col]; !ok {
		s.trees[col] = btree.New(memoryTreeDegree)
	}
	return nil
}

func (s *memoryStore) CheckColumns(col CF) bool {
	if col == "" {
		return true
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, ok := s.trees[col]
	return ok
}

func (s *memoryStore) GetRaw(ctx context.Context, col CF, key []byte, readOpt ReadOption) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	tree, err := s.readTree(col, readOpt)
	if err != nil {
		return nil, err
	}
	item := tree.Get(&memItem{key: key})
	if item == nil {
		return nil, ErrNotFound
	}
	return cloneBytes(item.(*memItem).value), nil
}

func (s *memoryStore) SetRaw(ctx context.Context, col CF, key []byte, value []byte) error {
	batch := s.NewWriteBatch()
	batch.Put(col, key, value)
	return s.Write(ctx, batch)
}

func (s *memoryStore) List(ctx context.Context, col CF, prefix []byte, marker []byte, readOpt ReadOption) ListReader {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return errListReader{err: ErrClosed}
	}
	tree, err := s.readTree(col, readOpt)
	if err != nil {
		return errListReader{err: err}
	}
	pivot := prefix
	if len(marker) > 0 {
		pivot = marker
	}
	return &memListReader{tree: tree.Clone(), prefix: prefix, pivot: cloneBytes(pivot)}
}

// Write applies the whole batch under one lock, so readers observe all of
// it or none of it.
func (s *memoryStore) Write(ctx context.Context, batch WriteBatch) error {
	b := batch.(*memWriteBatch)
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, op := range b.ops {
		if _, err := s.readTree(op.col, nil); err != nil {
			return err
		}
	}
	for _, op := range b.ops {
		tree, _ := s.readTree(op.col, nil)
		switch {
		case op.endKey != nil:
			var items []btree.Item
			tree.AscendGreaterOrEqual(&memItem{key: op.key}, func(i btree.Item) bool {
				if bytes.Compare(i.(*memItem).key, op.endKey) >= 0 {
					return false
				}
				items = append(items, i)
				return true
			})
			for _, item := range items {
				tree.Delete(item)
			}
		case op.isDelete:
			tree.Delete(&memItem{key: op.key})
		default:
			tree.ReplaceOrInsert(&memItem{key: op.key, value: op.value})
		}
	}
	return nil
}

func (s *memoryStore) NewReadOption() ReadOption {
	return &memReadOption{}
}

func (s *memoryStore) NewWriteBatch() WriteBatch {
	return &memWriteBatch{}
}

func (s *memoryStore) Stats(ctx context.Context) (Stats, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var used uint64
	for _, tree := range s.trees {
		tree.Ascend(func(i btree.Item) bool {
			item := i.(*memItem)
			used += uint64(len(item.key) + len(item.value))
			return true
		})
	}
	return Stats{Used: used, MemoryUsage: used}, nil
}

func (s *memoryStore) Close() {
	s.lock.Lock()
	s.closed = true
	s.lock.Unlock()
}

func (s *memoryStore) readTree(col CF, readOpt ReadOption) (*btree.BTree, error) {
	if col == "" {
		col = defaultCF
	}
	trees := s.trees
	if ro, ok := readOpt.(*memReadOption); ok && ro.snap != nil {
		trees = ro.snap.trees
	}
	tree, ok := trees[col]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoColumn, col)
	}
	return tree, nil
}

func (ss *memSnapshot) Close() {
	ss.trees = nil
}

func (ro *memReadOption) SetSnapShot(snap Snapshot) {
	ro.snap = snap.(*memSnapshot)
}

func (ro *memReadOption) Close() {}

func (w *memWriteBatch) Put(col CF, key, value []byte) {
	if value == nil {
		value = []byte{}
	}
	w.ops = append(w.ops, memBatchOp{col: col, key: cloneBytes(key), value: cloneBytes(value)})
}

func (w *memWriteBatch) Delete(col CF, key []byte) {
	w.ops = append(w.ops, memBatchOp{col: col, key: cloneBytes(key), isDelete: true})
}

func (w *memWriteBatch) DeleteRange(col CF, startKey, endKey []byte) {
	w.ops = append(w.ops, memBatchOp{col: col, key: cloneBytes(startKey), endKey: cloneBytes(endKey), isDelete: true})
}

func (w *memWriteBatch) Count() int {
	return len(w.ops)
}

func (w *memWriteBatch) Close() {
	w.ops = nil
}

func (lr *memListReader) Next() ([]byte, []byte, error) {
	if lr.tree == nil {
		return nil, nil, ErrClosed
	}
	var found *memItem
	visit := func(i btree.Item) bool {
		item := i.(*memItem)
		if lr.started && bytes.Equal(item.key, lr.pivot) {
			return true
		}
		found = item
		return false
	}
	if lr.pivot == nil {
		lr.tree.Ascend(visit)
	} else {
		lr.tree.AscendGreaterOrEqual(&memItem{key: lr.pivot}, visit)
	}
	lr.started = true
	if found == nil || (len(lr.prefix) > 0 && !bytes.HasPrefix(found.key, lr.prefix)) {
		return nil, nil, nil
	}
	lr.pivot = found.key
	return cloneBytes(found.key), cloneBytes(found.value), nil
}

func (lr *memListReader) Close() {
	lr.tree = nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	ret := make([]byte, len(b))
	copy(ret, b)
	return ret
}
