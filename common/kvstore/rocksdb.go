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
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	rdb "github.com/tecbot/gorocksdb"
)

var rocksdbMemoryProperties = []string{
	"rocksdb.cur-size-all-mem-tables",
	"rocksdb.estimate-table-readers-mem",
}

type (
	rocksdb struct {
		path     string
		db       *rdb.DB
		opt      *rdb.Options
		readOpt  *rdb.ReadOptions
		writeOpt *rdb.WriteOptions

		lock    sync.RWMutex
		columns map[CF]*rdb.ColumnFamilyHandle
	}
	rocksdbSnapshot struct {
		db   *rdb.DB
		snap *rdb.Snapshot
	}
	rocksdbReadOption struct {
		opt *rdb.ReadOptions
	}
	rocksdbIterator struct {
		it      *rdb.Iterator
		prefix  []byte
		started bool
	}
	rocksdbBatch struct {
		s     *rocksdb
		batch *rdb.WriteBatch
	}
	errListReader struct {
		err error
	}
)

func newRocksdb(ctx context.Context, path string, option *Option) (Store, error) {
	if path == "" {
		return nil, errors.New("rocksdb path is empty")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	opt := rocksdbOptions(option)
	cols := option.columns()
	names := make([]string, len(cols))
	colOpts := make([]*rdb.Options, len(cols))
	for i, col := range cols {
		names[i] = col.String()
		colOpts[i] = opt
	}
	db, handles, err := rdb.OpenDbColumnFamilies(opt, path, names, colOpts)
	if err != nil {
		opt.Destroy()
		return nil, fmt.Errorf("open rocksdb %s: %w", path, err)
	}

	s := &rocksdb{
		path:     path,
		db:       db,
		opt:      opt,
		readOpt:  rdb.NewDefaultReadOptions(),
		writeOpt: rdb.NewDefaultWriteOptions(),
		columns:  make(map[CF]*rdb.ColumnFamilyHandle, len(cols)),
	}
	s.writeOpt.SetSync(option.Sync)
	s.writeOpt.DisableWAL(option.DisableWal)
	for i, h := range handles {
		s.columns[cols[i]] = h
	}
	return s, nil
}

func rocksdbOptions(option *Option) *rdb.Options {
	opt := rdb.NewDefaultOptions()
	opt.SetCreateIfMissing(option.CreateIfMissing)
	opt.SetCreateIfMissingColumnFamilies(true)
	opt.SetStatsDumpPeriodSec(0)

	table := rdb.NewDefaultBlockBasedTableOptions()
	if option.BlockSize > 0 {
		table.SetBlockSize(option.BlockSize)
	}
	if option.BlockCache > 0 {
		table.SetBlockCache(rdb.NewLRUCache(option.BlockCache))
	}
	opt.SetBlockBasedTableFactory(table)

	if option.MaxOpenFiles > 0 {
		opt.SetMaxOpenFiles(option.MaxOpenFiles)
	}
	if option.WriteBufferSize > 0 {
		opt.SetWriteBufferSize(option.WriteBufferSize)
	}
	if option.MaxWriteBuffers > 0 {
		opt.SetMaxWriteBufferNumber(option.MaxWriteBuffers)
	}
	if option.MaxCompactions > 0 {
		opt.SetMaxBackgroundCompactions(option.MaxCompactions)
	}
	if option.MaxWalLogSize > 0 {
		opt.SetMaxTotalWalSize(option.MaxWalLogSize)
	}
	if option.KeepLogFileNum > 0 {
		opt.SetKeepLogFileNum(option.KeepLogFileNum)
	}
	switch option.CompactionStyle {
	case FIFOStyle:
		opt.SetCompactionStyle(rdb.FIFOCompactionStyle)
	case UniversalStyle:
		opt.SetCompactionStyle(rdb.UniversalCompactionStyle)
	case LevelStyle:
		opt.SetCompactionStyle(rdb.LevelCompactionStyle)
	}
	return opt
}

func (s *rocksdb) column(col CF) (*rdb.ColumnFamilyHandle, error) {
	if col == "" {
		col = defaultCF
	}
	s.lock.RLock()
	h, ok := s.columns[col]
	s.lock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoColumn, col)
	}
	return h, nil
}

// mustColumn is for batch operations which can not report errors.
func (s *rocksdb) mustColumn(col CF) *rdb.ColumnFamilyHandle {
	h, err := s.column(col)
	if err != nil {
		panic(err)
	}
	return h
}

func (s *rocksdb) readOption(readOpt ReadOption) *rdb.ReadOptions {
	if ro, ok := readOpt.(*rocksdbReadOption); ok && ro != nil {
		return ro.opt
	}
	return s.readOpt
}

func (s *rocksdb) CreateColumn(col CF) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.columns[col]; ok {
		return nil
	}
	h, err := s.db.CreateColumnFamily(s.opt, col.String())
	if err != nil {
		return err
	}
	s.columns[col] = h
	return nil
}

func (s *rocksdb) CheckColumns(col CF) bool {
	_, err := s.column(col)
	return err == nil
}

func (s *rocksdb) GetRaw(ctx context.Context, col CF, key []byte, readOpt ReadOption) ([]byte, error) {
	h, err := s.column(col)
	if err != nil {
		return nil, err
	}
	v, err := s.db.GetCF(s.readOption(readOpt), h, key)
	if err != nil {
		return nil, err
	}
	defer v.Free()
	if !v.Exists() {
		return nil, ErrNotFound
	}
	return cloneBytes(v.Data()), nil
}

func (s *rocksdb) SetRaw(ctx context.Context, col CF, key []byte, value []byte) error {
	h, err := s.column(col)
	if err != nil {
		return err
	}
	return s.db.PutCF(s.writeOpt, h, key, value)
}

func (s *rocksdb) List(ctx context.Context, col CF, prefix []byte, marker []byte, readOpt ReadOption) ListReader {
	h, err := s.column(col)
	if err != nil {
		return errListReader{err: err}
	}
	it := s.db.NewIteratorCF(s.readOption(readOpt), h)
	switch {
	case len(marker) > 0:
		it.Seek(marker)
	case len(prefix) > 0:
		it.Seek(prefix)
	default:
		it.SeekToFirst()
	}
	return &rocksdbIterator{it: it, prefix: prefix}
}

func (s *rocksdb) Write(ctx context.Context, batch WriteBatch) error {
	return s.db.Write(s.writeOpt, batch.(*rocksdbBatch).batch)
}

func (s *rocksdb) NewSnapshot() Snapshot {
	return &rocksdbSnapshot{db: s.db, snap: s.db.NewSnapshot()}
}

func (s *rocksdb) NewReadOption() ReadOption {
	return &rocksdbReadOption{opt: rdb.NewDefaultReadOptions()}
}

func (s *rocksdb) NewWriteBatch() WriteBatch {
	return &rocksdbBatch{s: s, batch: rdb.NewWriteBatch()}
}

// Stats reports the size of live sst files and the memory held by memtables,
// table readers and the block cache.
func (s *rocksdb) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	for _, f := range s.db.GetLiveFilesMetaData() {
		stats.Used += uint64(f.Size)
	}
	s.lock.RLock()
	for _, h := range s.columns {
		for _, prop := range rocksdbMemoryProperties {
			n, _ := strconv.ParseUint(s.db.GetPropertyCF(prop, h), 10, 64)
			stats.MemoryUsage += n
		}
	}
	s.lock.RUnlock()
	n, _ := strconv.ParseUint(s.db.GetProperty("rocksdb.block-cache-usage"), 10, 64)
	stats.MemoryUsage += n
	return stats, nil
}

func (s *rocksdb) Close() {
	s.lock.Lock()
	for col, h := range s.columns {
		h.Destroy()
		delete(s.columns, col)
	}
	s.lock.Unlock()
	s.db.Close()
	s.readOpt.Destroy()
	s.writeOpt.Destroy()
	s.opt.Destroy()
}

func (ss *rocksdbSnapshot) Close() {
	ss.db.ReleaseSnapshot(ss.snap)
}

func (ro *rocksdbReadOption) SetSnapShot(snap Snapshot) {
	ro.opt.SetSnapshot(snap.(*rocksdbSnapshot).snap)
}

func (ro *rocksdbReadOption) Close() {
	ro.opt.Destroy()
}

func (r *rocksdbIterator) Next() ([]byte, []byte, error) {
	if r.started {
		r.it.Next()
	}
	r.started = true
	if err := r.it.Err(); err != nil {
		return nil, nil, err
	}
	if !r.it.Valid() || (len(r.prefix) > 0 && !r.it.ValidForPrefix(r.prefix)) {
		return nil, nil, nil
	}
	k, v := r.it.Key(), r.it.Value()
	key, value := cloneBytes(k.Data()), cloneBytes(v.Data())
	k.Free()
	v.Free()
	if value == nil {
		value = []byte{}
	}
	return key, value, nil
}

func (r *rocksdbIterator) Close() {
	r.it.Close()
}

func (e errListReader) Next() ([]byte, []byte, error) { return nil, nil, e.err }
func (e errListReader) Close()                        {}

func (b *rocksdbBatch) Put(col CF, key, value []byte) {
	b.batch.PutCF(b.s.mustColumn(col), key, value)
}

func (b *rocksdbBatch) Delete(col CF, key []byte) {
	b.batch.DeleteCF(b.s.mustColumn(col), key)
}

func (b *rocksdbBatch) DeleteRange(col CF, startKey, endKey []byte) {
	b.batch.DeleteRangeCF(b.s.mustColumn(col), startKey, endKey)
}

func (b *rocksdbBatch) Count() int {
	return b.batch.Count()
}

func (b *rocksdbBatch) Close() {
	b.batch.Destroy()
}
