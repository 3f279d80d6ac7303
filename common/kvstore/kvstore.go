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
)

const (
	defaultCF = CF("default")

	RocksdbLsmKVType = LsmKVType("rocksdb")
	MemoryKVType     = LsmKVType("memory")

	FIFOStyle      = CompactionStyle("fifo")
	LevelStyle     = CompactionStyle("level")
	UniversalStyle = CompactionStyle("universal")
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrKVTypeNotFound = errors.New("kv type not found")
	ErrClosed         = errors.New("kv store closed")
	ErrNoColumn       = errors.New("column family not exist")
)

type (
	CF              string
	LsmKVType       string
	CompactionStyle string

	// Store is an ordered key value engine split into column families.
	// A nil ReadOption reads the latest committed state.
	Store interface {
		CreateColumn(col CF) error
		CheckColumns(col CF) bool
		GetRaw(ctx context.Context, col CF, key []byte, readOpt ReadOption) ([]byte, error)
		SetRaw(ctx context.Context, col CF, key []byte, value []byte) error
		// List iterates keys with the given prefix in ascending order,
		// starting from marker when it is set.
		List(ctx context.Context, col CF, prefix []byte, marker []byte, readOpt ReadOption) ListReader
		// Write applies every operation of batch atomically.
		Write(ctx context.Context, batch WriteBatch) error
		NewSnapshot() Snapshot
		NewReadOption() ReadOption
		NewWriteBatch() WriteBatch
		Stats(ctx context.Context) (Stats, error)
		Close()
	}
	ListReader interface {
		// Next returns copies of the next pair, nil key at the end of the range.
		Next() (key []byte, value []byte, err error)
		Close()
	}
	Snapshot interface {
		Close()
	}
	ReadOption interface {
		SetSnapShot(snap Snapshot)
		Close()
	}
	WriteBatch interface {
		Put(col CF, key, value []byte)
		Delete(col CF, key []byte)
		// DeleteRange removes keys in [startKey, endKey).
		DeleteRange(col CF, startKey, endKey []byte)
		Count() int
		Close()
	}

	Stats struct {
		Used        uint64 `json:"used"`
		MemoryUsage uint64 `json:"memory_usage"`
	}

	Option struct {
		Sync            bool            `json:"sync"`
		DisableWal      bool            `json:"disable_wal"`
		ColumnFamily    []CF            `json:"column_family"`
		CreateIfMissing bool            `json:"create_if_missing"`
		BlockSize       int             `json:"block_size"`
		BlockCache      uint64          `json:"block_cache"`
		MaxOpenFiles    int             `json:"max_open_files"`
		WriteBufferSize int             `json:"write_buffer_size"`
		MaxWriteBuffers int             `json:"max_write_buffers"`
		MaxCompactions  int             `json:"max_compactions"`
		MaxWalLogSize   uint64          `json:"max_wal_log_size"`
		KeepLogFileNum  int             `json:"keep_log_file_num"`
		CompactionStyle CompactionStyle `json:"compaction_style"`
	}
)

func NewKVStore(ctx context.Context, path string, lsmType LsmKVType, option *Option) (Store, error) {
	if option == nil {
		option = &Option{}
	}
	switch lsmType {
	case RocksdbLsmKVType:
		return newRocksdb(ctx, path, option)
	case MemoryKVType:
		return newMemoryStore(ctx, option), nil
	default:
		return nil, ErrKVTypeNotFound
	}
}

func (cf CF) String() string {
	return string(cf)
}

// columns returns the default column followed by the configured ones.
func (o *Option) columns() []CF {
	cols := []CF{defaultCF}
	for _, col := range o.ColumnFamily {
		if col != defaultCF {
			cols = append(cols, col)
		}
	}
	return cols
}
