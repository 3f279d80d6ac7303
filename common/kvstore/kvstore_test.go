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
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/blobcatalog/util"
)

func withStores(t *testing.T, f func(t *testing.T, s Store)) {
	for _, kvType := range []LsmKVType{RocksdbLsmKVType, MemoryKVType} {
		t.Run(string(kvType), func(t *testing.T) {
			path, err := util.GenTmpPath()
			require.NoError(t, err)
			defer os.RemoveAll(path)
			s, err := NewKVStore(context.Background(), path, kvType, &Option{
				CreateIfMissing: true,
				Sync:            true,
				ColumnFamily:    []CF{"blob", "offset"},
			})
			require.NoError(t, err)
			defer s.Close()
			f(t, s)
		})
	}
}

func collect(t *testing.T, lr ListReader) (keys []string) {
	defer lr.Close()
	for {
		k, _, err := lr.Next()
		require.NoError(t, err)
		if k == nil {
			return
		}
		keys = append(keys, string(k))
	}
}

func TestNewKVStore(t *testing.T) {
	ctx := context.Background()
	_, err := NewKVStore(ctx, "", "unknown", nil)
	require.ErrorIs(t, err, ErrKVTypeNotFound)
	_, err = NewKVStore(ctx, "", RocksdbLsmKVType, nil)
	require.Error(t, err)

	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)
	opt := &Option{
		CreateIfMissing: true,
		ColumnFamily:    []CF{"blob", "offset", defaultCF},
		BlockSize:       64 << 10,
		BlockCache:      1 << 20,
		MaxOpenFiles:    256,
		WriteBufferSize: 1 << 20,
		MaxWriteBuffers: 2,
		MaxCompactions:  2,
		MaxWalLogSize:   1 << 20,
		KeepLogFileNum:  4,
		CompactionStyle: UniversalStyle,
	}
	s, err := NewKVStore(ctx, path, RocksdbLsmKVType, opt)
	require.NoError(t, err)
	require.NoError(t, s.SetRaw(ctx, "blob", []byte("a"), []byte("1")))
	s.Close()

	s, err = NewKVStore(ctx, path, RocksdbLsmKVType, opt)
	require.NoError(t, err)
	v, err := s.GetRaw(ctx, "blob", []byte("a"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
	s.Close()

	// every existing column must be opened
	_, err = NewKVStore(ctx, path, RocksdbLsmKVType, &Option{ColumnFamily: []CF{"blob"}})
	require.Error(t, err)
}

func TestStore_Columns(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.True(t, s.CheckColumns(""))
		require.True(t, s.CheckColumns("blob"))
		require.False(t, s.CheckColumns("sys"))

		_, err := s.GetRaw(ctx, "sys", []byte("k"), nil)
		require.ErrorIs(t, err, ErrNoColumn)
		require.ErrorIs(t, s.SetRaw(ctx, "sys", []byte("k"), nil), ErrNoColumn)
		_, _, err = s.List(ctx, "sys", nil, nil, nil).Next()
		require.ErrorIs(t, err, ErrNoColumn)

		require.NoError(t, s.CreateColumn("sys"))
		require.NoError(t, s.CreateColumn("sys"))
		require.NoError(t, s.SetRaw(ctx, "sys", []byte("k"), []byte{1}))
		v, err := s.GetRaw(ctx, "sys", []byte("k"), nil)
		require.NoError(t, err)
		require.Equal(t, []byte{1}, v)
		_, err = s.GetRaw(ctx, "sys", []byte("x"), nil)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_WriteBatch(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		batch := s.NewWriteBatch()
		for i := 0; i < 6; i++ {
			batch.Put("offset", []byte(fmt.Sprintf("blob1/%d", i)), []byte{byte(i)})
		}
		batch.Put("blob", []byte("blob1"), []byte("desc"))
		require.Equal(t, 7, batch.Count())
		require.NoError(t, s.Write(ctx, batch))
		batch.Close()

		batch = s.NewWriteBatch()
		defer batch.Close()
		batch.DeleteRange("offset", []byte("blob1/1"), []byte("blob1/4"))
		batch.Delete("offset", []byte("blob1/5"))
		batch.Delete("blob", []byte("blob1"))
		require.NoError(t, s.Write(ctx, batch))

		require.Equal(t, []string{"blob1/0", "blob1/4"}, collect(t, s.List(ctx, "offset", nil, nil, nil)))
		_, err := s.GetRaw(ctx, "blob", []byte("blob1"), nil)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_List(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, k := range []string{"b/2", "a/1", "b/1", "c", "b/3", "a/2"} {
			require.NoError(t, s.SetRaw(ctx, "blob", []byte(k), []byte("v"+k)))
		}
		require.Equal(t, []string{"a/1", "a/2", "b/1", "b/2", "b/3", "c"}, collect(t, s.List(ctx, "blob", nil, nil, nil)))
		require.Equal(t, []string{"b/1", "b/2", "b/3"}, collect(t, s.List(ctx, "blob", []byte("b/"), nil, nil)))
		require.Equal(t, []string{"b/2", "b/3"}, collect(t, s.List(ctx, "blob", []byte("b/"), []byte("b/2"), nil)))
		require.Empty(t, collect(t, s.List(ctx, "blob", []byte("d"), nil, nil)))

		lr := s.List(ctx, "blob", []byte("c"), nil, nil)
		defer lr.Close()
		k, v, err := lr.Next()
		require.NoError(t, err)
		require.Equal(t, []byte("c"), k)
		require.Equal(t, []byte("vc"), v)
	})
}

func TestStore_Snapshot(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SetRaw(ctx, "blob", []byte("k1"), []byte("old")))

		snap := s.NewSnapshot()
		defer snap.Close()
		ro := s.NewReadOption()
		defer ro.Close()
		ro.SetSnapShot(snap)

		require.NoError(t, s.SetRaw(ctx, "blob", []byte("k1"), []byte("new")))
		require.NoError(t, s.SetRaw(ctx, "blob", []byte("k2"), []byte("v2")))

		v, err := s.GetRaw(ctx, "blob", []byte("k1"), ro)
		require.NoError(t, err)
		require.Equal(t, []byte("old"), v)
		v, err = s.GetRaw(ctx, "blob", []byte("k1"), nil)
		require.NoError(t, err)
		require.Equal(t, []byte("new"), v)

		require.Equal(t, []string{"k1"}, collect(t, s.List(ctx, "blob", nil, nil, ro)))
		require.Equal(t, []string{"k1", "k2"}, collect(t, s.List(ctx, "blob", nil, nil, nil)))
	})
}

func TestStore_Stats(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SetRaw(ctx, "blob", []byte("key"), []byte("value")))
		_, err := s.Stats(ctx)
		require.NoError(t, err)
	})
}

func TestMemoryStore_Closed(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(ctx, &Option{})
	s.Close()
	require.ErrorIs(t, s.SetRaw(ctx, defaultCF, []byte("k"), []byte("v")), ErrClosed)
	_, err := s.GetRaw(ctx, defaultCF, []byte("k"), nil)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.CreateColumn("c"), ErrClosed)
	_, _, err = s.List(ctx, defaultCF, nil, nil, nil).Next()
	require.ErrorIs(t, err, ErrClosed)
}
