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
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/blobcatalog/errors"
	"github.com/cubefs/blobcatalog/proto"
	"github.com/cubefs/blobcatalog/store"
	"github.com/cubefs/blobcatalog/util"
)

func newTestFS(t *testing.T) (store.RawFS, string) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(path) })
	fs, err := store.NewPosixRawFS(path)
	require.NoError(t, err)
	return fs, path
}

func openFileLog(t *testing.T, fs store.RawFS, cfg *Config) (*CommitLog, error) {
	ctx := context.Background()
	if cfg == nil {
		cfg = &Config{}
	}
	st, err := NewStore(ctx, fs, cfg)
	if err != nil {
		return nil, err
	}
	return Open(ctx, 1, st, cfg, taskpool.New(1, 1))
}

func TestFileStore_Reopen(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t)

	l, err := openFileLog(t, fs, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), l.Size())

	require.NoError(t, l.StartTx(ctx, 1, "foo", proto.OpenModeTruncate))
	require.NoError(t, l.UpdateTxObjects(ctx, 1, proto.OffsetDiff{0: {ID: chunkA, Length: 3}}))
	require.NoError(t, l.UpdateTxMeta(ctx, 1, proto.MetaDiff{"k": "v"}))
	_, err = l.CommitTx(ctx, 1, 5, 1)
	require.NoError(t, err)
	require.NoError(t, l.StartTx(ctx, 2, "bar", 0))
	require.NoError(t, l.StartTx(ctx, 3, "baz", 0))
	require.NoError(t, l.RollbackTx(ctx, 3))
	require.NoError(t, l.StartTx(ctx, 4, "qux", 0))
	require.NoError(t, l.DeleteBlob(ctx, 4, proto.MostRecentVersion))
	_, err = l.CommitTx(ctx, 4, 6, 1)
	require.NoError(t, err)
	require.NoError(t, l.PurgeTx(ctx, 4))
	size := l.Size()
	require.NoError(t, l.Close())

	l, err = openFileLog(t, fs, nil)
	require.NoError(t, err)
	defer l.Close()
	require.Equal(t, size, l.Size())

	committed := l.CommittedTxs()
	require.Len(t, committed, 1)
	require.Equal(t, proto.TxID(1), committed[0].TxID)
	require.Equal(t, uint64(5), committed[0].SequenceID)
	require.Equal(t, proto.OffsetDiff{0: {ID: chunkA, Length: 3}}, committed[0].Offsets)
	require.Equal(t, proto.MetaDiff{"k": "v"}, committed[0].Meta)
	require.Equal(t, uint64(5), l.MaxSequenceID())
	require.Equal(t, []proto.TxID{3}, l.RolledBackTxs())

	id, ok := l.StartedTx("bar")
	require.True(t, ok)
	require.Equal(t, proto.TxID(2), id)
	_, _, err = l.GetTx(4)
	require.ErrorIs(t, err, apierrors.ErrUnknownTransaction)

	// new entries continue after the replayed ids
	entries, err := l.Entries()
	require.NoError(t, err)
	last := entries[len(entries)-1].ID
	_, err = l.CommitTx(ctx, 2, 7, 1)
	require.NoError(t, err)
	entries, err = l.Entries()
	require.NoError(t, err)
	require.Equal(t, last+1, entries[len(entries)-1].ID)
}

func TestFileStore_TornTail(t *testing.T) {
	ctx := context.Background()
	fs, path := newTestFS(t)

	l, err := openFileLog(t, fs, &Config{PreallocateBytes: -1})
	require.NoError(t, err)
	require.NoError(t, l.StartTx(ctx, 1, "foo", 0))
	require.NoError(t, l.UpdateTxMeta(ctx, 1, proto.MetaDiff{"k": "v"}))
	require.NoError(t, l.Close())

	// append and link a record without publishing it in the header
	name := filepath.Join(path, LogFileName)
	f, err := os.OpenFile(name, os.O_RDWR, 0o644)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	tail := info.Size()

	raw := make([]byte, fileHeaderSize)
	_, err = f.ReadAt(raw, 0)
	require.NoError(t, err)
	var h fileHeader
	h.decode(raw)
	require.Equal(t, uint32(2), h.count)

	e := &Entry{Type: EntryRollback, ID: 100, TxID: 1, Timestamp: uint64(time.Now().UnixNano())}
	record := make([]byte, e.size())
	encodeRecord(e, 0, record)
	_, err = f.WriteAt(record, tail)
	require.NoError(t, err)
	link := make([]byte, 4)
	binary.LittleEndian.PutUint32(link, uint32(tail))
	_, err = f.WriteAt(link, int64(h.last)+offNext)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l, err = openFileLog(t, fs, &Config{PreallocateBytes: -1})
	require.NoError(t, err)
	entries, err := l.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	_, state, err := l.GetTx(1)
	require.NoError(t, err)
	require.Equal(t, TxStateStarted, state)

	info, err = os.Stat(name)
	require.NoError(t, err)
	require.Equal(t, tail, info.Size())

	// the log keeps working after recovery
	require.NoError(t, l.RollbackTx(ctx, 1))
	require.NoError(t, l.Close())
	l, err = openFileLog(t, fs, &Config{PreallocateBytes: -1})
	require.NoError(t, err)
	defer l.Close()
	entries, err = l.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, EntryRollback, entries[2].Type)
	require.Equal(t, uint64(3), entries[2].ID)
}

func TestFileStore_Corruption(t *testing.T) {
	ctx := context.Background()
	fs, path := newTestFS(t)

	l, err := openFileLog(t, fs, nil)
	require.NoError(t, err)
	require.NoError(t, l.StartTx(ctx, 1, "foo", 0))
	require.NoError(t, l.Close())

	name := filepath.Join(path, LogFileName)
	f, err := os.OpenFile(name, os.O_RDWR, 0o644)
	require.NoError(t, err)
	b := make([]byte, 1)
	off := int64(fileHeaderSize + recordHeaderSize + 2)
	_, err = f.ReadAt(b, off)
	require.NoError(t, err)
	b[0] ^= 0xff
	_, err = f.WriteAt(b, off)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = openFileLog(t, fs, nil)
	require.ErrorIs(t, err, apierrors.ErrChecksumMismatch)
}

func TestFileStore_BrokenHeader(t *testing.T) {
	ctx := context.Background()
	fs, path := newTestFS(t)

	l, err := openFileLog(t, fs, nil)
	require.NoError(t, err)
	require.NoError(t, l.StartTx(ctx, 1, "foo", 0))
	require.NoError(t, l.Close())

	// a header claiming more records than the file holds
	name := filepath.Join(path, LogFileName)
	f, err := os.OpenFile(name, os.O_RDWR, 0o644)
	require.NoError(t, err)
	count := make([]byte, 4)
	binary.LittleEndian.PutUint32(count, 5)
	_, err = f.WriteAt(count, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = openFileLog(t, fs, nil)
	require.ErrorIs(t, err, apierrors.ErrChecksumMismatch)
}

func TestFileStore_Compaction(t *testing.T) {
	ctx := context.Background()
	fs, path := newTestFS(t)
	cfg := &Config{CompactThresholdBytes: 1, DisableSync: true}

	l, err := openFileLog(t, fs, cfg)
	require.NoError(t, err)
	for i := proto.TxID(1); i <= 10; i++ {
		require.NoError(t, l.StartTx(ctx, i, "foo", 0))
		require.NoError(t, l.UpdateTxObjects(ctx, i, proto.OffsetDiff{0: {ID: chunkB, Length: uint32(i)}}))
		_, err = l.CommitTx(ctx, i, i, 0)
		require.NoError(t, err)
		if i != 10 {
			require.NoError(t, l.PurgeTx(ctx, i))
		}
	}
	require.NoError(t, l.StartTx(ctx, 11, "bar", 0))
	require.NoError(t, l.RollbackTx(ctx, 11))
	require.NoError(t, l.PurgeTx(ctx, 11))

	require.Eventually(t, func() bool {
		if l.compactor.current() != compactIdle {
			return false
		}
		entries, err := l.Entries()
		require.NoError(t, err)
		return len(entries) == 3
	}, 5*time.Second, 10*time.Millisecond)
	size := l.Size()
	require.NoError(t, l.Close())

	_, err = os.Stat(filepath.Join(path, LogFileName+compactSuffix))
	require.True(t, os.IsNotExist(err))

	l, err = openFileLog(t, fs, cfg)
	require.NoError(t, err)
	defer l.Close()
	require.Equal(t, size, l.Size())
	committed := l.CommittedTxs()
	require.Len(t, committed, 1)
	require.Equal(t, proto.TxID(10), committed[0].TxID)
	require.Equal(t, proto.OffsetDiff{0: {ID: chunkB, Length: 10}}, committed[0].Offsets)
}

func TestFileStore_StaleCompactionFile(t *testing.T) {
	fs, path := newTestFS(t)
	require.NoError(t, os.WriteFile(filepath.Join(path, LogFileName+compactSuffix), []byte("junk"), 0o644))

	l, err := openFileLog(t, fs, nil)
	require.NoError(t, err)
	defer l.Close()
	_, err = os.Stat(filepath.Join(path, LogFileName+compactSuffix))
	require.True(t, os.IsNotExist(err))
}

func TestNewStore_UnknownType(t *testing.T) {
	_, err := NewStore(context.Background(), nil, &Config{StoreType: "tape"})
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)
}
