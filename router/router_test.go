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

package router

import (
	"context"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/blobcatalog/cache"
	"github.com/cubefs/blobcatalog/catalog"
	"github.com/cubefs/blobcatalog/commitlog"
	"github.com/cubefs/blobcatalog/common/kvstore"
	apierrors "github.com/cubefs/blobcatalog/errors"
	"github.com/cubefs/blobcatalog/proto"
	"github.com/cubefs/blobcatalog/timevolume"
	"github.com/cubefs/blobcatalog/util"
)

var (
	dataA  = []byte("aaaa")
	dataB  = []byte("bbb")
	chunkA = proto.NewObjectID(dataA)
	chunkB = proto.NewObjectID(dataB)
)

type memChunks struct {
	lock   sync.Mutex
	chunks map[proto.ChunkRef][]byte
	reads  int
}

func (m *memChunks) GetChunk(ctx context.Context, vid proto.VolumeID, id proto.ChunkRef) ([]byte, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.reads++
	data, ok := m.chunks[id]
	if !ok {
		return nil, apierrors.ErrNotFound
	}
	return data, nil
}

func newTestRouter(t *testing.T, chunks ChunkStore) (*Router, *timevolume.TimeVolumeCatalog) {
	ctx := context.Background()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(path) })

	tvc, err := timevolume.New(ctx, &timevolume.Config{
		Path:      path,
		KVType:    kvstore.MemoryKVType,
		CommitLog: commitlog.Config{StoreType: commitlog.StoreTypeMemory},
		Catalog:   catalog.Config{ChunkSize: 4},
	})
	require.NoError(t, err)
	t.Cleanup(tvc.Close)
	require.NoError(t, tvc.AddVolume(ctx, 1))
	require.NoError(t, tvc.ActivateVolume(ctx, 1))

	return NewRouter(tvc, cache.New(cache.Config{}), chunks), tvc
}

func putBlob(t *testing.T, r *Router, tvc *timevolume.TimeVolumeCatalog, txID proto.TxID, name string,
	mode proto.OpenMode, offsets proto.OffsetDiff,
) *proto.CommitResult {
	ctx := context.Background()
	require.NoError(t, tvc.StartBlobTx(ctx, 1, "", txID, name, mode))
	require.NoError(t, tvc.UpdateBlobTx(ctx, 1, "", txID, offsets, nil))
	ret, err := r.CommitBlobTx(ctx, 1, "", name, txID, 0)
	require.NoError(t, err)
	return ret
}

func TestRouter_CommitPopulatesCache(t *testing.T) {
	ctx := context.Background()
	r, tvc := newTestRouter(t, nil)

	offsets := proto.OffsetDiff{0: {ID: chunkA, Length: 4}, 4: {ID: chunkB, Length: 3}}
	ret := putBlob(t, r, tvc, 1, "foo", proto.OpenModeNone, offsets)

	desc, got, err := r.GetObjects(ctx, 1, "foo", 0, 0)
	require.NoError(t, err)
	require.Equal(t, ret.Descriptor.Version, desc.Version)
	require.Equal(t, uint64(7), desc.Size)
	require.Equal(t, offsets, got)

	stats := r.Cache().Stats()
	require.Equal(t, uint64(1), stats.Descriptors.Hits)
	require.Equal(t, uint64(2), stats.Offsets.Hits)
	require.Zero(t, stats.Descriptors.Misses)
	require.Zero(t, stats.Offsets.Misses)

	// partial range
	_, got, err = r.GetObjects(ctx, 1, "foo", 5, 7)
	require.NoError(t, err)
	require.Equal(t, proto.OffsetDiff{4: offsets[4]}, got)

	_, _, err = r.GetObjects(ctx, 1, "foo", 4, 4)
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)
}

func TestRouter_ReadThrough(t *testing.T) {
	ctx := context.Background()
	r, tvc := newTestRouter(t, nil)

	// committed behind the router's back
	offsets := proto.OffsetDiff{0: {ID: chunkA, Length: 4}}
	require.NoError(t, tvc.StartBlobTx(ctx, 1, "", 1, "foo", proto.OpenModeNone))
	require.NoError(t, tvc.UpdateBlobTx(ctx, 1, "", 1, offsets, proto.MetaDiff{"k": "v"}))
	_, err := tvc.CommitBlobTx(ctx, 1, "", "foo", 1, 0, nil)
	require.NoError(t, err)

	desc, err := r.GetBlobMeta(ctx, 1, "foo")
	require.NoError(t, err)
	require.Equal(t, "v", desc.Meta["k"])
	require.Equal(t, uint64(1), r.Cache().Stats().Descriptors.Misses)

	_, got, err := r.GetObjects(ctx, 1, "foo", 0, 0)
	require.NoError(t, err)
	require.Equal(t, offsets, got)
	_, got, err = r.GetObjects(ctx, 1, "foo", 0, 0)
	require.NoError(t, err)
	require.Equal(t, offsets, got)

	stats := r.Cache().Stats()
	require.Equal(t, uint64(1), stats.Offsets.Misses)
	require.Equal(t, uint64(1), stats.Offsets.Hits)

	_, err = r.GetBlobMeta(ctx, 1, "bar")
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	_, err = r.GetBlobMeta(ctx, 2, "foo")
	require.ErrorIs(t, err, apierrors.ErrVolumeNotFound)
}

func TestRouter_CacheFollowsCatalog(t *testing.T) {
	ctx := context.Background()
	r, tvc := newTestRouter(t, nil)

	putBlob(t, r, tvc, 1, "foo", proto.OpenModeNone, proto.OffsetDiff{0: {ID: chunkA, Length: 4}})
	ret := putBlob(t, r, tvc, 2, "foo", proto.OpenModeTruncate, proto.OffsetDiff{0: {ID: chunkB, Length: 3}})

	for i := 0; i < 2; i++ {
		desc, got, err := r.GetObjects(ctx, 1, "foo", 0, 0)
		require.NoError(t, err)
		want, wantOffsets, err := tvc.GetBlob(ctx, 1, "foo", 0, 0)
		require.NoError(t, err)
		require.Equal(t, want.Version, desc.Version)
		require.Equal(t, ret.Descriptor.Version, desc.Version)
		require.Equal(t, wantOffsets, got)
	}
}

func TestRouter_DeleteBlob(t *testing.T) {
	ctx := context.Background()
	r, tvc := newTestRouter(t, nil)

	ret := putBlob(t, r, tvc, 1, "foo", proto.OpenModeNone, proto.OffsetDiff{0: {ID: chunkA, Length: 4}})
	_, err := r.GetBlobMeta(ctx, 1, "foo")
	require.NoError(t, err)

	// a wrong version is refused and the transaction is aborted
	_, err = r.DeleteBlob(ctx, 1, "", 2, "foo", ret.Descriptor.Version+100)
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	pending, err := tvc.PendingTxs(1, time.Unix(0, math.MaxInt64))
	require.NoError(t, err)
	require.Empty(t, pending)

	_, ok := r.Cache().GetOffset(1, "foo", ret.Descriptor.Version, 0)
	require.True(t, ok)
	seq, err := r.DeleteBlob(ctx, 1, "", 3, "foo", proto.MostRecentVersion)
	require.NoError(t, err)
	require.Greater(t, seq, ret.Descriptor.Version)
	_, ok = r.Cache().GetOffset(1, "foo", ret.Descriptor.Version, 0)
	require.False(t, ok)

	_, err = r.GetBlobMeta(ctx, 1, "foo")
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	_, _, err = r.GetObjects(ctx, 1, "foo", 0, 0)
	require.ErrorIs(t, err, apierrors.ErrNotFound)

	// a stale read cannot bring the descriptor back
	r.Cache().PutDescriptor(1, ret.Descriptor)
	_, err = r.GetBlobMeta(ctx, 1, "foo")
	require.ErrorIs(t, err, apierrors.ErrNotFound)

	// recreating the blob is visible again
	putBlob(t, r, tvc, 4, "foo", proto.OpenModeNone, proto.OffsetDiff{0: {ID: chunkB, Length: 3}})
	desc, err := r.GetBlobMeta(ctx, 1, "foo")
	require.NoError(t, err)
	require.Equal(t, uint64(3), desc.Size)
}

func TestRouter_RenameBlob(t *testing.T) {
	ctx := context.Background()
	r, tvc := newTestRouter(t, nil)

	offsets := proto.OffsetDiff{0: {ID: chunkA, Length: 4}, 4: {ID: chunkB, Length: 3}}
	ret := putBlob(t, r, tvc, 1, "foo", proto.OpenModeNone, offsets)

	seq, err := r.RenameBlob(ctx, 1, "", "foo", "bar")
	require.NoError(t, err)
	for off := range offsets {
		_, ok := r.Cache().GetOffset(1, "foo", ret.Descriptor.Version, off)
		require.False(t, ok)
	}

	_, err = r.GetBlobMeta(ctx, 1, "foo")
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	desc, got, err := r.GetObjects(ctx, 1, "bar", 0, 0)
	require.NoError(t, err)
	require.Equal(t, seq, desc.Version)
	require.Equal(t, uint64(7), desc.Size)
	require.Equal(t, offsets, got)
}

func TestRouter_OwnershipChange(t *testing.T) {
	ctx := context.Background()
	r, tvc := newTestRouter(t, nil)

	putBlob(t, r, tvc, 1, "foo", proto.OpenModeNone, proto.OffsetDiff{0: {ID: chunkA, Length: 4}})
	require.Equal(t, 1, r.Cache().Stats().Descriptors.Entries)

	tvc.NotifyOwnershipChange(ctx, 1)
	stats := r.Cache().Stats()
	require.Zero(t, stats.Descriptors.Entries)
	require.Zero(t, stats.Offsets.Entries)
}

func TestRouter_GetChunk(t *testing.T) {
	ctx := context.Background()

	r, _ := newTestRouter(t, nil)
	_, err := r.GetChunk(ctx, 1, chunkA)
	require.ErrorIs(t, err, apierrors.ErrNotFound)

	store := &memChunks{chunks: map[proto.ChunkRef][]byte{chunkA: dataA, chunkB: []byte("corrupted")}}
	r, _ = newTestRouter(t, store)

	data, err := r.GetChunk(ctx, 1, chunkA)
	require.NoError(t, err)
	require.Equal(t, dataA, data)
	data, err = r.GetChunk(ctx, 1, chunkA)
	require.NoError(t, err)
	require.Equal(t, dataA, data)
	require.Equal(t, 1, store.reads)

	_, err = r.GetChunk(ctx, 1, chunkB)
	require.ErrorIs(t, err, apierrors.ErrChecksumMismatch)
	_, err = r.GetChunk(ctx, 1, proto.NewObjectID([]byte("missing")))
	require.ErrorIs(t, err, apierrors.ErrNotFound)
}
