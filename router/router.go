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
	"errors"
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"golang.org/x/sync/singleflight"

	"github.com/cubefs/blobcatalog/cache"
	apierrors "github.com/cubefs/blobcatalog/errors"
	"github.com/cubefs/blobcatalog/proto"
	"github.com/cubefs/blobcatalog/timevolume"
)

// ChunkStore reads chunk data by content address.
type ChunkStore interface {
	GetChunk(ctx context.Context, vid proto.VolumeID, id proto.ChunkRef) ([]byte, error)
}

// Router serves blob reads from the ReadCache and falls back to the
// TimeVolumeCatalog, feeding what it reads back into the cache. Commits
// routed through it populate the cache with the committed state.
type Router struct {
	tvc       *timevolume.TimeVolumeCatalog
	cache     *cache.ReadCache
	chunks    ChunkStore
	chunkSize uint64
	singleRun *singleflight.Group
}

// NewRouter builds a router over tvc. chunks may be nil, in which case chunk
// reads are served from the cache only.
func NewRouter(tvc *timevolume.TimeVolumeCatalog, c *cache.ReadCache, chunks ChunkStore) *Router {
	r := &Router{
		tvc:       tvc,
		cache:     c,
		chunks:    chunks,
		chunkSize: tvc.Catalog().ChunkSize(),
		singleRun: &singleflight.Group{},
	}
	tvc.OnOwnershipChange(r.InvalidateVolume)
	return r
}

func (r *Router) Cache() *cache.ReadCache {
	return r.cache
}

func (r *Router) GetBlobMeta(ctx context.Context, vid proto.VolumeID, name string) (*proto.BlobDescriptor, error) {
	if desc, ok := r.cache.GetDescriptor(vid, name); ok {
		return &desc, nil
	}
	desc, err := r.loadBlobMeta(ctx, vid, name)
	if err != nil {
		return nil, err
	}
	ret := desc.Clone()
	return &ret, nil
}

func (r *Router) loadBlobMeta(ctx context.Context, vid proto.VolumeID, name string) (*proto.BlobDescriptor, error) {
	v, err, _ := r.singleRun.Do(fmt.Sprintf("meta/%d/%s", vid, name), func() (interface{}, error) {
		desc, err := r.tvc.GetBlobMeta(ctx, vid, name)
		if err != nil {
			return nil, err
		}
		r.cache.PutDescriptor(vid, desc)
		return desc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*proto.BlobDescriptor), nil
}

type blobRange struct {
	desc    *proto.BlobDescriptor
	offsets proto.OffsetDiff
}

// GetObjects returns the descriptor of name and the chunks covering
// [start, end). end 0 means the whole blob.
func (r *Router) GetObjects(ctx context.Context, vid proto.VolumeID, name string, start, end uint64) (*proto.BlobDescriptor, proto.OffsetDiff, error) {
	if end > 0 && end <= start {
		return nil, nil, fmt.Errorf("%w: range [%d, %d)", apierrors.ErrInvalidArgument, start, end)
	}
	desc, err := r.GetBlobMeta(ctx, vid, name)
	if err != nil {
		return nil, nil, err
	}
	if offsets, ok := r.cachedOffsets(vid, desc, start, end); ok {
		return desc, offsets, nil
	}

	key := fmt.Sprintf("blob/%d/%s/%d/%d", vid, name, start, end)
	v, err, _ := r.singleRun.Do(key, func() (interface{}, error) {
		desc, offsets, err := r.tvc.GetBlob(ctx, vid, name, start, end)
		if err != nil {
			return nil, err
		}
		r.cache.PutDescriptor(vid, desc)
		r.cache.PutOffsets(vid, name, desc.Version, offsets)
		return &blobRange{desc: desc, offsets: offsets}, nil
	})
	if err != nil {
		if isNotFound(err) {
			r.cache.RemoveBlob(vid, name)
		}
		return nil, nil, err
	}
	br := v.(*blobRange)
	ret := br.desc.Clone()
	return &ret, br.offsets.Clone(), nil
}

// cachedOffsets resolves every chunk of [start, end) of desc from the cache.
// Any hole is a miss.
func (r *Router) cachedOffsets(vid proto.VolumeID, desc *proto.BlobDescriptor, start, end uint64) (proto.OffsetDiff, bool) {
	if end == 0 || end > desc.Size {
		end = desc.Size
	}
	ret := make(proto.OffsetDiff)
	for off := start - start%r.chunkSize; off < end; off += r.chunkSize {
		ref, ok := r.cache.GetOffset(vid, desc.Name, desc.Version, off)
		if !ok {
			return nil, false
		}
		ret[off] = ref
	}
	return ret, true
}

// GetChunk returns the data of chunk id, reading through to the chunk store
// on a miss. Fetched data is verified against id before it is cached.
func (r *Router) GetChunk(ctx context.Context, vid proto.VolumeID, id proto.ChunkRef) ([]byte, error) {
	if data, ok := r.cache.GetChunk(vid, id); ok {
		return data, nil
	}
	if r.chunks == nil {
		return nil, fmt.Errorf("%w: chunk %s", apierrors.ErrNotFound, id)
	}
	v, err, _ := r.singleRun.Do(fmt.Sprintf("chunk/%d/%s", vid, id), func() (interface{}, error) {
		data, err := r.chunks.GetChunk(ctx, vid, id)
		if err != nil {
			return nil, err
		}
		if _, err = r.cache.PutChunk(ctx, vid, id, data); err != nil {
			return nil, fmt.Errorf("%w: chunk %s", apierrors.ErrChecksumMismatch, id)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v.([]byte)...), nil
}

// CommitBlobTx commits txID and inserts the committed state into the cache.
func (r *Router) CommitBlobTx(ctx context.Context, vid proto.VolumeID, token proto.AccessToken,
	name string, txID proto.TxID, seq proto.SequenceID,
) (*proto.CommitResult, error) {
	ret, err := r.tvc.CommitBlobTx(ctx, vid, token, name, txID, seq, r.OnCommitted)
	if err != nil {
		var perr *apierrors.PartialCommitError
		if errors.As(err, &perr) {
			// nothing older than the durable commit may be served until it is repaired
			r.cache.RemoveBlobAt(vid, name, perr.SequenceID)
		}
		return nil, err
	}
	return ret, nil
}

// OnCommitted folds a commit applied to the catalog into the cache.
func (r *Router) OnCommitted(ret *proto.CommitResult) {
	tx := ret.Tx
	if ret.Descriptor == nil {
		if tx.Op == proto.TxOpDelete {
			r.dropOffsets(tx.VolumeID, tx.BlobName)
			r.cache.RemoveBlobAt(tx.VolumeID, tx.BlobName, tx.SequenceID)
		}
		return
	}
	r.cache.PutDescriptor(tx.VolumeID, ret.Descriptor)
	if len(ret.Offsets) > 0 {
		r.cache.PutOffsets(tx.VolumeID, ret.Descriptor.Name, ret.Descriptor.Version, ret.Offsets)
	}
}

// DeleteBlob removes name at version through a one-shot delete transaction.
func (r *Router) DeleteBlob(ctx context.Context, vid proto.VolumeID, token proto.AccessToken,
	txID proto.TxID, name string, version uint64,
) (proto.SequenceID, error) {
	span := trace.SpanFromContextSafe(ctx)
	if err := r.tvc.StartBlobTx(ctx, vid, token, txID, name, proto.OpenModeNone); err != nil {
		return 0, err
	}
	if err := r.tvc.DeleteBlobTx(ctx, vid, token, txID, version); err != nil {
		if aerr := r.tvc.AbortBlobTx(ctx, vid, token, txID); aerr != nil {
			span.Warnf("abort delete tx[%d] of %q failed: %s", txID, name, aerr)
		}
		return 0, err
	}
	ret, err := r.CommitBlobTx(ctx, vid, token, name, txID, 0)
	if err != nil {
		if !errors.Is(err, apierrors.ErrPartialCommit) {
			if aerr := r.tvc.AbortBlobTx(ctx, vid, token, txID); aerr != nil {
				span.Warnf("abort delete tx[%d] of %q failed: %s", txID, name, aerr)
			}
		}
		return 0, err
	}
	return ret.Tx.SequenceID, nil
}

func (r *Router) RenameBlob(ctx context.Context, vid proto.VolumeID, token proto.AccessToken, oldName, newName string) (proto.SequenceID, error) {
	seq, err := r.tvc.RenameBlob(ctx, vid, token, oldName, newName)
	if err != nil {
		return 0, err
	}
	r.dropOffsets(vid, oldName)
	r.cache.RemoveBlobAt(vid, oldName, seq)
	return seq, nil
}

// InvalidateBlob drops the descriptor of a blob changed outside the commit
// path, such as a migrated descriptor.
func (r *Router) InvalidateBlob(vid proto.VolumeID, name string) {
	r.cache.RemoveBlob(vid, name)
}

// dropOffsets releases the cached offsets of the incarnation of name the
// cache holds a descriptor for.
func (r *Router) dropOffsets(vid proto.VolumeID, name string) {
	if desc, ok := r.cache.GetDescriptor(vid, name); ok {
		r.cache.RemoveOffsets(vid, name, desc.Version)
	}
}

// InvalidateVolume clears every cached entry of vid.
func (r *Router) InvalidateVolume(vid proto.VolumeID) {
	r.cache.Invalidate(vid)
}

func isNotFound(err error) bool {
	return errors.Is(err, apierrors.ErrNotFound) || errors.Is(err, apierrors.ErrVolumeNotFound)
}
