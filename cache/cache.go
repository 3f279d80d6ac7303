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

package cache

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/blobcatalog/errors"
	"github.com/cubefs/blobcatalog/proto"
)

const (
	kindDescriptor = "descriptor"
	kindOffset     = "offset"
	kindChunk      = "chunk"
)

// offsetKey scopes an offset by blob incarnation. Readers resolve the
// descriptor first, so offsets of an older version are never reached.
type offsetKey struct {
	name    string
	version uint64
	offset  uint64
}

// descriptorEntry is a cached descriptor, or a tombstone left by a delete
// at sequence Version.
type descriptorEntry struct {
	desc    proto.BlobDescriptor
	removed bool
}

type KindStats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

type Stats struct {
	Descriptors KindStats `json:"descriptors"`
	Offsets     KindStats `json:"offsets"`
	Chunks      KindStats `json:"chunks"`
}

// ReadCache keeps catalog-confirmed descriptors, offsets and chunk data
// per volume. Lookups never touch the catalog; a miss is the caller's to
// resolve and feed back.
type ReadCache struct {
	cfg Config

	descriptors *volumeLRU[string, descriptorEntry]
	offsets     *volumeLRU[offsetKey, proto.ObjectRef]
	chunks      *volumeLRU[proto.ChunkRef, []byte]
}

func New(cfg Config) *ReadCache {
	initConfig(&cfg)
	return &ReadCache{
		cfg:         cfg,
		descriptors: newVolumeLRU[string, descriptorEntry](kindDescriptor, cfg.MaxDescriptors),
		offsets:     newVolumeLRU[offsetKey, proto.ObjectRef](kindOffset, cfg.MaxOffsets),
		chunks:      newVolumeLRU[proto.ChunkRef, []byte](kindChunk, cfg.MaxChunks),
	}
}

func (c *ReadCache) GetDescriptor(vid proto.VolumeID, name string) (proto.BlobDescriptor, bool) {
	e, ok := c.descriptors.get(vid, name)
	if !ok || e.removed {
		return proto.BlobDescriptor{}, false
	}
	return e.desc.Clone(), true
}

// PutDescriptor caches desc unless a newer version or a later delete of the
// blob is already cached, and returns the descriptor it evicted.
func (c *ReadCache) PutDescriptor(vid proto.VolumeID, desc *proto.BlobDescriptor) (evicted *proto.BlobDescriptor) {
	ev, ok := c.descriptors.update(vid, desc.Name, descriptorEntry{desc: desc.Clone()}, func(old descriptorEntry) bool {
		return old.desc.Version > desc.Version
	})
	if ok && !ev.removed {
		evicted = &ev.desc
	}
	return
}

func (c *ReadCache) GetOffset(vid proto.VolumeID, name string, version, offset uint64) (proto.ObjectRef, bool) {
	return c.offsets.get(vid, offsetKey{name: name, version: version, offset: offset})
}

func (c *ReadCache) PutOffset(vid proto.VolumeID, name string, version, offset uint64, ref proto.ObjectRef) (evicted *proto.ObjectRef) {
	if ref.ID.IsNull() {
		return nil
	}
	ev, ok := c.offsets.put(vid, offsetKey{name: name, version: version, offset: offset}, ref)
	if ok {
		evicted = &ev
	}
	return
}

// PutOffsets caches every offset of diff at the given blob version.
func (c *ReadCache) PutOffsets(vid proto.VolumeID, name string, version uint64, diff proto.OffsetDiff) {
	for off, ref := range diff {
		c.PutOffset(vid, name, version, off, ref)
	}
}

func (c *ReadCache) GetChunk(vid proto.VolumeID, id proto.ChunkRef) ([]byte, bool) {
	data, ok := c.chunks.get(vid, id)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// PutChunk caches data under its content address. Data that does not hash
// to id is refused.
func (c *ReadCache) PutChunk(ctx context.Context, vid proto.VolumeID, id proto.ChunkRef, data []byte) (evicted []byte, err error) {
	if id.IsNull() || !id.Verify(data) {
		trace.SpanFromContextSafe(ctx).Warnf("refuse chunk %s of volume %d: content mismatch", id, vid)
		return nil, apierrors.ErrInvalidArgument
	}
	evicted, _ = c.chunks.put(vid, id, append([]byte(nil), data...))
	return evicted, nil
}

// RemoveBlob drops the descriptor entry of name. Offset entries are keyed by
// version and become unreachable with it.
func (c *ReadCache) RemoveBlob(vid proto.VolumeID, name string) {
	c.descriptors.remove(vid, name)
}

// RemoveBlobAt replaces the descriptor entry of name with a tombstone for a
// delete committed at seq, so a read that raced the delete cannot bring back
// an older descriptor.
func (c *ReadCache) RemoveBlobAt(vid proto.VolumeID, name string, seq proto.SequenceID) {
	c.descriptors.update(vid, name, descriptorEntry{desc: proto.BlobDescriptor{Name: name, Version: seq}, removed: true},
		func(old descriptorEntry) bool { return old.desc.Version > seq })
}

// RemoveOffsets drops the offsets of one blob incarnation.
func (c *ReadCache) RemoveOffsets(vid proto.VolumeID, name string, version uint64) {
	c.offsets.removeIf(vid, func(key offsetKey) bool {
		return key.name == name && key.version == version
	})
}

// Invalidate clears all three caches of a volume.
func (c *ReadCache) Invalidate(vid proto.VolumeID) {
	c.descriptors.invalidate(vid)
	c.offsets.invalidate(vid)
	c.chunks.invalidate(vid)
}

func (c *ReadCache) Stats() Stats {
	return Stats{
		Descriptors: c.descriptors.stat(),
		Offsets:     c.offsets.stat(),
		Chunks:      c.chunks.stat(),
	}
}
