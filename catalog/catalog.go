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

package catalog

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/blobcatalog/common/kvstore"
	apierrors "github.com/cubefs/blobcatalog/errors"
	"github.com/cubefs/blobcatalog/proto"
	"github.com/cubefs/blobcatalog/util/limiter"
)

// ColumnFamilies lists the kv columns a volume store must be opened with.
var ColumnFamilies = []kvstore.CF{blobCF, offsetCF}

// VolumeCatalog is the durable store of committed blob state for every
// volume added to it. Mutations carry the sequence id they were committed
// under and are applied at most once.
type VolumeCatalog struct {
	cfg         *Config
	compression Compression
	limiter     *limiter.Limiter

	volumes sync.Map
}

func NewVolumeCatalog(cfg *Config) (*VolumeCatalog, error) {
	if err := initConfig(cfg); err != nil {
		return nil, err
	}
	compression, _ := ParseCompression(cfg.SnapshotCompression)
	return &VolumeCatalog{
		cfg:         cfg,
		compression: compression,
		limiter: limiter.New(limiter.Config{
			MBPS:        cfg.ExportMBPS,
			Concurrency: cfg.ExportConcurrency,
		}),
	}, nil
}

func (c *VolumeCatalog) ChunkSize() uint64 {
	return c.cfg.ChunkSize
}

// AddVolume registers the catalog of vid stored in kv and loads its applied
// sequence id.
func (c *VolumeCatalog) AddVolume(ctx context.Context, vid proto.VolumeID, kv kvstore.Store) error {
	if _, ok := c.volumes.Load(vid); ok {
		return apierrors.ErrVolumeExists
	}
	v, err := openVolume(ctx, vid, kv, c.cfg.ChunkSize)
	if err != nil {
		return err
	}
	if _, loaded := c.volumes.LoadOrStore(vid, v); loaded {
		return apierrors.ErrVolumeExists
	}
	trace.SpanFromContextSafe(ctx).Infof("add volume[%d] catalog, seq[%d] deleted[%v]", vid, v.appliedSeq, v.deleted)
	return nil
}

// RemoveVolume unregisters vid and releases its outstanding snapshots. The
// kv store stays open and belongs to the caller.
func (c *VolumeCatalog) RemoveVolume(ctx context.Context, vid proto.VolumeID) error {
	value, ok := c.volumes.LoadAndDelete(vid)
	if !ok {
		return apierrors.ErrVolumeNotFound
	}
	v := value.(*volume)
	v.lock.Lock()
	snaps := v.snapshots
	v.snapshots = make(map[uint64]*Snapshot)
	v.lock.Unlock()
	for id, snap := range snaps {
		trace.SpanFromContextSafe(ctx).Warnf("volume[%d] removed with snapshot[%d] held", vid, id)
		snap.release()
	}
	return nil
}

func (c *VolumeCatalog) HasVolume(vid proto.VolumeID) bool {
	_, ok := c.volumes.Load(vid)
	return ok
}

func (c *VolumeCatalog) getVolume(vid proto.VolumeID) (*volume, error) {
	value, ok := c.volumes.Load(vid)
	if !ok {
		return nil, apierrors.ErrVolumeNotFound
	}
	return value.(*volume), nil
}

func (c *VolumeCatalog) GetSequenceID(ctx context.Context, vid proto.VolumeID) (proto.SequenceID, error) {
	v, err := c.getVolume(vid)
	if err != nil {
		return 0, err
	}
	return v.sequenceID(), nil
}

// ValidateOffsets checks that every offset is chunk aligned and every chunk
// fits in one chunk size.
func (c *VolumeCatalog) ValidateOffsets(offsets proto.OffsetDiff) error {
	v := &volume{chunkSize: c.cfg.ChunkSize}
	return v.validateOffsets(offsets)
}

func (c *VolumeCatalog) GetBlobMeta(ctx context.Context, vid proto.VolumeID, name string) (*proto.BlobDescriptor, error) {
	v, err := c.getVolume(vid)
	if err != nil {
		return nil, err
	}
	return v.getBlobMeta(ctx, name)
}

// GetBlob returns the descriptor of name and its offsets in [start, end).
// An end of 0 selects every offset from start.
func (c *VolumeCatalog) GetBlob(ctx context.Context, vid proto.VolumeID, name string, start, end uint64) (*proto.BlobDescriptor, proto.OffsetDiff, error) {
	if end > 0 && end <= start {
		return nil, nil, fmt.Errorf("%w: offset range [%d, %d)", apierrors.ErrInvalidArgument, start, end)
	}
	v, err := c.getVolume(vid)
	if err != nil {
		return nil, nil, err
	}
	return v.getBlob(ctx, name, start, end)
}

// PutBlobMeta writes the descriptor of a blob, keeping its offsets.
func (c *VolumeCatalog) PutBlobMeta(ctx context.Context, vid proto.VolumeID, seq proto.SequenceID, desc *proto.BlobDescriptor) error {
	v, err := c.getVolume(vid)
	if err != nil {
		return err
	}
	return v.putBlob(ctx, seq, desc, nil, false)
}

// PutBlob writes the descriptor and replaces the whole offset map of a blob.
func (c *VolumeCatalog) PutBlob(ctx context.Context, vid proto.VolumeID, seq proto.SequenceID, desc *proto.BlobDescriptor, offsets proto.OffsetDiff) error {
	v, err := c.getVolume(vid)
	if err != nil {
		return err
	}
	return v.putBlob(ctx, seq, desc, offsets, true)
}

func (c *VolumeCatalog) PutObject(ctx context.Context, vid proto.VolumeID, seq proto.SequenceID, name string, offset uint64, ref proto.ObjectRef) error {
	return c.PutBatch(ctx, vid, seq, name, proto.OffsetDiff{offset: ref})
}

func (c *VolumeCatalog) PutBatch(ctx context.Context, vid proto.VolumeID, seq proto.SequenceID, name string, offsets proto.OffsetDiff) error {
	v, err := c.getVolume(vid)
	if err != nil {
		return err
	}
	return v.putObjects(ctx, seq, name, offsets)
}

// DeleteBlob removes name. version may be proto.MostRecentVersion.
func (c *VolumeCatalog) DeleteBlob(ctx context.Context, vid proto.VolumeID, seq proto.SequenceID, name string, version uint64) error {
	v, err := c.getVolume(vid)
	if err != nil {
		return err
	}
	return v.deleteBlob(ctx, seq, name, version)
}

// RenameBlob moves the descriptor and offsets of oldName to newName in one
// write. newName must not exist.
func (c *VolumeCatalog) RenameBlob(ctx context.Context, vid proto.VolumeID, seq proto.SequenceID, oldName, newName string) error {
	return c.ApplyRename(ctx, &proto.RenameRecord{
		VolumeID:   vid,
		SequenceID: seq,
		OldName:    oldName,
		NewName:    newName,
	})
}

// ApplyRename applies r once. A zero UpdateTime stamps the renamed blob with
// the local clock.
func (c *VolumeCatalog) ApplyRename(ctx context.Context, r *proto.RenameRecord) error {
	v, err := c.getVolume(r.VolumeID)
	if err != nil {
		return err
	}
	return v.renameBlob(ctx, r)
}

// ApplyTx applies a committed transaction under its sequence id. Applying an
// already applied sequence id changes nothing and reports the current state.
func (c *VolumeCatalog) ApplyTx(ctx context.Context, tx *proto.TxSnapshot) (*proto.CommitResult, error) {
	v, err := c.getVolume(tx.VolumeID)
	if err != nil {
		return nil, err
	}
	return v.applyTx(ctx, tx)
}

// MigrateDescriptor installs raw blob data, as produced by EncodeBlob, from
// another replica without going through a transaction.
func (c *VolumeCatalog) MigrateDescriptor(ctx context.Context, vid proto.VolumeID, name string, raw []byte) error {
	v, err := c.getVolume(vid)
	if err != nil {
		return err
	}
	return v.migrateDescriptor(ctx, name, raw)
}

// MarkDeleted sets the deleted marker of an empty volume. A deleted volume
// rejects every mutation.
func (c *VolumeCatalog) MarkDeleted(ctx context.Context, vid proto.VolumeID) error {
	v, err := c.getVolume(vid)
	if err != nil {
		return err
	}
	return v.markDeleted(ctx)
}

func (c *VolumeCatalog) IsDeleted(vid proto.VolumeID) (bool, error) {
	v, err := c.getVolume(vid)
	if err != nil {
		return false, err
	}
	return v.isDeleted(), nil
}

func (c *VolumeCatalog) StatVolume(ctx context.Context, vid proto.VolumeID) (*proto.VolumeStats, error) {
	v, err := c.getVolume(vid)
	if err != nil {
		return nil, err
	}
	return v.stat(ctx)
}

// GetVolumeObjects returns every distinct chunk referenced by the volume.
func (c *VolumeCatalog) GetVolumeObjects(ctx context.Context, vid proto.VolumeID) ([]proto.ObjectID, error) {
	v, err := c.getVolume(vid)
	if err != nil {
		return nil, err
	}
	return v.objects(ctx)
}

// ListBlobs returns at most count descriptors whose name starts with prefix,
// beginning at marker. count 0 lists everything. The returned marker is empty
// at the end of the listing.
func (c *VolumeCatalog) ListBlobs(ctx context.Context, vid proto.VolumeID, prefix, marker string, count int) ([]*proto.BlobDescriptor, string, error) {
	v, err := c.getVolume(vid)
	if err != nil {
		return nil, "", err
	}
	return v.listBlobs(ctx, prefix, marker, count)
}

func (c *VolumeCatalog) GetAllBlobsWithSequenceID(ctx context.Context, vid proto.VolumeID) ([]*proto.BlobDescriptor, proto.SequenceID, error) {
	v, err := c.getVolume(vid)
	if err != nil {
		return nil, 0, err
	}
	return v.allBlobs(ctx)
}

// GetVolumeSnapshot pins a consistent read view of vid. The caller must pass
// it to FreeVolumeSnapshot exactly once.
func (c *VolumeCatalog) GetVolumeSnapshot(ctx context.Context, vid proto.VolumeID) (*Snapshot, error) {
	v, err := c.getVolume(vid)
	if err != nil {
		return nil, err
	}

	v.lock.Lock()
	defer v.lock.Unlock()
	kvSnap := v.kv.NewSnapshot()
	ro := v.kv.NewReadOption()
	ro.SetSnapShot(kvSnap)
	v.nextSnapID++
	snap := &Snapshot{
		id:        v.nextSnapID,
		vid:       vid,
		seq:       v.appliedSeq,
		chunkSize: v.chunkSize,
		vol:       v,
		kvSnap:    kvSnap,
		ro:        ro,
		limiter:   c.limiter,
		compr:     c.compression,
	}
	v.snapshots[snap.id] = snap
	trace.SpanFromContextSafe(ctx).Debugf("volume[%d] acquire snapshot[%d] at seq[%d]", vid, snap.id, snap.seq)
	return snap, nil
}

func (c *VolumeCatalog) FreeVolumeSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return apierrors.ErrSnapshotNotFound
	}
	v, err := c.getVolume(snap.vid)
	if err != nil {
		return err
	}
	v.lock.Lock()
	held, ok := v.snapshots[snap.id]
	if ok && held == snap {
		delete(v.snapshots, snap.id)
	}
	v.lock.Unlock()
	if !ok || held != snap {
		return apierrors.ErrSnapshotNotFound
	}
	snap.release()
	trace.SpanFromContextSafe(ctx).Debugf("volume[%d] free snapshot[%d]", snap.vid, snap.id)
	return nil
}

// OutstandingSnapshots returns the number of snapshots of vid not yet freed.
func (c *VolumeCatalog) OutstandingSnapshots(vid proto.VolumeID) int {
	v, err := c.getVolume(vid)
	if err != nil {
		return 0
	}
	v.lock.RLock()
	defer v.lock.RUnlock()
	return len(v.snapshots)
}

// ImportSnapshot replaces the catalog of vid with an exported snapshot stream
// and returns the sequence id it carried.
func (c *VolumeCatalog) ImportSnapshot(ctx context.Context, vid proto.VolumeID, r io.Reader) (proto.SequenceID, error) {
	v, err := c.getVolume(vid)
	if err != nil {
		return 0, err
	}
	return v.importSnapshot(ctx, c.limiter, r)
}
