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
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/blobcatalog/common/kvstore"
	apierrors "github.com/cubefs/blobcatalog/errors"
	"github.com/cubefs/blobcatalog/proto"
)

// volume is the catalog of one volume. Writes hold lock exclusively, reads
// share it, so a reader never observes half of an applied mutation.
type volume struct {
	id        proto.VolumeID
	kv        kvstore.Store
	chunkSize uint64
	now       func() time.Time

	appliedSeq proto.SequenceID
	deleted    bool
	snapshots  map[uint64]*Snapshot
	nextSnapID uint64

	lock sync.RWMutex
}

func openVolume(ctx context.Context, id proto.VolumeID, kv kvstore.Store, chunkSize uint64) (*volume, error) {
	for _, col := range []kvstore.CF{blobCF, offsetCF} {
		if !kv.CheckColumns(col) {
			if err := kv.CreateColumn(col); err != nil {
				return nil, apierrors.NewStorageIOError("create column "+col.String(), err)
			}
		}
	}

	v := &volume{
		id:        id,
		kv:        kv,
		chunkSize: chunkSize,
		now:       time.Now,
		snapshots: make(map[uint64]*Snapshot),
	}
	raw, err := kv.GetRaw(ctx, sysCF, seqKey, nil)
	switch {
	case err == nil:
		if v.appliedSeq, err = decodeSeq(raw); err != nil {
			return nil, err
		}
	case !errors.Is(err, kvstore.ErrNotFound):
		return nil, apierrors.NewStorageIOError("load sequence id", err)
	}
	_, err = kv.GetRaw(ctx, sysCF, deletedKey, nil)
	switch {
	case err == nil:
		v.deleted = true
	case !errors.Is(err, kvstore.ErrNotFound):
		return nil, apierrors.NewStorageIOError("load deleted marker", err)
	}
	return v, nil
}

// update runs f against a fresh batch and commits it together with seq. It
// reports false without calling f when seq was already applied.
func (v *volume) update(ctx context.Context, seq proto.SequenceID, f func(batch kvstore.WriteBatch) error) (bool, error) {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.updateLocked(ctx, seq, f)
}

func (v *volume) updateLocked(ctx context.Context, seq proto.SequenceID, f func(batch kvstore.WriteBatch) error) (bool, error) {
	if v.deleted {
		return false, fmt.Errorf("%w: volume[%d] is deleted", apierrors.ErrVolumeNotReady, v.id)
	}
	if seq <= v.appliedSeq {
		trace.SpanFromContextSafe(ctx).Debugf("volume[%d] skip applied seq[%d], current[%d]", v.id, seq, v.appliedSeq)
		return false, nil
	}

	batch := v.kv.NewWriteBatch()
	defer batch.Close()
	if err := f(batch); err != nil {
		return false, err
	}
	batch.Put(sysCF, seqKey, encodeSeq(seq))
	if err := v.kv.Write(ctx, batch); err != nil {
		return false, apierrors.NewStorageIOError("write catalog", err)
	}
	v.appliedSeq = seq
	return true, nil
}

func (v *volume) validateOffsets(offsets proto.OffsetDiff) error {
	for off, ref := range offsets {
		if off%v.chunkSize != 0 {
			return fmt.Errorf("%w: offset %d is not aligned to chunk size %d", apierrors.ErrInvalidArgument, off, v.chunkSize)
		}
		if uint64(ref.Length) > v.chunkSize {
			return fmt.Errorf("%w: chunk length %d at offset %d exceeds chunk size %d", apierrors.ErrInvalidArgument, ref.Length, off, v.chunkSize)
		}
		if ref.ID.IsNull() {
			return fmt.Errorf("%w: null chunk at offset %d", apierrors.ErrInvalidArgument, off)
		}
	}
	return nil
}

// ValidateName checks the length of a blob name.
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("%w: blob name length %d", apierrors.ErrInvalidArgument, len(name))
	}
	return nil
}

func (v *volume) getDescriptor(ctx context.Context, name string, ro kvstore.ReadOption) (*proto.BlobDescriptor, error) {
	raw, err := v.kv.GetRaw(ctx, blobCF, encodeBlobKey(name), ro)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, apierrors.ErrNotFound
		}
		return nil, apierrors.NewStorageIOError("get descriptor", err)
	}
	return decodeDescriptor(raw)
}

// listOffsets returns the offsets of name in [start, end). end 0 means no
// upper bound.
func (v *volume) listOffsets(ctx context.Context, name string, start, end uint64, ro kvstore.ReadOption) (proto.OffsetDiff, error) {
	ret := make(proto.OffsetDiff)
	var marker []byte
	if start > 0 {
		marker = encodeOffsetKey(name, start-start%v.chunkSize)
	}
	lr := v.kv.List(ctx, offsetCF, encodeOffsetKeyPrefixBytes(name), marker, ro)
	defer lr.Close()
	for {
		key, value, err := lr.Next()
		if err != nil {
			return nil, apierrors.NewStorageIOError("list offsets", err)
		}
		if key == nil {
			return ret, nil
		}
		_, off, err := decodeOffsetKey(key)
		if err != nil {
			return nil, err
		}
		if end > 0 && off >= end {
			return ret, nil
		}
		if ret[off], err = decodeObjectRef(value); err != nil {
			return nil, err
		}
	}
}

func (v *volume) deleteOffsets(batch kvstore.WriteBatch, name string) {
	prefix := encodeOffsetKeyPrefixBytes(name)
	end := append(encodeOffsetKeyPrefixBytes(name), bytes.Repeat([]byte{0xff}, 9)...)
	batch.DeleteRange(offsetCF, prefix, end)
}

func (v *volume) putOffsets(batch kvstore.WriteBatch, name string, offsets proto.OffsetDiff) {
	for _, off := range offsets.Offsets() {
		batch.Put(offsetCF, encodeOffsetKey(name, off), encodeObjectRef(offsets[off]))
	}
}

func (v *volume) putDescriptor(batch kvstore.WriteBatch, desc *proto.BlobDescriptor) error {
	raw, err := encodeDescriptor(desc)
	if err != nil {
		return err
	}
	batch.Put(blobCF, encodeBlobKey(desc.Name), raw)
	return nil
}

func (v *volume) getBlob(ctx context.Context, name string, start, end uint64) (*proto.BlobDescriptor, proto.OffsetDiff, error) {
	v.lock.RLock()
	defer v.lock.RUnlock()
	desc, err := v.getDescriptor(ctx, name, nil)
	if err != nil {
		return nil, nil, err
	}
	offsets, err := v.listOffsets(ctx, name, start, end, nil)
	if err != nil {
		return nil, nil, err
	}
	return desc, offsets, nil
}

func (v *volume) getBlobMeta(ctx context.Context, name string) (*proto.BlobDescriptor, error) {
	v.lock.RLock()
	defer v.lock.RUnlock()
	return v.getDescriptor(ctx, name, nil)
}

// applyTx folds a committed transaction into the catalog.
func (v *volume) applyTx(ctx context.Context, tx *proto.TxSnapshot) (*proto.CommitResult, error) {
	span := trace.SpanFromContextSafe(ctx)
	if err := ValidateName(tx.BlobName); err != nil {
		return nil, err
	}
	if err := v.validateOffsets(tx.Offsets); err != nil {
		return nil, err
	}

	v.lock.Lock()
	defer v.lock.Unlock()

	result := &proto.CommitResult{Tx: tx}
	applied, err := v.updateLocked(ctx, tx.SequenceID, func(batch kvstore.WriteBatch) error {
		old, err := v.getDescriptor(ctx, tx.BlobName, nil)
		if err != nil && !errors.Is(err, apierrors.ErrNotFound) {
			return err
		}

		if tx.Op == proto.TxOpDelete {
			if old == nil {
				span.Warnf("volume[%d] tx[%d] deletes missing blob %q", v.id, tx.TxID, tx.BlobName)
				return nil
			}
			if tx.DeleteVersion != proto.MostRecentVersion && tx.DeleteVersion != old.Version {
				span.Warnf("volume[%d] tx[%d] deletes version[%d] of %q, current[%d]",
					v.id, tx.TxID, tx.DeleteVersion, tx.BlobName, old.Version)
				result.Descriptor = old
				return nil
			}
			batch.Delete(blobCF, encodeBlobKey(tx.BlobName))
			v.deleteOffsets(batch, tx.BlobName)
			return nil
		}

		desc := &proto.BlobDescriptor{
			Name:       tx.BlobName,
			Version:    tx.SequenceID,
			CreateTime: tx.CommitTime,
			UpdateTime: tx.CommitTime,
		}
		if old != nil && !tx.Mode.Truncate() {
			desc.Size = old.Size
			desc.Meta = old.Meta
			desc.CreateTime = old.CreateTime
		}
		if old != nil && tx.Mode.Truncate() {
			v.deleteOffsets(batch, tx.BlobName)
		}
		if end := tx.Offsets.End(); end > desc.Size {
			desc.Size = end
		}
		if len(tx.Meta) > 0 {
			meta := make(proto.MetaDiff, len(desc.Meta)+len(tx.Meta))
			meta.Merge(desc.Meta)
			meta.Merge(tx.Meta)
			desc.Meta = meta
		}
		if err := v.putDescriptor(batch, desc); err != nil {
			return err
		}
		v.putOffsets(batch, tx.BlobName, tx.Offsets)
		result.Descriptor = desc
		result.Offsets = tx.Offsets.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		// replay of an applied sequence id reports the current descriptor only
		desc, err := v.getDescriptor(ctx, tx.BlobName, nil)
		if err != nil && !errors.Is(err, apierrors.ErrNotFound) {
			return nil, err
		}
		result.Descriptor = desc
	}
	return result, nil
}

func (v *volume) putBlob(ctx context.Context, seq proto.SequenceID, desc *proto.BlobDescriptor, offsets proto.OffsetDiff, replaceOffsets bool) error {
	if err := ValidateName(desc.Name); err != nil {
		return err
	}
	if err := v.validateOffsets(offsets); err != nil {
		return err
	}
	_, err := v.update(ctx, seq, func(batch kvstore.WriteBatch) error {
		d := desc.Clone()
		d.Version = seq
		if end := offsets.End(); end > d.Size {
			d.Size = end
		}
		if err := v.putDescriptor(batch, &d); err != nil {
			return err
		}
		if replaceOffsets {
			v.deleteOffsets(batch, d.Name)
		}
		v.putOffsets(batch, d.Name, offsets)
		return nil
	})
	return err
}

// putObjects adds offsets to an existing blob and grows its size.
func (v *volume) putObjects(ctx context.Context, seq proto.SequenceID, name string, offsets proto.OffsetDiff) error {
	if err := v.validateOffsets(offsets); err != nil {
		return err
	}
	_, err := v.update(ctx, seq, func(batch kvstore.WriteBatch) error {
		desc, err := v.getDescriptor(ctx, name, nil)
		if err != nil {
			return err
		}
		desc.Version = seq
		desc.UpdateTime = v.now().UnixNano()
		if end := offsets.End(); end > desc.Size {
			desc.Size = end
		}
		if err = v.putDescriptor(batch, desc); err != nil {
			return err
		}
		v.putOffsets(batch, name, offsets)
		return nil
	})
	return err
}

func (v *volume) deleteBlob(ctx context.Context, seq proto.SequenceID, name string, version uint64) error {
	_, err := v.update(ctx, seq, func(batch kvstore.WriteBatch) error {
		desc, err := v.getDescriptor(ctx, name, nil)
		if err != nil {
			return err
		}
		if version != proto.MostRecentVersion && version != desc.Version {
			return fmt.Errorf("%w: blob %q version %d, current %d", apierrors.ErrNotFound, name, version, desc.Version)
		}
		batch.Delete(blobCF, encodeBlobKey(name))
		v.deleteOffsets(batch, name)
		return nil
	})
	return err
}

func (v *volume) renameBlob(ctx context.Context, r *proto.RenameRecord) error {
	seq, oldName, newName := r.SequenceID, r.OldName, r.NewName
	if err := ValidateName(newName); err != nil {
		return err
	}
	if oldName == newName {
		return fmt.Errorf("%w: rename %q to itself", apierrors.ErrInvalidArgument, oldName)
	}
	v.lock.Lock()
	defer v.lock.Unlock()
	_, err := v.updateLocked(ctx, seq, func(batch kvstore.WriteBatch) error {
		desc, err := v.getDescriptor(ctx, oldName, nil)
		if err != nil {
			return err
		}
		if _, err = v.getDescriptor(ctx, newName, nil); err == nil {
			return fmt.Errorf("%w: %q", apierrors.ErrAlreadyExists, newName)
		} else if !errors.Is(err, apierrors.ErrNotFound) {
			return err
		}
		offsets, err := v.listOffsets(ctx, oldName, 0, 0, nil)
		if err != nil {
			return err
		}

		desc.Name = newName
		desc.Version = seq
		desc.UpdateTime = r.UpdateTime
		if desc.UpdateTime == 0 {
			desc.UpdateTime = v.now().UnixNano()
		}
		if err = v.putDescriptor(batch, desc); err != nil {
			return err
		}
		v.putOffsets(batch, newName, offsets)
		batch.Delete(blobCF, encodeBlobKey(oldName))
		v.deleteOffsets(batch, oldName)
		return nil
	})
	return err
}

// migrateDescriptor installs a blob copied from another replica. It keeps the
// incoming version and only replaces an older local copy.
func (v *volume) migrateDescriptor(ctx context.Context, name string, raw []byte) error {
	desc, offsets, err := DecodeBlob(raw)
	if err != nil {
		return err
	}
	if desc.Name != name {
		return fmt.Errorf("%w: blob data names %q, want %q", apierrors.ErrInvalidArgument, desc.Name, name)
	}
	if err = ValidateName(name); err != nil {
		return err
	}
	if err = v.validateOffsets(offsets); err != nil {
		return err
	}

	v.lock.Lock()
	defer v.lock.Unlock()
	if v.deleted {
		return fmt.Errorf("%w: volume[%d] is deleted", apierrors.ErrVolumeNotReady, v.id)
	}
	old, err := v.getDescriptor(ctx, name, nil)
	if err != nil && !errors.Is(err, apierrors.ErrNotFound) {
		return err
	}
	if old != nil && old.Version >= desc.Version {
		trace.SpanFromContextSafe(ctx).Debugf("volume[%d] skip migrating %q version[%d], local[%d]",
			v.id, name, desc.Version, old.Version)
		return nil
	}

	batch := v.kv.NewWriteBatch()
	defer batch.Close()
	if err = v.putDescriptor(batch, desc); err != nil {
		return err
	}
	v.deleteOffsets(batch, name)
	v.putOffsets(batch, name, offsets)
	seq := v.appliedSeq
	if desc.Version > seq {
		seq = desc.Version
		batch.Put(sysCF, seqKey, encodeSeq(seq))
	}
	if err = v.kv.Write(ctx, batch); err != nil {
		return apierrors.NewStorageIOError("write catalog", err)
	}
	v.appliedSeq = seq
	return nil
}

func (v *volume) markDeleted(ctx context.Context) error {
	v.lock.Lock()
	defer v.lock.Unlock()
	if v.deleted {
		return nil
	}
	lr := v.kv.List(ctx, blobCF, nil, nil, nil)
	key, _, err := lr.Next()
	lr.Close()
	if err != nil {
		return apierrors.NewStorageIOError("list blobs", err)
	}
	if key != nil {
		return apierrors.ErrVolumeNotEmpty
	}
	if err = v.kv.SetRaw(ctx, sysCF, deletedKey, []byte{1}); err != nil {
		return apierrors.NewStorageIOError("mark deleted", err)
	}
	v.deleted = true
	return nil
}

func (v *volume) sequenceID() proto.SequenceID {
	v.lock.RLock()
	defer v.lock.RUnlock()
	return v.appliedSeq
}

func (v *volume) isDeleted() bool {
	v.lock.RLock()
	defer v.lock.RUnlock()
	return v.deleted
}

// listBlobs returns up to count descriptors after marker, and the marker of
// the next page or "" at the end.
func (v *volume) listBlobs(ctx context.Context, prefix, marker string, count int) ([]*proto.BlobDescriptor, string, error) {
	v.lock.RLock()
	defer v.lock.RUnlock()

	var markerKey []byte
	if marker != "" {
		markerKey = encodeBlobKey(marker)
	}
	lr := v.kv.List(ctx, blobCF, []byte(prefix), markerKey, nil)
	defer lr.Close()

	var ret []*proto.BlobDescriptor
	for {
		key, value, err := lr.Next()
		if err != nil {
			return nil, "", apierrors.NewStorageIOError("list blobs", err)
		}
		if key == nil {
			return ret, "", nil
		}
		if count > 0 && len(ret) == count {
			return ret, string(key), nil
		}
		desc, err := decodeDescriptor(value)
		if err != nil {
			return nil, "", err
		}
		ret = append(ret, desc)
	}
}

func (v *volume) allBlobs(ctx context.Context) ([]*proto.BlobDescriptor, proto.SequenceID, error) {
	v.lock.RLock()
	defer v.lock.RUnlock()
	blobs, err := v.scanBlobsLocked(ctx, nil)
	return blobs, v.appliedSeq, err
}

func (v *volume) scanBlobsLocked(ctx context.Context, ro kvstore.ReadOption) ([]*proto.BlobDescriptor, error) {
	lr := v.kv.List(ctx, blobCF, nil, nil, ro)
	defer lr.Close()
	var ret []*proto.BlobDescriptor
	for {
		key, value, err := lr.Next()
		if err != nil {
			return nil, apierrors.NewStorageIOError("list blobs", err)
		}
		if key == nil {
			return ret, nil
		}
		desc, err := decodeDescriptor(value)
		if err != nil {
			return nil, err
		}
		ret = append(ret, desc)
	}
}

func (v *volume) objects(ctx context.Context) ([]proto.ObjectID, error) {
	v.lock.RLock()
	defer v.lock.RUnlock()

	seen := make(map[proto.ObjectID]struct{})
	lr := v.kv.List(ctx, offsetCF, nil, nil, nil)
	defer lr.Close()
	for {
		key, value, err := lr.Next()
		if err != nil {
			return nil, apierrors.NewStorageIOError("list offsets", err)
		}
		if key == nil {
			break
		}
		ref, err := decodeObjectRef(value)
		if err != nil {
			return nil, err
		}
		seen[ref.ID] = struct{}{}
	}

	ret := make([]proto.ObjectID, 0, len(seen))
	for id := range seen {
		ret = append(ret, id)
	}
	sort.Slice(ret, func(i, j int) bool { return string(ret[i][:]) < string(ret[j][:]) })
	return ret, nil
}

func (v *volume) stat(ctx context.Context) (*proto.VolumeStats, error) {
	v.lock.RLock()
	blobs, err := v.scanBlobsLocked(ctx, nil)
	stats := &proto.VolumeStats{VolumeID: v.id, SequenceID: v.appliedSeq, Deleted: v.deleted}
	v.lock.RUnlock()
	if err != nil {
		return nil, err
	}
	for _, desc := range blobs {
		stats.BlobCount++
		stats.LogicalSize += desc.Size
	}
	ids, err := v.objects(ctx)
	if err != nil {
		return nil, err
	}
	stats.ObjectCount = uint64(len(ids))
	kvStats, err := v.kv.Stats(ctx)
	if err != nil {
		return nil, apierrors.NewStorageIOError("kv stats", err)
	}
	stats.KVUsed, stats.KVMemory = kvStats.Used, kvStats.MemoryUsage
	return stats, nil
}
