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
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/cubefs/blobcatalog/common/codec"
	"github.com/cubefs/blobcatalog/common/kvstore"
	apierrors "github.com/cubefs/blobcatalog/errors"
	"github.com/cubefs/blobcatalog/proto"
	"github.com/cubefs/blobcatalog/util"
	"github.com/cubefs/blobcatalog/util/limiter"
)

const (
	exportMagic   = "BCSN"
	exportVersion = 1
	// blobs written per import batch
	importBatchSize = 256
	maxFrameSize    = 64 << 20
)

// Snapshot is a point in time read view of one volume catalog. Every
// snapshot must be released with FreeVolumeSnapshot.
type Snapshot struct {
	id        uint64
	vid       proto.VolumeID
	seq       proto.SequenceID
	chunkSize uint64

	vol     *volume
	kvSnap  kvstore.Snapshot
	ro      kvstore.ReadOption
	freed   bool
	limiter *limiter.Limiter
	compr   Compression

	lock sync.RWMutex
}

type exportHeader struct {
	Magic      string           `cbor:"1,keyasint"`
	Version    uint32           `cbor:"2,keyasint"`
	VolumeID   proto.VolumeID   `cbor:"3,keyasint"`
	SequenceID proto.SequenceID `cbor:"4,keyasint"`
	ChunkSize  uint64           `cbor:"5,keyasint"`
}

func (s *Snapshot) ID() uint64 {
	return s.id
}

func (s *Snapshot) VolumeID() proto.VolumeID {
	return s.vid
}

// SequenceID returns the last sequence id visible in the snapshot.
func (s *Snapshot) SequenceID() proto.SequenceID {
	return s.seq
}

func (s *Snapshot) release() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.freed {
		return
	}
	s.freed = true
	s.ro.Close()
	s.kvSnap.Close()
}

func (s *Snapshot) GetBlob(ctx context.Context, name string) (*proto.BlobDescriptor, proto.OffsetDiff, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.freed {
		return nil, nil, apierrors.ErrSnapshotNotFound
	}
	desc, err := s.vol.getDescriptor(ctx, name, s.ro)
	if err != nil {
		return nil, nil, err
	}
	offsets, err := s.vol.listOffsets(ctx, name, 0, 0, s.ro)
	if err != nil {
		return nil, nil, err
	}
	return desc, offsets, nil
}

// ForEachBlob calls f for every blob in name order until f returns an error.
func (s *Snapshot) ForEachBlob(ctx context.Context, f func(desc *proto.BlobDescriptor, offsets proto.OffsetDiff) error) error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.freed {
		return apierrors.ErrSnapshotNotFound
	}

	lr := s.vol.kv.List(ctx, blobCF, nil, nil, s.ro)
	defer lr.Close()
	for {
		key, value, err := lr.Next()
		if err != nil {
			return apierrors.NewStorageIOError("list blobs", err)
		}
		if key == nil {
			return nil
		}
		desc, err := decodeDescriptor(value)
		if err != nil {
			return err
		}
		offsets, err := s.vol.listOffsets(ctx, desc.Name, 0, 0, s.ro)
		if err != nil {
			return err
		}
		if err = f(desc, offsets); err != nil {
			return err
		}
	}
}

// Export streams the snapshot to w: one compression tag byte, then the
// possibly compressed frames. Every frame is a u32 big endian length and a
// CBOR record; a zero length ends the stream.
func (s *Snapshot) Export(ctx context.Context, w io.Writer) error {
	span := trace.SpanFromContextSafe(ctx)
	if err := s.limiter.Acquire(ctx); err != nil {
		return err
	}
	defer s.limiter.Release()
	tw := &util.CostWriter{W: w}
	lw := s.limiter.Writer(ctx, tw)
	if _, err := lw.Write([]byte{byte(s.compr)}); err != nil {
		return err
	}

	cw, err := newCompressWriter(s.compr, lw)
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(cw, exportBufferSize)

	if err = writeFrame(bw, &exportHeader{
		Magic:      exportMagic,
		Version:    exportVersion,
		VolumeID:   s.vid,
		SequenceID: s.seq,
		ChunkSize:  s.chunkSize,
	}); err != nil {
		return err
	}
	count := 0
	if err = s.ForEachBlob(ctx, func(desc *proto.BlobDescriptor, offsets proto.OffsetDiff) error {
		count++
		return writeFrame(bw, &blobRecord{Desc: *desc, Offsets: offsets})
	}); err != nil {
		return err
	}
	if err = writeFrameEnd(bw); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = cw.Close(); err != nil {
		return err
	}
	span.Infof("exported volume[%d] snapshot seq[%d]: blobs[%d] bytes[%d] compression[%s] cost[%s]",
		s.vid, s.seq, count, tw.Bytes(), s.compr, tw.Cost())
	return nil
}

// importSnapshot replaces the content of v with the stream produced by
// Export.
func (v *volume) importSnapshot(ctx context.Context, lim *limiter.Limiter, r io.Reader) (proto.SequenceID, error) {
	if err := lim.Acquire(ctx); err != nil {
		return 0, err
	}
	defer lim.Release()
	span := trace.SpanFromContextSafe(ctx)
	tr := &util.CostReader{R: r}
	lr := lim.Reader(ctx, tr)

	tag := make([]byte, 1)
	if _, err := io.ReadFull(lr, tag); err != nil {
		return 0, fmt.Errorf("%w: read compression tag: %s", apierrors.ErrInvalidData, err)
	}
	cr, err := newDecompressReader(Compression(tag[0]), lr)
	if err != nil {
		return 0, err
	}
	defer cr.Close()
	br := bufio.NewReaderSize(cr, exportBufferSize)

	header := &exportHeader{}
	if _, err = readFrame(br, header); err != nil {
		return 0, err
	}
	if header.Magic != exportMagic || header.Version != exportVersion {
		return 0, fmt.Errorf("%w: snapshot stream magic %q version %d", apierrors.ErrInvalidData, header.Magic, header.Version)
	}
	if header.ChunkSize != v.chunkSize {
		return 0, fmt.Errorf("%w: snapshot chunk size %d, local %d", apierrors.ErrInvalidArgument, header.ChunkSize, v.chunkSize)
	}

	v.lock.Lock()
	defer v.lock.Unlock()
	if v.deleted {
		return 0, fmt.Errorf("%w: volume[%d] is deleted", apierrors.ErrVolumeNotReady, v.id)
	}

	batch := v.kv.NewWriteBatch()
	defer func() { batch.Close() }()
	if err = v.clearLocked(ctx, batch); err != nil {
		return 0, err
	}

	count := 0
	for {
		rec := &blobRecord{}
		more, err := readFrame(br, rec)
		if err != nil {
			return 0, err
		}
		if !more {
			break
		}
		if err = ValidateName(rec.Desc.Name); err != nil {
			return 0, err
		}
		if err = v.validateOffsets(rec.Offsets); err != nil {
			return 0, err
		}
		if err = v.putDescriptor(batch, &rec.Desc); err != nil {
			return 0, err
		}
		v.putOffsets(batch, rec.Desc.Name, rec.Offsets)
		count++

		if batch.Count() >= importBatchSize {
			if err = v.kv.Write(ctx, batch); err != nil {
				return 0, apierrors.NewStorageIOError("import snapshot", err)
			}
			batch.Close()
			batch = v.kv.NewWriteBatch()
		}
	}

	batch.Put(sysCF, seqKey, encodeSeq(header.SequenceID))
	if err = v.kv.Write(ctx, batch); err != nil {
		return 0, apierrors.NewStorageIOError("import snapshot", err)
	}
	v.appliedSeq = header.SequenceID
	span.Infof("imported volume[%d] snapshot seq[%d] from volume[%d]: blobs[%d] bytes[%d] cost[%s]",
		v.id, header.SequenceID, header.VolumeID, count, tr.Bytes(), tr.Cost())
	return header.SequenceID, nil
}

// clearLocked queues the removal of every blob and offset of v.
func (v *volume) clearLocked(ctx context.Context, batch kvstore.WriteBatch) error {
	for _, col := range []kvstore.CF{blobCF, offsetCF} {
		lr := v.kv.List(ctx, col, nil, nil, nil)
		for {
			key, _, err := lr.Next()
			if err != nil {
				lr.Close()
				return apierrors.NewStorageIOError("clear catalog", err)
			}
			if key == nil {
				break
			}
			batch.Delete(col, key)
		}
		lr.Close()
	}
	return nil
}

func writeFrame(w io.Writer, v interface{}) error {
	raw, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	size := make([]byte, 4)
	binary.BigEndian.PutUint32(size, uint32(len(raw)))
	if _, err = w.Write(size); err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

func writeFrameEnd(w io.Writer) error {
	_, err := w.Write(make([]byte, 4))
	return err
}

// readFrame decodes the next frame into v and reports false at the end
// frame.
func readFrame(r io.Reader, v interface{}) (bool, error) {
	size := make([]byte, 4)
	if _, err := io.ReadFull(r, size); err != nil {
		return false, fmt.Errorf("%w: read frame length: %s", apierrors.ErrInvalidData, err)
	}
	n := binary.BigEndian.Uint32(size)
	if n == 0 {
		return false, nil
	}
	if n > maxFrameSize {
		return false, fmt.Errorf("%w: frame length %d", apierrors.ErrInvalidData, n)
	}
	raw := util.GetBuffer(int(n))
	defer util.PutBuffer(raw)
	if _, err := io.ReadFull(r, raw); err != nil {
		return false, fmt.Errorf("%w: read frame: %s", apierrors.ErrInvalidData, err)
	}
	if err := codec.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("%w: decode frame: %s", apierrors.ErrInvalidData, err)
	}
	return true, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func newCompressWriter(c Compression, w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	case CompressionZstd:
		return zstd.NewWriter(w)
	default:
		return nil, fmt.Errorf("%w: compression %s", apierrors.ErrInvalidArgument, c)
	}
}

type readCloser struct {
	io.Reader
	close func()
}

func (r readCloser) Close() {
	if r.close != nil {
		r.close()
	}
}

func newDecompressReader(c Compression, r io.Reader) (readCloser, error) {
	switch c {
	case CompressionNone:
		return readCloser{Reader: r}, nil
	case CompressionLZ4:
		return readCloser{Reader: lz4.NewReader(r)}, nil
	case CompressionZstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return readCloser{}, err
		}
		return readCloser{Reader: d, close: d.Close}, nil
	default:
		return readCloser{}, fmt.Errorf("%w: snapshot compression tag %d", apierrors.ErrInvalidData, uint8(c))
	}
}
