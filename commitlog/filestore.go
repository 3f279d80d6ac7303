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
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"

	apierrors "github.com/cubefs/blobcatalog/errors"
	"github.com/cubefs/blobcatalog/store"
	"github.com/cubefs/blobcatalog/util"
)

// file header layout, little endian:
//
//	count u32 | first u32 | last u32 | digest [20]byte
const (
	fileHeaderSize = 32
	digestSize     = 20

	compactSuffix = ".compact"
)

type fileHeader struct {
	count  uint32
	first  uint32
	last   uint32
	digest [digestSize]byte
}

func (h *fileHeader) encode(raw []byte) {
	binary.LittleEndian.PutUint32(raw[0:], h.count)
	binary.LittleEndian.PutUint32(raw[4:], h.first)
	binary.LittleEndian.PutUint32(raw[8:], h.last)
	copy(raw[12:], h.digest[:])
}

func (h *fileHeader) decode(raw []byte) {
	h.count = binary.LittleEndian.Uint32(raw[0:])
	h.first = binary.LittleEndian.Uint32(raw[4:])
	h.last = binary.LittleEndian.Uint32(raw[8:])
	copy(h.digest[:], raw[12:fileHeaderSize])
}

// chainDigest folds one record, with its next link zeroed, into the running
// digest of the live region.
func chainDigest(prev [digestSize]byte, record []byte) (ret [digestSize]byte) {
	h := blake3.New()
	h.Write(prev[:])
	h.Write(record[:offNext])
	h.Write(record[offNext+4:])
	copy(ret[:], h.Sum(nil))
	return
}

// fileStore keeps the entries of a commit log in a single file: a fixed
// header followed by records linked through their next field.
type fileStore struct {
	fs   store.RawFS
	name string
	file store.RawFile

	header       fileHeader
	tail         int64
	preallocated int64
	preallocSize int64
	sync         bool
	closed       bool

	lock sync.Mutex
}

// OpenFileStore opens or creates the log file name in fs and validates its
// live region. Bytes past the last committed header are discarded.
func OpenFileStore(ctx context.Context, fs store.RawFS, name string, cfg *Config) (Store, error) {
	span := trace.SpanFromContextSafe(ctx)
	if err := fs.Remove(name + compactSuffix); err != nil {
		return nil, apierrors.NewStorageIOError("remove stale compaction", err)
	}
	file, err := fs.CreateRawFile(name)
	if err != nil {
		return nil, apierrors.NewStorageIOError("open log", err)
	}

	s := &fileStore{
		fs:           fs,
		name:         name,
		file:         file,
		preallocSize: cfg.PreallocateBytes,
		sync:         !cfg.DisableSync,
	}
	if err = s.load(); err != nil {
		file.Close()
		return nil, err
	}
	span.Debugf("open commit log %s: count[%d] tail[%d]", name, s.header.count, s.tail)
	return s, nil
}

func (s *fileStore) load() error {
	info, err := s.file.Stat()
	if err != nil {
		return apierrors.NewStorageIOError("stat log", err)
	}
	size := info.Size()
	if size < fileHeaderSize {
		s.header = fileHeader{}
		s.tail = fileHeaderSize
		if err = s.writeHeader(&s.header); err != nil {
			return err
		}
		if err = s.file.Truncate(fileHeaderSize); err != nil {
			return apierrors.NewStorageIOError("truncate log", err)
		}
		s.preallocated = s.tail
		return s.syncFile()
	}

	raw := make([]byte, fileHeaderSize)
	if _, err = s.file.ReadAt(raw, 0); err != nil {
		return apierrors.NewStorageIOError("read log header", err)
	}
	s.header.decode(raw)

	var (
		digest [digestSize]byte
		off    = int64(s.header.first)
		end    = int64(fileHeaderSize)
		next   uint32
	)
	for i := uint32(0); i < s.header.count; i++ {
		var record []byte
		record, next, err = s.readRecord(off, size)
		if err != nil {
			return err
		}
		digest = chainDigest(digest, record)
		end = off + int64(len(record))
		if i == s.header.count-1 {
			break
		}
		if int64(next) <= off {
			return fmt.Errorf("%w: broken link at %d", apierrors.ErrChecksumMismatch, off)
		}
		off = int64(next)
	}
	if s.header.count > 0 && off != int64(s.header.last) {
		return fmt.Errorf("%w: last record at %d, header says %d", apierrors.ErrChecksumMismatch, off, s.header.last)
	}
	if digest != s.header.digest {
		return fmt.Errorf("%w: log digest", apierrors.ErrChecksumMismatch)
	}
	s.tail = end

	// drop a record appended after the last durable header
	if s.header.count > 0 && next != 0 {
		if err = s.writeNext(int64(s.header.last), 0); err != nil {
			return err
		}
	}
	if size > s.tail {
		if err = s.file.Truncate(s.tail); err != nil {
			return apierrors.NewStorageIOError("truncate log", err)
		}
	}
	s.preallocated = s.tail
	return s.syncFile()
}

// readRecord returns the raw bytes of the record at off and its next link.
func (s *fileStore) readRecord(off, size int64) ([]byte, uint32, error) {
	if off < fileHeaderSize || off+recordHeaderSize > size {
		return nil, 0, fmt.Errorf("%w: record at %d out of range", apierrors.ErrChecksumMismatch, off)
	}
	hdr := make([]byte, recordHeaderSize)
	if _, err := s.file.ReadAt(hdr, off); err != nil {
		return nil, 0, apierrors.NewStorageIOError("read record", err)
	}
	_, next, payloadLen, err := decodeRecordHeader(hdr)
	if err != nil {
		return nil, 0, err
	}
	if off+recordHeaderSize+int64(payloadLen) > size {
		return nil, 0, fmt.Errorf("%w: record at %d truncated", apierrors.ErrChecksumMismatch, off)
	}
	record := make([]byte, recordHeaderSize+int(payloadLen))
	copy(record, hdr)
	if payloadLen > 0 {
		if _, err = s.file.ReadAt(record[recordHeaderSize:], off+recordHeaderSize); err != nil {
			return nil, 0, apierrors.NewStorageIOError("read record", err)
		}
	}
	return record, next, nil
}

func (s *fileStore) Append(ctx context.Context, e *Entry) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return apierrors.NewStorageIOError("append", errClosed)
	}

	off := s.tail
	size := e.size()
	if off+size > math.MaxUint32 {
		return apierrors.NewStorageIOError("append", errors.New("log file is full"))
	}
	s.preallocate(ctx, off+size)

	record := util.GetBuffer(int(size))
	defer util.PutBuffer(record)
	encodeRecord(e, 0, record)
	if _, err := s.file.WriteAt(record, off); err != nil {
		return apierrors.NewStorageIOError("write record", err)
	}
	if s.header.count > 0 {
		if err := s.writeNext(int64(s.header.last), uint32(off)); err != nil {
			return err
		}
	}
	if err := s.syncFile(); err != nil {
		return err
	}

	header := s.header
	if header.count == 0 {
		header.first = uint32(off)
	}
	header.count++
	header.last = uint32(off)
	header.digest = chainDigest(s.header.digest, record)
	if err := s.writeHeader(&header); err != nil {
		return err
	}
	if err := s.syncFile(); err != nil {
		return err
	}

	s.header = header
	s.tail = off + size
	return nil
}

func (s *fileStore) Range(f func(e *Entry) bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return apierrors.NewStorageIOError("range", errClosed)
	}
	return s.rangeLocked(func(e *Entry, _ []byte) bool { return f(e) })
}

func (s *fileStore) rangeLocked(f func(e *Entry, record []byte) bool) error {
	off := int64(s.header.first)
	for i := uint32(0); i < s.header.count; i++ {
		record, next, err := s.readRecord(off, s.tail)
		if err != nil {
			return err
		}
		e, _, _, err := decodeRecordHeader(record)
		if err != nil {
			return err
		}
		e.Payload = record[recordHeaderSize:]
		if !f(e, record) {
			return nil
		}
		off = int64(next)
	}
	return nil
}

// Compact writes the surviving records into a new file and renames it over
// the log.
func (s *fileStore) Compact(ctx context.Context, ids map[uint64]struct{}) error {
	span := trace.SpanFromContextSafe(ctx)
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return apierrors.NewStorageIOError("compact", errClosed)
	}

	var kept [][]byte
	if err := s.rangeLocked(func(e *Entry, record []byte) bool {
		if _, ok := ids[e.ID]; !ok {
			kept = append(kept, record)
		}
		return true
	}); err != nil {
		return err
	}

	tmpName := s.name + compactSuffix
	tmp, err := s.fs.CreateRawFile(tmpName)
	if err != nil {
		return apierrors.NewStorageIOError("create compaction file", err)
	}
	if err = tmp.Truncate(0); err != nil {
		tmp.Close()
		return apierrors.NewStorageIOError("truncate compaction file", err)
	}

	var (
		header fileHeader
		off    = int64(fileHeaderSize)
	)
	for i, record := range kept {
		next := uint32(0)
		if i < len(kept)-1 {
			next = uint32(off + int64(len(record)))
		}
		binary.LittleEndian.PutUint32(record[offNext:], next)
		if _, err = tmp.WriteAt(record, off); err != nil {
			break
		}
		if i == 0 {
			header.first = uint32(off)
		}
		header.count++
		header.last = uint32(off)
		header.digest = chainDigest(header.digest, record)
		off += int64(len(record))
	}
	if err == nil {
		raw := make([]byte, fileHeaderSize)
		header.encode(raw)
		_, err = tmp.WriteAt(raw, 0)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if err == nil {
		err = s.fs.Rename(tmpName, s.name)
	}
	if err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return apierrors.NewStorageIOError("compact", err)
	}
	// the new file is in place from here on
	if err = s.fs.SyncDir(); err != nil {
		span.Warnf("sync log dir after compaction failed: %s", err)
	}

	s.file.Close()
	s.file = tmp
	s.header = header
	s.tail = off
	s.preallocated = off
	span.Debugf("compacted commit log %s: removed[%d] kept[%d] tail[%d]", s.name, len(ids), len(kept), off)
	return nil
}

func (s *fileStore) Size() int64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.tail - fileHeaderSize
}

func (s *fileStore) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

func (s *fileStore) writeHeader(h *fileHeader) error {
	raw := make([]byte, fileHeaderSize)
	h.encode(raw)
	if _, err := s.file.WriteAt(raw, 0); err != nil {
		return apierrors.NewStorageIOError("write log header", err)
	}
	return nil
}

func (s *fileStore) writeNext(recordOff int64, next uint32) error {
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint32(raw, next)
	if _, err := s.file.WriteAt(raw, recordOff+offNext); err != nil {
		return apierrors.NewStorageIOError("link record", err)
	}
	return nil
}

func (s *fileStore) syncFile() error {
	if !s.sync {
		return nil
	}
	if err := unix.Fdatasync(int(s.file.Fd())); err != nil {
		return apierrors.NewStorageIOError("fdatasync", err)
	}
	return nil
}

// preallocate reserves disk space past end without changing the file size.
// File systems without fallocate support simply grow on write.
func (s *fileStore) preallocate(ctx context.Context, end int64) {
	if s.preallocSize <= 0 || end <= s.preallocated {
		return
	}
	length := s.preallocSize
	if need := end - s.preallocated; need > length {
		length = need
	}
	err := unix.Fallocate(int(s.file.Fd()), unix.FALLOC_FL_KEEP_SIZE, s.preallocated, length)
	if err != nil {
		if !errors.Is(err, unix.EOPNOTSUPP) && !errors.Is(err, unix.ENOTSUP) {
			trace.SpanFromContextSafe(ctx).Warnf("preallocate commit log %s failed: %s", s.name, err)
		}
		s.preallocSize = 0
		return
	}
	s.preallocated += length
}
