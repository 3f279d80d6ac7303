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
	"encoding/binary"
	"fmt"

	apierrors "github.com/cubefs/blobcatalog/errors"
	"github.com/cubefs/blobcatalog/proto"
)

type EntryType uint32

const (
	EntryStart EntryType = iota + 1
	EntryUpdateObjList
	EntryUpdateObjMeta
	EntryDeleteBlob
	EntryRollback
	EntryCommit
	EntryPurge
)

func (t EntryType) String() string {
	switch t {
	case EntryStart:
		return "START"
	case EntryUpdateObjList:
		return "UPDATE_OBJLIST"
	case EntryUpdateObjMeta:
		return "UPDATE_OBJMETA"
	case EntryDeleteBlob:
		return "DELETE_BLOB"
	case EntryRollback:
		return "ROLLBACK"
	case EntryCommit:
		return "COMMIT"
	case EntryPurge:
		return "PURGE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
	}
}

func (t EntryType) valid() bool {
	return t >= EntryStart && t <= EntryPurge
}

// record header layout, little endian:
//
//	type u32 | id u64 | txId u64 | timestamp u64 | next u32 | len u32
const (
	recordHeaderSize = 36

	offType      = 0
	offID        = 4
	offTxID      = 12
	offTimestamp = 20
	offNext      = 28
	offLen       = 32

	maxPayloadSize = 64 << 20
)

// Entry is one immutable record of the commit log.
type Entry struct {
	Type      EntryType
	ID        uint64
	TxID      proto.TxID
	Timestamp uint64
	Payload   []byte
}

func (e *Entry) size() int64 {
	return int64(recordHeaderSize + len(e.Payload))
}

func (e *Entry) clone() *Entry {
	ret := *e
	ret.Payload = append([]byte(nil), e.Payload...)
	return &ret
}

// encodeRecord writes e into raw with the given next link. raw must hold
// e.size() bytes.
func encodeRecord(e *Entry, next uint32, raw []byte) {
	binary.LittleEndian.PutUint32(raw[offType:], uint32(e.Type))
	binary.LittleEndian.PutUint64(raw[offID:], e.ID)
	binary.LittleEndian.PutUint64(raw[offTxID:], e.TxID)
	binary.LittleEndian.PutUint64(raw[offTimestamp:], e.Timestamp)
	binary.LittleEndian.PutUint32(raw[offNext:], next)
	binary.LittleEndian.PutUint32(raw[offLen:], uint32(len(e.Payload)))
	copy(raw[recordHeaderSize:], e.Payload)
}

// decodeRecordHeader parses a record header and returns the entry without
// payload, the next link and the payload length.
func decodeRecordHeader(raw []byte) (e *Entry, next uint32, payloadLen uint32, err error) {
	if len(raw) < recordHeaderSize {
		return nil, 0, 0, apierrors.ErrInvalidData
	}
	e = &Entry{
		Type:      EntryType(binary.LittleEndian.Uint32(raw[offType:])),
		ID:        binary.LittleEndian.Uint64(raw[offID:]),
		TxID:      binary.LittleEndian.Uint64(raw[offTxID:]),
		Timestamp: binary.LittleEndian.Uint64(raw[offTimestamp:]),
	}
	next = binary.LittleEndian.Uint32(raw[offNext:])
	payloadLen = binary.LittleEndian.Uint32(raw[offLen:])
	if !e.Type.valid() || payloadLen > maxPayloadSize {
		return nil, 0, 0, fmt.Errorf("%w: record type[%d] len[%d]", apierrors.ErrChecksumMismatch, e.Type, payloadLen)
	}
	return e, next, payloadLen, nil
}
