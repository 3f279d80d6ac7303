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
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cubefs/blobcatalog/common/codec"
	"github.com/cubefs/blobcatalog/common/kvstore"
	apierrors "github.com/cubefs/blobcatalog/errors"
	"github.com/cubefs/blobcatalog/proto"
)

const (
	blobCF   kvstore.CF = "blob"
	offsetCF kvstore.CF = "offset"
	sysCF    kvstore.CF = "default"

	offsetValueSize = proto.ObjectIDSize + 4
	maxNameLen      = math.MaxUint16
)

var (
	seqKey     = []byte("seq")
	deletedKey = []byte("deleted")
)

// blobRecord is the raw form of one blob used by descriptor bootstrap and
// snapshot streams.
type blobRecord struct {
	Desc    proto.BlobDescriptor `cbor:"1,keyasint"`
	Offsets proto.OffsetDiff     `cbor:"2,keyasint,omitempty"`
}

// EncodeBlob returns the raw blob data accepted by MigrateDescriptor.
func EncodeBlob(desc *proto.BlobDescriptor, offsets proto.OffsetDiff) ([]byte, error) {
	return codec.Marshal(&blobRecord{Desc: *desc, Offsets: offsets})
}

func DecodeBlob(raw []byte) (*proto.BlobDescriptor, proto.OffsetDiff, error) {
	rec := &blobRecord{}
	if err := codec.Unmarshal(raw, rec); err != nil {
		return nil, nil, fmt.Errorf("%w: decode blob: %s", apierrors.ErrInvalidData, err)
	}
	if rec.Offsets == nil {
		rec.Offsets = make(proto.OffsetDiff)
	}
	return &rec.Desc, rec.Offsets, nil
}

func encodeBlobKey(name string) []byte {
	return []byte(name)
}

// offset keys are laid out as: name length u16 | name | offset u64, big
// endian, so the offsets of one blob are contiguous and ordered.
func offsetKeyPrefixSize(name string) int {
	return 2 + len(name)
}

func encodeOffsetKeyPrefix(name string, raw []byte) {
	binary.BigEndian.PutUint16(raw, uint16(len(name)))
	copy(raw[2:], name)
}

func encodeOffsetKeyPrefixBytes(name string) []byte {
	raw := make([]byte, offsetKeyPrefixSize(name))
	encodeOffsetKeyPrefix(name, raw)
	return raw
}

func encodeOffsetKey(name string, offset uint64) []byte {
	prefixSize := offsetKeyPrefixSize(name)
	raw := make([]byte, prefixSize+8)
	encodeOffsetKeyPrefix(name, raw)
	binary.BigEndian.PutUint64(raw[prefixSize:], offset)
	return raw
}

func decodeOffsetKey(raw []byte) (name string, offset uint64, err error) {
	if len(raw) < 10 {
		return "", 0, fmt.Errorf("%w: offset key length %d", apierrors.ErrInvalidData, len(raw))
	}
	nameLen := int(binary.BigEndian.Uint16(raw))
	if len(raw) != 2+nameLen+8 {
		return "", 0, fmt.Errorf("%w: offset key length %d", apierrors.ErrInvalidData, len(raw))
	}
	return string(raw[2 : 2+nameLen]), binary.BigEndian.Uint64(raw[2+nameLen:]), nil
}

func encodeObjectRef(ref proto.ObjectRef) []byte {
	raw := make([]byte, offsetValueSize)
	copy(raw, ref.ID[:])
	binary.BigEndian.PutUint32(raw[proto.ObjectIDSize:], ref.Length)
	return raw
}

func decodeObjectRef(raw []byte) (ref proto.ObjectRef, err error) {
	if len(raw) != offsetValueSize {
		return ref, fmt.Errorf("%w: offset value length %d", apierrors.ErrInvalidData, len(raw))
	}
	copy(ref.ID[:], raw)
	ref.Length = binary.BigEndian.Uint32(raw[proto.ObjectIDSize:])
	return ref, nil
}

func encodeDescriptor(desc *proto.BlobDescriptor) ([]byte, error) {
	return codec.Marshal(desc)
}

func decodeDescriptor(raw []byte) (*proto.BlobDescriptor, error) {
	desc := &proto.BlobDescriptor{}
	if err := codec.Unmarshal(raw, desc); err != nil {
		return nil, fmt.Errorf("%w: decode descriptor: %s", apierrors.ErrInvalidData, err)
	}
	return desc, nil
}

func encodeSeq(seq proto.SequenceID) []byte {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, seq)
	return raw
}

func decodeSeq(raw []byte) (proto.SequenceID, error) {
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: sequence id length %d", apierrors.ErrInvalidData, len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}
