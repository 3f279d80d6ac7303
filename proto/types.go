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

package proto

import (
	"sort"
)

const (
	// MostRecentVersion resolves to the current version of a blob.
	MostRecentVersion = ^uint64(0)

	ReqIdKey = "req-id"
)

type (
	VolumeID         = uint64
	TxID             = uint64
	SequenceID       = uint64
	PlacementVersion = uint64
	ClientID         = string
	AccessToken      = string
)

type OpenMode uint32

const (
	OpenModeNone     OpenMode = 0
	OpenModeTruncate OpenMode = 1 << 0
)

func (m OpenMode) Truncate() bool {
	return m&OpenModeTruncate != 0
}

type TxOp uint8

const (
	TxOpPut TxOp = iota + 1
	TxOpDelete
)

func (op TxOp) String() string {
	switch op {
	case TxOpPut:
		return "PUT"
	case TxOpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

type VolumeState uint8

const (
	VolumeStateInit VolumeState = iota
	VolumeStateReady
	VolumeStateUnavailable
)

func (s VolumeState) String() string {
	switch s {
	case VolumeStateInit:
		return "INIT"
	case VolumeStateReady:
		return "READY"
	case VolumeStateUnavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

type AccessMode uint8

const (
	AccessModeRead AccessMode = iota + 1
	AccessModeWrite
	AccessModeExclusiveWrite
)

func (m AccessMode) Exclusive() bool {
	return m == AccessModeExclusiveWrite
}

// ObjectRef points one offset of a blob at a chunk.
type ObjectRef struct {
	ID     ObjectID `cbor:"1,keyasint"`
	Length uint32   `cbor:"2,keyasint"`
}

// OffsetDiff is a staged or applied offset -> chunk update. Later writes of
// the same offset win.
type OffsetDiff map[uint64]ObjectRef

// Merge copies every entry of other into d.
func (d OffsetDiff) Merge(other OffsetDiff) {
	for off, ref := range other {
		d[off] = ref
	}
}

// Offsets returns the offsets of d in ascending order.
func (d OffsetDiff) Offsets() []uint64 {
	ret := make([]uint64, 0, len(d))
	for off := range d {
		ret = append(ret, off)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// End returns the byte past the last chunk of d.
func (d OffsetDiff) End() uint64 {
	var end uint64
	for off, ref := range d {
		if e := off + uint64(ref.Length); e > end {
			end = e
		}
	}
	return end
}

func (d OffsetDiff) Clone() OffsetDiff {
	ret := make(OffsetDiff, len(d))
	ret.Merge(d)
	return ret
}

// MetaDiff is a key/value metadata update, merged key by key.
type MetaDiff map[string]string

func (d MetaDiff) Merge(other MetaDiff) {
	for k, v := range other {
		d[k] = v
	}
}

func (d MetaDiff) Clone() MetaDiff {
	ret := make(MetaDiff, len(d))
	ret.Merge(d)
	return ret
}

type BlobDescriptor struct {
	Name       string            `cbor:"1,keyasint" json:"name"`
	Version    uint64            `cbor:"2,keyasint" json:"version"`
	Size       uint64            `cbor:"3,keyasint" json:"size"`
	Meta       map[string]string `cbor:"4,keyasint,omitempty" json:"meta,omitempty"`
	CreateTime int64             `cbor:"5,keyasint" json:"create_time"`
	UpdateTime int64             `cbor:"6,keyasint" json:"update_time"`
}

func (d *BlobDescriptor) Clone() BlobDescriptor {
	ret := *d
	if d.Meta != nil {
		ret.Meta = MetaDiff(d.Meta).Clone()
	}
	return ret
}

type VolumeStats struct {
	VolumeID    VolumeID   `json:"volume_id"`
	State       string     `json:"state,omitempty"`
	BlobCount   uint64     `json:"blob_count"`
	LogicalSize uint64     `json:"logical_size"`
	ObjectCount uint64     `json:"object_count"`
	SequenceID  SequenceID `json:"sequence_id"`
	Deleted     bool       `json:"deleted"`
	KVUsed      uint64     `json:"kv_used"`
	KVMemory    uint64     `json:"kv_memory"`
	// ForwardTarget is the replica receiving the volume's mutations.
	// StaleForward names a replica that missed one and awaits a resync.
	ForwardTarget string `json:"forward_target,omitempty"`
	StaleForward  string `json:"stale_forward,omitempty"`
}
