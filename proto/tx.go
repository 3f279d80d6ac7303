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

// TxSnapshot is the immutable staged state of a committed transaction. It is
// the sequence-stamped delta applied to a volume catalog, locally after a
// commit and remotely when forwarded to a replica.
type TxSnapshot struct {
	VolumeID         VolumeID         `cbor:"1,keyasint" json:"volume_id"`
	TxID             TxID             `cbor:"2,keyasint" json:"tx_id"`
	BlobName         string           `cbor:"3,keyasint" json:"blob_name"`
	Op               TxOp             `cbor:"4,keyasint" json:"op"`
	Mode             OpenMode         `cbor:"5,keyasint" json:"mode"`
	Offsets          OffsetDiff       `cbor:"6,keyasint,omitempty" json:"offsets,omitempty"`
	Meta             MetaDiff         `cbor:"7,keyasint,omitempty" json:"meta,omitempty"`
	DeleteVersion    uint64           `cbor:"8,keyasint,omitempty" json:"delete_version,omitempty"`
	SequenceID       SequenceID       `cbor:"9,keyasint" json:"sequence_id"`
	PlacementVersion PlacementVersion `cbor:"10,keyasint" json:"placement_version"`
	CommitTime       int64            `cbor:"11,keyasint" json:"commit_time"`
}

func (s *TxSnapshot) Clone() *TxSnapshot {
	ret := *s
	if s.Offsets != nil {
		ret.Offsets = s.Offsets.Clone()
	}
	if s.Meta != nil {
		ret.Meta = s.Meta.Clone()
	}
	return &ret
}

// CommitResult carries the final state of a blob after a commit was applied
// to the catalog. Descriptor is nil when the commit deleted the blob.
type CommitResult struct {
	Tx         *TxSnapshot
	Descriptor *BlobDescriptor
	// Offsets holds the offsets written by this commit, at Descriptor.Version.
	Offsets OffsetDiff
}

// RenameRecord is a rename applied under its own sequence id. It bypasses
// the commit log and is forwarded to replicas as is.
type RenameRecord struct {
	VolumeID   VolumeID   `cbor:"1,keyasint" json:"volume_id"`
	SequenceID SequenceID `cbor:"2,keyasint" json:"sequence_id"`
	OldName    string     `cbor:"3,keyasint" json:"old_name"`
	NewName    string     `cbor:"4,keyasint" json:"new_name"`
	UpdateTime int64      `cbor:"5,keyasint" json:"update_time"`
}
