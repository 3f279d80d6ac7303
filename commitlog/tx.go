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
	"github.com/cubefs/blobcatalog/proto"
)

type TxState uint8

const (
	TxStateStarted TxState = iota + 1
	TxStateCommitted
	TxStateRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxStateStarted:
		return "started"
	case TxStateCommitted:
		return "committed"
	case TxStateRolledBack:
		return "rolledback"
	default:
		return "unknown"
	}
}

// tx is the in-memory record of one transaction between START and PURGE.
type tx struct {
	id            proto.TxID
	blobName      string
	mode          proto.OpenMode
	op            proto.TxOp
	offsets       proto.OffsetDiff
	meta          proto.MetaDiff
	deleteVersion uint64
	state         TxState
	startTime     int64

	seq              proto.SequenceID
	placementVersion proto.PlacementVersion
	commitTime       int64
}

func newTx(id proto.TxID, p *StartPayload, ts int64) *tx {
	return &tx{
		id:        id,
		blobName:  p.BlobName,
		mode:      p.Mode,
		op:        proto.TxOpPut,
		state:     TxStateStarted,
		startTime: ts,
	}
}

func (t *tx) hasPutData() bool {
	return len(t.offsets) > 0 || len(t.meta) > 0
}

// apply folds the payload of a non START entry into t.
func (t *tx) apply(e *Entry, p Payload) {
	switch e.Type {
	case EntryUpdateObjList:
		if t.offsets == nil {
			t.offsets = make(proto.OffsetDiff)
		}
		lp := p.(*ObjListPayload)
		t.offsets.Merge(lp.Offsets)
		if len(lp.Meta) > 0 {
			if t.meta == nil {
				t.meta = make(proto.MetaDiff)
			}
			t.meta.Merge(lp.Meta)
		}
	case EntryUpdateObjMeta:
		if t.meta == nil {
			t.meta = make(proto.MetaDiff)
		}
		t.meta.Merge(p.(*ObjMetaPayload).Meta)
	case EntryDeleteBlob:
		t.op = proto.TxOpDelete
		t.deleteVersion = p.(*DeleteBlobPayload).Version
	case EntryCommit:
		cp := p.(*CommitPayload)
		t.state = TxStateCommitted
		t.seq = cp.SequenceID
		t.placementVersion = cp.PlacementVersion
		t.commitTime = int64(e.Timestamp)
	case EntryRollback:
		t.state = TxStateRolledBack
		t.offsets = nil
		t.meta = nil
	}
}

func (t *tx) snapshot(vid proto.VolumeID) *proto.TxSnapshot {
	ret := &proto.TxSnapshot{
		VolumeID:         vid,
		TxID:             t.id,
		BlobName:         t.blobName,
		Op:               t.op,
		Mode:             t.mode,
		DeleteVersion:    t.deleteVersion,
		SequenceID:       t.seq,
		PlacementVersion: t.placementVersion,
		CommitTime:       t.commitTime,
	}
	if t.offsets != nil {
		ret.Offsets = t.offsets.Clone()
	}
	if t.meta != nil {
		ret.Meta = t.meta.Clone()
	}
	return ret
}
