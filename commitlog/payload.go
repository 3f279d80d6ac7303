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
	"fmt"

	"github.com/cubefs/blobcatalog/common/codec"
	apierrors "github.com/cubefs/blobcatalog/errors"
	"github.com/cubefs/blobcatalog/proto"
)

// Payload is the kind specific body of an entry. ROLLBACK and PURGE carry
// none.
type Payload interface {
	entryType() EntryType
}

type (
	StartPayload struct {
		BlobName string         `cbor:"1,keyasint"`
		Mode     proto.OpenMode `cbor:"2,keyasint,omitempty"`
	}
	// ObjListPayload may carry the metadata staged by the same update.
	ObjListPayload struct {
		Offsets proto.OffsetDiff `cbor:"1,keyasint"`
		Meta    proto.MetaDiff   `cbor:"2,keyasint,omitempty"`
	}
	ObjMetaPayload struct {
		Meta proto.MetaDiff `cbor:"1,keyasint"`
	}
	DeleteBlobPayload struct {
		Version uint64 `cbor:"1,keyasint"`
	}
	CommitPayload struct {
		SequenceID       proto.SequenceID       `cbor:"1,keyasint"`
		PlacementVersion proto.PlacementVersion `cbor:"2,keyasint,omitempty"`
	}
)

func (*StartPayload) entryType() EntryType      { return EntryStart }
func (*ObjListPayload) entryType() EntryType    { return EntryUpdateObjList }
func (*ObjMetaPayload) entryType() EntryType    { return EntryUpdateObjMeta }
func (*DeleteBlobPayload) entryType() EntryType { return EntryDeleteBlob }
func (*CommitPayload) entryType() EntryType     { return EntryCommit }

func encodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return codec.Marshal(p)
}

// DecodePayload decodes the payload of e according to its type. It returns a
// nil Payload for ROLLBACK and PURGE.
func DecodePayload(e *Entry) (Payload, error) {
	var p Payload
	switch e.Type {
	case EntryStart:
		p = &StartPayload{}
	case EntryUpdateObjList:
		p = &ObjListPayload{}
	case EntryUpdateObjMeta:
		p = &ObjMetaPayload{}
	case EntryDeleteBlob:
		p = &DeleteBlobPayload{}
	case EntryCommit:
		p = &CommitPayload{}
	case EntryRollback, EntryPurge:
		if len(e.Payload) > 0 {
			return nil, fmt.Errorf("%w: %s entry with payload", apierrors.ErrInvalidData, e.Type)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: entry type %s", apierrors.ErrInvalidData, e.Type)
	}
	if err := codec.Unmarshal(e.Payload, p); err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %s", apierrors.ErrInvalidData, e.Type, err)
	}
	return p, nil
}
