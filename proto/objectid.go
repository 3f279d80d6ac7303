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
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

const ObjectIDSize = 32

// ObjectID is the content hash of an immutable chunk. The zero value is the
// null object.
type ObjectID [ObjectIDSize]byte

// ChunkRef is the name used for ObjectID on the data path.
type ChunkRef = ObjectID

// NewObjectID hashes chunk content into its ObjectID.
func NewObjectID(data []byte) ObjectID {
	return ObjectID(blake3.Sum256(data))
}

func (id ObjectID) IsNull() bool {
	return id == ObjectID{}
}

// Verify reports whether data hashes to id.
func (id ObjectID) Verify(data []byte) bool {
	return NewObjectID(data) == id
}

func (id ObjectID) String() string {
	return hex.EncodeToString(id[:])
}

func ParseObjectID(s string) (ObjectID, error) {
	var id ObjectID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != ObjectIDSize {
		return id, fmt.Errorf("object id is %d bytes, want %d", len(b), ObjectIDSize)
	}
	copy(id[:], b)
	return id, nil
}
