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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObjectID(t *testing.T) {
	id := NewObjectID([]byte("chunk-a"))
	require.False(t, id.IsNull())
	require.True(t, id.Verify([]byte("chunk-a")))
	require.False(t, id.Verify([]byte("chunk-b")))

	parsed, err := ParseObjectID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	_, err = ParseObjectID("abcd")
	require.Error(t, err)
	require.True(t, ObjectID{}.IsNull())
}

func TestOffsetDiff(t *testing.T) {
	a := NewObjectID([]byte("a"))
	b := NewObjectID([]byte("b"))
	d := OffsetDiff{8: {ID: a, Length: 8}, 0: {ID: a, Length: 8}}
	d.Merge(OffsetDiff{8: {ID: b, Length: 4}})

	require.Equal(t, []uint64{0, 8}, d.Offsets())
	require.Equal(t, b, d[8].ID)
	require.Equal(t, uint64(12), d.End())

	c := d.Clone()
	delete(c, 0)
	require.Len(t, d, 2)
}
