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

package codec

import (
	"testing"

	"github.com/cubefs/blobcatalog/proto"
	"github.com/stretchr/testify/require"
)

func TestMarshalDeterministic(t *testing.T) {
	desc := proto.BlobDescriptor{
		Name:    "foo",
		Version: 7,
		Size:    1 << 20,
		Meta:    map[string]string{"b": "2", "a": "1", "c": "3"},
	}
	first, err := Marshal(desc)
	require.NoError(t, err)
	for i := 0; i < 16; i++ {
		again, err := Marshal(desc)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}

	var decoded proto.BlobDescriptor
	require.NoError(t, Unmarshal(first, &decoded))
	require.Equal(t, desc, decoded)
}

func TestGRPCCodec(t *testing.T) {
	c := GRPCCodec{}
	require.Equal(t, Name, c.Name())

	in := proto.OffsetDiff{0: {ID: proto.NewObjectID([]byte("a")), Length: 1}}
	b, err := c.Marshal(in)
	require.NoError(t, err)
	out := proto.OffsetDiff{}
	require.NoError(t, c.Unmarshal(b, &out))
	require.Equal(t, in, out)

	require.Error(t, c.Unmarshal([]byte{0xff, 0x00}, &out))
}
