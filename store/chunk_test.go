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

package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/blobcatalog/errors"
	"github.com/cubefs/blobcatalog/proto"
	"github.com/cubefs/blobcatalog/util"
)

func TestChunkStore(t *testing.T) {
	ctx := context.Background()
	root, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(root)

	s, err := NewChunkStore(root)
	require.NoError(t, err)
	data := []byte("chunk data")
	id := proto.NewObjectID(data)

	_, err = s.GetChunk(ctx, 1, id)
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	require.ErrorIs(t, s.PutChunk(ctx, 1, id, []byte("other data")), apierrors.ErrInvalidArgument)

	require.NoError(t, s.PutChunk(ctx, 1, id, data))
	require.NoError(t, s.PutChunk(ctx, 1, id, data))
	got, err := s.GetChunk(ctx, 1, id)
	require.NoError(t, err)
	require.Equal(t, data, got)

	// chunks are scoped by volume
	_, err = s.GetChunk(ctx, 2, id)
	require.ErrorIs(t, err, apierrors.ErrNotFound)

	names, err := s.fs.ReadDir("")
	require.NoError(t, err)
	require.Len(t, names, 1)
}
