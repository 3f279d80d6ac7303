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

package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/blobcatalog/errors"
	"github.com/cubefs/blobcatalog/proto"
)

func TestDescriptorCache(t *testing.T) {
	c := New(Config{MaxDescriptors: 2})

	_, ok := c.GetDescriptor(1, "a")
	require.False(t, ok)

	desc := &proto.BlobDescriptor{Name: "a", Version: 5, Size: 10, Meta: map[string]string{"k": "v"}}
	require.Nil(t, c.PutDescriptor(1, desc))
	got, ok := c.GetDescriptor(1, "a")
	require.True(t, ok)
	require.Equal(t, *desc, got)

	// returned copies are not shared with the cache
	got.Meta["k"] = "x"
	got, _ = c.GetDescriptor(1, "a")
	require.Equal(t, "v", got.Meta["k"])

	// older versions never replace newer ones
	require.Nil(t, c.PutDescriptor(1, &proto.BlobDescriptor{Name: "a", Version: 3}))
	got, _ = c.GetDescriptor(1, "a")
	require.Equal(t, uint64(5), got.Version)
	require.Nil(t, c.PutDescriptor(1, &proto.BlobDescriptor{Name: "a", Version: 7, Size: 20}))
	got, _ = c.GetDescriptor(1, "a")
	require.Equal(t, uint64(20), got.Size)

	// volumes are independent
	_, ok = c.GetDescriptor(2, "a")
	require.False(t, ok)

	require.Nil(t, c.PutDescriptor(1, &proto.BlobDescriptor{Name: "b", Version: 8}))
	evicted := c.PutDescriptor(1, &proto.BlobDescriptor{Name: "c", Version: 9})
	require.NotNil(t, evicted)
	require.Equal(t, "a", evicted.Name)
	_, ok = c.GetDescriptor(1, "a")
	require.False(t, ok)

	c.RemoveBlob(1, "b")
	_, ok = c.GetDescriptor(1, "b")
	require.False(t, ok)
}

func TestDescriptorTombstone(t *testing.T) {
	c := New(Config{})
	c.PutDescriptor(1, &proto.BlobDescriptor{Name: "a", Version: 5})
	c.RemoveBlobAt(1, "a", 6)
	_, ok := c.GetDescriptor(1, "a")
	require.False(t, ok)

	// a read that started before the delete cannot resurrect the blob
	c.PutDescriptor(1, &proto.BlobDescriptor{Name: "a", Version: 5})
	_, ok = c.GetDescriptor(1, "a")
	require.False(t, ok)

	// a later incarnation is cached again
	c.PutDescriptor(1, &proto.BlobDescriptor{Name: "a", Version: 9})
	got, ok := c.GetDescriptor(1, "a")
	require.True(t, ok)
	require.Equal(t, uint64(9), got.Version)
}

func TestOffsetCache(t *testing.T) {
	c := New(Config{MaxOffsets: 3})
	ref := proto.ObjectRef{ID: proto.NewObjectID([]byte("aaaa")), Length: 4}

	require.Nil(t, c.PutOffset(1, "a", 1, 0, ref))
	got, ok := c.GetOffset(1, "a", 1, 0)
	require.True(t, ok)
	require.Equal(t, ref, got)

	// another incarnation of the same name misses
	_, ok = c.GetOffset(1, "a", 2, 0)
	require.False(t, ok)

	// null refs are not cached
	require.Nil(t, c.PutOffset(1, "a", 1, 4, proto.ObjectRef{}))
	_, ok = c.GetOffset(1, "a", 1, 4)
	require.False(t, ok)

	c.PutOffsets(1, "a", 1, proto.OffsetDiff{4: ref, 8: ref})
	evicted := c.PutOffset(1, "a", 1, 12, ref)
	require.NotNil(t, evicted)
	_, ok = c.GetOffset(1, "a", 1, 0)
	require.False(t, ok)

	c.RemoveOffsets(1, "a", 1)
	for _, off := range []uint64{4, 8, 12} {
		_, ok = c.GetOffset(1, "a", 1, off)
		require.False(t, ok)
	}
}

func TestChunkCache(t *testing.T) {
	ctx := context.Background()
	c := New(Config{MaxChunks: 1})
	data := []byte("chunk data")
	id := proto.NewObjectID(data)

	_, err := c.PutChunk(ctx, 1, id, []byte("other data"))
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)
	_, err = c.PutChunk(ctx, 1, proto.ObjectID{}, nil)
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)

	evicted, err := c.PutChunk(ctx, 1, id, data)
	require.NoError(t, err)
	require.Nil(t, evicted)

	// the cache keeps its own copy
	data[0] = 'x'
	got, ok := c.GetChunk(1, id)
	require.True(t, ok)
	require.Equal(t, []byte("chunk data"), got)

	data2 := []byte("second chunk")
	evicted, err = c.PutChunk(ctx, 1, proto.NewObjectID(data2), data2)
	require.NoError(t, err)
	require.Equal(t, []byte("chunk data"), evicted)
	_, ok = c.GetChunk(1, id)
	require.False(t, ok)
}

func TestInvalidateAndStats(t *testing.T) {
	ctx := context.Background()
	c := New(Config{})
	data := []byte("data")
	id := proto.NewObjectID(data)
	ref := proto.ObjectRef{ID: id, Length: 4}

	for _, vid := range []proto.VolumeID{1, 2} {
		c.PutDescriptor(vid, &proto.BlobDescriptor{Name: "a", Version: 1, Size: 4})
		c.PutOffset(vid, "a", 1, 0, ref)
		_, err := c.PutChunk(ctx, vid, id, data)
		require.NoError(t, err)
	}
	stats := c.Stats()
	require.Equal(t, 2, stats.Descriptors.Entries)
	require.Equal(t, 2, stats.Offsets.Entries)
	require.Equal(t, 2, stats.Chunks.Entries)

	c.Invalidate(1)
	_, ok := c.GetDescriptor(1, "a")
	require.False(t, ok)
	_, ok = c.GetOffset(1, "a", 1, 0)
	require.False(t, ok)
	_, ok = c.GetChunk(1, id)
	require.False(t, ok)

	_, ok = c.GetDescriptor(2, "a")
	require.True(t, ok)
	_, ok = c.GetOffset(2, "a", 1, 0)
	require.True(t, ok)
	_, ok = c.GetChunk(2, id)
	require.True(t, ok)

	stats = c.Stats()
	require.Equal(t, KindStats{Hits: 1, Misses: 1, Entries: 1}, stats.Descriptors)
	require.Equal(t, KindStats{Hits: 1, Misses: 1, Entries: 1}, stats.Offsets)
	require.Equal(t, KindStats{Hits: 1, Misses: 1, Entries: 1}, stats.Chunks)
}

func TestConcurrentAccess(t *testing.T) {
	c := New(Config{MaxDescriptors: 16})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				name := fmt.Sprintf("blob-%d", j%20)
				c.PutDescriptor(proto.VolumeID(i%2), &proto.BlobDescriptor{Name: name, Version: uint64(j)})
				if desc, ok := c.GetDescriptor(proto.VolumeID(i%2), name); ok {
					require.Equal(t, name, desc.Name)
				}
			}
		}(i)
	}
	wg.Wait()
	require.LessOrEqual(t, c.Stats().Descriptors.Entries, 32)
}
