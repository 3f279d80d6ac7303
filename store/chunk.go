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
	"fmt"
	"io"
	"os"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/blobcatalog/errors"
	"github.com/cubefs/blobcatalog/proto"
)

// ChunkStore keeps chunk data as one file per chunk, named by volume and
// content address.
type ChunkStore struct {
	fs RawFS
}

func NewChunkStore(path string) (*ChunkStore, error) {
	fs, err := newPosixRawFS(path)
	if err != nil {
		return nil, err
	}
	return &ChunkStore{fs: fs}, nil
}

func chunkFileName(vid proto.VolumeID, id proto.ChunkRef) string {
	return fmt.Sprintf("%d_%s", vid, id)
}

// PutChunk stores data under id. Data that does not hash to id is refused.
func (s *ChunkStore) PutChunk(ctx context.Context, vid proto.VolumeID, id proto.ChunkRef, data []byte) error {
	if id.IsNull() || !id.Verify(data) {
		return fmt.Errorf("%w: chunk %s does not match its data", apierrors.ErrInvalidArgument, id)
	}
	name := chunkFileName(vid, id)
	tmp := name + ".tmp"
	f, err := s.fs.CreateRawFile(tmp)
	if err != nil {
		return apierrors.NewStorageIOError("create chunk", err)
	}
	if err = f.Truncate(0); err == nil {
		if _, err = f.WriteAt(data, 0); err == nil {
			err = f.Sync()
		}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = s.fs.Rename(tmp, name)
	}
	if err == nil {
		err = s.fs.SyncDir()
	}
	if err != nil {
		s.fs.Remove(tmp)
		trace.SpanFromContextSafe(ctx).Errorf("put chunk %s of volume[%d] failed: %s", id, vid, err)
		return apierrors.NewStorageIOError("put chunk", err)
	}
	return nil
}

func (s *ChunkStore) GetChunk(ctx context.Context, vid proto.VolumeID, id proto.ChunkRef) ([]byte, error) {
	f, err := s.fs.OpenRawFile(chunkFileName(vid, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: chunk %s", apierrors.ErrNotFound, id)
		}
		return nil, apierrors.NewStorageIOError("open chunk", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, apierrors.NewStorageIOError("stat chunk", err)
	}
	data := make([]byte, info.Size())
	if _, err = f.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, apierrors.NewStorageIOError("read chunk", err)
	}
	return data, nil
}
