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
	"os"
	"path/filepath"

	"github.com/cubefs/blobcatalog/common/kvstore"
	"github.com/cubefs/blobcatalog/proto"
)

const (
	kvDir  = "kv"
	walDir = "wal"
)

type Config struct {
	Path     string            `json:"path"`
	KVType   kvstore.LsmKVType `json:"kv_type"`
	KVOption kvstore.Option    `json:"kv_option"`
}

// Store is the storage of one volume: a kv engine for the catalog and a raw
// file system for the commit log files.
type Store struct {
	path    string
	kvStore kvstore.Store
	rawFS   RawFS
}

func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	kvType := cfg.KVType
	if kvType == "" {
		kvType = kvstore.RocksdbLsmKVType
	}
	kvOption := cfg.KVOption
	kvOption.CreateIfMissing = true

	kvStore, err := kvstore.NewKVStore(ctx, filepath.Join(cfg.Path, kvDir), kvType, &kvOption)
	if err != nil {
		return nil, err
	}
	rawFS, err := newPosixRawFS(filepath.Join(cfg.Path, walDir))
	if err != nil {
		kvStore.Close()
		return nil, err
	}

	return &Store{path: cfg.Path, kvStore: kvStore, rawFS: rawFS}, nil
}

// VolumePath returns the directory holding the storage of volume vid.
func VolumePath(root string, vid proto.VolumeID) string {
	return filepath.Join(root, fmt.Sprintf("volume_%d", vid))
}

func (s *Store) KVStore() kvstore.Store {
	return s.kvStore
}

func (s *Store) RawFS() RawFS {
	return s.rawFS
}

func (s *Store) Close() {
	s.kvStore.Close()
}

// Destroy closes the store and removes every file it owns.
func (s *Store) Destroy() error {
	s.Close()
	return os.RemoveAll(s.path)
}
