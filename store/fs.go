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
	"io"
	"os"
	"path/filepath"
)

type (
	RawFS interface {
		CreateRawFile(name string) (RawFile, error)
		OpenRawFile(name string) (RawFile, error)
		Rename(oldName, newName string) error
		Remove(name string) error
		ReadDir(dir string) ([]string, error)
		// SyncDir persists directory entries after create or rename.
		SyncDir() error
	}
	RawFile interface {
		io.ReaderAt
		io.WriterAt
		Name() string
		Sync() error
		Truncate(size int64) error
		Stat() (os.FileInfo, error)
		Fd() uintptr
		Close() error
	}
)

type posixRawFS struct {
	path string
}

func newPosixRawFS(path string) (*posixRawFS, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	return &posixRawFS{path: path}, nil
}

// NewPosixRawFS returns a RawFS rooted at path.
func NewPosixRawFS(path string) (RawFS, error) {
	return newPosixRawFS(path)
}

func (r *posixRawFS) CreateRawFile(name string) (RawFile, error) {
	filePath := filepath.Join(r.path, name)
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0o644)
	if err == nil {
		return f, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0o644)
}

func (r *posixRawFS) OpenRawFile(name string) (RawFile, error) {
	return os.OpenFile(filepath.Join(r.path, name), os.O_RDWR, 0o644)
}

func (r *posixRawFS) Rename(oldName, newName string) error {
	return os.Rename(filepath.Join(r.path, oldName), filepath.Join(r.path, newName))
}

func (r *posixRawFS) Remove(name string) error {
	err := os.Remove(filepath.Join(r.path, name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (r *posixRawFS) ReadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.path, dir))
	if err != nil {
		return nil, err
	}

	ret := make([]string, len(entries))
	for i := range entries {
		ret[i] = entries[i].Name()
	}
	return ret, nil
}

func (r *posixRawFS) SyncDir() error {
	d, err := os.Open(r.path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
