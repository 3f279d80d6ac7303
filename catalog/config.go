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

package catalog

import (
	"fmt"

	apierrors "github.com/cubefs/blobcatalog/errors"
)

const (
	defaultChunkSize = 2 << 20

	exportBufferSize = 64 << 10
)

type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("%w: compression %q", apierrors.ErrInvalidArgument, name)
	}
}

type Config struct {
	ChunkSize           uint64 `json:"chunk_size"`
	SnapshotCompression string `json:"snapshot_compression"`
	// ExportMBPS bounds snapshot export and import bandwidth, 0 for no limit.
	ExportMBPS int `json:"export_mbps"`
	// ExportConcurrency bounds running snapshot exports and imports, 0 for no limit.
	ExportConcurrency int `json:"export_concurrency"`
}

func initConfig(cfg *Config) error {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	_, err := ParseCompression(cfg.SnapshotCompression)
	return err
}
