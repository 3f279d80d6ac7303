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

const (
	defaultMaxDescriptors = 1024
	defaultMaxOffsets     = 8192
	defaultMaxChunks      = 256
)

// Config bounds each cache kind, per volume.
type Config struct {
	MaxDescriptors int `json:"max_descriptors"`
	MaxOffsets     int `json:"max_offsets"`
	MaxChunks      int `json:"max_chunks"`
}

func initConfig(cfg *Config) {
	if cfg.MaxDescriptors <= 0 {
		cfg.MaxDescriptors = defaultMaxDescriptors
	}
	if cfg.MaxOffsets <= 0 {
		cfg.MaxOffsets = defaultMaxOffsets
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = defaultMaxChunks
	}
}
