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

package commitlog

const (
	StoreTypeFile   = "file"
	StoreTypeMemory = "memory"

	LogFileName = "commit.log"

	defaultCompactThresholdBytes = 4 << 20
	defaultPreallocateBytes      = 1 << 20
)

type Config struct {
	StoreType             string `json:"store_type"`
	CompactThresholdBytes int64  `json:"compact_threshold_bytes"`
	PreallocateBytes      int64  `json:"preallocate_bytes"`
	DisableSync           bool   `json:"disable_sync"`
}

func initConfig(cfg *Config) {
	if cfg.StoreType == "" {
		cfg.StoreType = StoreTypeFile
	}
	if cfg.CompactThresholdBytes <= 0 {
		cfg.CompactThresholdBytes = defaultCompactThresholdBytes
	}
	if cfg.PreallocateBytes < 0 {
		cfg.PreallocateBytes = 0
	} else if cfg.PreallocateBytes == 0 {
		cfg.PreallocateBytes = defaultPreallocateBytes
	}
}
