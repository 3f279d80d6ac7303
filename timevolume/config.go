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

package timevolume

import (
	"time"

	"github.com/cubefs/blobcatalog/catalog"
	"github.com/cubefs/blobcatalog/commitlog"
	"github.com/cubefs/blobcatalog/common/kvstore"
)

const (
	defaultLeaseDurationS = 30
	defaultStuckTxAgeS    = 300
	defaultMaxIOErrors    = 3
	defaultCheckIntervalS = 10
	defaultTaskPoolSize   = 16
)

type Config struct {
	// Path is the root directory; every volume stores under its own
	// sub directory.
	Path     string            `json:"path"`
	KVType   kvstore.LsmKVType `json:"kv_type"`
	KVOption kvstore.Option    `json:"kv_option"`

	CommitLog commitlog.Config `json:"commit_log"`
	Catalog   catalog.Config   `json:"catalog"`

	LeaseDurationS int `json:"lease_duration_s"`
	StuckTxAgeS    int `json:"stuck_tx_age_s"`
	MaxIOErrors    int `json:"max_io_errors"`
	CheckIntervalS int `json:"check_interval_s"`
	TaskPoolSize   int `json:"task_pool_size"`
}

func initConfig(cfg *Config) {
	if cfg.LeaseDurationS <= 0 {
		cfg.LeaseDurationS = defaultLeaseDurationS
	}
	if cfg.StuckTxAgeS <= 0 {
		cfg.StuckTxAgeS = defaultStuckTxAgeS
	}
	if cfg.MaxIOErrors <= 0 {
		cfg.MaxIOErrors = defaultMaxIOErrors
	}
	if cfg.CheckIntervalS <= 0 {
		cfg.CheckIntervalS = defaultCheckIntervalS
	}
	if cfg.TaskPoolSize <= 0 {
		cfg.TaskPoolSize = defaultTaskPoolSize
	}
	cfg.KVOption.ColumnFamily = appendMissingColumns(cfg.KVOption.ColumnFamily, catalog.ColumnFamilies...)
}

func appendMissingColumns(cols []kvstore.CF, add ...kvstore.CF) []kvstore.CF {
	for _, col := range add {
		found := false
		for _, c := range cols {
			if c == col {
				found = true
				break
			}
		}
		if !found {
			cols = append(cols, col)
		}
	}
	return cols
}

func (cfg *Config) leaseDuration() time.Duration {
	return time.Duration(cfg.LeaseDurationS) * time.Second
}

func (cfg *Config) stuckTxAge() time.Duration {
	return time.Duration(cfg.StuckTxAgeS) * time.Second
}
