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

package server

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/blobcatalog/cache"
	"github.com/cubefs/blobcatalog/forward"
	"github.com/cubefs/blobcatalog/proto"
	"github.com/cubefs/blobcatalog/router"
	"github.com/cubefs/blobcatalog/store"
	"github.com/cubefs/blobcatalog/timevolume"
)

type Config struct {
	TimeVolumeConfig timevolume.Config `json:"time_volume_config"`
	CacheConfig      cache.Config      `json:"cache_config"`
	ForwardConfig    forward.Config    `json:"forward_config"`
	// ChunkPath holds chunk data read through the router. Defaults to a
	// directory under the time volume path.
	ChunkPath string `json:"chunk_path"`

	// Volumes are added and activated at startup when missing.
	Volumes []proto.VolumeID `json:"volumes"`
	// ForwardTargets maps a volume to the replica its commits are pushed to.
	ForwardTargets map[proto.VolumeID]string `json:"forward_targets"`
}

// Server composes the catalog, the read path and replica forwarding of one
// node.
type Server struct {
	tvc       *timevolume.TimeVolumeCatalog
	router    *router.Router
	chunks    *store.ChunkStore
	pool      *forward.ConnPool
	forwarder *forward.Forwarder
	service   *forward.Service
}

func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	span := trace.SpanFromContextSafe(ctx)

	if cfg.ChunkPath == "" {
		cfg.ChunkPath = filepath.Join(cfg.TimeVolumeConfig.Path, "chunks")
	}
	chunks, err := store.NewChunkStore(cfg.ChunkPath)
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}
	pool := forward.NewConnPool(&cfg.ForwardConfig)
	forwarder := forward.NewForwarder(&cfg.ForwardConfig, pool)
	tvc, err := timevolume.New(ctx, &cfg.TimeVolumeConfig, timevolume.WithForwarder(forwarder))
	if err != nil {
		forwarder.Close()
		pool.Close()
		return nil, err
	}
	s := &Server{
		tvc:       tvc,
		router:    router.NewRouter(tvc, cache.New(cfg.CacheConfig), chunks),
		chunks:    chunks,
		pool:      pool,
		forwarder: forwarder,
	}
	s.service = forward.NewService(tvc, s.router)

	if err = tvc.LoadVolumes(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("load volumes: %w", err)
	}
	loaded := make(map[proto.VolumeID]bool)
	for _, vid := range tvc.Volumes() {
		loaded[vid] = true
	}
	for _, vid := range cfg.Volumes {
		if loaded[vid] {
			continue
		}
		if err = tvc.AddVolume(ctx, vid); err != nil {
			s.Close()
			return nil, fmt.Errorf("add volume[%d]: %w", vid, err)
		}
		if err = tvc.ActivateVolume(ctx, vid); err != nil {
			s.Close()
			return nil, fmt.Errorf("activate volume[%d]: %w", vid, err)
		}
		span.Infof("volume[%d] created", vid)
	}
	for vid, addr := range cfg.ForwardTargets {
		if err = tvc.SetForwardTarget(ctx, vid, addr); err != nil {
			s.Close()
			return nil, fmt.Errorf("forward target of volume[%d]: %w", vid, err)
		}
	}
	return s, nil
}

func (s *Server) TimeVolumeCatalog() *timevolume.TimeVolumeCatalog {
	return s.tvc
}

func (s *Server) Router() *router.Router {
	return s.router
}

func (s *Server) ChunkStore() *store.ChunkStore {
	return s.chunks
}

func (s *Server) Close() {
	s.tvc.Close()
	s.forwarder.Close()
	s.pool.Close()
}
