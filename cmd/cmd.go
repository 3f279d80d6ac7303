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

package main

import (
	"context"
	"net/http"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	_ "github.com/cubefs/cubefs/blobstore/util/version"
	"golang.org/x/sys/unix"

	"github.com/cubefs/blobcatalog/server"
)

const (
	defaultVolumePath   = "./run/volumes"
	defaultHttpBindPort = 9500
	defaultGrpcBindPort = 9501
	minOpenFiles        = 102400
)

type Config struct {
	server.Config

	HttpBindPort  uint32    `json:"http_bind_port"`
	GrpcBindPort  uint32    `json:"grpc_bind_port"`
	MaxProcessors int       `json:"max_processors"`
	MaxOpenFiles  uint64    `json:"max_open_files"`
	LogLevel      log.Level `json:"log_level"`
}

func main() {
	config.Init("f", "", "blobcatalog.json")
	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}
	cfg.fillDefault()

	log.SetOutputLevel(cfg.LogLevel)
	registerLogLevel()
	raiseOpenFiles(cfg.MaxOpenFiles)
	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}

	span, ctx := trace.StartSpanFromContext(context.Background(), "startup")
	srv, err := server.NewServer(ctx, &cfg.Config)
	if err != nil {
		span.Fatalf("new server failed: %s", errors.Detail(err))
	}
	httpServer := server.NewHttpServer(srv)
	httpServer.Serve(":" + strconv.Itoa(int(cfg.HttpBindPort)))
	rpcServer := server.NewRPCServer(srv)
	rpcServer.Serve(":" + strconv.Itoa(int(cfg.GrpcBindPort)))
	span.Infof("blobcatalog started, volumes %v", srv.TimeVolumeCatalog().Volumes())

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	<-sigCtx.Done()
	stop()
	log.Info("stopping blobcatalog")

	// stop accepting forwarded commits before the catalog closes
	rpcServer.Stop()
	httpServer.Stop()
	srv.Close()
}

func (cfg *Config) fillDefault() {
	if cfg.TimeVolumeConfig.Path == "" {
		cfg.TimeVolumeConfig.Path = defaultVolumePath
	}
	if cfg.HttpBindPort == 0 {
		cfg.HttpBindPort = defaultHttpBindPort
	}
	if cfg.GrpcBindPort == 0 {
		cfg.GrpcBindPort = defaultGrpcBindPort
	}
	if cfg.MaxOpenFiles == 0 {
		cfg.MaxOpenFiles = minOpenFiles * 10
	}
}

func registerLogLevel() {
	path, handler := log.ChangeDefaultLevelHandler()
	serve := func(c *rpc.Context) { handler.ServeHTTP(c.Writer, c.Request) }
	profile.HandleFunc(http.MethodGet, path, serve)
	profile.HandleFunc(http.MethodPost, path, serve)
}

// raiseOpenFiles lifts RLIMIT_NOFILE, every volume keeps a kv engine and
// commit log files open.
func raiseOpenFiles(want uint64) {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		log.Fatalf("get rlimit failed: %s", err)
	}
	if limit.Cur >= minOpenFiles && limit.Max >= minOpenFiles {
		return
	}
	old := limit
	limit.Cur, limit.Max = want, want
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		log.Warnf("set rlimit from %+v failed: %s", old, err)
		return
	}
	log.Infof("open files limit %+v -> %+v", old, limit)
}
