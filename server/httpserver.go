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
	"net/http"
	"strconv"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cubefs/blobcatalog/cache"
	apierrors "github.com/cubefs/blobcatalog/errors"
	"github.com/cubefs/blobcatalog/metrics"
	"github.com/cubefs/blobcatalog/proto"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 300
)

type HttpServer struct {
	httpServer *http.Server

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string) {
	ph := profile.NewProfileHandler(addr)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), ph),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

func (h *HttpServer) newHandler() *rpc.Router {
	rpc.GET("/stats", h.Stats)
	rpc.GET("/metrics", h.Metrics)
	rpc.POST("/volume/migrate", h.MigrateVolume)

	return rpc.DefaultRouter
}

type StatsResponse struct {
	Volumes []*proto.VolumeStats `json:"volumes"`
	Cache   cache.Stats          `json:"cache"`
}

func (h *HttpServer) Stats(c *rpc.Context) {
	ctx := c.Request.Context()
	ret := &StatsResponse{Cache: h.router.Cache().Stats()}
	for _, vid := range h.tvc.Volumes() {
		st, err := h.tvc.StatVolume(ctx, vid)
		if err != nil {
			c.RespondError(rpc.NewError(http.StatusInternalServerError, "StatVolume", err))
			return
		}
		ret.Volumes = append(ret.Volumes, st)
	}
	c.RespondJSON(ret)
}

func (h *HttpServer) Metrics(c *rpc.Context) {
	promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}

type MigrateVolumeResponse struct {
	SequenceID proto.SequenceID `json:"sequence_id"`
	Blobs      int              `json:"blobs"`
}

// MigrateVolume copies a volume to a replica and makes it the forward target:
// POST /volume/migrate?vid=1&addr=host:port
func (h *HttpServer) MigrateVolume(c *rpc.Context) {
	ctx := c.Request.Context()
	query := c.Request.URL.Query()
	vid, err := strconv.ParseUint(query.Get("vid"), 10, 64)
	addr := query.Get("addr")
	if err != nil || addr == "" {
		c.RespondError(rpc.NewError(http.StatusBadRequest, "BadArgument", apierrors.ErrInvalidArgument))
		return
	}
	// writers are expected to be fenced by placement while the copy runs
	seq, n, err := h.forwarder.MigrateVolume(ctx, h.tvc, vid, addr)
	if err != nil {
		c.RespondError(rpc.NewError(http.StatusInternalServerError, "MigrateVolume", err))
		return
	}
	if err = h.tvc.SetForwardTarget(ctx, vid, addr); err != nil {
		c.RespondError(rpc.NewError(http.StatusNotFound, "SetForwardTarget", err))
		return
	}
	c.RespondJSON(&MigrateVolumeResponse{SequenceID: seq, Blobs: n})
}
