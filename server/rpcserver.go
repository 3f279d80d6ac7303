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
	"net"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/cubefs/blobcatalog/forward"
	"github.com/cubefs/blobcatalog/metrics"
	"github.com/cubefs/blobcatalog/proto"
)

type RPCServer struct {
	*Server

	grpcServer *grpc.Server
}

func NewRPCServer(server *Server) *RPCServer {
	rs := &RPCServer{Server: server}
	rs.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(unaryInterceptorWithTracer, metrics.GRPCMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(metrics.GRPCMetrics.StreamServerInterceptor()),
	)
	forward.RegisterReplicaServer(rs.grpcServer, rs.service)
	metrics.GRPCMetrics.InitializeMetrics(rs.grpcServer)
	return rs
}

func (r *RPCServer) Serve(addr string) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("grpc server listen %s failed: %s", addr, err)
	}
	r.serve(lis)
	log.Info("grpc server is running at:", addr)
}

func (r *RPCServer) serve(lis net.Listener) {
	go func() {
		if err := r.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			log.Fatal("grpc server exits:", err)
		}
	}()
}

func (r *RPCServer) Stop() {
	r.grpcServer.GracefulStop()
}

func unaryInterceptorWithTracer(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	var span trace.Span
	if md, ok := metadata.FromIncomingContext(ctx); ok && len(md[proto.ReqIdKey]) > 0 {
		span, ctx = trace.StartSpanFromContextWithTraceID(ctx, info.FullMethod, md[proto.ReqIdKey][0])
	} else {
		span, ctx = trace.StartSpanFromContext(ctx, info.FullMethod)
	}
	resp, err := handler(ctx, req)
	if err != nil {
		span.Warnf("%s failed: %s", info.FullMethod, err)
	}
	span.Finish()
	return resp, err
}
