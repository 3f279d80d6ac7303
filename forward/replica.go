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

package forward

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/cubefs/blobcatalog/common/codec"
	"github.com/cubefs/blobcatalog/proto"
)

func init() {
	encoding.RegisterCodec(codec.GRPCCodec{})
}

const (
	replicaServiceName = "blobcatalog.Replica"

	methodApplyCommittedBlob = "/" + replicaServiceName + "/ApplyCommittedBlob"
	methodMigrateDescriptor  = "/" + replicaServiceName + "/MigrateDescriptor"
	methodRenameBlob         = "/" + replicaServiceName + "/RenameBlob"
)

type ApplyCommittedBlobRequest struct {
	Tx *proto.TxSnapshot `cbor:"1,keyasint"`
}

type ApplyCommittedBlobResponse struct {
	SequenceID proto.SequenceID `cbor:"1,keyasint"`
}

type MigrateDescriptorRequest struct {
	VolumeID proto.VolumeID `cbor:"1,keyasint"`
	Name     string         `cbor:"2,keyasint"`
	Raw      []byte         `cbor:"3,keyasint"`
}

type MigrateDescriptorResponse struct{}

type RenameBlobRequest struct {
	Rename *proto.RenameRecord `cbor:"1,keyasint"`
}

type RenameBlobResponse struct {
	SequenceID proto.SequenceID `cbor:"1,keyasint"`
}

// ReplicaServer receives commits and descriptors pushed by a volume's
// primary.
type ReplicaServer interface {
	ApplyCommittedBlob(ctx context.Context, req *ApplyCommittedBlobRequest) (*ApplyCommittedBlobResponse, error)
	MigrateDescriptor(ctx context.Context, req *MigrateDescriptorRequest) (*MigrateDescriptorResponse, error)
	RenameBlob(ctx context.Context, req *RenameBlobRequest) (*RenameBlobResponse, error)
}

type ReplicaClient interface {
	ApplyCommittedBlob(ctx context.Context, req *ApplyCommittedBlobRequest, opts ...grpc.CallOption) (*ApplyCommittedBlobResponse, error)
	MigrateDescriptor(ctx context.Context, req *MigrateDescriptorRequest, opts ...grpc.CallOption) (*MigrateDescriptorResponse, error)
	RenameBlob(ctx context.Context, req *RenameBlobRequest, opts ...grpc.CallOption) (*RenameBlobResponse, error)
}

func RegisterReplicaServer(s grpc.ServiceRegistrar, srv ReplicaServer) {
	s.RegisterService(&replicaServiceDesc, srv)
}

func NewReplicaClient(cc grpc.ClientConnInterface) ReplicaClient {
	return &replicaClient{cc: cc}
}

type replicaClient struct {
	cc grpc.ClientConnInterface
}

func (c *replicaClient) ApplyCommittedBlob(ctx context.Context, req *ApplyCommittedBlobRequest, opts ...grpc.CallOption) (*ApplyCommittedBlobResponse, error) {
	out := new(ApplyCommittedBlobResponse)
	if err := c.cc.Invoke(ctx, methodApplyCommittedBlob, req, out, opts...); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

func (c *replicaClient) MigrateDescriptor(ctx context.Context, req *MigrateDescriptorRequest, opts ...grpc.CallOption) (*MigrateDescriptorResponse, error) {
	out := new(MigrateDescriptorResponse)
	if err := c.cc.Invoke(ctx, methodMigrateDescriptor, req, out, opts...); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

func (c *replicaClient) RenameBlob(ctx context.Context, req *RenameBlobRequest, opts ...grpc.CallOption) (*RenameBlobResponse, error) {
	out := new(RenameBlobResponse)
	if err := c.cc.Invoke(ctx, methodRenameBlob, req, out, opts...); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

var replicaServiceDesc = grpc.ServiceDesc{
	ServiceName: replicaServiceName,
	HandlerType: (*ReplicaServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ApplyCommittedBlob", Handler: applyCommittedBlobHandler},
		{MethodName: "MigrateDescriptor", Handler: migrateDescriptorHandler},
		{MethodName: "RenameBlob", Handler: renameBlobHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "forward/replica.go",
}

func applyCommittedBlobHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ApplyCommittedBlobRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).ApplyCommittedBlob(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodApplyCommittedBlob}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicaServer).ApplyCommittedBlob(ctx, req.(*ApplyCommittedBlobRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func migrateDescriptorHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(MigrateDescriptorRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).MigrateDescriptor(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodMigrateDescriptor}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicaServer).MigrateDescriptor(ctx, req.(*MigrateDescriptorRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func renameBlobHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RenameBlobRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).RenameBlob(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRenameBlob}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicaServer).RenameBlob(ctx, req.(*RenameBlobRequest))
	}
	return interceptor(ctx, in, info, handler)
}
