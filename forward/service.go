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
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/blobcatalog/errors"
	"github.com/cubefs/blobcatalog/proto"
	"github.com/cubefs/blobcatalog/timevolume"
)

var (
	errInvalidRequest = fmt.Errorf("%w: forwarded commit without transaction", apierrors.ErrInvalidArgument)
	errInvalidRename  = fmt.Errorf("%w: forwarded rename without record", apierrors.ErrInvalidArgument)
)

// CommitObserver learns about catalog changes received from a primary.
type CommitObserver interface {
	OnCommitted(ret *proto.CommitResult)
	InvalidateBlob(vid proto.VolumeID, name string)
}

// Service is the replica side of forwarding.
type Service struct {
	tvc      *timevolume.TimeVolumeCatalog
	observer CommitObserver
}

// NewService serves forwarded commits into tvc. observer may be nil.
func NewService(tvc *timevolume.TimeVolumeCatalog, observer CommitObserver) *Service {
	return &Service{tvc: tvc, observer: observer}
}

func (s *Service) ApplyCommittedBlob(ctx context.Context, req *ApplyCommittedBlobRequest) (*ApplyCommittedBlobResponse, error) {
	span := trace.SpanFromContextSafe(ctx)
	if req.Tx == nil {
		return nil, toStatus(errInvalidRequest)
	}
	ret, err := s.tvc.UpdateFwdCommittedBlob(ctx, req.Tx)
	if err != nil {
		span.Errorf("apply forwarded volume[%d] tx[%d] seq[%d] failed: %s",
			req.Tx.VolumeID, req.Tx.TxID, req.Tx.SequenceID, errors.Detail(err))
		return nil, toStatus(err)
	}
	if s.observer != nil {
		s.observer.OnCommitted(ret)
	}
	seq, err := s.tvc.Catalog().GetSequenceID(ctx, req.Tx.VolumeID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ApplyCommittedBlobResponse{SequenceID: seq}, nil
}

func (s *Service) MigrateDescriptor(ctx context.Context, req *MigrateDescriptorRequest) (*MigrateDescriptorResponse, error) {
	if err := s.tvc.MigrateDescriptor(ctx, req.VolumeID, req.Name, req.Raw); err != nil {
		trace.SpanFromContextSafe(ctx).Errorf("migrate %q of volume[%d] failed: %s", req.Name, req.VolumeID, errors.Detail(err))
		return nil, toStatus(err)
	}
	if s.observer != nil {
		s.observer.InvalidateBlob(req.VolumeID, req.Name)
	}
	return &MigrateDescriptorResponse{}, nil
}

func (s *Service) RenameBlob(ctx context.Context, req *RenameBlobRequest) (*RenameBlobResponse, error) {
	r := req.Rename
	if r == nil {
		return nil, toStatus(errInvalidRename)
	}
	if err := s.tvc.UpdateFwdRenamedBlob(ctx, r); err != nil {
		trace.SpanFromContextSafe(ctx).Errorf("apply forwarded volume[%d] rename %q seq[%d] failed: %s",
			r.VolumeID, r.OldName, r.SequenceID, errors.Detail(err))
		return nil, toStatus(err)
	}
	if s.observer != nil {
		s.observer.InvalidateBlob(r.VolumeID, r.OldName)
		s.observer.InvalidateBlob(r.VolumeID, r.NewName)
	}
	seq, err := s.tvc.Catalog().GetSequenceID(ctx, r.VolumeID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RenameBlobResponse{SequenceID: seq}, nil
}
