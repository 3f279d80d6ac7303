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
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apierrors "github.com/cubefs/blobcatalog/errors"
)

// statusTable is matched in order; wrapping errors come before their causes.
var statusTable = []struct {
	err  error
	code codes.Code
}{
	{apierrors.ErrPartialCommit, codes.Internal},
	{apierrors.ErrNotFound, codes.NotFound},
	{apierrors.ErrAlreadyExists, codes.AlreadyExists},
	{apierrors.ErrVolumeNotFound, codes.NotFound},
	{apierrors.ErrVolumeExists, codes.AlreadyExists},
	{apierrors.ErrVolumeNotReady, codes.Unavailable},
	{apierrors.ErrVolumeNotEmpty, codes.FailedPrecondition},
	{apierrors.ErrDuplicateTransaction, codes.AlreadyExists},
	{apierrors.ErrUnknownTransaction, codes.NotFound},
	{apierrors.ErrInvalidSequencing, codes.FailedPrecondition},
	{apierrors.ErrStorageIO, codes.Internal},
	{apierrors.ErrChecksumMismatch, codes.DataLoss},
	{apierrors.ErrLeaseExpired, codes.PermissionDenied},
	{apierrors.ErrLeaseConflict, codes.PermissionDenied},
	{apierrors.ErrNotPrimary, codes.FailedPrecondition},
	{apierrors.ErrSnapshotNotFound, codes.NotFound},
	{apierrors.ErrInvalidArgument, codes.InvalidArgument},
	{apierrors.ErrInvalidData, codes.InvalidArgument},
}

// toStatus converts a catalog error into a grpc status carrying its message.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, e := range statusTable {
		if errors.Is(err, e.err) {
			return status.Error(e.code, err.Error())
		}
	}
	return status.Error(codes.Unknown, err.Error())
}

// fromStatus recovers the catalog error named in a status message so callers
// can match it with errors.Is.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, e := range statusTable {
		if st.Code() == e.code && strings.Contains(st.Message(), e.err.Error()) {
			return fmt.Errorf("%w: %s", e.err, st.Message())
		}
	}
	return err
}
