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

package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("blob does not exist")
	ErrAlreadyExists  = errors.New("blob already exists")
	ErrVolumeNotFound = errors.New("volume does not exist")
	ErrVolumeExists   = errors.New("volume already exists")
	ErrVolumeNotReady = errors.New("volume is not ready")
	ErrVolumeNotEmpty = errors.New("volume is not empty")

	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrUnknownTransaction   = errors.New("unknown transaction")
	ErrInvalidSequencing    = errors.New("invalid transaction sequencing")

	ErrStorageIO        = errors.New("storage io error")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrPartialCommit    = errors.New("partial commit")

	ErrLeaseExpired  = errors.New("access lease expired")
	ErrLeaseConflict = errors.New("volume is leased by another client")
	ErrNotPrimary    = errors.New("not the primary owner of volume")

	ErrSnapshotNotFound = errors.New("snapshot does not exist")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrInvalidData      = errors.New("invalid data")
)

// StorageIOError marks a failure of the durability layer. It matches
// ErrStorageIO and unwraps to the underlying cause.
type StorageIOError struct {
	Op    string
	Cause error
}

func NewStorageIOError(op string, cause error) error {
	if cause == nil {
		return nil
	}
	var sie *StorageIOError
	if errors.As(cause, &sie) {
		return cause
	}
	return &StorageIOError{Op: op, Cause: cause}
}

func (e *StorageIOError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrStorageIO, e.Op, e.Cause)
}

func (e *StorageIOError) Is(target error) bool {
	return target == ErrStorageIO
}

func (e *StorageIOError) Unwrap() error {
	return e.Cause
}

// PartialCommitError reports a transaction whose COMMIT record is durable but
// whose catalog apply failed. Re-applying SequenceID is safe.
type PartialCommitError struct {
	VolumeID   uint64
	TxID       uint64
	SequenceID uint64
	Cause      error
}

func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("%s: volume[%d] tx[%d] seq[%d]: %s", ErrPartialCommit, e.VolumeID, e.TxID, e.SequenceID, e.Cause)
}

func (e *PartialCommitError) Is(target error) bool {
	return target == ErrPartialCommit
}

func (e *PartialCommitError) Unwrap() error {
	return e.Cause
}
