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
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStorageIOError(t *testing.T) {
	require.NoError(t, NewStorageIOError("append", nil))

	err := NewStorageIOError("append", io.ErrShortWrite)
	require.ErrorIs(t, err, ErrStorageIO)
	require.ErrorIs(t, err, io.ErrShortWrite)
	require.NotErrorIs(t, err, ErrChecksumMismatch)

	// wrapping twice keeps the first op
	again := NewStorageIOError("sync", err)
	require.Equal(t, err, again)
}

func TestPartialCommitError(t *testing.T) {
	var err error = &PartialCommitError{VolumeID: 1, TxID: 2, SequenceID: 3, Cause: NewStorageIOError("write", io.EOF)}
	require.ErrorIs(t, err, ErrPartialCommit)
	require.ErrorIs(t, err, ErrStorageIO)

	var pce *PartialCommitError
	require.True(t, errors.As(err, &pce))
	require.Equal(t, uint64(3), pce.SequenceID)
}
