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

package util

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenTmpPath(t *testing.T) {
	path, err := GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)
	entries, err := os.ReadDir(path)
	require.NoError(t, err)
	require.Empty(t, entries)

	other, err := GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(other)
	require.NotEqual(t, path, other)
}

func TestBuffer(t *testing.T) {
	for _, size := range []int{1, 36, 1 << 10, 64 << 10} {
		b := GetBuffer(size)
		require.Len(t, b, size)
		PutBuffer(b)
	}
}

func TestCostReaderWriter(t *testing.T) {
	var buf bytes.Buffer
	cw := &CostWriter{W: &buf}
	n, err := io.Copy(cw, strings.NewReader("hello world"))
	require.NoError(t, err)
	require.Equal(t, int64(11), n)
	require.Equal(t, int64(11), cw.Bytes())

	cr := &CostReader{R: &buf}
	data, err := io.ReadAll(cr)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
	require.Equal(t, int64(11), cr.Bytes())
	require.GreaterOrEqual(t, cr.Cost(), time.Duration(0))
}
