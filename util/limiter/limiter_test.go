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

package limiter

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_Concurrency(t *testing.T) {
	l := New(Config{Concurrency: 1})
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))
	require.Equal(t, 1, l.Running())

	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, l.Acquire(tctx), context.DeadlineExceeded)

	done := make(chan error)
	go func() { done <- l.Acquire(ctx) }()
	l.Release()
	require.NoError(t, <-done)
	l.Release()
	require.Equal(t, 0, l.Running())

	// no limit
	l = New(Config{})
	for i := 0; i < 8; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
	require.Equal(t, 8, l.Running())
}

func TestLimiter_Bandwidth(t *testing.T) {
	ctx := context.Background()
	data := bytes.Repeat([]byte("x"), 3<<20)

	l := New(Config{MBPS: 1})
	var buf bytes.Buffer
	start := time.Now()
	n, err := l.Writer(ctx, &buf).Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, buf.Bytes())
	// the first burst is free, the rest waits
	require.GreaterOrEqual(t, time.Since(start), time.Second)

	got, err := io.ReadAll(l.Reader(ctx, bytes.NewReader(data[:1<<20])))
	require.NoError(t, err)
	require.Equal(t, 1<<20, len(got))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = l.Writer(cctx, io.Discard).Write(data)
	require.Error(t, err)

	// no limit returns the stream itself
	var w io.Writer = &buf
	require.Equal(t, w, New(Config{}).Writer(ctx, w))
}
