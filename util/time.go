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
	"io"
	"time"
)

// CostReader measures the time spent in, and the bytes returned by, the
// underlying reader.
type CostReader struct {
	R io.Reader

	n  int64
	dt time.Duration
}

func (cr *CostReader) Read(p []byte) (int, error) {
	start := time.Now()
	n, err := cr.R.Read(p)
	cr.dt += time.Since(start)
	cr.n += int64(n)
	return n, err
}

func (cr *CostReader) Cost() time.Duration { return cr.dt }

func (cr *CostReader) Bytes() int64 { return cr.n }

// CostWriter measures the time spent in, and the bytes accepted by, the
// underlying writer.
type CostWriter struct {
	W io.Writer

	n  int64
	dt time.Duration
}

func (cw *CostWriter) Write(p []byte) (int, error) {
	start := time.Now()
	n, err := cw.W.Write(p)
	cw.dt += time.Since(start)
	cw.n += int64(n)
	return n, err
}

func (cw *CostWriter) Cost() time.Duration { return cw.dt }

func (cw *CostWriter) Bytes() int64 { return cw.n }
