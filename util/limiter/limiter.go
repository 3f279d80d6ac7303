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
	"context"
	"io"
	"sync/atomic"

	"golang.org/x/time/rate"
)

const mb = 1 << 20

// Config bounds snapshot streams. Zero values mean no limit.
type Config struct {
	MBPS        int `json:"mbps"`
	Concurrency int `json:"concurrency"`
}

// Limiter shares a bandwidth budget and a number of concurrent streams
// between every stream it wraps.
type Limiter struct {
	rate    *rate.Limiter
	slots   chan struct{}
	running int32
}

func New(cfg Config) *Limiter {
	l := &Limiter{}
	if cfg.MBPS > 0 {
		l.rate = rate.NewLimiter(rate.Limit(cfg.MBPS*mb), cfg.MBPS*mb)
	}
	if cfg.Concurrency > 0 {
		l.slots = make(chan struct{}, cfg.Concurrency)
	}
	return l
}

// Acquire waits for a stream slot. Every successful Acquire must be paired
// with Release.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.slots != nil {
		select {
		case l.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	atomic.AddInt32(&l.running, 1)
	return nil
}

func (l *Limiter) Release() {
	atomic.AddInt32(&l.running, -1)
	if l.slots != nil {
		<-l.slots
	}
}

// Running returns the number of acquired streams.
func (l *Limiter) Running() int {
	return int(atomic.LoadInt32(&l.running))
}

// Reader returns r throttled by the bandwidth budget.
func (l *Limiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	if l.rate == nil {
		return r
	}
	return &reader{ctx: ctx, rate: l.rate, r: r}
}

// Writer returns w throttled by the bandwidth budget.
func (l *Limiter) Writer(ctx context.Context, w io.Writer) io.Writer {
	if l.rate == nil {
		return w
	}
	return &writer{ctx: ctx, rate: l.rate, w: w}
}

// reader never asks the rate limiter for more than its burst.
type reader struct {
	ctx  context.Context
	rate *rate.Limiter
	r    io.Reader
}

func (r *reader) Read(p []byte) (int, error) {
	if burst := r.rate.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.rate.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

type writer struct {
	ctx  context.Context
	rate *rate.Limiter
	w    io.Writer
}

func (w *writer) Write(p []byte) (int, error) {
	burst := w.rate.Burst()
	written := 0
	for len(p) > 0 {
		n := len(p)
		if n > burst {
			n = burst
		}
		if err := w.rate.WaitN(w.ctx, n); err != nil {
			return written, err
		}
		m, err := w.w.Write(p[:n])
		written += m
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
