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

package commitlog

import (
	"context"
	"fmt"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/blobcatalog/metrics"
)

type compactState uint8

const (
	compactIdle compactState = iota
	compactRunning
	// compactRerun asks the running compaction for one more pass
	compactRerun
)

func (s compactState) String() string {
	switch s {
	case compactIdle:
		return "idle"
	case compactRunning:
		return "running"
	case compactRerun:
		return "rerun"
	default:
		return "unknown"
	}
}

type compactor struct {
	state compactState
	lock  sync.Mutex
}

// trigger reports whether the caller must start a compaction.
func (c *compactor) trigger() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	switch c.state {
	case compactIdle:
		c.state = compactRunning
		return true
	default:
		c.state = compactRerun
		return false
	}
}

// finish ends one pass and reports whether another one was requested.
func (c *compactor) finish() (again bool, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	switch c.state {
	case compactRunning:
		c.state = compactIdle
		return false, nil
	case compactRerun:
		c.state = compactRunning
		return true, nil
	default:
		return false, fmt.Errorf("compaction finish in state %s", c.state)
	}
}

// abort returns to idle when a triggered compaction could not be scheduled.
func (c *compactor) abort() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state == compactIdle {
		return fmt.Errorf("compaction abort in state %s", c.state)
	}
	c.state = compactIdle
	return nil
}

func (c *compactor) current() compactState {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

func (l *CommitLog) maybeCompact() {
	if l.store.Size() < l.cfg.CompactThresholdBytes || !l.compactor.trigger() {
		return
	}
	if !l.taskPool.TryRun(l.runCompaction) {
		if err := l.compactor.abort(); err != nil {
			log.Errorf("volume[%d] %s", l.vid, err)
		}
	}
}

func (l *CommitLog) runCompaction() {
	span, ctx := trace.StartSpanFromContext(context.Background(), "")
	for {
		if err := l.compact(ctx); err != nil {
			metrics.LogCompactions.WithLabelValues("failed").Inc()
			span.Warnf("compact commit log of volume[%d] failed: %s", l.vid, errors.Detail(err))
		} else {
			metrics.LogCompactions.WithLabelValues("ok").Inc()
		}
		again, err := l.compactor.finish()
		if err != nil {
			span.Errorf("volume[%d] %s", l.vid, err)
			return
		}
		if !again {
			return
		}
	}
}

// compact removes every entry of a transaction instance that reached PURGE.
// A TxID reused after a purge starts a new instance whose entries are kept.
func (l *CommitLog) compact(ctx context.Context) error {
	dead := make(map[uint64]struct{})
	instances := make(map[uint64][]uint64)
	if err := l.store.Range(func(e *Entry) bool {
		instances[e.TxID] = append(instances[e.TxID], e.ID)
		if e.Type == EntryPurge {
			for _, id := range instances[e.TxID] {
				dead[id] = struct{}{}
			}
			delete(instances, e.TxID)
		}
		return true
	}); err != nil {
		return err
	}
	if len(dead) == 0 {
		return nil
	}
	return l.store.Compact(ctx, dead)
}
