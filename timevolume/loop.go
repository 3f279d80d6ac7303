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

package timevolume

import (
	"context"
	"math/rand"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/blobcatalog/proto"
)

func (c *TimeVolumeCatalog) loop(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, ctx := trace.StartSpanFromContext(ctx, "")
			c.checkVolumes(ctx)
			ticker.Reset(interval + time.Duration(rand.Int63n(int64(interval)/10+1)))
		case <-c.done:
			return
		}
	}
}

// checkVolumes sweeps expired leases, reports stuck transactions and retries
// unfinished commits. Stuck transactions are never rolled back here.
func (c *TimeVolumeCatalog) checkVolumes(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	now := c.now()
	c.rangeVolumes(func(v *volume) bool {
		if n := v.sweepLeases(now); n > 0 {
			span.Debugf("volume[%d] dropped %d expired leases", v.id, n)
		}
		if stuck := v.log.PendingTxs(now.Add(-c.cfg.stuckTxAge())); len(stuck) > 0 {
			span.Warnf("volume[%d] has stuck txs %v", v.id, stuck)
		}
		if v.getState() != proto.VolumeStateReady {
			return true
		}
		if v.isPartial() || len(v.log.CommittedTxs()) > 0 || len(v.log.RolledBackTxs()) > 0 {
			if err := c.RepairCommits(ctx, v.id); err != nil {
				span.Warnf("volume[%d] repair commits failed: %s", v.id, err)
			}
		}
		return true
	})
}
