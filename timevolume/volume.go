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
	"sync"
	"time"

	"github.com/cubefs/blobcatalog/commitlog"
	"github.com/cubefs/blobcatalog/common/kvstore"
	"github.com/cubefs/blobcatalog/metrics"
	"github.com/cubefs/blobcatalog/proto"
)

// volumeStorage is what a volume is built on: the kv engine of its catalog
// and the entry store of its commit log.
type volumeStorage struct {
	kv      kvstore.Store
	log     commitlog.Store
	close   func()
	destroy func() error
}

type volume struct {
	id      proto.VolumeID
	storage *volumeStorage
	log     *commitlog.CommitLog

	state       proto.VolumeState
	ioErrors    int
	partial     bool
	forwardAddr string
	// staleForward is the replica forwarding stopped at after a failure.
	staleForward string
	leases      *leaseTable
	lock        sync.RWMutex

	// commitLock serializes sequence allocation and every catalog mutation
	// of the volume. lastSeq is guarded by it.
	commitLock sync.Mutex
	lastSeq    proto.SequenceID
}

func (v *volume) getState() proto.VolumeState {
	v.lock.RLock()
	defer v.lock.RUnlock()
	return v.state
}

// setState moves the volume to state. UNAVAILABLE is terminal.
func (v *volume) setState(state proto.VolumeState) (proto.VolumeState, bool) {
	v.lock.Lock()
	defer v.lock.Unlock()
	old := v.state
	if old == state || old == proto.VolumeStateUnavailable {
		return old, false
	}
	v.state = state
	metrics.VolumeStates.WithLabelValues(old.String()).Dec()
	metrics.VolumeStates.WithLabelValues(state.String()).Inc()
	return old, true
}

func (v *volume) isPartial() bool {
	v.lock.RLock()
	defer v.lock.RUnlock()
	return v.partial
}

func (v *volume) setPartial(partial bool) {
	v.lock.Lock()
	v.partial = partial
	v.lock.Unlock()
}

func (v *volume) getForwardAddr() string {
	v.lock.RLock()
	defer v.lock.RUnlock()
	return v.forwardAddr
}

func (v *volume) setForwardAddr(addr string) {
	v.lock.Lock()
	v.forwardAddr = addr
	v.staleForward = ""
	v.lock.Unlock()
}

// dropForwardAddr stops forwarding to addr, the replica missed a mutation
// and needs a resync before it may follow the volume again.
func (v *volume) dropForwardAddr(addr string) {
	v.lock.Lock()
	if v.forwardAddr == addr {
		v.forwardAddr = ""
		v.staleForward = addr
	}
	v.lock.Unlock()
}

func (v *volume) forwardState() (addr, stale string) {
	v.lock.RLock()
	defer v.lock.RUnlock()
	return v.forwardAddr, v.staleForward
}

// addIOError counts a durability failure and reports whether the volume
// reached limit consecutive failures.
func (v *volume) addIOError(limit int) bool {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.ioErrors++
	return v.ioErrors >= limit
}

func (v *volume) resetIOErrors() {
	v.lock.Lock()
	v.ioErrors = 0
	v.lock.Unlock()
}

func (v *volume) openLease(client proto.ClientID, mode proto.AccessMode, now time.Time) (*lease, error) {
	v.lock.Lock()
	defer v.lock.Unlock()
	l, err := v.leases.open(client, mode, now)
	if err != nil {
		return nil, err
	}
	ret := *l
	return &ret, nil
}

func (v *volume) closeLease(token proto.AccessToken) error {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.leases.close(token)
}

func (v *volume) checkLease(token proto.AccessToken, now time.Time) error {
	v.lock.RLock()
	defer v.lock.RUnlock()
	return v.leases.checkWrite(token, now)
}

func (v *volume) sweepLeases(now time.Time) int {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.leases.sweep(now)
}

func (v *volume) leaseCount() int {
	v.lock.RLock()
	defer v.lock.RUnlock()
	return v.leases.count()
}
