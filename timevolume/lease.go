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
	"fmt"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/cubefs/blobcatalog/errors"
	"github.com/cubefs/blobcatalog/proto"
)

type lease struct {
	token  proto.AccessToken
	client proto.ClientID
	mode   proto.AccessMode
	expire time.Time
}

func (l *lease) live(now time.Time) bool {
	return now.Before(l.expire)
}

func (l *lease) writable() bool {
	return l.mode == proto.AccessModeWrite || l.mode == proto.AccessModeExclusiveWrite
}

// leaseTable holds the access leases of one volume. At most one client may
// hold a live exclusive write lease, and it excludes every other writer.
// Callers serialize access.
type leaseTable struct {
	duration time.Duration
	leases   map[proto.AccessToken]*lease
}

func newLeaseTable(duration time.Duration) *leaseTable {
	return &leaseTable{duration: duration, leases: make(map[proto.AccessToken]*lease)}
}

// open grants or renews the lease of client. A client reopening with the
// same mode keeps its token.
func (t *leaseTable) open(client proto.ClientID, mode proto.AccessMode, now time.Time) (*lease, error) {
	if mode < proto.AccessModeRead || mode > proto.AccessModeExclusiveWrite {
		return nil, fmt.Errorf("%w: access mode %d", apierrors.ErrInvalidArgument, mode)
	}
	t.sweep(now)

	var own *lease
	for _, l := range t.leases {
		if l.client == client {
			if l.mode == mode {
				own = l
			}
			continue
		}
		if mode == proto.AccessModeRead || !l.writable() {
			continue
		}
		if l.mode.Exclusive() || mode.Exclusive() {
			return nil, fmt.Errorf("%w: client %q holds %d until %s", apierrors.ErrLeaseConflict, l.client, l.mode, l.expire)
		}
	}
	if own == nil {
		own = &lease{token: uuid.NewString(), client: client, mode: mode}
		t.leases[own.token] = own
	}
	own.expire = now.Add(t.duration)
	return own, nil
}

func (t *leaseTable) close(token proto.AccessToken) error {
	if _, ok := t.leases[token]; !ok {
		return apierrors.ErrLeaseExpired
	}
	delete(t.leases, token)
	return nil
}

// checkWrite validates a writer. An empty token writes only while nobody
// holds a live exclusive lease.
func (t *leaseTable) checkWrite(token proto.AccessToken, now time.Time) error {
	if token == "" {
		for _, l := range t.leases {
			if l.mode.Exclusive() && l.live(now) {
				return fmt.Errorf("%w: client %q holds the volume exclusively", apierrors.ErrLeaseConflict, l.client)
			}
		}
		return nil
	}
	l, ok := t.leases[token]
	if !ok || !l.live(now) {
		return apierrors.ErrLeaseExpired
	}
	if !l.writable() {
		return fmt.Errorf("%w: lease of client %q is read only", apierrors.ErrInvalidArgument, l.client)
	}
	return nil
}

// sweep drops expired leases and returns how many it dropped.
func (t *leaseTable) sweep(now time.Time) int {
	n := 0
	for token, l := range t.leases {
		if !l.live(now) {
			delete(t.leases, token)
			n++
		}
	}
	return n
}

func (t *leaseTable) count() int {
	return len(t.leases)
}
