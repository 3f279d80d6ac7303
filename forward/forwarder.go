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

package forward

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	"github.com/cubefs/blobcatalog/catalog"
	"github.com/cubefs/blobcatalog/proto"
	"github.com/cubefs/blobcatalog/timevolume"
)

var errStopMigrate = errors.New("migration stopped")

// Forwarder pushes committed state of a primary's volumes to their replica.
type Forwarder struct {
	pool     *ConnPool
	timeout  time.Duration
	taskPool taskpool.TaskPool
}

func NewForwarder(cfg *Config, pool *ConnPool) *Forwarder {
	initConfig(cfg)
	return &Forwarder{
		pool:     pool,
		timeout:  cfg.timeout(),
		taskPool: taskpool.New(cfg.MigrateConcurrency, cfg.MigrateConcurrency),
	}
}

// ForwardCommit sends a commit applied locally to the replica at addr.
func (f *Forwarder) ForwardCommit(ctx context.Context, addr string, ret *proto.CommitResult) error {
	conn, err := f.pool.Get(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Release()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	resp, err := NewReplicaClient(conn).ApplyCommittedBlob(ctx, &ApplyCommittedBlobRequest{Tx: ret.Tx})
	if err != nil {
		return err
	}
	trace.SpanFromContextSafe(ctx).Debugf("forwarded volume[%d] tx[%d] seq[%d] to %s, replica at seq[%d]",
		ret.Tx.VolumeID, ret.Tx.TxID, ret.Tx.SequenceID, addr, resp.SequenceID)
	return nil
}

// ForwardRename sends a rename applied locally to the replica at addr.
func (f *Forwarder) ForwardRename(ctx context.Context, addr string, r *proto.RenameRecord) error {
	conn, err := f.pool.Get(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Release()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	resp, err := NewReplicaClient(conn).RenameBlob(ctx, &RenameBlobRequest{Rename: r})
	if err != nil {
		return err
	}
	trace.SpanFromContextSafe(ctx).Debugf("forwarded volume[%d] rename %q to %q seq[%d] to %s, replica at seq[%d]",
		r.VolumeID, r.OldName, r.NewName, r.SequenceID, addr, resp.SequenceID)
	return nil
}

// MigrateVolume copies every blob of vid, as of a snapshot, to the replica at
// addr and returns the snapshot's sequence id and the number of blobs sent.
func (f *Forwarder) MigrateVolume(ctx context.Context, tvc *timevolume.TimeVolumeCatalog, vid proto.VolumeID, addr string) (proto.SequenceID, int, error) {
	span := trace.SpanFromContextSafe(ctx)
	snap, err := tvc.GetVolumeSnapshot(ctx, vid)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if err := tvc.FreeVolumeSnapshot(ctx, snap); err != nil {
			span.Warnf("free snapshot of volume[%d] failed: %s", vid, err)
		}
	}()

	conn, err := f.pool.Get(ctx, addr)
	if err != nil {
		return 0, 0, err
	}
	defer conn.Release()
	client := NewReplicaClient(conn)

	var (
		wg       sync.WaitGroup
		lock     sync.Mutex
		firstErr error
		sent     int
	)
	err = snap.ForEachBlob(ctx, func(desc *proto.BlobDescriptor, offsets proto.OffsetDiff) error {
		lock.Lock()
		failed := firstErr != nil
		lock.Unlock()
		if failed {
			return errStopMigrate
		}
		raw, err := catalog.EncodeBlob(desc, offsets)
		if err != nil {
			return err
		}
		name := desc.Name
		wg.Add(1)
		f.taskPool.Run(func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()
			_, err := client.MigrateDescriptor(cctx, &MigrateDescriptorRequest{VolumeID: vid, Name: name, Raw: raw})
			lock.Lock()
			defer lock.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("migrate %q of volume[%d]: %w", name, vid, err)
				}
				return
			}
			sent++
		})
		return nil
	})
	wg.Wait()
	if firstErr != nil {
		return 0, sent, firstErr
	}
	if err != nil {
		return 0, sent, err
	}
	span.Infof("migrated %d blobs of volume[%d] at seq[%d] to %s", sent, vid, snap.SequenceID(), addr)
	return snap.SequenceID(), sent, nil
}

func (f *Forwarder) Close() {
	f.taskPool.Close()
}
