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
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	errutil "github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	"golang.org/x/sync/errgroup"

	"github.com/cubefs/blobcatalog/catalog"
	"github.com/cubefs/blobcatalog/commitlog"
	apierrors "github.com/cubefs/blobcatalog/errors"
	"github.com/cubefs/blobcatalog/metrics"
	"github.com/cubefs/blobcatalog/proto"
	"github.com/cubefs/blobcatalog/store"
)

// Placement tells whether this node owns a volume and which placement
// version commits are stamped with.
type Placement interface {
	IsPrimary(vid proto.VolumeID) bool
	Version(vid proto.VolumeID) proto.PlacementVersion
}

// Forwarder hands every catalog mutation of a volume, in sequence order, to
// the replica at addr.
type Forwarder interface {
	ForwardCommit(ctx context.Context, addr string, ret *proto.CommitResult) error
	ForwardRename(ctx context.Context, addr string, r *proto.RenameRecord) error
}

// OnCommittedFunc runs after a commit was applied to the catalog and before
// its transaction is purged.
type OnCommittedFunc func(ret *proto.CommitResult)

type Option func(c *TimeVolumeCatalog)

func WithPlacement(p Placement) Option {
	return func(c *TimeVolumeCatalog) { c.placement = p }
}

func WithForwarder(f Forwarder) Option {
	return func(c *TimeVolumeCatalog) { c.forwarder = f }
}

func WithClock(now func() time.Time) Option {
	return func(c *TimeVolumeCatalog) { c.now = now }
}

type primaryPlacement struct{}

func (primaryPlacement) IsPrimary(proto.VolumeID) bool                { return true }
func (primaryPlacement) Version(proto.VolumeID) proto.PlacementVersion { return 0 }

var maxTime = time.Unix(0, math.MaxInt64)

// TimeVolumeCatalog runs blob transactions of many volumes through their
// commit logs into the volume catalog.
type TimeVolumeCatalog struct {
	cfg         *Config
	catalog     *catalog.VolumeCatalog
	placement   Placement
	forwarder   Forwarder
	taskPool    taskpool.TaskPool
	now         func() time.Time
	openStorage func(ctx context.Context, vid proto.VolumeID) (*volumeStorage, error)

	volumes   sync.Map
	addLock   sync.Mutex
	listeners []func(vid proto.VolumeID)
	listenMu  sync.RWMutex

	done      chan struct{}
	closeOnce sync.Once
}

func New(ctx context.Context, cfg *Config, opts ...Option) (*TimeVolumeCatalog, error) {
	initConfig(cfg)
	vc, err := catalog.NewVolumeCatalog(&cfg.Catalog)
	if err != nil {
		return nil, err
	}
	c := &TimeVolumeCatalog{
		cfg:       cfg,
		catalog:   vc,
		placement: primaryPlacement{},
		taskPool:  taskpool.New(cfg.TaskPoolSize, cfg.TaskPoolSize),
		now:       time.Now,
		done:      make(chan struct{}),
	}
	c.openStorage = c.openVolumeStorage
	for _, opt := range opts {
		opt(c)
	}

	go c.loop(ctx)
	return c, nil
}

// Catalog returns the volume catalog behind c.
func (c *TimeVolumeCatalog) Catalog() *catalog.VolumeCatalog {
	return c.catalog
}

func (c *TimeVolumeCatalog) openVolumeStorage(ctx context.Context, vid proto.VolumeID) (*volumeStorage, error) {
	st, err := store.NewStore(ctx, &store.Config{
		Path:     store.VolumePath(c.cfg.Path, vid),
		KVType:   c.cfg.KVType,
		KVOption: c.cfg.KVOption,
	})
	if err != nil {
		return nil, apierrors.NewStorageIOError("open volume store", err)
	}
	logCfg := c.cfg.CommitLog
	ls, err := commitlog.NewStore(ctx, st.RawFS(), &logCfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &volumeStorage{kv: st.KVStore(), log: ls, close: st.Close, destroy: st.Destroy}, nil
}

// LoadVolumes opens and activates every volume found under the root path.
func (c *TimeVolumeCatalog) LoadVolumes(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	entries, err := os.ReadDir(c.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apierrors.NewStorageIOError("list volumes", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		var vid proto.VolumeID
		if !entry.IsDir() {
			continue
		}
		if _, err := fmt.Sscanf(entry.Name(), "volume_%d", &vid); err != nil {
			span.Warnf("skip unknown directory %s", entry.Name())
			continue
		}
		g.Go(func() error {
			if err := c.AddVolume(gctx, vid); err != nil {
				return errutil.Info(err, "add volume", vid)
			}
			if err := c.ActivateVolume(gctx, vid); err != nil {
				return errutil.Info(err, "activate volume", vid)
			}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		span.Errorf("load volumes failed: %s", errutil.Detail(err))
		return err
	}
	return nil
}

// AddVolume creates or reopens the commit log and catalog of vid. The volume
// starts in INIT.
func (c *TimeVolumeCatalog) AddVolume(ctx context.Context, vid proto.VolumeID) error {
	span := trace.SpanFromContextSafe(ctx)
	c.addLock.Lock()
	defer c.addLock.Unlock()
	if _, ok := c.volumes.Load(vid); ok {
		return apierrors.ErrVolumeExists
	}

	st, err := c.openStorage(ctx, vid)
	if err != nil {
		return err
	}
	logCfg := c.cfg.CommitLog
	l, err := commitlog.Open(ctx, vid, st.log, &logCfg, c.taskPool)
	if err != nil {
		st.log.Close()
		st.close()
		return err
	}
	if err = c.catalog.AddVolume(ctx, vid, st.kv); err != nil {
		l.Close()
		st.close()
		return err
	}
	seq, _ := c.catalog.GetSequenceID(ctx, vid)
	if logSeq := l.MaxSequenceID(); logSeq > seq {
		seq = logSeq
	}

	v := &volume{
		id:      vid,
		storage: st,
		log:     l,
		state:   proto.VolumeStateInit,
		leases:  newLeaseTable(c.cfg.leaseDuration()),
		lastSeq: seq,
	}
	c.volumes.Store(vid, v)
	metrics.VolumeStates.WithLabelValues(proto.VolumeStateInit.String()).Inc()
	span.Infof("volume[%d] added, last seq[%d]", vid, seq)
	return nil
}

// ActivateVolume applies commits left over by a previous run and moves the
// volume to READY.
func (c *TimeVolumeCatalog) ActivateVolume(ctx context.Context, vid proto.VolumeID) error {
	v, err := c.getVolume(vid)
	if err != nil {
		return err
	}
	switch v.getState() {
	case proto.VolumeStateReady:
		return nil
	case proto.VolumeStateUnavailable:
		return fmt.Errorf("%w: volume[%d] is unavailable", apierrors.ErrVolumeNotReady, vid)
	}

	v.commitLock.Lock()
	err = c.repairLocked(ctx, v)
	v.commitLock.Unlock()
	if err != nil {
		return err
	}
	v.setState(proto.VolumeStateReady)
	trace.SpanFromContextSafe(ctx).Infof("volume[%d] activated", vid)
	return nil
}

func (c *TimeVolumeCatalog) VolumeState(vid proto.VolumeID) (proto.VolumeState, error) {
	v, err := c.getVolume(vid)
	if err != nil {
		return 0, err
	}
	return v.getState(), nil
}

// Volumes returns the ids of every volume in ascending order.
func (c *TimeVolumeCatalog) Volumes() []proto.VolumeID {
	var ret []proto.VolumeID
	c.volumes.Range(func(key, _ interface{}) bool {
		ret = append(ret, key.(proto.VolumeID))
		return true
	})
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// MarkVolumeUnavailable fences a volume after a disk or mount failure. It
// rejects writes from then on.
func (c *TimeVolumeCatalog) MarkVolumeUnavailable(ctx context.Context, vid proto.VolumeID) error {
	v, err := c.getVolume(vid)
	if err != nil {
		return err
	}
	if old, ok := v.setState(proto.VolumeStateUnavailable); ok {
		trace.SpanFromContextSafe(ctx).Warnf("volume[%d] %s -> UNAVAILABLE", vid, old)
	}
	return nil
}

// MarkVolumeDeleted sets the deleted marker of a volume without blobs and
// open transactions.
func (c *TimeVolumeCatalog) MarkVolumeDeleted(ctx context.Context, vid proto.VolumeID) error {
	v, err := c.getVolume(vid)
	if err != nil {
		return err
	}
	if v.getState() == proto.VolumeStateUnavailable {
		return fmt.Errorf("%w: volume[%d] is unavailable", apierrors.ErrVolumeNotReady, vid)
	}
	v.commitLock.Lock()
	defer v.commitLock.Unlock()
	if v.log.IsPendingTx(maxTime) || len(v.log.CommittedTxs()) > 0 {
		return fmt.Errorf("%w: volume[%d] has open transactions", apierrors.ErrInvalidSequencing, vid)
	}
	if err = c.catalog.MarkDeleted(ctx, vid); err != nil {
		c.recordError(ctx, v, err)
		return err
	}
	trace.SpanFromContextSafe(ctx).Infof("volume[%d] marked deleted", vid)
	return nil
}

// RemoveVolume drops a volume and destroys its commit log and catalog.
func (c *TimeVolumeCatalog) RemoveVolume(ctx context.Context, vid proto.VolumeID) error {
	span := trace.SpanFromContextSafe(ctx)
	c.addLock.Lock()
	value, ok := c.volumes.LoadAndDelete(vid)
	c.addLock.Unlock()
	if !ok {
		return apierrors.ErrVolumeNotFound
	}
	v := value.(*volume)

	v.commitLock.Lock()
	defer v.commitLock.Unlock()
	if pending := v.log.PendingTxs(maxTime); len(pending) > 0 {
		span.Warnf("volume[%d] removed with started txs %v", vid, pending)
	}
	metrics.VolumeStates.WithLabelValues(v.getState().String()).Dec()
	if err := c.catalog.RemoveVolume(ctx, vid); err != nil {
		span.Warnf("remove volume[%d] catalog failed: %s", vid, err)
	}
	if err := v.log.Close(); err != nil {
		span.Warnf("close volume[%d] commit log failed: %s", vid, err)
	}
	if err := v.storage.destroy(); err != nil {
		return apierrors.NewStorageIOError("destroy volume", err)
	}
	c.notifyOwnershipChange(vid)
	span.Infof("volume[%d] removed", vid)
	return nil
}

// OpenVolume grants client an access lease and returns its token with the
// current sequence id of the volume.
func (c *TimeVolumeCatalog) OpenVolume(ctx context.Context, vid proto.VolumeID, client proto.ClientID,
	mode proto.AccessMode,
) (proto.AccessToken, proto.SequenceID, error) {
	v, err := c.getVolume(vid)
	if err != nil {
		return "", 0, err
	}
	state := v.getState()
	if state == proto.VolumeStateInit || (mode != proto.AccessModeRead && state != proto.VolumeStateReady) {
		return "", 0, fmt.Errorf("%w: volume[%d] is %s", apierrors.ErrVolumeNotReady, vid, state)
	}
	l, err := v.openLease(client, mode, c.now())
	if err != nil {
		return "", 0, err
	}
	seq, err := c.catalog.GetSequenceID(ctx, vid)
	if err != nil {
		return "", 0, err
	}
	trace.SpanFromContextSafe(ctx).Debugf("volume[%d] leased to client %q mode[%d] until %s", vid, client, mode, l.expire)
	return l.token, seq, nil
}

func (c *TimeVolumeCatalog) CloseVolume(ctx context.Context, vid proto.VolumeID, token proto.AccessToken) error {
	v, err := c.getVolume(vid)
	if err != nil {
		return err
	}
	return v.closeLease(token)
}

// StartBlobTx opens transaction txID on blobName.
//
// token is the lease returned by OpenVolume. An empty token needs no lease
// at all: it is accepted on every write (StartBlobTx, UpdateBlobTx,
// DeleteBlobTx, CommitBlobTx, AbortBlobTx, RenameBlob) unless another client
// holds a live exclusive lease, in which case it fails with ErrLeaseConflict.
// Clients that need to fence out other writers open an exclusive lease.
func (c *TimeVolumeCatalog) StartBlobTx(ctx context.Context, vid proto.VolumeID, token proto.AccessToken,
	txID proto.TxID, blobName string, mode proto.OpenMode,
) error {
	v, err := c.getWritableVolume(vid, token)
	if err != nil {
		return err
	}
	if err = catalog.ValidateName(blobName); err != nil {
		return err
	}
	err = v.log.StartTx(ctx, txID, blobName, mode)
	c.recordError(ctx, v, err)
	return err
}

// UpdateBlobTx stages offsets and metadata into txID. Either may be empty
// but not both. Both are staged by one log append or neither is.
func (c *TimeVolumeCatalog) UpdateBlobTx(ctx context.Context, vid proto.VolumeID, token proto.AccessToken,
	txID proto.TxID, offsets proto.OffsetDiff, meta proto.MetaDiff,
) error {
	v, err := c.getWritableVolume(vid, token)
	if err != nil {
		return err
	}
	if len(offsets) == 0 && len(meta) == 0 {
		return fmt.Errorf("%w: empty update of tx[%d]", apierrors.ErrInvalidArgument, txID)
	}
	if len(offsets) > 0 {
		if err = c.catalog.ValidateOffsets(offsets); err != nil {
			return err
		}
	}
	err = v.log.UpdateTx(ctx, txID, offsets, meta)
	c.recordError(ctx, v, err)
	return err
}

// DeleteBlobTx turns txID into a delete of its blob at version, which may be
// proto.MostRecentVersion.
func (c *TimeVolumeCatalog) DeleteBlobTx(ctx context.Context, vid proto.VolumeID, token proto.AccessToken,
	txID proto.TxID, version uint64,
) error {
	v, err := c.getWritableVolume(vid, token)
	if err != nil {
		return err
	}
	snap, _, err := v.log.GetTx(txID)
	if err != nil {
		return err
	}
	if err = c.checkDeleteTarget(ctx, vid, snap.BlobName, version); err != nil {
		return err
	}
	err = v.log.DeleteBlob(ctx, txID, version)
	c.recordError(ctx, v, err)
	return err
}

func (c *TimeVolumeCatalog) checkDeleteTarget(ctx context.Context, vid proto.VolumeID, name string, version uint64) error {
	desc, err := c.catalog.GetBlobMeta(ctx, vid, name)
	if err != nil {
		return err
	}
	if version != proto.MostRecentVersion && version != desc.Version {
		return fmt.Errorf("%w: blob %q version %d, current %d", apierrors.ErrNotFound, name, version, desc.Version)
	}
	return nil
}

// CommitBlobTx commits txID under seq, or under the next sequence id when seq
// is 0, applies it to the catalog, runs onCommitted and purges the
// transaction. A failure after the COMMIT record is durable returns a
// *apierrors.PartialCommitError; the apply is retried by RepairCommits.
func (c *TimeVolumeCatalog) CommitBlobTx(ctx context.Context, vid proto.VolumeID, token proto.AccessToken,
	blobName string, txID proto.TxID, seq proto.SequenceID, onCommitted OnCommittedFunc,
) (*proto.CommitResult, error) {
	span := trace.SpanFromContextSafe(ctx)
	v, err := c.getWritableVolume(vid, token)
	if err != nil {
		return nil, err
	}

	v.commitLock.Lock()
	defer v.commitLock.Unlock()
	if v.isPartial() {
		if err = c.repairLocked(ctx, v); err != nil {
			return nil, err
		}
	}

	snap, state, err := v.log.GetTx(txID)
	if err != nil {
		return nil, err
	}
	if state != commitlog.TxStateStarted {
		return nil, fmt.Errorf("%w: tx[%d] is %s", apierrors.ErrInvalidSequencing, txID, state)
	}
	if snap.BlobName != blobName {
		return nil, fmt.Errorf("%w: tx[%d] holds blob %q, not %q", apierrors.ErrInvalidArgument, txID, snap.BlobName, blobName)
	}
	if snap.Op == proto.TxOpDelete {
		if err = c.checkDeleteTarget(ctx, vid, blobName, snap.DeleteVersion); err != nil {
			return nil, err
		}
	}
	if seq, err = c.nextSequenceLocked(ctx, v, seq); err != nil {
		return nil, err
	}

	committed, err := v.log.CommitTx(ctx, txID, seq, c.placement.Version(vid))
	if err != nil {
		c.recordError(ctx, v, err)
		return nil, err
	}
	v.lastSeq = seq

	ret, err := c.catalog.ApplyTx(ctx, committed)
	if err != nil {
		v.setPartial(true)
		c.recordError(ctx, v, err)
		metrics.TxOutcomes.WithLabelValues("partial").Inc()
		span.Errorf("volume[%d] tx[%d] seq[%d] committed but not applied: %s", vid, txID, seq, err)
		return nil, &apierrors.PartialCommitError{VolumeID: vid, TxID: txID, SequenceID: seq, Cause: err}
	}
	v.resetIOErrors()
	metrics.TxOutcomes.WithLabelValues("commit").Inc()

	if onCommitted != nil {
		onCommitted(ret)
	}
	c.forward(ctx, v, ret)
	if err = v.log.PurgeTx(ctx, txID); err != nil {
		c.recordError(ctx, v, err)
		span.Warnf("volume[%d] purge committed tx[%d] failed: %s", vid, txID, err)
	}
	return ret, nil
}

// AbortBlobTx rolls back and purges txID. The catalog is not touched.
func (c *TimeVolumeCatalog) AbortBlobTx(ctx context.Context, vid proto.VolumeID, token proto.AccessToken, txID proto.TxID) error {
	v, err := c.getWritableVolume(vid, token)
	if err != nil {
		return err
	}
	if err = v.log.RollbackTx(ctx, txID); err != nil {
		c.recordError(ctx, v, err)
		return err
	}
	metrics.TxOutcomes.WithLabelValues("rollback").Inc()
	if err = v.log.PurgeTx(ctx, txID); err != nil {
		c.recordError(ctx, v, err)
		trace.SpanFromContextSafe(ctx).Warnf("volume[%d] purge rolled back tx[%d] failed: %s", vid, txID, err)
	}
	return nil
}

// RenameBlob moves oldName to newName under a new sequence id. Neither name
// may be held by a started transaction.
func (c *TimeVolumeCatalog) RenameBlob(ctx context.Context, vid proto.VolumeID, token proto.AccessToken,
	oldName, newName string,
) (proto.SequenceID, error) {
	v, err := c.getWritableVolume(vid, token)
	if err != nil {
		return 0, err
	}
	if err = catalog.ValidateName(newName); err != nil {
		return 0, err
	}

	v.commitLock.Lock()
	defer v.commitLock.Unlock()
	if v.isPartial() {
		if err = c.repairLocked(ctx, v); err != nil {
			return 0, err
		}
	}
	for _, name := range []string{oldName, newName} {
		if txID, ok := v.log.StartedTx(name); ok {
			return 0, fmt.Errorf("%w: blob %q is held by tx[%d]", apierrors.ErrInvalidSequencing, name, txID)
		}
	}
	seq, err := c.nextSequenceLocked(ctx, v, 0)
	if err != nil {
		return 0, err
	}
	r := &proto.RenameRecord{
		VolumeID:   vid,
		SequenceID: seq,
		OldName:    oldName,
		NewName:    newName,
		UpdateTime: c.now().UnixNano(),
	}
	if err = c.catalog.ApplyRename(ctx, r); err != nil {
		c.recordError(ctx, v, err)
		return 0, err
	}
	v.lastSeq = seq
	c.forwardLocked(ctx, v, seq, func(addr string) error {
		return c.forwarder.ForwardRename(ctx, addr, r)
	})
	return seq, nil
}

// RepairCommits applies committed transactions the catalog has not seen, in
// sequence order, and purges every terminated transaction.
func (c *TimeVolumeCatalog) RepairCommits(ctx context.Context, vid proto.VolumeID) error {
	v, err := c.getVolume(vid)
	if err != nil {
		return err
	}
	v.commitLock.Lock()
	defer v.commitLock.Unlock()
	return c.repairLocked(ctx, v)
}

func (c *TimeVolumeCatalog) repairLocked(ctx context.Context, v *volume) error {
	span := trace.SpanFromContextSafe(ctx)
	applied, err := c.catalog.GetSequenceID(ctx, v.id)
	if err != nil {
		return err
	}
	for _, tx := range v.log.CommittedTxs() {
		if tx.SequenceID > applied {
			ret, err := c.catalog.ApplyTx(ctx, tx)
			if err != nil {
				c.recordError(ctx, v, err)
				v.setPartial(true)
				return &apierrors.PartialCommitError{VolumeID: v.id, TxID: tx.TxID, SequenceID: tx.SequenceID, Cause: err}
			}
			applied = tx.SequenceID
			span.Infof("volume[%d] repaired tx[%d] seq[%d]", v.id, tx.TxID, tx.SequenceID)
			c.forward(ctx, v, ret)
		}
		if tx.SequenceID > v.lastSeq {
			v.lastSeq = tx.SequenceID
		}
		if err = v.log.PurgeTx(ctx, tx.TxID); err != nil {
			c.recordError(ctx, v, err)
			return err
		}
	}
	for _, txID := range v.log.RolledBackTxs() {
		if err = v.log.PurgeTx(ctx, txID); err != nil {
			c.recordError(ctx, v, err)
			return err
		}
	}
	v.setPartial(false)
	v.resetIOErrors()
	return nil
}

// nextSequenceLocked validates a caller chosen sequence id, or allocates the
// next one when want is 0.
func (c *TimeVolumeCatalog) nextSequenceLocked(ctx context.Context, v *volume, want proto.SequenceID) (proto.SequenceID, error) {
	last, err := c.catalog.GetSequenceID(ctx, v.id)
	if err != nil {
		return 0, err
	}
	if v.lastSeq > last {
		last = v.lastSeq
	}
	if want == 0 {
		return last + 1, nil
	}
	if want <= last {
		return 0, fmt.Errorf("%w: seq[%d] is not after seq[%d]", apierrors.ErrInvalidSequencing, want, last)
	}
	return want, nil
}

// UpdateFwdCommittedBlob applies a transaction committed by another node.
// Replays of an applied sequence id change nothing.
func (c *TimeVolumeCatalog) UpdateFwdCommittedBlob(ctx context.Context, tx *proto.TxSnapshot) (*proto.CommitResult, error) {
	v, err := c.getMigratableVolume(tx.VolumeID)
	if err != nil {
		return nil, err
	}
	v.commitLock.Lock()
	defer v.commitLock.Unlock()
	ret, err := c.catalog.ApplyTx(ctx, tx)
	if err != nil {
		c.recordError(ctx, v, err)
		return nil, err
	}
	if tx.SequenceID > v.lastSeq {
		v.lastSeq = tx.SequenceID
	}
	return ret, nil
}

// UpdateFwdRenamedBlob applies a rename done by another node. Replays of an
// applied sequence id change nothing.
func (c *TimeVolumeCatalog) UpdateFwdRenamedBlob(ctx context.Context, r *proto.RenameRecord) error {
	v, err := c.getMigratableVolume(r.VolumeID)
	if err != nil {
		return err
	}
	v.commitLock.Lock()
	defer v.commitLock.Unlock()
	if err = c.catalog.ApplyRename(ctx, r); err != nil {
		c.recordError(ctx, v, err)
		return err
	}
	if r.SequenceID > v.lastSeq {
		v.lastSeq = r.SequenceID
	}
	return nil
}

// MigrateDescriptor seeds a blob copied from another replica, bypassing the
// commit log.
func (c *TimeVolumeCatalog) MigrateDescriptor(ctx context.Context, vid proto.VolumeID, name string, raw []byte) error {
	v, err := c.getMigratableVolume(vid)
	if err != nil {
		return err
	}
	v.commitLock.Lock()
	defer v.commitLock.Unlock()
	err = c.catalog.MigrateDescriptor(ctx, vid, name, raw)
	c.recordError(ctx, v, err)
	return err
}

func (c *TimeVolumeCatalog) GetVolumeSnapshot(ctx context.Context, vid proto.VolumeID) (*catalog.Snapshot, error) {
	if _, err := c.getVolume(vid); err != nil {
		return nil, err
	}
	return c.catalog.GetVolumeSnapshot(ctx, vid)
}

func (c *TimeVolumeCatalog) FreeVolumeSnapshot(ctx context.Context, snap *catalog.Snapshot) error {
	return c.catalog.FreeVolumeSnapshot(ctx, snap)
}

// ExportSnapshot writes a point in time copy of the catalog of vid to w.
func (c *TimeVolumeCatalog) ExportSnapshot(ctx context.Context, vid proto.VolumeID, w io.Writer) (proto.SequenceID, error) {
	snap, err := c.GetVolumeSnapshot(ctx, vid)
	if err != nil {
		return 0, err
	}
	defer c.FreeVolumeSnapshot(ctx, snap)
	if err = snap.Export(ctx, w); err != nil {
		return 0, err
	}
	return snap.SequenceID(), nil
}

// ImportSnapshot replaces the catalog of vid with an exported snapshot. The
// volume must not have open transactions. Ownership listeners are notified.
func (c *TimeVolumeCatalog) ImportSnapshot(ctx context.Context, vid proto.VolumeID, r io.Reader) (proto.SequenceID, error) {
	v, err := c.getMigratableVolume(vid)
	if err != nil {
		return 0, err
	}
	v.commitLock.Lock()
	defer v.commitLock.Unlock()
	if v.log.IsPendingTx(maxTime) || len(v.log.CommittedTxs()) > 0 {
		return 0, fmt.Errorf("%w: volume[%d] has open transactions", apierrors.ErrInvalidSequencing, vid)
	}
	seq, err := c.catalog.ImportSnapshot(ctx, vid, r)
	if err != nil {
		c.recordError(ctx, v, err)
		return 0, err
	}
	v.lastSeq = seq
	c.notifyOwnershipChange(vid)
	return seq, nil
}

// SetForwardTarget makes every mutation of vid forwarded to addr. An empty
// addr stops forwarding. A failed forward stops it too, the replica must be
// resynced and set again.
func (c *TimeVolumeCatalog) SetForwardTarget(ctx context.Context, vid proto.VolumeID, addr string) error {
	v, err := c.getVolume(vid)
	if err != nil {
		return err
	}
	v.setForwardAddr(addr)
	trace.SpanFromContextSafe(ctx).Infof("volume[%d] forward target set to %q", vid, addr)
	return nil
}

// OnOwnershipChange registers f to run whenever the authoritative content of
// a volume changes outside the transaction path.
func (c *TimeVolumeCatalog) OnOwnershipChange(f func(vid proto.VolumeID)) {
	c.listenMu.Lock()
	c.listeners = append(c.listeners, f)
	c.listenMu.Unlock()
}

// NotifyOwnershipChange is called by the placement layer when vid moves.
func (c *TimeVolumeCatalog) NotifyOwnershipChange(ctx context.Context, vid proto.VolumeID) {
	trace.SpanFromContextSafe(ctx).Infof("volume[%d] ownership changed", vid)
	c.notifyOwnershipChange(vid)
}

func (c *TimeVolumeCatalog) notifyOwnershipChange(vid proto.VolumeID) {
	c.listenMu.RLock()
	listeners := c.listeners
	c.listenMu.RUnlock()
	for _, f := range listeners {
		f(vid)
	}
}

func (c *TimeVolumeCatalog) GetBlobMeta(ctx context.Context, vid proto.VolumeID, name string) (*proto.BlobDescriptor, error) {
	if _, err := c.getVolume(vid); err != nil {
		return nil, err
	}
	return c.catalog.GetBlobMeta(ctx, vid, name)
}

// GetBlob returns the descriptor of name and its offsets in [start, end).
// end 0 means the whole blob.
func (c *TimeVolumeCatalog) GetBlob(ctx context.Context, vid proto.VolumeID, name string, start, end uint64) (*proto.BlobDescriptor, proto.OffsetDiff, error) {
	if _, err := c.getVolume(vid); err != nil {
		return nil, nil, err
	}
	return c.catalog.GetBlob(ctx, vid, name, start, end)
}

func (c *TimeVolumeCatalog) ListBlobs(ctx context.Context, vid proto.VolumeID, prefix, marker string, count int) ([]*proto.BlobDescriptor, string, error) {
	if _, err := c.getVolume(vid); err != nil {
		return nil, "", err
	}
	return c.catalog.ListBlobs(ctx, vid, prefix, marker, count)
}

func (c *TimeVolumeCatalog) GetAllBlobsWithSequenceID(ctx context.Context, vid proto.VolumeID) ([]*proto.BlobDescriptor, proto.SequenceID, error) {
	if _, err := c.getVolume(vid); err != nil {
		return nil, 0, err
	}
	return c.catalog.GetAllBlobsWithSequenceID(ctx, vid)
}

func (c *TimeVolumeCatalog) GetVolumeObjects(ctx context.Context, vid proto.VolumeID) ([]proto.ObjectID, error) {
	if _, err := c.getVolume(vid); err != nil {
		return nil, err
	}
	return c.catalog.GetVolumeObjects(ctx, vid)
}

func (c *TimeVolumeCatalog) StatVolume(ctx context.Context, vid proto.VolumeID) (*proto.VolumeStats, error) {
	v, err := c.getVolume(vid)
	if err != nil {
		return nil, err
	}
	stats, err := c.catalog.StatVolume(ctx, vid)
	if err != nil {
		return nil, err
	}
	stats.State = v.getState().String()
	stats.ForwardTarget, stats.StaleForward = v.forwardState()
	return stats, nil
}

// PendingTxs returns the started transactions of vid older than olderThan.
func (c *TimeVolumeCatalog) PendingTxs(vid proto.VolumeID, olderThan time.Time) ([]proto.TxID, error) {
	v, err := c.getVolume(vid)
	if err != nil {
		return nil, err
	}
	return v.log.PendingTxs(olderThan), nil
}

func (c *TimeVolumeCatalog) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.volumes.Range(func(key, value interface{}) bool {
			v := value.(*volume)
			v.commitLock.Lock()
			if err := c.catalog.RemoveVolume(context.Background(), v.id); err != nil {
				log.Warnf("remove volume[%d] catalog failed: %s", v.id, err)
			}
			if err := v.log.Close(); err != nil {
				log.Warnf("close volume[%d] commit log failed: %s", v.id, err)
			}
			v.storage.close()
			v.commitLock.Unlock()
			c.volumes.Delete(key)
			metrics.VolumeStates.WithLabelValues(v.getState().String()).Dec()
			return true
		})
		c.taskPool.Close()
	})
}

func (c *TimeVolumeCatalog) getVolume(vid proto.VolumeID) (*volume, error) {
	value, ok := c.volumes.Load(vid)
	if !ok {
		return nil, apierrors.ErrVolumeNotFound
	}
	return value.(*volume), nil
}

// getWritableVolume admits a transaction step: the volume is READY, not
// deleted, owned by this node and token passes the lease check.
func (c *TimeVolumeCatalog) getWritableVolume(vid proto.VolumeID, token proto.AccessToken) (*volume, error) {
	v, err := c.getVolume(vid)
	if err != nil {
		return nil, err
	}
	if state := v.getState(); state != proto.VolumeStateReady {
		return nil, fmt.Errorf("%w: volume[%d] is %s", apierrors.ErrVolumeNotReady, vid, state)
	}
	if deleted, _ := c.catalog.IsDeleted(vid); deleted {
		return nil, fmt.Errorf("%w: volume[%d] is deleted", apierrors.ErrVolumeNotReady, vid)
	}
	if !c.placement.IsPrimary(vid) {
		return nil, apierrors.ErrNotPrimary
	}
	if err = v.checkLease(token, c.now()); err != nil {
		return nil, err
	}
	return v, nil
}

// getMigratableVolume admits migration traffic, which also reaches volumes
// still in INIT.
func (c *TimeVolumeCatalog) getMigratableVolume(vid proto.VolumeID) (*volume, error) {
	v, err := c.getVolume(vid)
	if err != nil {
		return nil, err
	}
	if v.getState() == proto.VolumeStateUnavailable {
		return nil, fmt.Errorf("%w: volume[%d] is unavailable", apierrors.ErrVolumeNotReady, vid)
	}
	return v, nil
}

// recordError counts storage failures of v and fences the volume after
// MaxIOErrors consecutive ones. Other errors are ignored.
func (c *TimeVolumeCatalog) recordError(ctx context.Context, v *volume, err error) {
	if err == nil || !errors.Is(err, apierrors.ErrStorageIO) {
		return
	}
	if !v.addIOError(c.cfg.MaxIOErrors) {
		return
	}
	if old, ok := v.setState(proto.VolumeStateUnavailable); ok {
		trace.SpanFromContextSafe(ctx).Errorf("volume[%d] %s -> UNAVAILABLE after %d io errors, last: %s",
			v.id, old, c.cfg.MaxIOErrors, err)
	}
}

func (c *TimeVolumeCatalog) forward(ctx context.Context, v *volume, ret *proto.CommitResult) {
	c.forwardLocked(ctx, v, ret.Tx.SequenceID, func(addr string) error {
		return c.forwarder.ForwardCommit(ctx, addr, ret)
	})
}

// forwardLocked sends the mutation at seq to the forward target of v. It runs
// under commitLock so replicas see mutations in sequence order. A replica
// that missed seq would skip it for good once a later one applied, so a
// failure drops the target.
func (c *TimeVolumeCatalog) forwardLocked(ctx context.Context, v *volume, seq proto.SequenceID, send func(addr string) error) {
	addr := v.getForwardAddr()
	if addr == "" || c.forwarder == nil {
		return
	}
	if err := send(addr); err != nil {
		metrics.ForwardedCommits.WithLabelValues("failed").Inc()
		v.dropForwardAddr(addr)
		trace.SpanFromContextSafe(ctx).Errorf("volume[%d] forward seq[%d] to %s failed, forwarding stopped until resync: %s",
			v.id, seq, addr, err)
		return
	}
	metrics.ForwardedCommits.WithLabelValues("ok").Inc()
}

func (c *TimeVolumeCatalog) rangeVolumes(f func(v *volume) bool) {
	c.volumes.Range(func(_, value interface{}) bool {
		return f(value.(*volume))
	})
}
