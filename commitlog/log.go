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
	"sort"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	apierrors "github.com/cubefs/blobcatalog/errors"
	"github.com/cubefs/blobcatalog/metrics"
	"github.com/cubefs/blobcatalog/proto"
	"github.com/cubefs/blobcatalog/store"
)

// CommitLog is the write-ahead log of blob transactions of one volume. Every
// step is appended durably before the in-memory transaction changes, so a
// failed append leaves no trace.
type CommitLog struct {
	vid       proto.VolumeID
	cfg       *Config
	store     Store
	taskPool  taskpool.TaskPool
	compactor compactor
	now       func() time.Time

	nextID  uint64
	txs     map[proto.TxID]*tx
	started map[string]proto.TxID
	lock    sync.RWMutex
}

// NewStore opens the entry store of a volume as configured.
func NewStore(ctx context.Context, fs store.RawFS, cfg *Config) (Store, error) {
	initConfig(cfg)
	switch cfg.StoreType {
	case StoreTypeMemory:
		return NewMemStore(), nil
	case StoreTypeFile:
		return OpenFileStore(ctx, fs, LogFileName, cfg)
	default:
		return nil, fmt.Errorf("%w: commit log store type %q", apierrors.ErrInvalidArgument, cfg.StoreType)
	}
}

// Open rebuilds the transactions recorded in st. Compaction runs on taskPool.
func Open(ctx context.Context, vid proto.VolumeID, st Store, cfg *Config, taskPool taskpool.TaskPool) (*CommitLog, error) {
	initConfig(cfg)
	l := &CommitLog{
		vid:      vid,
		cfg:      cfg,
		store:    st,
		taskPool: taskPool,
		now:      time.Now,
		nextID:   1,
		txs:      make(map[proto.TxID]*tx),
		started:  make(map[string]proto.TxID),
	}

	var replayErr error
	if err := st.Range(func(e *Entry) bool {
		if e.ID >= l.nextID {
			l.nextID = e.ID + 1
		}
		replayErr = l.replay(e)
		return replayErr == nil
	}); err != nil {
		return nil, err
	}
	if replayErr != nil {
		return nil, replayErr
	}

	trace.SpanFromContextSafe(ctx).Infof("volume[%d] commit log opened, next id[%d], txs[%d], started[%d]",
		vid, l.nextID, len(l.txs), len(l.started))
	return l, nil
}

func (l *CommitLog) replay(e *Entry) error {
	p, err := DecodePayload(e)
	if err != nil {
		return err
	}
	if e.Type == EntryStart {
		t := newTx(e.TxID, p.(*StartPayload), int64(e.Timestamp))
		l.txs[t.id] = t
		l.started[t.blobName] = t.id
		return nil
	}

	t, ok := l.txs[e.TxID]
	if !ok {
		return fmt.Errorf("%w: %s entry[%d] of unknown tx[%d]", apierrors.ErrInvalidData, e.Type, e.ID, e.TxID)
	}
	l.applyLocked(t, e, p)
	return nil
}

func (l *CommitLog) applyLocked(t *tx, e *Entry, p Payload) {
	switch e.Type {
	case EntryCommit, EntryRollback:
		if l.started[t.blobName] == t.id {
			delete(l.started, t.blobName)
		}
	case EntryPurge:
		delete(l.txs, t.id)
		return
	}
	t.apply(e, p)
}

// appendLocked encodes and durably appends one entry.
func (l *CommitLog) appendLocked(ctx context.Context, typ EntryType, txID proto.TxID, p Payload) (*Entry, error) {
	payload, err := encodePayload(p)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		Type:      typ,
		ID:        l.nextID,
		TxID:      txID,
		Timestamp: uint64(l.now().UnixNano()),
		Payload:   payload,
	}

	start := time.Now()
	if err = l.store.Append(ctx, e); err != nil {
		metrics.LogAppendErrors.WithLabelValues(typ.String()).Inc()
		trace.SpanFromContextSafe(ctx).Errorf("volume[%d] append %s of tx[%d] failed: %s", l.vid, typ, txID, err)
		return nil, apierrors.NewStorageIOError("append "+typ.String(), err)
	}
	metrics.LogAppendLatency.WithLabelValues(typ.String()).Observe(time.Since(start).Seconds())
	l.nextID++
	return e, nil
}

// getStartedLocked returns the transaction txID when it is still open.
func (l *CommitLog) getStartedLocked(txID proto.TxID) (*tx, error) {
	t, ok := l.txs[txID]
	if !ok {
		return nil, apierrors.ErrUnknownTransaction
	}
	if t.state != TxStateStarted {
		return nil, fmt.Errorf("%w: tx[%d] is %s", apierrors.ErrInvalidSequencing, txID, t.state)
	}
	return t, nil
}

func (l *CommitLog) StartTx(ctx context.Context, txID proto.TxID, blobName string, mode proto.OpenMode) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if _, ok := l.txs[txID]; ok {
		return apierrors.ErrDuplicateTransaction
	}
	if other, ok := l.started[blobName]; ok {
		return fmt.Errorf("%w: blob %q is held by tx[%d]", apierrors.ErrInvalidSequencing, blobName, other)
	}

	p := &StartPayload{BlobName: blobName, Mode: mode}
	e, err := l.appendLocked(ctx, EntryStart, txID, p)
	if err != nil {
		return err
	}
	t := newTx(txID, p, int64(e.Timestamp))
	l.txs[txID] = t
	l.started[blobName] = txID
	return nil
}

// UpdateTxObjects merges an offset diff into the staged offsets of txID.
func (l *CommitLog) UpdateTxObjects(ctx context.Context, txID proto.TxID, diff proto.OffsetDiff) error {
	return l.update(ctx, txID, EntryUpdateObjList, &ObjListPayload{Offsets: diff.Clone()})
}

// UpdateTxMeta merges a metadata diff into the staged metadata of txID.
func (l *CommitLog) UpdateTxMeta(ctx context.Context, txID proto.TxID, diff proto.MetaDiff) error {
	return l.update(ctx, txID, EntryUpdateObjMeta, &ObjMetaPayload{Meta: diff.Clone()})
}

// UpdateTx stages offsets and metadata of txID in one entry, so a failed
// append leaves neither staged.
func (l *CommitLog) UpdateTx(ctx context.Context, txID proto.TxID, offsets proto.OffsetDiff, meta proto.MetaDiff) error {
	if len(offsets) == 0 {
		return l.UpdateTxMeta(ctx, txID, meta)
	}
	return l.update(ctx, txID, EntryUpdateObjList, &ObjListPayload{Offsets: offsets.Clone(), Meta: meta.Clone()})
}

func (l *CommitLog) update(ctx context.Context, txID proto.TxID, typ EntryType, p Payload) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	t, err := l.getStartedLocked(txID)
	if err != nil {
		return err
	}
	if t.op == proto.TxOpDelete {
		return fmt.Errorf("%w: tx[%d] already deletes the blob", apierrors.ErrInvalidSequencing, txID)
	}
	e, err := l.appendLocked(ctx, typ, txID, p)
	if err != nil {
		return err
	}
	l.applyLocked(t, e, p)
	return nil
}

// DeleteBlob turns txID into a delete of the blob at version. A transaction
// never carries staged data and a delete together.
func (l *CommitLog) DeleteBlob(ctx context.Context, txID proto.TxID, version uint64) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	t, err := l.getStartedLocked(txID)
	if err != nil {
		return err
	}
	if t.hasPutData() {
		return fmt.Errorf("%w: tx[%d] has staged data", apierrors.ErrInvalidSequencing, txID)
	}
	p := &DeleteBlobPayload{Version: version}
	e, err := l.appendLocked(ctx, EntryDeleteBlob, txID, p)
	if err != nil {
		return err
	}
	l.applyLocked(t, e, p)
	return nil
}

// CommitTx makes txID durable under sequence id seq and returns its staged
// state. The transaction stays in the log until PurgeTx.
func (l *CommitLog) CommitTx(ctx context.Context, txID proto.TxID, seq proto.SequenceID,
	placementVersion proto.PlacementVersion,
) (*proto.TxSnapshot, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	t, err := l.getStartedLocked(txID)
	if err != nil {
		return nil, err
	}
	p := &CommitPayload{SequenceID: seq, PlacementVersion: placementVersion}
	e, err := l.appendLocked(ctx, EntryCommit, txID, p)
	if err != nil {
		return nil, err
	}
	l.applyLocked(t, e, p)
	return t.snapshot(l.vid), nil
}

func (l *CommitLog) RollbackTx(ctx context.Context, txID proto.TxID) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	t, err := l.getStartedLocked(txID)
	if err != nil {
		return err
	}
	e, err := l.appendLocked(ctx, EntryRollback, txID, nil)
	if err != nil {
		return err
	}
	l.applyLocked(t, e, nil)
	return nil
}

// PurgeTx forgets a committed or rolled back transaction. Its entries become
// eligible for compaction.
func (l *CommitLog) PurgeTx(ctx context.Context, txID proto.TxID) error {
	l.lock.Lock()
	t, ok := l.txs[txID]
	if !ok {
		l.lock.Unlock()
		return apierrors.ErrUnknownTransaction
	}
	if t.state == TxStateStarted {
		l.lock.Unlock()
		return fmt.Errorf("%w: tx[%d] is not terminated", apierrors.ErrInvalidSequencing, txID)
	}
	e, err := l.appendLocked(ctx, EntryPurge, txID, nil)
	if err != nil {
		l.lock.Unlock()
		return err
	}
	l.applyLocked(t, e, nil)
	l.lock.Unlock()

	l.maybeCompact()
	return nil
}

// IsPendingTx reports whether a started transaction older than olderThan
// exists.
func (l *CommitLog) IsPendingTx(olderThan time.Time) bool {
	return len(l.PendingTxs(olderThan)) > 0
}

// PendingTxs returns the started transactions older than olderThan in id
// order.
func (l *CommitLog) PendingTxs(olderThan time.Time) []proto.TxID {
	ts := olderThan.UnixNano()
	l.lock.RLock()
	var ret []proto.TxID
	for _, id := range l.started {
		if l.txs[id].startTime < ts {
			ret = append(ret, id)
		}
	}
	l.lock.RUnlock()
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// CommittedTxs returns the committed but not yet purged transactions in
// sequence order.
func (l *CommitLog) CommittedTxs() []*proto.TxSnapshot {
	l.lock.RLock()
	var ret []*proto.TxSnapshot
	for _, t := range l.txs {
		if t.state == TxStateCommitted {
			ret = append(ret, t.snapshot(l.vid))
		}
	}
	l.lock.RUnlock()
	sort.Slice(ret, func(i, j int) bool { return ret[i].SequenceID < ret[j].SequenceID })
	return ret
}

// RolledBackTxs returns the rolled back but not yet purged transactions.
func (l *CommitLog) RolledBackTxs() []proto.TxID {
	l.lock.RLock()
	var ret []proto.TxID
	for _, t := range l.txs {
		if t.state == TxStateRolledBack {
			ret = append(ret, t.id)
		}
	}
	l.lock.RUnlock()
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// GetTx returns the staged state and lifecycle state of txID.
func (l *CommitLog) GetTx(txID proto.TxID) (*proto.TxSnapshot, TxState, error) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	t, ok := l.txs[txID]
	if !ok {
		return nil, 0, apierrors.ErrUnknownTransaction
	}
	return t.snapshot(l.vid), t.state, nil
}

// StartedTx returns the open transaction holding blobName.
func (l *CommitLog) StartedTx(blobName string) (proto.TxID, bool) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	id, ok := l.started[blobName]
	return id, ok
}

// MaxSequenceID returns the highest sequence id among unpurged commits.
func (l *CommitLog) MaxSequenceID() proto.SequenceID {
	l.lock.RLock()
	defer l.lock.RUnlock()
	var ret proto.SequenceID
	for _, t := range l.txs {
		if t.state == TxStateCommitted && t.seq > ret {
			ret = t.seq
		}
	}
	return ret
}

// Entries returns a copy of the live entries in append order.
func (l *CommitLog) Entries() ([]*Entry, error) {
	var ret []*Entry
	err := l.store.Range(func(e *Entry) bool {
		ret = append(ret, e.clone())
		return true
	})
	return ret, err
}

func (l *CommitLog) Size() int64 {
	return l.store.Size()
}

func (l *CommitLog) Close() error {
	return l.store.Close()
}
