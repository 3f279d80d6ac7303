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
	"errors"
	"io"
	"testing"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/blobcatalog/errors"
	"github.com/cubefs/blobcatalog/proto"
)

var (
	chunkA = proto.NewObjectID([]byte("chunk-a"))
	chunkB = proto.NewObjectID([]byte("chunk-b"))
)

func newMemLog(t *testing.T, cfg *Config) *CommitLog {
	if cfg == nil {
		cfg = &Config{StoreType: StoreTypeMemory}
	}
	l, err := Open(context.Background(), 1, NewMemStore(), cfg, taskpool.New(1, 1))
	require.NoError(t, err)
	return l
}

func entryTypes(t *testing.T, l *CommitLog) []EntryType {
	entries, err := l.Entries()
	require.NoError(t, err)
	ret := make([]EntryType, 0, len(entries))
	for _, e := range entries {
		ret = append(ret, e.Type)
	}
	return ret
}

func TestCommitLog_Commit(t *testing.T) {
	ctx := context.Background()
	l := newMemLog(t, nil)
	defer l.Close()

	require.NoError(t, l.StartTx(ctx, 1, "foo", proto.OpenModeTruncate))
	require.NoError(t, l.UpdateTxObjects(ctx, 1, proto.OffsetDiff{0: {ID: chunkA, Length: 10}}))
	require.NoError(t, l.UpdateTxObjects(ctx, 1, proto.OffsetDiff{8: {ID: chunkB, Length: 4}}))
	require.NoError(t, l.UpdateTxObjects(ctx, 1, proto.OffsetDiff{0: {ID: chunkB, Length: 8}}))
	require.NoError(t, l.UpdateTxMeta(ctx, 1, proto.MetaDiff{"a": "1", "b": "2"}))
	require.NoError(t, l.UpdateTxMeta(ctx, 1, proto.MetaDiff{"b": "3"}))

	snap, err := l.CommitTx(ctx, 1, 7, 2)
	require.NoError(t, err)
	require.Equal(t, proto.TxID(1), snap.TxID)
	require.Equal(t, "foo", snap.BlobName)
	require.Equal(t, proto.TxOpPut, snap.Op)
	require.True(t, snap.Mode.Truncate())
	require.Equal(t, proto.OffsetDiff{0: {ID: chunkB, Length: 8}, 8: {ID: chunkB, Length: 4}}, snap.Offsets)
	require.Equal(t, proto.MetaDiff{"a": "1", "b": "3"}, snap.Meta)
	require.Equal(t, uint64(7), snap.SequenceID)
	require.Equal(t, uint64(2), snap.PlacementVersion)

	// the returned snapshot is detached from the log
	snap.Offsets[16] = proto.ObjectRef{ID: chunkA, Length: 1}
	again, state, err := l.GetTx(1)
	require.NoError(t, err)
	require.Equal(t, TxStateCommitted, state)
	require.Len(t, again.Offsets, 2)

	require.Equal(t, []EntryType{
		EntryStart, EntryUpdateObjList, EntryUpdateObjList, EntryUpdateObjList,
		EntryUpdateObjMeta, EntryUpdateObjMeta, EntryCommit,
	}, entryTypes(t, l))
	require.Equal(t, uint64(7), l.MaxSequenceID())
	require.Len(t, l.CommittedTxs(), 1)

	require.NoError(t, l.PurgeTx(ctx, 1))
	require.Empty(t, l.CommittedTxs())
	require.ErrorIs(t, l.PurgeTx(ctx, 1), apierrors.ErrUnknownTransaction)
}

func TestCommitLog_Sequencing(t *testing.T) {
	ctx := context.Background()
	l := newMemLog(t, nil)
	defer l.Close()

	require.NoError(t, l.StartTx(ctx, 1, "foo", 0))
	require.ErrorIs(t, l.StartTx(ctx, 1, "bar", 0), apierrors.ErrDuplicateTransaction)
	require.ErrorIs(t, l.StartTx(ctx, 2, "foo", 0), apierrors.ErrInvalidSequencing)
	id, ok := l.StartedTx("foo")
	require.True(t, ok)
	require.Equal(t, proto.TxID(1), id)

	// the failed starts left nothing behind
	require.Equal(t, []EntryType{EntryStart}, entryTypes(t, l))
	_, _, err := l.GetTx(2)
	require.ErrorIs(t, err, apierrors.ErrUnknownTransaction)

	require.ErrorIs(t, l.UpdateTxObjects(ctx, 9, proto.OffsetDiff{0: {ID: chunkA, Length: 1}}), apierrors.ErrUnknownTransaction)
	_, err = l.CommitTx(ctx, 9, 1, 0)
	require.ErrorIs(t, err, apierrors.ErrUnknownTransaction)
	require.ErrorIs(t, l.RollbackTx(ctx, 9), apierrors.ErrUnknownTransaction)
	require.ErrorIs(t, l.PurgeTx(ctx, 1), apierrors.ErrInvalidSequencing)

	_, err = l.CommitTx(ctx, 1, 1, 0)
	require.NoError(t, err)
	require.ErrorIs(t, l.UpdateTxMeta(ctx, 1, proto.MetaDiff{"k": "v"}), apierrors.ErrInvalidSequencing)
	require.ErrorIs(t, l.DeleteBlob(ctx, 1, 1), apierrors.ErrInvalidSequencing)
	require.ErrorIs(t, l.RollbackTx(ctx, 1), apierrors.ErrInvalidSequencing)
	_, err = l.CommitTx(ctx, 1, 2, 0)
	require.ErrorIs(t, err, apierrors.ErrInvalidSequencing)

	// a committed tx id is still taken until purged
	require.ErrorIs(t, l.StartTx(ctx, 1, "foo", 0), apierrors.ErrDuplicateTransaction)
	require.NoError(t, l.StartTx(ctx, 3, "foo", 0))
	require.NoError(t, l.PurgeTx(ctx, 1))
	require.NoError(t, l.RollbackTx(ctx, 3))
	require.NoError(t, l.PurgeTx(ctx, 3))
	require.NoError(t, l.StartTx(ctx, 1, "foo", 0))
}

func TestCommitLog_DeleteBlob(t *testing.T) {
	ctx := context.Background()
	l := newMemLog(t, nil)
	defer l.Close()

	require.NoError(t, l.StartTx(ctx, 1, "foo", 0))
	require.NoError(t, l.UpdateTxObjects(ctx, 1, proto.OffsetDiff{0: {ID: chunkA, Length: 1}}))
	require.ErrorIs(t, l.DeleteBlob(ctx, 1, proto.MostRecentVersion), apierrors.ErrInvalidSequencing)

	require.NoError(t, l.StartTx(ctx, 2, "bar", 0))
	require.NoError(t, l.DeleteBlob(ctx, 2, proto.MostRecentVersion))
	require.ErrorIs(t, l.UpdateTxObjects(ctx, 2, proto.OffsetDiff{0: {ID: chunkA, Length: 1}}), apierrors.ErrInvalidSequencing)
	require.ErrorIs(t, l.UpdateTxMeta(ctx, 2, proto.MetaDiff{"k": "v"}), apierrors.ErrInvalidSequencing)

	snap, err := l.CommitTx(ctx, 2, 1, 0)
	require.NoError(t, err)
	require.Equal(t, proto.TxOpDelete, snap.Op)
	require.Equal(t, proto.MostRecentVersion, snap.DeleteVersion)
	require.Empty(t, snap.Offsets)
}

func TestCommitLog_Rollback(t *testing.T) {
	ctx := context.Background()
	l := newMemLog(t, nil)
	defer l.Close()

	require.NoError(t, l.StartTx(ctx, 1, "foo", 0))
	require.NoError(t, l.UpdateTxObjects(ctx, 1, proto.OffsetDiff{0: {ID: chunkA, Length: 1}}))
	require.NoError(t, l.RollbackTx(ctx, 1))

	snap, state, err := l.GetTx(1)
	require.NoError(t, err)
	require.Equal(t, TxStateRolledBack, state)
	require.Empty(t, snap.Offsets)
	require.Equal(t, []proto.TxID{1}, l.RolledBackTxs())
	require.Empty(t, l.CommittedTxs())

	_, ok := l.StartedTx("foo")
	require.False(t, ok)
	require.NoError(t, l.StartTx(ctx, 2, "foo", 0))
}

func TestCommitLog_IsPendingTx(t *testing.T) {
	ctx := context.Background()
	l := newMemLog(t, nil)
	defer l.Close()

	base := time.Unix(1000, 0)
	l.now = func() time.Time { return base }
	require.NoError(t, l.StartTx(ctx, 1, "foo", 0))
	l.now = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, l.StartTx(ctx, 2, "bar", 0))

	require.False(t, l.IsPendingTx(base))
	require.True(t, l.IsPendingTx(base.Add(time.Second)))
	require.Equal(t, []proto.TxID{1}, l.PendingTxs(base.Add(time.Second)))
	require.Equal(t, []proto.TxID{1, 2}, l.PendingTxs(base.Add(2*time.Minute)))

	_, err := l.CommitTx(ctx, 1, 1, 0)
	require.NoError(t, err)
	require.False(t, l.IsPendingTx(base.Add(time.Second)))
}

type failingStore struct {
	Store
	fail bool
}

func (s *failingStore) Append(ctx context.Context, e *Entry) error {
	if s.fail {
		return apierrors.NewStorageIOError("append", io.ErrShortWrite)
	}
	return s.Store.Append(ctx, e)
}

func TestCommitLog_AppendFailure(t *testing.T) {
	ctx := context.Background()
	st := &failingStore{Store: NewMemStore()}
	l, err := Open(ctx, 1, st, &Config{StoreType: StoreTypeMemory}, taskpool.New(1, 1))
	require.NoError(t, err)
	defer l.Close()

	st.fail = true
	err = l.StartTx(ctx, 1, "foo", 0)
	require.ErrorIs(t, err, apierrors.ErrStorageIO)
	_, _, err = l.GetTx(1)
	require.ErrorIs(t, err, apierrors.ErrUnknownTransaction)

	st.fail = false
	require.NoError(t, l.StartTx(ctx, 1, "foo", 0))
	st.fail = true
	_, err = l.CommitTx(ctx, 1, 1, 0)
	require.True(t, errors.Is(err, apierrors.ErrStorageIO))
	_, state, err := l.GetTx(1)
	require.NoError(t, err)
	require.Equal(t, TxStateStarted, state)
}

func TestCommitLog_UpdateTx(t *testing.T) {
	ctx := context.Background()
	st := &failingStore{Store: NewMemStore()}
	l, err := Open(ctx, 1, st, &Config{StoreType: StoreTypeMemory}, taskpool.New(1, 1))
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.StartTx(ctx, 1, "foo", 0))
	st.fail = true
	err = l.UpdateTx(ctx, 1, proto.OffsetDiff{0: {ID: chunkA, Length: 4}}, proto.MetaDiff{"k": "v"})
	require.ErrorIs(t, err, apierrors.ErrStorageIO)
	snap, _, err := l.GetTx(1)
	require.NoError(t, err)
	require.Empty(t, snap.Offsets)
	require.Empty(t, snap.Meta)

	st.fail = false
	require.NoError(t, l.UpdateTx(ctx, 1, proto.OffsetDiff{0: {ID: chunkA, Length: 4}}, proto.MetaDiff{"k": "v"}))
	require.NoError(t, l.UpdateTx(ctx, 1, nil, proto.MetaDiff{"k": "w"}))
	require.Equal(t, []EntryType{EntryStart, EntryUpdateObjList, EntryUpdateObjMeta}, entryTypes(t, l))

	// replay restores both halves of the combined entry
	reopened, err := Open(ctx, 1, st.Store, &Config{StoreType: StoreTypeMemory}, taskpool.New(1, 1))
	require.NoError(t, err)
	defer reopened.Close()
	snap, _, err = reopened.GetTx(1)
	require.NoError(t, err)
	require.Equal(t, proto.OffsetDiff{0: {ID: chunkA, Length: 4}}, snap.Offsets)
	require.Equal(t, proto.MetaDiff{"k": "w"}, snap.Meta)
}

func TestCommitLog_Compaction(t *testing.T) {
	ctx := context.Background()
	l := newMemLog(t, &Config{StoreType: StoreTypeMemory, CompactThresholdBytes: 1})
	defer l.Close()

	require.NoError(t, l.StartTx(ctx, 1, "foo", 0))
	require.NoError(t, l.UpdateTxObjects(ctx, 1, proto.OffsetDiff{0: {ID: chunkA, Length: 1}}))
	_, err := l.CommitTx(ctx, 1, 1, 0)
	require.NoError(t, err)
	require.NoError(t, l.StartTx(ctx, 2, "bar", 0))
	require.NoError(t, l.PurgeTx(ctx, 1))

	// reuse of a purged id starts a new instance that survives compaction
	require.NoError(t, l.StartTx(ctx, 1, "baz", 0))
	require.NoError(t, l.RollbackTx(ctx, 2))
	require.NoError(t, l.PurgeTx(ctx, 2))

	require.Eventually(t, func() bool {
		if l.compactor.current() != compactIdle {
			return false
		}
		entries, err := l.Entries()
		require.NoError(t, err)
		return len(entries) == 1
	}, 5*time.Second, 10*time.Millisecond)

	entries, err := l.Entries()
	require.NoError(t, err)
	require.Equal(t, EntryStart, entries[0].Type)
	require.Equal(t, proto.TxID(1), entries[0].TxID)
	p, err := DecodePayload(entries[0])
	require.NoError(t, err)
	require.Equal(t, "baz", p.(*StartPayload).BlobName)
}

func TestCompactor(t *testing.T) {
	c := &compactor{}
	_, err := c.finish()
	require.Error(t, err)
	require.Error(t, c.abort())

	require.True(t, c.trigger())
	require.False(t, c.trigger())
	require.Equal(t, compactRerun, c.current())
	again, err := c.finish()
	require.NoError(t, err)
	require.True(t, again)
	require.Equal(t, compactRunning, c.current())
	again, err = c.finish()
	require.NoError(t, err)
	require.False(t, again)
	require.Equal(t, compactIdle, c.current())

	require.True(t, c.trigger())
	require.NoError(t, c.abort())
	require.Equal(t, compactIdle, c.current())
}

func TestDecodePayload(t *testing.T) {
	_, err := DecodePayload(&Entry{Type: EntryPurge, Payload: []byte{1}})
	require.ErrorIs(t, err, apierrors.ErrInvalidData)
	_, err = DecodePayload(&Entry{Type: EntryType(99)})
	require.ErrorIs(t, err, apierrors.ErrInvalidData)
	_, err = DecodePayload(&Entry{Type: EntryStart, Payload: []byte{0xff}})
	require.ErrorIs(t, err, apierrors.ErrInvalidData)

	raw, err := encodePayload(&CommitPayload{SequenceID: 3, PlacementVersion: 4})
	require.NoError(t, err)
	p, err := DecodePayload(&Entry{Type: EntryCommit, Payload: raw})
	require.NoError(t, err)
	require.Equal(t, &CommitPayload{SequenceID: 3, PlacementVersion: 4}, p)
	p, err = DecodePayload(&Entry{Type: EntryRollback})
	require.NoError(t, err)
	require.Nil(t, p)
}
