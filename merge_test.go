// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timberdb/timber/internal/base"
)

func TestBasicMerge(t *testing.T) {
	tbl := newTestTable(t, nil)
	insertParts(t, tbl, "p", "p", "p")

	require.True(t, runOneMerge(t, tbl))
	// A second round finds nothing left to merge.
	require.False(t, runOneMerge(t, tbl))

	active := activeInfos(tbl)
	require.Len(t, active, 1)
	require.Equal(t, base.PartInfo{PartitionID: "p", MinBlock: 1, MaxBlock: 3, Level: 1}, active[0])

	outdated := tbl.PartsInPartition("p", base.PartOutdated)
	require.Len(t, outdated, 3)

	// The merged part carries the summed rows.
	parts := tbl.ActiveParts()
	require.Equal(t, uint64(30), parts[0].Rows)
}

func TestNoTwoMergesShareASource(t *testing.T) {
	tbl := newTestTable(t, nil)
	insertParts(t, tbl, "a", "a", "b", "b")

	tbl.bgMu.Lock()
	first, fail := tbl.selectPartsToMergeLocked("", false, false, false, nil)
	tbl.bgMu.Unlock()
	require.Nil(t, fail)
	require.NotNil(t, first)

	tbl.bgMu.Lock()
	second, _ := tbl.selectPartsToMergeLocked("", false, false, false, nil)
	tbl.bgMu.Unlock()

	if second != nil {
		for _, p := range first.future.sources {
			for _, q := range second.future.sources {
				require.NotEqual(t, p.Info, q.Info, "two merges share source %s", p.Info)
			}
		}
		second.close()
	}
	first.close()

	// Once released, the sources are selectable again.
	require.True(t, runOneMerge(t, tbl))
}

func TestMergeSkipsCommittingGaps(t *testing.T) {
	tbl := newTestTable(t, nil)
	insertParts(t, tbl, "p")

	// An insert in flight between the existing part and the next one.
	inFlight := tbl.AllocateBlock(base.BlockOpNewPart)
	insertParts(t, tbl, "p")

	tbl.bgMu.Lock()
	entry, fail := tbl.selectPartsToMergeLocked("", false, false, false, nil)
	tbl.bgMu.Unlock()
	require.Nil(t, entry)
	require.Equal(t, ReasonNothingToMerge, fail.reason)

	inFlight.Release()
	require.True(t, runOneMerge(t, tbl))
}

func TestMergeRespectsPendingMutationBoundary(t *testing.T) {
	tbl := newTestTable(t, nil)
	insertParts(t, tbl, "p")

	// A mutation between the two inserts: the parts straddle it and must
	// not merge until the older one catches up.
	_, err := tbl.Mutate(MutationCommands{{Kind: CommandDelete, Predicate: "1"}}, nil, nil)
	require.NoError(t, err)
	insertParts(t, tbl, "p")

	tbl.bgMu.Lock()
	entry, _ := tbl.selectPartsToMergeLocked("", false, false, false, nil)
	tbl.bgMu.Unlock()
	require.Nil(t, entry)

	// Apply the mutation, then the merge becomes possible.
	require.True(t, runOneMutation(t, tbl))
	require.True(t, runOneMerge(t, tbl))

	active := activeInfos(tbl)
	require.Len(t, active, 1)
	require.Equal(t, int64(2), active[0].Mutation)
}

func TestOptimizeFinalIdempotent(t *testing.T) {
	tbl := newTestTable(t, nil)
	insertParts(t, tbl, "p", "p", "p")

	settings := &Settings{OptimizeSkipMergedPartitions: true}
	require.NoError(t, tbl.Optimize(OptimizeOptions{Final: true}, settings, nil))

	active := activeInfos(tbl)
	require.Len(t, active, 1)
	require.Equal(t, uint32(1), active[0].Level)

	// A second OPTIMIZE FINAL is a no-op: no new parts appear.
	require.NoError(t, tbl.Optimize(OptimizeOptions{Final: true}, settings, nil))
	require.Equal(t, active, activeInfos(tbl))
}

func TestOptimizeThrowIfNoop(t *testing.T) {
	tbl := newTestTable(t, nil)
	infos := insertParts(t, tbl, "p", "p")

	// Tag the parts busy so selection cannot proceed.
	var parts []*Part
	for _, info := range infos {
		p, ok := tbl.GetPart(info.DirName(), base.PartActive)
		require.True(t, ok)
		parts = append(parts, p)
	}
	tbl.bgMu.Lock()
	tbl.markBusyLocked(parts)
	tbl.bgMu.Unlock()

	settings := &Settings{OptimizeThrowIfNoop: true}
	err := tbl.Optimize(OptimizeOptions{PartitionID: "p"}, settings, nil)
	require.ErrorIs(t, err, ErrCannotAssignOptimize)

	tbl.bgMu.Lock()
	tbl.unmarkBusyLocked(parts)
	tbl.bgMu.Unlock()

	require.NoError(t, tbl.Optimize(OptimizeOptions{PartitionID: "p"}, settings, nil))
	require.Len(t, activeInfos(tbl), 1)
}

func TestMemoryPressureFailsHintlessSelection(t *testing.T) {
	watermark := &fakeWatermark{used: 100, limit: 10}
	tbl := newTestTable(t, func(o *Options) {
		o.BackgroundMemory = watermark
		o.LockAcquireTimeoutForBackgroundOperations = 50 * time.Millisecond
	})
	insertParts(t, tbl, "p", "p")

	// Hint-less selection fails immediately.
	tbl.bgMu.Lock()
	entry, fail := tbl.selectPartsToMergeLocked("", false, false, false, nil)
	tbl.bgMu.Unlock()
	require.Nil(t, entry)
	require.Equal(t, ReasonCannotSelect, fail.reason)

	// Hinted selection polls until its timeout, then fails.
	tbl.bgMu.Lock()
	entry, fail = tbl.selectPartsToMergeLocked("p", true, false, false, nil)
	tbl.bgMu.Unlock()
	require.Nil(t, entry)
	require.Equal(t, ReasonCannotSelect, fail.reason)

	// Pressure released: selection works again.
	watermark.used = 0
	require.True(t, runOneMerge(t, tbl))
}

type fakeWatermark struct {
	used  int64
	limit int64
}

func (w *fakeWatermark) Get() int64       { return w.used }
func (w *fakeWatermark) SoftLimit() int64 { return w.limit }

func TestTTLMergeBooking(t *testing.T) {
	tbl := newTestTable(t, func(o *Options) { o.MaxMergesWithTTLInPool = 1 })
	expired := TTLInfo{MaxTTL: time.Now().Add(-time.Hour).Unix()}
	_, err := tbl.Insert([]InsertBatch{
		{PartitionID: "p", Rows: 1, Size: 10, TTL: expired},
		{PartitionID: "p", Rows: 1, Size: 10, TTL: expired},
	}, nil, nil)
	require.NoError(t, err)

	tbl.bgMu.Lock()
	entry, fail := tbl.selectPartsToMergeLocked("", false, false, false, nil)
	tbl.bgMu.Unlock()
	require.Nil(t, fail)
	require.True(t, entry.future.isTTLMerge)
	require.Equal(t, int64(1), tbl.ttlMergesBooked.Load())

	// Abandoning the entry (e.g. the pool rejected it) releases the
	// booking.
	entry.close()
	require.Zero(t, tbl.ttlMergesBooked.Load())

	// A held booking at the limit suppresses further TTL merges.
	tbl.ttlMergesBooked.Store(1)
	tbl.bgMu.Lock()
	entry, _ = tbl.selectPartsToMergeLocked("", false, false, false, nil)
	tbl.bgMu.Unlock()
	if entry != nil {
		require.False(t, entry.future.isTTLMerge)
		entry.close()
	}
	tbl.ttlMergesBooked.Store(0)
}
