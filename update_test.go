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

func updateCommands(columns ...string) MutationCommands {
	assignments := map[string]string{}
	for _, c := range columns {
		assignments[c] = "0"
	}
	return MutationCommands{{Kind: CommandUpdate, Assignments: assignments}}
}

func TestUpdateObservesEarlierInsert(t *testing.T) {
	tbl := newTestTable(t, nil)
	insertParts(t, tbl, "p")

	// An insert allocated but not yet committed.
	inFlight := tbl.AllocateBlock(base.BlockOpNewPart)

	started := make(chan struct{})
	updated := make(chan error, 1)
	go func() {
		close(started)
		u, err := tbl.BeginLightweightUpdate(updateCommands("col"), nil)
		if err == nil {
			defer u.Close()
		}
		updated <- err
	}()
	<-started

	// The update allocated a larger block number and must wait for the
	// insert to commit.
	select {
	case err := <-updated:
		t.Fatalf("update finished before the insert committed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	inFlight.Release()
	require.NoError(t, <-updated)
}

func TestUpdateTimesOutOnAbandonedInsert(t *testing.T) {
	tbl := newTestTable(t, nil)
	insertParts(t, tbl, "p")

	inFlight := tbl.AllocateBlock(base.BlockOpNewPart)
	defer inFlight.Release()

	settings := &Settings{LockAcquireTimeout: 50 * time.Millisecond}
	_, err := tbl.BeginLightweightUpdate(updateCommands("col"), settings)
	require.ErrorIs(t, err, ErrTimeoutExceeded)
}

func TestUpdateWritesPatchParts(t *testing.T) {
	tbl := newTestTable(t, nil)
	insertParts(t, tbl, "p")

	u, err := tbl.BeginLightweightUpdate(updateCommands("col"), nil)
	require.NoError(t, err)
	require.Contains(t, u.MaxBlock, "p")

	info, err := u.WritePatch("p", 3, 30)
	require.NoError(t, err)
	require.True(t, info.IsPatch())
	require.Equal(t, u.BlockNumber(), info.MinBlock)
	u.Close()

	// Patch parts are registered but stay outside the merge domain.
	require.Len(t, tbl.PartsInPartition("patch-p", base.PartActive), 1)
	tbl.bgMu.Lock()
	entry, fail := tbl.selectPartsToMergeLocked("", false, false, false, nil)
	tbl.bgMu.Unlock()
	require.Nil(t, entry)
	require.Equal(t, ReasonNothingToMerge, fail.reason)
}

func TestUpdateSyncModeSerializes(t *testing.T) {
	tbl := newTestTable(t, nil)
	insertParts(t, tbl, "p")

	u1, err := tbl.BeginLightweightUpdate(updateCommands("a"), nil)
	require.NoError(t, err)

	// A second sync-mode update blocks until the first releases, and
	// fails fast on a short timeout.
	settings := &Settings{LockAcquireTimeout: 50 * time.Millisecond}
	_, err = tbl.BeginLightweightUpdate(updateCommands("b"), settings)
	require.ErrorIs(t, err, ErrTimeoutExceeded)

	u1.Close()
	u2, err := tbl.BeginLightweightUpdate(updateCommands("b"), nil)
	require.NoError(t, err)
	u2.Close()
}

func TestUpdateAutoModeLocksColumns(t *testing.T) {
	tbl := newTestTable(t, nil)
	insertParts(t, tbl, "p")

	auto := func(timeout time.Duration) *Settings {
		return &Settings{UpdateParallelMode: UpdateParallelAuto, LockAcquireTimeout: timeout}
	}

	u1, err := tbl.BeginLightweightUpdate(updateCommands("a", "b"), auto(0))
	require.NoError(t, err)

	// Disjoint column sets run concurrently.
	u2, err := tbl.BeginLightweightUpdate(updateCommands("c"), auto(0))
	require.NoError(t, err)

	// Overlapping column sets block.
	_, err = tbl.BeginLightweightUpdate(updateCommands("b", "d"), auto(50*time.Millisecond))
	require.ErrorIs(t, err, ErrTimeoutExceeded)

	u1.Close()
	u3, err := tbl.BeginLightweightUpdate(updateCommands("b", "d"), auto(0))
	require.NoError(t, err)
	u3.Close()
	u2.Close()
}

func TestClearUnusedPatchParts(t *testing.T) {
	tbl := newTestTable(t, nil)
	insertParts(t, tbl, "p")

	u, err := tbl.BeginLightweightUpdate(updateCommands("col"), nil)
	require.NoError(t, err)
	_, err = u.WritePatch("p", 1, 10)
	require.NoError(t, err)
	u.Close()

	// While the target partition lags the patch, the patch part stays.
	cleared, err := tbl.clearUnusedPatchParts()
	require.NoError(t, err)
	require.Zero(t, cleared)

	// Once every active part of the partition reaches the patch's block
	// number, the patch is unused.
	insertParts(t, tbl, "p")
	require.True(t, runOneMerge(t, tbl))
	cleared, err = tbl.clearUnusedPatchParts()
	require.NoError(t, err)
	require.Equal(t, 1, cleared)
	require.Empty(t, tbl.PartsInPartition("patch-p", base.PartActive))
}
