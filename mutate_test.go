// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/timberdb/timber/internal/base"
	"github.com/timberdb/timber/internal/mutation"
	"github.com/timberdb/timber/vfs"
)

func startMutationForTest(t *testing.T, tbl *Table, commands MutationCommands) int64 {
	t.Helper()
	version, err := tbl.Mutate(commands, nil, nil)
	require.NoError(t, err)
	return version
}

func TestMutationAppliesToParts(t *testing.T) {
	tbl := newTestTable(t, nil)
	insertParts(t, tbl, "p")

	version := startMutationForTest(t, tbl,
		MutationCommands{{Kind: CommandUpdate, Assignments: map[string]string{"col": "1"}}})

	status, ok := tbl.IncompleteMutationsStatus(version)
	require.True(t, ok)
	require.False(t, status.IsDone)
	require.Len(t, status.PartsToDo, 1)

	require.True(t, runOneMutation(t, tbl))

	status, ok = tbl.IncompleteMutationsStatus(version)
	require.True(t, ok)
	require.True(t, status.IsDone)
	require.NoError(t, tbl.WaitForMutation(version))

	active := activeInfos(tbl)
	require.Len(t, active, 1)
	require.Equal(t, version, active[0].Mutation)
	require.Equal(t, version, active[0].DataVersion())
}

func TestMutationSquashWithBarrier(t *testing.T) {
	tbl := newTestTable(t, nil)
	insertParts(t, tbl, "p")

	v1 := startMutationForTest(t, tbl,
		MutationCommands{{Kind: CommandUpdate, Assignments: map[string]string{"col": "1"}}})
	v2 := startMutationForTest(t, tbl,
		MutationCommands{{Kind: CommandUpdate, Assignments: map[string]string{"col": "2"}}})
	v3 := startMutationForTest(t, tbl,
		MutationCommands{{Kind: CommandDropColumn, Column: "other"}})
	require.Equal(t, v1+1, v2)
	require.Equal(t, v2+1, v3)

	// The two updates squash into one future part at the second version;
	// the barrier stays behind.
	tbl.bgMu.Lock()
	entry, fail := tbl.selectPartsToMutateLocked()
	tbl.bgMu.Unlock()
	require.Nil(t, fail)
	require.Equal(t, v2, entry.future.info.Mutation)
	require.Len(t, entry.commands, 2)
	require.NoError(t, tbl.runMutateTask(entry))

	// The barrier then runs as its own mutation.
	tbl.bgMu.Lock()
	entry, fail = tbl.selectPartsToMutateLocked()
	tbl.bgMu.Unlock()
	require.Nil(t, fail)
	require.Equal(t, v3, entry.future.info.Mutation)
	require.Len(t, entry.commands, 1)
	require.Equal(t, mutation.CommandDropColumn, entry.commands[0].Kind)
	require.NoError(t, tbl.runMutateTask(entry))

	active := activeInfos(tbl)
	require.Len(t, active, 1)
	require.Equal(t, v3, active[0].Mutation)
}

func TestKillMutation(t *testing.T) {
	tbl := newTestTable(t, nil)
	insertParts(t, tbl, "p")

	version := startMutationForTest(t, tbl,
		MutationCommands{{Kind: CommandDelete, Predicate: "never"}})

	var wg sync.WaitGroup
	wg.Add(1)
	var waitErr error
	go func() {
		defer wg.Done()
		waitErr = tbl.WaitForMutation(version)
	}()

	found, err := tbl.KillMutation(version)
	require.NoError(t, err)
	require.True(t, found)
	wg.Wait()
	require.NoError(t, waitErr)

	// The entry is gone from the registry and from disk.
	_, ok := tbl.IncompleteMutationsStatus(version)
	require.False(t, ok)
	_, err = tbl.fs.Stat(tbl.fs.PathJoin(tbl.dataDir, mutation.FileName(version)))
	require.Error(t, err)

	found, err = tbl.KillMutation(version)
	require.NoError(t, err)
	require.False(t, found)
}

func TestKillMutationMidTask(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var inner Performer
	tbl := newTestTable(t, func(o *Options) {
		inner = NewFSPerformer(o.FS)
		o.Performer = &hookedPerformer{
			inner: inner,
			beforeMutate: func(cancelled func() bool) error {
				close(started)
				for {
					select {
					case <-release:
						return nil
					default:
						if cancelled() {
							return ErrMergeCancelled
						}
						time.Sleep(time.Millisecond)
					}
				}
			},
		}
	})
	insertParts(t, tbl, "p")
	version := startMutationForTest(t, tbl,
		MutationCommands{{Kind: CommandDelete, Predicate: "x"}})

	tbl.bgMu.Lock()
	entry, _ := tbl.selectPartsToMutateLocked()
	tbl.bgMu.Unlock()
	require.NotNil(t, entry)

	done := make(chan error, 1)
	go func() { done <- tbl.runMutateTask(entry) }()
	<-started

	// Killing the mutation cancels the in-flight task; the source part
	// returns untouched.
	found, err := tbl.KillMutation(version)
	require.NoError(t, err)
	require.True(t, found)
	require.ErrorIs(t, <-done, ErrAborted)

	require.NoError(t, tbl.WaitForMutation(version))
	active := activeInfos(tbl)
	require.Len(t, active, 1)
	require.Zero(t, active[0].Mutation)
	require.False(t, tbl.IsPartBusy(active[0]))
	close(release)
}

func TestMutationFailureRecordsBackoff(t *testing.T) {
	failErr := errors.New("synthetic mutation failure")
	failing := true
	tbl := newTestTable(t, func(o *Options) {
		inner := NewFSPerformer(o.FS)
		o.Performer = &hookedPerformer{
			inner: inner,
			beforeMutate: func(func() bool) error {
				if failing {
					return failErr
				}
				return nil
			},
		}
	})
	infos := insertParts(t, tbl, "p")
	version := startMutationForTest(t, tbl,
		MutationCommands{{Kind: CommandDelete, Predicate: "x"}})

	tbl.bgMu.Lock()
	entry, _ := tbl.selectPartsToMutateLocked()
	tbl.bgMu.Unlock()
	require.NotNil(t, entry)
	require.Error(t, tbl.runMutateTask(entry))

	status, ok := tbl.IncompleteMutationsStatus(version)
	require.True(t, ok)
	require.False(t, status.IsDone)
	require.Equal(t, infos[0].DirName(), status.LatestFailedPart)
	require.Contains(t, status.LatestFailReason, "synthetic mutation failure")

	// The failed part is in its backoff window: nothing to select.
	tbl.bgMu.Lock()
	entry, _ = tbl.selectPartsToMutateLocked()
	tbl.bgMu.Unlock()
	require.Nil(t, entry)

	// WaitForMutation surfaces the recorded failure instead of hanging.
	require.Error(t, tbl.WaitForMutation(version))

	// After the window elapses the mutation is retried and, once it
	// succeeds, the failure record clears.
	failing = false
	require.Eventually(t, func() bool {
		return runOneMutation(t, tbl)
	}, 10*time.Second, 50*time.Millisecond)

	status, ok = tbl.IncompleteMutationsStatus(version)
	require.True(t, ok)
	require.True(t, status.IsDone)
	require.Empty(t, status.LatestFailReason)
}

func TestMutationsStatusAndRoundTrip(t *testing.T) {
	fs := vfs.NewMem()
	opts := func() *Options {
		return &Options{FS: fs, Logger: base.NoopLogger{}, DisableBackgroundWork: true}
	}
	tbl, err := Open("data", opts())
	require.NoError(t, err)

	insertParts(t, tbl, "p")
	commands := MutationCommands{{Kind: CommandUpdate, Assignments: map[string]string{"a": "1"}}}
	version, err := tbl.Mutate(commands, nil, nil)
	require.NoError(t, err)
	require.NoError(t, tbl.Close())

	o := opts()
	o.Attach = true
	tbl, err = Open("data", o)
	require.NoError(t, err)
	defer tbl.Close()

	// Loading mutations written by Mutate yields an equal entry.
	statuses := tbl.MutationsStatus()
	require.Len(t, statuses, 1)
	require.Equal(t, version, statuses[0].Version)
	require.Equal(t, commands, statuses[0].Commands)
	require.False(t, statuses[0].IsDone)

	// The allocator resumes above the mutation version.
	h := tbl.AllocateBlock(base.BlockOpNewPart)
	require.Greater(t, h.Number(), version)
	h.Release()

	// The mutation still applies after the reload.
	require.True(t, runOneMutation(t, tbl))
	status, ok := tbl.IncompleteMutationsStatus(version)
	require.True(t, ok)
	require.True(t, status.IsDone)
}

func TestClearOldMutations(t *testing.T) {
	tbl := newTestTable(t, func(o *Options) { o.FinishedMutationsToKeep = 1 })
	insertParts(t, tbl, "p")

	var versions []int64
	for i := 0; i < 3; i++ {
		versions = append(versions, startMutationForTest(t, tbl,
			MutationCommands{{Kind: CommandDelete, Predicate: "x"}}))
		require.True(t, runOneMutation(t, tbl))
	}

	removed, err := tbl.clearOldMutations(false)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	// The registry keys match the on-disk mutation files at quiescence.
	names, err := tbl.fs.List(tbl.dataDir)
	require.NoError(t, err)
	var onDisk []int64
	for _, name := range names {
		if v, ok := mutation.ParseFileName(name); ok {
			onDisk = append(onDisk, v)
		}
	}
	require.Equal(t, []int64{versions[2]}, onDisk)

	_, ok := tbl.IncompleteMutationsStatus(versions[0])
	require.False(t, ok)
	_, ok = tbl.IncompleteMutationsStatus(versions[2])
	require.True(t, ok)
}
