// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timberdb/timber/internal/base"
	"github.com/timberdb/timber/vfs"
)

func TestBackgroundSchedulerMerges(t *testing.T) {
	opts := &Options{
		FS:                vfs.NewMem(),
		Logger:            base.NoopLogger{},
		SchedulerIdleWait: 10 * time.Millisecond,
	}
	tbl, err := Open("data", opts)
	require.NoError(t, err)
	defer tbl.Close()

	_, err = tbl.Insert([]InsertBatch{
		{PartitionID: "p", Rows: 1, Size: 10},
		{PartitionID: "p", Rows: 1, Size: 10},
		{PartitionID: "p", Rows: 1, Size: 10},
	}, nil, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		active := tbl.ActiveParts()
		return len(active) == 1 && active[0].Info.Level == 1
	}, 10*time.Second, 10*time.Millisecond)
}

func TestBackgroundSchedulerAppliesMutations(t *testing.T) {
	opts := &Options{
		FS:                vfs.NewMem(),
		Logger:            base.NoopLogger{},
		SchedulerIdleWait: 10 * time.Millisecond,
	}
	tbl, err := Open("data", opts)
	require.NoError(t, err)
	defer tbl.Close()

	_, err = tbl.Insert([]InsertBatch{{PartitionID: "p", Rows: 1, Size: 10}}, nil, nil)
	require.NoError(t, err)

	version, err := tbl.Mutate(MutationCommands{{Kind: CommandDelete, Predicate: "x"}},
		&Settings{MutationsSync: 1}, nil)
	require.NoError(t, err)

	status, ok := tbl.IncompleteMutationsStatus(version)
	require.True(t, ok)
	require.True(t, status.IsDone)
}

func TestClearOldPartsLifetime(t *testing.T) {
	tbl := newTestTable(t, func(o *Options) { o.OldPartsLifetime = time.Hour })
	insertParts(t, tbl, "p", "p")
	require.True(t, runOneMerge(t, tbl))

	// The outdated sources are within their lifetime: nothing to remove.
	removed, err := tbl.clearOldPartsFromFilesystem(false)
	require.NoError(t, err)
	require.Zero(t, removed)
	require.Len(t, tbl.PartsInPartition("p", base.PartOutdated), 2)

	// Force removes them regardless.
	removed, err = tbl.clearOldPartsFromFilesystem(true)
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	require.Empty(t, tbl.PartsInPartition("p", base.PartOutdated))

	for _, name := range []string{"p_1_1_0", "p_2_2_0"} {
		_, err := tbl.fs.Stat(tbl.fs.PathJoin(tbl.dataDir, name))
		require.Error(t, err, "part directory %s should be gone", name)
	}
	_, err = tbl.fs.Stat(tbl.fs.PathJoin(tbl.dataDir, "p_1_2_1"))
	require.NoError(t, err)
}

func TestClearOldPartsPauseKnob(t *testing.T) {
	paused := make(chan struct{})
	release := make(chan struct{})
	tbl := newTestTable(t, func(o *Options) {
		o.TestingKnobs = &TestingKnobs{
			PauseAfterGrabOldParts: func() {
				close(paused)
				<-release
			},
		}
	})
	insertParts(t, tbl, "p", "p")
	require.True(t, runOneMerge(t, tbl))

	done := make(chan error, 1)
	go func() {
		_, err := tbl.clearOldPartsFromFilesystem(true)
		done <- err
	}()

	// The cleaner grabbed the parts and is paused: they are claimed but
	// still on disk.
	<-paused
	require.Len(t, tbl.PartsInPartition("p", base.PartDeleting), 2)
	_, err := tbl.fs.Stat(tbl.fs.PathJoin(tbl.dataDir, "p_1_1_0"))
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
	_, err = tbl.fs.Stat(tbl.fs.PathJoin(tbl.dataDir, "p_1_1_0"))
	require.Error(t, err)
}

func TestClearOldTemporaryDirectories(t *testing.T) {
	tbl := newTestTable(t, nil)

	for _, name := range []string{"tmp_merge_x", "delete_tmp_y", "tmp-fetch_z"} {
		require.NoError(t, tbl.fs.MkdirAll(tbl.fs.PathJoin(tbl.dataDir, name), 0755))
	}

	// Young directories survive a lifetime-bounded sweep.
	cleared, err := tbl.clearOldTemporaryDirectories(time.Hour)
	require.NoError(t, err)
	require.Zero(t, cleared)

	// A zero lifetime removes everything, as on startup.
	cleared, err = tbl.clearOldTemporaryDirectories(0)
	require.NoError(t, err)
	require.Equal(t, 3, cleared)
}

func TestStartupClearsStagingDirs(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("data/tmp_insert_p_1", 0755))
	require.NoError(t, fs.MkdirAll("data/delete_tmp_p_1_1_0", 0755))
	require.NoError(t, vfs.WriteFile(fs, "data/tmp_mutation_5.txt", []byte("x")))

	tbl, err := Open("data", &Options{
		FS: fs, Logger: base.NoopLogger{}, DisableBackgroundWork: true,
	})
	require.NoError(t, err)
	defer tbl.Close()

	names, err := fs.List("data")
	require.NoError(t, err)
	require.Equal(t, []string{DetachedDirName}, names)
}

func TestShutdownUnblocksWaiters(t *testing.T) {
	fs := vfs.NewMem()
	tbl, err := Open("data", &Options{
		FS: fs, Logger: base.NoopLogger{}, DisableBackgroundWork: true,
	})
	require.NoError(t, err)

	_, err = tbl.Insert([]InsertBatch{{PartitionID: "p", Rows: 1, Size: 1}}, nil, nil)
	require.NoError(t, err)
	version, err := tbl.Mutate(MutationCommands{{Kind: CommandDelete, Predicate: "x"}}, nil, nil)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() { waitErr <- tbl.WaitForMutation(version) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tbl.Close())

	select {
	case err := <-waitErr:
		require.ErrorIs(t, err, ErrAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForMutation did not unblock on shutdown")
	}
}

func TestMetricsSnapshot(t *testing.T) {
	tbl := newTestTable(t, nil)
	insertParts(t, tbl, "p", "p")

	m := tbl.Metrics()
	require.Equal(t, int64(2), m.ActiveParts)
	require.Equal(t, uint64(200), m.ActiveBytes)
	require.Equal(t, int64(2), m.BlockNumber)

	require.True(t, runOneMerge(t, tbl))
	m = tbl.Metrics()
	require.Equal(t, int64(1), m.ActiveParts)
	require.Equal(t, int64(2), m.OutdatedParts)
	require.Equal(t, int64(1), m.MergesCompleted)
}
