// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/timberdb/timber/internal/base"
	"github.com/timberdb/timber/internal/partset"
	"github.com/timberdb/timber/vfs"
)

// newTestTable opens a table on a fresh in-memory filesystem with background
// work disabled, so tests drive scheduling explicitly.
func newTestTable(t *testing.T, adjust func(*Options)) *Table {
	return newTestTableAt(t, "data", adjust)
}

func newTestTableAt(t *testing.T, dirname string, adjust func(*Options)) *Table {
	t.Helper()
	opts := &Options{
		FS:                    vfs.NewMem(),
		Logger:                base.NoopLogger{},
		DisableBackgroundWork: true,
	}
	if adjust != nil {
		adjust(opts)
	}
	tbl, err := Open(dirname, opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, tbl.Close()) })
	return tbl
}

// newSharedMem returns a MemFS shared between two test tables.
func newSharedMem() *vfs.MemFS { return vfs.NewMem() }

// insertParts inserts one 10-row, 100-byte part per partition entry and
// returns the created infos.
func insertParts(t *testing.T, tbl *Table, partitions ...string) []base.PartInfo {
	t.Helper()
	batches := make([]InsertBatch, len(partitions))
	for i, p := range partitions {
		batches[i] = InsertBatch{PartitionID: p, Rows: 10, Size: 100}
	}
	infos, err := tbl.Insert(batches, nil, nil)
	require.NoError(t, err)
	return infos
}

func activeInfos(tbl *Table) []base.PartInfo {
	var infos []base.PartInfo
	for _, p := range tbl.ActiveParts() {
		infos = append(infos, p.Info)
	}
	return infos
}

// runOneMerge selects a hint-less merge and executes it synchronously.
func runOneMerge(t *testing.T, tbl *Table) bool {
	t.Helper()
	tbl.bgMu.Lock()
	entry, fail := tbl.selectPartsToMergeLocked("", false, false, false, nil)
	tbl.bgMu.Unlock()
	if entry == nil {
		require.NotNil(t, fail)
		return false
	}
	require.NoError(t, tbl.runMergeTask(entry))
	return true
}

// runOneMutation selects a mutation task and executes it synchronously.
func runOneMutation(t *testing.T, tbl *Table) bool {
	t.Helper()
	tbl.bgMu.Lock()
	entry, _ := tbl.selectPartsToMutateLocked()
	tbl.bgMu.Unlock()
	if entry == nil {
		return false
	}
	require.NoError(t, tbl.runMutateTask(entry))
	return true
}

// hookedPerformer wraps the default performer with test hooks invoked before
// the inner merge or mutation.
type hookedPerformer struct {
	inner        Performer
	beforeMerge  func(cancelled func() bool) error
	beforeMutate func(cancelled func() bool) error
}

func (p *hookedPerformer) WritePart(path string, info base.PartInfo, rows, size uint64) error {
	return p.inner.WritePart(path, info, rows, size)
}

func (p *hookedPerformer) MergeParts(
	path string, result base.PartInfo, sources []*partset.Part, cancelled func() bool,
) (uint64, uint64, error) {
	if p.beforeMerge != nil {
		if err := p.beforeMerge(cancelled); err != nil {
			return 0, 0, err
		}
	}
	return p.inner.MergeParts(path, result, sources, cancelled)
}

func (p *hookedPerformer) MutatePart(
	path string, result base.PartInfo, source *partset.Part, commands MutationCommands, cancelled func() bool,
) (uint64, uint64, error) {
	if p.beforeMutate != nil {
		if err := p.beforeMutate(cancelled); err != nil {
			return 0, 0, err
		}
	}
	return p.inner.MutatePart(path, result, source, commands, cancelled)
}

func (p *hookedPerformer) ClonePart(srcPath, dstPath string, hardlinks bool) error {
	return p.inner.ClonePart(srcPath, dstPath, hardlinks)
}
