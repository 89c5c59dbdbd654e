// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"fmt"
	"math"

	"github.com/timberdb/timber/internal/base"
	"github.com/timberdb/timber/internal/mutation"
)

// BackupEntry names one file or directory a backup must copy, with the
// path it should have inside the backup.
type BackupEntry struct {
	// Path is the source path on the table's filesystem.
	Path string
	// RelativePath is the destination path inside the backup.
	RelativePath string
}

// BackupEntries enumerates everything a consistent backup of the table must
// copy: the visible part directories plus the mutation files still relevant
// to them. Serialization of the entries is the backup engine's concern.
func (t *Table) BackupEntries(partitions []string, txn Txn) []BackupEntry {
	var filter map[string]bool
	if len(partitions) > 0 {
		filter = map[string]bool{}
		for _, p := range partitions {
			filter[p] = true
		}
	}

	var entries []BackupEntry
	minDataVersion := int64(math.MaxInt64)
	for _, p := range t.VisibleParts(txn) {
		if filter != nil && !filter[p.Info.PartitionID] {
			continue
		}
		if v := p.Info.DataVersion() + 1; v < minDataVersion {
			minDataVersion = v
		}
		entries = append(entries, BackupEntry{
			Path:         t.partPath(p.Info),
			RelativePath: "data/" + p.Name(),
		})
	}

	entries = append(entries, t.backupMutations(minDataVersion)...)
	return entries
}

// backupMutations enumerates the mutation entry files with version at or
// above minVersion.
func (t *Table) backupMutations(minVersion int64) []BackupEntry {
	t.bgMu.Lock()
	defer t.bgMu.Unlock()
	var entries []BackupEntry
	i := t.mutations.upperBound(minVersion - 1)
	t.mutations.ascend(i, func(e *mutation.Entry) bool {
		entries = append(entries, BackupEntry{
			Path:         t.fs.PathJoin(t.dataDir, mutation.FileName(e.Version)),
			RelativePath: fmt.Sprintf("mutations/%010d.txt", e.Version),
		})
		return true
	})
	return entries
}

// AttachRestoredPart installs a part directory restored by a backup under a
// fresh block number. The staged directory must live on the table's
// filesystem.
func (t *Table) AttachRestoredPart(stagedPath string, partitionID string) (base.PartInfo, error) {
	if err := t.assertNotReadonly(); err != nil {
		return base.PartInfo{}, err
	}
	size, rows, err := ReadPartMeta(t.fs, stagedPath)
	if err != nil {
		return base.PartInfo{}, err
	}

	t.partsMu.Lock()
	defer t.partsMu.Unlock()
	holder := t.AllocateBlock(base.BlockOpNewPart)
	defer holder.Release()

	p := newPreCommittedPart(t, base.PartInfo{
		PartitionID: partitionID,
		MinBlock:    holder.Number(),
		MaxBlock:    holder.Number(),
	}, size, rows)
	if _, err := t.renameTempPartAndReplaceLocked(p, stagedPath, nil); err != nil {
		return base.PartInfo{}, err
	}
	return p.Info, nil
}
