// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"fmt"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/timberdb/timber/internal/base"
	"github.com/timberdb/timber/internal/partset"
)

// dropRangeInfo builds the part info covering everything in the partition up
// to and including maxBlock.
func dropRangeInfo(partitionID string, maxBlock int64) base.PartInfo {
	return base.PartInfo{
		PartitionID: partitionID,
		MinBlock:    0,
		MaxBlock:    maxBlock,
		Level:       base.MaxLevel,
		Mutation:    math.MaxInt64,
	}
}

// DropPart outdates one named Active part. With detach, the part directory
// is first hard-linked into detached/.
func (t *Table) DropPart(partName string, detach bool, txn Txn) error {
	if err := t.assertNotReadonly(); err != nil {
		return err
	}
	// Stop merges so a merge in flight cannot revive the dropped data.
	lease, err := t.stopMergesAndWait()
	if err != nil {
		return err
	}
	defer lease.release()

	t.opsMu.Lock()
	defer t.opsMu.Unlock()

	p, ok := t.GetPart(partName, base.PartActive)
	if !ok {
		return errors.Wrapf(base.ErrNoSuchDataPart, "part %s not found, won't try to drop it", partName)
	}

	if detach {
		if err := t.detachPart(p); err != nil {
			return err
		}
	}

	t.partsMu.Lock()
	t.outdatePartsLocked([]*partset.Part{p}, true, txn)
	t.partsMu.Unlock()

	if t.opts.DeduplicationLog != nil {
		t.opts.DeduplicationLog.DropPart(p.Info)
	}

	op := "drop"
	if detach {
		op = "detach"
	}
	t.opts.EventListener.PartitionOp(PartitionOpInfo{Op: op, PartitionID: p.Info.PartitionID, Parts: 1})

	if _, err := t.clearOldPartsFromFilesystem(false); err != nil {
		return err
	}
	_, err = t.clearEmptyParts()
	return err
}

// detachPart hard-links the part directory into detached/.
func (t *Table) detachPart(p *partset.Part) error {
	t.opts.Logger.Infof("detaching %s", p.Name())
	dst := t.fs.PathJoin(t.dataDir, DetachedDirName, p.Name())
	return t.opts.Performer.ClonePart(t.partPath(p.Info), dst, !t.opts.AlwaysUseCopyInsteadOfHardlinks)
}

// DropPartition outdates every Active part of the partition and installs a
// covering empty part under a freshly allocated block number, so the drop
// appears as one contiguous hole in the block stream. With detach, parts are
// first hard-linked into detached/.
func (t *Table) DropPartition(partitionID string, detach bool, txn Txn) error {
	if err := t.assertNotReadonly(); err != nil {
		return err
	}
	lease, err := t.stopMergesAndWaitForPartition(partitionID)
	if err != nil {
		return err
	}
	defer lease.release()

	if err := t.dropPartitionImpl(partitionID, detach, txn); err != nil {
		return err
	}

	if _, err := t.clearOldPartsFromFilesystem(false); err != nil {
		return err
	}
	_, err = t.clearEmptyParts()
	return err
}

func (t *Table) dropPartitionImpl(partitionID string, detach bool, txn Txn) error {
	t.opsMu.Lock()
	defer t.opsMu.Unlock()

	parts := t.PartsInPartition(partitionID, base.PartActive)
	if len(parts) == 0 {
		return nil
	}
	if detach {
		for _, p := range parts {
			if err := t.detachPart(p); err != nil {
				return err
			}
		}
	}

	if err := t.installCoverEmptyPart(partitionID, txn); err != nil {
		return err
	}

	if t.opts.DeduplicationLog != nil {
		for _, p := range parts {
			t.opts.DeduplicationLog.DropPart(p.Info)
		}
	}

	op := "drop"
	if detach {
		op = "detach"
	}
	t.opts.EventListener.PartitionOp(PartitionOpInfo{Op: op, PartitionID: partitionID, Parts: len(parts)})
	return nil
}

// installCoverEmptyPart creates and installs an empty part covering every
// Active part of the partition, under a fresh block number. The covered
// parts become Outdated in the same registry swap.
func (t *Table) installCoverEmptyPart(partitionID string, txn Txn) error {
	tmpName := fmt.Sprintf("tmp_drop_%s_%d", partitionID, insertSeq.Add(1))
	tmpPath := t.fs.PathJoin(t.dataDir, tmpName)

	t.partsMu.Lock()
	defer t.partsMu.Unlock()

	parts := t.parts.InPartition(partitionID, base.PartActive)
	if len(parts) == 0 {
		return nil
	}

	holder := t.AllocateBlock(base.BlockOpNewPart)
	defer holder.Release()

	var level uint32
	var mutation int64
	minBlock := parts[0].Info.MinBlock
	for _, p := range parts {
		if p.Info.Level > level {
			level = p.Info.Level
		}
		if p.Info.Mutation > mutation {
			mutation = p.Info.Mutation
		}
	}

	info := base.PartInfo{
		PartitionID: partitionID,
		MinBlock:    minBlock,
		MaxBlock:    holder.Number(),
		Level:       level + 1,
		Mutation:    mutation,
	}
	if err := t.opts.Performer.WritePart(tmpPath, info, 0, 0); err != nil {
		return err
	}

	cover := &partset.Part{
		Info:       info,
		State:      base.PartPreCommitted,
		DiskName:   t.opts.StoragePolicy.AnyDiskName(),
		CreateTime: time.Now(),
	}
	if t.opts.AssignPartUUIDs {
		cover.UUID = uuid.New()
	}
	if txn != nil {
		cover.Version.CreationTID = txn.TID()
	}

	covered, err := t.renameTempPartAndReplaceLocked(cover, tmpPath, txn)
	if err != nil {
		return err
	}
	// Covered parts were dropped explicitly; remove them without waiting
	// for the old-parts lifetime.
	now := time.Now()
	for _, p := range covered {
		p.SetRemoveTime(now)
	}
	t.opts.Logger.Infof("removed %d parts by covering them with empty part %s", len(covered), info)
	return nil
}

// Truncate drops every partition of the table, removes finished mutations
// and reclaims the files. The block-number allocator keeps growing: block
// numbers allocated after a truncate are strictly above every pre-truncate
// number.
func (t *Table) Truncate(txn Txn) error {
	if err := t.assertNotReadonly(); err != nil {
		return err
	}
	lease, err := t.stopMergesAndWait()
	if err != nil {
		return err
	}

	err = func() error {
		defer lease.release()
		for _, partitionID := range t.PartitionIDs() {
			if err := t.dropPartitionImpl(partitionID, false, txn); err != nil {
				return err
			}
		}
		return nil
	}()
	if err != nil {
		return err
	}

	if _, err := t.clearOldMutations(true); err != nil {
		return err
	}
	if _, err := t.clearOldPartsFromFilesystem(false); err != nil {
		return err
	}
	if _, err := t.clearEmptyParts(); err != nil {
		return err
	}
	t.opts.EventListener.PartitionOp(PartitionOpInfo{Op: "truncate"})
	return nil
}

// ReplacePartitionFrom clones the partition's parts from the source table
// into this table under fresh block numbers. With replace, the previously
// active parts of the partition are removed atomically with the installation
// via a drop-range block; without it (ATTACH FROM) the clones are simply
// added.
func (t *Table) ReplacePartitionFrom(src *Table, partitionID string, replace bool, txn Txn) error {
	if err := t.assertNotReadonly(); err != nil {
		return err
	}
	compatible := t.opts.StoragePolicy.IsCompatibleForPartitionOps(src.opts.StoragePolicy)

	lease, err := t.stopMergesAndWaitForPartition(partitionID)
	if err != nil {
		return err
	}
	defer lease.release()

	t.opsMu.Lock()
	defer t.opsMu.Unlock()

	srcParts := src.VisibleParts(txn)
	var sources []*partset.Part
	for _, p := range srcParts {
		if p.Info.PartitionID == partitionID {
			sources = append(sources, p)
		}
	}
	// ATTACH FROM with an empty source set is a no-op.
	if !replace && len(sources) == 0 {
		return nil
	}

	hardlinks := !t.opts.AlwaysUseCopyInsteadOfHardlinks && compatible && src.fs == t.fs

	type staged struct {
		tmpPath string
		src     *partset.Part
	}
	clones := make([]staged, 0, len(sources))
	for _, p := range sources {
		tmpPath := t.fs.PathJoin(t.dataDir, fmt.Sprintf("tmp_replace_from_%s_%d", p.Name(), insertSeq.Add(1)))
		if err := t.opts.Performer.ClonePart(src.partPath(p.Info), tmpPath, hardlinks); err != nil {
			return err
		}
		clones = append(clones, staged{tmpPath: tmpPath, src: p})
	}

	t.partsMu.Lock()
	defer t.partsMu.Unlock()

	// The drop range is allocated before the clones' block numbers so the
	// new parts sort above it and survive the removal.
	var dropRange base.PartInfo
	if replace {
		holder := t.AllocateBlock(base.BlockOpNewPart)
		dropRange = dropRangeInfo(partitionID, holder.Number())
		defer holder.Release()
	}

	for _, c := range clones {
		holder := t.AllocateBlock(base.BlockOpNewPart)
		p := &partset.Part{
			Info: base.PartInfo{
				PartitionID: partitionID,
				MinBlock:    holder.Number(),
				MaxBlock:    holder.Number(),
				Level:       c.src.Info.Level,
			},
			State:      base.PartPreCommitted,
			Size:       c.src.Size,
			Rows:       c.src.Rows,
			TTL:        c.src.TTL,
			DiskName:   t.opts.StoragePolicy.AnyDiskName(),
			CreateTime: time.Now(),
		}
		if t.opts.AssignPartUUIDs {
			p.UUID = uuid.New()
		}
		if txn != nil {
			p.Version.CreationTID = txn.TID()
		}
		if _, err := t.renameTempPartAndReplaceLocked(p, c.tmpPath, txn); err != nil {
			holder.Release()
			return err
		}
		holder.Release()
	}

	if replace {
		removed := t.parts.CoveredBy(dropRange)
		t.outdatePartsLocked(removed, true, txn)
	}

	op := "attach-from"
	if replace {
		op = "replace"
	}
	t.opts.EventListener.PartitionOp(PartitionOpInfo{Op: op, PartitionID: partitionID, Parts: len(clones)})
	return nil
}

// MovePartitionToTable moves the partition's parts into dest: they are
// installed there under fresh block numbers and removed here in the same
// operation. Bounded by settings.MaxPartsToMove so a huge partition cannot
// starve the merge loop behind the installed merges blocker.
func (t *Table) MovePartitionToTable(dest *Table, partitionID string, settings *Settings, txn Txn) error {
	if err := t.assertNotReadonly(); err != nil {
		return err
	}
	if err := dest.assertNotReadonly(); err != nil {
		return err
	}
	if settings == nil {
		settings = &Settings{}
	}
	settings.EnsureDefaults()

	if !t.opts.StoragePolicy.IsCompatibleForPartitionOps(dest.opts.StoragePolicy) {
		return errors.Wrapf(base.ErrUnknownPolicy,
			"destination table should have the same storage policy as the source table, or the policies must be compatible for partition operations; source: %s, destination: %s",
			t.opts.StoragePolicy.Name(), dest.opts.StoragePolicy.Name())
	}

	lease, err := t.stopMergesAndWait()
	if err != nil {
		return err
	}
	defer lease.release()

	t.opsMu.Lock()
	defer t.opsMu.Unlock()

	var sources []*partset.Part
	for _, p := range t.VisibleParts(txn) {
		if p.Info.PartitionID == partitionID {
			sources = append(sources, p)
		}
	}
	if len(sources) > settings.MaxPartsToMove {
		// Moving too many parts at once can wedge: the move is slow
		// because of the part count, and merges that would shrink the
		// count are blocked by the move.
		return errors.Wrapf(base.ErrTooManyParts,
			"cannot move %d parts at once, the limit is %d; wait until some parts are merged and retry, move smaller partitions, or increase the max_parts_to_move setting",
			len(sources), settings.MaxPartsToMove)
	}
	if len(sources) == 0 {
		return nil
	}

	hardlinks := !t.opts.AlwaysUseCopyInsteadOfHardlinks && t.fs == dest.fs

	type staged struct {
		tmpPath string
		src     *partset.Part
	}
	clones := make([]staged, 0, len(sources))
	for _, p := range sources {
		tmpPath := dest.fs.PathJoin(dest.dataDir, fmt.Sprintf("tmp_move_from_%s_%d", p.Name(), insertSeq.Add(1)))
		if err := dest.opts.Performer.ClonePart(t.partPath(p.Info), tmpPath, hardlinks); err != nil {
			return err
		}
		clones = append(clones, staged{tmpPath: tmpPath, src: p})
	}

	// Source before destination: a fixed cross-table order keeps the two
	// parts locks deadlock-free.
	t.partsMu.Lock()
	defer t.partsMu.Unlock()
	dest.partsMu.Lock()
	defer dest.partsMu.Unlock()

	for _, c := range clones {
		holder := dest.AllocateBlock(base.BlockOpNewPart)
		p := &partset.Part{
			Info: base.PartInfo{
				PartitionID: partitionID,
				MinBlock:    holder.Number(),
				MaxBlock:    holder.Number(),
				Level:       c.src.Info.Level,
			},
			State:      base.PartPreCommitted,
			Size:       c.src.Size,
			Rows:       c.src.Rows,
			TTL:        c.src.TTL,
			DiskName:   dest.opts.StoragePolicy.AnyDiskName(),
			CreateTime: time.Now(),
		}
		if dest.opts.AssignPartUUIDs {
			p.UUID = uuid.New()
		}
		if txn != nil {
			p.Version.CreationTID = txn.TID()
		}
		if _, err := dest.renameTempPartAndReplaceLocked(p, c.tmpPath, txn); err != nil {
			holder.Release()
			return err
		}
		holder.Release()
	}
	t.outdatePartsLocked(sources, true, txn)

	t.opts.EventListener.PartitionOp(PartitionOpInfo{Op: "move", PartitionID: partitionID, Parts: len(clones)})
	return nil
}

// AttachPart installs a part from detached/ under a fresh block number with
// its level reset.
func (t *Table) AttachPart(partName string, txn Txn) (base.PartInfo, error) {
	if err := t.assertNotReadonly(); err != nil {
		return base.PartInfo{}, err
	}
	info, ok := base.ParsePartDirName(partName)
	if !ok {
		return base.PartInfo{}, errors.Wrapf(base.ErrBadArguments, "malformed part name %q", partName)
	}

	t.opsMu.Lock()
	defer t.opsMu.Unlock()

	detachedPath := t.fs.PathJoin(t.dataDir, DetachedDirName, partName)
	if _, err := t.fs.Stat(detachedPath); err != nil {
		return base.PartInfo{}, errors.Wrapf(base.ErrNoSuchDataPart, "no detached part %q", partName)
	}

	tmpPath := t.fs.PathJoin(t.dataDir, fmt.Sprintf("tmp_attach_%s_%d", partName, insertSeq.Add(1)))
	if err := t.opts.Performer.ClonePart(detachedPath, tmpPath, !t.opts.AlwaysUseCopyInsteadOfHardlinks); err != nil {
		return base.PartInfo{}, err
	}
	size, rows, err := ReadPartMeta(t.fs, tmpPath)
	if err != nil {
		return base.PartInfo{}, err
	}

	t.partsMu.Lock()
	defer t.partsMu.Unlock()

	holder := t.AllocateBlock(base.BlockOpNewPart)
	defer holder.Release()

	// Attached parts restart their lifecycle: fresh block number, level
	// and mutation reset.
	var level uint32
	if info.Level > 0 {
		level = 1
	}
	p := &partset.Part{
		Info: base.PartInfo{
			PartitionID: info.PartitionID,
			MinBlock:    holder.Number(),
			MaxBlock:    holder.Number(),
			Level:       level,
		},
		State:      base.PartPreCommitted,
		Size:       size,
		Rows:       rows,
		DiskName:   t.opts.StoragePolicy.AnyDiskName(),
		CreateTime: time.Now(),
	}
	if t.opts.AssignPartUUIDs {
		p.UUID = uuid.New()
	}
	if txn != nil {
		p.Version.CreationTID = txn.TID()
	}
	if _, err := t.renameTempPartAndReplaceLocked(p, tmpPath, txn); err != nil {
		return base.PartInfo{}, err
	}

	if err := t.fs.RemoveAll(detachedPath); err != nil {
		return base.PartInfo{}, err
	}
	t.opts.EventListener.PartitionOp(PartitionOpInfo{Op: "attach", PartitionID: p.Info.PartitionID, Parts: 1})
	t.opts.Logger.Infof("finished attaching part %s as %s", partName, p.Info)
	return p.Info, nil
}
