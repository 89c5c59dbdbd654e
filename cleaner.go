// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"time"

	"github.com/cockroachdb/tokenbucket"
	"github.com/timberdb/timber/internal/base"
	"github.com/timberdb/timber/internal/partset"
	"golang.org/x/sync/errgroup"
)

// cleanupRemovalConcurrency bounds the parallel part-directory removals of
// one cleanup round.
const cleanupRemovalConcurrency = 8

// grabOldParts claims Outdated parts whose removal time has passed (all of
// them with force) by moving them to Deleting, and returns them.
func (t *Table) grabOldParts(force bool) []*partset.Part {
	now := time.Now()
	t.partsMu.Lock()
	defer t.partsMu.Unlock()
	var grabbed []*partset.Part
	for _, p := range t.parts.InStates(base.PartOutdated) {
		if !force && p.RemoveTime().After(now) {
			continue
		}
		p.State = base.PartDeleting
		grabbed = append(grabbed, p)
	}
	return grabbed
}

// rollbackGrabbedParts returns claimed parts to Outdated after a failed
// removal round.
func (t *Table) rollbackGrabbedParts(parts []*partset.Part) {
	t.partsMu.Lock()
	defer t.partsMu.Unlock()
	for _, p := range parts {
		if p.State == base.PartDeleting {
			p.State = base.PartOutdated
		}
	}
}

// clearOldPartsFromFilesystem removes the directories of expired Outdated
// parts, paced by TargetByteDeletionRate and parallelized across
// directories. Parts whose removal fails are rolled back to Outdated for a
// later retry.
func (t *Table) clearOldPartsFromFilesystem(force bool) (int, error) {
	parts := t.grabOldParts(force)
	if len(parts) == 0 {
		return 0, nil
	}

	// The pause hook sits after grabOldParts on purpose: tests enable it
	// and then run an operation that outdates parts, holding exactly those
	// parts in limbo. A hook before the grab could let a round that
	// already passed it remove them regardless.
	if knobs := t.opts.TestingKnobs; knobs != nil && knobs.PauseAfterGrabOldParts != nil {
		knobs.PauseAfterGrabOldParts()
	}

	var limiter *tokenbucket.TokenBucket
	if r := t.opts.TargetByteDeletionRate; r > 0 {
		limiter = &tokenbucket.TokenBucket{}
		limiter.Init(tokenbucket.TokensPerSecond(r), tokenbucket.Tokens(r))
	}

	var g errgroup.Group
	g.SetLimit(cleanupRemovalConcurrency)
	for _, p := range parts {
		g.Go(func() error {
			if limiter != nil {
				for {
					ok, wait := limiter.TryToFulfill(tokenbucket.Tokens(p.Size))
					if ok {
						break
					}
					time.Sleep(wait)
				}
			}
			path := t.partPath(p.Info)
			if err := t.fs.RemoveAll(path); err != nil {
				t.opts.EventListener.PartDeleted(PartDeleteInfo{Info: p.Info, Path: path, Err: err})
				return err
			}
			t.opts.EventListener.PartDeleted(PartDeleteInfo{Info: p.Info, Path: path})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.rollbackGrabbedParts(parts)
		return 0, err
	}

	t.partsMu.Lock()
	for _, p := range parts {
		t.parts.Remove(p.Info)
	}
	t.partsMu.Unlock()
	t.metrics.partsDeleted.Add(int64(len(parts)))
	return len(parts), nil
}

// clearOldTemporaryDirectories removes staging directories older than
// lifetime. A zero lifetime removes all of them, as done on startup.
func (t *Table) clearOldTemporaryDirectories(lifetime time.Duration) (int, error) {
	names, err := t.fs.List(t.dataDir)
	if err != nil {
		return 0, err
	}
	deadline := time.Now().Add(-lifetime)
	cleared := 0
	for _, name := range names {
		if !hasTmpPrefix(name) {
			continue
		}
		path := t.fs.PathJoin(t.dataDir, name)
		if lifetime > 0 {
			fi, err := t.fs.Stat(path)
			if err != nil {
				continue
			}
			if fi.ModTime().After(deadline) {
				continue
			}
		}
		if err := t.fs.RemoveAll(path); err != nil {
			return cleared, err
		}
		t.opts.Logger.Infof("removed temporary directory %s", name)
		cleared++
	}
	return cleared, nil
}

// clearEmptyParts outdates Active parts that hold no rows and are not
// consumed by a running merge. Covering empty parts installed by partition
// drops disappear here once they have done their job.
func (t *Table) clearEmptyParts() (int, error) {
	t.bgMu.Lock()
	defer t.bgMu.Unlock()
	t.partsMu.Lock()
	defer t.partsMu.Unlock()

	cleared := 0
	for _, p := range t.parts.Active() {
		if !p.IsEmpty() {
			continue
		}
		if _, busy := t.busy[p.Info]; busy {
			continue
		}
		// An empty part still pending a mutation must stay: dropping it
		// would make the mutation appear complete without having run.
		if !p.Info.IsPatch() && t.mutations.upperBound(p.Info.DataVersion()) < t.mutations.len() {
			continue
		}
		t.outdatePartsLocked([]*partset.Part{p}, true, nil)
		if t.opts.DeduplicationLog != nil {
			t.opts.DeduplicationLog.DropPart(p.Info)
		}
		cleared++
	}
	return cleared, nil
}

// clearUnusedPatchParts outdates patch parts whose updates are reflected in
// every Active part of the target partition.
func (t *Table) clearUnusedPatchParts() (int, error) {
	t.bgMu.Lock()
	defer t.bgMu.Unlock()
	t.partsMu.Lock()
	defer t.partsMu.Unlock()

	cleared := 0
	for _, patch := range t.parts.Active() {
		if !patch.Info.IsPatch() {
			continue
		}
		if _, busy := t.busy[patch.Info]; busy {
			continue
		}
		target := patch.Info.PartitionID[len(base.PatchPartitionPrefix):]
		unused := true
		for _, p := range t.parts.InPartition(target, base.PartActive) {
			if p.Info.DataVersion() < patch.Info.MaxBlock {
				unused = false
				break
			}
		}
		if unused {
			t.outdatePartsLocked([]*partset.Part{patch}, true, nil)
			cleared++
		}
	}
	return cleared, nil
}

// unloadCachesOfOutdatedParts invokes the cache-unload hook for parts that
// left the active set and will not be read again.
func (t *Table) unloadCachesOfOutdatedParts() {
	if t.opts.UnloadOutdatedPartCaches == nil {
		return
	}
	t.partsMu.Lock()
	outdated := t.parts.InStates(base.PartOutdated)
	infos := make([]base.PartInfo, len(outdated))
	for i, p := range outdated {
		infos[i] = p.Info
	}
	t.partsMu.Unlock()
	if len(infos) > 0 {
		t.opts.UnloadOutdatedPartCaches(infos)
	}
}
