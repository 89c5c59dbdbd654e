// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"time"

	"github.com/google/uuid"
	"github.com/timberdb/timber/internal/base"
	"github.com/timberdb/timber/internal/partset"
)

// maxPartsToMergeAtOnce bounds the width of a hint-less merge.
const maxPartsToMergeAtOnce = 100

// backgroundMemoryPollInterval is how often hinted selection re-checks the
// background memory watermark while waiting for it to drop.
const backgroundMemoryPollInterval = time.Second

// mergeCandidates returns, per partition, the runs of parts eligible as
// merge sources: Active, not busy, not patch parts, visible to txn, not cut
// by a merges blocker, with no committing block number in the gaps between
// them. Requires bgMu; takes partsMu internally.
func (t *Table) mergeCandidates(partitionID string, txn Txn) [][]*partset.Part {
	committing := t.CommittingBlocks()
	// A committing block between two parts means an insert is still
	// forming there; merging across it would produce a part covering a
	// range that does not yet contain the new part.
	gapBlocked := func(left, right *partset.Part) bool {
		for _, b := range committing {
			if b.Op == base.BlockOpMutation {
				continue
			}
			if b.Number > left.Info.MaxBlock && b.Number < right.Info.MinBlock {
				return true
			}
		}
		return false
	}

	t.partsMu.Lock()
	parts := t.visiblePartsLocked(txn)
	t.partsMu.Unlock()

	var runs [][]*partset.Part
	var run []*partset.Part
	flush := func() {
		if len(run) > 0 {
			runs = append(runs, run)
			run = nil
		}
	}
	for _, p := range parts {
		if p.Info.IsPatch() {
			continue
		}
		if partitionID != "" && p.Info.PartitionID != partitionID {
			flush()
			continue
		}
		if t.mergesBlocker.isCancelledForPartition(p.Info.PartitionID) {
			flush()
			continue
		}
		if _, busy := t.busy[p.Info]; busy {
			flush()
			continue
		}
		if len(run) > 0 {
			prev := run[len(run)-1]
			// Parts merge only when the same set of mutations applies to
			// both, otherwise the result would hide a pending mutation on
			// the older source.
			if prev.Info.PartitionID != p.Info.PartitionID || gapBlocked(prev, p) ||
				t.getCurrentMutationVersionLocked(prev.Info.DataVersion()) !=
					t.getCurrentMutationVersionLocked(p.Info.DataVersion()) {
				flush()
			}
		}
		run = append(run, p)
	}
	flush()
	return runs
}

// pickMergeWindow chooses the source window that minimizes write
// amplification: among contiguous windows whose summed size fits
// maxSourceSize, the one with the lowest size per merged-away part wins.
// Older (lower block number) windows win ties.
func pickMergeWindow(runs [][]*partset.Part, maxSourceSize uint64, aggressive bool) []*partset.Part {
	var best []*partset.Part
	var bestScore float64
	for _, run := range runs {
		for i := 0; i < len(run)-1; i++ {
			var size uint64
			for j := i; j < len(run) && j < i+maxPartsToMergeAtOnce; j++ {
				size += run[j].Size
				if size > maxSourceSize {
					break
				}
				count := j - i + 1
				if count < 2 {
					continue
				}
				// Size written per source part retired. The -0.9 keeps
				// wide windows of small parts strictly preferable to
				// repeated pairwise merges.
				score := float64(size) / (float64(count) - 0.9)
				if !aggressive && count == 2 && run[j].Info.Level != run[i].Info.Level {
					// Lopsided two-part merges rewrite big parts for
					// little benefit; leave them for wider windows.
					continue
				}
				window := run[i : j+1]
				if best == nil || score < bestScore {
					best = window
					bestScore = score
				}
			}
		}
	}
	return best
}

// ttlMergeWindow returns the first run of TTL-expired parts, if any.
func ttlMergeWindow(runs [][]*partset.Part, now time.Time) []*partset.Part {
	for _, run := range runs {
		var window []*partset.Part
		for _, p := range run {
			if p.TTL.Expired(now) {
				window = append(window, p)
			} else if len(window) > 0 {
				return window
			}
		}
		if len(window) > 0 {
			return window
		}
	}
	return nil
}

// buildMergeFuturePart assembles the future part for a source window.
// Requires partsMu for the level computation.
func (t *Table) buildMergeFuturePart(sources []*partset.Part, ttlMerge, final bool) (*futurePart, error) {
	first, last := sources[0], sources[len(sources)-1]

	t.partsMu.Lock()
	level, err := t.parts.MaxLevelInBetween(first.Info, last.Info)
	t.partsMu.Unlock()
	if err != nil {
		return nil, err
	}

	var size uint64
	var maxMutation int64
	for _, p := range sources {
		size += p.Size
		if p.Info.Mutation > maxMutation {
			maxMutation = p.Info.Mutation
		}
	}

	future := &futurePart{
		info: base.PartInfo{
			PartitionID: first.Info.PartitionID,
			MinBlock:    first.Info.MinBlock,
			MaxBlock:    last.Info.MaxBlock,
			Level:       level + 1,
			Mutation:    maxMutation,
		},
		sources:       sources,
		isTTLMerge:    ttlMerge,
		final:         final,
		estimatedSize: size,
	}
	if t.opts.AssignPartUUIDs {
		future.uuid = uuid.New()
	}
	return future, nil
}

func (t *Table) isBackgroundMemoryUsageOK() *selectFailure {
	if canEnqueueBackgroundTask(t.opts.BackgroundMemory) {
		return nil
	}
	return cannotSelect("current background tasks memory usage (%d) is more than the limit (%d)",
		t.opts.BackgroundMemory.Get(), t.opts.BackgroundMemory.SoftLimit())
}

// selectPartsToMergeLocked picks the next merge. Requires bgMu; the caller
// still holds it when constructing the tagger, so the chosen sources cannot
// be stolen in between.
//
// Hint-less mode (partitionID == "") fails fast under memory pressure and
// uses the write-amplification heuristic. Hinted mode selects every eligible
// part of the partition, polls the memory watermark, and in final mode waits
// for busy source parts to drain.
func (t *Table) selectPartsToMergeLocked(
	partitionID string, aggressive, final, skipMergedPartitions bool, txn Txn,
) (*selectedEntry, *selectFailure) {
	var future *futurePart
	var fail *selectFailure
	if partitionID == "" {
		future, fail = t.selectWithoutHintLocked(aggressive, txn)
	} else {
		future, fail = t.selectInPartitionLocked(partitionID, final, skipMergedPartitions, txn)
	}
	if fail != nil {
		return nil, fail
	}
	return t.makeMergeSelectedEntryLocked(future, txn)
}

func (t *Table) selectWithoutHintLocked(aggressive bool, txn Txn) (*futurePart, *selectFailure) {
	if fail := t.isBackgroundMemoryUsageOK(); fail != nil {
		return nil, fail
	}
	maxSourceSize := t.opts.MaxSourcePartsSizeForMerge
	if maxSourceSize == 0 {
		return nil, cannotSelect("current value of max_source_parts_size is zero")
	}

	runs := t.mergeCandidates("", txn)

	// TTL merges are much more constrained than regular merges, so a
	// regular merge being impossible implies a TTL merge is too.
	ttlAllowed := !t.ttlMergesBlocker.isCancelled() &&
		t.ttlMergesBooked.Load() < int64(t.opts.MaxMergesWithTTLInPool)
	if ttlAllowed {
		if window := ttlMergeWindow(runs, time.Now()); window != nil {
			future, err := t.buildMergeFuturePart(window, true, false)
			if err != nil {
				return nil, cannotSelect("%s", err)
			}
			return future, nil
		}
	}

	window := pickMergeWindow(runs, maxSourceSize, aggressive)
	if window == nil {
		return nil, nothingToMerge("no parts to merge with the current heuristic")
	}
	future, err := t.buildMergeFuturePart(window, false, false)
	if err != nil {
		return nil, cannotSelect("%s", err)
	}
	return future, nil
}

func (t *Table) selectInPartitionLocked(
	partitionID string, final, skipMergedPartitions bool, txn Txn,
) (*futurePart, *selectFailure) {
	timeout := t.opts.LockAcquireTimeoutForBackgroundOperations
	deadline := time.Now().Add(timeout)

	for {
		if fail := t.isBackgroundMemoryUsageOK(); fail != nil {
			// Hinted selection serves a user query, so it is worth
			// polling for the pressure to subside instead of failing.
			ok := false
			for time.Now().Before(deadline) {
				t.bgMu.Unlock()
				time.Sleep(backgroundMemoryPollInterval)
				t.bgMu.Lock()
				if t.isBackgroundMemoryUsageOK() == nil {
					ok = true
					break
				}
			}
			if !ok {
				return nil, fail
			}
		}

		future, fail := t.selectAllPartsInPartitionLocked(partitionID, final, skipMergedPartitions, txn)
		if fail != nil {
			// In final mode busy parts will come back; wait for the
			// running merges instead of giving up.
			if final && fail.reason == ReasonCannotSelect && len(t.busy) > 0 {
				t.opts.Logger.Infof("waiting for currently running merges (%d parts are merging right now) to perform OPTIMIZE FINAL",
					len(t.busy))
				if !waitCond(t.bgCond, &t.bgMu, time.Until(deadline), func() bool {
					return t.shutdownCalled.Load() || len(t.busy) == 0
				}) {
					return nil, cannotSelect(
						"timeout (%s) while waiting for already running merges before running OPTIMIZE with FINAL", timeout)
				}
				if t.shutdownCalled.Load() {
					return nil, cannotSelect("shutdown")
				}
				continue
			}
			return nil, fail
		}
		return future, nil
	}
}

// selectAllPartsInPartitionLocked selects every eligible part of the
// partition as a single merge. Requires bgMu.
func (t *Table) selectAllPartsInPartitionLocked(
	partitionID string, final, skipMergedPartitions bool, txn Txn,
) (*futurePart, *selectFailure) {
	t.partsMu.Lock()
	all := t.parts.InPartition(partitionID, base.PartActive)
	t.partsMu.Unlock()
	if len(all) == 0 {
		return nil, nothingToMerge("there are no parts in partition %s", partitionID)
	}

	if skipMergedPartitions && len(all) == 1 && all[0].Info.Level > 0 {
		// A single merged part with no mutation pending on it: there is
		// nothing a FINAL merge would change.
		if t.mutations.upperBound(all[0].Info.DataVersion()) == t.mutations.len() {
			return nil, nothingToMerge("partition %s is already merged into a single part", partitionID)
		}
	}
	if len(all) == 1 && !final {
		return nil, nothingToMerge("partition %s has a single part", partitionID)
	}

	runs := t.mergeCandidates(partitionID, txn)
	if len(runs) != 1 || len(runs[0]) != len(all) {
		// Some parts are busy or split by committing inserts; a full
		// partition merge is not possible right now.
		return nil, cannotSelect("cannot select all parts of partition %s: some parts are busy or still forming", partitionID)
	}
	future, err := t.buildMergeFuturePart(runs[0], false, final)
	if err != nil {
		return nil, cannotSelect("%s", err)
	}
	return future, nil
}

// makeMergeSelectedEntryLocked books TTL capacity, reserves space and tags
// the sources. Requires bgMu.
func (t *Table) makeMergeSelectedEntryLocked(future *futurePart, txn Txn) (*selectedEntry, *selectFailure) {
	// The booking is taken at selection time so that the pool-wide TTL
	// limit also covers tasks that were selected but not yet started. Any
	// path that abandons the entry must release it.
	booked := false
	if future.isTTLMerge {
		t.ttlMergesBooked.Add(1)
		booked = true
	}

	tagger, err := t.newPartsTaggerLocked(future, future.estimatedSize)
	if err != nil {
		if booked {
			t.ttlMergesBooked.Add(-1)
		}
		return nil, cannotSelect("%s", err)
	}
	return &selectedEntry{future: future, tagger: tagger, txn: txn, ttlBooked: booked}, nil
}
