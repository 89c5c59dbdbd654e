// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/timberdb/timber/internal/base"
	"github.com/timberdb/timber/internal/partset"
)

// OptimizeOptions parameterize an OPTIMIZE request.
type OptimizeOptions struct {
	// PartitionID restricts the merge to one partition. Empty means the
	// whole table (with Final, every partition in turn).
	PartitionID string
	// Final merges every part of the affected partitions into one part,
	// waiting for in-flight merges to drain.
	Final bool
}

// Optimize merges parts on request. "Nothing to merge" is a success unless
// settings.OptimizeThrowIfNoop is set.
func (t *Table) Optimize(opts OptimizeOptions, settings *Settings, txn Txn) error {
	if err := t.assertNotReadonly(); err != nil {
		return err
	}
	if settings == nil {
		settings = &Settings{}
	}
	settings.EnsureDefaults()

	partitions := []string{opts.PartitionID}
	if opts.PartitionID == "" && opts.Final {
		seen := map[string]bool{}
		partitions = partitions[:0]
		for _, p := range t.VisibleParts(txn) {
			id := p.Info.PartitionID
			if !p.Info.IsPatch() && !seen[id] {
				seen[id] = true
				partitions = append(partitions, id)
			}
		}
	}

	for _, partitionID := range partitions {
		ok, reason, err := t.merge(true, partitionID, opts.Final,
			settings.OptimizeSkipMergedPartitions, txn)
		if err != nil {
			return err
		}
		if !ok {
			t.opts.Logger.Infof("cannot OPTIMIZE table: %s", reason)
			if settings.OptimizeThrowIfNoop {
				return errors.Wrapf(base.ErrCannotAssignOptimize, "%s", reason)
			}
			return nil
		}
	}
	return nil
}

// merge selects and synchronously executes one merge. It reports whether a
// merge ran (or there was provably nothing to do, which counts as success
// for OPTIMIZE), with the disable reason otherwise.
func (t *Table) merge(
	aggressive bool, partitionID string, final, skipMergedPartitions bool, txn Txn,
) (bool, string, error) {
	var entry *selectedEntry
	var fail *selectFailure
	err := func() error {
		t.bgMu.Lock()
		defer t.bgMu.Unlock()
		if t.mergesBlocker.isCancelledForPartition(partitionID) {
			return errors.Wrap(base.ErrAborted, "cancelled merging parts")
		}
		entry, fail = t.selectPartsToMergeLocked(partitionID, aggressive, final, skipMergedPartitions, txn)
		return nil
	}()
	if err != nil {
		return false, "", err
	}
	if entry != nil {
		if err := t.runMergeTask(entry); err != nil {
			return false, "", err
		}
		return true, "", nil
	}
	// If there is nothing to merge, the merge counts as successful; needed
	// for the OPTIMIZE FINAL idempotence.
	if fail.reason == ReasonNothingToMerge {
		return true, "", nil
	}
	return false, fail.explanation, nil
}

// runMergeTask executes a selected merge on the calling goroutine: the part
// I/O without any table lock, then the registry swap. The entry is consumed.
func (t *Table) runMergeTask(entry *selectedEntry) error {
	defer entry.close()
	future := entry.future

	cancelled := func() bool {
		return t.shutdownCalled.Load() ||
			t.mergesBlocker.isCancelledForPartition(future.info.PartitionID)
	}
	if cancelled() {
		return errors.Wrap(base.ErrAborted, "cancelled merging parts")
	}

	t.opts.EventListener.MergeBegin(MergeInfo{
		Sources: future.sourceInfos(), Result: future.info, TTL: future.isTTLMerge,
	})
	start := time.Now()

	tmpPath := t.fs.PathJoin(t.dataDir, "tmp_merge_"+future.name())
	size, rows, err := t.opts.Performer.MergeParts(tmpPath, future.info, future.sources, cancelled)
	if err == nil && cancelled() {
		// A blocker installed mid-merge (partition DROP, shutdown) must
		// win: committing now could revive data the blocker's owner is
		// about to remove.
		err = errors.Wrap(base.ErrAborted, "cancelled merging parts")
	}
	if err == nil {
		err = t.commitFuturePart(entry, tmpPath, size, rows)
	}

	if err != nil {
		_ = t.fs.RemoveAll(tmpPath)
		t.opts.EventListener.MergeEnd(MergeInfo{
			Sources: future.sourceInfos(), Result: future.info,
			Duration: time.Since(start), TTL: future.isTTLMerge, Err: err,
		})
		t.opts.EventListener.BackgroundError(err)
		return err
	}

	t.metrics.mergesCompleted.Add(1)
	if future.isTTLMerge {
		t.metrics.ttlMergesCompleted.Add(1)
	}
	t.opts.EventListener.MergeEnd(MergeInfo{
		Sources: future.sourceInfos(), Result: future.info,
		Duration: time.Since(start), TTL: future.isTTLMerge,
	})
	t.notifyMutationWaiters()
	return nil
}

// runMutateTask executes a selected mutation, recording the outcome on the
// mutation entries it applied. The entry is consumed.
func (t *Table) runMutateTask(entry *selectedEntry) error {
	future := entry.future
	source := future.sources[0]

	t.opts.EventListener.MutationBegin(MutationInfo{
		Source: source.Info, Result: future.info, Version: future.info.Mutation,
	})
	start := time.Now()

	err := func() error {
		defer entry.close()
		cancelled := func() bool {
			return t.shutdownCalled.Load() ||
				t.mergesBlocker.isCancelledForPartition(future.info.PartitionID) ||
				t.mutationKilled(future.info.Mutation)
		}
		if cancelled() {
			return errors.Wrap(base.ErrAborted, "cancelled mutating parts")
		}

		tmpPath := t.fs.PathJoin(t.dataDir, "tmp_mut_"+future.name())
		size, rows, err := t.opts.Performer.MutatePart(tmpPath, future.info, source, entry.commands, cancelled)
		if err == nil && cancelled() {
			err = errors.Wrap(base.ErrAborted, "cancelled mutating parts")
		}
		if err == nil {
			err = t.commitFuturePart(entry, tmpPath, size, rows)
		}
		if err != nil {
			_ = t.fs.RemoveAll(tmpPath)
			return err
		}
		return nil
	}()

	t.updateMutationEntriesErrors(future, err == nil, err)
	if err != nil {
		t.opts.EventListener.MutationEnd(MutationInfo{
			Source: source.Info, Result: future.info, Version: future.info.Mutation,
			Duration: time.Since(start), Err: err,
		})
		t.opts.EventListener.BackgroundError(err)
		return err
	}
	t.metrics.mutationsCompleted.Add(1)
	t.opts.EventListener.MutationEnd(MutationInfo{
		Source: source.Info, Result: future.info, Version: future.info.Mutation,
		Duration: time.Since(start),
	})
	return nil
}

// mutationKilled reports whether the mutation entry for the given version
// has disappeared (killed) while a task for it was running.
func (t *Table) mutationKilled(version int64) bool {
	if version == 0 {
		return false
	}
	t.bgMu.Lock()
	defer t.bgMu.Unlock()
	_, ok := t.mutations.get(version)
	return !ok
}

// commitFuturePart installs the finished result of a merge or mutation: the
// staged directory is renamed into place and swapped for the sources under
// the parts lock. The sources must still be tagged busy by the caller's
// entry, which guarantees nothing else consumed them.
func (t *Table) commitFuturePart(entry *selectedEntry, tmpPath string, size, rows uint64) error {
	future := entry.future
	p := &partset.Part{
		Info:       future.info,
		State:      base.PartPreCommitted,
		Size:       size,
		Rows:       rows,
		TTL:        future.ttl,
		UUID:       future.uuid,
		DiskName:   entry.tagger.reservation.DiskName(),
		CreateTime: time.Now(),
	}
	if entry.txn != nil {
		p.Version.CreationTID = entry.txn.TID()
		if csn := t.opts.TransactionLog.GetCSN(entry.txn.TID()); csn != 0 {
			p.Version.SetCreationCSN(csn)
		}
	}

	t.partsMu.Lock()
	defer t.partsMu.Unlock()
	covered, err := t.renameTempPartAndReplaceLocked(p, tmpPath, entry.txn)
	if err != nil {
		return err
	}
	// A merge must supersede exactly its sources; anything else means the
	// registry and the busy markers disagree. Under a transaction the
	// result may additionally cover parts invisible to it.
	if entry.txn == nil && len(covered) != len(future.sources) {
		panic(errors.AssertionFailedf(
			"merge of %d parts covered %d parts at commit", len(future.sources), len(covered)))
	}
	return nil
}
