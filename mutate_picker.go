// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/timberdb/timber/internal/mutation"
	"github.com/timberdb/timber/internal/partset"
)

// selectPartsToMutateLocked picks the next part to mutate and the squashed
// command batch to apply to it. Requires bgMu.
//
// Parts are visited in part-info order. For each not-busy part the smallest
// pending mutation above its data version starts a batch; consecutive
// entries from the same origin transaction squash into it until the expanded
// size limit or a barrier command. A barrier entry either flushes a
// non-empty batch or runs alone.
func (t *Table) selectPartsToMutateLocked() (*selectedEntry, *selectFailure) {
	if t.mutations.len() == 0 {
		return nil, nothingToMerge("no pending mutations")
	}

	maxSourceSize := t.opts.MaxSourcePartSizeForMutation
	if maxSourceSize == 0 {
		return nil, cannotSelect("current value of max_source_part_size_for_mutation is zero")
	}
	maxASTElements := t.opts.MaxExpandedASTElements

	t.partsMu.Lock()
	parts := t.parts.Active()
	t.partsMu.Unlock()

	for _, part := range parts {
		if part.Info.IsPatch() {
			continue
		}
		if _, busy := t.busy[part.Info]; busy {
			continue
		}

		begin := t.mutations.upperBound(part.Info.DataVersion())
		if begin == t.mutations.len() {
			continue
		}

		if part.Size > maxSourceSize {
			t.opts.Logger.Infof(
				"current max source part size for mutation is %d but part size is %d; will not mutate part %s yet",
				maxSourceSize, part.Size, part.Name())
			continue
		}

		if !t.backoffPolicy.PartCanBeMutated(part.Name()) {
			t.opts.Logger.Infof(
				"according to the exponential backoff policy, do not perform mutations for part %s yet", part.Name())
			continue
		}

		firstEntry, _ := t.mutations.get(t.mutations.versions[begin])
		firstTID := firstEntry.TID
		var txn Txn
		// An entry with a recorded CSN is already committed and behaves
		// like a prehistoric one for selection purposes.
		if !firstTID.IsPrehistoric() && firstEntry.CSN == 0 && t.opts.TransactionLog != nil {
			// Mutate visible parts only: mutating a part the transaction
			// cannot see would fail with a serialization error anyway.
			if txn = t.tryGetTransactionForMutation(firstEntry); txn == nil {
				panic(errors.AssertionFailedf(
					"cannot find transaction %s that started mutation %d to be applied to part %s",
					firstTID, firstEntry.Version, part.Name()))
			}
			if !part.Version.Visible(txn.SnapshotCSN(), firstTID) {
				continue
			}
		}

		var commands mutation.Commands
		currentASTElements := 0
		lastVersion := int64(0)
		t.mutations.ascend(begin, func(e *mutation.Entry) bool {
			// Entries from different transactions never squash, so they
			// can commit and roll back independently.
			if e.TID != firstTID {
				return false
			}

			commandsSize := e.Commands.Size()
			if commandsSize >= maxASTElements && len(commands) == 0 && !e.Commands.ContainsBarrier() {
				// A single entry that alone exceeds the size limit can
				// never be applied. Do not skip it silently: record the
				// failure so status reports it, and retry on the next
				// tick in case the limit was transient.
				e.LatestFailedPart = part.Name()
				e.LatestFailedPartInfo = part.Info
				e.LatestFailTime = time.Now()
				e.LatestFailReason = "single mutation exceeds max_expanded_ast_elements"
				e.LatestFailErrCode = "BAD_ARGUMENTS"
				return false
			}
			if currentASTElements+commandsSize >= maxASTElements && len(commands) > 0 {
				return false
			}

			if e.Commands.ContainsBarrier() {
				if len(commands) == 0 {
					commands = append(commands, e.Commands...)
					lastVersion = e.Version
				}
				return false
			}

			currentASTElements += commandsSize
			commands = append(commands, e.Commands...)
			lastVersion = e.Version
			return true
		})

		if len(commands) == 0 {
			continue
		}

		future := &futurePart{
			info:          part.Info,
			sources:       []*partset.Part{part},
			isMutation:    true,
			estimatedSize: part.Size,
		}
		future.info.Mutation = lastVersion
		if t.opts.AssignPartUUIDs {
			future.uuid = uuid.New()
		}

		tagger, err := t.newPartsTaggerLocked(future, part.Size)
		if err != nil {
			return nil, cannotSelect("%s", err)
		}
		return &selectedEntry{future: future, tagger: tagger, commands: commands, txn: txn}, nil
	}

	return nil, nothingToMerge("no parts require the pending mutations")
}
