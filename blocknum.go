// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/timberdb/timber/internal/base"
)

// CommittingBlockHolder owns an allocated block number until the operation
// that allocated it is installed in the part registry (or rolled back).
// Release must be called exactly once; a second call is a no-op.
type CommittingBlockHolder struct {
	t     *Table
	block base.CommittingBlock
	once  sync.Once
}

// Block returns the held committing block.
func (h *CommittingBlockHolder) Block() base.CommittingBlock { return h.block }

// Number returns the held block number.
func (h *CommittingBlockHolder) Number() int64 { return h.block.Number }

// Release removes the block from the committing set and wakes commit
// waiters.
func (h *CommittingBlockHolder) Release() {
	h.once.Do(func() {
		h.t.removeCommittingBlock(h.block)
	})
}

// AllocateBlock returns the next block number for the given operation kind
// and registers it in the committing set. Block numbers are strictly
// increasing per table.
func (t *Table) AllocateBlock(op base.BlockOp) *CommittingBlockHolder {
	t.committingMu.Lock()
	defer t.committingMu.Unlock()

	block := base.CommittingBlock{Op: op, Number: t.increment.Add(1)}
	i := sort.Search(len(t.committing), func(i int) bool {
		return t.committing[i].Number >= block.Number
	})
	t.committing = append(t.committing, base.CommittingBlock{})
	copy(t.committing[i+1:], t.committing[i:])
	t.committing[i] = block

	return &CommittingBlockHolder{t: t, block: block}
}

func (t *Table) removeCommittingBlock(block base.CommittingBlock) {
	t.committingMu.Lock()
	defer t.committingMu.Unlock()
	i := sort.Search(len(t.committing), func(i int) bool {
		return t.committing[i].Number >= block.Number
	})
	if i >= len(t.committing) || t.committing[i].Number != block.Number {
		panic(errors.AssertionFailedf("releasing unknown committing block %v", block))
	}
	t.committing = append(t.committing[:i], t.committing[i+1:]...)
	t.committingCond.Broadcast()
}

// CommittingBlocks returns a snapshot of the committing set in number order.
func (t *Table) CommittingBlocks() []base.CommittingBlock {
	t.committingMu.Lock()
	defer t.committingMu.Unlock()
	out := make([]base.CommittingBlock, len(t.committing))
	copy(out, t.committing)
	return out
}

// waitForCommittingInsertsAndMutations blocks until every committing block
// with a number below maxBlock and an op other than Update has been
// released. Lightweight updates use it to observe every insert and mutation
// ordered before them.
func (t *Table) waitForCommittingInsertsAndMutations(maxBlock int64, timeout time.Duration) error {
	allCommitted := func() bool {
		if t.shutdownCalled.Load() {
			return true
		}
		for _, block := range t.committing {
			if block.Number >= maxBlock {
				break
			}
			if block.Op != base.BlockOpUpdate {
				return false
			}
		}
		return true
	}

	t.committingMu.Lock()
	defer t.committingMu.Unlock()
	if !waitCond(t.committingCond, &t.committingMu, timeout, allCommitted) {
		return errors.Wrapf(base.ErrTimeoutExceeded,
			"failed to wait %s for inserts and mutations to commit up to block number %d",
			timeout, maxBlock)
	}
	return nil
}

// maxBlockNumber returns the allocator's high-water mark.
func (t *Table) maxBlockNumber() int64 { return t.increment.Load() }
