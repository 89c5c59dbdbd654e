// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/timberdb/timber/internal/base"
	"github.com/timberdb/timber/internal/mutation"
	"github.com/timberdb/timber/internal/partset"
)

// updateSync serializes lightweight updates. In sync mode one exclusive
// lock covers every update; in auto mode a column-scoped lock table lets
// updates over disjoint column sets run concurrently.
type updateSync struct {
	syncMu timedMutex

	mu      sync.Mutex
	cond    *sync.Cond
	columns map[string]bool // column -> currently being updated
}

func (s *updateSync) init() {
	s.cond = sync.NewCond(&s.mu)
	s.columns = map[string]bool{}
}

// lockColumns acquires writer access to the column set, blocking while any
// of the columns is held by another update.
func (s *updateSync) lockColumns(columns []string, timeout time.Duration) error {
	free := func() bool {
		for _, c := range columns {
			if s.columns[c] {
				return false
			}
		}
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !waitCond(s.cond, &s.mu, timeout, free) {
		return errors.Wrapf(base.ErrTimeoutExceeded,
			"failed to lock columns in %s for lightweight update", timeout)
	}
	for _, c := range columns {
		s.columns[c] = true
	}
	return nil
}

func (s *updateSync) unlockColumns(columns []string) {
	s.mu.Lock()
	for _, c := range columns {
		delete(s.columns, c)
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// updateLock is the serialization state one lightweight update holds.
type updateLock struct {
	s        *updateSync
	syncMode bool
	columns  []string
	once     sync.Once
}

func (l *updateLock) release() {
	l.once.Do(func() {
		if l.syncMode {
			l.s.syncMu.Unlock()
			return
		}
		if len(l.columns) > 0 {
			l.s.unlockColumns(l.columns)
		}
	})
}

// lockForLightweightUpdate acquires the serialization required by the
// settings' UpdateParallelMode.
func (t *Table) lockForLightweightUpdate(
	commands mutation.Commands, settings *Settings,
) (*updateLock, error) {
	timeout := settings.LockAcquireTimeout
	switch settings.UpdateParallelMode {
	case UpdateParallelSync:
		if !t.updates.syncMu.LockTimeout(timeout) {
			return nil, errors.Wrapf(base.ErrTimeoutExceeded,
				"failed to get lock in %s for lightweight update in sync mode", timeout)
		}
		t.opts.Logger.Infof("got lock for lightweight update in sync mode")
		return &updateLock{s: &t.updates, syncMode: true}, nil

	case UpdateParallelAuto:
		columns := commands.AffectedColumns()
		if err := t.updates.lockColumns(columns, timeout); err != nil {
			return nil, err
		}
		t.opts.Logger.Infof("got lock for lightweight update in auto mode")
		return &updateLock{s: &t.updates, columns: columns}, nil
	}
	return nil, errors.Wrapf(base.ErrBadArguments, "unknown update parallel mode %d", settings.UpdateParallelMode)
}

// LightweightUpdate is an in-flight patch update: it owns the update lock
// and an Update block number, and has observed every insert and mutation
// ordered before that block. Patches are written through WritePatch and the
// handle must be Closed.
type LightweightUpdate struct {
	t      *Table
	lock   *updateLock
	holder *CommittingBlockHolder

	// MaxBlock maps each regular partition to the block number the update
	// reads at: every part with smaller block numbers is committed.
	MaxBlock map[string]int64

	closed bool
}

// BeginLightweightUpdate serializes a patch update against concurrent
// updates, inserts and mutations: it takes the update lock per
// settings.UpdateParallelMode, allocates an Update block number and waits
// until every insert and mutation with a smaller block number has been
// installed. With an insert abandoned past settings.LockAcquireTimeout the
// update fails with a timeout.
func (t *Table) BeginLightweightUpdate(
	commands mutation.Commands, settings *Settings,
) (*LightweightUpdate, error) {
	if err := t.assertNotReadonly(); err != nil {
		return nil, err
	}
	if settings == nil {
		settings = &Settings{}
	}
	settings.EnsureDefaults()
	if len(commands) == 0 {
		return nil, errors.Wrap(base.ErrBadArguments, "empty update command list")
	}

	lock, err := t.lockForLightweightUpdate(commands, settings)
	if err != nil {
		return nil, err
	}

	holder := t.AllocateBlock(base.BlockOpUpdate)
	blockNumber := holder.Number()

	if err := t.waitForCommittingInsertsAndMutations(blockNumber, settings.LockAcquireTimeout); err != nil {
		holder.Release()
		lock.release()
		return nil, err
	}

	maxBlock := map[string]int64{}
	for _, partitionID := range t.PartitionIDs() {
		if !base.IsPatchPartition(partitionID) {
			maxBlock[partitionID] = blockNumber
		}
	}

	return &LightweightUpdate{t: t, lock: lock, holder: holder, MaxBlock: maxBlock}, nil
}

// BlockNumber returns the update's block number.
func (u *LightweightUpdate) BlockNumber() int64 { return u.holder.Number() }

// WritePatch installs one patch part carrying the update's changes for the
// given partition. The patch lives under the reserved patch partition
// prefix, outside the regular merge domain.
func (u *LightweightUpdate) WritePatch(partitionID string, rows, size uint64) (base.PartInfo, error) {
	if u.closed {
		return base.PartInfo{}, errors.AssertionFailedf("lightweight update already closed")
	}
	t := u.t
	blockNumber := u.holder.Number()

	info := base.PartInfo{
		PartitionID: base.PatchPartitionPrefix + partitionID,
		MinBlock:    blockNumber,
		MaxBlock:    blockNumber,
	}
	tmpPath := t.fs.PathJoin(t.dataDir, "tmp_patch_"+info.DirName())
	if err := t.opts.Performer.WritePart(tmpPath, info, rows, size); err != nil {
		return base.PartInfo{}, err
	}

	p := &partset.Part{
		Info:       info,
		State:      base.PartPreCommitted,
		Size:       size,
		Rows:       rows,
		DiskName:   t.opts.StoragePolicy.AnyDiskName(),
		CreateTime: time.Now(),
	}
	if t.opts.AssignPartUUIDs {
		p.UUID = uuid.New()
	}

	t.partsMu.Lock()
	defer t.partsMu.Unlock()
	if _, err := t.renameTempPartAndReplaceLocked(p, tmpPath, nil); err != nil {
		return base.PartInfo{}, err
	}
	return info, nil
}

// Close releases the update's block number and serialization lock. It must
// be called exactly once, after the patch parts are written.
func (u *LightweightUpdate) Close() {
	if u.closed {
		return
	}
	u.closed = true
	u.holder.Release()
	u.lock.release()
}
