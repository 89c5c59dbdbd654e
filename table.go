// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package timber implements the core of a single-node columnar merge-tree
// storage engine: an append-only, part-based store that accepts inserts as
// immutable data parts and continuously merges them in the background into
// larger parts. It coordinates writers, readers, the background merge/mutate
// worker and partition-level DDL over a shared monotonically numbered
// namespace of parts.
package timber

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/timberdb/timber/internal/backoff"
	"github.com/timberdb/timber/internal/base"
	"github.com/timberdb/timber/internal/mutation"
	"github.com/timberdb/timber/internal/partset"
	"github.com/timberdb/timber/vfs"
)

// The staging directory prefixes removed on startup and by the periodic
// temporary-directory cleanup.
var tmpDirPrefixes = []string{"tmp_", "delete_tmp_", "tmp-fetch_"}

// DetachedDirName is the directory detached parts are moved into. Parts
// under it are never considered for merges.
const DetachedDirName = "detached"

// DeduplicationLogsDirName holds the deduplication index files.
const DeduplicationLogsDirName = "deduplication_logs"

// Table is a single merge-tree table: the part registry, the mutation
// registry, the block-number allocator and the background scheduler.
//
// Lock hierarchy, acquired in this order and never reversed:
//
//  1. alterMu          (ALTER/MUTATE serialization)
//  2. opsMu            (multi-step partition operations)
//  3. bgMu             (busy markers, mutation registry)
//  4. partsMu          (the part index)
//  5. committingMu     (the committing-blocks set)
//  6. mutationWaitMu   (mutation completion waiters)
//
// WaitForMutation is an exception: its wait predicate runs with
// mutationWaitMu held and calls IncompleteMutationsStatus, which acquires
// bgMu.
type Table struct {
	opts    *Options
	fs      vfs.FS
	dataDir string

	alterMu timedMutex
	opsMu   sync.Mutex

	// bgMu is the currently-processing-in-background mutex. bgCond is
	// notified whenever a busy marker is cleared.
	bgMu   sync.Mutex
	bgCond *sync.Cond
	// busy is the set of parts currently consumed by a merge or mutation.
	busy map[base.PartInfo]*partset.Part
	// mutations is the version-ordered mutation registry.
	mutations        mutationMap
	mutationCounters mutation.Counters

	partsMu sync.Mutex
	parts   partset.Set

	// increment is the block-number high-water mark. The committing set
	// holds allocated-but-uninstalled blocks.
	increment      atomic.Int64
	committingMu   sync.Mutex
	committingCond *sync.Cond
	committing     []base.CommittingBlock

	mutationWaitMu   sync.Mutex
	mutationWaitCond *sync.Cond

	mergesBlocker    actionBlocker
	ttlMergesBlocker actionBlocker

	backoffPolicy *backoff.Policy

	// ttlMergesBooked counts TTL merges booked at selection time against
	// Options.MaxMergesWithTTLInPool.
	ttlMergesBooked atomic.Int64

	updates updateSync

	assignee *assignee
	pool     *workerPool

	metrics metricsCounters

	// Cleanup interval clocks.
	lastCleanupParts    atomic.Int64 // crtime.Mono
	lastCleanupTempDirs atomic.Int64 // crtime.Mono

	shutdownCalled atomic.Bool
	closeOnce      sync.Once
}

// Open opens (CREATE) or attaches (Options.Attach) the table rooted at
// dirname. A failed Open never leaves background goroutines behind.
func Open(dirname string, opts *Options) (*Table, error) {
	if opts == nil {
		opts = &Options{}
	}
	opts.EnsureDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	t := &Table{
		opts:          opts,
		fs:            opts.FS,
		dataDir:       dirname,
		busy:          map[base.PartInfo]*partset.Part{},
		backoffPolicy: backoff.NewPolicy(backoff.DefaultBaseInterval),
	}
	t.bgCond = sync.NewCond(&t.bgMu)
	t.committingCond = sync.NewCond(&t.committingMu)
	t.mutationWaitCond = sync.NewCond(&t.mutationWaitMu)
	t.updates.init()

	if err := t.fs.MkdirAll(dirname, 0755); err != nil {
		return nil, err
	}
	if err := t.fs.MkdirAll(t.fs.PathJoin(dirname, DetachedDirName), 0755); err != nil {
		return nil, err
	}
	if opts.DeduplicationLog != nil {
		if err := t.fs.MkdirAll(t.fs.PathJoin(dirname, DeduplicationLogsDirName), 0755); err != nil {
			return nil, err
		}
	}

	if err := t.loadParts(); err != nil {
		return nil, err
	}
	if !opts.Attach && !t.readOnly() {
		t.partsMu.Lock()
		n := t.parts.Len()
		t.partsMu.Unlock()
		if n > 0 {
			return nil, errors.Wrap(base.ErrIncorrectData,
				"data directory already contains data parts; clear it by hand or attach the table instead of creating it")
		}
	}

	if err := t.loadMutations(); err != nil {
		return nil, err
	}
	if opts.DeduplicationLog != nil {
		if err := opts.DeduplicationLog.Load(); err != nil {
			return nil, err
		}
		opts.DeduplicationLog.SetWindowSize(opts.NonReplicatedDeduplicationWindow)
	}

	if err := t.startup(); err != nil {
		return nil, err
	}
	return t, nil
}

// startup clears leftovers of interrupted merges and starts the background
// machinery. If it fails, it runs shutdown before returning so no background
// goroutines are left behind.
func (t *Table) startup() (err error) {
	defer func() {
		if err != nil {
			t.shutdown()
		}
	}()

	if _, err = t.clearEmptyParts(); err != nil {
		return err
	}
	// Temporary directories hold incomplete results of merges interrupted
	// by a restart and cannot be resumed.
	if _, err = t.clearOldTemporaryDirectories(0); err != nil {
		return err
	}
	t.lastCleanupParts.Store(int64(crtime.NowMono()))
	t.lastCleanupTempDirs.Store(int64(crtime.NowMono()))

	if t.readOnly() {
		return nil
	}
	t.pool = newWorkerPool(t.opts.MaxBackgroundTasks)
	if !t.opts.DisableBackgroundWork {
		t.assignee = newAssignee(t)
		t.assignee.start()
	}
	return nil
}

// Close shuts the table down: it unblocks all waiters, cancels merges
// forever, drains the background machinery and closes the deduplication
// log. It is idempotent.
func (t *Table) Close() error {
	t.closeOnce.Do(t.shutdown)
	return nil
}

func (t *Table) shutdown() {
	if t.shutdownCalled.Swap(true) {
		return
	}

	// Unlock all waiting mutations.
	t.mutationWaitMu.Lock()
	t.mutationWaitCond.Broadcast()
	t.mutationWaitMu.Unlock()

	t.mergesBlocker.cancelForever()
	t.ttlMergesBlocker.cancelForever()

	t.committingMu.Lock()
	t.committingCond.Broadcast()
	t.committingMu.Unlock()

	if t.assignee != nil {
		t.assignee.stop()
	}
	if t.pool != nil {
		t.pool.stop()
	}
	if t.opts.DeduplicationLog != nil {
		t.opts.DeduplicationLog.Shutdown()
	}
}

func (t *Table) readOnly() bool { return t.opts.ReadOnly }

func (t *Table) assertNotReadonly() error {
	if t.readOnly() {
		return errors.Wrap(base.ErrTableIsReadOnly, "table is in readonly mode due to static storage")
	}
	return nil
}

func (t *Table) partPath(info base.PartInfo) string {
	return t.fs.PathJoin(t.dataDir, info.DirName())
}

// loadParts scans the data directory for part directories and installs them
// as Active, demoting parts covered by other loaded parts to Outdated.
// Staging directories are removed.
func (t *Table) loadParts() error {
	names, err := t.fs.List(t.dataDir)
	if err != nil {
		return err
	}
	var loaded []*partset.Part
	for _, name := range names {
		if hasTmpPrefix(name) {
			if err := t.fs.RemoveAll(t.fs.PathJoin(t.dataDir, name)); err != nil {
				return err
			}
			continue
		}
		info, ok := base.ParsePartDirName(name)
		if !ok {
			continue
		}
		fi, err := t.fs.Stat(t.fs.PathJoin(t.dataDir, name))
		if err != nil || !fi.IsDir() {
			continue
		}
		size, rows, err := ReadPartMeta(t.fs, t.fs.PathJoin(t.dataDir, name))
		if err != nil {
			return err
		}
		loaded = append(loaded, &partset.Part{
			Info:       info,
			State:      base.PartActive,
			Size:       size,
			Rows:       rows,
			DiskName:   t.opts.StoragePolicy.AnyDiskName(),
			CreateTime: fi.ModTime(),
		})
	}

	// A part shadowed by a covering part was superseded before the restart
	// but not yet removed; load it as Outdated. When two parts cover each
	// other the higher level (and then the later info) wins.
	shadows := func(q, p *partset.Part) bool {
		if !q.Info.Covers(p.Info) {
			return false
		}
		if !p.Info.Covers(q.Info) {
			return true
		}
		if q.Info.Level != p.Info.Level {
			return q.Info.Level > p.Info.Level
		}
		return p.Info.Compare(q.Info) < 0
	}

	t.partsMu.Lock()
	defer t.partsMu.Unlock()
	for _, p := range loaded {
		for _, q := range loaded {
			if p != q && shadows(q, p) {
				p.State = base.PartOutdated
				p.SetRemoveTime(time.Now())
				break
			}
		}
	}
	for _, p := range loaded {
		if err := t.parts.Add(p); err != nil {
			return err
		}
	}
	if m := t.parts.MaxBlockNumber(); m > t.increment.Load() {
		t.increment.Store(m)
	}
	return nil
}

func hasTmpPrefix(name string) bool {
	for _, prefix := range tmpDirPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// ActiveParts returns the Active parts in part-info order.
func (t *Table) ActiveParts() []*partset.Part {
	t.partsMu.Lock()
	defer t.partsMu.Unlock()
	return t.parts.Active()
}

// VisibleParts returns the Active parts visible to the given transaction,
// or all Active parts when txn is nil.
func (t *Table) VisibleParts(txn Txn) []*partset.Part {
	t.partsMu.Lock()
	defer t.partsMu.Unlock()
	return t.visiblePartsLocked(txn)
}

func (t *Table) visiblePartsLocked(txn Txn) []*partset.Part {
	if txn == nil {
		return t.parts.Active()
	}
	return t.parts.VisibleActive(txn.SnapshotCSN(), txn.TID())
}

// PartsInPartition returns the parts of a partition in the given states.
func (t *Table) PartsInPartition(partitionID string, states ...base.PartState) []*partset.Part {
	t.partsMu.Lock()
	defer t.partsMu.Unlock()
	return t.parts.InPartition(partitionID, states...)
}

// GetPart returns the named part if it is in one of the given states.
func (t *Table) GetPart(name string, states ...base.PartState) (*partset.Part, bool) {
	t.partsMu.Lock()
	defer t.partsMu.Unlock()
	return t.getPartLocked(name, states...)
}

func (t *Table) getPartLocked(name string, states ...base.PartState) (*partset.Part, bool) {
	p, ok := t.parts.GetByName(name)
	if !ok {
		return nil, false
	}
	for _, st := range states {
		if p.State == st {
			return p, true
		}
	}
	return nil, false
}

// PartitionIDs returns the distinct partition IDs with Active parts.
func (t *Table) PartitionIDs() []string {
	t.partsMu.Lock()
	defer t.partsMu.Unlock()
	return t.parts.PartitionIDs()
}

// TotalActiveSize returns the summed bytes and rows of Active parts.
func (t *Table) TotalActiveSize() (bytes, rows uint64) {
	t.partsMu.Lock()
	defer t.partsMu.Unlock()
	for _, p := range t.parts.Active() {
		bytes += p.Size
		rows += p.Rows
	}
	return bytes, rows
}

// CheckCanBeDropped returns an error if the table's active size exceeds
// settings.MaxTableSizeToDrop.
func (t *Table) CheckCanBeDropped(settings *Settings) error {
	if t.readOnly() {
		return nil
	}
	if settings == nil || settings.MaxTableSizeToDrop == 0 {
		return nil
	}
	bytes, _ := t.TotalActiveSize()
	if bytes > settings.MaxTableSizeToDrop {
		return errors.Wrapf(base.ErrTooManyParts,
			"table size %d exceeds max_table_size_to_drop %d", bytes, settings.MaxTableSizeToDrop)
	}
	return nil
}

// InsertBatch describes one staged part of an insert: the rows of a single
// partition.
type InsertBatch struct {
	PartitionID string
	Rows        uint64
	Size        uint64
	TTL         partset.TTLInfo
}

// Insert stages one part per batch and installs them atomically in the part
// registry, each under a freshly allocated block number. The returned infos
// identify the created parts.
func (t *Table) Insert(batches []InsertBatch, settings *Settings, txn Txn) ([]base.PartInfo, error) {
	if err := t.assertNotReadonly(); err != nil {
		return nil, err
	}
	if settings == nil {
		settings = &Settings{}
	}
	settings.EnsureDefaults()

	partitions := map[string]bool{}
	for _, b := range batches {
		if b.PartitionID == "" || strings.Contains(b.PartitionID, "_") {
			return nil, errors.Wrapf(base.ErrBadArguments, "invalid partition id %q", b.PartitionID)
		}
		if strings.HasPrefix(b.PartitionID, base.PatchPartitionPrefix) {
			return nil, errors.Wrapf(base.ErrBadArguments,
				"partition id %q uses the reserved patch prefix", b.PartitionID)
		}
		partitions[b.PartitionID] = true
	}
	if settings.MaxPartitionsPerInsertBlock > 0 && len(partitions) > settings.MaxPartitionsPerInsertBlock {
		return nil, errors.Wrapf(base.ErrTooManyParts,
			"too many partitions for a single insert block: %d, the limit is %d",
			len(partitions), settings.MaxPartitionsPerInsertBlock)
	}

	infos := make([]base.PartInfo, 0, len(batches))
	for i, b := range batches {
		info, err := t.insertOne(b, i, txn)
		if err != nil {
			return infos, err
		}
		infos = append(infos, info)
	}
	if t.assignee != nil {
		t.assignee.trigger()
	}
	return infos, nil
}

func (t *Table) insertOne(b InsertBatch, seq int, txn Txn) (base.PartInfo, error) {
	tmpName := tmpInsertDirName(b.PartitionID, seq)
	tmpPath := t.fs.PathJoin(t.dataDir, tmpName)
	if err := t.opts.Performer.WritePart(tmpPath, base.PartInfo{PartitionID: b.PartitionID}, b.Rows, b.Size); err != nil {
		return base.PartInfo{}, err
	}

	p := &partset.Part{
		State:      base.PartPreCommitted,
		Size:       b.Size,
		Rows:       b.Rows,
		TTL:        b.TTL,
		DiskName:   t.opts.StoragePolicy.AnyDiskName(),
		CreateTime: time.Now(),
	}
	if t.opts.AssignPartUUIDs {
		p.UUID = uuid.New()
	}
	if txn != nil {
		p.Version.CreationTID = txn.TID()
	}

	t.partsMu.Lock()
	defer t.partsMu.Unlock()
	// Obtaining the block number and installing the part must be atomic
	// with respect to the parts lock, otherwise a merge could be selected
	// over an interval that does not yet contain the new part.
	holder := t.AllocateBlock(base.BlockOpNewPart)
	defer holder.Release()
	p.Info = base.PartInfo{
		PartitionID: b.PartitionID,
		MinBlock:    holder.Number(),
		MaxBlock:    holder.Number(),
	}
	if _, err := t.renameTempPartAndReplaceLocked(p, tmpPath, txn); err != nil {
		return base.PartInfo{}, err
	}
	return p.Info, nil
}

var insertSeq atomic.Int64

func tmpInsertDirName(partitionID string, seq int) string {
	return fmt.Sprintf("tmp_insert_%s_%d_%d", partitionID, insertSeq.Add(1), seq)
}

// newPreCommittedPart builds a staged part ready for installation.
func newPreCommittedPart(t *Table, info base.PartInfo, size, rows uint64) *partset.Part {
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
	return p
}

// renameTempPartAndReplaceLocked installs a PreCommitted part: renames its
// staged directory to the final name and swaps it into the Active set,
// demoting the parts it covers to Outdated. Requires partsMu.
func (t *Table) renameTempPartAndReplaceLocked(
	p *partset.Part, tmpPath string, txn Txn,
) ([]*partset.Part, error) {
	if err := t.fs.Rename(tmpPath, t.partPath(p.Info)); err != nil {
		return nil, err
	}
	covered, err := t.parts.AddActive(p)
	if err != nil {
		// Undo the rename so the staged directory can be cleaned up.
		_ = t.fs.Rename(t.partPath(p.Info), tmpPath)
		return nil, err
	}
	now := time.Now()
	for _, q := range covered {
		q.SetRemoveTime(now.Add(t.opts.OldPartsLifetime))
		if txn != nil {
			q.Version.RemovalTID = txn.TID()
		}
	}
	return covered, nil
}

// outdatePartsLocked moves Active parts to Outdated. immediate schedules
// their filesystem removal without the old-parts lifetime grace.
func (t *Table) outdatePartsLocked(parts []*partset.Part, immediate bool, txn Txn) {
	now := time.Now()
	removeAt := now.Add(t.opts.OldPartsLifetime)
	if immediate {
		removeAt = now
	}
	for _, p := range parts {
		p.State = base.PartOutdated
		p.SetRemoveTime(removeAt)
		if txn != nil {
			p.Version.RemovalTID = txn.TID()
		}
	}
}

// OutdatePart demotes the named Active part to Outdated. With force, it
// stops merges first and fails if the part does not exist; without force it
// returns nil if the part is missing or currently merging.
func (t *Table) OutdatePart(partName string, force bool, txn Txn) (*partset.Part, error) {
	if force {
		lease, err := t.stopMergesAndWait()
		if err != nil {
			return nil, err
		}
		defer lease.release()

		t.partsMu.Lock()
		defer t.partsMu.Unlock()
		p, ok := t.getPartLocked(partName, base.PartActive)
		if !ok {
			return nil, errors.Wrapf(base.ErrNoSuchDataPart, "part %s not found, won't try to drop it", partName)
		}
		t.outdatePartsLocked([]*partset.Part{p}, true, txn)
		return p, nil
	}

	t.bgMu.Lock()
	defer t.bgMu.Unlock()
	t.partsMu.Lock()
	defer t.partsMu.Unlock()
	p, ok := t.getPartLocked(partName, base.PartActive)
	if !ok {
		// Part was already removed some other way.
		return nil, nil
	}
	if _, busy := t.busy[p.Info]; busy {
		// The part will be consumed by a merge or mutation; nothing to do.
		return nil, nil
	}
	t.outdatePartsLocked([]*partset.Part{p}, true, txn)
	return p, nil
}

// stopMergesAndWait blocks new merges from starting, cancels the ones in
// flight and waits until no busy parts remain. The returned lease keeps the
// blocker installed until released.
func (t *Table) stopMergesAndWait() (*blockerLease, error) {
	t.bgMu.Lock()
	defer t.bgMu.Unlock()

	lease := t.mergesBlocker.cancel()
	ok := waitCond(t.bgCond, &t.bgMu, t.opts.LockAcquireTimeoutForBackgroundOperations, func() bool {
		return t.shutdownCalled.Load() || len(t.busy) == 0
	})
	if !ok {
		lease.release()
		return nil, errors.Wrap(base.ErrTimeoutExceeded, "timeout while waiting for already running merges")
	}
	return lease, nil
}

// stopMergesAndWaitForPartition is stopMergesAndWait scoped to one
// partition: only merges consuming parts of that partition are waited for.
func (t *Table) stopMergesAndWaitForPartition(partitionID string) (*blockerLease, error) {
	t.bgMu.Lock()
	defer t.bgMu.Unlock()

	lease := t.mergesBlocker.cancelForPartition(partitionID)
	ok := waitCond(t.bgCond, &t.bgMu, t.opts.LockAcquireTimeoutForBackgroundOperations, func() bool {
		if t.shutdownCalled.Load() {
			return true
		}
		for info := range t.busy {
			if info.PartitionID == partitionID {
				return false
			}
		}
		return true
	})
	if !ok {
		lease.release()
		return nil, errors.Wrap(base.ErrTimeoutExceeded, "timeout while waiting for already running merges")
	}
	return lease, nil
}

// markBusyLocked registers parts in the currently-merging set. Requires
// bgMu. Double-tagging a part is a bug.
func (t *Table) markBusyLocked(parts []*partset.Part) {
	for _, p := range parts {
		if _, ok := t.busy[p.Info]; ok {
			panic(errors.AssertionFailedf("tagging already tagged part %s", p.Info))
		}
	}
	for _, p := range parts {
		t.busy[p.Info] = p
	}
}

// unmarkBusyLocked clears busy markers. Requires bgMu. A missing marker is a
// bug.
func (t *Table) unmarkBusyLocked(parts []*partset.Part) {
	for _, p := range parts {
		if _, ok := t.busy[p.Info]; !ok {
			panic(errors.AssertionFailedf("busy marker missing for part %s", p.Info))
		}
		delete(t.busy, p.Info)
	}
	t.bgCond.Broadcast()
}

// IsPartBusy reports whether the part is currently consumed by a merge or
// mutation.
func (t *Table) IsPartBusy(info base.PartInfo) bool {
	t.bgMu.Lock()
	defer t.bgMu.Unlock()
	_, ok := t.busy[info]
	return ok
}
