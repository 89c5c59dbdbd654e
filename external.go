// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/timberdb/timber/internal/base"
	"github.com/timberdb/timber/internal/mutation"
	"github.com/timberdb/timber/internal/partset"
)

// Txn is a handle to a running transaction in the external transaction log.
type Txn interface {
	// TID returns the transaction's identifier.
	TID() base.TID
	// SnapshotCSN returns the CSN the transaction reads at.
	SnapshotCSN() base.CSN
	// AddMutation associates a mutation file with the transaction so it is
	// rolled back together with it.
	AddMutation(mutationID string)
}

// TransactionLog is the contract with the external transaction log. A nil
// TransactionLog in Options disables transactions entirely; every entry then
// uses the prehistoric TID.
type TransactionLog interface {
	// Begin starts a new transaction.
	Begin() Txn
	// TryGetRunningTransaction returns the running transaction with the
	// given TID hash, if any.
	TryGetRunningTransaction(tidHash uint64) Txn
	// GetCSN returns the commit CSN of the transaction, or zero if it has
	// not committed.
	GetCSN(tid base.TID) base.CSN
	// AssertTIDIsNotOutdated fatals if the TID has been garbage collected
	// while its outcome was still needed.
	AssertTIDIsNotOutdated(tid base.TID)
	// Rollback aborts the transaction.
	Rollback(txn Txn)
}

// Reservation is a disk-space reservation token. Release must be called
// exactly once, normally via the tagger that owns it.
type Reservation interface {
	// DiskName identifies the disk the space was reserved on.
	DiskName() string
	// Release returns the reserved space.
	Release()
}

// StoragePolicy is the contract with the external disk-selection policy.
type StoragePolicy interface {
	// Name identifies the policy for compatibility checks.
	Name() string
	// Reserve reserves bytes on some volume with index >= minVolume,
	// preferring volumes whose TTL rules match the given TTL info. It
	// returns nil if no volume has enough space.
	Reserve(bytes uint64, minVolume int, ttl partset.TTLInfo) Reservation
	// AnyDiskName returns the name of an arbitrary disk of the policy.
	AnyDiskName() string
	// VolumeIndexByDiskName maps a disk to its volume index.
	VolumeIndexByDiskName(name string) int
	// IsCompatibleForPartitionOps reports whether parts can be moved
	// between tables with this and the other policy by hardlinking.
	IsCompatibleForPartitionOps(other StoragePolicy) bool
}

// singleDiskPolicy is the default StoragePolicy: one volume, one disk, a
// fixed byte budget (unlimited when zero).
type singleDiskPolicy struct {
	name     string
	diskName string
	capacity int64
	reserved atomic.Int64
}

// NewSingleDiskPolicy returns a policy with one disk named diskName holding
// capacity bytes; zero capacity means unlimited.
func NewSingleDiskPolicy(diskName string, capacity int64) StoragePolicy {
	return &singleDiskPolicy{name: "default", diskName: diskName, capacity: capacity}
}

func (p *singleDiskPolicy) Name() string { return p.name }

func (p *singleDiskPolicy) Reserve(bytes uint64, _ int, _ partset.TTLInfo) Reservation {
	if p.capacity > 0 {
		for {
			cur := p.reserved.Load()
			if cur+int64(bytes) > p.capacity {
				return nil
			}
			if p.reserved.CompareAndSwap(cur, cur+int64(bytes)) {
				break
			}
		}
	}
	r := &singleDiskReservation{policy: p, bytes: int64(bytes)}
	return r
}

func (p *singleDiskPolicy) AnyDiskName() string { return p.diskName }

func (p *singleDiskPolicy) VolumeIndexByDiskName(string) int { return 0 }

func (p *singleDiskPolicy) IsCompatibleForPartitionOps(other StoragePolicy) bool {
	return other != nil && other.Name() == p.name
}

type singleDiskReservation struct {
	policy   *singleDiskPolicy
	bytes    int64
	released sync.Once
}

func (r *singleDiskReservation) DiskName() string { return r.policy.diskName }

func (r *singleDiskReservation) Release() {
	r.released.Do(func() {
		if r.policy.capacity > 0 {
			r.policy.reserved.Add(-r.bytes)
		}
	})
}

// DeduplicationLog is the contract with the external insert-deduplication
// index. The engine only notifies it of dropped parts.
type DeduplicationLog interface {
	// Load replays the on-disk dedup index.
	Load() error
	// DropPart forgets the block entries of a dropped part.
	DropPart(info base.PartInfo)
	// SetWindowSize reconfigures the dedup window.
	SetWindowSize(n int)
	// Shutdown flushes and stops the log.
	Shutdown()
}

// MemoryWatermark reports the live memory used by background operations so
// the selector can self-throttle. A nil watermark never throttles.
type MemoryWatermark interface {
	Get() int64
	SoftLimit() int64
}

// canEnqueueBackgroundTask reports whether background memory usage is under
// the soft limit.
func canEnqueueBackgroundTask(w MemoryWatermark) bool {
	if w == nil {
		return true
	}
	limit := w.SoftLimit()
	return limit <= 0 || w.Get() <= limit
}

// Performer executes the part I/O of the engine: building merged, mutated,
// empty and cloned part directories. The on-disk column format is outside
// the engine; the default performer manages bare directories with a small
// metadata file and is sufficient for tests and tooling.
type Performer interface {
	// WritePart stages a new part directory at path with the given
	// summary. Empty parts pass zero rows.
	WritePart(path string, info base.PartInfo, rows, size uint64) error
	// MergeParts writes the merged result of sources into a new part
	// directory at path and returns its size and rows.
	MergeParts(path string, result base.PartInfo, sources []*partset.Part, cancelled func() bool) (size, rows uint64, err error)
	// MutatePart applies the command batch to source, writing the result
	// at path.
	MutatePart(path string, result base.PartInfo, source *partset.Part, commands mutation.Commands, cancelled func() bool) (size, rows uint64, err error)
	// ClonePart clones the part directory at srcPath to dstPath, by
	// hardlink when hardlinks is true.
	ClonePart(srcPath, dstPath string, hardlinks bool) error
}

// ErrMergeCancelled is returned by performers that observe their
// cancellation check mid-merge.
var ErrMergeCancelled = errors.Wrap(base.ErrAborted, "merge cancelled")
