// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package partset maintains the in-memory index of data parts: the ordered
// primary index keyed by part info, per-state enumeration, covering queries
// and the antichain invariant for the active set.
package partset

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/timberdb/timber/internal/base"
)

// TTLInfo summarizes the TTL expressions of a part. The engine treats the
// values as opaque unix timestamps maintained by the writer; a part is
// TTL-expired when MaxTTL is set and in the past.
type TTLInfo struct {
	MinTTL int64
	MaxTTL int64
}

// Update widens the receiver to include another part's TTL info.
func (t *TTLInfo) Update(o TTLInfo) {
	if o.MinTTL != 0 && (t.MinTTL == 0 || o.MinTTL < t.MinTTL) {
		t.MinTTL = o.MinTTL
	}
	if o.MaxTTL > t.MaxTTL {
		t.MaxTTL = o.MaxTTL
	}
}

// Expired reports whether the part's whole TTL range has passed at now.
func (t TTLInfo) Expired(now time.Time) bool {
	return t.MaxTTL != 0 && t.MaxTTL <= now.Unix()
}

// Version carries the transactional visibility metadata of a part.
type Version struct {
	CreationTID base.TID
	RemovalTID  base.TID

	creationCSN atomic.Uint64
	removalCSN  atomic.Uint64
	// removalLock holds the hash of the TID that intends to remove the
	// part, before the removal CSN is known.
	removalLock atomic.Uint64
}

// SetCreationCSN records the CSN at which the creating transaction
// committed.
func (v *Version) SetCreationCSN(csn base.CSN) { v.creationCSN.Store(csn) }

// CreationCSN returns the creation CSN, or zero if the creating transaction
// has not committed.
func (v *Version) CreationCSN() base.CSN { return v.creationCSN.Load() }

// SetRemovalCSN records the CSN at which the removing transaction committed.
func (v *Version) SetRemovalCSN(csn base.CSN) { v.removalCSN.Store(csn) }

// RemovalCSN returns the removal CSN, or zero while the part is not removed.
func (v *Version) RemovalCSN() base.CSN { return v.removalCSN.Load() }

// LockRemoval marks the part as being removed by the transaction with the
// given TID hash. It fails if another transaction holds the lock.
func (v *Version) LockRemoval(tidHash uint64) bool {
	return v.removalLock.CompareAndSwap(0, tidHash) || v.removalLock.Load() == tidHash
}

// UnlockRemoval releases the removal lock held by tidHash.
func (v *Version) UnlockRemoval(tidHash uint64) {
	v.removalLock.CompareAndSwap(tidHash, 0)
}

// RemovalLock returns the TID hash holding the removal lock, or zero.
func (v *Version) RemovalLock() uint64 { return v.removalLock.Load() }

// Visible reports whether the part is visible to a reader at snapshot CSN
// snapshot running as transaction tid. A part is visible when its creation
// committed at or before the snapshot (or was made by the reader itself) and
// its removal did not.
func (v *Version) Visible(snapshot base.CSN, tid base.TID) bool {
	created := v.creationCSN.Load()
	switch {
	case v.CreationTID.IsPrehistoric():
	case created != 0 && created <= snapshot:
	case v.CreationTID == tid:
	default:
		return false
	}
	if removed := v.removalCSN.Load(); removed != 0 && removed <= snapshot {
		return false
	}
	if !v.RemovalTID.IsPrehistoric() && v.RemovalTID == tid {
		return false
	}
	return true
}

// Part is an immutable on-disk file group representing one contiguous block
// range within a partition, together with its registry state.
type Part struct {
	Info  base.PartInfo
	State base.PartState

	// Size and Rows are the on-disk footprint reported by the writer.
	Size uint64
	Rows uint64

	TTL        TTLInfo
	Version    Version
	UUID       uuid.UUID
	DiskName   string
	CreateTime time.Time

	// removeTime is the unix time after which the cleaner may remove the
	// part from the filesystem once it is Outdated. Zero means "as soon as
	// the lifetime policy permits".
	removeTime atomic.Int64
}

// Name returns the part's directory name.
func (p *Part) Name() string { return p.Info.DirName() }

// SetRemoveTime schedules the earliest filesystem removal time.
func (p *Part) SetRemoveTime(t time.Time) { p.removeTime.Store(t.Unix()) }

// RemoveTime returns the scheduled removal time, or the zero time.
func (p *Part) RemoveTime() time.Time {
	v := p.removeTime.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}

// IsEmpty reports whether the part holds no rows.
func (p *Part) IsEmpty() bool { return p.Rows == 0 }
