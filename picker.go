// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/timberdb/timber/internal/base"
	"github.com/timberdb/timber/internal/mutation"
	"github.com/timberdb/timber/internal/partset"
)

// futurePart is the planned output of a merge or mutation that has not been
// committed yet.
type futurePart struct {
	info    base.PartInfo
	sources []*partset.Part
	uuid    uuid.UUID
	ttl     partset.TTLInfo

	isTTLMerge bool
	isMutation bool
	final      bool

	estimatedSize uint64
}

func (f *futurePart) name() string { return f.info.DirName() }

func (f *futurePart) sourceInfos() []base.PartInfo {
	infos := make([]base.PartInfo, len(f.sources))
	for i, p := range f.sources {
		infos[i] = p.Info
	}
	return infos
}

// partsTagger marks the future part's sources as busy and holds the disk
// reservation for the result. Closing the tagger releases both; if the merge
// never committed, the sources simply return to selection untouched.
type partsTagger struct {
	t           *Table
	future      *futurePart
	reservation Reservation
	once        sync.Once
}

// newPartsTaggerLocked reserves disk space and marks the sources busy.
// Requires bgMu. On a failed reservation no marker is set and
// ErrNotEnoughSpace is returned.
func (t *Table) newPartsTaggerLocked(future *futurePart, totalSize uint64) (*partsTagger, error) {
	var reservation Reservation
	if future.isMutation {
		// A mutation can hardlink unchanged files, so the space must be
		// reserved on the disk holding the source part.
		minVolume := t.opts.StoragePolicy.VolumeIndexByDiskName(future.sources[0].DiskName)
		reservation = t.opts.StoragePolicy.Reserve(totalSize, minVolume, future.sources[0].TTL)
		if reservation == nil {
			return nil, errors.Wrapf(base.ErrNotEnoughSpace,
				"not enough space for mutating part %s", future.sources[0].Name())
		}
	} else {
		var ttl partset.TTLInfo
		maxVolume := 0
		for _, p := range future.sources {
			ttl.Update(p.TTL)
			if v := t.opts.StoragePolicy.VolumeIndexByDiskName(p.DiskName); v > maxVolume {
				maxVolume = v
			}
		}
		reservation = t.opts.StoragePolicy.Reserve(totalSize, maxVolume, ttl)
		if reservation == nil {
			return nil, errors.Wrap(base.ErrNotEnoughSpace, "not enough space for merging parts")
		}
		future.ttl = ttl
	}

	t.markBusyLocked(future.sources)
	return &partsTagger{t: t, future: future, reservation: reservation}, nil
}

// close clears the busy markers and releases the reservation. Safe to call
// more than once; only the first call acts.
func (tg *partsTagger) close() {
	tg.once.Do(func() {
		tg.t.bgMu.Lock()
		tg.t.unmarkBusyLocked(tg.future.sources)
		tg.t.bgMu.Unlock()
		tg.reservation.Release()
	})
}

// selectedEntry is a merge or mutation chosen by the selector: the future
// part, the busy-marker tagger, the (possibly squashed) mutation commands
// and the transaction the task runs under.
type selectedEntry struct {
	future   *futurePart
	tagger   *partsTagger
	commands mutation.Commands
	txn      Txn
	// ttlBooked is set when the entry holds a booking against
	// MaxMergesWithTTLInPool that has not been transferred to a running
	// task yet.
	ttlBooked bool
}

// close releases the tagger and any untransferred TTL booking.
func (e *selectedEntry) close() {
	e.tagger.close()
	if e.ttlBooked {
		e.ttlBooked = false
		e.t().ttlMergesBooked.Add(-1)
	}
}

func (e *selectedEntry) t() *Table { return e.tagger.t }

// SelectReason classifies why the selector produced no work.
type SelectReason int8

const (
	// ReasonCannotSelect means selection was not possible right now:
	// memory pressure, busy parts, no space.
	ReasonCannotSelect SelectReason = iota
	// ReasonNothingToMerge means there is genuinely no work, which is a
	// success for OPTIMIZE.
	ReasonNothingToMerge
)

// selectFailure is the structured non-error result of a failed selection.
type selectFailure struct {
	reason      SelectReason
	explanation string
}

func cannotSelect(format string, args ...interface{}) *selectFailure {
	return &selectFailure{reason: ReasonCannotSelect, explanation: fmt.Sprintf(format, args...)}
}

func nothingToMerge(format string, args ...interface{}) *selectFailure {
	return &selectFailure{reason: ReasonNothingToMerge, explanation: fmt.Sprintf(format, args...)}
}
