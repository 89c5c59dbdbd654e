// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package partset

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/timberdb/timber/internal/base"
)

// ErrPartCovered is returned by AddActive when an existing Active part
// already covers the candidate, so installing it would break the antichain.
var ErrPartCovered = errors.New("partset: part covered by an existing active part")

// Set is the primary index of parts, ordered by part info. It maintains the
// invariant that the Active subset is an antichain under covering within each
// partition. Set is not safe for concurrent use; the table guards it with
// its parts lock.
type Set struct {
	parts []*Part // sorted by Info.Compare
}

func (s *Set) search(info base.PartInfo) (int, bool) {
	i := sort.Search(len(s.parts), func(i int) bool {
		return s.parts[i].Info.Compare(info) >= 0
	})
	return i, i < len(s.parts) && s.parts[i].Info == info
}

// Len returns the number of parts in all states.
func (s *Set) Len() int { return len(s.parts) }

// Get returns the part with exactly the given info.
func (s *Set) Get(info base.PartInfo) (*Part, bool) {
	i, ok := s.search(info)
	if !ok {
		return nil, false
	}
	return s.parts[i], true
}

// GetByName returns the part whose directory name is name.
func (s *Set) GetByName(name string) (*Part, bool) {
	info, ok := base.ParsePartDirName(name)
	if !ok {
		return nil, false
	}
	return s.Get(info)
}

// Add inserts a part in whatever state it carries. It fails if a part with
// the same info already exists.
func (s *Set) Add(p *Part) error {
	i, ok := s.search(p.Info)
	if ok {
		return errors.AssertionFailedf("part %s already in index", p.Info)
	}
	s.parts = append(s.parts, nil)
	copy(s.parts[i+1:], s.parts[i:])
	s.parts[i] = p
	return nil
}

// Remove deletes the part with the given info from the index entirely.
func (s *Set) Remove(info base.PartInfo) (*Part, bool) {
	i, ok := s.search(info)
	if !ok {
		return nil, false
	}
	p := s.parts[i]
	s.parts = append(s.parts[:i], s.parts[i+1:]...)
	return p, true
}

// AddActive installs a PreCommitted part as Active. Any Active parts covered
// by it are demoted to Outdated and returned. It fails if an Active part
// covering the new part already exists, which would break the antichain.
func (s *Set) AddActive(p *Part) ([]*Part, error) {
	for _, q := range s.parts {
		if q.State != base.PartActive {
			continue
		}
		// A mutual cover at a higher level is a rewrite of q (a single-part
		// merge) and is allowed; everything else covering p rejects it.
		if q.Info.Covers(p.Info) && !(p.Info.Covers(q.Info) && p.Info.Level > q.Info.Level) {
			return nil, errors.Wrapf(ErrPartCovered,
				"covering part %s already exists, cannot add %s", q.Info, p.Info)
		}
		if !p.Info.Covers(q.Info) && !p.Info.IsDisjoint(q.Info) {
			return nil, errors.AssertionFailedf(
				"part %s intersects active part %s without covering it", p.Info, q.Info)
		}
	}
	var covered []*Part
	for _, q := range s.parts {
		if q.State == base.PartActive && p.Info.Covers(q.Info) {
			q.State = base.PartOutdated
			covered = append(covered, q)
		}
	}
	p.State = base.PartActive
	if _, ok := s.Get(p.Info); !ok {
		if err := s.Add(p); err != nil {
			return nil, err
		}
	}
	return covered, nil
}

// Active returns all Active parts in part-info order.
func (s *Set) Active() []*Part {
	return s.InStates(base.PartActive)
}

// InStates returns all parts in any of the given states, in part-info order.
func (s *Set) InStates(states ...base.PartState) []*Part {
	var out []*Part
	for _, p := range s.parts {
		for _, st := range states {
			if p.State == st {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// InPartition returns the parts of one partition in the given states, in
// part-info order.
func (s *Set) InPartition(partitionID string, states ...base.PartState) []*Part {
	var out []*Part
	for _, p := range s.parts {
		if p.Info.PartitionID != partitionID {
			continue
		}
		for _, st := range states {
			if p.State == st {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// VisibleActive returns the Active parts visible at the given snapshot CSN
// to the given transaction.
func (s *Set) VisibleActive(snapshot base.CSN, tid base.TID) []*Part {
	var out []*Part
	for _, p := range s.parts {
		if p.State == base.PartActive && p.Version.Visible(snapshot, tid) {
			out = append(out, p)
		}
	}
	return out
}

// CoveredBy returns the Active parts fully covered by the given range.
func (s *Set) CoveredBy(dropRange base.PartInfo) []*Part {
	var out []*Part
	for _, p := range s.parts {
		if p.State == base.PartActive && dropRange.Covers(p.Info) {
			out = append(out, p)
		}
	}
	return out
}

// PartitionIDs returns the distinct partition IDs of Active parts, sorted.
func (s *Set) PartitionIDs() []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range s.parts {
		if p.State == base.PartActive && !seen[p.Info.PartitionID] {
			seen[p.Info.PartitionID] = true
			out = append(out, p.Info.PartitionID)
		}
	}
	return out
}

// MaxBlockNumber returns the largest block number recorded by any part in
// any state, or zero for an empty index.
func (s *Set) MaxBlockNumber() int64 {
	var m int64
	for _, p := range s.parts {
		if p.Info.MaxBlock > m {
			m = p.Info.MaxBlock
		}
		if p.Info.Mutation > m {
			m = p.Info.Mutation
		}
	}
	return m
}

// MinDataVersion returns the smallest data version across Active parts, and
// false if there are none. Patch parts do not participate: their versions
// belong to the update stream.
func (s *Set) MinDataVersion() (int64, bool) {
	var m int64
	found := false
	for _, p := range s.parts {
		if p.State != base.PartActive || p.Info.IsPatch() {
			continue
		}
		if v := p.Info.DataVersion(); !found || v < m {
			m, found = v, true
		}
	}
	return m, found
}

// MaxLevelInBetween returns the maximum level among parts between left and
// right inclusive, in part-info order. Both bounds must be present in the
// index.
func (s *Set) MaxLevelInBetween(left, right base.PartInfo) (uint32, error) {
	begin, ok := s.search(left)
	if !ok {
		return 0, errors.AssertionFailedf("unable to find left part %s", left)
	}
	end, ok := s.search(right)
	if !ok {
		return 0, errors.AssertionFailedf("unable to find right part %s", right)
	}
	if begin > end {
		return 0, errors.AssertionFailedf(
			"left and right parts in the wrong order: %s, %s", left, right)
	}
	var level uint32
	for i := begin; i <= end; i++ {
		if l := s.parts[i].Info.Level; l > level {
			level = l
		}
	}
	return level, nil
}
