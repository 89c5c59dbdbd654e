// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package partset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timberdb/timber/internal/base"
)

func mkPart(name string, rows uint64) *Part {
	return &Part{Info: base.MustParsePartDirName(name), State: base.PartPreCommitted, Rows: rows}
}

func activeNames(s *Set) []string {
	var names []string
	for _, p := range s.Active() {
		names = append(names, p.Name())
	}
	return names
}

func TestSetAddActiveAntichain(t *testing.T) {
	var s Set
	for _, name := range []string{"p_1_1_0", "p_2_2_0", "p_3_3_0"} {
		_, err := s.AddActive(mkPart(name, 1))
		require.NoError(t, err)
	}

	// Installing a covering merged part outdates exactly its sources.
	covered, err := s.AddActive(mkPart("p_1_2_1", 2))
	require.NoError(t, err)
	require.Len(t, covered, 2)
	require.Equal(t, []string{"p_1_2_1", "p_3_3_0"}, activeNames(&s))
	for _, p := range covered {
		require.Equal(t, base.PartOutdated, p.State)
	}

	// A part covered by an existing active part is rejected.
	_, err = s.AddActive(mkPart("p_1_1_0_0", 1))
	require.ErrorIs(t, err, ErrPartCovered)

	// The active set stays an antichain.
	active := s.Active()
	for i, p := range active {
		for j, q := range active {
			if i != j {
				require.False(t, p.Info.Covers(q.Info),
					"%s covers %s in the active set", p.Info, q.Info)
			}
		}
	}
}

func TestSetInPartitionAndStates(t *testing.T) {
	var s Set
	for _, name := range []string{"a_1_1_0", "a_2_2_0", "b_3_3_0"} {
		_, err := s.AddActive(mkPart(name, 1))
		require.NoError(t, err)
	}
	p, ok := s.GetByName("a_2_2_0")
	require.True(t, ok)
	p.State = base.PartOutdated

	require.Len(t, s.InPartition("a", base.PartActive), 1)
	require.Len(t, s.InPartition("a", base.PartActive, base.PartOutdated), 2)
	require.Len(t, s.InPartition("b", base.PartActive), 1)
	require.Equal(t, []string{"a", "b"}, s.PartitionIDs())
}

func TestSetCoveredBy(t *testing.T) {
	var s Set
	for _, name := range []string{"a_1_1_0", "a_2_2_0", "b_1_1_0"} {
		_, err := s.AddActive(mkPart(name, 1))
		require.NoError(t, err)
	}
	dropRange := base.PartInfo{
		PartitionID: "a", MinBlock: 0, MaxBlock: 10,
		Level: base.MaxLevel, Mutation: 1 << 60,
	}
	covered := s.CoveredBy(dropRange)
	require.Len(t, covered, 2)
	for _, p := range covered {
		require.Equal(t, "a", p.Info.PartitionID)
	}
}

func TestSetMinDataVersionSkipsPatches(t *testing.T) {
	var s Set
	_, err := s.AddActive(mkPart("p_1_1_0", 1))
	require.NoError(t, err)
	_, err = s.AddActive(mkPart("p_2_3_1_5", 1))
	require.NoError(t, err)
	_, err = s.AddActive(mkPart("patch-p_9_9_0", 1))
	require.NoError(t, err)

	v, ok := s.MinDataVersion()
	require.True(t, ok)
	require.Equal(t, int64(1), v)
}

func TestSetMaxLevelInBetween(t *testing.T) {
	var s Set
	infos := []string{"p_1_1_0", "p_2_4_2", "p_5_5_1", "p_6_6_0"}
	for _, name := range infos {
		_, err := s.AddActive(mkPart(name, 1))
		require.NoError(t, err)
	}
	left := base.MustParsePartDirName("p_1_1_0")
	right := base.MustParsePartDirName("p_6_6_0")

	// The bounds are inclusive: a single-part interval reports that
	// part's level.
	level, err := s.MaxLevelInBetween(left, left)
	require.NoError(t, err)
	require.Equal(t, uint32(0), level)

	level, err = s.MaxLevelInBetween(left, right)
	require.NoError(t, err)
	require.Equal(t, uint32(2), level)

	level, err = s.MaxLevelInBetween(base.MustParsePartDirName("p_5_5_1"), right)
	require.NoError(t, err)
	require.Equal(t, uint32(1), level)
}

func TestVersionVisibility(t *testing.T) {
	var v Version
	v.CreationTID = base.TID{StartCSN: 1, LocalID: 1}

	// Uncommitted: visible only to the creating transaction.
	require.False(t, v.Visible(100, base.TID{StartCSN: 2, LocalID: 9}))
	require.True(t, v.Visible(100, v.CreationTID))

	v.SetCreationCSN(50)
	require.True(t, v.Visible(100, base.TID{}))
	require.False(t, v.Visible(49, base.TID{}))

	v.SetRemovalCSN(80)
	require.True(t, v.Visible(79, base.TID{}))
	require.False(t, v.Visible(80, base.TID{}))
}

func TestVersionRemovalLock(t *testing.T) {
	var v Version
	require.True(t, v.LockRemoval(7))
	require.True(t, v.LockRemoval(7))
	require.False(t, v.LockRemoval(8))
	v.UnlockRemoval(7)
	require.True(t, v.LockRemoval(8))
}

func TestTTLInfo(t *testing.T) {
	now := time.Now()
	var ttl TTLInfo
	require.False(t, ttl.Expired(now))

	ttl.Update(TTLInfo{MinTTL: now.Unix() - 100, MaxTTL: now.Unix() - 10})
	require.True(t, ttl.Expired(now))

	ttl.Update(TTLInfo{MaxTTL: now.Unix() + 1000})
	require.False(t, ttl.Expired(now))
}
