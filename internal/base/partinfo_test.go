// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartInfoDirNameRoundTrip(t *testing.T) {
	cases := []PartInfo{
		{PartitionID: "all", MinBlock: 1, MaxBlock: 1},
		{PartitionID: "202501", MinBlock: 3, MaxBlock: 17, Level: 2},
		{PartitionID: "p", MinBlock: 1, MaxBlock: 9, Level: 1, Mutation: 12},
		{PartitionID: "patch-p", MinBlock: 5, MaxBlock: 5},
	}
	for _, info := range cases {
		parsed, ok := ParsePartDirName(info.DirName())
		require.True(t, ok, "parse %q", info.DirName())
		require.Equal(t, info, parsed)
	}
}

func TestParsePartDirNameRejects(t *testing.T) {
	for _, name := range []string{
		"", "p", "p_1", "p_1_2", "p_1_2_x", "p_2_1_0", "_1_2_0",
		"p_1_2_0_3_4", "detached", "mutation_5.txt",
	} {
		_, ok := ParsePartDirName(name)
		require.False(t, ok, "expected %q to be rejected", name)
	}
}

func TestPartInfoCovers(t *testing.T) {
	base := PartInfo{PartitionID: "p", MinBlock: 3, MaxBlock: 7, Level: 1}
	require.True(t, base.Covers(base))
	require.True(t, base.Covers(PartInfo{PartitionID: "p", MinBlock: 4, MaxBlock: 6}))
	require.False(t, base.Covers(PartInfo{PartitionID: "q", MinBlock: 4, MaxBlock: 6}))
	require.False(t, base.Covers(PartInfo{PartitionID: "p", MinBlock: 2, MaxBlock: 6}))
	require.False(t, base.Covers(PartInfo{PartitionID: "p", MinBlock: 4, MaxBlock: 8}))
	require.False(t, base.Covers(PartInfo{PartitionID: "p", MinBlock: 4, MaxBlock: 6, Mutation: 9}))

	mutated := base
	mutated.Mutation = 9
	require.True(t, mutated.Covers(base))
}

func TestPartInfoOrdering(t *testing.T) {
	ordered := []PartInfo{
		{PartitionID: "a", MinBlock: 1, MaxBlock: 1},
		{PartitionID: "a", MinBlock: 1, MaxBlock: 3},
		{PartitionID: "a", MinBlock: 1, MaxBlock: 3, Level: 1},
		{PartitionID: "a", MinBlock: 1, MaxBlock: 3, Level: 1, Mutation: 4},
		{PartitionID: "a", MinBlock: 2, MaxBlock: 2},
		{PartitionID: "b", MinBlock: 1, MaxBlock: 1},
	}
	for i := range ordered {
		for j := range ordered {
			c := ordered[i].Compare(ordered[j])
			switch {
			case i < j:
				require.Negative(t, c, "%s < %s", ordered[i], ordered[j])
			case i > j:
				require.Positive(t, c)
			default:
				require.Zero(t, c)
			}
		}
	}
}

func TestPartInfoDataVersion(t *testing.T) {
	require.Equal(t, int64(7), PartInfo{PartitionID: "p", MinBlock: 3, MaxBlock: 7}.DataVersion())
	require.Equal(t, int64(9), PartInfo{PartitionID: "p", MinBlock: 3, MaxBlock: 7, Mutation: 9}.DataVersion())
}

func TestTIDRoundTrip(t *testing.T) {
	tid := TID{StartCSN: 42, LocalID: 7}
	parsed, ok := ParseTID(tid.String())
	require.True(t, ok)
	require.Equal(t, tid, parsed)

	require.True(t, PrehistoricTID.IsPrehistoric())
	require.False(t, tid.IsPrehistoric())
	require.NotEqual(t, tid.Hash(), PrehistoricTID.Hash())
}
