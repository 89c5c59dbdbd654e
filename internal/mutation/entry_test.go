// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mutation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timberdb/timber/internal/base"
	"github.com/timberdb/timber/vfs"
)

func testEntry(version int64) *Entry {
	return &Entry{
		Version: version,
		Commands: Commands{
			{Kind: CommandUpdate, Predicate: "x > 1", Assignments: map[string]string{"col": "1"}},
			{Kind: CommandDelete, Predicate: "y = 0"},
		},
		CreateTime:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		TID:         base.TID{StartCSN: 3, LocalID: 8},
		BlockNumber: version,
	}
}

func TestEntryWriteLoadRoundTrip(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("data", 0755))

	e := testEntry(7)
	require.NoError(t, e.Write(fs, "data"))

	// The staging file must be gone after the rename.
	names, err := fs.List("data")
	require.NoError(t, err)
	require.Equal(t, []string{"mutation_7.txt"}, names)

	loaded, err := Load(fs, "data", "mutation_7.txt")
	require.NoError(t, err)
	require.Equal(t, e.Version, loaded.Version)
	require.Equal(t, e.Commands, loaded.Commands)
	require.Equal(t, e.CreateTime, loaded.CreateTime)
	require.Equal(t, e.TID, loaded.TID)
	require.Equal(t, e.BlockNumber, loaded.BlockNumber)
	require.Zero(t, loaded.CSN)
}

func TestEntryWriteCSN(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("data", 0755))

	e := testEntry(9)
	require.NoError(t, e.Write(fs, "data"))
	require.NoError(t, e.WriteCSN(fs, "data", 1234))

	loaded, err := Load(fs, "data", "mutation_9.txt")
	require.NoError(t, err)
	require.Equal(t, base.CSN(1234), loaded.CSN)
}

func TestEntryRemoveFile(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("data", 0755))
	e := testEntry(3)
	require.NoError(t, e.Write(fs, "data"))
	require.NoError(t, e.RemoveFile(fs, "data"))
	names, err := fs.List("data")
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestParseFileName(t *testing.T) {
	v, ok := ParseFileName("mutation_42.txt")
	require.True(t, ok)
	require.Equal(t, int64(42), v)

	for _, name := range []string{"mutation_.txt", "mutation_0.txt", "mutation_x.txt", "tmp_mutation_1.txt", "42.txt"} {
		_, ok := ParseFileName(name)
		require.False(t, ok, "expected %q to be rejected", name)
	}
}

func TestCommandsBarrier(t *testing.T) {
	require.False(t, Commands{{Kind: CommandUpdate}}.ContainsBarrier())
	require.False(t, Commands{{Kind: CommandMaterializeTTL}}.ContainsBarrier())
	for _, kind := range []CommandKind{
		CommandDropColumn, CommandDropIndex, CommandDropProjection,
		CommandDropStatistics, CommandRenameColumn,
	} {
		require.True(t, Commands{{Kind: kind}}.ContainsBarrier(), "%s", kind)
	}
}

func TestCommandsAffectedColumns(t *testing.T) {
	cs := Commands{
		{Kind: CommandUpdate, Assignments: map[string]string{"b": "1", "a": "2"}},
		{Kind: CommandRenameColumn, Column: "c", ToColumn: "d"},
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, cs.AffectedColumns())
}

func TestCounters(t *testing.T) {
	var c Counters
	data := Commands{{Kind: CommandDelete}}
	meta := Commands{{Kind: CommandDropColumn}}
	c.Increment(data)
	c.Increment(meta)
	require.Equal(t, Counters{Data: 1, Metadata: 1}, c)
	c.Decrement(data)
	require.Equal(t, Counters{Data: 0, Metadata: 1}, c)
}
