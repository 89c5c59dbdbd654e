// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// PatchPartitionPrefix prefixes the partition IDs of patch parts produced by
// lightweight updates. Partitions with this prefix are never considered by
// the merge selector.
const PatchPartitionPrefix = "patch-"

// MaxLevel is the level assigned to drop-range part infos so that they cover
// every real part in their block range.
const MaxLevel = math.MaxUint32

// PartInfo is the identity of a data part: which partition it belongs to,
// which contiguous range of block numbers it holds, how many merges produced
// it (level) and the latest mutation applied to it.
type PartInfo struct {
	PartitionID string
	MinBlock    int64
	MaxBlock    int64
	Level       uint32
	Mutation    int64
}

// Compare orders part infos lexicographically by
// (partition, min-block, max-block, level, mutation).
func (p PartInfo) Compare(q PartInfo) int {
	if c := strings.Compare(p.PartitionID, q.PartitionID); c != 0 {
		return c
	}
	if p.MinBlock != q.MinBlock {
		if p.MinBlock < q.MinBlock {
			return -1
		}
		return 1
	}
	if p.MaxBlock != q.MaxBlock {
		if p.MaxBlock < q.MaxBlock {
			return -1
		}
		return 1
	}
	if p.Level != q.Level {
		if p.Level < q.Level {
			return -1
		}
		return 1
	}
	if p.Mutation != q.Mutation {
		if p.Mutation < q.Mutation {
			return -1
		}
		return 1
	}
	return 0
}

// Covers reports whether p covers q: same partition, a block range that
// encloses q's, and a mutation version at least q's. A part covers itself.
func (p PartInfo) Covers(q PartInfo) bool {
	return p.PartitionID == q.PartitionID &&
		p.MinBlock <= q.MinBlock &&
		p.MaxBlock >= q.MaxBlock &&
		p.Mutation >= q.Mutation
}

// IsDisjoint reports whether the block ranges of p and q do not intersect.
// Parts in different partitions are always disjoint.
func (p PartInfo) IsDisjoint(q PartInfo) bool {
	if p.PartitionID != q.PartitionID {
		return true
	}
	return p.MaxBlock < q.MinBlock || q.MaxBlock < p.MinBlock
}

// DataVersion is the version of the data in the part: the latest mutation
// applied to it, or the allocation that created it if it was never mutated.
func (p PartInfo) DataVersion() int64 {
	return max(p.MaxBlock, p.Mutation)
}

// IsPatch reports whether the part belongs to a patch partition produced by a
// lightweight update.
func (p PartInfo) IsPatch() bool {
	return IsPatchPartition(p.PartitionID)
}

// IsPatchPartition reports whether the partition ID carries the reserved
// patch prefix.
func IsPatchPartition(partitionID string) bool {
	return strings.HasPrefix(partitionID, PatchPartitionPrefix)
}

// DirName returns the on-disk directory name of the part:
// <partition>_<min>_<max>_<level>, with a fifth _<mutation> component for
// mutated parts.
func (p PartInfo) DirName() string {
	if p.Mutation != 0 {
		return fmt.Sprintf("%s_%d_%d_%d_%d", p.PartitionID, p.MinBlock, p.MaxBlock, p.Level, p.Mutation)
	}
	return fmt.Sprintf("%s_%d_%d_%d", p.PartitionID, p.MinBlock, p.MaxBlock, p.Level)
}

// String implements fmt.Stringer.
func (p PartInfo) String() string { return p.DirName() }

// SafeFormat implements redact.SafeFormatter.
func (p PartInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(p.DirName()))
}

// ParsePartDirName parses a part directory name produced by DirName.
// Partition IDs never contain underscores, so the name has exactly four or
// five underscore-separated fields.
func ParsePartDirName(name string) (PartInfo, bool) {
	fields := strings.Split(name, "_")
	if len(fields) != 4 && len(fields) != 5 {
		return PartInfo{}, false
	}
	if fields[0] == "" {
		return PartInfo{}, false
	}
	tail := fields[1:]
	var p PartInfo
	p.PartitionID = fields[0]
	var err error
	if p.MinBlock, err = strconv.ParseInt(tail[0], 10, 64); err != nil {
		return PartInfo{}, false
	}
	if p.MaxBlock, err = strconv.ParseInt(tail[1], 10, 64); err != nil {
		return PartInfo{}, false
	}
	level, err := strconv.ParseUint(tail[2], 10, 32)
	if err != nil {
		return PartInfo{}, false
	}
	p.Level = uint32(level)
	if len(tail) == 4 {
		if p.Mutation, err = strconv.ParseInt(tail[3], 10, 64); err != nil {
			return PartInfo{}, false
		}
	}
	if p.MinBlock > p.MaxBlock {
		return PartInfo{}, false
	}
	return p, true
}

// MustParsePartDirName is ParsePartDirName for names known to be valid.
func MustParsePartDirName(name string) PartInfo {
	p, ok := ParsePartDirName(name)
	if !ok {
		panic(errors.AssertionFailedf("malformed part name %q", name))
	}
	return p
}

// PartState is the lifecycle state of a part in the registry.
type PartState int8

// The part lifecycle. A part is created Temporary while its directory is
// staged, becomes PreCommitted during the rename step of the installing
// transaction, then Active. It is demoted to Outdated when superseded and
// Deleting once the cleaner has claimed it.
const (
	PartTemporary PartState = iota
	PartPreCommitted
	PartActive
	PartOutdated
	PartDeleting
	PartDeleteOnDestroy
)

var partStateStrings = [...]string{
	PartTemporary:       "temporary",
	PartPreCommitted:    "precommitted",
	PartActive:          "active",
	PartOutdated:        "outdated",
	PartDeleting:        "deleting",
	PartDeleteOnDestroy: "delete-on-destroy",
}

// String implements fmt.Stringer.
func (s PartState) String() string {
	if s < 0 || int(s) >= len(partStateStrings) {
		return "unknown"
	}
	return partStateStrings[s]
}

// SafeFormat implements redact.SafeFormatter.
func (s PartState) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(s.String()))
}
