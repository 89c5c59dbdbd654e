// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import "github.com/cockroachdb/redact"

// BlockOp is the kind of operation a block number was allocated for.
type BlockOp int8

// The block-number operation kinds.
const (
	BlockOpNewPart BlockOp = iota
	BlockOpMutation
	BlockOpUpdate
)

var blockOpStrings = [...]string{
	BlockOpNewPart:  "new-part",
	BlockOpMutation: "mutation",
	BlockOpUpdate:   "update",
}

// String implements fmt.Stringer.
func (op BlockOp) String() string {
	if op < 0 || int(op) >= len(blockOpStrings) {
		return "unknown"
	}
	return blockOpStrings[op]
}

// SafeFormat implements redact.SafeFormatter.
func (op BlockOp) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(op.String()))
}

// CommittingBlock is a block number that has been allocated but whose result
// (a part, a mutation entry or a patch) has not been installed yet. It lives
// in the table's committing set from allocation until the registry swap or a
// rollback.
type CommittingBlock struct {
	Op     BlockOp
	Number int64
}

// SafeFormat implements redact.SafeFormatter.
func (b CommittingBlock) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s:%d", b.Op, redact.SafeInt(b.Number))
}
