// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/redact"
)

// CSN is a commit sequence number assigned by the external transaction log.
type CSN = uint64

// TID identifies the transaction that originated an insert or a mutation.
// The zero value is the prehistoric TID, used for entries created before
// transactions were enabled.
type TID struct {
	StartCSN CSN
	LocalID  uint64
}

// PrehistoricTID is the sentinel origin transaction for pre-transaction
// entries.
var PrehistoricTID = TID{}

// IsPrehistoric reports whether the TID is the prehistoric sentinel.
func (t TID) IsPrehistoric() bool { return t == PrehistoricTID }

// Hash returns a stable 64-bit hash of the TID, used to look transactions up
// in the transaction log.
func (t TID) Hash() uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:], t.StartCSN)
	binary.LittleEndian.PutUint64(buf[8:], t.LocalID)
	return xxhash.Sum64(buf[:])
}

// String implements fmt.Stringer.
func (t TID) String() string {
	return fmt.Sprintf("(%d,%d)", t.StartCSN, t.LocalID)
}

// SafeFormat implements redact.SafeFormatter.
func (t TID) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("(%d,%d)", redact.SafeUint(t.StartCSN), redact.SafeUint(t.LocalID))
}

// ParseTID parses the String representation of a TID.
func ParseTID(s string) (TID, bool) {
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	fields := strings.Split(s, ",")
	if len(fields) != 2 {
		return TID{}, false
	}
	start, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return TID{}, false
	}
	local, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return TID{}, false
	}
	return TID{StartCSN: start, LocalID: local}, true
}
