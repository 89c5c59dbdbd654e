// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import "github.com/cockroachdb/errors"

// The error kinds surfaced by the engine. Callers classify with errors.Is;
// wrapping preserves the kind. Invariant violations ("it's a bug" cases) are
// produced with errors.AssertionFailedf instead and are not part of this
// taxonomy.
var (
	// ErrNotFound means a named entity (part, mutation) does not exist.
	ErrNotFound = errors.New("timber: not found")

	// ErrNotImplemented means the operation is disallowed in the current
	// context, e.g. inside a transaction.
	ErrNotImplemented = errors.New("timber: not implemented")

	// ErrNotEnoughSpace means a disk reservation failed. The merge or
	// mutation is abandoned without being recorded as a failure.
	ErrNotEnoughSpace = errors.New("timber: not enough space")

	// ErrBadArguments means the settings are inconsistent.
	ErrBadArguments = errors.New("timber: bad arguments")

	// ErrIncorrectData means the data directory holds parts on CREATE.
	ErrIncorrectData = errors.New("timber: incorrect data")

	// ErrCannotAssignOptimize means OPTIMIZE found no work and
	// OptimizeThrowIfNoop is set.
	ErrCannotAssignOptimize = errors.New("timber: cannot assign optimize")

	// ErrTimeoutExceeded means a lock acquisition, merge drain or
	// commit wait exceeded its timeout.
	ErrTimeoutExceeded = errors.New("timber: timeout exceeded")

	// ErrUnknownPolicy means a cross-storage partition operation was
	// attempted between incompatible storage policies.
	ErrUnknownPolicy = errors.New("timber: unknown policy")

	// ErrNoSuchDataPart means a named part is not in the expected states.
	ErrNoSuchDataPart = errors.New("timber: no such data part")

	// ErrAborted means merges were cancelled by a blocker.
	ErrAborted = errors.New("timber: aborted")

	// ErrSupportIsDisabled means an experimental feature is not enabled.
	ErrSupportIsDisabled = errors.New("timber: support is disabled")

	// ErrTableIsReadOnly means the table is backed by static storage.
	ErrTableIsReadOnly = errors.New("timber: table is read-only")

	// ErrTooManyParts means MOVE PARTITION would exceed MaxPartsToMove, an
	// insert spans more than MaxPartitionsPerInsertBlock partitions, or the
	// table is larger than MaxTableSizeToDrop.
	ErrTooManyParts = errors.New("timber: too many parts")

	// ErrPartIsLocked means a mutation cannot proceed because a concurrent
	// transaction owns the part.
	ErrPartIsLocked = errors.New("timber: part is locked")
)
