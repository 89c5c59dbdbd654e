// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import "github.com/timberdb/timber/internal/base"

// The error kinds surfaced to callers. Classify with errors.Is.
var (
	// ErrNotFound exports base.ErrNotFound.
	ErrNotFound = base.ErrNotFound

	// ErrNotImplemented exports base.ErrNotImplemented.
	ErrNotImplemented = base.ErrNotImplemented

	// ErrNotEnoughSpace exports base.ErrNotEnoughSpace.
	ErrNotEnoughSpace = base.ErrNotEnoughSpace

	// ErrBadArguments exports base.ErrBadArguments.
	ErrBadArguments = base.ErrBadArguments

	// ErrIncorrectData exports base.ErrIncorrectData.
	ErrIncorrectData = base.ErrIncorrectData

	// ErrCannotAssignOptimize exports base.ErrCannotAssignOptimize.
	ErrCannotAssignOptimize = base.ErrCannotAssignOptimize

	// ErrTimeoutExceeded exports base.ErrTimeoutExceeded.
	ErrTimeoutExceeded = base.ErrTimeoutExceeded

	// ErrUnknownPolicy exports base.ErrUnknownPolicy.
	ErrUnknownPolicy = base.ErrUnknownPolicy

	// ErrNoSuchDataPart exports base.ErrNoSuchDataPart.
	ErrNoSuchDataPart = base.ErrNoSuchDataPart

	// ErrAborted exports base.ErrAborted.
	ErrAborted = base.ErrAborted

	// ErrSupportIsDisabled exports base.ErrSupportIsDisabled.
	ErrSupportIsDisabled = base.ErrSupportIsDisabled

	// ErrTableIsReadOnly exports base.ErrTableIsReadOnly.
	ErrTableIsReadOnly = base.ErrTableIsReadOnly

	// ErrTooManyParts exports base.ErrTooManyParts.
	ErrTooManyParts = base.ErrTooManyParts

	// ErrPartIsLocked exports base.ErrPartIsLocked.
	ErrPartIsLocked = base.ErrPartIsLocked
)
