// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"time"

	"github.com/cockroachdb/redact"
	"github.com/timberdb/timber/internal/base"
)

// MergeInfo describes a merge event.
type MergeInfo struct {
	// Sources are the infos of the merged parts.
	Sources []base.PartInfo
	// Result is the info of the produced part.
	Result base.PartInfo
	// Duration of the merge; zero in the begin event.
	Duration time.Duration
	// TTL is true for merges triggered by TTL expiry.
	TTL bool
	Err error
}

// SafeFormat implements redact.SafeFormatter.
func (i MergeInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	if i.Err != nil {
		w.Printf("[JOB] merge to %s error: %s", i.Result, i.Err)
		return
	}
	w.Printf("[JOB] merged %d parts to %s", redact.SafeInt(int64(len(i.Sources))), i.Result)
}

// MutationInfo describes a mutation event.
type MutationInfo struct {
	Source  base.PartInfo
	Result  base.PartInfo
	Version int64
	// Duration of the mutation; zero in the begin event.
	Duration time.Duration
	Err      error
}

// SafeFormat implements redact.SafeFormatter.
func (i MutationInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	if i.Err != nil {
		w.Printf("[JOB] mutate %s to version %d error: %s", i.Source, redact.SafeInt(i.Version), i.Err)
		return
	}
	w.Printf("[JOB] mutated %s to %s", i.Source, i.Result)
}

// MutationCommitInfo describes a durable mutation entry being added or
// removed.
type MutationCommitInfo struct {
	Version int64
	Killed  bool
}

// SafeFormat implements redact.SafeFormatter.
func (i MutationCommitInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	if i.Killed {
		w.Printf("[JOB] mutation %d killed", redact.SafeInt(i.Version))
		return
	}
	w.Printf("[JOB] mutation %d added", redact.SafeInt(i.Version))
}

// PartDeleteInfo describes an old part being removed from the filesystem.
type PartDeleteInfo struct {
	Info base.PartInfo
	Path string
	Err  error
}

// SafeFormat implements redact.SafeFormatter.
func (i PartDeleteInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	if i.Err != nil {
		w.Printf("[JOB] delete part %s error: %s", i.Info, i.Err)
		return
	}
	w.Printf("[JOB] deleted part %s", i.Info)
}

// PartitionOpInfo describes a partition-level DDL operation.
type PartitionOpInfo struct {
	// Op is the operation name: drop, detach, truncate, replace, move,
	// attach.
	Op          string
	PartitionID string
	Parts       int
}

// SafeFormat implements redact.SafeFormatter.
func (i PartitionOpInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[JOB] %s partition %s (%d parts)",
		redact.SafeString(i.Op), i.PartitionID, redact.SafeInt(int64(i.Parts)))
}

// BackgroundErrorInfo wraps an error surfaced by a background task.
type BackgroundErrorInfo struct {
	Err error
}

// EventListener contains a set of functions that will be invoked when
// various significant engine events occur. All functions must be safe for
// concurrent use and must not run for long: they are called with table locks
// released but block the background worker.
type EventListener struct {
	// BackgroundError is invoked when a background task encounters an
	// error it retries or ignores.
	BackgroundError func(error)
	// MergeBegin is invoked after a merge was selected and its sources
	// marked busy.
	MergeBegin func(MergeInfo)
	// MergeEnd is invoked after a merge committed or failed.
	MergeEnd func(MergeInfo)
	// MutationBegin is invoked after a mutation task was selected.
	MutationBegin func(MutationInfo)
	// MutationEnd is invoked after a mutation committed or failed.
	MutationEnd func(MutationInfo)
	// MutationCommitted is invoked when a mutation entry is persisted or
	// killed.
	MutationCommitted func(MutationCommitInfo)
	// PartDeleted is invoked after the cleaner removed a part directory.
	PartDeleted func(PartDeleteInfo)
	// PartitionOp is invoked after a partition-level DDL completed.
	PartitionOp func(PartitionOpInfo)
}

// EnsureDefaults makes sure that every field is set to a valid function.
func (l *EventListener) EnsureDefaults() {
	if l.BackgroundError == nil {
		l.BackgroundError = func(error) {}
	}
	if l.MergeBegin == nil {
		l.MergeBegin = func(MergeInfo) {}
	}
	if l.MergeEnd == nil {
		l.MergeEnd = func(MergeInfo) {}
	}
	if l.MutationBegin == nil {
		l.MutationBegin = func(MutationInfo) {}
	}
	if l.MutationEnd == nil {
		l.MutationEnd = func(MutationInfo) {}
	}
	if l.MutationCommitted == nil {
		l.MutationCommitted = func(MutationCommitInfo) {}
	}
	if l.PartDeleted == nil {
		l.PartDeleted = func(PartDeleteInfo) {}
	}
	if l.PartitionOp == nil {
		l.PartitionOp = func(PartitionOpInfo) {}
	}
}

// MakeLoggingEventListener creates an EventListener that logs all events to
// the given logger.
func MakeLoggingEventListener(logger base.Logger) EventListener {
	return EventListener{
		BackgroundError: func(err error) {
			logger.Errorf("background error: %s", err)
		},
		MergeBegin: func(info MergeInfo) {
			logger.Infof("merging %d parts to %s", len(info.Sources), info.Result)
		},
		MergeEnd: func(info MergeInfo) {
			logger.Infof("%s", redact.Sprint(info))
		},
		MutationBegin: func(info MutationInfo) {
			logger.Infof("mutating %s to version %d", info.Source, info.Version)
		},
		MutationEnd: func(info MutationInfo) {
			logger.Infof("%s", redact.Sprint(info))
		},
		MutationCommitted: func(info MutationCommitInfo) {
			logger.Infof("%s", redact.Sprint(info))
		},
		PartDeleted: func(info PartDeleteInfo) {
			logger.Infof("%s", redact.Sprint(info))
		},
		PartitionOp: func(info PartitionOpInfo) {
			logger.Infof("%s", redact.Sprint(info))
		},
	}
}
