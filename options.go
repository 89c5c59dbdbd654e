// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"bytes"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/timberdb/timber/internal/base"
	"github.com/timberdb/timber/vfs"
	"gopkg.in/yaml.v3"
)

// FormatVersionCustomPartitioning is the first on-disk format version with
// custom partition IDs. Deduplication requires it.
const FormatVersionCustomPartitioning = 1

// UpdateParallelMode selects how concurrent lightweight updates serialize.
type UpdateParallelMode int8

const (
	// UpdateParallelSync serializes all updates behind one exclusive lock.
	UpdateParallelSync UpdateParallelMode = iota
	// UpdateParallelAuto lets updates touching disjoint column sets run
	// concurrently.
	UpdateParallelAuto
)

// Options holds the table-level configuration. The zero value, after
// EnsureDefaults, describes a read-write table on the OS filesystem with a
// single-disk storage policy.
type Options struct {
	// FS is the filesystem the data directory lives on.
	FS vfs.FS
	// Logger for informational messages.
	Logger base.Logger
	// EventListener receives notifications of engine events.
	EventListener *EventListener
	// StoragePolicy reserves disk space for merges and mutations.
	StoragePolicy StoragePolicy
	// TransactionLog enables transactional visibility when non-nil.
	TransactionLog TransactionLog
	// DeduplicationLog is notified of dropped parts when non-nil.
	DeduplicationLog DeduplicationLog
	// BackgroundMemory throttles background selection when non-nil.
	BackgroundMemory MemoryWatermark
	// Performer executes part I/O.
	Performer Performer
	// ReadOnly marks the table as backed by static storage: writes,
	// mutations and background jobs are disabled.
	ReadOnly bool
	// Attach opens a data directory that already holds parts. Without it,
	// Open refuses a non-empty directory.
	Attach bool
	// DisableBackgroundWork keeps the background assignee from starting.
	// Foreground operations, including manually driven scheduling rounds,
	// still run. Used by tests and tooling.
	DisableBackgroundWork bool
	// TestingKnobs hooks engine internals for tests.
	TestingKnobs *TestingKnobs
	// UnloadOutdatedPartCaches, when set, is invoked by the cleaner with
	// the parts that left the active set, so callers can drop primary-key
	// and mark caches for them.
	UnloadOutdatedPartCaches func([]base.PartInfo)
	// FormatVersion of the data directory.
	FormatVersion int

	// MaxBackgroundTasks bounds the concurrently running background merge,
	// mutation and cleanup tasks.
	MaxBackgroundTasks int
	// MaxSourcePartsSizeForMerge bounds the summed size of merge sources.
	MaxSourcePartsSizeForMerge uint64
	// MaxSourcePartSizeForMutation bounds the size of a part picked for
	// mutation.
	MaxSourcePartSizeForMutation uint64
	// MaxExpandedASTElements bounds a squashed mutation command batch.
	MaxExpandedASTElements int
	// FinishedMutationsToKeep is how many finished mutation entries are
	// retained for introspection before the cleaner removes them.
	FinishedMutationsToKeep int
	// MaxPostponeTimeForFailedMutations caps the exponential backoff of a
	// part that keeps failing mutations.
	MaxPostponeTimeForFailedMutations time.Duration
	// MaxMergesWithTTLInPool bounds the TTL merges booked at once.
	MaxMergesWithTTLInPool int
	// OldPartsLifetime is how long Outdated parts stay on disk.
	OldPartsLifetime time.Duration
	// ClearOldPartsInterval is the cleanup cadence for old parts.
	ClearOldPartsInterval time.Duration
	// ClearOldTemporaryDirectoriesInterval is the cleanup cadence for
	// stale tmp_* directories.
	ClearOldTemporaryDirectoriesInterval time.Duration
	// TemporaryDirectoriesLifetime is the age after which a tmp_*
	// directory is considered abandoned.
	TemporaryDirectoriesLifetime time.Duration
	// LockAcquireTimeoutForBackgroundOperations bounds waits performed by
	// background selection, e.g. OPTIMIZE FINAL draining busy parts.
	LockAcquireTimeoutForBackgroundOperations time.Duration
	// NonReplicatedDeduplicationWindow enables insert deduplication when
	// non-zero.
	NonReplicatedDeduplicationWindow int
	// AssignPartUUIDs stamps future parts with fresh UUIDs.
	AssignPartUUIDs bool
	// AlwaysUseCopyInsteadOfHardlinks forces partition clones to copy.
	AlwaysUseCopyInsteadOfHardlinks bool
	// TargetByteDeletionRate paces part removal, bytes per second. Zero
	// disables pacing.
	TargetByteDeletionRate int
	// SchedulerIdleWait is how long the background assignee sleeps when it
	// finds no work.
	SchedulerIdleWait time.Duration
}

// EnsureDefaults fills unset fields with defaults and returns opts for
// chaining.
func (o *Options) EnsureDefaults() *Options {
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger{}
	}
	if o.EventListener == nil {
		o.EventListener = &EventListener{}
	}
	o.EventListener.EnsureDefaults()
	if o.StoragePolicy == nil {
		o.StoragePolicy = NewSingleDiskPolicy("default", 0)
	}
	if o.Performer == nil {
		o.Performer = NewFSPerformer(o.FS)
	}
	if o.FormatVersion == 0 {
		o.FormatVersion = FormatVersionCustomPartitioning
	}
	if o.MaxBackgroundTasks <= 0 {
		o.MaxBackgroundTasks = max(2, runtime.GOMAXPROCS(0)/2)
	}
	if o.MaxSourcePartsSizeForMerge == 0 {
		o.MaxSourcePartsSizeForMerge = 150 << 30
	}
	if o.MaxSourcePartSizeForMutation == 0 {
		o.MaxSourcePartSizeForMutation = 1 << 40
	}
	if o.MaxExpandedASTElements <= 0 {
		o.MaxExpandedASTElements = 500000
	}
	if o.FinishedMutationsToKeep == 0 {
		o.FinishedMutationsToKeep = 100
	}
	if o.MaxPostponeTimeForFailedMutations <= 0 {
		o.MaxPostponeTimeForFailedMutations = 5 * time.Minute
	}
	if o.MaxMergesWithTTLInPool <= 0 {
		o.MaxMergesWithTTLInPool = 2
	}
	if o.OldPartsLifetime <= 0 {
		o.OldPartsLifetime = 8 * time.Minute
	}
	if o.ClearOldPartsInterval <= 0 {
		o.ClearOldPartsInterval = time.Second
	}
	if o.ClearOldTemporaryDirectoriesInterval <= 0 {
		o.ClearOldTemporaryDirectoriesInterval = 60 * time.Second
	}
	if o.TemporaryDirectoriesLifetime <= 0 {
		o.TemporaryDirectoriesLifetime = 86400 * time.Second
	}
	if o.LockAcquireTimeoutForBackgroundOperations <= 0 {
		o.LockAcquireTimeoutForBackgroundOperations = 120 * time.Second
	}
	if o.SchedulerIdleWait <= 0 {
		o.SchedulerIdleWait = time.Second
	}
	return o
}

// Validate checks cross-field consistency.
func (o *Options) Validate() error {
	if o.NonReplicatedDeduplicationWindow != 0 && o.FormatVersion < FormatVersionCustomPartitioning {
		return errors.Wrap(base.ErrBadArguments,
			"deduplication for tables in the old format is not supported")
	}
	return nil
}

// optionsYAML is the serialized settings surface, named after the settings
// the server exposes.
type optionsYAML struct {
	MaxBackgroundTasks                   *int    `yaml:"max_background_tasks"`
	MaxSourcePartsSizeForMerge           *uint64 `yaml:"max_source_parts_size_for_merge"`
	MaxSourcePartSizeForMutation         *uint64 `yaml:"max_source_part_size_for_mutation"`
	MaxExpandedASTElements               *int    `yaml:"max_expanded_ast_elements"`
	FinishedMutationsToKeep              *int    `yaml:"finished_mutations_to_keep"`
	MaxPostponeForFailedMutationsMS      *int64  `yaml:"max_postpone_time_for_failed_mutations_ms"`
	MaxMergesWithTTLInPool               *int    `yaml:"max_number_of_merges_with_ttl_in_pool"`
	OldPartsLifetimeSec                  *int64  `yaml:"old_parts_lifetime"`
	ClearOldPartsIntervalSec             *int64  `yaml:"merge_tree_clear_old_parts_interval_seconds"`
	ClearOldTempDirsIntervalSec          *int64  `yaml:"merge_tree_clear_old_temporary_directories_interval_seconds"`
	TemporaryDirectoriesLifetimeSec      *int64  `yaml:"temporary_directories_lifetime"`
	LockAcquireTimeoutForBackgroundOpsMS *int64  `yaml:"lock_acquire_timeout_for_background_operations_ms"`
	NonReplicatedDeduplicationWindow     *int    `yaml:"non_replicated_deduplication_window"`
	AssignPartUUIDs                      *bool   `yaml:"assign_part_uuids"`
	AlwaysUseCopyInsteadOfHardlinks      *bool   `yaml:"always_use_copy_instead_of_hardlinks"`
	TargetByteDeletionRate               *int    `yaml:"target_byte_deletion_rate"`
}

// Parse applies serialized settings to the options. Unknown fields are an
// error so that typos do not pass silently.
func (o *Options) Parse(data []byte) error {
	var y optionsYAML
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&y); err != nil {
		return errors.Wrap(base.ErrBadArguments, err.Error())
	}
	if y.MaxBackgroundTasks != nil {
		o.MaxBackgroundTasks = *y.MaxBackgroundTasks
	}
	if y.MaxSourcePartsSizeForMerge != nil {
		o.MaxSourcePartsSizeForMerge = *y.MaxSourcePartsSizeForMerge
	}
	if y.MaxSourcePartSizeForMutation != nil {
		o.MaxSourcePartSizeForMutation = *y.MaxSourcePartSizeForMutation
	}
	if y.MaxExpandedASTElements != nil {
		o.MaxExpandedASTElements = *y.MaxExpandedASTElements
	}
	if y.FinishedMutationsToKeep != nil {
		o.FinishedMutationsToKeep = *y.FinishedMutationsToKeep
	}
	if y.MaxPostponeForFailedMutationsMS != nil {
		o.MaxPostponeTimeForFailedMutations = time.Duration(*y.MaxPostponeForFailedMutationsMS) * time.Millisecond
	}
	if y.MaxMergesWithTTLInPool != nil {
		o.MaxMergesWithTTLInPool = *y.MaxMergesWithTTLInPool
	}
	if y.OldPartsLifetimeSec != nil {
		o.OldPartsLifetime = time.Duration(*y.OldPartsLifetimeSec) * time.Second
	}
	if y.ClearOldPartsIntervalSec != nil {
		o.ClearOldPartsInterval = time.Duration(*y.ClearOldPartsIntervalSec) * time.Second
	}
	if y.ClearOldTempDirsIntervalSec != nil {
		o.ClearOldTemporaryDirectoriesInterval = time.Duration(*y.ClearOldTempDirsIntervalSec) * time.Second
	}
	if y.TemporaryDirectoriesLifetimeSec != nil {
		o.TemporaryDirectoriesLifetime = time.Duration(*y.TemporaryDirectoriesLifetimeSec) * time.Second
	}
	if y.LockAcquireTimeoutForBackgroundOpsMS != nil {
		o.LockAcquireTimeoutForBackgroundOperations = time.Duration(*y.LockAcquireTimeoutForBackgroundOpsMS) * time.Millisecond
	}
	if y.NonReplicatedDeduplicationWindow != nil {
		o.NonReplicatedDeduplicationWindow = *y.NonReplicatedDeduplicationWindow
	}
	if y.AssignPartUUIDs != nil {
		o.AssignPartUUIDs = *y.AssignPartUUIDs
	}
	if y.AlwaysUseCopyInsteadOfHardlinks != nil {
		o.AlwaysUseCopyInsteadOfHardlinks = *y.AlwaysUseCopyInsteadOfHardlinks
	}
	if y.TargetByteDeletionRate != nil {
		o.TargetByteDeletionRate = *y.TargetByteDeletionRate
	}
	return nil
}

// TestingKnobs contains hooks that tests use to observe or stall engine
// internals.
type TestingKnobs struct {
	// PauseAfterGrabOldParts is invoked by the cleaner after it collected
	// the set of old parts to remove and before it deletes their
	// directories, so tests can hold parts in limbo.
	PauseAfterGrabOldParts func()
}

// Settings are the per-operation settings a caller supplies alongside DDL
// and mutation requests. The zero value, after EnsureDefaults, matches the
// server defaults.
type Settings struct {
	// LockAcquireTimeout bounds foreground lock waits.
	LockAcquireTimeout time.Duration
	// MutationsSync makes MUTATE wait for completion when positive.
	MutationsSync int
	// AlterSync makes ALTER-that-mutates wait for completion when
	// positive.
	AlterSync int
	// OptimizeThrowIfNoop turns "nothing to merge" into an error.
	OptimizeThrowIfNoop bool
	// OptimizeSkipMergedPartitions skips single-part, fully merged
	// partitions in OPTIMIZE FINAL.
	OptimizeSkipMergedPartitions bool
	// MaxPartitionsPerInsertBlock bounds the partitions one insert may
	// touch.
	MaxPartitionsPerInsertBlock int
	// MaxPartsToMove bounds MOVE PARTITION.
	MaxPartsToMove int
	// MaxTableSizeToDrop refuses DROP of larger tables. Zero disables the
	// check.
	MaxTableSizeToDrop uint64
	// MaterializeTTLAfterModify mutates existing data after TTL-changing
	// ALTERs.
	MaterializeTTLAfterModify bool
	// AllowSuspiciousPrimaryKey is not read by the engine: ALTER performs
	// no sorting-key verification, so the setting has no effect.
	AllowSuspiciousPrimaryKey bool
	// UpdateParallelMode selects lightweight-update serialization.
	UpdateParallelMode UpdateParallelMode
}

// EnsureDefaults fills unset fields with server defaults.
func (s *Settings) EnsureDefaults() *Settings {
	if s.LockAcquireTimeout <= 0 {
		s.LockAcquireTimeout = 120 * time.Second
	}
	if s.MaxPartitionsPerInsertBlock == 0 {
		s.MaxPartitionsPerInsertBlock = 100
	}
	if s.MaxPartsToMove == 0 {
		s.MaxPartsToMove = 1000
	}
	return s
}
