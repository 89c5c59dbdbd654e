// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/timberdb/timber/internal/base"
	"github.com/timberdb/timber/internal/mutation"
)

// MutationStatus is the externally visible state of one mutation entry.
type MutationStatus struct {
	Version    int64
	Commands   mutation.Commands
	CreateTime time.Time
	// PartsToDo names the visible parts whose data version is still below
	// the mutation's.
	PartsToDo []string
	IsDone    bool

	LatestFailedPart  string
	LatestFailTime    time.Time
	LatestFailReason  string
	LatestFailErrCode string
}

func (t *Table) tryGetTransactionForMutation(e *mutation.Entry) Txn {
	if e.TID.IsPrehistoric() || t.opts.TransactionLog == nil {
		return nil
	}
	txn := t.opts.TransactionLog.TryGetRunningTransaction(e.TID.Hash())
	if txn == nil {
		t.opts.Logger.Infof("cannot find transaction %s which had started mutation %s, probably it finished",
			e.TID, mutation.FileName(e.Version))
	}
	return txn
}

// Mutate starts a durable mutation and returns its version. The mutation is
// serialized against concurrent ALTERs via the alter lock. With
// settings.MutationsSync > 0 or inside a transaction, Mutate waits for the
// mutation to complete.
func (t *Table) Mutate(commands mutation.Commands, settings *Settings, txn Txn) (int64, error) {
	if err := t.assertNotReadonly(); err != nil {
		return 0, err
	}
	if settings == nil {
		settings = &Settings{}
	}
	settings.EnsureDefaults()
	if len(commands) == 0 {
		return 0, errors.Wrap(base.ErrBadArguments, "empty mutation command list")
	}

	// Mutations and metadata-changing alters must apply in a serial order
	// because they can depend on each other.
	if !t.alterMu.LockTimeout(settings.LockAcquireTimeout) {
		return 0, errors.Wrapf(base.ErrTimeoutExceeded,
			"cannot start mutation in %s because a metadata-changing ALTER is currently executing; "+
				"the timeout can be changed with the lock_acquire_timeout setting",
			settings.LockAcquireTimeout)
	}
	version, err := t.startMutation(commands, txn)
	t.alterMu.Unlock()
	if err != nil {
		return 0, err
	}

	if settings.MutationsSync > 0 || txn != nil {
		if err := t.WaitForMutation(version); err != nil {
			return version, err
		}
	}
	return version, nil
}

// startMutation allocates a Mutation block number, persists the entry file
// and registers it. The caller holds the alter lock.
func (t *Table) startMutation(commands mutation.Commands, txn Txn) (int64, error) {
	tid := base.PrehistoricTID
	if txn != nil {
		tid = txn.TID()
	}

	holder := t.AllocateBlock(base.BlockOpMutation)
	defer holder.Release()
	version := holder.Number()

	e := &mutation.Entry{
		Version:     version,
		Commands:    commands,
		CreateTime:  time.Now(),
		TID:         tid,
		BlockNumber: version,
	}
	if err := e.Write(t.fs, t.dataDir); err != nil {
		return 0, err
	}
	if txn != nil {
		txn.AddMutation(mutation.FileName(version))
	}

	t.bgMu.Lock()
	if !t.mutations.insert(e) {
		t.bgMu.Unlock()
		panic(errors.AssertionFailedf("mutation %d already exists", version))
	}
	t.mutationCounters.Increment(commands)
	t.bgMu.Unlock()

	t.metrics.mutationsStarted.Add(1)
	t.opts.EventListener.MutationCommitted(MutationCommitInfo{Version: version})
	t.opts.Logger.Infof("added mutation %s (tid %s)", mutation.FileName(version), tid)
	if t.assignee != nil {
		t.assignee.trigger()
	}
	return version, nil
}

// SetMutationCSN records the commit CSN of the transaction that started the
// mutation, both in memory and in the entry file.
func (t *Table) SetMutationCSN(version int64, csn base.CSN) error {
	t.bgMu.Lock()
	defer t.bgMu.Unlock()
	e, ok := t.mutations.get(version)
	if !ok {
		return errors.AssertionFailedf("cannot find mutation %d", version)
	}
	return e.WriteCSN(t.fs, t.dataDir, csn)
}

// loadMutations scans the data directory for mutation files on startup.
// Staged tmp_mutation_* files are discarded. Entries whose origin
// transaction did not commit are removed.
func (t *Table) loadMutations() error {
	names, err := t.fs.List(t.dataDir)
	if err != nil {
		return err
	}
	sort.Strings(names)

	t.bgMu.Lock()
	defer t.bgMu.Unlock()
	for _, name := range names {
		switch {
		case strings.HasPrefix(name, "mutation_"):
			e, err := mutation.Load(t.fs, t.dataDir, name)
			if err != nil {
				return err
			}
			t.opts.Logger.Infof("loading mutation %s, %d commands", name, len(e.Commands))
			if !e.TID.IsPrehistoric() && e.CSN == 0 && t.opts.TransactionLog != nil {
				if csn := t.opts.TransactionLog.GetCSN(e.TID); csn != 0 {
					// The transaction committed, so the mutation is valid;
					// record the CSN we learned.
					if err := e.WriteCSN(t.fs, t.dataDir, csn); err != nil {
						return err
					}
				} else {
					t.opts.TransactionLog.AssertTIDIsNotOutdated(e.TID)
					t.opts.Logger.Infof("mutation %s was created by transaction %s which did not commit, removing it",
						name, e.TID)
					if err := t.fs.Remove(t.fs.PathJoin(t.dataDir, name)); err != nil {
						return err
					}
					continue
				}
			}
			if !t.mutations.insert(e) {
				return errors.AssertionFailedf("mutation %d already exists", e.Version)
			}
			t.mutationCounters.Increment(e.Commands)

		case strings.HasPrefix(name, "tmp_mutation_"):
			if err := t.fs.Remove(t.fs.PathJoin(t.dataDir, name)); err != nil {
				return err
			}
		}
	}

	if newest, ok := t.mutations.newest(); ok && newest.Version > t.increment.Load() {
		t.increment.Store(newest.Version)
	}
	return nil
}

// getCurrentMutationVersionLocked returns the largest mutation version at or
// below dataVersion, or zero. Requires bgMu.
func (t *Table) getCurrentMutationVersionLocked(dataVersion int64) int64 {
	i := t.mutations.upperBound(dataVersion)
	if i == 0 {
		return 0
	}
	return t.mutations.versions[i-1]
}

// IncompleteMutationsStatus returns the status of one mutation, or ok=false
// when the entry is unknown (e.g. killed).
func (t *Table) IncompleteMutationsStatus(version int64) (MutationStatus, bool) {
	t.bgMu.Lock()
	e, ok := t.mutations.get(version)
	if !ok {
		t.bgMu.Unlock()
		return MutationStatus{}, false
	}
	status := MutationStatus{
		Version:           e.Version,
		Commands:          e.Commands,
		CreateTime:        e.CreateTime,
		LatestFailedPart:  e.LatestFailedPart,
		LatestFailTime:    e.LatestFailTime,
		LatestFailReason:  e.LatestFailReason,
		LatestFailErrCode: e.LatestFailErrCode,
	}
	txn := t.tryGetTransactionForMutation(e)
	tid := e.TID
	t.bgMu.Unlock()

	status.IsDone = true
	for _, p := range t.VisibleParts(txn) {
		if p.Info.IsPatch() {
			continue
		}
		if p.Info.DataVersion() < version {
			status.IsDone = false
			status.PartsToDo = append(status.PartsToDo, p.Name())
			if status.LatestFailReason == "" && txn != nil {
				// A concurrent transaction holding the part's removal lock
				// will most likely never let this mutation proceed.
				if locked := p.Version.RemovalLock(); locked != 0 && locked != tid.Hash() {
					status.LatestFailedPart = p.Name()
					status.LatestFailReason = errors.Wrapf(base.ErrPartIsLocked,
						"serialization error: part %s is locked by another transaction", p.Name()).Error()
					status.LatestFailErrCode = "PART_IS_LOCKED"
					status.LatestFailTime = time.Now()
				}
			}
		}
	}
	return status, true
}

// MutationsStatus returns the status of every known mutation in version
// order.
func (t *Table) MutationsStatus() []MutationStatus {
	t.bgMu.Lock()
	versions := make([]int64, len(t.mutations.versions))
	copy(versions, t.mutations.versions)
	t.bgMu.Unlock()

	out := make([]MutationStatus, 0, len(versions))
	for _, v := range versions {
		if status, ok := t.IncompleteMutationsStatus(v); ok {
			out = append(out, status)
		}
	}
	return out
}

// WaitForMutation blocks until the mutation is done, fails, is killed, or
// the table shuts down. A recorded failure is returned as an error.
func (t *Table) WaitForMutation(version int64) error {
	mutationID := mutation.FileName(version)
	t.opts.Logger.Infof("waiting mutation: %s", mutationID)

	check := func() bool {
		if t.shutdownCalled.Load() {
			return true
		}
		status, ok := t.IncompleteMutationsStatus(version)
		return !ok || status.IsDone || status.LatestFailReason != ""
	}

	t.mutationWaitMu.Lock()
	for !check() {
		t.mutationWaitCond.Wait()
	}
	t.mutationWaitMu.Unlock()

	status, ok := t.IncompleteMutationsStatus(version)
	if !ok || status.IsDone {
		t.opts.Logger.Infof("mutation %s done", mutationID)
		return nil
	}
	if status.LatestFailReason != "" {
		return errors.Newf("mutation %s failed on part %s: %s",
			mutationID, status.LatestFailedPart, status.LatestFailReason)
	}
	return errors.Wrapf(base.ErrAborted, "shutdown while waiting for mutation %s", mutationID)
}

// notifyMutationWaiters wakes everyone blocked in WaitForMutation.
func (t *Table) notifyMutationWaiters() {
	t.mutationWaitMu.Lock()
	t.mutationWaitCond.Broadcast()
	t.mutationWaitMu.Unlock()
}

// KillMutation cancels a mutation: the entry and its file are removed, the
// origin transaction (if any) is rolled back and in-flight tasks for the
// version observe cancellation. It reports whether the mutation was found.
func (t *Table) KillMutation(version int64) (bool, error) {
	if err := t.assertNotReadonly(); err != nil {
		return false, err
	}
	t.opts.Logger.Infof("killing mutation %s", mutation.FileName(version))

	t.bgMu.Lock()
	e, ok := t.mutations.remove(version)
	if ok && !e.IsDone {
		t.mutationCounters.Decrement(e.Commands)
	}
	t.bgMu.Unlock()

	t.backoffPolicy.Reset()
	if !ok {
		return false, nil
	}

	if txn := t.tryGetTransactionForMutation(e); txn != nil {
		t.opts.Logger.Infof("cancelling transaction %s which had started mutation %d", e.TID, version)
		t.opts.TransactionLog.Rollback(txn)
	}

	if err := e.RemoveFile(t.fs, t.dataDir); err != nil {
		return true, err
	}
	t.metrics.mutationsKilled.Add(1)
	t.opts.EventListener.MutationCommitted(MutationCommitInfo{Version: version, Killed: true})
	t.notifyMutationWaiters()

	// Another mutation may have been blocked by the killed one.
	if t.assignee != nil {
		t.assignee.trigger()
	}
	return true, nil
}

// updateMutationEntriesErrors records the outcome of a finished mutation
// task on every entry in (sourceVersion, resultVersion]: failures set the
// latest-fail fields and arm the backoff window; success clears them once
// the failed part is covered by the result.
func (t *Table) updateMutationEntriesErrors(future *futurePart, success bool, failErr error) {
	sourceVersion := future.sources[0].Info.DataVersion()
	resultVersion := future.info.DataVersion()
	failedPart := future.sources[0]

	if sourceVersion != resultVersion {
		t.bgMu.Lock()
		begin := t.mutations.upperBound(sourceVersion)
		t.mutations.ascend(begin, func(e *mutation.Entry) bool {
			if e.Version > resultVersion {
				return false
			}
			if success {
				if e.LatestFailedPart != "" && future.info.Covers(e.LatestFailedPartInfo) {
					e.ClearFailure()
					if future.info.Mutation == e.Version {
						t.backoffPolicy.RemovePartFromFailed(failedPart.Name())
					}
				}
			} else {
				e.LatestFailedPart = failedPart.Name()
				e.LatestFailedPartInfo = failedPart.Info
				e.LatestFailTime = time.Now()
				e.LatestFailReason = failErr.Error()
				e.LatestFailErrCode = errCodeName(failErr)
				if future.info.Mutation == e.Version {
					t.backoffPolicy.AddPartFailure(failedPart.Name(), t.opts.MaxPostponeTimeForFailedMutations)
				}
			}
			return true
		})
		t.bgMu.Unlock()
	}

	t.notifyMutationWaiters()
}

// clearOldMutations removes finished entries whose version is at or below
// the minimum data version over all parts, keeping the configured tail. With
// truncate, the tail is not kept.
func (t *Table) clearOldMutations(truncate bool) (int, error) {
	keep := t.opts.FinishedMutationsToKeep
	if truncate {
		keep = 0
	} else if keep == 0 {
		return 0, nil
	}

	var toDelete []*mutation.Entry
	func() {
		t.bgMu.Lock()
		defer t.bgMu.Unlock()

		t.partsMu.Lock()
		minVersion, haveParts := t.parts.MinDataVersion()
		t.partsMu.Unlock()

		end := t.mutations.len()
		if haveParts {
			end = t.mutations.upperBound(minVersion)
		}

		done := 0
		for i := 0; i < end; i++ {
			e := t.mutations.entries[t.mutations.versions[i]]
			if !e.TID.IsPrehistoric() {
				// Entries from real transactions are kept until the
				// transaction outcome is durable.
				if t.opts.TransactionLog == nil || t.opts.TransactionLog.GetCSN(e.TID) == 0 {
					end = i
					break
				}
			}
			if !e.IsDone {
				e.IsDone = true
				t.mutationCounters.Decrement(e.Commands)
			}
			done++
		}
		if done <= keep {
			return
		}
		for i := 0; i < done-keep; i++ {
			e, _ := t.mutations.remove(t.mutations.versions[0])
			toDelete = append(toDelete, e)
		}
	}()

	for _, e := range toDelete {
		t.opts.Logger.Infof("removing mutation: %s", mutation.FileName(e.Version))
		if err := e.RemoveFile(t.fs, t.dataDir); err != nil {
			return 0, err
		}
	}
	return len(toDelete), nil
}

// UnfinishedMutationCommands returns, per unfinished mutation file, its
// command list. Used by alter conversions.
func (t *Table) UnfinishedMutationCommands() map[string]mutation.Commands {
	t.partsMu.Lock()
	parts := t.parts.Active()
	versions := make([]int64, 0, len(parts))
	for _, p := range parts {
		if !p.Info.IsPatch() {
			versions = append(versions, p.Info.DataVersion())
		}
	}
	t.partsMu.Unlock()
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	t.bgMu.Lock()
	defer t.bgMu.Unlock()
	out := map[string]mutation.Commands{}
	t.mutations.ascend(0, func(e *mutation.Entry) bool {
		// The mutation still has parts to do if any part's data version
		// sorts below it.
		i := sort.Search(len(versions), func(i int) bool { return versions[i] >= e.Version })
		if i > 0 {
			out[mutation.FileName(e.Version)] = e.Commands
		}
		return true
	})
	return out
}

func errCodeName(err error) string {
	switch {
	case errors.Is(err, base.ErrNotEnoughSpace):
		return "NOT_ENOUGH_SPACE"
	case errors.Is(err, base.ErrTimeoutExceeded):
		return "TIMEOUT_EXCEEDED"
	case errors.Is(err, base.ErrAborted):
		return "ABORTED"
	case errors.Is(err, base.ErrPartIsLocked):
		return "PART_IS_LOCKED"
	case errors.Is(err, base.ErrBadArguments):
		return "BAD_ARGUMENTS"
	case errors.HasAssertionFailure(err):
		return "LOGICAL_ERROR"
	default:
		return "UNKNOWN"
	}
}
