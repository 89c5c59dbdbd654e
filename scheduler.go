// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/crlib/crtime"
)

// workerPool runs background tasks with a fixed concurrency limit. Tasks
// are submitted without blocking; a full pool rejects the submission and the
// caller releases whatever the task owned.
type workerPool struct {
	mu      sync.Mutex
	tasks   chan func()
	stopped bool
	wg      sync.WaitGroup
}

func newWorkerPool(workers int) *workerPool {
	p := &workerPool{tasks: make(chan func(), workers)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// trySubmit enqueues the task, reporting false when the pool is saturated or
// stopped.
func (p *workerPool) trySubmit(task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// stop rejects further submissions and waits for queued tasks to finish.
func (p *workerPool) stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.tasks)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// assignee is the cooperative background loop of one table: it repeatedly
// offers a merge, a mutation or a due cleanup task to the worker pool. It
// wakes up on triggers (inserts, new mutations, released blockers) and on an
// idle tick.
type assignee struct {
	t         *Table
	triggerCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func newAssignee(t *Table) *assignee {
	return &assignee{
		t:         t,
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

func (a *assignee) start() {
	a.wg.Add(1)
	go a.loop()
}

// trigger wakes the loop without blocking; coalesces with a pending wakeup.
func (a *assignee) trigger() {
	select {
	case a.triggerCh <- struct{}{}:
	default:
	}
}

func (a *assignee) stop() {
	close(a.stopCh)
	a.wg.Wait()
}

func (a *assignee) loop() {
	defer a.wg.Done()
	for {
		scheduled := a.t.scheduleDataProcessingJob()
		wait := a.t.opts.SchedulerIdleWait
		if scheduled {
			// More work is likely available immediately after a
			// successful assignment.
			wait = 0
		}
		if wait == 0 {
			select {
			case <-a.stopCh:
				return
			default:
				continue
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-a.stopCh:
			timer.Stop()
			return
		case <-a.triggerCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// intervalElapsed atomically restarts the clock at last when interval has
// passed, reporting whether it did. last holds a crtime.Mono.
func intervalElapsed(last *atomic.Int64, interval time.Duration) bool {
	now := crtime.NowMono()
	prev := crtime.Mono(last.Load())
	if time.Duration(now-prev) < interval {
		return false
	}
	return last.CompareAndSwap(int64(prev), int64(now))
}

// scheduleDataProcessingJob performs one scheduling round: select a merge,
// else a mutation, else run due cleanup tasks. It reports whether anything
// was submitted to the pool.
func (t *Table) scheduleDataProcessingJob() bool {
	if t.shutdownCalled.Load() {
		return false
	}

	var txn Txn
	if t.opts.TransactionLog != nil {
		txn = t.opts.TransactionLog.Begin()
	}

	var mergeEntry, mutateEntry *selectedEntry
	hasMutations := false
	func() {
		t.bgMu.Lock()
		defer t.bgMu.Unlock()
		if t.mergesBlocker.isCancelled() {
			return
		}
		var fail *selectFailure
		mergeEntry, fail = t.selectPartsToMergeLocked("", false, false, false, txn)
		if mergeEntry == nil && fail != nil && fail.reason == ReasonCannotSelect {
			t.opts.Logger.Infof("didn't start merge: %s", fail.explanation)
		}
		if mergeEntry == nil && t.mutations.len() > 0 {
			mutateEntry, fail = t.selectPartsToMutateLocked()
			if mutateEntry == nil && fail != nil && fail.reason == ReasonCannotSelect {
				t.opts.Logger.Infof("didn't start mutation: %s", fail.explanation)
			}
		}
		hasMutations = t.mutations.len() > 0
	}()

	if mergeEntry != nil {
		if t.mergesBlocker.isCancelledForPartition(mergeEntry.future.info.PartitionID) {
			mergeEntry.close()
			return false
		}
		entry := mergeEntry
		scheduled := t.pool.trySubmit(func() { _ = t.runMergeTask(entry) })
		if !scheduled {
			// The TTL booking taken at selection time is released here,
			// via close, since no task will ever own it.
			entry.close()
		}
		return scheduled
	}
	if mutateEntry != nil {
		if t.mergesBlocker.isCancelledForPartition(mutateEntry.future.info.PartitionID) {
			mutateEntry.close()
			return false
		}
		entry := mutateEntry
		scheduled := t.pool.trySubmit(func() { _ = t.runMutateTask(entry) })
		if !scheduled {
			entry.close()
		}
		return scheduled
	}
	if hasMutations {
		// Notify waiters about recorded errors when no mutation could be
		// selected; otherwise notification happens as mutations complete.
		t.notifyMutationWaiters()
	}

	scheduled := false
	if intervalElapsed(&t.lastCleanupTempDirs, t.opts.ClearOldTemporaryDirectoriesInterval) {
		scheduled = t.pool.trySubmit(func() {
			if _, err := t.clearOldTemporaryDirectories(t.opts.TemporaryDirectoriesLifetime); err != nil {
				t.opts.EventListener.BackgroundError(err)
			}
		}) || scheduled
	}
	if intervalElapsed(&t.lastCleanupParts, t.opts.ClearOldPartsInterval) {
		scheduled = t.pool.trySubmit(func() {
			if err := t.runCleanupRound(); err != nil {
				t.opts.EventListener.BackgroundError(err)
			}
		}) || scheduled
	}
	return scheduled
}

// runCleanupRound performs the periodic housekeeping passes.
func (t *Table) runCleanupRound() error {
	if _, err := t.clearOldPartsFromFilesystem(false); err != nil {
		return err
	}
	if _, err := t.clearOldMutations(false); err != nil {
		return err
	}
	if _, err := t.clearEmptyParts(); err != nil {
		return err
	}
	if _, err := t.clearUnusedPatchParts(); err != nil {
		return err
	}
	t.unloadCachesOfOutdatedParts()
	return nil
}
