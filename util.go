// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"sync"
	"time"
)

// timedMutex is a mutex whose Lock can give up after a timeout. It is used
// where the lock hierarchy requires bounded foreground waits (the alter lock
// and the sync-mode update lock).
type timedMutex struct {
	once sync.Once
	ch   chan struct{}
}

func (m *timedMutex) init() {
	m.once.Do(func() {
		m.ch = make(chan struct{}, 1)
		m.ch <- struct{}{}
	})
}

// LockTimeout acquires the mutex, giving up after timeout. It reports
// whether the lock was acquired.
func (m *timedMutex) LockTimeout(timeout time.Duration) bool {
	m.init()
	select {
	case <-m.ch:
		return true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-m.ch:
		return true
	case <-timer.C:
		return false
	}
}

// Lock acquires the mutex, waiting indefinitely.
func (m *timedMutex) Lock() {
	m.init()
	<-m.ch
}

// Unlock releases the mutex.
func (m *timedMutex) Unlock() {
	m.init()
	select {
	case m.ch <- struct{}{}:
	default:
		panic("timber: unlock of unlocked timedMutex")
	}
}

// waitCond waits on cond until pred returns true or the timeout elapses,
// and reports whether pred held. The caller must hold cond.L, which must be
// mu. The timeout wakeup broadcasts under the mutex so it cannot race with
// the predicate check.
func waitCond(cond *sync.Cond, mu sync.Locker, timeout time.Duration, pred func() bool) bool {
	if pred() {
		return true
	}
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		mu.Lock()
		cond.Broadcast()
		mu.Unlock()
	})
	defer timer.Stop()
	for !pred() {
		if !time.Now().Before(deadline) {
			return false
		}
		cond.Wait()
	}
	return true
}
