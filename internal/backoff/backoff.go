// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package backoff tracks per-part mutation failures and computes exponential
// retry windows: a part that keeps failing the same mutation is re-attempted
// at min(base * 2^failures, max) intervals.
package backoff

import (
	"sync"
	"time"

	expbackoff "github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/crlib/crtime"
)

// DefaultBaseInterval is the first retry window after a failure.
const DefaultBaseInterval = time.Second

// Policy is the per-part mutation failure table. It is safe for concurrent
// use.
type Policy struct {
	baseInterval time.Duration
	nowFn        func() crtime.Mono

	mu    sync.Mutex
	parts map[string]*partFailure
}

type partFailure struct {
	bo          *expbackoff.ExponentialBackOff
	failCount   int
	nextAllowed crtime.Mono
}

// NewPolicy returns a Policy with the given base retry interval.
func NewPolicy(baseInterval time.Duration) *Policy {
	if baseInterval <= 0 {
		baseInterval = DefaultBaseInterval
	}
	return &Policy{
		baseInterval: baseInterval,
		nowFn:        crtime.NowMono,
		parts:        map[string]*partFailure{},
	}
}

func newPolicyWithClock(baseInterval time.Duration, nowFn func() crtime.Mono) *Policy {
	p := NewPolicy(baseInterval)
	p.nowFn = nowFn
	return p
}

// AddPartFailure records a mutation failure for the named part. The next
// attempt is postponed exponentially, capped at maxPostpone.
func (p *Policy) AddPartFailure(partName string, maxPostpone time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.parts[partName]
	if !ok {
		bo := expbackoff.NewExponentialBackOff()
		bo.InitialInterval = p.baseInterval
		bo.Multiplier = 2
		bo.RandomizationFactor = 0
		bo.MaxElapsedTime = 0
		bo.Reset()
		f = &partFailure{bo: bo}
		p.parts[partName] = f
	}
	f.bo.MaxInterval = maxPostpone
	d := f.bo.NextBackOff()
	if maxPostpone > 0 && d > maxPostpone {
		d = maxPostpone
	}
	f.failCount++
	f.nextAllowed = p.nowFn() + crtime.Mono(d)
}

// RemovePartFromFailed clears the failure record for the named part, e.g.
// after a successful mutation.
func (p *Policy) RemovePartFromFailed(partName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.parts, partName)
}

// Reset drops all failure records. Used when a mutation is killed so that
// the remaining mutations are retried immediately.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parts = map[string]*partFailure{}
}

// PartCanBeMutated reports whether the part's backoff window has elapsed.
func (p *Policy) PartCanBeMutated(partName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.parts[partName]
	if !ok {
		return true
	}
	return p.nowFn() >= f.nextAllowed
}

// FailCount returns the recorded consecutive failures for the part.
func (p *Policy) FailCount(partName string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.parts[partName]
	if !ok {
		return 0
	}
	return f.failCount
}
