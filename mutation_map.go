// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"sort"

	"github.com/timberdb/timber/internal/mutation"
)

// mutationMap is the version-ordered map of durable mutation entries. It is
// guarded by the table's background mutex.
type mutationMap struct {
	versions []int64 // sorted ascending
	entries  map[int64]*mutation.Entry
}

func (m *mutationMap) len() int { return len(m.versions) }

func (m *mutationMap) get(version int64) (*mutation.Entry, bool) {
	e, ok := m.entries[version]
	return e, ok
}

// insert adds an entry; it reports false if the version already exists.
func (m *mutationMap) insert(e *mutation.Entry) bool {
	if m.entries == nil {
		m.entries = map[int64]*mutation.Entry{}
	}
	if _, ok := m.entries[e.Version]; ok {
		return false
	}
	i := sort.Search(len(m.versions), func(i int) bool { return m.versions[i] >= e.Version })
	m.versions = append(m.versions, 0)
	copy(m.versions[i+1:], m.versions[i:])
	m.versions[i] = e.Version
	m.entries[e.Version] = e
	return true
}

func (m *mutationMap) remove(version int64) (*mutation.Entry, bool) {
	e, ok := m.entries[version]
	if !ok {
		return nil, false
	}
	delete(m.entries, version)
	i := sort.Search(len(m.versions), func(i int) bool { return m.versions[i] >= version })
	m.versions = append(m.versions[:i], m.versions[i+1:]...)
	return e, true
}

// upperBound returns the index of the first version strictly greater than v.
func (m *mutationMap) upperBound(v int64) int {
	return sort.Search(len(m.versions), func(i int) bool { return m.versions[i] > v })
}

// ascend calls fn for each entry with version in ascending order, starting
// at index i, until fn returns false.
func (m *mutationMap) ascend(i int, fn func(*mutation.Entry) bool) {
	for ; i < len(m.versions); i++ {
		if !fn(m.entries[m.versions[i]]) {
			return
		}
	}
}

// newest returns the entry with the largest version, if any.
func (m *mutationMap) newest() (*mutation.Entry, bool) {
	if len(m.versions) == 0 {
		return nil, false
	}
	return m.entries[m.versions[len(m.versions)-1]], true
}
