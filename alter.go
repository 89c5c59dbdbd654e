// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"github.com/cockroachdb/errors"
	"github.com/timberdb/timber/internal/base"
	"github.com/timberdb/timber/internal/mutation"
)

// Alter applies the data-rewriting half of an ALTER: the mutation commands
// the metadata change implies. The schema swap itself happens above the
// engine; what must serialize here is the command stream.
//
// Alters are serialized with mutations through the alter lock. A barrier
// alter (drop/rename) first waits for the newest already-registered mutation
// so alters execute in sequential order. With settings.AlterSync > 0 the
// call waits for the resulting mutation to complete. ttlChanged marks an
// alter that modified TTL expressions; existing data is rewritten only when
// settings.MaterializeTTLAfterModify is set.
func (t *Table) Alter(
	commands mutation.Commands, ttlChanged bool, settings *Settings, txn Txn,
) (int64, error) {
	if err := t.assertNotReadonly(); err != nil {
		return 0, err
	}
	if txn != nil {
		return 0, errors.Wrap(base.ErrNotImplemented, "ALTER is not supported inside transactions")
	}
	if settings == nil {
		settings = &Settings{}
	}
	settings.EnsureDefaults()

	if ttlChanged && settings.MaterializeTTLAfterModify {
		commands = append(commands, mutation.Command{Kind: mutation.CommandMaterializeTTL})
	}
	if len(commands) == 0 {
		return 0, nil
	}

	if !t.alterMu.LockTimeout(settings.LockAcquireTimeout) {
		return 0, errors.Wrapf(base.ErrTimeoutExceeded,
			"cannot start alter in %s because another metadata-changing ALTER is currently executing",
			settings.LockAcquireTimeout)
	}
	defer t.alterMu.Unlock()

	if commands.ContainsBarrier() {
		var prev int64
		t.bgMu.Lock()
		if newest, ok := t.mutations.newest(); ok {
			prev = newest.Version
		}
		t.bgMu.Unlock()
		// A barrier alter changes the column set; every earlier mutation
		// must finish against the old columns first.
		if prev != 0 {
			t.opts.Logger.Infof("cannot change metadata with barrier alter query, will wait for mutation %d", prev)
			if err := t.WaitForMutation(prev); err != nil {
				return 0, err
			}
			t.opts.Logger.Infof("mutation %d finished", prev)
		}
	}

	version, err := t.startMutation(commands, nil)
	if err != nil {
		return 0, err
	}
	if settings.AlterSync > 0 {
		if err := t.WaitForMutation(version); err != nil {
			return version, err
		}
	}
	return version, nil
}
