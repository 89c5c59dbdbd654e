// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"github.com/timberdb/timber/internal/base"
	"github.com/timberdb/timber/internal/mutation"
	"github.com/timberdb/timber/internal/partset"
)

// PartInfo exports the base.PartInfo type.
type PartInfo = base.PartInfo

// PartState exports the base.PartState type.
type PartState = base.PartState

// The part lifecycle states.
const (
	PartTemporary       = base.PartTemporary
	PartPreCommitted    = base.PartPreCommitted
	PartActive          = base.PartActive
	PartOutdated        = base.PartOutdated
	PartDeleting        = base.PartDeleting
	PartDeleteOnDestroy = base.PartDeleteOnDestroy
)

// Part exports the partset.Part type.
type Part = partset.Part

// TTLInfo exports the partset.TTLInfo type.
type TTLInfo = partset.TTLInfo

// TID exports the base.TID type.
type TID = base.TID

// CSN exports the base.CSN type.
type CSN = base.CSN

// PrehistoricTID exports the base.PrehistoricTID sentinel.
var PrehistoricTID = base.PrehistoricTID

// BlockOp exports the base.BlockOp type.
type BlockOp = base.BlockOp

// The block-number operation kinds.
const (
	BlockOpNewPart  = base.BlockOpNewPart
	BlockOpMutation = base.BlockOpMutation
	BlockOpUpdate   = base.BlockOpUpdate
)

// CommittingBlock exports the base.CommittingBlock type.
type CommittingBlock = base.CommittingBlock

// MutationCommand exports the mutation.Command type.
type MutationCommand = mutation.Command

// MutationCommands exports the mutation.Commands type.
type MutationCommands = mutation.Commands

// The mutation command kinds.
const (
	CommandUpdate           = mutation.CommandUpdate
	CommandDelete           = mutation.CommandDelete
	CommandMaterializeTTL   = mutation.CommandMaterializeTTL
	CommandMaterializeIndex = mutation.CommandMaterializeIndex
	CommandDropColumn       = mutation.CommandDropColumn
	CommandDropIndex        = mutation.CommandDropIndex
	CommandDropProjection   = mutation.CommandDropProjection
	CommandDropStatistics   = mutation.CommandDropStatistics
	CommandRenameColumn     = mutation.CommandRenameColumn
)

// MutationFileName exports the mutation.FileName helper.
func MutationFileName(version int64) string { return mutation.FileName(version) }

// ParseMutationFileName exports the mutation.ParseFileName helper.
func ParseMutationFileName(name string) (int64, bool) { return mutation.ParseFileName(name) }

// ParsePartDirName exports the base.ParsePartDirName helper.
func ParsePartDirName(name string) (PartInfo, bool) { return base.ParsePartDirName(name) }

// Logger exports the base.Logger type.
type Logger = base.Logger

// DefaultLogger exports the base.DefaultLogger type.
type DefaultLogger = base.DefaultLogger
