// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Command timber inspects the data directory of a merge-tree table: the
// part directories and the durable mutation entries.
package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/timberdb/timber/internal/base"
	"github.com/timberdb/timber/internal/mutation"
	"github.com/timberdb/timber/vfs"
)

func main() {
	root := &cobra.Command{
		Use:   "timber",
		Short: "timber inspects merge-tree table data directories",
	}
	root.AddCommand(newPartsCmd(), newMutationsCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newPartsCmd() *cobra.Command {
	var partition string
	cmd := &cobra.Command{
		Use:   "parts <data-dir>",
		Short: "List the data parts of a table directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParts(cmd, args[0], partition)
		},
	}
	cmd.Flags().StringVar(&partition, "partition", "", "restrict to one partition id")
	return cmd
}

func runParts(cmd *cobra.Command, dir, partition string) error {
	fs := vfs.Default
	names, err := fs.List(dir)
	if err != nil {
		return err
	}

	var infos []base.PartInfo
	for _, name := range names {
		info, ok := base.ParsePartDirName(name)
		if !ok {
			continue
		}
		if partition != "" && info.PartitionID != partition {
			continue
		}
		fi, err := fs.Stat(fs.PathJoin(dir, name))
		if err != nil || !fi.IsDir() {
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Compare(infos[j]) < 0 })

	tw := tablewriter.NewWriter(cmd.OutOrStdout())
	tw.SetHeader([]string{"partition", "min", "max", "level", "mutation", "name"})
	for _, info := range infos {
		tw.Append([]string{
			info.PartitionID,
			strconv.FormatInt(info.MinBlock, 10),
			strconv.FormatInt(info.MaxBlock, 10),
			strconv.FormatUint(uint64(info.Level), 10),
			strconv.FormatInt(info.Mutation, 10),
			info.DirName(),
		})
	}
	tw.Render()
	return nil
}

func newMutationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mutations <data-dir>",
		Short: "List the durable mutation entries of a table directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutations(cmd, args[0])
		},
	}
}

func runMutations(cmd *cobra.Command, dir string) error {
	fs := vfs.Default
	names, err := fs.List(dir)
	if err != nil {
		return err
	}
	sort.Strings(names)

	tw := tablewriter.NewWriter(cmd.OutOrStdout())
	tw.SetHeader([]string{"version", "created", "tid", "csn", "commands"})
	for _, name := range names {
		if _, ok := mutation.ParseFileName(name); !ok {
			continue
		}
		e, err := mutation.Load(fs, dir, name)
		if err != nil {
			return err
		}
		var cmds []string
		for _, c := range e.Commands {
			cmds = append(cmds, c.Kind.String())
		}
		tw.Append([]string{
			strconv.FormatInt(e.Version, 10),
			e.CreateTime.Format("2006-01-02 15:04:05"),
			e.TID.String(),
			strconv.FormatUint(e.CSN, 10),
			strings.Join(cmds, ", "),
		})
	}
	tw.Render()
	return nil
}
