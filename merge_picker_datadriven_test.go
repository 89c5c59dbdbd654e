// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/timberdb/timber/internal/base"
	"github.com/timberdb/timber/internal/partset"
)

// TestPickMergeWindow exercises the write-amplification heuristic over
// hand-written part layouts.
//
// Parts are written as min-max:size[@level]; runs of mergeable parts are
// separated by "|".
func TestPickMergeWindow(t *testing.T) {
	parsePart := func(t *testing.T, s string) *partset.Part {
		rng, sizeLevel, ok := strings.Cut(s, ":")
		if !ok {
			t.Fatalf("malformed part %q", s)
		}
		lo, hi, ok := strings.Cut(rng, "-")
		if !ok {
			t.Fatalf("malformed part range %q", s)
		}
		size := sizeLevel
		level := "0"
		if sz, lv, ok := strings.Cut(sizeLevel, "@"); ok {
			size, level = sz, lv
		}
		minBlock, err := strconv.ParseInt(lo, 10, 64)
		if err != nil {
			t.Fatal(err)
		}
		maxBlock, err := strconv.ParseInt(hi, 10, 64)
		if err != nil {
			t.Fatal(err)
		}
		sizeV, err := strconv.ParseUint(size, 10, 64)
		if err != nil {
			t.Fatal(err)
		}
		levelV, err := strconv.ParseUint(level, 10, 32)
		if err != nil {
			t.Fatal(err)
		}
		return &partset.Part{
			Info: base.PartInfo{
				PartitionID: "p", MinBlock: minBlock, MaxBlock: maxBlock, Level: uint32(levelV),
			},
			State: base.PartActive,
			Size:  sizeV,
		}
	}

	datadriven.RunTest(t, "testdata/merge_picker", func(t *testing.T, td *datadriven.TestData) string {
		switch td.Cmd {
		case "pick":
			maxSize := uint64(1 << 40)
			if td.HasArg("max-size") {
				var v int
				td.ScanArgs(t, "max-size", &v)
				maxSize = uint64(v)
			}
			aggressive := td.HasArg("aggressive")

			var runs [][]*partset.Part
			for _, line := range strings.Split(strings.TrimSpace(td.Input), "\n") {
				for _, runStr := range strings.Split(line, "|") {
					var run []*partset.Part
					for _, partStr := range strings.Fields(runStr) {
						run = append(run, parsePart(t, partStr))
					}
					if len(run) > 0 {
						runs = append(runs, run)
					}
				}
			}

			window := pickMergeWindow(runs, maxSize, aggressive)
			if window == nil {
				return "none\n"
			}
			return fmt.Sprintf("%d-%d\n",
				window[0].Info.MinBlock, window[len(window)-1].Info.MaxBlock)

		default:
			return fmt.Sprintf("unknown command %q", td.Cmd)
		}
	})
}
