// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/timberdb/timber/internal/base"
	"github.com/timberdb/timber/internal/mutation"
	"github.com/timberdb/timber/internal/partset"
	"github.com/timberdb/timber/vfs"
)

// partMetaFile summarizes a part directory for the default performer. The
// real column files are produced by the execution pipeline, which is outside
// the engine.
const partMetaFile = "meta.txt"

// fsPerformer is the default Performer: it manages bare part directories
// holding only a metadata summary. Merges concatenate the source summaries;
// mutations rewrite the summary at a new mutation version.
type fsPerformer struct {
	fs vfs.FS
}

// NewFSPerformer returns the default filesystem-backed Performer.
func NewFSPerformer(fs vfs.FS) Performer {
	return &fsPerformer{fs: fs}
}

func (p *fsPerformer) writeMeta(path string, rows, size uint64) error {
	data := fmt.Sprintf("rows: %d\nbytes: %d\n", rows, size)
	return vfs.WriteFile(p.fs, p.fs.PathJoin(path, partMetaFile), []byte(data))
}

// ReadPartMeta reads the rows/bytes summary of a part directory. A missing
// summary is treated as an empty part.
func ReadPartMeta(fs vfs.FS, path string) (size, rows uint64, err error) {
	data, err := vfs.ReadFile(fs, fs.PathJoin(path, partMetaFile))
	if err != nil {
		return 0, 0, nil
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, found := strings.Cut(line, ": ")
		if !found {
			continue
		}
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return 0, 0, errors.Newf("malformed part meta line %q", line)
		}
		switch key {
		case "rows":
			rows = v
		case "bytes":
			size = v
		}
	}
	return size, rows, nil
}

func (p *fsPerformer) WritePart(path string, _ base.PartInfo, rows, size uint64) error {
	if err := p.fs.MkdirAll(path, 0755); err != nil {
		return err
	}
	return p.writeMeta(path, rows, size)
}

func (p *fsPerformer) MergeParts(
	path string, _ base.PartInfo, sources []*partset.Part, cancelled func() bool,
) (size, rows uint64, err error) {
	if err := p.fs.MkdirAll(path, 0755); err != nil {
		return 0, 0, err
	}
	for _, src := range sources {
		if cancelled != nil && cancelled() {
			return 0, 0, ErrMergeCancelled
		}
		size += src.Size
		rows += src.Rows
	}
	if err := p.writeMeta(path, rows, size); err != nil {
		return 0, 0, err
	}
	return size, rows, nil
}

func (p *fsPerformer) MutatePart(
	path string, _ base.PartInfo, source *partset.Part, _ mutation.Commands, cancelled func() bool,
) (size, rows uint64, err error) {
	if cancelled != nil && cancelled() {
		return 0, 0, ErrMergeCancelled
	}
	if err := p.fs.MkdirAll(path, 0755); err != nil {
		return 0, 0, err
	}
	if err := p.writeMeta(path, source.Rows, source.Size); err != nil {
		return 0, 0, err
	}
	return source.Size, source.Rows, nil
}

func (p *fsPerformer) ClonePart(srcPath, dstPath string, hardlinks bool) error {
	if err := p.fs.MkdirAll(dstPath, 0755); err != nil {
		return err
	}
	names, err := p.fs.List(srcPath)
	if err != nil {
		return err
	}
	for _, name := range names {
		src := p.fs.PathJoin(srcPath, name)
		dst := p.fs.PathJoin(dstPath, name)
		if hardlinks {
			if err := p.fs.Link(src, dst); err != nil {
				return err
			}
			continue
		}
		data, err := vfs.ReadFile(p.fs, src)
		if err != nil {
			return err
		}
		if err := vfs.WriteFile(p.fs, dst, data); err != nil {
			return err
		}
	}
	return nil
}
