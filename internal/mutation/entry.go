// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mutation

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/timberdb/timber/internal/base"
	"github.com/timberdb/timber/vfs"
)

const entryFormatVersion = 1

// Entry is one durable mutation: a command list committed at a block number
// (its version), persisted as mutation_<version>.txt in the table's data
// directory.
type Entry struct {
	Version     int64
	Commands    Commands
	CreateTime  time.Time
	TID         base.TID
	CSN         base.CSN
	BlockNumber int64

	// Failure record for the most recent part this mutation failed on.
	// Cleared when a later merge or mutation covers the failed part.
	LatestFailedPart     string
	LatestFailedPartInfo base.PartInfo
	LatestFailTime       time.Time
	LatestFailReason     string
	LatestFailErrCode    string

	// IsDone is set by the finished-mutations cleaner once every active
	// part has reached this version.
	IsDone bool
}

// FileName returns the on-disk file name for a mutation version.
func FileName(version int64) string {
	return fmt.Sprintf("mutation_%d.txt", version)
}

// TmpFileName returns the staging file name for a mutation version.
func TmpFileName(version int64) string {
	return fmt.Sprintf("tmp_mutation_%d.txt", version)
}

// ParseFileName extracts the version from a mutation_<version>.txt name.
func ParseFileName(name string) (int64, bool) {
	s, ok := strings.CutPrefix(name, "mutation_")
	if !ok {
		return 0, false
	}
	s, ok = strings.CutSuffix(s, ".txt")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// FailRecord returns true if the entry carries an unresolved failure.
func (e *Entry) FailRecord() bool { return e.LatestFailReason != "" }

// ClearFailure resets the failure record.
func (e *Entry) ClearFailure() {
	e.LatestFailedPart = ""
	e.LatestFailedPartInfo = base.PartInfo{}
	e.LatestFailTime = time.Time{}
	e.LatestFailReason = ""
	e.LatestFailErrCode = ""
}

func (e *Entry) marshal() ([]byte, error) {
	cmds, err := json.Marshal(e.Commands)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "format version: %d\n", entryFormatVersion)
	fmt.Fprintf(&buf, "create time: %s\n", e.CreateTime.UTC().Format(time.RFC3339))
	fmt.Fprintf(&buf, "tid: %s\n", e.TID)
	fmt.Fprintf(&buf, "block number: %d\n", e.BlockNumber)
	fmt.Fprintf(&buf, "commands: %s\n", cmds)
	if e.CSN != 0 {
		fmt.Fprintf(&buf, "csn: %d\n", e.CSN)
	}
	return buf.Bytes(), nil
}

// Write persists the entry at version v under dir: the serialized form is
// staged as tmp_mutation_<v>.txt and renamed into place so that a crash
// leaves either no file or a complete one.
func (e *Entry) Write(fs vfs.FS, dir string) error {
	data, err := e.marshal()
	if err != nil {
		return err
	}
	tmp := fs.PathJoin(dir, TmpFileName(e.Version))
	if err := vfs.WriteFile(fs, tmp, data); err != nil {
		return err
	}
	return fs.Rename(tmp, fs.PathJoin(dir, FileName(e.Version)))
}

// WriteCSN rewrites the entry file with the commit CSN recorded.
func (e *Entry) WriteCSN(fs vfs.FS, dir string, csn base.CSN) error {
	e.CSN = csn
	return e.Write(fs, dir)
}

// RemoveFile deletes the entry's file under dir.
func (e *Entry) RemoveFile(fs vfs.FS, dir string) error {
	return fs.Remove(fs.PathJoin(dir, FileName(e.Version)))
}

// Load reads and parses the named mutation file under dir.
func Load(fs vfs.FS, dir, name string) (*Entry, error) {
	version, ok := ParseFileName(name)
	if !ok {
		return nil, errors.Newf("malformed mutation file name %q", name)
	}
	data, err := vfs.ReadFile(fs, fs.PathJoin(dir, name))
	if err != nil {
		return nil, err
	}
	e := &Entry{Version: version}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(nil, 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ": ")
		if !found {
			return nil, errors.Newf("mutation file %s: malformed line %q", name, line)
		}
		switch key {
		case "format version":
			v, err := strconv.Atoi(value)
			if err != nil || v != entryFormatVersion {
				return nil, errors.Newf("mutation file %s: unsupported format version %q", name, value)
			}
		case "create time":
			if e.CreateTime, err = time.Parse(time.RFC3339, value); err != nil {
				return nil, errors.Wrapf(err, "mutation file %s", name)
			}
		case "tid":
			tid, ok := base.ParseTID(value)
			if !ok {
				return nil, errors.Newf("mutation file %s: malformed tid %q", name, value)
			}
			e.TID = tid
		case "block number":
			if e.BlockNumber, err = strconv.ParseInt(value, 10, 64); err != nil {
				return nil, errors.Wrapf(err, "mutation file %s", name)
			}
		case "commands":
			if err := json.Unmarshal([]byte(value), &e.Commands); err != nil {
				return nil, errors.Wrapf(err, "mutation file %s", name)
			}
		case "csn":
			csn, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "mutation file %s", name)
			}
			e.CSN = csn
		default:
			return nil, errors.Newf("mutation file %s: unknown field %q", name, key)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if e.BlockNumber == 0 {
		e.BlockNumber = version
	}
	return e, nil
}
