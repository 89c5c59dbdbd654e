// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package vfs

import (
	"bytes"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors/oserror"
)

// NewMem returns a new memory-backed FS implementation. It is safe for
// concurrent use.
func NewMem() *MemFS {
	return &MemFS{
		root: &memNode{isDir: true, children: map[string]*memNode{}},
	}
}

// MemFS is an in-memory FS used by tests.
type MemFS struct {
	mu   sync.Mutex
	root *memNode
}

var _ FS = (*MemFS)(nil)

type memNode struct {
	isDir    bool
	data     []byte
	children map[string]*memNode
	modTime  time.Time
}

func split(fullname string) []string {
	fullname = path.Clean(strings.ReplaceAll(fullname, string(os.PathSeparator), "/"))
	fullname = strings.TrimPrefix(fullname, "/")
	if fullname == "" || fullname == "." {
		return nil
	}
	return strings.Split(fullname, "/")
}

// walk returns the node for the parent directory of fullname and the final
// path element. The parent must exist and be a directory.
func (y *MemFS) walk(fullname string) (*memNode, string, error) {
	parts := split(fullname)
	if len(parts) == 0 {
		return nil, "", oserror.ErrInvalid
	}
	dir := y.root
	for _, p := range parts[:len(parts)-1] {
		child, ok := dir.children[p]
		if !ok {
			return nil, "", oserror.ErrNotExist
		}
		if !child.isDir {
			return nil, "", oserror.ErrInvalid
		}
		dir = child
	}
	return dir, parts[len(parts)-1], nil
}

// Create implements FS.Create.
func (y *MemFS) Create(name string) (File, error) {
	y.mu.Lock()
	defer y.mu.Unlock()
	dir, base, err := y.walk(name)
	if err != nil {
		return nil, err
	}
	n := &memNode{modTime: time.Now()}
	dir.children[base] = n
	return &memFile{fs: y, n: n, write: true}, nil
}

// Link implements FS.Link.
func (y *MemFS) Link(oldname, newname string) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	oldDir, oldBase, err := y.walk(oldname)
	if err != nil {
		return err
	}
	n, ok := oldDir.children[oldBase]
	if !ok {
		return oserror.ErrNotExist
	}
	newDir, newBase, err := y.walk(newname)
	if err != nil {
		return err
	}
	if _, ok := newDir.children[newBase]; ok {
		return oserror.ErrExist
	}
	newDir.children[newBase] = n
	return nil
}

// Open implements FS.Open.
func (y *MemFS) Open(name string) (File, error) {
	y.mu.Lock()
	defer y.mu.Unlock()
	dir, base, err := y.walk(name)
	if err != nil {
		return nil, err
	}
	n, ok := dir.children[base]
	if !ok {
		return nil, oserror.ErrNotExist
	}
	if n.isDir {
		return nil, oserror.ErrInvalid
	}
	return &memFile{fs: y, n: n, r: bytes.NewReader(n.data)}, nil
}

// Remove implements FS.Remove.
func (y *MemFS) Remove(name string) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	dir, base, err := y.walk(name)
	if err != nil {
		return err
	}
	n, ok := dir.children[base]
	if !ok {
		return oserror.ErrNotExist
	}
	if n.isDir && len(n.children) > 0 {
		return oserror.ErrExist
	}
	delete(dir.children, base)
	return nil
}

// RemoveAll implements FS.RemoveAll.
func (y *MemFS) RemoveAll(name string) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	dir, base, err := y.walk(name)
	if err != nil {
		// Match os.RemoveAll, which returns nil when nothing exists at
		// the path.
		if oserror.IsNotExist(err) {
			return nil
		}
		return err
	}
	delete(dir.children, base)
	return nil
}

// Rename implements FS.Rename.
func (y *MemFS) Rename(oldname, newname string) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	oldDir, oldBase, err := y.walk(oldname)
	if err != nil {
		return err
	}
	n, ok := oldDir.children[oldBase]
	if !ok {
		return oserror.ErrNotExist
	}
	newDir, newBase, err := y.walk(newname)
	if err != nil {
		return err
	}
	delete(oldDir.children, oldBase)
	newDir.children[newBase] = n
	return nil
}

// MkdirAll implements FS.MkdirAll.
func (y *MemFS) MkdirAll(dir string, _ os.FileMode) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	node := y.root
	for _, p := range split(dir) {
		child, ok := node.children[p]
		if !ok {
			child = &memNode{isDir: true, children: map[string]*memNode{}, modTime: time.Now()}
			node.children[p] = child
		}
		if !child.isDir {
			return oserror.ErrInvalid
		}
		node = child
	}
	return nil
}

// List implements FS.List.
func (y *MemFS) List(dir string) ([]string, error) {
	y.mu.Lock()
	defer y.mu.Unlock()
	node := y.root
	for _, p := range split(dir) {
		child, ok := node.children[p]
		if !ok {
			return nil, oserror.ErrNotExist
		}
		node = child
	}
	if !node.isDir {
		return nil, oserror.ErrInvalid
	}
	names := make([]string, 0, len(node.children))
	for name := range node.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Stat implements FS.Stat.
func (y *MemFS) Stat(name string) (os.FileInfo, error) {
	y.mu.Lock()
	defer y.mu.Unlock()
	dir, base, err := y.walk(name)
	if err != nil {
		return nil, err
	}
	n, ok := dir.children[base]
	if !ok {
		return nil, oserror.ErrNotExist
	}
	return memFileInfo{name: base, n: n}, nil
}

// PathBase implements FS.PathBase.
func (*MemFS) PathBase(p string) string { return path.Base(p) }

// PathJoin implements FS.PathJoin.
func (*MemFS) PathJoin(elem ...string) string { return path.Join(elem...) }

// PathDir implements FS.PathDir.
func (*MemFS) PathDir(p string) string { return path.Dir(p) }

type memFile struct {
	fs    *MemFS
	n     *memNode
	r     *bytes.Reader
	write bool
}

func (f *memFile) Read(p []byte) (int, error) {
	if f.write || f.r == nil {
		return 0, oserror.ErrInvalid
	}
	return f.r.Read(p)
}

func (f *memFile) Write(p []byte) (int, error) {
	if !f.write {
		return 0, oserror.ErrInvalid
	}
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	f.n.data = append(f.n.data, p...)
	f.n.modTime = time.Now()
	return len(p), nil
}

func (f *memFile) Close() error { return nil }

func (f *memFile) Sync() error { return nil }

func (f *memFile) Stat() (os.FileInfo, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return memFileInfo{name: "", n: f.n}, nil
}

type memFileInfo struct {
	name string
	n    *memNode
}

func (fi memFileInfo) Name() string { return fi.name }

func (fi memFileInfo) Size() int64 { return int64(len(fi.n.data)) }

func (fi memFileInfo) Mode() os.FileMode {
	if fi.n.isDir {
		return os.ModeDir | 0755
	}
	return 0644
}

func (fi memFileInfo) ModTime() time.Time { return fi.n.modTime }

func (fi memFileInfo) IsDir() bool { return fi.n.isDir }

func (fi memFileInfo) Sys() interface{} { return nil }
