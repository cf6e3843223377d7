// Copyright 2024 The minikern Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fs

import (
	"io"

	"minikern.dev/minikern/pkg/abi"
)

// MemFS is the in-memory filesystem the CLI image and the tests run against.
type MemFS struct {
	nodes map[string]*inode
}

type inode struct {
	name    string
	data    []byte
	prog    abi.Program
	denyCnt int
}

// NewMemFS returns an empty filesystem.
func NewMemFS() *MemFS {
	return &MemFS{nodes: make(map[string]*inode)}
}

// Put creates or replaces the named file with the given contents.
func (m *MemFS) Put(name string, data []byte) {
	m.nodes[name] = &inode{name: name, data: append([]byte(nil), data...)}
}

// PutExecutable creates or replaces the named file with an ELF image and the
// program body that image stands for.
func (m *MemFS) PutExecutable(name string, image []byte, prog abi.Program) {
	m.nodes[name] = &inode{name: name, data: append([]byte(nil), image...), prog: prog}
}

// Open implements FileSystem.Open.
func (m *MemFS) Open(name string) (File, error) {
	n, ok := m.nodes[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &memFile{node: n}, nil
}

type memFile struct {
	node   *inode
	pos    int64
	denied bool
	closed bool
}

// Program implements Executable.Program. It returns nil for files that are
// not executable images.
func (f *memFile) Program() abi.Program {
	return f.node.prog
}

func (f *memFile) Name() string {
	return f.node.name
}

func (f *memFile) Size() int64 {
	return int64(len(f.node.data))
}

func (f *memFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	if off >= int64(len(f.node.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.node.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	if f.node.denyCnt > 0 {
		return 0, ErrDenied
	}
	if grow := off + int64(len(p)) - int64(len(f.node.data)); grow > 0 {
		f.node.data = append(f.node.data, make([]byte, grow)...)
	}
	return copy(f.node.data[off:], p), nil
}

func (f *memFile) DenyWrite() {
	if f.closed || f.denied {
		return
	}
	f.denied = true
	f.node.denyCnt++
}

func (f *memFile) AllowWrite() {
	if f.closed || !f.denied {
		return
	}
	f.denied = false
	f.node.denyCnt--
}

func (f *memFile) Close() error {
	if f.closed {
		return ErrClosed
	}
	f.AllowWrite()
	f.closed = true
	return nil
}
