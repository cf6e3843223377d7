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

// Package fs defines the filesystem collaborator the kernel loads
// executables and serves file syscalls through, plus the in-memory
// implementation used by the CLI image and the tests.
//
// The filesystem is not reentrant: the kernel serializes every call through
// its global filesystem lock, so implementations carry no locking of their
// own.
package fs

import (
	"errors"
	"io"

	"minikern.dev/minikern/pkg/abi"
)

var (
	// ErrNotFound is returned by Open for a missing file.
	ErrNotFound = errors.New("file not found")

	// ErrDenied is returned for writes to a file whose inode has writes
	// denied.
	ErrDenied = errors.New("writes denied")

	// ErrClosed is returned for operations on a closed file.
	ErrClosed = errors.New("file closed")
)

// File is one open file: an independent position over a shared inode.
type File interface {
	io.ReaderAt

	// Read reads from the file's current position, advancing it.
	Read(p []byte) (int, error)

	// WriteAt writes at the given offset, growing the file as needed. Fails
	// with ErrDenied while the inode has writes denied.
	WriteAt(p []byte, off int64) (int, error)

	// Size returns the current file length.
	Size() int64

	// Name returns the name the file was opened under.
	Name() string

	// DenyWrite blocks writes to the underlying inode until a matching
	// AllowWrite. Denials made through different open files nest; a repeat
	// DenyWrite through the same file has no further effect.
	DenyWrite()

	// AllowWrite undoes this file's DenyWrite.
	AllowWrite()

	// Close releases the open file. If DenyWrite is in effect through this
	// file it is released first.
	Close() error
}

// FileSystem opens files by name.
type FileSystem interface {
	Open(name string) (File, error)
}

// Executable is implemented by files that carry a runnable program body in
// addition to their on-disk image.
type Executable interface {
	Program() abi.Program
}
