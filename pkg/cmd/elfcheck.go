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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"minikern.dev/minikern/pkg/loader"
	"minikern.dev/minikern/pkg/mm"
)

// ElfCheck implements subcommands.Command for the "elfcheck" command: run a
// host file through the kernel's executable validator and report whether it
// would load.
type ElfCheck struct{}

// Name implements subcommands.Command.Name.
func (*ElfCheck) Name() string {
	return "elfcheck"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*ElfCheck) Synopsis() string {
	return "validate an ELF executable against the kernel loader"
}

// Usage implements subcommands.Command.Usage.
func (*ElfCheck) Usage() string {
	return "elfcheck <file> - validates a 32-bit static ELF executable.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*ElfCheck) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*ElfCheck) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	path := f.Arg(0)

	hf, err := os.Open(path)
	if err != nil {
		fatalf("opening %q: %v", path, err)
	}
	defer hf.Close()
	st, err := hf.Stat()
	if err != nil {
		fatalf("stat %q: %v", path, err)
	}

	pd, err := mm.NewPageDir(mm.NewAllocator(0))
	if err != nil {
		fatalf("page directory: %v", err)
	}
	defer pd.Destroy()

	res, err := loader.Load(&hostFile{f: hf, size: st.Size(), name: path}, pd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: not loadable: %v\n", path, err)
		return subcommands.ExitFailure
	}
	fmt.Printf("%s: ok, entry %#x\n", path, res.Entry)
	return subcommands.ExitSuccess
}

// hostFile adapts a read-only host file to the kernel's file interface.
type hostFile struct {
	f    *os.File
	size int64
	name string
	pos  int64
}

func (h *hostFile) ReadAt(p []byte, off int64) (int, error) {
	return h.f.ReadAt(p, off)
}

func (h *hostFile) Read(p []byte) (int, error) {
	n, err := h.f.ReadAt(p, h.pos)
	h.pos += int64(n)
	return n, err
}

func (h *hostFile) WriteAt([]byte, int64) (int, error) {
	return 0, os.ErrPermission
}

func (h *hostFile) Size() int64 { return h.size }

func (h *hostFile) Name() string { return h.name }

func (h *hostFile) DenyWrite() {}

func (h *hostFile) AllowWrite() {}

func (h *hostFile) Close() error { return h.f.Close() }
