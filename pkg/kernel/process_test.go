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

package kernel

import (
	"bytes"
	"strings"
	"testing"

	"minikern.dev/minikern/pkg/abi"
	"minikern.dev/minikern/pkg/elfgen"
	"minikern.dev/minikern/pkg/fs"
	"minikern.dev/minikern/pkg/mm"
)

// userKernel boots a kernel over a filesystem holding the given program
// bodies, each behind a real ELF image, and returns the console buffer.
func userKernel(t *testing.T, cfg Config, programs map[string]abi.Program) (*Kernel, *bytes.Buffer) {
	t.Helper()
	image := fs.NewMemFS()
	for name, prog := range programs {
		image.PutExecutable(name, elfgen.Trivial(), prog)
	}
	console := &bytes.Buffer{}
	cfg.FS = image
	cfg.Console = console
	return boot(t, cfg), console
}

func TestExecuteEcho(t *testing.T) {
	k, console := userKernel(t, Config{Policy: PolicyFIFO}, map[string]abi.Program{
		"echo": func(sys abi.Syscaller) int32 {
			args := sys.Args()
			sys.Write(1, []byte(strings.Join(args[1:], " ")+"\n"))
			return 0
		},
	})

	pid := k.Execute("echo hello world")
	if pid == abi.PIDError {
		t.Fatal("Execute failed")
	}
	if code := k.Wait(pid); code != 0 {
		t.Errorf("Wait = %d, want 0", code)
	}

	out := console.String()
	if !strings.Contains(out, "hello world\n") {
		t.Errorf("console %q missing %q", out, "hello world\n")
	}
	if !strings.Contains(out, "echo: exit(0)\n") {
		t.Errorf("console %q missing exit announcement", out)
	}
}

func TestWaitReturnsExitCodeOnce(t *testing.T) {
	k, _ := userKernel(t, Config{Policy: PolicyFIFO}, map[string]abi.Program{
		"child": func(sys abi.Syscaller) int32 {
			sys.Exit(42)
			return 0
		},
	})

	pid := k.Execute("child")
	if pid == abi.PIDError {
		t.Fatal("Execute failed")
	}
	if code := k.Wait(pid); code != 42 {
		t.Errorf("first Wait = %d, want 42", code)
	}
	if code := k.Wait(pid); code != -1 {
		t.Errorf("second Wait = %d, want -1", code)
	}
}

func TestWaitReverseOrder(t *testing.T) {
	k, _ := userKernel(t, Config{Policy: PolicyFIFO}, map[string]abi.Program{
		"seven": func(sys abi.Syscaller) int32 { return 7 },
		"eight": func(sys abi.Syscaller) int32 { return 8 },
	})

	p7 := k.Execute("seven")
	p8 := k.Execute("eight")
	if p7 == abi.PIDError || p8 == abi.PIDError {
		t.Fatal("Execute failed")
	}
	if code := k.Wait(p8); code != 8 {
		t.Errorf("Wait(second) = %d, want 8", code)
	}
	if code := k.Wait(p7); code != 7 {
		t.Errorf("Wait(first) = %d, want 7", code)
	}
}

func TestWaitOnUnknownPID(t *testing.T) {
	k, _ := userKernel(t, Config{Policy: PolicyFIFO}, nil)
	if code := k.Wait(9999); code != -1 {
		t.Errorf("Wait(unknown) = %d, want -1", code)
	}
}

func TestWaitNotParent(t *testing.T) {
	k, _ := userKernel(t, Config{Policy: PolicyFIFO}, map[string]abi.Program{
		"child": func(sys abi.Syscaller) int32 { return 5 },
	})

	pid := k.Execute("child")
	if pid == abi.PIDError {
		t.Fatal("Execute failed")
	}

	// A different kernel thread is not the creator; its wait must fail and
	// must not consume the join record.
	stranger := int32(0)
	if _, err := k.Spawn("stranger", PriDefault, func() {
		stranger = k.Wait(pid)
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	k.Yield()
	if stranger != -1 {
		t.Errorf("stranger Wait = %d, want -1", stranger)
	}
	if code := k.Wait(pid); code != 5 {
		t.Errorf("parent Wait = %d, want 5", code)
	}
}

func TestExecuteMissingProgram(t *testing.T) {
	k, _ := userKernel(t, Config{Policy: PolicyFIFO}, nil)
	if pid := k.Execute("nosuch"); pid != abi.PIDError {
		t.Errorf("Execute(missing) = %d, want PIDError", pid)
	}
}

func TestExecuteRejectsBadImage(t *testing.T) {
	image := fs.NewMemFS()
	image.Put("junk", []byte("this is not an executable"))
	console := &bytes.Buffer{}
	k := boot(t, Config{Policy: PolicyFIFO, FS: image, Console: console})

	if pid := k.Execute("junk"); pid != abi.PIDError {
		t.Errorf("Execute(junk) = %d, want PIDError", pid)
	}
}

func TestExecuteReleasesPagesOnFailure(t *testing.T) {
	alloc := mm.NewAllocator(0)
	image := fs.NewMemFS()
	image.Put("junk", []byte("garbage"))
	k := boot(t, Config{Policy: PolicyFIFO, FS: image, Alloc: alloc})

	k.Yield()
	base := alloc.InUse()
	if pid := k.Execute("junk"); pid != abi.PIDError {
		t.Fatalf("Execute(junk) = %d, want PIDError", pid)
	}
	k.Yield() // let the reaper free the dead child's kernel stack
	if got := alloc.InUse(); got != base {
		t.Errorf("pages in use after failed exec = %d, want %d", got, base)
	}
}

func TestExecuteUnderMemoryPressure(t *testing.T) {
	// Enough for the idle stack, the scratch page, and the child's kernel
	// stack, but not its page directory.
	alloc := mm.NewAllocator(3)
	image := fs.NewMemFS()
	image.PutExecutable("prog", elfgen.Trivial(), func(sys abi.Syscaller) int32 { return 0 })
	k := boot(t, Config{Policy: PolicyFIFO, FS: image, Alloc: alloc})

	if pid := k.Execute("prog"); pid != abi.PIDError {
		t.Errorf("Execute under pressure = %d, want PIDError", pid)
	}
}

func TestProcessNameTruncated(t *testing.T) {
	// Process names cap at 15 characters: the executable is looked up, and
	// announced, under the truncated name.
	truncated := "fifteencharslng"
	k, console := userKernel(t, Config{Policy: PolicyFIFO}, map[string]abi.Program{
		truncated: func(sys abi.Syscaller) int32 { return 0 },
	})

	pid := k.Execute(truncated + "tail with args")
	if pid == abi.PIDError {
		t.Fatal("Execute failed")
	}
	if code := k.Wait(pid); code != 0 {
		t.Errorf("Wait = %d, want 0", code)
	}
	if !strings.Contains(console.String(), truncated+": exit(0)\n") {
		t.Errorf("console %q missing truncated announcement", console.String())
	}
}

func TestDenyWriteWhileRunning(t *testing.T) {
	k, _ := userKernel(t, Config{Policy: PolicyFIFO}, map[string]abi.Program{
		"prog": func(sys abi.Syscaller) int32 {
			fd := sys.Open("prog")
			if fd == abi.FDError {
				return 1
			}
			// Writing to the running image must fail.
			if n := sys.Write(fd, []byte{0x90}); n != -1 {
				return 2
			}
			sys.Close(fd)
			return 0
		},
	})

	pid := k.Execute("prog")
	if pid == abi.PIDError {
		t.Fatal("Execute failed")
	}
	if code := k.Wait(pid); code != 0 {
		t.Errorf("Wait = %d, want 0 (deny-write held)", code)
	}

	// After exit the deny-write is released.
	f, err := k.cfg.FS.Open("prog")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := f.WriteAt([]byte{1}, 0); err != nil {
		t.Errorf("WriteAt after exit: %v", err)
	}
}

func TestFileDescriptorTable(t *testing.T) {
	image := fs.NewMemFS()
	image.Put("data", []byte("abcdef"))
	image.PutExecutable("prog", elfgen.Trivial(), func(sys abi.Syscaller) int32 {
		fd1 := sys.Open("data")
		fd2 := sys.Open("data")
		if fd1 != 2 || fd2 != 3 {
			return 1
		}
		if sys.Filesize(fd1) != 6 {
			return 2
		}
		buf := make([]byte, 3)
		if sys.Read(fd1, buf) != 3 || string(buf) != "abc" {
			return 3
		}
		// Independent positions per descriptor.
		if sys.Read(fd2, buf) != 3 || string(buf) != "abc" {
			return 4
		}
		if !sys.Close(fd1) {
			return 5
		}
		if sys.Close(fd1) {
			return 6
		}
		if sys.Read(fd1, buf) != -1 {
			return 7
		}
		return 0
	})
	console := &bytes.Buffer{}
	k := boot(t, Config{Policy: PolicyFIFO, FS: image, Console: console})

	pid := k.Execute("prog")
	if pid == abi.PIDError {
		t.Fatal("Execute failed")
	}
	if code := k.Wait(pid); code != 0 {
		t.Errorf("Wait = %d, want 0", code)
	}
}

func TestNestedExec(t *testing.T) {
	k, console := userKernel(t, Config{Policy: PolicyFIFO}, map[string]abi.Program{
		"parent": func(sys abi.Syscaller) int32 {
			pid := sys.Exec("leaf 13")
			if pid == abi.PIDError {
				return -2
			}
			return sys.Wait(pid)
		},
		"leaf": func(sys abi.Syscaller) int32 {
			args := sys.Args()
			if len(args) != 2 {
				return -3
			}
			n := int32(0)
			for _, c := range args[1] {
				n = n*10 + int32(c-'0')
			}
			return n
		},
	})

	pid := k.Execute("parent")
	if pid == abi.PIDError {
		t.Fatal("Execute failed")
	}
	if code := k.Wait(pid); code != 13 {
		t.Errorf("Wait = %d, want 13", code)
	}
	if !strings.Contains(console.String(), "leaf: exit(13)") {
		t.Errorf("console %q missing leaf exit", console.String())
	}
}

func TestArgsDecodedFromStack(t *testing.T) {
	k, _ := userKernel(t, Config{Policy: PolicyFIFO}, map[string]abi.Program{
		"argcheck": func(sys abi.Syscaller) int32 {
			args := sys.Args()
			if len(args) != 4 {
				return 1
			}
			want := []string{"argcheck", "one", "two", "three"}
			for i := range want {
				if args[i] != want[i] {
					return 2
				}
			}
			return 0
		},
	})

	pid := k.Execute("argcheck one two three")
	if pid == abi.PIDError {
		t.Fatal("Execute failed")
	}
	if code := k.Wait(pid); code != 0 {
		t.Errorf("Wait = %d, want 0", code)
	}
}

func TestExitReleasesAllPages(t *testing.T) {
	alloc := mm.NewAllocator(0)
	image := fs.NewMemFS()
	image.PutExecutable("prog", elfgen.Trivial(), func(sys abi.Syscaller) int32 {
		sys.Open("prog") // left open on purpose; exit must close it
		return 0
	})
	k := boot(t, Config{Policy: PolicyFIFO, FS: image, Alloc: alloc})

	base := alloc.InUse()
	pid := k.Execute("prog")
	if pid == abi.PIDError {
		t.Fatal("Execute failed")
	}
	k.Wait(pid)
	k.Yield() // reap the child's kernel stack
	if got := alloc.InUse(); got != base {
		t.Errorf("pages in use after exit = %d, want %d", got, base)
	}
}
