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

// Package progs carries the user programs shipped on the demo filesystem
// image. Each is a genuine ELF executable (so the loader has real bytes to
// validate and map) with its program body attached.
package progs

import (
	"fmt"
	"strconv"
	"strings"

	"minikern.dev/minikern/pkg/abi"
	"minikern.dev/minikern/pkg/elfgen"
	"minikern.dev/minikern/pkg/fs"
)

// Install populates m with the demo programs.
func Install(m *fs.MemFS) {
	for name, prog := range table {
		m.PutExecutable(name, elfgen.Trivial(), prog)
	}
}

// Names returns the installed program names, for the CLI listing.
func Names() []string {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	return names
}

var table = map[string]abi.Program{
	"echo":    echo,
	"exit":    exitProg,
	"spawn":   spawn,
	"counter": counter,
	"sema":    sema,
}

// echo prints its arguments and exits 0.
func echo(sys abi.Syscaller) int32 {
	args := sys.Args()
	out := strings.Join(args[1:], " ") + "\n"
	sys.Write(1, []byte(out))
	return 0
}

// exitProg exits with the code given as its first argument.
func exitProg(sys abi.Syscaller) int32 {
	args := sys.Args()
	if len(args) < 2 {
		return 0
	}
	code, err := strconv.Atoi(args[1])
	if err != nil {
		return -1
	}
	sys.Exit(int32(code))
	return 0 // unreachable
}

// spawn runs the rest of its command line as a child process and returns
// the child's exit code.
func spawn(sys abi.Syscaller) int32 {
	args := sys.Args()
	if len(args) < 2 {
		return -1
	}
	pid := sys.Exec(strings.Join(args[1:], " "))
	if pid == abi.PIDError {
		sys.Write(1, []byte("spawn: exec failed\n"))
		return -1
	}
	return sys.Wait(pid)
}

// counter runs two threads incrementing a shared counter under one lock and
// prints the final value. The iteration count defaults to 100000.
func counter(sys abi.Syscaller) int32 {
	iters := 100000
	if args := sys.Args(); len(args) > 1 {
		if n, err := strconv.Atoi(args[1]); err == nil && n > 0 {
			iters = n
		}
	}

	var lock byte
	if !sys.LockInit(&lock) {
		return -1
	}
	shared := 0
	worker := func(ts abi.Syscaller, _ uint32) {
		for i := 0; i < iters; i++ {
			ts.LockAcquire(&lock)
			shared++
			ts.LockRelease(&lock)
		}
	}

	t1 := sys.PthreadCreate(worker, 0)
	t2 := sys.PthreadCreate(worker, 0)
	if t1 == abi.TIDError || t2 == abi.TIDError {
		return -1
	}
	sys.PthreadJoin(t1)
	sys.PthreadJoin(t2)

	sys.Write(1, []byte(fmt.Sprintf("counter: %d\n", shared)))
	if shared != 2*iters {
		return 1
	}
	return 0
}

// sema starts a thread that downs a fresh semaphore before exiting, then
// releases it; exit code 3 proves the handoff happened.
func sema(sys abi.Syscaller) int32 {
	var s byte
	if !sys.SemaInit(&s, 0) {
		return -1
	}
	code := int32(0)
	tid := sys.PthreadCreate(func(ts abi.Syscaller, _ uint32) {
		ts.SemaDown(&s)
		code = 3
	}, 0)
	if tid == abi.TIDError {
		return -1
	}
	sys.SemaUp(&s)
	sys.PthreadJoin(tid)
	return code
}
