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

package loader

import (
	"encoding/binary"
	"strings"

	"minikern.dev/minikern/pkg/mm"
)

// MaxArgs bounds the number of command-line tokens packed onto the stack.
const MaxArgs = 50

// PushArgs lays the System V i386 argument area onto the user stack mapped
// in pd, starting from esp, and returns the entry stack pointer. From low to
// high addresses the result is: fake return address 0, argc, argv (pointer
// to argv[0]), argv[0..argc-1], NULL sentinel, alignment padding, then the
// string bodies.
func PushArgs(pd *mm.PageDir, esp mm.Addr, cmdline string) (mm.Addr, error) {
	args := strings.Fields(cmdline)
	if len(args) > MaxArgs {
		return 0, ErrTooManyArgs
	}
	argc := len(args)

	// String bodies, last token pushed first so argv[0]'s body ends up
	// lowest.
	ptrs := make([]uint32, argc)
	for i := argc - 1; i >= 0; i-- {
		body := append([]byte(args[i]), 0)
		esp -= mm.Addr(len(body))
		if err := pd.CopyOut(esp, body); err != nil {
			return 0, err
		}
		ptrs[i] = uint32(esp)
	}

	// Align so that once the NULL sentinel, the argv[i] pointers, argv
	// itself and argc are pushed, the stack pointer sits on a 16-byte
	// boundary; the fake return address then leaves it one word below.
	pending := uint32(argc+3) * 4
	esp -= mm.Addr((uint32(esp) - pending) % 16)

	words := make([]uint32, 0, argc+4)
	words = append(words, 0) // fake return address, pushed last
	words = append(words, uint32(argc))
	words = append(words, uint32(esp)-uint32(argc+1)*4) // argv = &argv[0]
	words = append(words, ptrs...)
	words = append(words, 0) // argv[argc] sentinel

	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	esp -= mm.Addr(len(buf))
	if err := pd.CopyOut(esp, buf); err != nil {
		return 0, err
	}
	return esp, nil
}

// ReadArgs decodes the argument vector back out of a stack previously built
// by PushArgs, given the entry stack pointer.
func ReadArgs(pd *mm.PageDir, esp mm.Addr) ([]string, error) {
	argc, err := readWord(pd, esp+4)
	if err != nil {
		return nil, err
	}
	argv, err := readWord(pd, esp+8)
	if err != nil {
		return nil, err
	}
	args := make([]string, argc)
	for i := range args {
		p, err := readWord(pd, mm.Addr(argv)+mm.Addr(4*i))
		if err != nil {
			return nil, err
		}
		s, err := readString(pd, mm.Addr(p))
		if err != nil {
			return nil, err
		}
		args[i] = s
	}
	return args, nil
}

func readWord(pd *mm.PageDir, at mm.Addr) (uint32, error) {
	var b [4]byte
	if err := pd.CopyIn(b[:], at); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readString(pd *mm.PageDir, at mm.Addr) (string, error) {
	var sb strings.Builder
	var b [1]byte
	for {
		if err := pd.CopyIn(b[:], at); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return sb.String(), nil
		}
		sb.WriteByte(b[0])
		at++
	}
}
