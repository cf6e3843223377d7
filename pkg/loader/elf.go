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

// Package loader validates 32-bit static ELF executables, maps their
// loadable segments into a process page directory, and builds the initial
// user stack.
package loader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"minikern.dev/minikern/pkg/fs"
	"minikern.dev/minikern/pkg/mm"
)

var (
	// ErrBadImage is returned for executables that fail validation.
	ErrBadImage = errors.New("bad executable image")

	// ErrTooManyArgs is returned when a command line exceeds MaxArgs tokens.
	ErrTooManyArgs = errors.New("too many arguments")
)

// ELF32 file layout constants.
const (
	ehdrSize = 52
	phdrSize = 32

	etExec = 2
	em386  = 3

	ptNull    = 0
	ptLoad    = 1
	ptDynamic = 2
	ptInterp  = 3
	ptNote    = 4
	ptShlib   = 5
	ptPhdr    = 6
	ptStack   = 0x6474e551 // PT_GNU_STACK

	pfW = 2

	// maxPhdrs bounds e_phnum; a legitimate static executable has a handful.
	maxPhdrs = 1024
)

type ehdr struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type phdr struct {
	Type   uint32
	Off    uint32
	Vaddr  uint32
	Paddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

// Result describes a successfully loaded image.
type Result struct {
	// Entry is the program entry point (e_entry).
	Entry uint32

	// ESP is the initial user stack pointer, before argument setup.
	ESP mm.Addr
}

// Load validates the executable open in f and maps its segments into pd,
// then maps the initial stack page. On error, pages already installed into
// pd remain; the caller unwinds by destroying pd. The file's position is not
// used; all reads are offset-addressed.
func Load(f fs.File, pd *mm.PageDir) (Result, error) {
	var e ehdr
	if err := readStruct(f, 0, &e); err != nil {
		return Result{}, fmt.Errorf("%w: short header", ErrBadImage)
	}
	ident := [7]byte{0x7f, 'E', 'L', 'F', 1, 1, 1}
	if [7]byte(e.Ident[:7]) != ident {
		return Result{}, fmt.Errorf("%w: bad magic", ErrBadImage)
	}
	if e.Type != etExec || e.Machine != em386 || e.Version != 1 {
		return Result{}, fmt.Errorf("%w: not a static i386 executable", ErrBadImage)
	}
	if e.Phentsize != phdrSize || e.Phnum > maxPhdrs {
		return Result{}, fmt.Errorf("%w: bad program header table", ErrBadImage)
	}

	fileLen := f.Size()
	off := int64(e.Phoff)
	for i := 0; i < int(e.Phnum); i++ {
		if off < 0 || off > fileLen {
			return Result{}, fmt.Errorf("%w: program header outside file", ErrBadImage)
		}
		var p phdr
		if err := readStruct(f, off, &p); err != nil {
			return Result{}, fmt.Errorf("%w: short program header", ErrBadImage)
		}
		off += phdrSize

		switch p.Type {
		case ptNull, ptNote, ptPhdr, ptStack:
			// Ignorable.
		case ptDynamic, ptInterp, ptShlib:
			return Result{}, fmt.Errorf("%w: dynamic executables not supported", ErrBadImage)
		case ptLoad:
			if !validSegment(&p, fileLen) {
				return Result{}, fmt.Errorf("%w: bad loadable segment", ErrBadImage)
			}
			if err := loadSegment(f, pd, &p); err != nil {
				return Result{}, err
			}
		default:
			// Unknown segment types are ignored.
		}
	}

	esp, err := setupStack(pd)
	if err != nil {
		return Result{}, err
	}
	return Result{Entry: e.Entry, ESP: esp}, nil
}

// validSegment checks that a PT_LOAD header describes a mappable region.
func validSegment(p *phdr, fileLen int64) bool {
	// File offset and virtual address must be congruent modulo the page
	// size, and the segment must start within the file.
	if p.Off&(mm.PageSize-1) != p.Vaddr&(mm.PageSize-1) {
		return false
	}
	if int64(p.Off) > fileLen {
		return false
	}
	if p.Memsz < p.Filesz || p.Filesz == 0 {
		return false
	}
	// The region must lie in user space and must not wrap. The first page is
	// reserved so null dereferences fault.
	if !mm.Addr(p.Vaddr).InUserSpace(p.Memsz) {
		return false
	}
	if p.Vaddr < mm.PageSize {
		return false
	}
	return true
}

// loadSegment reads a validated segment into freshly allocated pages and
// installs them, a page at a time. Bytes past the file contents are zero.
func loadSegment(f fs.File, pd *mm.PageDir, p *phdr) error {
	pageOff := p.Vaddr & (mm.PageSize - 1)
	upage := mm.Addr(p.Vaddr).PageBase()
	fileOff := int64(p.Off - pageOff)
	readBytes := pageOff + p.Filesz
	totalBytes := pageOff + p.Memsz

	writable := p.Flags&pfW != 0
	var done uint32
	for done < totalBytes {
		pageRead := uint32(0)
		if done < readBytes {
			pageRead = readBytes - done
			if pageRead > mm.PageSize {
				pageRead = mm.PageSize
			}
		}

		page, err := pd.Alloc()
		if err != nil {
			return err
		}
		if pageRead > 0 {
			skip := uint32(0)
			if done == 0 {
				// The first page starts mid-page at the segment's intra-page
				// offset; earlier bytes stay zero.
				skip = pageOff
			}
			n, err := f.ReadAt(page.Data[skip:pageRead], fileOff+int64(done)+int64(skip))
			if uint32(n)+skip != pageRead {
				pd.FreePage(page)
				return fmt.Errorf("%w: segment truncated (%v)", ErrBadImage, err)
			}
		}
		if err := pd.SetPage(upage, page, writable); err != nil {
			pd.FreePage(page)
			return fmt.Errorf("%w: overlapping segment", ErrBadImage)
		}
		upage += mm.PageSize
		done += mm.PageSize
	}
	return nil
}

// setupStack maps one zeroed, writable page at the top of user space and
// returns the initial stack pointer.
func setupStack(pd *mm.PageDir) (mm.Addr, error) {
	page, err := pd.Alloc()
	if err != nil {
		return 0, err
	}
	if err := pd.SetPage(mm.UserTop-mm.PageSize, page, true); err != nil {
		pd.FreePage(page)
		return 0, err
	}
	return mm.UserTop, nil
}

func readStruct(f fs.File, off int64, v any) error {
	sz := binary.Size(v)
	sr := io.NewSectionReader(f, off, int64(sz))
	return binary.Read(sr, binary.LittleEndian, v)
}
