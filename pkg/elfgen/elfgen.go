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

// Package elfgen assembles minimal 32-bit static ELF executables. The
// in-memory filesystem's executables are built with it, so the loader always
// has genuine images to validate and map.
package elfgen

import (
	"bytes"
	"encoding/binary"
)

// Segment describes one PT_LOAD region of an image under construction.
type Segment struct {
	// Vaddr is the segment's user virtual address.
	Vaddr uint32

	// Data is the file-backed portion (p_filesz bytes).
	Data []byte

	// ExtraMem is how far p_memsz extends past p_filesz (bss).
	ExtraMem uint32

	// Writable sets PF_W on the segment.
	Writable bool
}

const (
	ehdrSize = 52
	phdrSize = 32

	ptLoad = 1
	pfX    = 1
	pfW    = 2
	pfR    = 4
)

// Build assembles an executable with the given entry point and segments.
// Segment file offsets are assigned so that each keeps its virtual address's
// intra-page alignment, as the loader requires.
func Build(entry uint32, segs ...Segment) []byte {
	var body bytes.Buffer
	phoff := uint32(ehdrSize)
	dataOff := phoff + uint32(len(segs))*phdrSize

	type placed struct {
		seg Segment
		off uint32
	}
	ps := make([]placed, 0, len(segs))
	for _, s := range segs {
		// Advance to an offset congruent with the vaddr modulo the page size.
		const pageMask = 0xFFF
		off := dataOff
		want := s.Vaddr & pageMask
		if off&pageMask != want {
			off += (want - off) & pageMask
		}
		ps = append(ps, placed{seg: s, off: off})
		dataOff = off + uint32(len(s.Data))
	}

	le := binary.LittleEndian
	var hdr bytes.Buffer
	hdr.Write([]byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	w16 := func(v uint16) { binary.Write(&hdr, le, v) }
	w32 := func(v uint32) { binary.Write(&hdr, le, v) }
	w16(2)                  // e_type = ET_EXEC
	w16(3)                  // e_machine = EM_386
	w32(1)                  // e_version
	w32(entry)              // e_entry
	w32(phoff)              // e_phoff
	w32(0)                  // e_shoff
	w32(0)                  // e_flags
	w16(ehdrSize)           // e_ehsize
	w16(phdrSize)           // e_phentsize
	w16(uint16(len(segs)))  // e_phnum
	w16(0)                  // e_shentsize
	w16(0)                  // e_shnum
	w16(0)                  // e_shstrndx

	for _, p := range ps {
		flags := uint32(pfR | pfX)
		if p.seg.Writable {
			flags |= pfW
		}
		binary.Write(&hdr, le, phdr{
			Type:   ptLoad,
			Off:    p.off,
			Vaddr:  p.seg.Vaddr,
			Paddr:  p.seg.Vaddr,
			Filesz: uint32(len(p.seg.Data)),
			Memsz:  uint32(len(p.seg.Data)) + p.seg.ExtraMem,
			Flags:  flags,
			Align:  0x1000,
		})
	}

	body.Write(hdr.Bytes())
	for _, p := range ps {
		if pad := int(p.off) - body.Len(); pad > 0 {
			body.Write(make([]byte, pad))
		}
		body.Write(p.seg.Data)
	}
	return body.Bytes()
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

// Trivial returns a minimal valid executable: one read-only code page at
// vaddr 0x08048000 whose contents are a recognizable filler.
func Trivial() []byte {
	code := bytes.Repeat([]byte{0x90}, 64) // nop sled
	code = append(code, 0xc3)              // ret
	return Build(0x08048000, Segment{Vaddr: 0x08048000, Data: code})
}
