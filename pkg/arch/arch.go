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

// Package arch isolates the i386-specific shape of entering user mode: the
// interrupt frame a thread fabricates to "return" into user code, the
// segment selectors and flag bits that frame carries, and the saved FPU
// state. Nothing outside this package knows the layout.
package arch

// Segment selectors from the boot GDT.
const (
	SelKCSeg uint16 = 0x08 // kernel code
	SelKDSeg uint16 = 0x10 // kernel data
	SelUCSeg uint16 = 0x1B // user code, RPL 3
	SelUDSeg uint16 = 0x23 // user data, RPL 3
)

// EFLAGS bits used when fabricating a user frame.
const (
	FlagMBS uint32 = 0x00000002 // must-be-set bit
	FlagIF  uint32 = 0x00000200 // interrupts enabled
)

// FPUStateSize is the size of an FNSAVE image.
const FPUStateSize = 108

// TrapFrame is the logical content of the interrupt frame pushed on a
// transition from user mode, and fabricated to enter it.
type TrapFrame struct {
	// General registers.
	EAX, EBX, ECX, EDX uint32
	ESI, EDI, EBP      uint32

	// Segment selectors.
	GS, FS, ES, DS, CS, SS uint16

	// Saved program state.
	EIP    uint32
	ESP    uint32
	EFlags uint32

	// FPU holds the FNSAVE image captured before the return to user mode.
	FPU [FPUStateSize]byte
}

// NewUserFrame returns a frame set up for a first entry into user mode:
// user segment selectors, interrupts enabled, general registers cleared.
func NewUserFrame() *TrapFrame {
	return &TrapFrame{
		GS: SelUDSeg,
		FS: SelUDSeg,
		ES: SelUDSeg,
		DS: SelUDSeg,
		SS: SelUDSeg,
		CS: SelUCSeg,

		EFlags: FlagIF | FlagMBS,
	}
}

// SaveFPU captures the current FPU state into the frame. The simulated FPU
// image is the freshly initialized state.
func (f *TrapFrame) SaveFPU() {
	// FNINIT control word 0x037F at offset 0 of the FNSAVE image.
	for i := range f.FPU {
		f.FPU[i] = 0
	}
	f.FPU[0] = 0x7F
	f.FPU[1] = 0x03
}
