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

package mm

import (
	"bytes"
	"errors"
	"testing"
)

func TestAllocatorBudget(t *testing.T) {
	a := NewAllocator(2)
	p1, err := a.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := a.Get(); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := a.Get(); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("Get over budget: err = %v, want ErrNoMemory", err)
	}
	a.Free(p1)
	if _, err := a.Get(); err != nil {
		t.Fatalf("Get after Free: %v", err)
	}
	if got := a.InUse(); got != 2 {
		t.Errorf("InUse = %d, want 2", got)
	}
}

func TestCopyAcrossPages(t *testing.T) {
	a := NewAllocator(0)
	pd, err := NewPageDir(a)
	if err != nil {
		t.Fatalf("NewPageDir: %v", err)
	}
	defer pd.Destroy()

	base := Addr(0x8000)
	for i := 0; i < 2; i++ {
		p, err := pd.Alloc()
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if err := pd.SetPage(base+Addr(i*PageSize), p, true); err != nil {
			t.Fatalf("SetPage: %v", err)
		}
	}

	// Write a buffer straddling the page boundary and read it back.
	src := bytes.Repeat([]byte{0xab}, 100)
	at := base + PageSize - 50
	if err := pd.CopyOut(at, src); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	dst := make([]byte, 100)
	if err := pd.CopyIn(dst, at); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if !bytes.Equal(dst, src) {
		t.Error("round trip across page boundary mismatched")
	}
	if !pd.Accessed(base) || !pd.Accessed(base+PageSize) {
		t.Error("accessed bits not set on touched pages")
	}
}

func TestCopyFaults(t *testing.T) {
	a := NewAllocator(0)
	pd, err := NewPageDir(a)
	if err != nil {
		t.Fatalf("NewPageDir: %v", err)
	}
	defer pd.Destroy()

	if err := pd.CopyIn(make([]byte, 4), 0x5000); !errors.Is(err, ErrBadAddress) {
		t.Errorf("CopyIn unmapped: err = %v, want ErrBadAddress", err)
	}

	p, err := pd.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := pd.SetPage(0x5000, p, false); err != nil {
		t.Fatalf("SetPage: %v", err)
	}
	if err := pd.CopyOut(0x5000, []byte{1}); !errors.Is(err, ErrReadOnly) {
		t.Errorf("CopyOut read-only: err = %v, want ErrReadOnly", err)
	}
	if err := pd.CopyIn(make([]byte, 4), 0x5000); err != nil {
		t.Errorf("CopyIn read-only page: %v", err)
	}
}

func TestSetPageValidation(t *testing.T) {
	a := NewAllocator(0)
	pd, err := NewPageDir(a)
	if err != nil {
		t.Fatalf("NewPageDir: %v", err)
	}
	defer pd.Destroy()

	p, _ := pd.Alloc()
	if err := pd.SetPage(0x5004, p, true); !errors.Is(err, ErrBadAddress) {
		t.Errorf("unaligned SetPage: err = %v, want ErrBadAddress", err)
	}
	if err := pd.SetPage(0, p, true); !errors.Is(err, ErrBadAddress) {
		t.Errorf("page 0 SetPage: err = %v, want ErrBadAddress", err)
	}
	if err := pd.SetPage(UserTop, p, true); !errors.Is(err, ErrBadAddress) {
		t.Errorf("kernel space SetPage: err = %v, want ErrBadAddress", err)
	}
	if err := pd.SetPage(0x5000, p, true); err != nil {
		t.Fatalf("SetPage: %v", err)
	}
	if err := pd.SetPage(0x5000, p, true); !errors.Is(err, ErrAlreadyMapped) {
		t.Errorf("double SetPage: err = %v, want ErrAlreadyMapped", err)
	}
}

func TestDestroyReleasesBudget(t *testing.T) {
	a := NewAllocator(8)
	pd, err := NewPageDir(a)
	if err != nil {
		t.Fatalf("NewPageDir: %v", err)
	}
	for i := 0; i < 4; i++ {
		p, err := pd.Alloc()
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if err := pd.SetPage(Addr(0x10000+i*PageSize), p, true); err != nil {
			t.Fatalf("SetPage: %v", err)
		}
	}
	pd.Destroy()
	if got := a.InUse(); got != 0 {
		t.Errorf("InUse after Destroy = %d, want 0", got)
	}
}
