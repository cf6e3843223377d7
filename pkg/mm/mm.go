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

// Package mm provides the simulated physical page allocator and per-process
// page directories that back user address spaces.
//
// The kernel core treats these as external collaborators: it asks the
// allocator for pages, installs them into a directory at user-virtual
// addresses, and copies user memory in and out through the directory. The
// allocator enforces a configurable page budget so tests can inject
// out-of-memory conditions.
package mm

import (
	"errors"
	"sync"
)

// Page geometry and the user address space bounds. User virtual addresses
// occupy [PageSize, UserTop); page 0 is never mapped so that null pointer
// dereferences fault.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	UserTop   = 0xC0000000
)

var (
	// ErrNoMemory is returned when the allocator's page budget is exhausted.
	ErrNoMemory = errors.New("out of physical pages")

	// ErrBadAddress is returned for accesses to unmapped or non-user memory.
	ErrBadAddress = errors.New("bad user address")

	// ErrAlreadyMapped is returned when installing a page over an existing
	// mapping.
	ErrAlreadyMapped = errors.New("page already mapped")

	// ErrReadOnly is returned for writes through a read-only mapping.
	ErrReadOnly = errors.New("write to read-only page")
)

// Addr is a user virtual address.
type Addr uint32

// PageBase returns the address of the page containing a.
func (a Addr) PageBase() Addr {
	return a &^ (PageSize - 1)
}

// PageOff returns the offset of a within its page.
func (a Addr) PageOff() uint32 {
	return uint32(a) & (PageSize - 1)
}

// InUserSpace reports whether the range [a, a+size) lies entirely within the
// user address space without wrapping.
func (a Addr) InUserSpace(size uint32) bool {
	end := uint64(a) + uint64(size)
	return a >= PageSize && end <= UserTop
}

// A Page is one frame of simulated physical memory.
type Page struct {
	Data [PageSize]byte
}

// Allocator hands out pages against a fixed budget.
type Allocator struct {
	mu    sync.Mutex
	limit int
	inUse int
}

// NewAllocator returns an allocator with a budget of limit pages. A limit of
// 0 means unbounded.
func NewAllocator(limit int) *Allocator {
	return &Allocator{limit: limit}
}

// Get allocates a zeroed page, or returns ErrNoMemory if the budget is spent.
func (a *Allocator) Get() (*Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limit > 0 && a.inUse >= a.limit {
		return nil, ErrNoMemory
	}
	a.inUse++
	return &Page{}, nil
}

// Free returns a page to the allocator. Freeing nil is a no-op.
func (a *Allocator) Free(p *Page) {
	if p == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inUse--
}

// InUse returns the number of pages currently allocated.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

type mapping struct {
	page     *Page
	writable bool
	accessed bool
}

// PageDir is one process's page directory: the mapping from user-virtual
// pages to physical pages.
//
// A PageDir is not internally synchronized. Threads sharing an address space
// already serialize through the owning kernel, which is the only caller.
type PageDir struct {
	alloc   *Allocator
	dirPage *Page
	pages   map[Addr]*mapping
}

// NewPageDir creates an empty page directory. It consumes one page of the
// allocator's budget for the directory itself, so creation can fail.
func NewPageDir(alloc *Allocator) (*PageDir, error) {
	dir, err := alloc.Get()
	if err != nil {
		return nil, err
	}
	return &PageDir{alloc: alloc, dirPage: dir, pages: make(map[Addr]*mapping)}, nil
}

// Alloc allocates a page chargeable to this directory's allocator.
func (pd *PageDir) Alloc() (*Page, error) {
	return pd.alloc.Get()
}

// FreePage returns an unmapped page to the allocator.
func (pd *PageDir) FreePage(p *Page) {
	pd.alloc.Free(p)
}

// SetPage installs page at the user virtual page upage. upage must be
// page-aligned and in user space.
func (pd *PageDir) SetPage(upage Addr, page *Page, writable bool) error {
	if upage.PageOff() != 0 || !upage.InUserSpace(PageSize) {
		return ErrBadAddress
	}
	if _, ok := pd.pages[upage]; ok {
		return ErrAlreadyMapped
	}
	pd.pages[upage] = &mapping{page: page, writable: writable}
	return nil
}

// GetPage returns the page mapped at upage, if any.
func (pd *PageDir) GetPage(upage Addr) (*Page, bool) {
	m, ok := pd.pages[upage.PageBase()]
	if !ok {
		return nil, false
	}
	return m.page, true
}

// IsMapped reports whether upage has a mapping.
func (pd *PageDir) IsMapped(upage Addr) bool {
	_, ok := pd.pages[upage.PageBase()]
	return ok
}

// Accessed reports whether the page at upage has been touched through
// CopyIn/CopyOut since it was mapped.
func (pd *PageDir) Accessed(upage Addr) bool {
	m, ok := pd.pages[upage.PageBase()]
	return ok && m.accessed
}

// ClearPage removes the mapping at upage and returns the page that was
// mapped there, or nil if there was none. The page is not freed.
func (pd *PageDir) ClearPage(upage Addr) *Page {
	upage = upage.PageBase()
	m, ok := pd.pages[upage]
	if !ok {
		return nil
	}
	delete(pd.pages, upage)
	return m.page
}

// CopyIn copies len(dst) bytes of user memory starting at src into dst.
func (pd *PageDir) CopyIn(dst []byte, src Addr) error {
	for len(dst) > 0 {
		m, ok := pd.pages[src.PageBase()]
		if !ok {
			return ErrBadAddress
		}
		m.accessed = true
		n := copy(dst, m.page.Data[src.PageOff():])
		dst = dst[n:]
		src += Addr(n)
	}
	return nil
}

// CopyOut copies src into user memory starting at dst, honoring the
// writable bit on each mapping.
func (pd *PageDir) CopyOut(dst Addr, src []byte) error {
	for len(src) > 0 {
		m, ok := pd.pages[dst.PageBase()]
		if !ok {
			return ErrBadAddress
		}
		if !m.writable {
			return ErrReadOnly
		}
		m.accessed = true
		n := copy(m.page.Data[dst.PageOff():], src)
		src = src[n:]
		dst += Addr(n)
	}
	return nil
}

// Destroy frees every mapped page and the directory's own page. The
// directory must not be used afterward.
func (pd *PageDir) Destroy() {
	for upage, m := range pd.pages {
		pd.alloc.Free(m.page)
		delete(pd.pages, upage)
	}
	pd.alloc.Free(pd.dirPage)
	pd.dirPage = nil
	pd.pages = nil
}
