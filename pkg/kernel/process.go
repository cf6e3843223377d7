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
	"minikern.dev/minikern/pkg/abi"
	"minikern.dev/minikern/pkg/fs"
	"minikern.dev/minikern/pkg/mm"
)

// MaxProcessName bounds a process's display name.
const MaxProcessName = 15

// firstFD is the first descriptor handed out; 0 and 1 stand for the console.
const firstFD = 2

// Process is the per-address-space control block. It owns the page
// directory, the executable handle (writes denied while the process runs),
// the file-descriptor table, the roster of threads sharing the address
// space, and the sync objects created by user code.
type Process struct {
	k *Kernel

	// pd is the address space. Nulled out during teardown before the
	// directory is destroyed.
	pd *mm.PageDir

	name string

	// main is the designated main thread; its id is the process's PID and
	// is stable for the PCB's life.
	main *Thread

	// threads is the roster of live threads sharing this address space,
	// including main. Guarded by the kernel mutex.
	threads []*Thread

	// fdLock guards the descriptor table. It nests inside the global
	// filesystem lock, never the other way around.
	fdLock Lock
	fds    map[int32]fs.File
	nextFD int32

	// Sync objects created by user code, keyed by per-process ids starting
	// at 1. Guarded by the kernel mutex; ids are never reused.
	locks      map[byte]*userLock
	semas      map[byte]*userSema
	nextLockID byte
	nextSemaID byte

	// exec is the executable image, kept open with writes denied until exit.
	exec fs.File

	// mainSema gates joining the main thread: pthread_exit_main ups it
	// exactly once, and at most one joiner ever downs it (mainJoined flips
	// once, under the kernel mutex).
	mainSema   Semaphore
	mainJoined bool

	exiting bool
}

type userLock struct {
	id   byte
	lock Lock
}

type userSema struct {
	id   byte
	sema Semaphore
}

func newProcess(k *Kernel, name string, pd *mm.PageDir) *Process {
	if len(name) > MaxProcessName {
		name = name[:MaxProcessName]
	}
	p := &Process{
		k:          k,
		pd:         pd,
		name:       name,
		fds:        make(map[int32]fs.File),
		nextFD:     firstFD,
		locks:      make(map[byte]*userLock),
		semas:      make(map[byte]*userSema),
		nextLockID: 1,
		nextSemaID: 1,
	}
	p.fdLock.init()
	return p
}

// Name returns the process display name.
func (p *Process) Name() string { return p.name }

// PID returns the process identifier: the main thread's id.
func (p *Process) PID() abi.PID { return p.main.id }

// installFile allocates a fresh descriptor for f. Descriptors are stable
// and never reused within a PCB.
func (p *Process) installFile(f fs.File) int32 {
	p.fdLock.Acquire(p.k)
	fd := p.nextFD
	p.nextFD++
	p.fds[fd] = f
	p.fdLock.Release(p.k)
	return fd
}

// lookupFile resolves a descriptor, or nil.
func (p *Process) lookupFile(fd int32) fs.File {
	p.fdLock.Acquire(p.k)
	defer p.fdLock.Release(p.k)
	return p.fds[fd]
}

// closeFile removes and closes a descriptor. The table lock is taken inside
// the filesystem lock, matching the loader's ordering.
func (p *Process) closeFile(fd int32) bool {
	p.k.fsLock.Acquire(p.k)
	p.fdLock.Acquire(p.k)
	f, ok := p.fds[fd]
	if ok {
		delete(p.fds, fd)
		f.Close()
	}
	p.fdLock.Release(p.k)
	p.k.fsLock.Release(p.k)
	return ok
}

// closeAllFiles closes every open descriptor during teardown, under the
// same lock ordering as closeFile.
func (p *Process) closeAllFiles() {
	p.k.fsLock.Acquire(p.k)
	p.fdLock.Acquire(p.k)
	for fd, f := range p.fds {
		f.Close()
		delete(p.fds, fd)
	}
	p.fdLock.Release(p.k)
	p.k.fsLock.Release(p.k)
}

// createLock allocates a new user lock and returns its handle. Fails when
// the id space is exhausted.
func (p *Process) createLock() (byte, bool) {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	if p.nextLockID == 0 {
		return 0, false
	}
	id := p.nextLockID
	p.nextLockID++
	ul := &userLock{id: id}
	ul.lock.init()
	p.locks[id] = ul
	return id, true
}

// createSema allocates a new user semaphore with the given initial value.
func (p *Process) createSema(value int32) (byte, bool) {
	if value < 0 {
		return 0, false
	}
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	if p.nextSemaID == 0 {
		return 0, false
	}
	id := p.nextSemaID
	p.nextSemaID++
	p.semas[id] = &userSema{id: id, sema: Semaphore{value: int(value)}}
	return id, true
}

// lookupLock and lookupSema resolve user handles under the kernel mutex.
func (p *Process) lookupLock(id byte) *userLock {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	return p.locks[id]
}

func (p *Process) lookupSema(id byte) *userSema {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	return p.semas[id]
}

// acquireUserLock acquires a user lock by handle. Acquiring a lock the
// caller already holds is a user error, not a kernel bug.
func (p *Process) acquireUserLock(id byte) bool {
	ul := p.lookupLock(id)
	if ul == nil || ul.lock.HeldByCurrent(p.k) {
		return false
	}
	ul.lock.Acquire(p.k)
	return true
}

// releaseUserLock releases a user lock by handle; the caller must hold it.
func (p *Process) releaseUserLock(id byte) bool {
	ul := p.lookupLock(id)
	if ul == nil || !ul.lock.HeldByCurrent(p.k) {
		return false
	}
	ul.lock.Release(p.k)
	return true
}

// upUserSema and downUserSema operate a user semaphore by handle.
func (p *Process) upUserSema(id byte) bool {
	us := p.lookupSema(id)
	if us == nil {
		return false
	}
	us.sema.Up(p.k)
	return true
}

func (p *Process) downUserSema(id byte) bool {
	us := p.lookupSema(id)
	if us == nil {
		return false
	}
	us.sema.Down(p.k)
	return true
}

// rosterAddLocked and rosterRemoveLocked maintain the peer-thread roster.
func (p *Process) rosterAddLocked(t *Thread) {
	p.threads = append(p.threads, t)
}

func (p *Process) rosterRemoveLocked(t *Thread) {
	for i, q := range p.threads {
		if q == t {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			return
		}
	}
}
