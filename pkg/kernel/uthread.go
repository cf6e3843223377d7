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
	"encoding/binary"

	"minikern.dev/minikern/pkg/abi"
	"minikern.dev/minikern/pkg/arch"
	"minikern.dev/minikern/pkg/mm"
)

// User-thread lifecycle: secondary threads share the creating process's
// address space, with per-thread user stacks carved downward from the top
// of user space.

// PthreadExecute starts a new user thread in the current process running
// fn(arg), meeting it at a load barrier just like process creation. Returns
// abi.TIDError if the caller has no process or the thread's stack cannot be
// placed.
func (k *Kernel) PthreadExecute(fn abi.ThreadFunc, arg uint32) abi.TID {
	cur := k.Current()
	proc := cur.proc
	if proc == nil {
		return abi.TIDError
	}

	rec := newJoinRecord(proc.main.id)
	rec.isThread = true
	tid, err := k.spawn(proc.name, PriDefault, func() {
		k.pthreadTrampoline(proc, rec, fn, arg)
	}, func(t *Thread) {
		t.joinRec = rec
		rec.tid = t.id
	})
	if err != nil {
		return abi.TIDError
	}
	k.joins.insert(k, rec)

	rec.loaded.Down(k)
	k.mu.Lock()
	ok := rec.loadOK
	k.mu.Unlock()
	if !ok {
		k.joins.remove(k, tid)
		return abi.TIDError
	}
	return tid
}

// pthreadTrampoline runs on the new thread: attach to the PCB, place a user
// stack, build the entry frame, join the roster, signal the barrier, and
// enter user mode.
func (k *Kernel) pthreadTrampoline(proc *Process, rec *joinRecord, fn abi.ThreadFunc, arg uint32) {
	cur := k.Current()

	k.mu.Lock()
	cur.proc = proc
	if proc.exiting || proc.pd == nil {
		cur.proc = nil
		k.mu.Unlock()
		rec.loaded.Up(k)
		k.ExitThread()
	}
	pd := proc.pd

	// Probe accessed bits downward from the top of user space; the first
	// untouched page becomes this thread's stack.
	base := mm.Addr(mm.UserTop - mm.PageSize)
	for base >= mm.PageSize && pd.Accessed(base) {
		base -= mm.PageSize
	}
	ok := base >= mm.PageSize && !pd.IsMapped(base)
	var page *mm.Page
	if ok {
		var err error
		page, err = pd.Alloc()
		ok = err == nil
	}
	if ok && pd.SetPage(base, page, true) != nil {
		pd.FreePage(page)
		ok = false
	}
	if !ok {
		cur.proc = nil
		k.mu.Unlock()
		rec.loaded.Up(k)
		k.ExitThread()
	}
	cur.userStack = base

	// Entry frame: arg, an entry slot, and a zero return address, with
	// trailing padding so the stack pointer is 8-byte aligned beneath them.
	frame := arch.NewUserFrame()
	esp := base + mm.PageSize
	var words [3]uint32
	words[2] = arg
	words[1] = 0 // entry, consumed by the stub
	words[0] = 0 // fake return address
	var buf [12]byte
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	esp -= mm.Addr(len(buf))
	if err := pd.CopyOut(esp, buf[:]); err != nil {
		panic("kernel: fresh user stack unwritable")
	}
	esp -= 4 // trailing alignment padding
	cur.entryESP = esp
	frame.ESP = uint32(esp)

	proc.rosterAddLocked(cur)
	rec.loadOK = true
	k.mu.Unlock()
	rec.loaded.Up(k)

	frame.SaveFPU()
	env := &userEnv{k: k, t: cur}
	fn(env, arg)
	k.PthreadExit()
}

// PthreadJoin joins a peer thread of the caller's process, at most once per
// target. Joining the main thread parks on the PCB-level semaphore that
// pthread_exit_main ups exactly once; at most one joiner is admitted.
func (k *Kernel) PthreadJoin(tid abi.TID) abi.TID {
	cur := k.Current()
	proc := cur.proc
	if proc == nil {
		return abi.TIDError
	}

	if tid == proc.main.id {
		k.mu.Lock()
		if cur == proc.main || proc.mainJoined {
			k.mu.Unlock()
			return abi.TIDError
		}
		proc.mainJoined = true
		k.mu.Unlock()
		proc.mainSema.Down(k)
		return tid
	}

	jt := k.joins
	jt.lock.Acquire(k)
	rec := jt.getLocked(tid)
	ok := false
	if rec != nil {
		k.mu.Lock()
		if rec.isThread && rec.creator == proc.main.id && !rec.waited && rec.tid != cur.id {
			rec.waited = true
			ok = true
		}
		k.mu.Unlock()
	}
	jt.lock.Release(k)
	if !ok {
		return abi.TIDError
	}

	rec.join.Down(k)
	jt.remove(k, tid)
	return tid
}

// PthreadExit terminates the calling user thread. A secondary thread frees
// its own user stack, leaves the roster, and signals its joiner; the main
// thread instead releases anyone joining it, reaps every remaining peer,
// and takes the whole process down.
func (k *Kernel) PthreadExit() {
	cur := k.Current()
	proc := cur.proc
	if proc == nil {
		k.ExitThread()
	}
	if cur == proc.main {
		k.pthreadExitMain()
	}

	k.mu.Lock()
	proc.rosterRemoveLocked(cur)
	if proc.pd != nil && cur.userStack != 0 {
		if page := proc.pd.ClearPage(cur.userStack); page != nil {
			proc.pd.FreePage(page)
		}
	}
	if rec := cur.joinRec; rec != nil {
		rec.join.upLocked(k)
	}
	k.mu.Unlock()
	k.ExitThread()
}

// pthreadExitMain is the main-thread variant: it ups the PCB semaphore for
// the (single) main joiner, then joins every remaining peer so the address
// space comes down in order. Never returns.
func (k *Kernel) pthreadExitMain() {
	cur := k.Current()
	proc := cur.proc

	proc.mainSema.Up(k)

	for {
		k.mu.Lock()
		var target *joinRecord
		peers := 0
		for _, t := range proc.threads {
			if t == cur {
				continue
			}
			peers++
			if rec := t.joinRec; rec != nil && !rec.waited {
				rec.waited = true
				target = rec
				break
			}
		}
		k.mu.Unlock()
		if peers == 0 {
			break
		}
		if target == nil {
			// Every remaining peer is being joined by another peer; let
			// those joins finish.
			k.Yield()
			continue
		}
		target.join.Down(k)
		k.joins.remove(k, target.tid)
	}

	k.ProcessExit(0)
}
