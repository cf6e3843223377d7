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
	"fmt"
	"strings"

	"minikern.dev/minikern/pkg/abi"
	"minikern.dev/minikern/pkg/arch"
	"minikern.dev/minikern/pkg/fs"
	"minikern.dev/minikern/pkg/loader"
	"minikern.dev/minikern/pkg/mm"
)

// This file implements the process lifecycle: Execute hands a command line
// to a fresh kernel thread running the loader trampoline and meets it at the
// load barrier; Wait reaps a child through its join record; ProcessExit
// tears the whole address space down and signals the record.

// Execute starts a new process from cmdline's first token and returns its
// PID once the child has either entered user mode or failed to load.
// Returns abi.PIDError on load failure or resource exhaustion.
func (k *Kernel) Execute(cmdline string) abi.PID {
	// The command line travels to the child in a scratch page, like any
	// other piece of borrowed parent memory.
	page, err := k.cfg.Alloc.Get()
	if err != nil {
		return abi.PIDError
	}
	n := copy(page.Data[:mm.PageSize-1], cmdline)
	page.Data[n] = 0

	rec := newJoinRecord(k.Current().pid())
	tid, err := k.spawn(threadName(cmdline), PriDefault, func() {
		k.execTrampoline(rec, page)
	}, func(t *Thread) {
		t.joinRec = rec
		rec.tid = t.id
	})
	if err != nil {
		k.cfg.Alloc.Free(page)
		return abi.PIDError
	}
	k.joins.insert(k, rec)

	// Load barrier: the child ups exactly once, success or not.
	rec.loaded.Down(k)
	k.mu.Lock()
	ok := rec.loadOK
	k.mu.Unlock()
	if !ok {
		k.joins.remove(k, tid)
		return abi.PIDError
	}
	return tid
}

// threadName derives the kernel thread name from a command line.
func threadName(cmdline string) string {
	name := cmdline
	if f := strings.Fields(cmdline); len(f) > 0 {
		name = f[0]
	}
	if len(name) > MaxProcessName {
		name = name[:MaxProcessName]
	}
	return name
}

// execTrampoline runs on the child thread: allocate the PCB, load the
// image, build the initial stack, signal the load barrier, and enter user
// mode. Every failure path signals the barrier with loadOK unset and
// terminates after unwinding whatever was built.
func (k *Kernel) execTrampoline(rec *joinRecord, page *mm.Page) {
	cmdline := cstring(page.Data[:])
	name := threadName(cmdline)

	fail := func() {
		k.cfg.Alloc.Free(page)
		rec.loaded.Up(k)
		k.ExitThread()
	}

	pd, err := mm.NewPageDir(k.cfg.Alloc)
	if err != nil {
		fail()
	}
	proc := newProcess(k, name, pd)

	frame := arch.NewUserFrame()

	// Open and map the image under the filesystem lock, then deny writes so
	// on-disk modification cannot corrupt the executing image.
	k.fsLock.Acquire(k)
	if k.cfg.FS == nil {
		k.fsLock.Release(k)
		pd.Destroy()
		fail()
	}
	f, err := k.cfg.FS.Open(name)
	if err != nil {
		k.fsLock.Release(k)
		pd.Destroy()
		k.log.WithField("name", name).Debug("exec: open failed")
		fail()
	}
	res, err := loader.Load(f, pd)
	if err != nil {
		f.Close()
		k.fsLock.Release(k)
		pd.Destroy()
		k.log.WithField("name", name).WithError(err).Debug("exec: load failed")
		fail()
	}
	f.DenyWrite()
	k.fsLock.Release(k)
	proc.exec = f

	esp, err := loader.PushArgs(pd, res.ESP, cmdline)
	if err != nil {
		k.fsLock.Acquire(k)
		f.Close()
		k.fsLock.Release(k)
		pd.Destroy()
		fail()
	}
	frame.EIP = res.Entry
	frame.ESP = uint32(esp)

	cur := k.Current()
	k.mu.Lock()
	cur.proc = proc
	proc.main = cur
	proc.rosterAddLocked(cur)
	cur.entryESP = esp
	k.mu.Unlock()

	k.cfg.Alloc.Free(page)
	k.mu.Lock()
	rec.loadOK = true
	k.mu.Unlock()
	rec.loaded.Up(k)

	frame.SaveFPU()
	k.enterUserMode(cur, frame, f)
}

// enterUserMode is the simulated interrupt return: it resolves the file's
// program body and runs it on this thread as ring-3 code. A valid image
// with no body attached exits with -1.
func (k *Kernel) enterUserMode(t *Thread, frame *arch.TrapFrame, f fs.File) {
	var prog abi.Program
	if ex, ok := f.(fs.Executable); ok {
		prog = ex.Program()
	}
	if prog == nil {
		k.log.WithField("name", t.proc.name).Debug("exec: image has no program body")
		k.ProcessExit(-1)
	}
	env := &userEnv{k: k, t: t}
	code := prog(env)
	k.ProcessExit(code)
}

// Wait reaps a child process: it returns the child's exit code exactly
// once, or -1 if pid is unknown, already waited, or not a child of the
// caller. If the child already exited, Wait returns immediately with the
// stored code.
func (k *Kernel) Wait(pid abi.PID) int32 {
	caller := k.Current().pid()

	jt := k.joins
	jt.lock.Acquire(k)
	rec := jt.getLocked(pid)
	ok := false
	if rec != nil {
		k.mu.Lock()
		if !rec.isThread && !rec.waited && rec.creator == caller {
			rec.waited = true
			ok = true
		}
		k.mu.Unlock()
	}
	jt.lock.Release(k)
	if !ok {
		return -1
	}

	rec.join.Down(k)
	k.mu.Lock()
	code := rec.exitCode
	k.mu.Unlock()
	jt.remove(k, pid)
	return code
}

// ProcessExit terminates the current thread's process with the given code,
// reclaiming everything the process ever acquired. Callable from any thread
// of the process; never returns. A kernel thread with no process just dies.
func (k *Kernel) ProcessExit(code int32) {
	cur := k.Current()
	proc := cur.proc
	if proc == nil {
		k.ExitThread()
	}

	k.mu.Lock()
	if proc.exiting {
		// A peer already started teardown; this thread is about to be
		// reaped by it.
		k.mu.Unlock()
		k.ExitThread()
	}
	proc.exiting = true
	// The process exit status lives in the main thread's join record.
	if procRec := proc.main.joinRec; procRec != nil {
		procRec.exitCode = code
	}
	k.mu.Unlock()

	fmt.Fprintf(k.cfg.Console, "%s: exit(%d)\n", proc.name, code)

	// 1. Sync objects die with the PCB.
	k.mu.Lock()
	proc.locks = make(map[byte]*userLock)
	proc.semas = make(map[byte]*userSema)
	k.mu.Unlock()

	// 2. Close every open descriptor.
	proc.closeAllFiles()

	// 3. With interrupts disabled: release every peer's joiner, then kill
	// the peers. The main thread may be parked under pthread_exit_main; its
	// joiner is released through its record like any other.
	k.mu.Lock()
	peers := append([]*Thread(nil), proc.threads...)
	for _, t := range peers {
		if t == cur {
			continue
		}
		if t.joinRec != nil {
			t.joinRec.join.upLocked(k)
		}
		k.killLocked(t)
	}
	proc.threads = []*Thread{cur}
	k.mu.Unlock()

	// 4. Close the executable (dropping deny-write), drop any kernel locks
	// still held, and destroy the address space. The page directory field
	// is nulled before the directory goes away so nothing can chase it.
	if proc.exec != nil {
		k.fsLock.Acquire(k)
		proc.exec.Close()
		k.fsLock.Release(k)
		proc.exec = nil
	}
	for {
		k.mu.Lock()
		var l *Lock
		if len(cur.heldLocks) > 0 {
			l = cur.heldLocks[0]
		}
		k.mu.Unlock()
		if l == nil {
			break
		}
		l.Release(k)
	}
	k.mu.Lock()
	pd := proc.pd
	proc.pd = nil
	k.mu.Unlock()
	if pd != nil {
		pd.Destroy()
	}

	// 5. The PCB itself.
	k.mu.Lock()
	cur.proc = nil
	k.mu.Unlock()

	// 6. Records of children nobody will ever reap go away; then the exit
	// is published through this process's own record and the thread dies.
	k.joins.reapChildrenOf(k, proc.main.id)
	k.mu.Lock()
	if rec := cur.joinRec; rec != nil {
		rec.join.upLocked(k)
	}
	k.mu.Unlock()
	k.ExitThread()
}

// cstring returns the NUL-terminated string at the head of b.
func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
