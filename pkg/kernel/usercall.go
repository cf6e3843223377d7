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
	"io"

	"minikern.dev/minikern/pkg/abi"
	"minikern.dev/minikern/pkg/loader"
)

// userEnv is the syscall vector handed to a program body: the one door from
// user code into the kernel. Every entry passes a preemption point, the
// moment a real syscall would take pending interrupts.
type userEnv struct {
	k *Kernel
	t *Thread
}

var _ abi.Syscaller = (*userEnv)(nil)

func (e *userEnv) enter() {
	e.k.preemptPoint()
}

// Args implements abi.Syscaller.Args by decoding the argument vector the
// loader packed onto the process's initial stack.
func (e *userEnv) Args() []string {
	e.enter()
	proc := e.t.proc
	if proc == nil || proc.pd == nil {
		return nil
	}
	args, err := loader.ReadArgs(proc.pd, proc.main.entryESP)
	if err != nil {
		return nil
	}
	return args
}

// Exec implements abi.Syscaller.Exec.
func (e *userEnv) Exec(cmdline string) abi.PID {
	e.enter()
	return e.k.Execute(cmdline)
}

// Wait implements abi.Syscaller.Wait.
func (e *userEnv) Wait(pid abi.PID) int32 {
	e.enter()
	return e.k.Wait(pid)
}

// Exit implements abi.Syscaller.Exit.
func (e *userEnv) Exit(code int32) {
	e.enter()
	e.k.ProcessExit(code)
}

// Open implements abi.Syscaller.Open.
func (e *userEnv) Open(name string) int32 {
	e.enter()
	proc := e.t.proc
	if proc == nil || e.k.cfg.FS == nil {
		return abi.FDError
	}
	e.k.fsLock.Acquire(e.k)
	f, err := e.k.cfg.FS.Open(name)
	e.k.fsLock.Release(e.k)
	if err != nil {
		return abi.FDError
	}
	return proc.installFile(f)
}

// Close implements abi.Syscaller.Close.
func (e *userEnv) Close(fd int32) bool {
	e.enter()
	proc := e.t.proc
	if proc == nil {
		return false
	}
	return proc.closeFile(fd)
}

// Read implements abi.Syscaller.Read.
func (e *userEnv) Read(fd int32, buf []byte) int32 {
	e.enter()
	proc := e.t.proc
	if proc == nil || fd < firstFD {
		return -1
	}
	f := proc.lookupFile(fd)
	if f == nil {
		return -1
	}
	e.k.fsLock.Acquire(e.k)
	n, err := f.Read(buf)
	e.k.fsLock.Release(e.k)
	if err != nil && err != io.EOF {
		return -1
	}
	return int32(n)
}

// Write implements abi.Syscaller.Write. fd 1 is the console.
func (e *userEnv) Write(fd int32, buf []byte) int32 {
	e.enter()
	if fd == 1 {
		n, _ := e.k.consoleWrite(buf)
		return int32(n)
	}
	proc := e.t.proc
	if proc == nil || fd < firstFD {
		return -1
	}
	f := proc.lookupFile(fd)
	if f == nil {
		return -1
	}
	e.k.fsLock.Acquire(e.k)
	n, err := f.WriteAt(buf, f.Size())
	e.k.fsLock.Release(e.k)
	if err != nil {
		return -1
	}
	return int32(n)
}

// Filesize implements abi.Syscaller.Filesize.
func (e *userEnv) Filesize(fd int32) int32 {
	e.enter()
	proc := e.t.proc
	if proc == nil {
		return -1
	}
	f := proc.lookupFile(fd)
	if f == nil {
		return -1
	}
	e.k.fsLock.Acquire(e.k)
	size := f.Size()
	e.k.fsLock.Release(e.k)
	return int32(size)
}

// PthreadCreate implements abi.Syscaller.PthreadCreate.
func (e *userEnv) PthreadCreate(fn abi.ThreadFunc, arg uint32) abi.TID {
	e.enter()
	return e.k.PthreadExecute(fn, arg)
}

// PthreadJoin implements abi.Syscaller.PthreadJoin.
func (e *userEnv) PthreadJoin(tid abi.TID) abi.TID {
	e.enter()
	return e.k.PthreadJoin(tid)
}

// PthreadExit implements abi.Syscaller.PthreadExit.
func (e *userEnv) PthreadExit() {
	e.enter()
	e.k.PthreadExit()
}

// LockInit implements abi.Syscaller.LockInit.
func (e *userEnv) LockInit(handle *byte) bool {
	e.enter()
	proc := e.t.proc
	if proc == nil || handle == nil {
		return false
	}
	id, ok := proc.createLock()
	if !ok {
		return false
	}
	*handle = id
	return true
}

// LockAcquire implements abi.Syscaller.LockAcquire.
func (e *userEnv) LockAcquire(handle *byte) bool {
	e.enter()
	proc := e.t.proc
	if proc == nil || handle == nil {
		return false
	}
	return proc.acquireUserLock(*handle)
}

// LockRelease implements abi.Syscaller.LockRelease.
func (e *userEnv) LockRelease(handle *byte) bool {
	e.enter()
	proc := e.t.proc
	if proc == nil || handle == nil {
		return false
	}
	return proc.releaseUserLock(*handle)
}

// SemaInit implements abi.Syscaller.SemaInit.
func (e *userEnv) SemaInit(handle *byte, value int32) bool {
	e.enter()
	proc := e.t.proc
	if proc == nil || handle == nil {
		return false
	}
	id, ok := proc.createSema(value)
	if !ok {
		return false
	}
	*handle = id
	return true
}

// SemaUp implements abi.Syscaller.SemaUp.
func (e *userEnv) SemaUp(handle *byte) bool {
	e.enter()
	proc := e.t.proc
	if proc == nil || handle == nil {
		return false
	}
	return proc.upUserSema(*handle)
}

// SemaDown implements abi.Syscaller.SemaDown.
func (e *userEnv) SemaDown(handle *byte) bool {
	e.enter()
	proc := e.t.proc
	if proc == nil || handle == nil {
		return false
	}
	return proc.downUserSema(*handle)
}

// Compute implements abi.Syscaller.Compute.
func (e *userEnv) Compute(n int) {
	e.k.BurnCPU(n)
}

// Sleep implements abi.Syscaller.Sleep.
func (e *userEnv) Sleep(n int64) {
	e.enter()
	e.k.SleepTicks(n)
}

// Yield implements abi.Syscaller.Yield.
func (e *userEnv) Yield() {
	e.k.Yield()
}
