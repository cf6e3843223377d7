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
	"runtime"

	"minikern.dev/minikern/pkg/abi"
	"minikern.dev/minikern/pkg/fixedpt"
	"minikern.dev/minikern/pkg/mm"
)

// ThreadState is a thread's scheduling state.
type ThreadState int32

// Thread states. Exactly one thread is Running; a thread is in the run
// queue iff it is Ready.
const (
	Running ThreadState = iota
	Ready
	Blocked
	Dying
)

// Priority bounds. Higher numbers run first.
const (
	PriMin        = 0
	PriDefault    = 31
	PriMax        = 63
	NumPriorities = PriMax + 1
)

// Thread is a kernel thread descriptor. In a real kernel it would be pinned
// at the base of the thread's kernel stack page; here the stack page is
// charged to the allocator and the descriptor rides the goroutine.
//
// All fields are guarded by the kernel mutex unless noted.
type Thread struct {
	id    abi.TID
	name  string
	state ThreadState

	// gate is the CPU token. A thread runs iff it has received on gate and
	// has not parked on it again; the scheduler wakes exactly one thread at
	// a time.
	gate chan struct{}

	// kstack is the simulated kernel stack page, freed by the next thread to
	// run after this one dies.
	kstack *mm.Page

	basePrio int
	effPrio  int
	nice     int

	// recentCPU is the fair policy's decaying CPU usage estimate.
	recentCPU fixedpt.Value

	// wakeAt is the tick at which a sleeping thread re-enters the run queue.
	wakeAt int64

	// heldLocks are the kernel locks this thread currently holds; waitingOn
	// is the lock it is blocked acquiring, for donation chains.
	heldLocks []*Lock
	waitingOn *Lock

	// waitingSema is the semaphore whose waiter list this thread sits on
	// while Blocked, so a kill can remove it.
	waitingSema *Semaphore

	// seq breaks priority ties in arrival order.
	seq uint64

	sliceUsed int
	killed    bool

	// proc is the owning process for user threads, nil for kernel threads.
	proc *Process

	// joinRec is this thread's rendezvous with its creator.
	joinRec *joinRecord

	// userStack is the user-virtual base of this thread's user stack page
	// (secondary user threads only; the main thread's stack belongs to the
	// process).
	userStack mm.Addr

	// entryESP is the user stack pointer at first entry to user mode.
	entryESP mm.Addr
}

// ID returns the thread's identifier.
func (t *Thread) ID() abi.TID { return t.id }

// Name returns the thread's display name.
func (t *Thread) Name() string { return t.name }

// Effective returns the thread's effective priority.
func (t *Thread) Effective() int { return t.effPrio }

// pid returns the PID this thread acts as when creating children: its
// process's main thread id, or its own id if it has no process yet.
func (t *Thread) pid() abi.TID {
	if t.proc != nil {
		return t.proc.main.id
	}
	return t.id
}

// Spawn creates a kernel thread running fn and makes it Ready. Under the
// priority-aware policies the caller is preempted immediately if the
// newcomer has strictly higher effective priority; FIFO never preempts here.
// Returns abi.TIDError if the kernel stack page cannot be
// allocated.
func (k *Kernel) Spawn(name string, prio int, fn func()) (abi.TID, error) {
	return k.spawn(name, prio, fn, nil)
}

// spawn is Spawn with a setup hook run under the kernel mutex before the
// thread becomes visible to the scheduler.
func (k *Kernel) spawn(name string, prio int, fn func(), setup func(*Thread)) (abi.TID, error) {
	kstack, err := k.cfg.Alloc.Get()
	if err != nil {
		return abi.TIDError, err
	}

	k.mu.Lock()
	t := &Thread{
		id:       k.nextTID,
		name:     name,
		state:    Blocked,
		basePrio: prio,
		effPrio:  prio,
		gate:     make(chan struct{}, 1),
		kstack:   kstack,
	}
	k.nextTID++
	if cur := k.current; cur != nil && k.cfg.Policy == PolicyFair {
		// The fair policy's estimator state is inherited.
		t.nice = cur.nice
		t.recentCPU = cur.recentCPU
	}
	if setup != nil {
		setup(t)
	}
	k.all[t.id] = t
	go k.threadEntry(t, fn)

	t.state = Ready
	k.readyInsertLocked(t)

	// Under a priority-aware policy, a higher-priority newcomer runs now.
	preempt := k.booted && k.prioAware() && k.current != nil && k.current != k.idle && t.effPrio > k.current.effPrio
	if preempt {
		cur := k.current
		cur.state = Ready
		k.readyInsertLocked(cur)
		k.switchLocked()
	}
	k.mu.Unlock()
	return t.id, nil
}

// threadEntry is the first frame of every spawned thread: it waits to be
// scheduled, runs the body, and exits if the body returns.
func (k *Kernel) threadEntry(t *Thread, fn func()) {
	<-t.gate
	k.mu.Lock()
	k.reapLocked()
	if t.killed {
		k.mu.Unlock()
		return
	}
	k.mu.Unlock()
	fn()
	k.ExitThread()
}

// reapLocked frees the kernel stack of the thread that died to let this one
// run.
func (k *Kernel) reapLocked() {
	if k.reapStack != nil {
		k.cfg.Alloc.Free(k.reapStack)
		k.reapStack = nil
	}
}

// switchLocked reschedules away from the current thread. The caller must
// hold the kernel mutex, must be running on the current thread, and must
// already have moved it out of Running (to Ready+enqueued, Blocked, or
// Dying). switchLocked returns, mutex held, when this thread next runs. It
// does not return if the thread is Dying or gets killed while switched out.
func (k *Kernel) switchLocked() {
	cur := k.current
	next := k.popNextLocked()
	if next == cur {
		// Still the best choice; keep running on a fresh slice.
		cur.state = Running
		cur.sliceUsed = 0
		k.preempt = false
		return
	}

	k.current = next
	next.state = Running
	next.sliceUsed = 0
	k.preempt = false
	next.gate <- struct{}{}

	if cur.state == Dying {
		k.reapStack = cur.kstack
		k.mu.Unlock()
		runtime.Goexit()
	}

	k.mu.Unlock()
	<-cur.gate
	k.mu.Lock()
	k.reapLocked()
	if cur.killed {
		k.mu.Unlock()
		runtime.Goexit()
	}
}

// blockLocked transitions the current thread Running->Blocked and yields
// the CPU. Interrupts (the kernel mutex) must be held; pair with
// unblockLocked.
func (k *Kernel) blockLocked() {
	k.current.state = Blocked
	k.switchLocked()
}

// unblockLocked moves a Blocked thread into the run queue. It never
// preempts the running thread.
func (k *Kernel) unblockLocked(t *Thread) {
	if t.state != Blocked {
		panic("kernel: unblocking a thread that is not blocked")
	}
	t.state = Ready
	k.readyInsertLocked(t)
}

// Yield moves the current thread Running->Ready and reschedules. It is a
// no-op before Boot.
func (k *Kernel) Yield() {
	k.mu.Lock()
	if !k.booted {
		k.mu.Unlock()
		return
	}
	cur := k.current
	cur.state = Ready
	k.readyInsertLocked(cur)
	k.switchLocked()
	k.mu.Unlock()
}

// ExitThread terminates the calling thread. The thread is removed from the
// all-threads table; the next thread to run frees its kernel stack. Never
// returns.
func (k *Kernel) ExitThread() {
	k.mu.Lock()
	cur := k.current
	cur.state = Dying
	delete(k.all, cur.id)
	k.switchLocked()
	panic("kernel: dying thread rescheduled")
}

// killLocked tears a thread out of the kernel synchronously: it is removed
// from every queue and table, and its goroutine unwinds the next time it
// would run. The target must not be the current thread.
func (k *Kernel) killLocked(t *Thread) {
	if t == k.current {
		panic("kernel: thread killing itself")
	}
	if t.killed {
		return
	}
	t.killed = true
	delete(k.all, t.id)
	if t.state == Ready {
		k.readyRemoveLocked(t)
	}
	if t.waitingSema != nil {
		t.waitingSema.removeWaiter(t)
		t.waitingSema = nil
	}
	t.waitingOn = nil
	for i := 0; i < len(k.sleepers); i++ {
		if k.sleepers[i] == t {
			k.sleepers = append(k.sleepers[:i], k.sleepers[i+1:]...)
			break
		}
	}
	if t.kstack != nil {
		k.cfg.Alloc.Free(t.kstack)
		t.kstack = nil
	}
	t.state = Dying
	// Wake the parked goroutine so it can unwind.
	select {
	case t.gate <- struct{}{}:
	default:
	}
}

// ForEach applies fn to every thread in the all-threads table, with
// interrupts disabled.
func (k *Kernel) ForEach(fn func(*Thread)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, t := range k.all {
		fn(t)
	}
}

// preemptPoint yields if the timer requested preemption since the last
// check. Syscall entry and exit, and every tick of Compute, pass through
// here; it is the moment "return from interrupt" would notice the expired
// slice.
func (k *Kernel) preemptPoint() {
	k.mu.Lock()
	if k.preempt && k.current != k.idle {
		cur := k.current
		cur.state = Ready
		k.readyInsertLocked(cur)
		k.switchLocked()
	}
	k.mu.Unlock()
}

// maybeYieldLocked reports whether a ready thread now outranks the current
// one; callers yield after releasing the mutex. Priority never preempts
// under FIFO.
func (k *Kernel) maybeYieldLocked() bool {
	return k.prioAware() && len(k.ready) > 0 && k.current != k.idle &&
		k.ready[0].effPrio > k.current.effPrio
}

// prioAware reports whether the boot policy orders threads by priority.
func (k *Kernel) prioAware() bool {
	return k.cfg.Policy == PolicyPrio || k.cfg.Policy == PolicyFair
}
