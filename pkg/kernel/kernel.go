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

// Package kernel implements the user-process and user-thread subsystem: the
// thread descriptor and run queue, the pluggable scheduler, kernel
// synchronization with priority donation, the process control block, process
// and user-thread lifecycle, and the kernel-mediated sync objects visible to
// user code.
//
// The kernel simulates one CPU. Every kernel thread is a goroutine parked on
// a per-thread CPU gate; exactly one goroutine holds the CPU at any time,
// and a context switch hands the gate token to the next thread. The kernel
// mutex stands in for the interrupt flag: holding it is "interrupts
// disabled", and every thread state transition happens under it. Virtual
// time advances one timer tick at a time, delivered by whoever stands in for
// the timer interrupt: the running thread burning CPU, the idle thread when
// only sleepers remain, or an external real-time driver.
package kernel

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"minikern.dev/minikern/pkg/abi"
	"minikern.dev/minikern/pkg/fixedpt"
	"minikern.dev/minikern/pkg/fs"
	"minikern.dev/minikern/pkg/mm"
)

// Policy selects the scheduling discipline, fixed at boot.
type Policy int

// The available scheduler policies.
const (
	PolicyFIFO Policy = iota
	PolicyPrio
	PolicyFair
	PolicyMLFQS
)

// ParsePolicy maps the kernel command line's -sched value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "fifo":
		return PolicyFIFO, nil
	case "prio":
		return PolicyPrio, nil
	case "fair":
		return PolicyFair, nil
	case "mlfqs":
		return PolicyMLFQS, nil
	}
	return 0, fmt.Errorf("unknown scheduler %q", s)
}

// String implements fmt.Stringer.
func (p Policy) String() string {
	switch p {
	case PolicyFIFO:
		return "fifo"
	case PolicyPrio:
		return "prio"
	case PolicyFair:
		return "fair"
	case PolicyMLFQS:
		return "mlfqs"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// Config carries the boot-time kernel parameters.
type Config struct {
	// Policy is the scheduler selected on the kernel command line.
	Policy Policy

	// TimerFreq is the number of timer ticks per second; the fair policy's
	// once-per-second updates key off it.
	TimerFreq int

	// TimeSlice is the number of ticks a thread may run before the timer
	// requests preemption.
	TimeSlice int

	// UseNice selects whether the fair policy reads each thread's nice value
	// or takes it from the static per-priority NiceTable.
	UseNice bool

	// NiceTable maps a thread's base priority to its nice value when UseNice
	// is false.
	NiceTable [NumPriorities]int

	// ExternalTimer marks that a real-time driver delivers Tick. The idle
	// thread then halts instead of ticking time forward for sleepers.
	ExternalTimer bool

	// Alloc is the physical page allocator.
	Alloc *mm.Allocator

	// FS is the filesystem executables are loaded from.
	FS fs.FileSystem

	// Console receives user program output and exit announcements.
	Console io.Writer

	// Log receives kernel debug events. Nil disables logging.
	Log *logrus.Logger
}

// Kernel is the process-wide kernel context: every global singleton of the
// subsystem (ready queue, all-threads table, join-record table, filesystem
// lock, idle thread, load average) hangs off one Kernel value.
type Kernel struct {
	// mu models the CPU's interrupt flag. Every thread state transition and
	// every access to the queues below happens with mu held.
	mu sync.Mutex

	cfg Config
	log *logrus.Entry

	// all is the all-threads table.
	all map[abi.TID]*Thread

	// ready is the run queue, ordered by effective priority descending with
	// FIFO order within a priority (except under PolicyFIFO, where it is
	// pure arrival order).
	ready []*Thread

	// sleepers are threads in a timed sleep, woken by the timer tick.
	sleepers []*Thread

	current *Thread
	idle    *Thread

	// idleCond is how the idle thread halts: it waits here when there is
	// neither a ready thread nor a sleeper, and is signaled when one appears.
	idleCond *sync.Cond

	ticks     int64
	idleTicks int64
	loadAvg   fixedpt.Value
	preempt   bool

	// reapStack is a dying thread's kernel stack page, freed by the next
	// thread to run after the switch away from it completes.
	reapStack *mm.Page

	seq     uint64
	nextTID abi.TID

	joins *joinTable

	// fsLock serializes every filesystem call; the filesystem is not
	// reentrant. The only lock ever nested inside it is a PCB's file-table
	// lock.
	fsLock Lock

	booted   bool
	shutdown bool
}

// New returns an unbooted kernel. Zero config fields take defaults: FIFO
// policy, 100 ticks per second, 4-tick time slice, unbounded allocator.
func New(cfg Config) *Kernel {
	if cfg.TimerFreq == 0 {
		cfg.TimerFreq = 100
	}
	if cfg.TimeSlice == 0 {
		cfg.TimeSlice = 4
	}
	if cfg.Alloc == nil {
		cfg.Alloc = mm.NewAllocator(0)
	}
	if cfg.Console == nil {
		cfg.Console = io.Discard
	}
	if cfg.Log == nil {
		cfg.Log = logrus.New()
		cfg.Log.SetOutput(io.Discard)
	}
	k := &Kernel{
		cfg:     cfg,
		log:     cfg.Log.WithField("subsys", "kernel"),
		all:     make(map[abi.TID]*Thread),
		nextTID: 1,
		joins:   newJoinTable(),
	}
	k.idleCond = sync.NewCond(&k.mu)
	k.fsLock.init()
	return k
}

// Boot adopts the calling goroutine as the initial kernel thread, starts the
// idle thread, and enables scheduling. It must be called exactly once, and
// all further kernel entry points must be invoked from kernel threads.
func (k *Kernel) Boot() {
	k.mu.Lock()
	if k.booted {
		k.mu.Unlock()
		panic("kernel: double boot")
	}

	main := &Thread{
		id:       k.nextTID,
		name:     "main",
		state:    Running,
		basePrio: PriDefault,
		effPrio:  PriDefault,
		gate:     make(chan struct{}, 1),
	}
	k.nextTID++
	k.all[main.id] = main
	k.current = main

	kstack, err := k.cfg.Alloc.Get()
	if err != nil {
		k.mu.Unlock()
		panic("kernel: no memory for the idle thread")
	}
	idle := &Thread{
		id:       k.nextTID,
		name:     "idle",
		state:    Blocked,
		basePrio: PriMin,
		effPrio:  PriMin,
		gate:     make(chan struct{}, 1),
		kstack:   kstack,
	}
	k.nextTID++
	k.idle = idle
	go k.idleLoop()

	k.booted = true
	k.mu.Unlock()
	k.log.WithField("sched", k.cfg.Policy.String()).Debug("kernel booted")
}

// Shutdown stops the idle thread and detaches the boot thread. Every other
// thread must already have exited.
func (k *Kernel) Shutdown() {
	k.mu.Lock()
	k.shutdown = true
	k.killLocked(k.idle)
	delete(k.all, k.current.id)
	k.booted = false
	k.mu.Unlock()
	k.log.Debug("kernel shut down")
}

// Current returns the thread holding the CPU.
func (k *Kernel) Current() *Thread {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

// Ticks returns the virtual time in timer ticks.
func (k *Kernel) Ticks() int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ticks
}

// LoadAvg returns the fair policy's smoothed ready-thread count.
func (k *Kernel) LoadAvg() fixedpt.Value {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.loadAvg
}

// consoleWrite emits user-visible output.
func (k *Kernel) consoleWrite(p []byte) (int, error) {
	return k.cfg.Console.Write(p)
}

// idleLoop is the idle thread's body. It hands the CPU away whenever a
// thread is ready, ticks the timer forward when only sleepers remain, and
// otherwise halts until work arrives.
func (k *Kernel) idleLoop() {
	t := k.idle
	<-t.gate
	k.mu.Lock()
	for {
		if t.killed {
			k.mu.Unlock()
			return
		}
		switch {
		case len(k.ready) > 0:
			t.state = Blocked // the idle thread never enters the run queue
			k.switchLocked()
		case len(k.sleepers) > 0 && !k.cfg.ExternalTimer:
			k.tickLocked()
			k.idleTicks++
		default:
			k.idleCond.Wait()
		}
	}
}
