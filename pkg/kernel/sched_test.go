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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFIFOIsArrivalOrder(t *testing.T) {
	k := boot(t, Config{Policy: PolicyFIFO})
	var rec recorder

	// Priorities are ignored: arrival order wins.
	for _, w := range []struct {
		name string
		prio int
	}{{"first", PriMin}, {"second", PriMax}, {"third", PriDefault}} {
		w := w
		if _, err := k.Spawn(w.name, w.prio, func() { rec.add(w.name) }); err != nil {
			t.Fatalf("Spawn: %v", err)
		}
	}
	k.Yield()

	want := []string{"first", "second", "third"}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("FIFO order (-want +got):\n%s", diff)
	}
}

func TestPrioOrderAndTies(t *testing.T) {
	k := boot(t, Config{Policy: PolicyPrio})
	var rec recorder

	spawn := func(name string, prio int) {
		if _, err := k.Spawn(name, prio, func() { rec.add(name) }); err != nil {
			t.Fatalf("Spawn: %v", err)
		}
	}
	// All below the caller so nothing preempts while building the queue.
	spawn("mid-a", 20)
	spawn("low", 10)
	spawn("mid-b", 20)
	spawn("high", 25)

	k.SetPriority(PriMin)

	want := []string{"high", "mid-a", "mid-b", "low"}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("priority order (-want +got):\n%s", diff)
	}
}

// TestPriorityDonation is the classic inversion scenario: the boot thread
// (standing in for the low-priority holder) holds a lock, a high-priority
// thread blocks on it, and a medium-priority CPU hog is ready. With
// donation the holder runs at the donor's priority, and on release the
// completion order is high then medium.
func TestPriorityDonation(t *testing.T) {
	k := boot(t, Config{Policy: PolicyPrio})
	var rec recorder
	lock := NewLock()

	lock.Acquire(k)

	if _, err := k.Spawn("high", PriDefault+9, func() {
		lock.Acquire(k)
		rec.add("high")
		lock.Release(k)
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	// The spawn preempted us; high is now blocked on the lock and we run
	// with its donated priority.
	if got := k.Current().Effective(); got != PriDefault+9 {
		t.Errorf("donated priority = %d, want %d", got, PriDefault+9)
	}

	if _, err := k.Spawn("medium", PriDefault+4, func() {
		rec.add("medium")
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	// Medium must not run: the donation outranks it.
	if len(rec.events) != 0 {
		t.Fatalf("medium ran against a donated holder: %v", rec.events)
	}

	lock.Release(k)
	if got := k.Current().Effective(); got != PriDefault {
		t.Errorf("priority after release = %d, want %d", got, PriDefault)
	}

	want := []string{"high", "medium"}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("completion order (-want +got):\n%s", diff)
	}
}

// TestDonationChain checks transitivity: high blocks on B held by mid,
// which blocks on A held by the boot thread; high's priority flows to both.
func TestDonationChain(t *testing.T) {
	k := boot(t, Config{Policy: PolicyPrio})
	var rec recorder
	a := NewLock()
	b := NewLock()

	a.Acquire(k)

	if _, err := k.Spawn("mid", PriDefault+2, func() {
		b.Acquire(k)
		a.Acquire(k)
		a.Release(k)
		b.Release(k)
		rec.add("mid")
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	// mid preempted us, took B, and blocked on A donating +2.
	if got := k.Current().Effective(); got != PriDefault+2 {
		t.Errorf("first donation = %d, want %d", got, PriDefault+2)
	}

	if _, err := k.Spawn("high", PriDefault+7, func() {
		b.Acquire(k)
		b.Release(k)
		rec.add("high")
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	// high blocked on B; the donation must reach us through mid.
	if got := k.Current().Effective(); got != PriDefault+7 {
		t.Errorf("chained donation = %d, want %d", got, PriDefault+7)
	}

	a.Release(k)

	want := []string{"high", "mid"}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("completion order (-want +got):\n%s", diff)
	}
}

func TestFairNiceMonotonicity(t *testing.T) {
	k := boot(t, Config{Policy: PolicyFair, TimerFreq: 10, UseNice: true})
	done := NewSemaphore(0)

	burner := func(nice int) func() {
		return func() {
			k.SetNice(nice)
			k.BurnCPU(60)
			done.Up(k)
		}
	}
	kind, err := k.Spawn("kind", PriDefault, burner(10))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	greedy, err := k.Spawn("greedy", PriDefault, burner(0))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	// Share the CPU with them long enough for several recomputes.
	k.BurnCPU(24)

	var kindPrio, greedyPrio int
	k.ForEach(func(th *Thread) {
		switch th.ID() {
		case kind:
			kindPrio = th.Effective()
		case greedy:
			greedyPrio = th.Effective()
		}
	})
	if kindPrio >= greedyPrio {
		t.Errorf("nice 10 thread priority %d, nice 0 thread %d; want strictly lower", kindPrio, greedyPrio)
	}
	// load_avg moves 1/60 of the way toward the ready count once per second
	// (every 10 ticks here), so a few seconds of three runnable threads lift
	// it above zero but leave it short of one half.
	if got := k.LoadAvg(); got <= 0 || got.Round() != 0 {
		t.Errorf("load average = %d/16384, want above 0 and below 0.5 after a few seconds with three runnable threads", int64(got))
	}

	done.Down(k)
	done.Down(k)
}

func TestFairStaticNiceTable(t *testing.T) {
	var table [NumPriorities]int
	table[PriDefault] = 5
	k := boot(t, Config{Policy: PolicyFair, TimerFreq: 10, UseNice: false, NiceTable: table})

	// With UseNice off, SetNice has no effect on the estimator; the static
	// table entry for the base priority applies.
	k.SetNice(-20)
	k.BurnCPU(8)

	// After 8 ticks: recent_cpu = 8, so PRI_MAX - 8/4 - table nice.
	if got, want := k.Current().Effective(), PriMax-2-5; got != want {
		t.Errorf("effective priority = %d, want %d", got, want)
	}
}

func TestMLFQSIsFatal(t *testing.T) {
	// No boot helper here: the panic leaves the kernel wedged, so no
	// Shutdown may run after it.
	k := New(Config{Policy: PolicyMLFQS})
	k.Boot()
	defer func() {
		if recover() == nil {
			t.Error("mlfqs dispatch did not panic")
		}
	}()
	k.Spawn("w", PriDefault, func() {})
}
