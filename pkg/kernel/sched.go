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

import "minikern.dev/minikern/pkg/fixedpt"

// This file is the policy side of the scheduler: run-queue ordering, the
// next-thread selector, priority donation for the strict-priority policy,
// and the fair policy's recent-CPU/load-average estimator.

// readyInsertLocked enqueues a Ready thread according to the boot policy.
func (k *Kernel) readyInsertLocked(t *Thread) {
	t.seq = k.seq
	k.seq++
	switch k.cfg.Policy {
	case PolicyFIFO:
		k.ready = append(k.ready, t)
	case PolicyPrio, PolicyFair:
		// Ordered by effective priority, arrival order within a priority.
		i := len(k.ready)
		for j, q := range k.ready {
			if q.effPrio < t.effPrio {
				i = j
				break
			}
		}
		k.ready = append(k.ready, nil)
		copy(k.ready[i+1:], k.ready[i:])
		k.ready[i] = t
	case PolicyMLFQS:
		panic("kernel: mlfqs scheduler selected but not implemented")
	default:
		panic("kernel: unknown scheduler policy")
	}
	// Wake the halted idle thread if it is the one holding the CPU.
	k.idleCond.Signal()
}

// readyRemoveLocked takes t out of the run queue.
func (k *Kernel) readyRemoveLocked(t *Thread) {
	for i, q := range k.ready {
		if q == t {
			k.ready = append(k.ready[:i], k.ready[i+1:]...)
			return
		}
	}
	panic("kernel: ready thread missing from run queue")
}

// repositionLocked re-sorts t after its effective priority changed.
func (k *Kernel) repositionLocked(t *Thread) {
	if t.state != Ready {
		return
	}
	k.readyRemoveLocked(t)
	k.readyInsertLocked(t)
}

// popNextLocked removes and returns the next thread to run, or the idle
// thread when the run queue is empty.
func (k *Kernel) popNextLocked() *Thread {
	if len(k.ready) == 0 {
		return k.idle
	}
	t := k.ready[0]
	k.ready = k.ready[1:]
	return t
}

// SetPriority changes the current thread's base priority. Under donation
// the effective priority never drops below what waiters have donated; the
// thread yields if it no longer outranks the run queue.
func (k *Kernel) SetPriority(prio int) {
	k.mu.Lock()
	cur := k.current
	cur.basePrio = clampPrio(prio)
	k.refreshPriorityLocked(cur)
	yield := k.maybeYieldLocked()
	k.mu.Unlock()
	if yield {
		k.Yield()
	}
}

// SetNice changes the current thread's nice value and recomputes its fair
// priority immediately.
func (k *Kernel) SetNice(nice int) {
	k.mu.Lock()
	cur := k.current
	cur.nice = nice
	if k.cfg.Policy == PolicyFair {
		k.fairRecomputeLocked(cur)
	}
	yield := k.maybeYieldLocked()
	k.mu.Unlock()
	if yield {
		k.Yield()
	}
}

func clampPrio(p int) int {
	if p < PriMin {
		return PriMin
	}
	if p > PriMax {
		return PriMax
	}
	return p
}

// donateLocked propagates the current thread's effective priority along the
// chain of lock holders starting at l, stopping when a holder already has
// at least the donor's priority or the chain ends.
func (k *Kernel) donateLocked(l *Lock) {
	donor := k.current
	for l != nil && l.holder != nil {
		h := l.holder
		if h.effPrio >= donor.effPrio {
			break
		}
		h.effPrio = donor.effPrio
		k.repositionLocked(h)
		l = h.waitingOn
	}
}

// refreshPriorityLocked recomputes t's effective priority as the maximum of
// its base priority and the priorities donated through locks it still holds.
func (k *Kernel) refreshPriorityLocked(t *Thread) {
	prio := t.basePrio
	for _, l := range t.heldLocks {
		for _, w := range l.sema.waiters {
			if w.effPrio > prio {
				prio = w.effPrio
			}
		}
	}
	t.effPrio = prio
	k.repositionLocked(t)
}

// effNice returns the nice value the fair estimator uses for t: the
// thread's own, or the static per-priority table's entry.
func (k *Kernel) effNice(t *Thread) int {
	if k.cfg.UseNice {
		return t.nice
	}
	return k.cfg.NiceTable[t.basePrio]
}

// fairRecomputeLocked recomputes one thread's fair priority:
// PRI_MAX - recent_cpu/4 - nice, truncated and clamped.
func (k *Kernel) fairRecomputeLocked(t *Thread) {
	prio := PriMax - t.recentCPU.DivInt(4).Trunc() - k.effNice(t)
	t.effPrio = clampPrio(prio)
	k.repositionLocked(t)
}

// fairTickLocked runs the fair policy's periodic work from the timer tick.
func (k *Kernel) fairTickLocked() {
	cur := k.current
	if cur != k.idle {
		cur.recentCPU = cur.recentCPU.AddInt(1)
	}

	if k.ticks%int64(k.cfg.TimerFreq) == 0 {
		// Once per second: fold the ready count into load_avg, then decay
		// every thread's recent_cpu by 2*load/(2*load+1).
		readyCount := len(k.ready)
		if cur != k.idle {
			readyCount++
		}
		k.loadAvg = fixedpt.Frac(59, 60).Mul(k.loadAvg).
			Add(fixedpt.Frac(1, 60).MulInt(readyCount))

		twice := k.loadAvg.MulInt(2)
		coeff := twice.Div(twice.AddInt(1))
		for _, t := range k.all {
			t.recentCPU = coeff.Mul(t.recentCPU)
		}
	}

	if k.ticks%4 == 0 {
		for _, t := range k.all {
			k.fairRecomputeLocked(t)
		}
	}
}
