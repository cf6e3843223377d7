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

// Kernel synchronization primitives, integrated with the scheduler: a
// blocked waiter leaves the CPU through blockLocked, and a wakeup feeds the
// run queue. Locks participate in priority donation under the
// strict-priority policy. These primitives back both kernel-internal
// serialization (filesystem lock, file-table locks) and the sync objects
// handed to user code.

// Semaphore is a counting semaphore.
type Semaphore struct {
	value   int
	waiters []*Thread
}

// NewSemaphore returns a semaphore with the given initial value.
func NewSemaphore(value int) *Semaphore {
	return &Semaphore{value: value}
}

// Down decrements the semaphore, blocking while the value is zero.
func (s *Semaphore) Down(k *Kernel) {
	k.mu.Lock()
	s.downLocked(k)
	k.mu.Unlock()
}

func (s *Semaphore) downLocked(k *Kernel) {
	cur := k.current
	for s.value == 0 {
		s.waiters = append(s.waiters, cur)
		cur.waitingSema = s
		k.blockLocked()
		cur.waitingSema = nil
	}
	s.value--
}

// TryDown decrements the semaphore without blocking, reporting success.
func (s *Semaphore) TryDown(k *Kernel) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if s.value == 0 {
		return false
	}
	s.value--
	return true
}

// Up increments the semaphore and wakes its highest-priority waiter. The
// caller yields if the wakeup outranks it.
func (s *Semaphore) Up(k *Kernel) {
	k.mu.Lock()
	s.upLocked(k)
	yield := k.maybeYieldLocked()
	k.mu.Unlock()
	if yield {
		k.Yield()
	}
}

// upLocked is Up for interrupt context: no yield, the preemption flag is
// honored on return from the interrupt instead.
func (s *Semaphore) upLocked(k *Kernel) {
	s.value++
	if len(s.waiters) == 0 {
		return
	}
	// Wake the highest effective priority, arrival order within ties.
	best := 0
	for i, w := range s.waiters {
		if w.effPrio > s.waiters[best].effPrio {
			best = i
		}
	}
	t := s.waiters[best]
	s.waiters = append(s.waiters[:best], s.waiters[best+1:]...)
	t.waitingSema = nil
	k.unblockLocked(t)
}

// removeWaiter drops a killed thread from the waiter list.
func (s *Semaphore) removeWaiter(t *Thread) {
	for i, w := range s.waiters {
		if w == t {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// Lock is a mutual-exclusion lock owned by at most one thread. Under the
// strict-priority policy a blocked acquirer donates its effective priority
// along the chain of holders.
type Lock struct {
	holder *Thread
	sema   Semaphore
}

// NewLock returns an unlocked lock.
func NewLock() *Lock {
	return &Lock{sema: Semaphore{value: 1}}
}

// init prepares a zero-valued Lock for use.
func (l *Lock) init() {
	l.sema.value = 1
}

// Acquire takes the lock, blocking until it is free. Acquiring a lock
// already held by the caller is a kernel bug.
func (l *Lock) Acquire(k *Kernel) {
	k.mu.Lock()
	cur := k.current
	if l.holder == cur {
		panic("kernel: recursive lock acquire")
	}
	if l.holder != nil {
		cur.waitingOn = l
		if k.cfg.Policy == PolicyPrio {
			k.donateLocked(l)
		}
	}
	l.sema.downLocked(k)
	cur.waitingOn = nil
	l.holder = cur
	cur.heldLocks = append(cur.heldLocks, l)
	k.mu.Unlock()
}

// TryAcquire takes the lock without blocking, reporting success.
func (l *Lock) TryAcquire(k *Kernel) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if l.sema.value == 0 {
		return false
	}
	l.sema.value--
	l.holder = k.current
	k.current.heldLocks = append(k.current.heldLocks, l)
	return true
}

// Release gives the lock up, undoing any donation received through it, and
// wakes the best waiter. Releasing a lock the caller does not hold is a
// kernel bug.
func (l *Lock) Release(k *Kernel) {
	k.mu.Lock()
	cur := k.current
	if l.holder != cur {
		panic("kernel: releasing lock not held")
	}
	for i, h := range cur.heldLocks {
		if h == l {
			cur.heldLocks = append(cur.heldLocks[:i], cur.heldLocks[i+1:]...)
			break
		}
	}
	l.holder = nil
	if k.cfg.Policy == PolicyPrio {
		k.refreshPriorityLocked(cur)
	}
	l.sema.upLocked(k)
	yield := k.maybeYieldLocked()
	k.mu.Unlock()
	if yield {
		k.Yield()
	}
}

// HeldByCurrent reports whether the calling thread holds l.
func (l *Lock) HeldByCurrent(k *Kernel) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return l.holder == k.current
}
