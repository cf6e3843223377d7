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
	"github.com/google/btree"
	"minikern.dev/minikern/pkg/abi"
)

// A joinRecord is the rendezvous between a creator and a created process or
// user thread. It belongs to neither: both sides reach it through the
// process-global table by thread id, and it outlives PCB teardown so a
// parent can reap a child that is already gone. It is freed by the
// successful joiner, or by the creator's own teardown for children that
// were never waited on.
//
// Table membership is guarded by the table lock; the record fields are
// guarded by the kernel mutex, except the two semaphores which carry their
// own scheduler integration.
type joinRecord struct {
	// tid is the joinable thread; creator is who may reap it (the PID of
	// the owning process's main thread, for parent-child joins).
	tid     abi.TID
	creator abi.TID

	// isThread marks records for secondary user threads, joinable with
	// pthread_join rather than wait.
	isThread bool

	exitCode int32
	waited   bool

	// join is upped exactly once, when the joinable entity has exited.
	join Semaphore

	// loaded is the load barrier: upped exactly once, when the child has
	// either entered user mode or failed to load. loadOK carries the verdict.
	loaded Semaphore
	loadOK bool
}

// Less implements btree.Item ordering by thread id.
func (r *joinRecord) Less(than btree.Item) bool {
	return r.tid < than.(*joinRecord).tid
}

func newJoinRecord(creator abi.TID) *joinRecord {
	return &joinRecord{creator: creator, exitCode: -1}
}

// joinTable is the process-global join-record table, a single lock over a
// tree keyed by thread id.
type joinTable struct {
	lock Lock
	recs *btree.BTree
}

func newJoinTable() *joinTable {
	jt := &joinTable{recs: btree.New(8)}
	jt.lock.init()
	return jt
}

// insert publishes rec under its (now final) tid.
func (jt *joinTable) insert(k *Kernel, rec *joinRecord) {
	jt.lock.Acquire(k)
	jt.recs.ReplaceOrInsert(rec)
	jt.lock.Release(k)
}

// get returns the record for tid, or nil. The caller must hold the table
// lock if it needs the record to stay in the table.
func (jt *joinTable) get(k *Kernel, tid abi.TID) *joinRecord {
	jt.lock.Acquire(k)
	defer jt.lock.Release(k)
	return jt.getLocked(tid)
}

func (jt *joinTable) getLocked(tid abi.TID) *joinRecord {
	item := jt.recs.Get(&joinRecord{tid: tid})
	if item == nil {
		return nil
	}
	return item.(*joinRecord)
}

// remove deletes the record for tid.
func (jt *joinTable) remove(k *Kernel, tid abi.TID) {
	jt.lock.Acquire(k)
	jt.recs.Delete(&joinRecord{tid: tid})
	jt.lock.Release(k)
}

// reapChildrenOf frees every record whose creator is the given PID: a dying
// creator leaves nobody to join them.
func (jt *joinTable) reapChildrenOf(k *Kernel, pid abi.TID) {
	jt.lock.Acquire(k)
	var doomed []*joinRecord
	jt.recs.Ascend(func(item btree.Item) bool {
		rec := item.(*joinRecord)
		if rec.creator == pid && rec.tid != pid {
			doomed = append(doomed, rec)
		}
		return true
	})
	for _, rec := range doomed {
		jt.recs.Delete(rec)
	}
	jt.lock.Release(k)
}
