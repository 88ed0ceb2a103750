// Copyright (c) 2020-2026, The MetaFS Authors.
// SPDX-License-Identifier: Apache-2.0

// Package itrans is the node-local transaction boundary. Writers hold the
// open transaction with an item-count cost estimate while they dirty
// items; Commit drains holders, runs the registered Committer (writeback
// and item flush), and advances the global transaction sequence number
// that stamps metadata and detects optimistic-locking races.
package itrans

import (
	"sync"
	"sync/atomic"

	"github.com/metafs/metafs/imerr"
)

// ItemCount estimates how many items a held transaction may dirty.
type ItemCount struct {
	Items uint64
}

// DirtyInodeCount is the reservation for one inode update: the inode item
// plus a worst-case insert+delete pair per index type.
func DirtyInodeCount() (cnt ItemCount) {
	cnt = ItemCount{Items: 1 + (2 * 3)}
	return
}

// Committer flushes the node's dirty state at the commit boundary.
type Committer interface {
	CommitTransaction() (err error)
}

// Manager is the transaction manager surface the engine consumes.
type Manager interface {
	// Hold blocks while a commit is in progress (or reservations exceed
	// capacity) and then joins the open transaction. A cost that can
	// never fit returns imerr.ResourceExhaustedError.
	Hold(cnt ItemCount) (err error)

	// Release leaves the open transaction.
	Release()

	// Seq returns the current global transaction sequence number.
	Seq() (seq uint64)

	// Commit excludes new holders, waits for current holders to drain,
	// runs the Committer, and advances Seq.
	Commit() (err error)

	// SetCommitter registers the commit-boundary callback.
	SetCommitter(committer Committer)
}

// DefaultCapacityItems is the default per-transaction reservation budget.
const DefaultCapacityItems uint64 = 65536

type localManagerStruct struct {
	sync.Mutex
	cond       *sync.Cond
	capacity   uint64
	reserved   uint64
	holders    uint64
	committing bool
	committer  Committer
	seq        uint64 // accessed via sync/atomic
}

// NewLocalManager returns an in-process transaction manager with the given
// item budget (0 selects DefaultCapacityItems). The sequence starts at 1;
// 0 is reserved as "never stamped".
func NewLocalManager(capacityItems uint64) (manager Manager) {
	var (
		localManager *localManagerStruct
	)

	if capacityItems == 0 {
		capacityItems = DefaultCapacityItems
	}

	localManager = &localManagerStruct{
		capacity: capacityItems,
		seq:      1,
	}
	localManager.cond = sync.NewCond(localManager)

	manager = localManager

	return
}

func (localManager *localManagerStruct) Hold(cnt ItemCount) (err error) {
	if cnt.Items > localManager.capacity {
		err = imerr.Errorf(imerr.ResourceExhaustedError, "transaction cost %v exceeds capacity %v", cnt.Items, localManager.capacity)
		return
	}

	localManager.Lock()

	for localManager.committing || ((localManager.reserved + cnt.Items) > localManager.capacity) {
		localManager.cond.Wait()
	}

	localManager.holders++
	localManager.reserved += cnt.Items

	localManager.Unlock()

	err = nil
	return
}

func (localManager *localManagerStruct) Release() {
	localManager.Lock()

	if localManager.holders == 0 {
		localManager.Unlock()
		panic("itrans: Release() without Hold()")
	}

	localManager.holders--

	localManager.Unlock()

	localManager.cond.Broadcast()
}

func (localManager *localManagerStruct) Seq() (seq uint64) {
	seq = atomic.LoadUint64(&localManager.seq)
	return
}

func (localManager *localManagerStruct) Commit() (err error) {
	var (
		committer Committer
	)

	localManager.Lock()

	for localManager.committing {
		localManager.cond.Wait()
	}
	localManager.committing = true

	for localManager.holders != 0 {
		localManager.cond.Wait()
	}

	committer = localManager.committer

	localManager.Unlock()

	// Writers are excluded; flush outside the manager's mutex.

	if nil != committer {
		err = committer.CommitTransaction()
	} else {
		err = nil
	}

	localManager.Lock()

	if nil == err {
		_ = atomic.AddUint64(&localManager.seq, 1)
		localManager.reserved = 0
	}
	localManager.committing = false

	localManager.Unlock()

	localManager.cond.Broadcast()

	return
}

func (localManager *localManagerStruct) SetCommitter(committer Committer) {
	localManager.Lock()
	localManager.committer = committer
	localManager.Unlock()
}
