// Copyright (c) 2020-2026, The MetaFS Authors.
// SPDX-License-Identifier: Apache-2.0

package itrans

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/metafs/metafs/imerr"
)

type testCommitterStruct struct {
	commitCalls uint64
	failWith    error
}

func (testCommitter *testCommitterStruct) CommitTransaction() (err error) {
	_ = atomic.AddUint64(&testCommitter.commitCalls, 1)
	err = testCommitter.failWith
	return
}

func TestHoldReleaseCommitSeq(t *testing.T) {
	var (
		err           error
		manager       Manager
		seqBefore     uint64
		testCommitter *testCommitterStruct
	)

	manager = NewLocalManager(0)
	testCommitter = &testCommitterStruct{}
	manager.SetCommitter(testCommitter)

	seqBefore = manager.Seq()
	if seqBefore == 0 {
		t.Fatalf("Seq() returned 0; sequence 0 is reserved")
	}

	err = manager.Hold(DirtyInodeCount())
	if nil != err {
		t.Fatalf("Hold() failed: %v", err)
	}

	// Seq is stable while a transaction is open

	if manager.Seq() != seqBefore {
		t.Fatalf("Seq() changed under an open hold")
	}

	manager.Release()

	err = manager.Commit()
	if nil != err {
		t.Fatalf("Commit() failed: %v", err)
	}
	if atomic.LoadUint64(&testCommitter.commitCalls) != 1 {
		t.Fatalf("committer ran %d times; expected 1", testCommitter.commitCalls)
	}
	if manager.Seq() != seqBefore+1 {
		t.Fatalf("Seq() is %d after Commit(); expected %d", manager.Seq(), seqBefore+1)
	}
}

func TestCommitWaitsForHolders(t *testing.T) {
	var (
		commitDoneCh chan struct{}
		err          error
		manager      Manager
	)

	manager = NewLocalManager(0)

	err = manager.Hold(ItemCount{Items: 1})
	if nil != err {
		t.Fatalf("Hold() failed: %v", err)
	}

	commitDoneCh = make(chan struct{})
	go func() {
		_ = manager.Commit()
		close(commitDoneCh)
	}()

	select {
	case <-commitDoneCh:
		t.Fatalf("Commit() completed with a holder outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	manager.Release()

	select {
	case <-commitDoneCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("Commit() never completed after Release()")
	}
}

func TestHoldBlocksDuringCommitAndCapacity(t *testing.T) {
	var (
		err     error
		manager Manager
	)

	manager = NewLocalManager(4)

	err = manager.Hold(ItemCount{Items: 8})
	if !imerr.Is(err, imerr.ResourceExhaustedError) {
		t.Fatalf("oversized Hold() returned %v; expected ResourceExhausted", err)
	}

	// Reservations accumulate until commit resets them

	err = manager.Hold(ItemCount{Items: 3})
	if nil != err {
		t.Fatalf("Hold() failed: %v", err)
	}
	manager.Release()

	heldCh := make(chan error, 1)
	go func() {
		heldCh <- manager.Hold(ItemCount{Items: 3})
	}()

	select {
	case <-heldCh:
		t.Fatalf("Hold() succeeded past the reservation budget without a commit")
	case <-time.After(50 * time.Millisecond):
	}

	err = manager.Commit()
	if nil != err {
		t.Fatalf("Commit() failed: %v", err)
	}

	select {
	case err = <-heldCh:
		if nil != err {
			t.Fatalf("Hold() after Commit() failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Hold() never unblocked after Commit()")
	}
	manager.Release()
}

func TestCommitErrorDoesNotAdvanceSeq(t *testing.T) {
	var (
		err           error
		manager       Manager
		seqBefore     uint64
		testCommitter *testCommitterStruct
	)

	manager = NewLocalManager(0)
	testCommitter = &testCommitterStruct{failWith: errors.New("flush failed")}
	manager.SetCommitter(testCommitter)

	seqBefore = manager.Seq()

	err = manager.Commit()
	if nil == err {
		t.Fatalf("Commit() succeeded; expected committer error")
	}
	if manager.Seq() != seqBefore {
		t.Fatalf("Seq() advanced across a failed commit")
	}

	// A later successful commit still works

	testCommitter.failWith = nil
	err = manager.Commit()
	if nil != err {
		t.Fatalf("Commit() failed: %v", err)
	}
	if manager.Seq() != seqBefore+1 {
		t.Fatalf("Seq() is %d; expected %d", manager.Seq(), seqBefore+1)
	}
}
