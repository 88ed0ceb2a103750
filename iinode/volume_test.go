// Copyright (c) 2020-2026, The MetaFS Authors.
// SPDX-License-Identifier: Apache-2.0

package iinode

import (
	"testing"
	"time"

	"github.com/metafs/metafs/iclient"
	"github.com/metafs/metafs/ilayout"
	"github.com/metafs/metafs/ilock"
	"github.com/metafs/metafs/imerr"
	"github.com/metafs/metafs/istore"
	"github.com/metafs/metafs/itrans"
)

const (
	testNodeID         = uint64(7)
	testFirstIno       = uint64(1000)
	testAllocBatchSize = uint64(10)
	testModeRegular    = uint32(0100644)
	testModeDir        = uint32(0040755)
)

type testGlobalsStruct struct {
	allocServer *iclient.LoopbackAllocServer
	dataIO      *testDataIOStruct
	lockManager ilock.Manager
	memStore    *istore.MemStore
	trans       itrans.Manager
	volume      *Volume
}

var testGlobals *testGlobalsStruct

func testSetup(t *testing.T) {
	var (
		err error
	)

	testGlobals = &testGlobalsStruct{
		allocServer: iclient.NewLoopbackAllocServer(testFirstIno, testAllocBatchSize),
		dataIO:      newTestDataIO(),
		lockManager: ilock.NewLocalManager(),
		memStore:    istore.NewMemStore(),
		trans:       itrans.NewLocalManager(0),
	}

	testGlobals.allocServer.SetSynchronous(true)

	testGlobals.volume, err = NewVolume(
		VolumeConfig{
			VolumeName:          "TestVolume",
			NodeID:              testNodeID,
			IndexLockRetryDelay: time.Millisecond, // tests that retry shouldn't dawdle
		},
		testGlobals.memStore,
		testGlobals.lockManager,
		testGlobals.trans,
		testGlobals.allocServer,
		testGlobals.dataIO)
	if nil != err {
		t.Fatalf("NewVolume() failed: %v", err)
	}

	testGlobals.allocServer.SetFillFunc(testGlobals.volume.FillInodePool)

	err = testGlobals.volume.Up()
	if nil != err {
		t.Fatalf("Up() failed: %v", err)
	}
}

func testTeardown(t *testing.T) {
	testGlobals.volume.Down()
	testGlobals = nil
}

// testCreateInode creates a regular file (or directory) and returns it.
func testCreateInode(t *testing.T, ino uint64, mode uint32) (inode *Inode) {
	var (
		err error
	)

	inode, err = testGlobals.volume.CreateInode(ino, mode, 0, 0, 0)
	if nil != err {
		t.Fatalf("CreateInode(ino==%d) failed: %v", ino, err)
	}
	return
}

// testIndexItemsFor enumerates the persisted index items referencing ino,
// returned as a map from index type to the set of majors found.
func testIndexItemsFor(t *testing.T, ino uint64) (found map[uint8][]uint64) {
	var (
		err       error
		foundIno  uint64
		foundKey  []byte
		indexType uint8
		key       []byte
		last      []byte
		major     uint64
	)

	found = make(map[uint8][]uint64)

	key = ilayout.IndexKey(ilayout.IndexTypeSize, 0, 0, 0)
	last = ilayout.IndexKey(ilayout.IndexTypeDataSeq, ^uint64(0), ^uint32(0), ^uint64(0))

	for {
		foundKey, _, err = testGlobals.memStore.NextInRange(key, last)
		if nil != err {
			if imerr.Is(err, imerr.NotFoundError) {
				return
			}
			t.Fatalf("NextInRange() failed: %v", err)
		}

		indexType, major, _, foundIno, err = ilayout.ParseIndexKey(foundKey)
		if nil != err {
			t.Fatalf("ParseIndexKey() failed: %v", err)
		}

		if foundIno == ino {
			found[indexType] = append(found[indexType], major)
		}

		key = ilayout.KeySuccessor(foundKey)
	}
}

// testExpectSingleIndex asserts ino has exactly one index item of the
// given type, at the given major.
func testExpectSingleIndex(t *testing.T, ino uint64, indexType uint8, major uint64) {
	var (
		found  = testIndexItemsFor(t, ino)
		majors = found[indexType]
	)

	if (1 != len(majors)) || (major != majors[0]) {
		t.Fatalf("ino %d index type %d: expected single item at major %d, found %v", ino, indexType, major, majors)
	}
}

// testUpdateInode runs the gate, pins the item, applies mutate, and
// writes the item through, the way a dirent-layer caller would.
func testUpdateInode(t *testing.T, inode *Inode, inodeLock *ilock.Lock, newSize uint64, setDataSeq bool, mutate func()) {
	var (
		err        error
		indexLocks *IndexLocks
	)

	indexLocks, err = testGlobals.volume.LockHold(inode, newSize, setDataSeq)
	if nil != err {
		t.Fatalf("LockHold(ino==%d) failed: %v", inode.Ino(), err)
	}

	err = testGlobals.volume.DirtyInodeItem(inode, inodeLock)
	if nil != err {
		t.Fatalf("DirtyInodeItem(ino==%d) failed: %v", inode.Ino(), err)
	}

	if nil != mutate {
		mutate()
	}

	err = testGlobals.volume.UpdateInodeItem(inode, inodeLock, indexLocks)

	testGlobals.trans.Release()
	testGlobals.volume.UnlockIndex(indexLocks)

	if nil != err {
		t.Fatalf("UpdateInodeItem(ino==%d) failed: %v", inode.Ino(), err)
	}
}

func testLockInodeEX(t *testing.T, ino uint64) (inodeLock *ilock.Lock) {
	var (
		err error
	)

	inodeLock, err = testGlobals.lockManager.Acquire(ilock.InodeResource(ino), ilock.ModeEX)
	if nil != err {
		t.Fatalf("Acquire(InodeResource(%d)) failed: %v", ino, err)
	}
	return
}

func TestNewVolumeConfigValidation(t *testing.T) {
	var (
		err         error
		lockManager = ilock.NewLocalManager()
		memStore    = istore.NewMemStore()
		trans       = itrans.NewLocalManager(0)
	)

	_, err = NewVolume(VolumeConfig{NodeID: 1}, memStore, lockManager, trans, nil, nil)
	if nil == err {
		t.Fatalf("NewVolume() with empty VolumeName should have failed")
	}

	_, err = NewVolume(VolumeConfig{VolumeName: "v"}, memStore, lockManager, trans, nil, nil)
	if nil == err {
		t.Fatalf("NewVolume() with zero NodeID should have failed")
	}

	_, err = NewVolume(VolumeConfig{VolumeName: "v", NodeID: 1, IndexLockRetryDelayVariance: 101}, memStore, lockManager, trans, nil, nil)
	if nil == err {
		t.Fatalf("NewVolume() with variance > 100 should have failed")
	}

	_, err = NewVolume(VolumeConfig{VolumeName: "v", NodeID: 1}, nil, lockManager, trans, nil, nil)
	if nil == err {
		t.Fatalf("NewVolume() with nil Store should have failed")
	}
}

func TestCreateAndGetInode(t *testing.T) {
	var (
		err     error
		fetched *Inode
		inode   *Inode
	)

	testSetup(t)
	defer testTeardown(t)

	inode = testCreateInode(t, 42, testModeRegular)

	if testModeRegular != inode.Mode() {
		t.Fatalf("Mode() returned %o; expected %o", inode.Mode(), testModeRegular)
	}
	if 1 != inode.Nlink() {
		t.Fatalf("Nlink() returned %d; expected 1", inode.Nlink())
	}
	if 0 != inode.Size() {
		t.Fatalf("Size() returned %d; expected 0", inode.Size())
	}
	if 1 != inode.DataVersion() {
		t.Fatalf("DataVersion() returned %d; expected 1", inode.DataVersion())
	}

	fetched, err = testGlobals.volume.GetInode(42)
	if nil != err {
		t.Fatalf("GetInode(42) failed: %v", err)
	}
	if fetched != inode {
		t.Fatalf("GetInode(42) returned a different cache entry")
	}

	_, err = testGlobals.volume.GetInode(43)
	if !imerr.Is(err, imerr.NotFoundError) {
		t.Fatalf("GetInode(43) returned %v; expected NotFound", err)
	}

	_, err = testGlobals.volume.CreateInode(42, testModeRegular, 0, 0, 0)
	if !imerr.Is(err, imerr.ExistsError) {
		t.Fatalf("second CreateInode(42) returned %v; expected Exists", err)
	}
}

func TestCreateInodePersistsIndexItems(t *testing.T) {
	var (
		seq uint64
	)

	testSetup(t)
	defer testTeardown(t)

	seq = testGlobals.trans.Seq()

	testCreateInode(t, 100, testModeRegular)
	testCreateInode(t, 101, testModeDir)

	// regular files index size, metadata change seq, and data change seq
	testExpectSingleIndex(t, 100, ilayout.IndexTypeSize, 0)
	testExpectSingleIndex(t, 100, ilayout.IndexTypeMetaSeq, seq)
	testExpectSingleIndex(t, 100, ilayout.IndexTypeDataSeq, seq)

	// directories don't index the data change seq
	testExpectSingleIndex(t, 101, ilayout.IndexTypeSize, 0)
	testExpectSingleIndex(t, 101, ilayout.IndexTypeMetaSeq, seq)
	if 0 != len(testIndexItemsFor(t, 101)[ilayout.IndexTypeDataSeq]) {
		t.Fatalf("directory inode grew a data change seq index item")
	}
}

func TestSetSizeMovesIndexItems(t *testing.T) {
	var (
		err   error
		inode *Inode
		seq   uint64
	)

	testSetup(t)
	defer testTeardown(t)

	inode = testCreateInode(t, 200, testModeRegular)

	err = testGlobals.trans.Commit()
	if nil != err {
		t.Fatalf("Commit() failed: %v", err)
	}

	seq = testGlobals.trans.Seq()

	inodeLock := testLockInodeEX(t, 200)
	defer testGlobals.lockManager.Release(inodeLock)

	err = testGlobals.volume.SetSize(inode, inodeLock, 4096, false)
	if nil != err {
		t.Fatalf("SetSize() failed: %v", err)
	}

	if 4096 != inode.Size() {
		t.Fatalf("Size() returned %d; expected 4096", inode.Size())
	}

	testExpectSingleIndex(t, 200, ilayout.IndexTypeSize, 4096)
	testExpectSingleIndex(t, 200, ilayout.IndexTypeMetaSeq, seq)
	testExpectSingleIndex(t, 200, ilayout.IndexTypeDataSeq, seq)
}

func TestMetaSeqStampedOncePerTransaction(t *testing.T) {
	var (
		err     error
		inode   *Inode
		seqOne  uint64
		seqTwo  uint64
	)

	testSetup(t)
	defer testTeardown(t)

	seqOne = testGlobals.trans.Seq()

	inode = testCreateInode(t, 300, testModeRegular)

	inodeLock := testLockInodeEX(t, 300)
	defer testGlobals.lockManager.Release(inodeLock)

	// a second update inside the same open transaction keeps the stamp
	testUpdateInode(t, inode, inodeLock, inode.Size(), false, func() {
		testGlobals.volume.SetNlink(inode, 2)
	})
	if seqOne != inode.MetaSeq() {
		t.Fatalf("MetaSeq() moved to %d within one transaction; expected %d", inode.MetaSeq(), seqOne)
	}
	testExpectSingleIndex(t, 300, ilayout.IndexTypeMetaSeq, seqOne)

	err = testGlobals.trans.Commit()
	if nil != err {
		t.Fatalf("Commit() failed: %v", err)
	}
	seqTwo = testGlobals.trans.Seq()
	if seqTwo == seqOne {
		t.Fatalf("Commit() did not advance the transaction sequence")
	}

	testUpdateInode(t, inode, inodeLock, inode.Size(), false, func() {
		testGlobals.volume.SetNlink(inode, 3)
	})
	if seqTwo != inode.MetaSeq() {
		t.Fatalf("MetaSeq() is %d after post-commit update; expected %d", inode.MetaSeq(), seqTwo)
	}
	testExpectSingleIndex(t, 300, ilayout.IndexTypeMetaSeq, seqTwo)
}

func TestTruncateFlagRoundTrip(t *testing.T) {
	var (
		err        error
		inode      *Inode
		inodeV1    *ilayout.InodeV1Struct
		inodeV1Buf []byte
	)

	testSetup(t)
	defer testTeardown(t)

	inode = testCreateInode(t, 400, testModeRegular)

	inodeLock := testLockInodeEX(t, 400)
	defer testGlobals.lockManager.Release(inodeLock)

	err = testGlobals.volume.SetSize(inode, inodeLock, 100, true)
	if nil != err {
		t.Fatalf("SetSize(forTruncate) failed: %v", err)
	}
	if 0 == (inode.Flags() & ilayout.FlagTruncate) {
		t.Fatalf("truncate flag not raised")
	}

	inodeV1Buf, err = testGlobals.memStore.LookupExact(ilayout.InodeKey(400))
	if nil != err {
		t.Fatalf("LookupExact() failed: %v", err)
	}
	inodeV1, err = ilayout.UnmarshalInodeV1(inodeV1Buf)
	if nil != err {
		t.Fatalf("UnmarshalInodeV1() failed: %v", err)
	}
	if 0 == (inodeV1.Flags & ilayout.FlagTruncate) {
		t.Fatalf("truncate flag not persisted")
	}

	err = testGlobals.volume.ClearTruncateFlag(inode, inodeLock)
	if nil != err {
		t.Fatalf("ClearTruncateFlag() failed: %v", err)
	}
	if 0 != (inode.Flags() & ilayout.FlagTruncate) {
		t.Fatalf("truncate flag not lowered")
	}
}

func TestRefreshInodeAppliesNewerWrites(t *testing.T) {
	var (
		err        error
		fetched    *Inode
		inode      *Inode
		inodeV1    *ilayout.InodeV1Struct
		inodeV1Buf []byte
	)

	testSetup(t)
	defer testTeardown(t)

	inode = testCreateInode(t, 500, testModeRegular)

	// rewrite the record out from under the cache, as a writer on
	// another node would
	inodeLock := testLockInodeEX(t, 500)
	inodeV1Buf, err = testGlobals.memStore.LookupExact(ilayout.InodeKey(500))
	if nil != err {
		t.Fatalf("LookupExact() failed: %v", err)
	}
	inodeV1, err = ilayout.UnmarshalInodeV1(inodeV1Buf)
	if nil != err {
		t.Fatalf("UnmarshalInodeV1() failed: %v", err)
	}
	inodeV1.Nlink = 5
	inodeV1Buf, err = ilayout.MarshalInodeV1(inodeV1)
	if nil != err {
		t.Fatalf("MarshalInodeV1() failed: %v", err)
	}
	err = testGlobals.memStore.Update(ilayout.InodeKey(500), inodeV1Buf, inodeLock)
	if nil != err {
		t.Fatalf("Update() failed: %v", err)
	}
	testGlobals.lockManager.Release(inodeLock)

	// a fresh acquire carries a newer validity token, forcing a refresh
	fetched, err = testGlobals.volume.GetInode(500)
	if nil != err {
		t.Fatalf("GetInode(500) failed: %v", err)
	}
	if fetched != inode {
		t.Fatalf("GetInode(500) returned a different cache entry")
	}
	if 5 != inode.Nlink() {
		t.Fatalf("Nlink() returned %d after refresh; expected 5", inode.Nlink())
	}
}

func TestCommitTransactionFlushesDirtyItems(t *testing.T) {
	var (
		err   error
		inode *Inode
	)

	testSetup(t)
	defer testTeardown(t)

	inode = testCreateInode(t, 600, testModeRegular)

	inodeLock := testLockInodeEX(t, 600)
	defer testGlobals.lockManager.Release(inodeLock)

	testUpdateInode(t, inode, inodeLock, inode.Size(), false, nil)

	if 0 == testGlobals.memStore.DirtyCount() {
		t.Fatalf("expected dirty items pinned before commit")
	}

	err = testGlobals.trans.Commit()
	if nil != err {
		t.Fatalf("Commit() failed: %v", err)
	}

	if 0 != testGlobals.memStore.DirtyCount() {
		t.Fatalf("expected no dirty items pinned after commit; found %d", testGlobals.memStore.DirtyCount())
	}
}
