// Copyright (c) 2020-2026, The MetaFS Authors.
// SPDX-License-Identifier: Apache-2.0

package iinode

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/metafs/metafs/ilayout"
	"github.com/metafs/metafs/ilock"
	"github.com/metafs/metafs/imerr"
	"github.com/metafs/metafs/itrans"
)

// Inode is one cached inode. Fields mirrored from the persisted record
// are mutated only under itemMutex while the caller holds a cluster lock
// covering the inode; metaSeq/dataSeq/dataVersion additionally get
// torn-read protection via a sequence counter so lock-free readers see
// consistent values.
type Inode struct {
	ino uint64

	itemMutex sync.Mutex // serializes refresh of and updates to the persisted item

	refs        uint64 // cache references beyond the table's own; volume.Mutex
	destroying  bool   // set once eviction begins; volume.Mutex
	inWriteback bool   // member of volume.writebackTree; volume.writebackLock

	lastApplied uint64 // validity token of the last refresh applied (atomic)

	seqMutex sync.Mutex // serializes seqCount writers
	seqCount uint32     // odd while a write is in progress (atomic)

	metaSeq     uint64 // sequence-counter protected (atomic)
	dataSeq     uint64 //
	dataVersion uint64 //

	size           uint64
	nextReaddirPos uint64
	atimeSec       uint64
	mtimeSec       uint64
	ctimeSec       uint64
	atimeNSec      uint32
	mtimeNSec      uint32
	ctimeNSec      uint32
	nlink          uint32
	uid            uint32
	gid            uint32
	mode           uint32
	rdev           uint32
	flags          uint32

	// What the persisted item held when we last read or wrote it. The
	// index synchronization engine diffs new values against these to
	// decide which index items to insert and delete.
	haveItem   bool
	itemMajors [ilayout.IndexTypeCount + 1]uint64
	itemMinors [ilayout.IndexTypeCount + 1]uint32
}

// itemInfoStruct is a consistent snapshot of an inode's persisted-item
// bookkeeping, taken under itemMutex for use outside it.
type itemInfoStruct struct {
	haveItem   bool
	itemMajors [ilayout.IndexTypeCount + 1]uint64
	itemMinors [ilayout.IndexTypeCount + 1]uint32
}

func (inode *Inode) Ino() (ino uint64) {
	ino = inode.ino
	return
}

// writeSeqField publishes a new value of one sequence-counter protected
// field. Writers are serialized by seqMutex so concurrent publishers
// (e.g. the data path bumping dataSeq while a setattr bumps metaSeq)
// cannot interleave their counter flips.
func (inode *Inode) writeSeqField(field *uint64, value uint64) {
	inode.seqMutex.Lock()
	atomic.AddUint32(&inode.seqCount, 1)
	atomic.StoreUint64(field, value)
	atomic.AddUint32(&inode.seqCount, 1)
	inode.seqMutex.Unlock()
}

// readSeqField returns a torn-read-free value of one sequence-counter
// protected field without taking any lock.
func (inode *Inode) readSeqField(field *uint64) (value uint64) {
	var (
		seqBefore uint32
	)

	for {
		seqBefore = atomic.LoadUint32(&inode.seqCount)
		if 0 != (seqBefore & 1) {
			runtime.Gosched()
			continue
		}
		value = atomic.LoadUint64(field)
		if atomic.LoadUint32(&inode.seqCount) == seqBefore {
			return
		}
	}
}

// MetaSeq returns the inode's metadata change sequence (lock-free).
func (inode *Inode) MetaSeq() (metaSeq uint64) {
	metaSeq = inode.readSeqField(&inode.metaSeq)
	return
}

// DataSeq returns the inode's data change sequence (lock-free).
func (inode *Inode) DataSeq() (dataSeq uint64) {
	dataSeq = inode.readSeqField(&inode.dataSeq)
	return
}

// DataVersion returns the inode's data version (lock-free).
func (inode *Inode) DataVersion() (dataVersion uint64) {
	dataVersion = inode.readSeqField(&inode.dataVersion)
	return
}

func (inode *Inode) Size() (size uint64) {
	inode.itemMutex.Lock()
	size = inode.size
	inode.itemMutex.Unlock()
	return
}

func (inode *Inode) Nlink() (nlink uint32) {
	inode.itemMutex.Lock()
	nlink = inode.nlink
	inode.itemMutex.Unlock()
	return
}

func (inode *Inode) Mode() (mode uint32) {
	inode.itemMutex.Lock()
	mode = inode.mode
	inode.itemMutex.Unlock()
	return
}

func (inode *Inode) Flags() (flags uint32) {
	inode.itemMutex.Lock()
	flags = inode.flags
	inode.itemMutex.Unlock()
	return
}

// loadRecordLocked applies a freshly read persisted record to the cached
// fields. Caller holds itemMutex.
func (inode *Inode) loadRecordLocked(rec *ilayout.InodeV1Struct) {
	inode.writeSeqField(&inode.metaSeq, rec.MetaSeq)
	inode.writeSeqField(&inode.dataSeq, rec.DataSeq)
	inode.writeSeqField(&inode.dataVersion, rec.DataVersion)

	inode.size = rec.Size
	inode.nextReaddirPos = rec.NextReaddirPos
	inode.atimeSec = rec.AtimeSec
	inode.mtimeSec = rec.MtimeSec
	inode.ctimeSec = rec.CtimeSec
	inode.atimeNSec = rec.AtimeNSec
	inode.mtimeNSec = rec.MtimeNSec
	inode.ctimeNSec = rec.CtimeNSec
	inode.nlink = rec.Nlink
	inode.uid = rec.UID
	inode.gid = rec.GID
	inode.mode = rec.Mode
	inode.rdev = rec.Rdev
	inode.flags = rec.Flags

	inode.setItemInfoLocked(rec)
}

// storeRecordLocked snapshots the cached fields into a persisted record.
// Caller holds itemMutex.
func (inode *Inode) storeRecordLocked() (rec *ilayout.InodeV1Struct) {
	rec = &ilayout.InodeV1Struct{
		Size:           inode.size,
		MetaSeq:        inode.MetaSeq(),
		DataSeq:        inode.DataSeq(),
		DataVersion:    inode.DataVersion(),
		NextReaddirPos: inode.nextReaddirPos,
		AtimeSec:       inode.atimeSec,
		MtimeSec:       inode.mtimeSec,
		CtimeSec:       inode.ctimeSec,
		AtimeNSec:      inode.atimeNSec,
		MtimeNSec:      inode.mtimeNSec,
		CtimeNSec:      inode.ctimeNSec,
		Nlink:          inode.nlink,
		UID:            inode.uid,
		GID:            inode.gid,
		Mode:           inode.mode,
		Rdev:           inode.rdev,
		Flags:          inode.flags,
	}
	return
}

// setItemInfoLocked records the index-relevant values the persisted item
// now holds. Caller holds itemMutex.
func (inode *Inode) setItemInfoLocked(rec *ilayout.InodeV1Struct) {
	inode.haveItem = true
	inode.itemMajors[ilayout.IndexTypeSize] = rec.Size
	inode.itemMajors[ilayout.IndexTypeMetaSeq] = rec.MetaSeq
	inode.itemMajors[ilayout.IndexTypeDataSeq] = rec.DataSeq
	inode.itemMinors[ilayout.IndexTypeSize] = 0
	inode.itemMinors[ilayout.IndexTypeMetaSeq] = 0
	inode.itemMinors[ilayout.IndexTypeDataSeq] = 0
}

// itemSnapshot copies the persisted-item bookkeeping for use by the
// lock-ordered gate, whose predictions run before itemMutex is taken.
func (inode *Inode) itemSnapshot() (info *itemInfoStruct) {
	inode.itemMutex.Lock()
	info = &itemInfoStruct{
		haveItem:   inode.haveItem,
		itemMajors: inode.itemMajors,
		itemMinors: inode.itemMinors,
	}
	inode.itemMutex.Unlock()
	return
}

// lookupInode returns the cache entry for ino, creating it if absent.
// Concurrent callers racing on the same ino observe the same entry.
func (volume *Volume) lookupInode(ino uint64) (inode *Inode, created bool) {
	var (
		ok bool
	)

	volume.Lock()
	inode, ok = volume.inodeTable[ino]
	if !ok {
		inode = &Inode{ino: ino}
		volume.inodeTable[ino] = inode
	}
	created = !ok
	volume.Unlock()
	return
}

// tryRefInode takes a cache reference unless eviction has begun.
func (volume *Volume) tryRefInode(inode *Inode) (ok bool) {
	volume.Lock()
	if inode.destroying {
		ok = false
	} else {
		inode.refs++
		ok = true
	}
	volume.Unlock()
	return
}

func (volume *Volume) derefInode(inode *Inode) {
	volume.Lock()
	if 0 == inode.refs {
		volume.Unlock()
		logFatalf("derefInode(ino==%d) called with zero refs", inode.ino)
	}
	inode.refs--
	volume.Unlock()
}

// RefreshInode brings the cached fields up to date with the persisted
// record if inodeLock's validity token is newer than the one last
// applied. A token older than the applied one means the caller presented
// a stale lock, which the lock manager's semantics make impossible; that
// is a fatal ordering violation, not an error to return.
func (volume *Volume) RefreshInode(inode *Inode, inodeLock *ilock.Lock) (err error) {
	var (
		inodeV1    *ilayout.InodeV1Struct
		inodeV1Buf []byte
		refreshGen uint64
	)

	refreshGen = inodeLock.ValidityToken()

	if atomic.LoadUint64(&inode.lastApplied) > refreshGen {
		logFatalf("RefreshInode(ino==%d): applied token %d is newer than lock token %d", inode.ino, atomic.LoadUint64(&inode.lastApplied), refreshGen)
	}
	if atomic.LoadUint64(&inode.lastApplied) == refreshGen {
		err = nil
		return
	}

	inode.itemMutex.Lock()
	defer inode.itemMutex.Unlock()

	// A racing refresh under the same lock may have gotten here first.
	if atomic.LoadUint64(&inode.lastApplied) >= refreshGen {
		err = nil
		return
	}

	inodeV1Buf, err = volume.store.LookupExact(ilayout.InodeKey(inode.ino))
	if nil != err {
		return
	}
	inodeV1, err = ilayout.UnmarshalInodeV1(inodeV1Buf)
	if nil != err {
		err = imerr.Wrap(imerr.CorruptionError, err)
		return
	}

	inode.loadRecordLocked(inodeV1)
	atomic.StoreUint64(&inode.lastApplied, refreshGen)

	volume.stats.InodeRefreshes.Inc()
	logTracef("RefreshInode(ino==%d) applied token %d", inode.ino, refreshGen)

	err = nil
	return
}

// GetInode returns ino's cache entry with fields refreshed under a
// freshly acquired read lock. NotFoundError if no such inode persists.
func (volume *Volume) GetInode(ino uint64) (inode *Inode, err error) {
	var (
		created   bool
		inodeLock *ilock.Lock
	)

	inodeLock, err = volume.lockManager.Acquire(ilock.InodeResource(ino), ilock.ModePR)
	if nil != err {
		return
	}
	defer volume.lockManager.Release(inodeLock)

	inode, created = volume.lookupInode(ino)

	err = volume.RefreshInode(inode, inodeLock)
	if nil != err {
		if created {
			volume.Lock()
			if 0 == inode.refs {
				delete(volume.inodeTable, ino)
			}
			volume.Unlock()
		}
		inode = nil
		return
	}

	err = nil
	return
}

// setMetaSeqLocked stamps the current transaction's sequence into the
// inode's metadata change sequence. At most one stamp happens per open
// transaction: commit advances the sequence, so within one transaction
// the stamp is idempotent. Caller holds itemMutex and the transaction.
func (volume *Volume) setMetaSeqLocked(inode *Inode) {
	var (
		seq = volume.trans.Seq()
	)

	if inode.MetaSeq() != seq {
		inode.writeSeqField(&inode.metaSeq, seq)
	}
}

// setDataSeqLocked stamps the current transaction's sequence into the
// inode's data change sequence, once per open transaction. Caller holds
// itemMutex and the transaction.
func (volume *Volume) setDataSeqLocked(inode *Inode) {
	var (
		seq = volume.trans.Seq()
	)

	if inode.DataSeq() != seq {
		inode.writeSeqField(&inode.dataSeq, seq)
	}
}

// SetDataSeq is the data path's hook: it stamps the open transaction's
// sequence into the inode's data change sequence. The caller holds the
// inode's write lock and the transaction.
func (volume *Volume) SetDataSeq(inode *Inode) {
	inode.itemMutex.Lock()
	volume.setDataSeqLocked(inode)
	inode.itemMutex.Unlock()
}

// IncDataVersion bumps the inode's data version. The caller holds the
// inode's write lock and the transaction.
func (volume *Volume) IncDataVersion(inode *Inode) {
	inode.itemMutex.Lock()
	inode.writeSeqField(&inode.dataVersion, inode.DataVersion()+1)
	inode.itemMutex.Unlock()
}

// DirtyInodeItem pins the inode's persisted item dirty in the open
// transaction so the following UpdateInodeItem cannot fail for space.
func (volume *Volume) DirtyInodeItem(inode *Inode, inodeLock *ilock.Lock) (err error) {
	err = volume.store.Dirty(ilayout.InodeKey(inode.ino), inodeLock)
	return
}

// updateInodeItemLocked writes the cached fields through to the persisted
// record, first synchronizing index items to the new values under
// indexLocks (prepared by the caller through the lock-ordered gate). An
// index synchronization failure leaves both the item and the indices
// untouched. A failure writing the item itself cannot happen once the
// item is pinned dirty; it is fatal. Caller holds itemMutex, the inode's
// write lock, and the transaction.
func (volume *Volume) updateInodeItemLocked(inode *Inode, inodeLock *ilock.Lock, indexLocks *IndexLocks) (err error) {
	var (
		inodeV1    *ilayout.InodeV1Struct
		inodeV1Buf []byte
	)

	volume.setMetaSeqLocked(inode)

	inodeV1 = inode.storeRecordLocked()

	err = volume.updateIndices(inode.ino, inode.mode, inode.haveItem, inode.itemMajors, inode.itemMinors, inodeV1, indexLocks)
	if nil != err {
		return
	}

	inodeV1Buf, err = ilayout.MarshalInodeV1(inodeV1)
	if nil != err {
		logFatalf("updateInodeItemLocked(ino==%d): marshal failed: %v", inode.ino, err)
	}

	err = volume.store.Update(ilayout.InodeKey(inode.ino), inodeV1Buf, inodeLock)
	if nil != err {
		// Index items were already moved to the new values; the item
		// must follow or readers diverge from the indices forever.
		logFatalf("updateInodeItemLocked(ino==%d): item update failed after index update: %v", inode.ino, err)
	}

	inode.setItemInfoLocked(inodeV1)

	err = nil
	return
}

// UpdateInodeItem is the exported form of updateInodeItemLocked for
// callers (dirent layer, setattr) that mutated cached fields themselves.
func (volume *Volume) UpdateInodeItem(inode *Inode, inodeLock *ilock.Lock, indexLocks *IndexLocks) (err error) {
	inode.itemMutex.Lock()
	err = volume.updateInodeItemLocked(inode, inodeLock, indexLocks)
	inode.itemMutex.Unlock()
	return
}

// CreateInode allocates a cache entry and persisted record for ino with
// the given attributes, inserting its index items, all inside one held
// transaction. ExistsError if ino already has a record or cache entry.
func (volume *Volume) CreateInode(ino uint64, mode uint32, uid uint32, gid uint32, rdev uint32) (inode *Inode, err error) {
	var (
		created    bool
		indexLocks *IndexLocks
		inodeLock  *ilock.Lock
		inodeV1    *ilayout.InodeV1Struct
		inodeV1Buf []byte
		now        time.Time
	)

	inodeLock, err = volume.lockManager.Acquire(ilock.InodeResource(ino), ilock.ModeEX)
	if nil != err {
		return
	}
	defer volume.lockManager.Release(inodeLock)

	inode, created = volume.lookupInode(ino)
	if !created {
		inode = nil
		err = imerr.Errorf(imerr.ExistsError, "CreateInode(ino==%d): already cached", ino)
		return
	}

	indexLocks, err = volume.lockHoldForNewInode(ino, mode, 0, itrans.DirtyInodeCount())
	if nil != err {
		volume.discardNewInode(inode)
		inode = nil
		return
	}

	inode.itemMutex.Lock()

	now = time.Now()

	inode.mode = mode
	inode.uid = uid
	inode.gid = gid
	inode.rdev = rdev
	inode.nlink = 1
	inode.atimeSec = uint64(now.Unix())
	inode.mtimeSec = uint64(now.Unix())
	inode.ctimeSec = uint64(now.Unix())
	inode.atimeNSec = uint32(now.Nanosecond())
	inode.mtimeNSec = uint32(now.Nanosecond())
	inode.ctimeNSec = uint32(now.Nanosecond())
	inode.writeSeqField(&inode.metaSeq, volume.trans.Seq())
	inode.writeSeqField(&inode.dataSeq, volume.trans.Seq())
	inode.writeSeqField(&inode.dataVersion, 1)

	inodeV1 = inode.storeRecordLocked()
	inodeV1Buf, err = ilayout.MarshalInodeV1(inodeV1)
	if nil != err {
		logFatalf("CreateInode(ino==%d): marshal failed: %v", ino, err)
	}

	err = volume.store.Create(ilayout.InodeKey(ino), inodeV1Buf, inodeLock)
	if nil != err {
		inode.itemMutex.Unlock()
		volume.trans.Release()
		volume.UnlockIndex(indexLocks)
		volume.discardNewInode(inode)
		inode = nil
		return
	}

	atomic.StoreUint64(&inode.lastApplied, inodeLock.ValidityToken())

	// haveItem is still false, so the index synchronization below sees a
	// no-item baseline and inserts every applicable index item.
	err = volume.updateInodeItemLocked(inode, inodeLock, indexLocks)

	inode.itemMutex.Unlock()

	volume.trans.Release()
	volume.UnlockIndex(indexLocks)

	if nil != err {
		volume.discardNewInode(inode)
		inode = nil
		return
	}

	logTracef("CreateInode(ino==%d, mode==%o)", ino, mode)

	err = nil
	return
}

// discardNewInode drops a cache entry created by a CreateInode attempt
// that failed before the inode became visible.
func (volume *Volume) discardNewInode(inode *Inode) {
	volume.Lock()
	delete(volume.inodeTable, inode.ino)
	volume.Unlock()
}

// SetSize changes a regular file's size, stamping data and metadata
// change sequences and moving its size index item, all inside one held
// transaction. forTruncate additionally raises the truncate-in-progress
// flag, persisted so an interrupted truncate is detectable after a
// crash. inodeLock is the caller's write lock on the inode.
func (volume *Volume) SetSize(inode *Inode, inodeLock *ilock.Lock, newSize uint64, forTruncate bool) (err error) {
	var (
		indexLocks *IndexLocks
		now        time.Time
	)

	if !ilayout.InodeModeIsRegular(inode.Mode()) {
		err = nil
		return
	}

	indexLocks, err = volume.lockHold(inode, newSize, true, itrans.DirtyInodeCount())
	if nil != err {
		return
	}

	err = volume.DirtyInodeItem(inode, inodeLock)
	if nil != err {
		volume.trans.Release()
		volume.UnlockIndex(indexLocks)
		return
	}

	inode.itemMutex.Lock()

	now = time.Now()

	inode.size = newSize
	inode.mtimeSec = uint64(now.Unix())
	inode.mtimeNSec = uint32(now.Nanosecond())
	inode.ctimeSec = uint64(now.Unix())
	inode.ctimeNSec = uint32(now.Nanosecond())
	if forTruncate {
		inode.flags |= ilayout.FlagTruncate
	}

	volume.setDataSeqLocked(inode)

	err = volume.updateInodeItemLocked(inode, inodeLock, indexLocks)

	inode.itemMutex.Unlock()

	volume.trans.Release()
	volume.UnlockIndex(indexLocks)

	return
}

// ClearTruncateFlag lowers the truncate-in-progress flag once the data
// path has finished removing truncated extents.
func (volume *Volume) ClearTruncateFlag(inode *Inode, inodeLock *ilock.Lock) (err error) {
	var (
		indexLocks *IndexLocks
	)

	indexLocks, err = volume.lockHold(inode, inode.Size(), false, itrans.DirtyInodeCount())
	if nil != err {
		return
	}

	err = volume.DirtyInodeItem(inode, inodeLock)
	if nil != err {
		volume.trans.Release()
		volume.UnlockIndex(indexLocks)
		return
	}

	inode.itemMutex.Lock()
	inode.flags &^= ilayout.FlagTruncate
	err = volume.updateInodeItemLocked(inode, inodeLock, indexLocks)
	inode.itemMutex.Unlock()

	volume.trans.Release()
	volume.UnlockIndex(indexLocks)

	return
}

// SetNlink adjusts the cached link count; the caller follows up with
// UpdateInodeItem (or OrphanInode when it reaches zero) inside its own
// held transaction.
func (volume *Volume) SetNlink(inode *Inode, nlink uint32) {
	inode.itemMutex.Lock()
	inode.nlink = nlink
	inode.itemMutex.Unlock()
}

// EvictInode removes ino's cache entry. If the inode's link count is
// zero its persisted items are deleted first (the orphan item keeps that
// deletion resumable after a crash). Entries still referenced by a
// writeback walk finish eviction once the walk's reference drops.
func (volume *Volume) EvictInode(ino uint64) (err error) {
	var (
		inode *Inode
		ok    bool
	)

	volume.Lock()
	inode, ok = volume.inodeTable[ino]
	if !ok {
		volume.Unlock()
		err = nil
		return
	}
	inode.destroying = true
	volume.Unlock()

	volume.removeWriteback(inode)

	if 0 == inode.Nlink() {
		err = volume.DeleteInodeItems(ino)
	}

	volume.Lock()
	delete(volume.inodeTable, ino)
	volume.Unlock()

	return
}
