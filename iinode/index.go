// Copyright (c) 2020-2026, The MetaFS Authors.
// SPDX-License-Identifier: Apache-2.0

package iinode

import (
	"math/rand"
	"sort"
	"time"

	"github.com/metafs/metafs/ilayout"
	"github.com/metafs/metafs/ilock"
	"github.com/metafs/metafs/imerr"
	"github.com/metafs/metafs/itrans"
)

// The inode indices (size, metadata change sequence, data change
// sequence) are secondary items keyed by their indexed value. Whenever an
// inode item's indexed values change, the old index items must be deleted
// and new ones inserted in the same transaction, under locks covering
// both positions. Because the new positions depend on the transaction
// sequence the update will commit under, locks are acquired through a
// predict/acquire/verify gate: predict the positions from the current
// sequence, acquire the locks in a global order, hold the transaction,
// and restart if a commit slipped in and changed the sequence.

// indexLockStruct is one predicted index lock: the bucket-clamped tuple
// it covers plus the acquired lock.
type indexLockStruct struct {
	indexType uint8
	major     uint64
	minor     uint32
	ino       uint64
	lock      *ilock.Lock
}

// IndexLocks carries the gate's acquired lock set between lockHold and
// UnlockIndex. Callers treat it as opaque.
type IndexLocks struct {
	locks []*indexLockStruct
}

var indexTypes = [...]uint8{
	ilayout.IndexTypeSize,
	ilayout.IndexTypeMetaSeq,
	ilayout.IndexTypeDataSeq,
}

// inodeHasIndex returns whether an inode of the given mode maintains the
// given index. The data change sequence is only indexed for regular
// files; everything indexes size and metadata change sequence.
func inodeHasIndex(mode uint32, indexType uint8) (has bool) {
	switch indexType {
	case ilayout.IndexTypeDataSeq:
		has = ilayout.InodeModeIsRegular(mode)
	default:
		has = true
	}
	return
}

// willInsertIndex returns whether moving the index to (major, minor)
// requires inserting a new index item: yes unless the persisted item
// already sits exactly there.
func willInsertIndex(haveItem bool, itemMajor uint64, itemMinor uint32, major uint64, minor uint32) (willInsert bool) {
	willInsert = !haveItem || itemMajor != major || itemMinor != minor
	return
}

// willDeleteIndex returns whether moving the index to (major, minor)
// requires deleting the persisted item's old index item.
func willDeleteIndex(haveItem bool, itemMajor uint64, itemMinor uint32, major uint64, minor uint32) (willDelete bool) {
	willDelete = haveItem && (itemMajor != major || itemMinor != minor)
	return
}

// updDataSeq predicts the data change sequence the pending update will
// persist: the open transaction's sequence if there is no item yet or the
// caller will stamp it, else whatever the item already holds.
func updDataSeq(haveItem bool, itemDataSeq uint64, seq uint64, setDataSeq bool) (dataSeq uint64) {
	if !haveItem || setDataSeq {
		dataSeq = seq
	} else {
		dataSeq = itemDataSeq
	}
	return
}

// addIndexLock appends a to-be-acquired lock for the bucket containing
// (indexType, major, minor, ino), deduplicating against buckets already
// listed.
func (indexLocks *IndexLocks) addIndexLock(indexType uint8, major uint64, minor uint32, ino uint64) {
	var (
		clampedIno   uint64
		clampedMajor uint64
		clampedMinor uint32
		existing     *indexLockStruct
	)

	clampedMajor, clampedMinor, clampedIno = ilock.ClampIndex(indexType, major, minor, ino)

	for _, existing = range indexLocks.locks {
		if existing.indexType == indexType &&
			existing.major == clampedMajor &&
			existing.minor == clampedMinor &&
			existing.ino == clampedIno {
			return
		}
	}

	indexLocks.locks = append(indexLocks.locks, &indexLockStruct{
		indexType: indexType,
		major:     clampedMajor,
		minor:     clampedMinor,
		ino:       clampedIno,
	})
}

// prepareIndices predicts the index positions an update will touch and
// lists their locks: the new position of each applicable index (insert)
// and the persisted item's old position (delete). info nil means no
// persisted item exists yet.
func (indexLocks *IndexLocks) prepareIndices(info *itemInfoStruct, ino uint64, mode uint32, newSize uint64, setDataSeq bool, seq uint64) {
	var (
		haveItem  bool
		indexType uint8
		itemMajor uint64
		itemMinor uint32
		newMajor  uint64
	)

	haveItem = (nil != info) && info.haveItem

	for _, indexType = range indexTypes {
		if !inodeHasIndex(mode, indexType) {
			continue
		}

		if haveItem {
			itemMajor = info.itemMajors[indexType]
			itemMinor = info.itemMinors[indexType]
		} else {
			itemMajor = 0
			itemMinor = 0
		}

		switch indexType {
		case ilayout.IndexTypeSize:
			newMajor = newSize
		case ilayout.IndexTypeMetaSeq:
			newMajor = seq
		case ilayout.IndexTypeDataSeq:
			newMajor = updDataSeq(haveItem, itemMajor, seq, setDataSeq)
		}

		if willInsertIndex(haveItem, itemMajor, itemMinor, newMajor, 0) {
			indexLocks.addIndexLock(indexType, newMajor, 0, ino)
		}
		if willDeleteIndex(haveItem, itemMajor, itemMinor, newMajor, 0) {
			indexLocks.addIndexLock(indexType, itemMajor, itemMinor, ino)
		}
	}
}

// prepareIndexDeletion lists the locks covering every index item a
// persisted record pins, for final deletion.
func (indexLocks *IndexLocks) prepareIndexDeletion(ino uint64, rec *ilayout.InodeV1Struct) {
	var (
		indexType uint8
	)

	for _, indexType = range indexTypes {
		if !inodeHasIndex(rec.Mode, indexType) {
			continue
		}
		indexLocks.addIndexLock(indexType, indexMajorOf(indexType, rec), 0, ino)
	}
}

// indexMajorOf extracts the indexed value of one index type from a
// persisted record.
func indexMajorOf(indexType uint8, rec *ilayout.InodeV1Struct) (major uint64) {
	switch indexType {
	case ilayout.IndexTypeSize:
		major = rec.Size
	case ilayout.IndexTypeMetaSeq:
		major = rec.MetaSeq
	case ilayout.IndexTypeDataSeq:
		major = rec.DataSeq
	default:
		logFatalf("indexMajorOf(indexType==%d): unknown index type", indexType)
	}
	return
}

// sortIndexLocks orders the to-be-acquired locks by (type, major, minor,
// ino). All gate users acquire in this one order, so overlapping lock
// sets cannot deadlock.
func (indexLocks *IndexLocks) sortIndexLocks() {
	sort.Slice(indexLocks.locks, func(i int, j int) bool {
		var (
			a = indexLocks.locks[i]
			b = indexLocks.locks[j]
		)

		if a.indexType != b.indexType {
			return a.indexType < b.indexType
		}
		if a.major != b.major {
			return a.major < b.major
		}
		if a.minor != b.minor {
			return a.minor < b.minor
		}
		return a.ino < b.ino
	})
}

// findIndexLock returns the acquired lock covering the bucket containing
// (indexType, major, minor, ino), or nil if the gate never predicted it.
func (indexLocks *IndexLocks) findIndexLock(indexType uint8, major uint64, minor uint32, ino uint64) (lock *ilock.Lock) {
	var (
		clampedIno   uint64
		clampedMajor uint64
		clampedMinor uint32
		entry        *indexLockStruct
	)

	clampedMajor, clampedMinor, clampedIno = ilock.ClampIndex(indexType, major, minor, ino)

	for _, entry = range indexLocks.locks {
		if entry.indexType == indexType &&
			entry.major == clampedMajor &&
			entry.minor == clampedMinor &&
			entry.ino == clampedIno {
			lock = entry.lock
			return
		}
	}

	lock = nil
	return
}

// tryLockHold acquires the listed locks in sorted order and holds the
// transaction. If a commit advanced the transaction sequence past the one
// the predictions were made under, everything is released and the caller
// restarts with fresh predictions.
func (volume *Volume) tryLockHold(indexLocks *IndexLocks, seq uint64, cnt itrans.ItemCount) (retry bool, err error) {
	var (
		entry *indexLockStruct
	)

	indexLocks.sortIndexLocks()

	for _, entry = range indexLocks.locks {
		entry.lock, err = volume.lockManager.Acquire(ilock.IndexResource(entry.indexType, entry.major), ilock.ModeCW)
		if nil != err {
			volume.UnlockIndex(indexLocks)
			retry = false
			return
		}
	}

	err = volume.trans.Hold(cnt)
	if nil != err {
		volume.UnlockIndex(indexLocks)
		retry = false
		return
	}

	if volume.trans.Seq() != seq {
		volume.trans.Release()
		volume.unlockIndexLocks(indexLocks)
		retry = true
		err = nil
		return
	}

	retry = false
	err = nil
	return
}

// performIndexLockRetryDelay sleeps the configured delay +/- a random
// variance so gate losers don't restart in lockstep.
func (volume *Volume) performIndexLockRetryDelay() {
	var (
		delay    = int64(volume.config.IndexLockRetryDelay)
		variance int64
	)

	variance = rand.Int63n(delay*int64(volume.config.IndexLockRetryDelayVariance)/100 + 1)

	if 0 == (variance % 2) {
		delay += variance
	} else {
		delay -= variance
	}

	time.Sleep(time.Duration(delay))
}

// lockHoldRetryLoop runs prepare/tryLockHold until the transaction
// sequence holds still, honoring the configured retry budget.
func (volume *Volume) lockHoldRetryLoop(prepare func(indexLocks *IndexLocks, seq uint64), cnt itrans.ItemCount) (indexLocks *IndexLocks, err error) {
	var (
		attempts uint64
		retry    bool
		seq      uint64
	)

	for {
		seq = volume.trans.Seq()

		indexLocks = &IndexLocks{}
		prepare(indexLocks, seq)

		retry, err = volume.tryLockHold(indexLocks, seq, cnt)
		if nil != err {
			indexLocks = nil
			return
		}
		if !retry {
			err = nil
			return
		}

		volume.stats.IndexLockRetries.Inc()

		attempts++
		if (0 != volume.config.IndexLockRetryLimit) && (attempts >= volume.config.IndexLockRetryLimit) {
			indexLocks = nil
			err = imerr.Errorf(imerr.RetryLimitError, "index lock gate retried %d times without a stable transaction sequence", attempts)
			return
		}

		volume.performIndexLockRetryDelay()
	}
}

// lockHold runs the gate for an update of an existing inode: on success
// the caller holds the transaction plus CW locks covering every index
// position the update can touch, and must finish with trans.Release()
// and UnlockIndex().
func (volume *Volume) lockHold(inode *Inode, newSize uint64, setDataSeq bool, cnt itrans.ItemCount) (indexLocks *IndexLocks, err error) {
	indexLocks, err = volume.lockHoldRetryLoop(func(indexLocks *IndexLocks, seq uint64) {
		indexLocks.prepareIndices(inode.itemSnapshot(), inode.ino, inode.Mode(), newSize, setDataSeq, seq)
	}, cnt)
	return
}

// LockHold is the exported gate entrance for callers outside this
// package (the dirent layer, setattr) that follow up with
// UpdateInodeItem: on success the transaction is held and indexLocks
// covers every index position the update can touch; finish with a
// transaction Release and UnlockIndex.
func (volume *Volume) LockHold(inode *Inode, newSize uint64, setDataSeq bool) (indexLocks *IndexLocks, err error) {
	indexLocks, err = volume.lockHold(inode, newSize, setDataSeq, itrans.DirtyInodeCount())
	return
}

// lockHoldForNewInode runs the gate for the creation of an inode that has
// no persisted item yet.
func (volume *Volume) lockHoldForNewInode(ino uint64, mode uint32, newSize uint64, cnt itrans.ItemCount) (indexLocks *IndexLocks, err error) {
	indexLocks, err = volume.lockHoldRetryLoop(func(indexLocks *IndexLocks, seq uint64) {
		indexLocks.prepareIndices(nil, ino, mode, newSize, true, seq)
	}, cnt)
	return
}

// lockHoldForDeletion runs the gate for the final removal of a persisted
// record's index items.
func (volume *Volume) lockHoldForDeletion(ino uint64, rec *ilayout.InodeV1Struct, cnt itrans.ItemCount) (indexLocks *IndexLocks, err error) {
	indexLocks, err = volume.lockHoldRetryLoop(func(indexLocks *IndexLocks, seq uint64) {
		indexLocks.prepareIndexDeletion(ino, rec)
	}, cnt)
	return
}

// unlockIndexLocks releases the acquired locks but keeps the prediction
// list so tryLockHold can be retried.
func (volume *Volume) unlockIndexLocks(indexLocks *IndexLocks) {
	var (
		entry *indexLockStruct
	)

	for _, entry = range indexLocks.locks {
		if nil != entry.lock {
			volume.lockManager.Release(entry.lock)
			entry.lock = nil
		}
	}
}

// UnlockIndex releases a gate's acquired locks. Safe on a nil set.
func (volume *Volume) UnlockIndex(indexLocks *IndexLocks) {
	if nil == indexLocks {
		return
	}
	volume.unlockIndexLocks(indexLocks)
	indexLocks.locks = nil
}

// LockIndexRange acquires a lock covering the index bucket containing
// (indexType, major) for callers (e.g. index scanners) outside the gate.
func (volume *Volume) LockIndexRange(indexType uint8, major uint64, mode ilock.Mode) (lock *ilock.Lock, err error) {
	lock, err = volume.lockManager.Acquire(ilock.IndexResource(indexType, major), mode)
	return
}

// updateIndexItem moves one index from its old position to (major,
// minor): insert the new item first, then force-delete the old (the
// record already told us it exists; no read precedes the write). If the
// delete fails the insert is rolled back so the pair stays consistent; a
// rollback failure would leave a stray index item with no way to
// reconcile it, so it aborts.
func (volume *Volume) updateIndexItem(ino uint64, haveItem bool, itemMajor uint64, itemMinor uint32, indexType uint8, major uint64, minor uint32, indexLocks *IndexLocks) (err error) {
	var (
		errRollback error
		willDel     bool
		willIns     bool
	)

	willIns = willInsertIndex(haveItem, itemMajor, itemMinor, major, minor)
	willDel = willDeleteIndex(haveItem, itemMajor, itemMinor, major, minor)

	if willIns {
		err = volume.store.CreateForce(ilayout.IndexKey(indexType, major, minor, ino), nil,
			indexLocks.findIndexLock(indexType, major, minor, ino))
		if nil != err {
			return
		}
		volume.stats.IndexInserts.Inc()
	}

	if willDel {
		err = volume.store.DeleteForce(ilayout.IndexKey(indexType, itemMajor, itemMinor, ino),
			indexLocks.findIndexLock(indexType, itemMajor, itemMinor, ino))
		if nil != err {
			if willIns {
				errRollback = volume.store.Delete(ilayout.IndexKey(indexType, major, minor, ino),
					indexLocks.findIndexLock(indexType, major, minor, ino))
				if nil != errRollback {
					logFatalf("updateIndexItem(ino==%d, indexType==%d): rollback of inserted index item failed: %v (after: %v)", ino, indexType, errRollback, err)
				}
				volume.stats.IndexRollbacks.Inc()
			}
			return
		}
		volume.stats.IndexDeletes.Inc()
	}

	err = nil
	return
}

// updateIndices synchronizes every applicable index to the values rec is
// about to persist. Each index moves atomically (see updateIndexItem); on
// error the failed index and those after it have not moved, and the
// caller must not persist rec.
func (volume *Volume) updateIndices(ino uint64, mode uint32, haveItem bool, itemMajors [ilayout.IndexTypeCount + 1]uint64, itemMinors [ilayout.IndexTypeCount + 1]uint32, rec *ilayout.InodeV1Struct, indexLocks *IndexLocks) (err error) {
	var (
		indexType uint8
	)

	for _, indexType = range indexTypes {
		if !inodeHasIndex(mode, indexType) {
			continue
		}
		err = volume.updateIndexItem(ino, haveItem, itemMajors[indexType], itemMinors[indexType],
			indexType, indexMajorOf(indexType, rec), 0, indexLocks)
		if nil != err {
			return
		}
	}

	err = nil
	return
}

// removeIndexItems deletes every index item a persisted record pins.
// Already-absent items (an earlier interrupted deletion got that far) are
// fine.
func (volume *Volume) removeIndexItems(ino uint64, rec *ilayout.InodeV1Struct, indexLocks *IndexLocks) (err error) {
	var (
		indexType uint8
		major     uint64
	)

	for _, indexType = range indexTypes {
		if !inodeHasIndex(rec.Mode, indexType) {
			continue
		}

		major = indexMajorOf(indexType, rec)

		err = volume.store.DeleteForce(ilayout.IndexKey(indexType, major, 0, ino),
			indexLocks.findIndexLock(indexType, major, 0, ino))
		if nil != err {
			if imerr.Is(err, imerr.NotFoundError) {
				err = nil
				continue
			}
			return
		}
		volume.stats.IndexDeletes.Inc()
	}

	err = nil
	return
}
