// Copyright (c) 2020-2026, The MetaFS Authors.
// SPDX-License-Identifier: Apache-2.0

package iinode

import (
	"github.com/metafs/metafs/ilayout"
	"github.com/metafs/metafs/ilock"
	"github.com/metafs/metafs/imerr"
	"github.com/metafs/metafs/itrans"
)

// An orphan item records that an inode reached zero links and its
// persisted items still need deleting. It makes deletion resumable: if
// the node crashes partway through, the next scan finds the marker and
// replays the remaining steps, every one of which tolerates having
// already happened.

// OrphanInode persists the orphan marker for ino in this node's
// worklist, inside the caller's held transaction. Idempotent: a marker
// left by an earlier attempt is fine.
func (volume *Volume) OrphanInode(ino uint64) (err error) {
	err = volume.store.Create(ilayout.OrphanKey(volume.config.NodeID, ino), nil, volume.nodeLock)
	if nil != err {
		if imerr.Is(err, imerr.ExistsError) {
			err = nil
		}
		return
	}

	logTracef("OrphanInode(ino==%d)", ino)

	err = nil
	return
}

// removeOrphanItem drops ino's orphan marker; already gone is fine.
func (volume *Volume) removeOrphanItem(ino uint64) (err error) {
	err = volume.store.DeleteForce(ilayout.OrphanKey(volume.config.NodeID, ino), volume.nodeLock)
	if (nil != err) && imerr.Is(err, imerr.NotFoundError) {
		err = nil
	}
	return
}

// DeleteInodeItems removes every persisted item of a fully unlinked
// inode: its index items, then the inode record, then the orphan marker.
// That order keeps an interrupted deletion resumable -- whatever remains
// is still findable from what is left, and each step tolerates its work
// having already happened. NotFoundError on the inode record means a
// previous attempt already finished; that is success. A record with a
// non-zero link count under an orphan marker is corruption and is never
// deleted.
func (volume *Volume) DeleteInodeItems(ino uint64) (err error) {
	var (
		indexLocks *IndexLocks
		inodeLock  *ilock.Lock
		inodeV1    *ilayout.InodeV1Struct
		inodeV1Buf []byte
	)

	inodeLock, err = volume.lockManager.Acquire(ilock.InodeResource(ino), ilock.ModeEX)
	if nil != err {
		return
	}
	defer volume.lockManager.Release(inodeLock)

	inodeV1Buf, err = volume.store.LookupExact(ilayout.InodeKey(ino))
	if nil != err {
		if imerr.Is(err, imerr.NotFoundError) {
			// a previous attempt got as far as the record; finish the
			// marker and call it done
			err = volume.removeOrphanItem(ino)
		}
		return
	}
	inodeV1, err = ilayout.UnmarshalInodeV1(inodeV1Buf)
	if nil != err {
		err = imerr.Wrap(imerr.CorruptionError, err)
		return
	}

	if 0 != inodeV1.Nlink {
		logWarnf("DeleteInodeItems(ino==%d): dangling orphan item for inode with nlink==%d", ino, inodeV1.Nlink)
		err = imerr.Errorf(imerr.CorruptionError, "orphan item names inode %d with nlink %d", ino, inodeV1.Nlink)
		return
	}

	indexLocks, err = volume.lockHoldForDeletion(ino, inodeV1, itrans.DirtyInodeCount())
	if nil != err {
		return
	}

	err = volume.removeIndexItems(ino, inodeV1, indexLocks)
	if nil == err {
		err = volume.store.Delete(ilayout.InodeKey(ino), inodeLock)
	}
	if nil == err {
		err = volume.removeOrphanItem(ino)
	}

	volume.trans.Release()
	volume.UnlockIndex(indexLocks)

	if nil == err {
		volume.stats.OrphanDeletes.Inc()
		logTracef("DeleteInodeItems(ino==%d) complete", ino)
	}

	return
}

// ScanOrphans walks this node's orphan worklist and deletes each named
// inode's items. A failure on one orphan does not stop the scan; the
// first error is remembered and returned after every orphan has been
// visited.
func (volume *Volume) ScanOrphans() (err error) {
	var (
		errFirst error
		foundKey []byte
		ino      uint64
		key      []byte
		last     []byte
	)

	volume.stats.OrphanScans.Inc()

	key, last = ilayout.OrphanKeyRange(volume.config.NodeID)

	for {
		foundKey, _, err = volume.store.NextInRange(key, last)
		if nil != err {
			if imerr.Is(err, imerr.NotFoundError) {
				err = nil
			} else if nil == errFirst {
				errFirst = err
			}
			break
		}

		_, ino, err = ilayout.ParseOrphanKey(foundKey)
		if nil != err {
			if nil == errFirst {
				errFirst = imerr.Wrap(imerr.CorruptionError, err)
			}
			break
		}

		err = volume.DeleteInodeItems(ino)
		if (nil != err) && (nil == errFirst) {
			errFirst = err
		}

		key = ilayout.KeySuccessor(foundKey)
	}

	err = errFirst
	return
}
