// Copyright (c) 2020-2026, The MetaFS Authors.
// SPDX-License-Identifier: Apache-2.0

package iinode

import (
	"github.com/google/btree"
)

const writebackTreeDegree = 8

// writebackItemStruct is the tree member tracking one inode with dirty
// pages. The tree is ordered by ino so a commit walks inodes in a stable
// order and can resume from a cursor after dropping the lock for I/O.
type writebackItemStruct struct {
	ino   uint64
	inode *Inode
}

func (item *writebackItemStruct) Less(than btree.Item) (less bool) {
	less = item.ino < than.(*writebackItemStruct).ino
	return
}

// TrackDirtyPages records that inode has dirty pages the next commit must
// write. Idempotent.
func (volume *Volume) TrackDirtyPages(inode *Inode) {
	volume.writebackLock.Lock()
	if !inode.inWriteback {
		inode.inWriteback = true
		volume.writebackTree.ReplaceOrInsert(&writebackItemStruct{ino: inode.ino, inode: inode})
	}
	volume.writebackLock.Unlock()
}

// removeWriteback drops inode from the writeback set (eviction path).
// A concurrent walk holding a reference to inode notices the removal via
// inWriteback and restarts its traversal.
func (volume *Volume) removeWriteback(inode *Inode) {
	volume.writebackLock.Lock()
	if inode.inWriteback {
		inode.inWriteback = false
		volume.writebackTree.Delete(&writebackItemStruct{ino: inode.ino})
	}
	volume.writebackLock.Unlock()
}

// walkWriteback visits every member of the writeback set in ino order.
// write true starts page writeback for each; write false waits for that
// writeback to finish and removes the member. The set lock is dropped
// around the I/O, with a cache reference pinning the inode meanwhile;
// if a concurrent eviction removed the member while the lock was down,
// the cursor is no longer trustworthy and the walk restarts from the
// first remaining member. References are dropped only after the set lock
// is released so eviction's lock ordering is never inverted.
func (volume *Volume) walkWriteback(write bool) (err error) {
	var (
		cursor   uint64
		deferred []*Inode
		inode    *Inode
		next     *writebackItemStruct
	)

	if nil == volume.dataIO {
		err = nil
		return
	}

	defer func() {
		for _, inode = range deferred {
			volume.derefInode(inode)
		}
	}()

	cursor = 0

	volume.writebackLock.Lock()

	for {
		next = nil
		volume.writebackTree.AscendGreaterOrEqual(&writebackItemStruct{ino: cursor}, func(item btree.Item) bool {
			next = item.(*writebackItemStruct)
			return false
		})
		if nil == next {
			break
		}

		inode = next.inode

		if !volume.tryRefInode(inode) {
			// being evicted; eviction removes it from the set
			cursor = inode.ino + 1
			continue
		}

		volume.writebackLock.Unlock()

		if write {
			err = volume.dataIO.WriteInodePages(inode.ino)
		} else {
			err = volume.dataIO.WaitInodePages(inode.ino)
		}
		if nil != err {
			deferred = append(deferred, inode)
			return
		}

		volume.writebackLock.Lock()

		if inode.inWriteback {
			cursor = inode.ino + 1
			if !write {
				inode.inWriteback = false
				volume.writebackTree.Delete(next)
			}
		} else {
			// removed while the lock was down; start over
			cursor = 0
		}

		deferred = append(deferred, inode)
	}

	volume.writebackLock.Unlock()

	err = nil
	return
}
