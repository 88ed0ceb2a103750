// Copyright (c) 2020-2026, The MetaFS Authors.
// SPDX-License-Identifier: Apache-2.0

package iinode

import (
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/metafs/metafs/iclient"
	"github.com/metafs/metafs/ilock"
	"github.com/metafs/metafs/imerr"
	"github.com/metafs/metafs/istats"
	"github.com/metafs/metafs/istore"
	"github.com/metafs/metafs/itrans"
)

// VolumeConfig parameterizes one mounted volume.
type VolumeConfig struct {
	VolumeName string
	NodeID     uint64 // cluster-unique; owns this node's orphan worklist

	// IndexLockRetryLimit bounds the lock-ordered gate's restarts on
	// transaction-sequence races; 0 retries forever (the race window is
	// bounded by other local transaction durations).
	IndexLockRetryLimit uint64

	// IndexLockRetryDelay (+/- IndexLockRetryDelayVariance percent) is
	// slept between gate restarts.
	IndexLockRetryDelay         time.Duration
	IndexLockRetryDelayVariance uint64
}

const (
	defaultIndexLockRetryDelay         = 10 * time.Millisecond
	defaultIndexLockRetryDelayVariance = 25
)

// DataIO is the data path collaborator: it starts writeback of an inode's
// dirty pages and waits for that writeback to complete. A volume with no
// data path (metadata-only testing) may pass nil.
type DataIO interface {
	WriteInodePages(ino uint64) (err error)
	WaitInodePages(ino uint64) (err error)
}

// Volume is the per-mount metadata-consistency engine. All state formerly
// living in process-wide singletons (the free-ino pool, the writeback set,
// the inode cache) hangs off the Volume so that multiple mounts coexist
// and tests tear down cleanly.
type Volume struct {
	config      VolumeConfig
	store       istore.Store
	lockManager ilock.Manager
	trans       itrans.Manager
	allocClient iclient.AllocClient
	dataIO      DataIO
	stats       *istats.VolumeStats

	sync.Mutex                   // protects inodeTable and per-inode refs/destroying
	inodeTable map[uint64]*Inode

	pool freeInoPoolStruct

	writebackLock sync.Mutex
	writebackTree *btree.BTree // of *writebackItemStruct ordered by ino

	nodeLock *ilock.Lock // PR on NodeResource(config.NodeID) while the volume is up
}

// NewVolume assembles a volume from its collaborators. Call Up() before
// use and Down() after.
func NewVolume(config VolumeConfig, store istore.Store, lockManager ilock.Manager, trans itrans.Manager, allocClient iclient.AllocClient, dataIO DataIO) (volume *Volume, err error) {
	if config.VolumeName == "" {
		err = imerr.Errorf(imerr.CorruptionError, "VolumeConfig.VolumeName must be non-empty")
		return
	}
	if config.NodeID == 0 {
		err = imerr.Errorf(imerr.CorruptionError, "VolumeConfig.NodeID must be non-zero")
		return
	}
	if config.IndexLockRetryDelayVariance > 100 {
		err = imerr.Errorf(imerr.CorruptionError, "VolumeConfig.IndexLockRetryDelayVariance must be a percentage (0..100)")
		return
	}
	if config.IndexLockRetryDelay == 0 {
		config.IndexLockRetryDelay = defaultIndexLockRetryDelay
	}
	if config.IndexLockRetryDelayVariance == 0 {
		config.IndexLockRetryDelayVariance = defaultIndexLockRetryDelayVariance
	}
	if nil == store {
		err = imerr.Errorf(imerr.CorruptionError, "NewVolume() requires a Store")
		return
	}
	if nil == lockManager {
		err = imerr.Errorf(imerr.CorruptionError, "NewVolume() requires a lock Manager")
		return
	}
	if nil == trans {
		err = imerr.Errorf(imerr.CorruptionError, "NewVolume() requires a transaction Manager")
		return
	}

	volume = &Volume{
		config:        config,
		store:         store,
		lockManager:   lockManager,
		trans:         trans,
		allocClient:   allocClient,
		dataIO:        dataIO,
		stats:         istats.NewVolumeStats(config.VolumeName),
		inodeTable:    make(map[uint64]*Inode),
		writebackTree: btree.New(writebackTreeDegree),
	}

	volume.pool.waitCh = make(chan struct{})

	err = nil
	return
}

// Stats exposes the volume's counters for registration.
func (volume *Volume) Stats() (volumeStats *istats.VolumeStats) {
	volumeStats = volume.stats
	return
}

// Up takes the node-zone lock (held for the volume's lifetime; it covers
// this node's orphan worklist) and registers the volume as the
// transaction committer.
func (volume *Volume) Up() (err error) {
	volume.nodeLock, err = volume.lockManager.Acquire(ilock.NodeResource(volume.config.NodeID), ilock.ModePR)
	if nil != err {
		return
	}

	volume.trans.SetCommitter(volume)

	logInfof("volume %s up (node %d)", volume.config.VolumeName, volume.config.NodeID)

	err = nil
	return
}

// Down releases the node-zone lock.
func (volume *Volume) Down() {
	if nil != volume.nodeLock {
		volume.lockManager.Release(volume.nodeLock)
		volume.nodeLock = nil
	}

	logInfof("volume %s down", volume.config.VolumeName)
}

// CommitTransaction implements itrans.Committer: start writeback of every
// tracked inode's dirty pages, flush pinned dirty items, then wait for the
// page writeback to complete. Writers are excluded by the transaction
// manager for the duration.
func (volume *Volume) CommitTransaction() (err error) {
	var (
		storeFlusher interface{ FlushDirty() }
		ok           bool
	)

	err = volume.walkWriteback(true)
	if nil != err {
		return
	}

	storeFlusher, ok = volume.store.(interface{ FlushDirty() })
	if ok {
		storeFlusher.FlushDirty()
	}

	err = volume.walkWriteback(false)
	return
}
