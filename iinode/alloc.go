// Copyright (c) 2020-2026, The MetaFS Authors.
// SPDX-License-Identifier: Apache-2.0

package iinode

import (
	"context"
	"sync"

	"github.com/metafs/metafs/iclient"
	"github.com/metafs/metafs/imerr"
)

// freeInoPoolStruct is the volume's cache of inode numbers granted by the
// allocation service. Grants arrive in batches; at most one refill
// request is in flight at a time, and every starving allocator waits on
// the same refill.
type freeInoPoolStruct struct {
	sync.Mutex
	ino      uint64        // next number to hand out
	nr       uint64        // numbers remaining in the batch
	inFlight bool          // a refill request is outstanding
	waitCh   chan struct{} // closed (and replaced) whenever the pool changes
}

// wakeLocked wakes every allocator waiting on the pool. Caller holds the
// pool mutex.
func (pool *freeInoPoolStruct) wakeLocked() {
	close(pool.waitCh)
	pool.waitCh = make(chan struct{})
}

// AllocInodeNumber returns the next free inode number, requesting a batch
// from the allocation service when the pool runs dry. Waiters are
// cancellable through ctx (InterruptedError, no side effects). A service
// grant of zero numbers at the sentinel marks the number space
// permanently exhausted (ResourceExhaustedError).
func (volume *Volume) AllocInodeNumber(ctx context.Context) (ino uint64, err error) {
	var (
		pool    = &volume.pool
		request bool
		waitCh  chan struct{}
	)

	pool.Lock()

	for (0 == pool.nr) && (iclient.ExhaustedIno != pool.ino) {
		request = !pool.inFlight
		if request {
			pool.inFlight = true
		}
		waitCh = pool.waitCh

		pool.Unlock()

		if request {
			err = volume.allocClient.RequestInodeBatch()
			if nil != err {
				pool.Lock()
				pool.inFlight = false
				pool.wakeLocked()
				pool.Unlock()
				ino = 0
				return
			}
		}

		select {
		case <-waitCh:
			// the pool changed; reevaluate
		case <-ctx.Done():
			ino = 0
			err = imerr.Errorf(imerr.InterruptedError, "AllocInodeNumber() cancelled while awaiting an inode number batch")
			return
		}

		pool.Lock()
	}

	if 0 == pool.nr {
		pool.Unlock()
		ino = 0
		err = imerr.Errorf(imerr.ResourceExhaustedError, "inode number space exhausted")
		return
	}

	ino = pool.ino
	pool.ino++
	pool.nr--

	pool.Unlock()

	err = nil
	return
}

// FillInodePool delivers a batch grant from the allocation service:
// count numbers starting at ino. (iclient.ExhaustedIno, 0) marks the
// number space permanently exhausted. Matches iclient.FillFunc.
func (volume *Volume) FillInodePool(ino uint64, count uint64) {
	var (
		pool = &volume.pool
	)

	pool.Lock()
	pool.ino = ino
	pool.nr = count
	pool.inFlight = false
	pool.wakeLocked()
	pool.Unlock()

	volume.stats.PoolRefills.Inc()

	logTracef("FillInodePool(ino==%d, count==%d)", ino, count)
}
