// Copyright (c) 2020-2026, The MetaFS Authors.
// SPDX-License-Identifier: Apache-2.0

// Package iclient is the node's client to the remote inode-number
// allocation service. The exchange is asynchronous: RequestInodeBatch
// fires the request and the reply path later hands the batch to the
// volume's FillInodePool. The wire protocol is out of scope; the loopback
// server stands in for the remote service in tests and single-node mounts.
package iclient

import (
	"sync"
)

// ExhaustedIno is the reply sentinel: a fill of (ExhaustedIno, 0) tells
// the node that no inode numbers remain, permanently.
const ExhaustedIno = ^uint64(0)

// AllocClient issues the (single outstanding) batch request for more
// inode numbers. The reply arrives via the registered FillFunc.
type AllocClient interface {
	RequestInodeBatch() (err error)
}

// FillFunc is the reply path: the volume's FillInodePool.
type FillFunc func(ino uint64, count uint64)

// LoopbackAllocServer hands out dense inode-number batches in-process.
type LoopbackAllocServer struct {
	sync.Mutex
	fill        FillFunc
	nextIno     uint64
	batchSize   uint64
	failNext    error
	exhausted   bool
	synchronous bool
}

// NewLoopbackAllocServer returns a loopback allocator delivering batchSize
// inode numbers per request, starting at firstIno. Replies are delivered
// on a separate goroutine, as the real service's would be.
func NewLoopbackAllocServer(firstIno uint64, batchSize uint64) (server *LoopbackAllocServer) {
	server = &LoopbackAllocServer{
		nextIno:   firstIno,
		batchSize: batchSize,
	}
	return
}

// SetFillFunc registers the reply path; must be called before the first
// RequestInodeBatch.
func (server *LoopbackAllocServer) SetFillFunc(fill FillFunc) {
	server.Lock()
	server.fill = fill
	server.Unlock()
}

// SetSynchronous makes replies deliver inline from RequestInodeBatch,
// removing scheduling nondeterminism from tests.
func (server *LoopbackAllocServer) SetSynchronous(synchronous bool) {
	server.Lock()
	server.synchronous = synchronous
	server.Unlock()
}

// FailNextRequest arranges for the next RequestInodeBatch to return err
// without issuing a reply.
func (server *LoopbackAllocServer) FailNextRequest(err error) {
	server.Lock()
	server.failNext = err
	server.Unlock()
}

// Exhaust makes all subsequent replies report permanent exhaustion.
func (server *LoopbackAllocServer) Exhaust() {
	server.Lock()
	server.exhausted = true
	server.Unlock()
}

func (server *LoopbackAllocServer) RequestInodeBatch() (err error) {
	var (
		count       uint64
		fill        FillFunc
		ino         uint64
		synchronous bool
	)

	server.Lock()

	if nil != server.failNext {
		err = server.failNext
		server.failNext = nil
		server.Unlock()
		return
	}

	if server.exhausted {
		ino = ExhaustedIno
		count = 0
	} else {
		ino = server.nextIno
		count = server.batchSize
		server.nextIno += server.batchSize
	}

	fill = server.fill
	synchronous = server.synchronous

	server.Unlock()

	if nil == fill {
		panic("iclient: RequestInodeBatch() before SetFillFunc()")
	}

	if synchronous {
		fill(ino, count)
	} else {
		go fill(ino, count)
	}

	err = nil
	return
}
