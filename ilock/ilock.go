// Copyright (c) 2020-2026, The MetaFS Authors.
// SPDX-License-Identifier: Apache-2.0

// Package ilock is the node's view of the cluster lock manager: locks are
// acquired and released by (resource, mode), and every held lock exposes a
// monotonically non-decreasing validity token that callers compare against
// their cached state to decide whether a refresh is due.
//
// Resources are coarse key ranges, not exact keys. The constructors in
// this package implement the system-wide coarsening (clamping) rules; any
// subsystem locking index records MUST derive its resources from
// ClampIndex so that distinct callers contend on identical resources.
//
// The wire protocol between this node and its peers is out of scope;
// Manager is the consumed interface and NewLocalManager provides the
// in-process implementation used by tests and single-node mounts.
package ilock

import (
	"container/list"
	"sync"

	"github.com/creachadair/cityhash"

	"github.com/metafs/metafs/ilayout"
)

// Mode is a lock compatibility mode.
type Mode uint8

const (
	// ModePR is a shared (protected read) lock; PR holders share with
	// other PR holders only.
	ModePR Mode = iota + 1

	// ModeCW is a concurrent write lock; CW holders share with other CW
	// holders only. Used for index record updates where writers
	// serialize through the item store, not the lock.
	ModeCW

	// ModeEX is an exclusive lock.
	ModeEX
)

// Coarsening parameters. These are part of the system-wide lock naming
// convention: every node must clamp identically or locks will not contend.
const (
	// InodeLockShift: inode item locks cover 2^InodeLockShift adjacent
	// inode numbers.
	InodeLockShift = 6

	// IndexLockMajorShift: index item locks cover 2^IndexLockMajorShift
	// adjacent major values (minor and ino fully clamped).
	IndexLockMajorShift = 10
)

// Resource names a coarse, inclusive key range.
type Resource struct {
	First []byte
	Last  []byte
}

// Manager acquires and releases locks on behalf of this node.
type Manager interface {
	// Acquire blocks until a lock on resource is granted in mode.
	Acquire(resource Resource, mode Mode) (lock *Lock, err error)

	// Release drops a previously acquired lock.
	Release(lock *Lock)
}

// Lock is a held lock.
type Lock struct {
	resource Resource
	mode     Mode
	validity uint64
	state    *resourceStateStruct
}

// Mode returns the mode the lock was granted in.
func (lock *Lock) Mode() (mode Mode) {
	mode = lock.mode
	return
}

// ValidityToken returns the grant generation of the lock's resource. The
// token never decreases for a given resource; a token greater than the one
// a cache last applied means the cached state may be stale.
func (lock *Lock) ValidityToken() (token uint64) {
	token = lock.validity
	return
}

// Covers reports whether key falls inside the lock's resource range.
func (lock *Lock) Covers(key []byte) (covers bool) {
	covers = (ilayout.CompareKey(lock.resource.First, key) <= 0) &&
		(ilayout.CompareKey(key, lock.resource.Last) <= 0)
	return
}

// InodeResource names the lock covering ino's inode item. Locks are
// grouped: one resource covers 2^InodeLockShift adjacent inode numbers.
func InodeResource(ino uint64) (resource Resource) {
	var (
		groupFirst uint64 = ino &^ ((uint64(1) << InodeLockShift) - 1)
		groupLast  uint64 = groupFirst | ((uint64(1) << InodeLockShift) - 1)
	)

	resource = Resource{
		First: ilayout.InodeKey(groupFirst),
		Last:  ilayout.InodeKey(groupLast),
	}

	return
}

// ClampIndex maps an exact index tuple onto the start tuple of its lock
// bucket: the major is rounded down to its bucket boundary and minor/ino
// are zeroed. Many exact keys map to one clamped tuple, which both bounds
// lock-set size and keeps an item covered while its indexed value moves a
// little (seq, size) within the bucket.
func ClampIndex(indexType uint8, major uint64, minor uint32, ino uint64) (clampedMajor uint64, clampedMinor uint32, clampedIno uint64) {
	clampedMajor = major &^ ((uint64(1) << IndexLockMajorShift) - 1)
	clampedMinor = 0
	clampedIno = 0
	return
}

// IndexResource names the lock covering the index bucket containing
// (indexType, major, minor, ino).
func IndexResource(indexType uint8, major uint64) (resource Resource) {
	var (
		bucketFirst uint64
	)

	bucketFirst, _, _ = ClampIndex(indexType, major, 0, 0)

	resource = Resource{
		First: ilayout.IndexKey(indexType, bucketFirst, 0, 0),
		Last:  ilayout.IndexKey(indexType, bucketFirst|((uint64(1)<<IndexLockMajorShift)-1), ^uint32(0), ^uint64(0)),
	}

	return
}

// NodeResource names the lock covering all of nodeID's node-zone items
// (the orphan worklist).
func NodeResource(nodeID uint64) (resource Resource) {
	var (
		first []byte
		last  []byte
	)

	first, last = ilayout.OrphanKeyRange(nodeID)

	resource = Resource{
		First: first,
		Last:  last,
	}

	return
}

const stripeCount = 64

type waiterStruct struct {
	mode      Mode
	grantedCh chan uint64 // receives the validity token
}

type resourceStateStruct struct {
	stripe     *stripeStruct
	mapKey     string
	holders    map[Mode]int // counts per held mode; at most one mode nonzero
	validity   uint64
	waiterList *list.List // of *waiterStruct, FIFO
}

type stripeStruct struct {
	sync.Mutex
	resourceMap map[string]*resourceStateStruct

	// validityMap remembers the last validity token granted for a
	// resource after its state entry is reclaimed at idle. Tokens must
	// never restart from zero or caches keyed on them would treat stale
	// state as current (or trip their regression checks).
	validityMap map[string]uint64
}

type localManagerStruct struct {
	stripes [stripeCount]*stripeStruct
}

// NewLocalManager returns the in-process lock manager.
func NewLocalManager() (manager Manager) {
	var (
		localManager *localManagerStruct
		stripeIndex  int
	)

	localManager = &localManagerStruct{}

	for stripeIndex = 0; stripeIndex < stripeCount; stripeIndex++ {
		localManager.stripes[stripeIndex] = &stripeStruct{
			resourceMap: make(map[string]*resourceStateStruct),
			validityMap: make(map[string]uint64),
		}
	}

	manager = localManager

	return
}

func (localManager *localManagerStruct) stripeFor(resource Resource) (stripe *stripeStruct) {
	stripe = localManager.stripes[cityhash.Hash64(resource.First)%stripeCount]
	return
}

func compatible(modeA Mode, modeB Mode) (ok bool) {
	ok = (modeA == modeB) && (modeA != ModeEX)
	return
}

func (state *resourceStateStruct) heldMode() (mode Mode, held bool) {
	for mode = ModePR; mode <= ModeEX; mode++ {
		if state.holders[mode] > 0 {
			held = true
			return
		}
	}

	mode = 0
	held = false
	return
}

func (localManager *localManagerStruct) Acquire(resource Resource, mode Mode) (lock *Lock, err error) {
	var (
		grantedCh chan uint64
		heldMode  Mode
		isHeld    bool
		ok        bool
		state     *resourceStateStruct
		stripe    *stripeStruct
		validity  uint64
		waiter    *waiterStruct
	)

	stripe = localManager.stripeFor(resource)

	stripe.Lock()

	state, ok = stripe.resourceMap[string(resource.First)]
	if !ok {
		state = &resourceStateStruct{
			stripe:     stripe,
			mapKey:     string(resource.First),
			holders:    make(map[Mode]int),
			validity:   stripe.validityMap[string(resource.First)],
			waiterList: list.New(),
		}
		stripe.resourceMap[state.mapKey] = state
	}

	heldMode, isHeld = state.heldMode()

	// Grant immediately only when compatible AND no earlier waiter is
	// queued; otherwise later compatible requests would starve waiters.

	if (state.waiterList.Len() == 0) && (!isHeld || compatible(heldMode, mode)) {
		if !isHeld {
			state.validity++
		}
		state.holders[mode]++
		validity = state.validity
		stripe.Unlock()

		lock = &Lock{
			resource: resource,
			mode:     mode,
			validity: validity,
			state:    state,
		}
		err = nil
		return
	}

	grantedCh = make(chan uint64, 1)

	waiter = &waiterStruct{
		mode:      mode,
		grantedCh: grantedCh,
	}

	_ = state.waiterList.PushBack(waiter)

	stripe.Unlock()

	validity = <-grantedCh

	lock = &Lock{
		resource: resource,
		mode:     mode,
		validity: validity,
		state:    state,
	}
	err = nil
	return
}

func (localManager *localManagerStruct) Release(lock *Lock) {
	var (
		state  *resourceStateStruct
		stripe *stripeStruct
	)

	if nil == lock {
		return
	}

	state = lock.state
	stripe = state.stripe

	stripe.Lock()

	state.holders[lock.mode]--
	if state.holders[lock.mode] < 0 {
		stripe.Unlock()
		panic("ilock: Release() of a lock not held")
	}

	state.grantWaiters()

	if state.idle() {
		stripe.validityMap[state.mapKey] = state.validity
		delete(stripe.resourceMap, state.mapKey)
	}

	stripe.Unlock()
}

// grantWaiters promotes queued waiters in FIFO order for as long as the
// front waiter is compatible with the current holders. Caller holds the
// stripe lock.
func (state *resourceStateStruct) grantWaiters() {
	var (
		front    *list.Element
		heldMode Mode
		isHeld   bool
		waiter   *waiterStruct
	)

	for {
		front = state.waiterList.Front()
		if nil == front {
			return
		}

		waiter = front.Value.(*waiterStruct)

		heldMode, isHeld = state.heldMode()
		if isHeld && !compatible(heldMode, waiter.mode) {
			return
		}

		if !isHeld {
			state.validity++
		}

		_ = state.waiterList.Remove(front)
		state.holders[waiter.mode]++

		waiter.grantedCh <- state.validity
	}
}

func (state *resourceStateStruct) idle() (idle bool) {
	var (
		isHeld bool
	)

	_, isHeld = state.heldMode()
	idle = !isHeld && (state.waiterList.Len() == 0)
	return
}
