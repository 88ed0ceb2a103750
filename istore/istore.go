// Copyright (c) 2020-2026, The MetaFS Authors.
// SPDX-License-Identifier: Apache-2.0

// Package istore presents the ordered key-value item store consumed by the
// metadata engine: exact point lookup, ranged next, and locked mutation of
// opaque ordered byte keys.
//
// The engine treats the store as a collaborator; NewMemStore returns the
// in-memory implementation backed by an LLRB tree, used by tests and
// single-node mounts. Mutating operations require a lock covering the key
// (the caller's proof that remote caches were invalidated); coverage is
// checked and a violation reported as corruption rather than repaired.
package istore

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/sortedmap"

	"github.com/metafs/metafs/ilayout"
	"github.com/metafs/metafs/ilock"
	"github.com/metafs/metafs/imerr"
)

// Op identifies a store operation to the error-injection hook.
type Op string

const (
	OpLookupExact Op = "LookupExact"
	OpNextInRange Op = "NextInRange"
	OpCreate      Op = "Create"
	OpCreateForce Op = "CreateForce"
	OpUpdate      Op = "Update"
	OpDelete      Op = "Delete"
	OpDeleteForce Op = "DeleteForce"
	OpDirty       Op = "Dirty"
)

// Store is the item store surface the engine consumes.
type Store interface {
	// LookupExact returns the value stored at exactly key; the error is
	// of class imerr.NotFoundError when the item is absent.
	LookupExact(key []byte) (value []byte, err error)

	// NextInRange returns the smallest item with foundKey >= key and
	// foundKey <= last; imerr.NotFoundError when the range is empty.
	NextInRange(key []byte, last []byte) (foundKey []byte, value []byte, err error)

	// Create stores a new item; imerr.ExistsError if key is present.
	Create(key []byte, value []byte, lk *ilock.Lock) (err error)

	// CreateForce stores an item whether or not key is present.
	CreateForce(key []byte, value []byte, lk *ilock.Lock) (err error)

	// Update overwrites an existing item; imerr.NotFoundError if absent.
	Update(key []byte, value []byte, lk *ilock.Lock) (err error)

	// Delete removes an existing item; imerr.NotFoundError if absent.
	Delete(key []byte, lk *ilock.Lock) (err error)

	// DeleteForce removes an item without requiring a populated read
	// cache; like Delete it reports imerr.NotFoundError when absent
	// (callers that treat absence as success squash it).
	DeleteForce(key []byte, lk *ilock.Lock) (err error)

	// Dirty pins an existing item dirty so that a subsequent Update of
	// the same item cannot fail; imerr.NotFoundError if absent.
	Dirty(key []byte, lk *ilock.Lock) (err error)
}

// MemStore is the in-memory Store implementation.
type MemStore struct {
	sync.Mutex
	tree      sortedmap.LLRBTree
	dirtySet  map[string]struct{}
	errorHook func(op Op, key []byte) error
}

// NewMemStore returns an empty in-memory item store.
func NewMemStore() (memStore *MemStore) {
	memStore = &MemStore{
		dirtySet: make(map[string]struct{}),
	}
	memStore.tree = sortedmap.NewLLRBTree(compareItemKey, memStore)
	return
}

// SetErrorHook installs a hook consulted before every operation; a non-nil
// return is surfaced as that operation's failure. Used by tests to
// exercise mid-operation failure paths. Pass nil to clear.
func (memStore *MemStore) SetErrorHook(hook func(op Op, key []byte) error) {
	memStore.Lock()
	memStore.errorHook = hook
	memStore.Unlock()
}

// DirtyCount returns the number of items pinned dirty since the last
// FlushDirty, for commit accounting.
func (memStore *MemStore) DirtyCount() (count int) {
	memStore.Lock()
	count = len(memStore.dirtySet)
	memStore.Unlock()
	return
}

// FlushDirty clears the dirty pin set; called at the transaction commit
// boundary once items have been written back.
func (memStore *MemStore) FlushDirty() {
	memStore.Lock()
	memStore.dirtySet = make(map[string]struct{})
	memStore.Unlock()
}

func compareItemKey(key1 sortedmap.Key, key2 sortedmap.Key) (result int, err error) {
	var (
		key1AsString string
		key2AsString string
		ok           bool
	)

	key1AsString, ok = key1.(string)
	if !ok {
		err = fmt.Errorf("compareItemKey(): key1.(string) returned !ok")
		return
	}
	key2AsString, ok = key2.(string)
	if !ok {
		err = fmt.Errorf("compareItemKey(): key2.(string) returned !ok")
		return
	}

	result = ilayout.CompareKey([]byte(key1AsString), []byte(key2AsString))
	err = nil
	return
}

func (memStore *MemStore) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	var (
		ok bool
	)

	keyAsString, ok = key.(string)
	if ok {
		keyAsString = fmt.Sprintf("%X", []byte(keyAsString))
		err = nil
	} else {
		err = fmt.Errorf("DumpKey(): key.(string) returned !ok")
	}

	return
}

func (memStore *MemStore) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	var (
		ok           bool
		valueAsSlice []byte
	)

	valueAsSlice, ok = value.([]byte)
	if ok {
		valueAsString = fmt.Sprintf("[%d bytes]", len(valueAsSlice))
		err = nil
	} else {
		err = fmt.Errorf("DumpValue(): value.([]byte) returned !ok")
	}

	return
}

func (memStore *MemStore) hookErr(op Op, key []byte) (err error) {
	if nil != memStore.errorHook {
		err = memStore.errorHook(op, key)
	} else {
		err = nil
	}
	return
}

func checkCovered(op Op, key []byte, lk *ilock.Lock) (err error) {
	if nil == lk {
		err = imerr.Errorf(imerr.CorruptionError, "%s(key: %X) called with no covering lock", op, key)
		return
	}
	if !lk.Covers(key) {
		err = imerr.Errorf(imerr.CorruptionError, "%s(key: %X) lock does not cover key", op, key)
		return
	}

	err = nil
	return
}

func (memStore *MemStore) LookupExact(key []byte) (value []byte, err error) {
	var (
		ok            bool
		valueAsValue  sortedmap.Value
		valueInternal []byte
	)

	memStore.Lock()
	defer memStore.Unlock()

	err = memStore.hookErr(OpLookupExact, key)
	if nil != err {
		return
	}

	valueAsValue, ok, err = memStore.tree.GetByKey(string(key))
	if nil != err {
		return
	}
	if !ok {
		err = imerr.Errorf(imerr.NotFoundError, "no item at key %X", key)
		return
	}

	valueInternal = valueAsValue.([]byte)
	value = make([]byte, len(valueInternal))
	_ = copy(value, valueInternal)

	err = nil
	return
}

func (memStore *MemStore) NextInRange(key []byte, last []byte) (foundKey []byte, value []byte, err error) {
	var (
		found         bool
		index         int
		keyAsKey      sortedmap.Key
		ok            bool
		valueAsValue  sortedmap.Value
		valueInternal []byte
	)

	memStore.Lock()
	defer memStore.Unlock()

	err = memStore.hookErr(OpNextInRange, key)
	if nil != err {
		return
	}

	index, found, err = memStore.tree.BisectLeft(string(key))
	if nil != err {
		return
	}
	if !found {
		index++
	}

	keyAsKey, valueAsValue, ok, err = memStore.tree.GetByIndex(index)
	if nil != err {
		return
	}
	if !ok || (ilayout.CompareKey([]byte(keyAsKey.(string)), last) > 0) {
		err = imerr.Errorf(imerr.NotFoundError, "no item in range [%X, %X]", key, last)
		return
	}

	foundKey = []byte(keyAsKey.(string))
	valueInternal = valueAsValue.([]byte)
	value = make([]byte, len(valueInternal))
	_ = copy(value, valueInternal)

	err = nil
	return
}

func (memStore *MemStore) put(op Op, key []byte, value []byte, lk *ilock.Lock, mustBeAbsent bool, mustBePresent bool) (err error) {
	var (
		ok            bool
		valueInternal []byte
	)

	err = checkCovered(op, key, lk)
	if nil != err {
		return
	}

	memStore.Lock()
	defer memStore.Unlock()

	err = memStore.hookErr(op, key)
	if nil != err {
		return
	}

	_, ok, err = memStore.tree.GetByKey(string(key))
	if nil != err {
		return
	}
	if ok && mustBeAbsent {
		err = imerr.Errorf(imerr.ExistsError, "item already exists at key %X", key)
		return
	}
	if !ok && mustBePresent {
		err = imerr.Errorf(imerr.NotFoundError, "no item at key %X", key)
		return
	}

	valueInternal = make([]byte, len(value))
	_ = copy(valueInternal, value)

	if ok {
		_, err = memStore.tree.PatchByKey(string(key), valueInternal)
	} else {
		_, err = memStore.tree.Put(string(key), valueInternal)
	}
	if nil != err {
		return
	}

	memStore.dirtySet[string(key)] = struct{}{}

	err = nil
	return
}

func (memStore *MemStore) Create(key []byte, value []byte, lk *ilock.Lock) (err error) {
	err = memStore.put(OpCreate, key, value, lk, true, false)
	return
}

func (memStore *MemStore) CreateForce(key []byte, value []byte, lk *ilock.Lock) (err error) {
	err = memStore.put(OpCreateForce, key, value, lk, false, false)
	return
}

func (memStore *MemStore) Update(key []byte, value []byte, lk *ilock.Lock) (err error) {
	err = memStore.put(OpUpdate, key, value, lk, false, true)
	return
}

func (memStore *MemStore) del(op Op, key []byte, lk *ilock.Lock) (err error) {
	var (
		ok bool
	)

	err = checkCovered(op, key, lk)
	if nil != err {
		return
	}

	memStore.Lock()
	defer memStore.Unlock()

	err = memStore.hookErr(op, key)
	if nil != err {
		return
	}

	ok, err = memStore.tree.DeleteByKey(string(key))
	if nil != err {
		return
	}
	if !ok {
		err = imerr.Errorf(imerr.NotFoundError, "no item at key %X", key)
		return
	}

	delete(memStore.dirtySet, string(key))

	err = nil
	return
}

func (memStore *MemStore) Delete(key []byte, lk *ilock.Lock) (err error) {
	err = memStore.del(OpDelete, key, lk)
	return
}

func (memStore *MemStore) DeleteForce(key []byte, lk *ilock.Lock) (err error) {
	err = memStore.del(OpDeleteForce, key, lk)
	return
}

func (memStore *MemStore) Dirty(key []byte, lk *ilock.Lock) (err error) {
	var (
		ok bool
	)

	err = checkCovered(OpDirty, key, lk)
	if nil != err {
		return
	}

	memStore.Lock()
	defer memStore.Unlock()

	err = memStore.hookErr(OpDirty, key)
	if nil != err {
		return
	}

	_, ok, err = memStore.tree.GetByKey(string(key))
	if nil != err {
		return
	}
	if !ok {
		err = imerr.Errorf(imerr.NotFoundError, "no item at key %X", key)
		return
	}

	memStore.dirtySet[string(key)] = struct{}{}

	err = nil
	return
}
