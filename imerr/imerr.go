// Copyright (c) 2020-2026, The MetaFS Authors.
// SPDX-License-Identifier: Apache-2.0

// Package imerr defines the error classes used throughout MetaFS and the
// helpers for raising and testing them.
//
// Each class carries the errno ultimately surfaced at the filesystem
// boundary. Classes are merry sentinels, so an error raised via Errorf()
// keeps its class identity through any amount of message decoration and
// can be tested with Is().
//
// Fatal conditions (lock token regression, a rollback delete failing) are
// deliberately NOT error classes: continuing after one risks silent
// cross-node divergence, so those paths abort the process instead of
// returning.
package imerr

import (
	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"
)

const errnoValueKey = "errno"

var (
	// NotFoundError: the addressed item does not exist. Benign in
	// several flows (e.g. an orphan already fully processed).
	NotFoundError = merry.New("not found").WithValue(errnoValueKey, unix.ENOENT)

	// ExistsError: creation of an item that already exists.
	ExistsError = merry.New("already exists").WithValue(errnoValueKey, unix.EEXIST)

	// CorruptionError: persisted state contradicts an invariant (e.g. an
	// orphan marker naming a live inode). Always surfaced, never
	// auto-repaired.
	CorruptionError = merry.New("metadata corruption detected").WithValue(errnoValueKey, unix.EIO)

	// ResourceExhaustedError: no inode numbers remain or the item store
	// cannot reserve space. Surfaced to the user-visible caller.
	ResourceExhaustedError = merry.New("resource exhausted").WithValue(errnoValueKey, unix.ENOSPC)

	// RetryLimitError: the lock-ordered gate exceeded its configured
	// transaction-sequence retry budget.
	RetryLimitError = merry.New("retry limit exceeded").WithValue(errnoValueKey, unix.EAGAIN)

	// InterruptedError: a cancellable wait was cancelled; no side effects
	// were taken.
	InterruptedError = merry.New("interrupted").WithValue(errnoValueKey, unix.EINTR)
)

// Errorf returns a new error of the given class with a formatted message.
func Errorf(class merry.Error, format string, args ...interface{}) (err error) {
	err = class.Here().WithMessagef(format, args...)
	return
}

// Wrap attaches class to an existing error, preserving its message.
func Wrap(class merry.Error, underlying error) (err error) {
	err = class.Here().WithMessage(class.Error() + ": " + underlying.Error()).WithValue("cause", underlying)
	return
}

// Is reports whether err belongs to class.
func Is(err error, class merry.Error) (is bool) {
	is = merry.Is(err, class)
	return
}

// Errno returns the errno associated with err's class, or 0 if err carries
// none.
func Errno(err error) (errno unix.Errno) {
	var (
		ok    bool
		value interface{}
	)

	value = merry.Value(err, errnoValueKey)
	errno, ok = value.(unix.Errno)
	if !ok {
		errno = 0
	}

	return
}
