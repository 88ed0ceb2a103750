// Copyright (c) 2020-2026, The MetaFS Authors.
// SPDX-License-Identifier: Apache-2.0

// Package ilayout describes the persisted layout of MetaFS metadata items.
//
// Every item lives in the shared ordered key-value item store under an
// opaque byte key. Keys are constructed so that a bytewise comparison
// (bytes.Compare) yields the intended iteration order; all multi-byte
// integer key fields are therefore packed big-endian.
//
// Three key zones are defined:
//
//	ZoneFS         inode items:       {ZoneFS, ino:be64, TypeInode}
//	ZoneInodeIndex inode index items: {ZoneInodeIndex, indexType, major:be64, minor:be32, ino:be64}
//	ZoneNode       per-node items:    {ZoneNode, nodeID:be64, TypeOrphan, ino:be64}
//
// Index items carry no value; all of their information is in the key.
// The inode item value is the fixed-width InodeV1Struct, packed explicitly
// little-endian (via package cstruct) for cross-node portability.
package ilayout

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/NVIDIA/cstruct"
)

// Key zones. A zone is the first byte of every key, partitioning the store's
// single key space.
const (
	ZoneFS         uint8 = 1
	ZoneInodeIndex uint8 = 2
	ZoneNode       uint8 = 3
)

// Item types within ZoneFS and ZoneNode.
const (
	TypeInode  uint8 = 1
	TypeOrphan uint8 = 2
)

// Inode index types within ZoneInodeIndex. The numeric order of these
// constants is part of the persisted format and of the global lock
// ordering; do not reorder.
const (
	IndexTypeSize    uint8 = 1
	IndexTypeMetaSeq uint8 = 2
	IndexTypeDataSeq uint8 = 3
)

// IndexTypeCount is the number of defined inode index types. Index type
// values are 1-based; slots sized IndexTypeCount+1 may be indexed directly
// by type.
const IndexTypeCount = 3

// Inode flags persisted in InodeV1Struct.Flags.
const (
	FlagTruncate uint32 = 1 << 0
)

// Inode mode bits follow the POSIX S_IFMT convention.
const (
	ModeFmtMask uint32 = 0170000
	ModeFmtReg  uint32 = 0100000
	ModeFmtDir  uint32 = 0040000
	ModeFmtLnk  uint32 = 0120000
)

const (
	inodeKeyLen  = 1 + 8 + 1
	indexKeyLen  = 1 + 1 + 8 + 4 + 8
	orphanKeyLen = 1 + 8 + 1 + 8
)

// InodeV1Struct is the fixed-width persisted inode record. It is packed
// little-endian via cstruct; field order is part of the persisted format.
type InodeV1Struct struct {
	Size           uint64
	MetaSeq        uint64
	DataSeq        uint64
	DataVersion    uint64
	NextReaddirPos uint64
	AtimeSec       uint64
	MtimeSec       uint64
	CtimeSec       uint64
	AtimeNSec      uint32
	MtimeNSec      uint32
	CtimeNSec      uint32
	Nlink          uint32
	UID            uint32
	GID            uint32
	Mode           uint32
	Rdev           uint32
	Flags          uint32
}

// InodeModeIsRegular returns whether mode describes a regular file.
func InodeModeIsRegular(mode uint32) bool {
	return (mode & ModeFmtMask) == ModeFmtReg
}

// InodeModeIsDir returns whether mode describes a directory.
func InodeModeIsDir(mode uint32) bool {
	return (mode & ModeFmtMask) == ModeFmtDir
}

// MarshalInodeV1 packs inodeV1 into its persisted little-endian form.
func MarshalInodeV1(inodeV1 *InodeV1Struct) (inodeV1Buf []byte, err error) {
	inodeV1Buf, err = cstruct.Pack(inodeV1, cstruct.LittleEndian)
	return
}

// UnmarshalInodeV1 unpacks the persisted form of an inode record. The
// buffer must be exactly the record's fixed width.
func UnmarshalInodeV1(inodeV1Buf []byte) (inodeV1 *InodeV1Struct, err error) {
	var (
		bytesConsumed uint64
	)

	inodeV1 = &InodeV1Struct{}

	bytesConsumed, err = cstruct.Unpack(inodeV1Buf, inodeV1, cstruct.LittleEndian)
	if nil != err {
		inodeV1 = nil
		return
	}
	if bytesConsumed != uint64(len(inodeV1Buf)) {
		inodeV1 = nil
		err = fmt.Errorf("UnmarshalInodeV1(): inode record has %v trailing bytes", uint64(len(inodeV1Buf))-bytesConsumed)
		return
	}

	err = nil
	return
}

// InodeKey returns the item store key of ino's inode record.
func InodeKey(ino uint64) (key []byte) {
	key = make([]byte, inodeKeyLen)

	key[0] = ZoneFS
	binary.BigEndian.PutUint64(key[1:9], ino)
	key[9] = TypeInode

	return
}

// IndexKey returns the item store key of the inode index record
// (indexType, major, minor, ino).
func IndexKey(indexType uint8, major uint64, minor uint32, ino uint64) (key []byte) {
	key = make([]byte, indexKeyLen)

	key[0] = ZoneInodeIndex
	key[1] = indexType
	binary.BigEndian.PutUint64(key[2:10], major)
	binary.BigEndian.PutUint32(key[10:14], minor)
	binary.BigEndian.PutUint64(key[14:22], ino)

	return
}

// ParseIndexKey decomposes an inode index key previously produced by
// IndexKey.
func ParseIndexKey(key []byte) (indexType uint8, major uint64, minor uint32, ino uint64, err error) {
	if (len(key) != indexKeyLen) || (key[0] != ZoneInodeIndex) {
		err = fmt.Errorf("ParseIndexKey(): not an inode index key")
		return
	}

	indexType = key[1]
	major = binary.BigEndian.Uint64(key[2:10])
	minor = binary.BigEndian.Uint32(key[10:14])
	ino = binary.BigEndian.Uint64(key[14:22])

	err = nil
	return
}

// OrphanKey returns the item store key of the orphan marker for ino owned
// by nodeID.
func OrphanKey(nodeID uint64, ino uint64) (key []byte) {
	key = make([]byte, orphanKeyLen)

	key[0] = ZoneNode
	binary.BigEndian.PutUint64(key[1:9], nodeID)
	key[9] = TypeOrphan
	binary.BigEndian.PutUint64(key[10:18], ino)

	return
}

// ParseOrphanKey decomposes an orphan marker key previously produced by
// OrphanKey.
func ParseOrphanKey(key []byte) (nodeID uint64, ino uint64, err error) {
	if (len(key) != orphanKeyLen) || (key[0] != ZoneNode) || (key[9] != TypeOrphan) {
		err = fmt.Errorf("ParseOrphanKey(): not an orphan key")
		return
	}

	nodeID = binary.BigEndian.Uint64(key[1:9])
	ino = binary.BigEndian.Uint64(key[10:18])

	err = nil
	return
}

// OrphanKeyRange returns the first and last possible orphan keys for
// nodeID, suitable for ranged iteration.
func OrphanKeyRange(nodeID uint64) (first []byte, last []byte) {
	first = OrphanKey(nodeID, 0)
	last = OrphanKey(nodeID, ^uint64(0))
	return
}

// CompareKey imposes the store-wide total order on item keys.
func CompareKey(keyA []byte, keyB []byte) (result int) {
	result = bytes.Compare(keyA, keyB)
	return
}

// KeySuccessor returns the smallest key greater than key, for advancing
// ranged iteration cursors.
func KeySuccessor(key []byte) (successor []byte) {
	successor = make([]byte, len(key)+1)
	_ = copy(successor, key)
	return
}
