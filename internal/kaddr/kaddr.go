// Package kaddr holds the small, shared primitives that every other
// package in this module leans on: validating that a value read out of
// untrusted physical memory looks like a kernel virtual address before
// it is dereferenced again, matching a pool tag against the bytes that
// precede a kernel allocation, and a sorted lookup used by both the VAD
// map and the PTE map.
package kaddr

import "encoding/binary"

// Valid32 reports whether va looks like a 32-bit kernel-mode pointer
// aligned to align bytes. Windows x86 kernel-mode addresses are
// >= 0x80000000.
func Valid32(va uint32, align uint32) bool {
	return va >= 0x80000000 && va%align == 0
}

// Valid32_8 accepts an 8-byte aligned 32-bit kernel pointer.
func Valid32_8(va uint32) bool { return Valid32(va, 8) }

// Valid32_4 accepts a 4-byte aligned 32-bit kernel pointer.
func Valid32_4(va uint32) bool { return Valid32(va, 4) }

// Valid64 reports whether va looks like a 64-bit canonical kernel-mode
// pointer aligned to align bytes. Windows x64 kernel addresses live in
// the canonical negative half, i.e. the top 17 bits are all set.
func Valid64(va uint64, align uint64) bool {
	return va >= 0xFFFF800000000000 && va%align == 0
}

// Valid64_16 accepts a 16-byte aligned 64-bit kernel pointer.
func Valid64_16(va uint64) bool { return Valid64(va, 16) }

// Valid64_8 accepts an 8-byte aligned 64-bit kernel pointer.
func Valid64_8(va uint64) bool { return Valid64(va, 8) }

// PoolTag is a 4-character kernel pool tag such as 'Vad ', 'MmCa',
// 'MmSt'. In a memory dump the tag's characters appear in reading order
// at increasing addresses.
type PoolTag [4]byte

// Tag builds a PoolTag from its 4-character reading-order name, e.g.
// Tag("Vad ") for the VAD pool tag.
func Tag(s string) PoolTag {
	var t PoolTag
	copy(t[:], s)
	return t
}

// Dword returns the tag as the little-endian DWORD its bytes form in
// memory, for callers comparing against a raw 32-bit load.
func (t PoolTag) Dword() uint32 {
	return uint32(t[0]) | uint32(t[1])<<8 | uint32(t[2])<<16 | uint32(t[3])<<24
}

// MatchesAt reports whether one of tags equals the 4 bytes at offset off
// within buf.
func MatchesAt(buf []byte, off int, tags ...PoolTag) bool {
	if off < 0 || off+4 > len(buf) {
		return false
	}
	var got [4]byte
	copy(got[:], buf[off:])
	for _, t := range tags {
		if got == [4]byte(t) {
			return true
		}
	}
	return false
}

// PrependedAt reports whether one of tags prefixes the pool allocation
// whose payload starts at offset objOff within buf. The tag DWORD sits
// 4 bytes (32-bit pool headers) or 12 bytes (64-bit) before the
// payload.
func PrependedAt(buf []byte, objOff int, is64 bool, tags ...PoolTag) bool {
	hdr := 4
	if is64 {
		hdr = 12
	}
	return MatchesAt(buf, objOff-hdr, tags...)
}

// ScanForTag scans buf in 4-byte strides starting at offset 0 looking
// for tag at any stride boundary within the first limit bytes. Used by
// the prototype-PTE pool-header sniff, which may find 'MmSt' at more
// than one candidate offset depending on how much header room precedes
// the array.
func ScanForTag(buf []byte, limit int, tag PoolTag) bool {
	if limit > len(buf) {
		limit = len(buf)
	}
	for off := 0; off+4 <= limit; off += 4 {
		if MatchesAt(buf, off, tag) {
			return true
		}
	}
	return false
}

// ReadUint32LE and ReadUint64LE are small helpers kept here so callers
// parsing raw struct bytes don't each import encoding/binary themselves.
func ReadUint32LE(buf []byte, off int) uint32 { return binary.LittleEndian.Uint32(buf[off:]) }
func ReadUint64LE(buf []byte, off int) uint64 { return binary.LittleEndian.Uint64(buf[off:]) }
func ReadUint16LE(buf []byte, off int) uint16 { return binary.LittleEndian.Uint16(buf[off:]) }
