package vadspider

import (
	"github.com/tinyrange/vmmcore/internal/kaddr"
	"github.com/tinyrange/vmmcore/internal/vad"
)

// Node sizes, in bytes, for the 64-bit VAD struct generations,
// pool-header bytes included.
const (
	NodeSizeWin7_64  = 136
	NodeSizeWin80_64 = 144
	NodeSizeWin10_64 = 152

	poolHeaderSize64 = 0x10
)

// ParseWin7_64 parses a Vista/Win7 64-bit _MMVAD node.
func ParseWin7_64(buf []byte) (*vad.Entry, []uint64, bool) {
	if len(buf) < NodeSizeWin7_64 {
		return nil, nil, false
	}
	poolTag := kaddr.ReadUint32LE(buf, 4)
	leftChild := kaddr.ReadUint64LE(buf, 24)
	rightChild := kaddr.ReadUint64LE(buf, 32)
	startingVpn := kaddr.ReadUint64LE(buf, 40)
	endingVpn := kaddr.ReadUint64LE(buf, 48)
	u := kaddr.ReadUint64LE(buf, 56)

	if endingVpn < startingVpn || !vadPoolTagOK(buf, 4) {
		return nil, nil, false
	}

	e := &vad.Entry{
		VaStart:       startingVpn << 12,
		VaEnd:         (endingVpn << 12) | 0xfff,
		CommitCharge:  u & 0x7FFFFFFFFFFFF, // bits 0-50
		VadType:       vad.Type((u >> 52) & 0x7),
		MemCommit:     u&(1<<55) != 0,
		Protection:    uint8((u >> 56) & 0x1f),
		PrivateMemory: u&(1<<63) != 0,
	}

	var children []uint64
	if kaddr.Valid64_16(leftChild) {
		children = append(children, leftChild-poolHeaderSize64)
	}
	if kaddr.Valid64_16(rightChild) {
		children = append(children, rightChild-poolHeaderSize64)
	}

	if poolTag == vadSTagDword {
		return e, children, true
	}

	subsection := kaddr.ReadUint64LE(buf, 88)
	firstProtoPte := kaddr.ReadUint64LE(buf, 96)
	lastContiguousPte := kaddr.ReadUint64LE(buf, 104)
	e.VaSubsection = subsection
	if kaddr.Valid64_8(firstProtoPte) {
		e.VaProtoPte = firstProtoPte
		e.CbProtoPte = lastContiguousPte - firstProtoPte + 8
	}
	return e, children, true
}

// ParseWin80_64 parses a Win8.0 64-bit _MMVAD node.
func ParseWin80_64(buf []byte) (*vad.Entry, []uint64, bool) {
	if len(buf) < NodeSizeWin80_64 {
		return nil, nil, false
	}
	poolTag := kaddr.ReadUint32LE(buf, 4)
	leftChild := kaddr.ReadUint64LE(buf, 24)
	rightChild := kaddr.ReadUint64LE(buf, 32)
	startingVpn := kaddr.ReadUint32LE(buf, 40)
	endingVpn := kaddr.ReadUint32LE(buf, 44)
	u := kaddr.ReadUint32LE(buf, 56)
	u1 := kaddr.ReadUint32LE(buf, 60)

	if endingVpn < startingVpn || !vadPoolTagOK(buf, 4) {
		return nil, nil, false
	}

	e := &vad.Entry{
		VaStart:       uint64(startingVpn) << 12,
		VaEnd:         (uint64(endingVpn) << 12) | 0xfff,
		VadType:       vad.Type(u & 0x7),
		Protection:    uint8((u >> 3) & 0x1f),
		PrivateMemory: u&(1<<15) != 0,
		Teb:           u&(1<<16) != 0,
		CommitCharge:  uint64(u1 & 0x7FFFFFFF),
		MemCommit:     u1&(1<<31) != 0,
	}

	var children []uint64
	if kaddr.Valid64_16(leftChild) {
		children = append(children, leftChild-poolHeaderSize64)
	}
	if kaddr.Valid64_16(rightChild) {
		children = append(children, rightChild-poolHeaderSize64)
	}

	if poolTag == vadSTagDword {
		return e, children, true
	}

	subsection := kaddr.ReadUint64LE(buf, 88)
	firstProtoPte := kaddr.ReadUint64LE(buf, 96)
	lastContiguousPte := kaddr.ReadUint64LE(buf, 104)
	e.VaSubsection = subsection
	if kaddr.Valid64_8(firstProtoPte) {
		e.VaProtoPte = firstProtoPte
		e.CbProtoPte = lastContiguousPte - firstProtoPte + 8
	}
	return e, children, true
}

// ParseWin10_64 parses a Win8.1/10 64-bit _MMVAD node.
// StartingVpnHigh/EndingVpnHigh extend the 32-bit VPN fields to a
// 52-bit span: StartingVpn=0, StartingVpnHigh=1 means the region
// starts at 1<<44.
func ParseWin10_64(buf []byte, mask uint32) (*vad.Entry, []uint64, bool) {
	if len(buf) < NodeSizeWin10_64 {
		return nil, nil, false
	}
	poolTag := kaddr.ReadUint32LE(buf, 4)
	child0 := kaddr.ReadUint64LE(buf, 16)
	child1 := kaddr.ReadUint64LE(buf, 24)
	startingVpn := kaddr.ReadUint32LE(buf, 40)
	endingVpn := kaddr.ReadUint32LE(buf, 44)
	startingVpnHigh := buf[48]
	endingVpnHigh := buf[49]
	u := kaddr.ReadUint32LE(buf, 64)
	u1 := kaddr.ReadUint32LE(buf, 68)

	if endingVpnHigh < startingVpnHigh || endingVpn < startingVpn || !vadPoolTagOK(buf, 4) {
		return nil, nil, false
	}

	e := &vad.Entry{
		VaStart:       (uint64(startingVpnHigh) << (32 + 12)) | (uint64(startingVpn) << 12),
		VaEnd:         (uint64(endingVpnHigh) << (32 + 12)) | (uint64(endingVpn) << 12) | 0xfff,
		CommitCharge:  uint64(u1 & 0x7FFFFFFF),
		MemCommit:     u1&(1<<31) != 0,
		VadType:       vad.Type(0x07 & (u >> vadTypeShift(mask))),
		Protection:    uint8(0x1f & (u >> protectionShift(mask))),
		PrivateMemory: (0x01 & (u >> privateMemShift(mask))) != 0,
	}

	var children []uint64
	if kaddr.Valid64_16(child0) {
		children = append(children, child0-poolHeaderSize64)
	}
	if kaddr.Valid64_16(child1) {
		children = append(children, child1-poolHeaderSize64)
	}

	if poolTag == vadSTagDword {
		return e, children, true
	}

	subsection := kaddr.ReadUint64LE(buf, 88)
	firstProtoPte := kaddr.ReadUint64LE(buf, 96)
	lastContiguousPte := kaddr.ReadUint64LE(buf, 104)
	e.VaSubsection = subsection
	if kaddr.Valid64_8(firstProtoPte) {
		e.VaProtoPte = firstProtoPte
		e.CbProtoPte = lastContiguousPte - firstProtoPte + 8
	}
	return e, children, true
}
