package vadspider

import (
	"github.com/tinyrange/vmmcore/internal/kaddr"
	"github.com/tinyrange/vmmcore/internal/vad"
)

// Node sizes, in bytes, for the 32-bit VAD struct generations
// (_MMVAD32 and the pool-header bytes read along with it), under
// natural alignment.
const (
	NodeSizeXP32     = 48
	NodeSizeWin7_32  = 68
	NodeSizeWin80_32 = 88
	NodeSizeWin10_32 = 84

	poolHeaderSize32 = 8
)

var vadPoolTags = []kaddr.PoolTag{
	kaddr.Tag("Vad "), kaddr.Tag("VadS"), kaddr.Tag("VadF"), kaddr.Tag("Vadl"), kaddr.Tag("Vadm"),
}

// Short-VAD and large-page tags compared against the raw little-endian
// PoolTag load.
var (
	vadSTagDword = kaddr.Tag("VadS").Dword()
	vadlTagDword = kaddr.Tag("Vadl").Dword()
)

func vadPoolTagOK(buf []byte, off int) bool {
	return kaddr.MatchesAt(buf, off, vadPoolTags...)
}

// ParseXP32 parses a WinXP _MMVAD node. Returns the populated entry,
// the guest VAs of its children (pool-header-adjusted, ready to push
// onto the spider's candidate sets), and whether the node was
// accepted.
func ParseXP32(buf []byte) (*vad.Entry, []uint64, bool) {
	if len(buf) < NodeSizeXP32 {
		return nil, nil, false
	}
	poolTag := kaddr.ReadUint32LE(buf, 4)
	startingVpn := kaddr.ReadUint32LE(buf, 8)
	endingVpn := kaddr.ReadUint32LE(buf, 12)
	leftChild := kaddr.ReadUint32LE(buf, 20)
	rightChild := kaddr.ReadUint32LE(buf, 24)
	u := kaddr.ReadUint32LE(buf, 28)

	if endingVpn < startingVpn || !vadPoolTagOK(buf, 4) {
		return nil, nil, false
	}

	e := &vad.Entry{
		VaStart:       uint64(startingVpn) << 12,
		VaEnd:         (uint64(endingVpn) << 12) | 0xfff,
		CommitCharge:  uint64(u & 0x7FFFF), // bits 0-18
		MemCommit:     u&(1<<30) != 0,
		PrivateMemory: u&(1<<31) != 0,
		Protection:    uint8((u >> 24) & 0x1f),
	}
	if poolTag == vadlTagDword {
		e.VadType = vad.TypeLargePages
	}

	var children []uint64
	if kaddr.Valid32_8(leftChild) {
		children = append(children, uint64(leftChild)-poolHeaderSize32)
	}
	if kaddr.Valid32_8(rightChild) {
		children = append(children, uint64(rightChild)-poolHeaderSize32)
	}

	if poolTag == vadSTagDword {
		return e, children, true // short VAD: no subsection/proto-PTE fields
	}

	controlArea := kaddr.ReadUint32LE(buf, 32)
	firstProtoPte := kaddr.ReadUint32LE(buf, 36)
	lastContiguousPte := kaddr.ReadUint32LE(buf, 40)
	e.VaSubsection = uint64(controlArea)
	if kaddr.Valid32_4(firstProtoPte) {
		e.VaProtoPte = uint64(firstProtoPte)
		e.CbProtoPte = uint64(lastContiguousPte-firstProtoPte) + 4
	}
	return e, children, true
}

// ParseWin7_32 parses a Vista/Win7 32-bit _MMVAD node.
func ParseWin7_32(buf []byte) (*vad.Entry, []uint64, bool) {
	if len(buf) < NodeSizeWin7_32 {
		return nil, nil, false
	}
	poolTag := kaddr.ReadUint32LE(buf, 4)
	leftChild := kaddr.ReadUint32LE(buf, 12)
	rightChild := kaddr.ReadUint32LE(buf, 16)
	startingVpn := kaddr.ReadUint32LE(buf, 20)
	endingVpn := kaddr.ReadUint32LE(buf, 24)
	u := kaddr.ReadUint32LE(buf, 28)

	if endingVpn < startingVpn || !vadPoolTagOK(buf, 4) {
		return nil, nil, false
	}

	e := &vad.Entry{
		VaStart:       uint64(startingVpn) << 12,
		VaEnd:         (uint64(endingVpn) << 12) | 0xfff,
		CommitCharge:  uint64(u & 0x7FFFF), // bits 0-18
		VadType:       vad.Type((u >> 20) & 0x7),
		MemCommit:     u&(1<<23) != 0,
		Protection:    uint8((u >> 24) & 0x1f),
		PrivateMemory: u&(1<<31) != 0,
	}

	var children []uint64
	if kaddr.Valid32_8(leftChild) {
		children = append(children, uint64(leftChild)-poolHeaderSize32)
	}
	if kaddr.Valid32_8(rightChild) {
		children = append(children, uint64(rightChild)-poolHeaderSize32)
	}

	if poolTag == vadSTagDword {
		return e, children, true
	}

	subsection := kaddr.ReadUint32LE(buf, 44)
	firstProtoPte := kaddr.ReadUint32LE(buf, 48)
	lastContiguousPte := kaddr.ReadUint32LE(buf, 52)
	e.VaSubsection = uint64(subsection)
	if kaddr.Valid32_4(firstProtoPte) {
		e.VaProtoPte = uint64(firstProtoPte)
		e.CbProtoPte = uint64(lastContiguousPte-firstProtoPte) + 4
	}
	return e, children, true
}

// ParseWin80_32 parses a Win8.0 32-bit _MMVAD node. Uniquely in this
// generation the read starts with the pool tag itself at offset 0.
func ParseWin80_32(buf []byte) (*vad.Entry, []uint64, bool) {
	if len(buf) < NodeSizeWin80_32 {
		return nil, nil, false
	}
	poolTag := kaddr.ReadUint32LE(buf, 0)
	leftChild := kaddr.ReadUint32LE(buf, 20)
	rightChild := kaddr.ReadUint32LE(buf, 24)
	startingVpn := kaddr.ReadUint32LE(buf, 28)
	endingVpn := kaddr.ReadUint32LE(buf, 32)
	u := kaddr.ReadUint32LE(buf, 40)
	u1 := kaddr.ReadUint32LE(buf, 44)

	if endingVpn < startingVpn || !vadPoolTagOK(buf, 0) {
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
	if kaddr.Valid32_8(leftChild) {
		children = append(children, uint64(leftChild)-poolHeaderSize32)
	}
	if kaddr.Valid32_8(rightChild) {
		children = append(children, uint64(rightChild)-poolHeaderSize32)
	}

	if poolTag == vadSTagDword {
		return e, children, true
	}

	subsection := kaddr.ReadUint32LE(buf, 60)
	firstProtoPte := kaddr.ReadUint32LE(buf, 64)
	lastContiguousPte := kaddr.ReadUint32LE(buf, 68)
	e.VaSubsection = uint64(subsection)
	if kaddr.Valid32_8(firstProtoPte) {
		e.VaProtoPte = uint64(firstProtoPte)
		e.CbProtoPte = uint64(lastContiguousPte-firstProtoPte) + 4
	}
	return e, children, true
}

// ParseWin10_32 parses a Win8.1/10 32-bit _MMVAD node. mask decodes
// the three byte-shift amounts for VadType/Protection/PrivateMemory
// within the single flags word u.
func ParseWin10_32(buf []byte, mask uint32) (*vad.Entry, []uint64, bool) {
	if len(buf) < NodeSizeWin10_32 {
		return nil, nil, false
	}
	poolTag := kaddr.ReadUint32LE(buf, 4)
	child0 := kaddr.ReadUint32LE(buf, 8)
	child1 := kaddr.ReadUint32LE(buf, 12)
	startingVpn := kaddr.ReadUint32LE(buf, 20)
	endingVpn := kaddr.ReadUint32LE(buf, 24)
	u := kaddr.ReadUint32LE(buf, 36)
	u1 := kaddr.ReadUint32LE(buf, 40)

	if endingVpn < startingVpn || !vadPoolTagOK(buf, 4) {
		return nil, nil, false
	}

	e := &vad.Entry{
		VaStart:       uint64(startingVpn) << 12,
		VaEnd:         (uint64(endingVpn) << 12) | 0xfff,
		CommitCharge:  uint64(u1 & 0x7FFFFFFF),
		MemCommit:     u1&(1<<31) != 0,
		VadType:       vad.Type(0x07 & (u >> vadTypeShift(mask))),
		Protection:    uint8(0x1f & (u >> protectionShift(mask))),
		PrivateMemory: (0x01 & (u >> privateMemShift(mask))) != 0,
	}

	var children []uint64
	if kaddr.Valid32_8(child0) {
		children = append(children, uint64(child0)-poolHeaderSize32)
	}
	if kaddr.Valid32_8(child1) {
		children = append(children, uint64(child1)-poolHeaderSize32)
	}

	if poolTag == vadSTagDword {
		return e, children, true
	}

	subsection := kaddr.ReadUint32LE(buf, 52)
	firstProtoPte := kaddr.ReadUint32LE(buf, 56)
	lastContiguousPte := kaddr.ReadUint32LE(buf, 60)
	e.VaSubsection = uint64(subsection)
	if kaddr.Valid32_4(firstProtoPte) {
		e.VaProtoPte = uint64(firstProtoPte)
		e.CbProtoPte = uint64(lastContiguousPte-firstProtoPte) + 4
	}
	return e, children, true
}
