package vadspider

import (
	"context"
	"log/slog"

	"github.com/tinyrange/vmmcore/internal/kaddr"
	"github.com/tinyrange/vmmcore/internal/phys"
	"github.com/tinyrange/vmmcore/internal/vad"
)

// MaxVadCount caps the expected-node-count hint read from EPROCESS; a
// larger value is assumed corrupt and clamped.
const MaxVadCount = 0x1000

// PteSize returns the prototype-PTE entry size for a process's
// bitness: 4 bytes on 32-bit, 8 on 64-bit.
func PteSize(bits Bits) uint64 {
	if bits == Bits64 {
		return 8
	}
	return 4
}

// Spider is the per-process VAD tree traversal.
type Spider struct {
	Cache     *phys.TlbCache
	Version   Version
	FlagsMask uint32 // only consulted for FamilyWin81Plus
	PID       uint32 // owning process, for log attribution only
}

// New constructs a Spider for ver, deriving the Win8.1+ flags bit mask
// from buildNumber.
func New(cache *phys.TlbCache, ver Version, buildNumber uint32) *Spider {
	return &Spider{Cache: cache, Version: ver, FlagsMask: flagsBitMask(buildNumber)}
}

func (s *Spider) nodeSize() int {
	switch s.Version.Family {
	case FamilyXP:
		return NodeSizeXP32
	case FamilyVistaWin7:
		if s.Version.Bits == Bits64 {
			return NodeSizeWin7_64
		}
		return NodeSizeWin7_32
	case FamilyWin80:
		if s.Version.Bits == Bits64 {
			return NodeSizeWin80_64
		}
		return NodeSizeWin80_32
	default: // FamilyWin81Plus
		if s.Version.Bits == Bits64 {
			return NodeSizeWin10_64
		}
		return NodeSizeWin10_32
	}
}

func (s *Spider) poolHeaderSize() uint64 {
	if s.Version.Bits == Bits64 {
		return poolHeaderSize64
	}
	return poolHeaderSize32
}

func (s *Spider) parse(buf []byte) (*vad.Entry, []uint64, bool) {
	switch s.Version.Family {
	case FamilyXP:
		return ParseXP32(buf)
	case FamilyVistaWin7:
		if s.Version.Bits == Bits64 {
			return ParseWin7_64(buf)
		}
		return ParseWin7_32(buf)
	case FamilyWin80:
		if s.Version.Bits == Bits64 {
			return ParseWin80_64(buf)
		}
		return ParseWin80_32(buf)
	default:
		if s.Version.Bits == Bits64 {
			return ParseWin10_64(buf, s.FlagsMask)
		}
		return ParseWin10_32(buf, s.FlagsMask)
	}
}

// InitialRoots probes the raw EPROCESS.VadRoot bytes for the
// version-appropriate set of candidate root node addresses: Vista/7/8.0
// hold an AvlTree with up to three potential root fields at +4/+8/+12
// (32-bit) or +8/+16/+24 (64-bit); 8.1+ hold a single RtlBalancedNode;
// XP holds the root pointer directly.
//
// raw must contain at least 32 bytes read starting at the VadRoot
// field's own address.
func (s *Spider) InitialRoots(raw []byte) []uint64 {
	ptrSize := uint64(4)
	if s.Version.Bits == Bits64 {
		ptrSize = 8
	}
	readPtr := func(off int) uint64 {
		if s.Version.Bits == Bits64 {
			return kaddr.ReadUint64LE(raw, off)
		}
		return uint64(kaddr.ReadUint32LE(raw, off))
	}
	validKAddr := func(va uint64) bool {
		if s.Version.Bits == Bits64 {
			return kaddr.Valid64_16(va)
		}
		return kaddr.Valid32_8(uint32(va))
	}

	var roots []uint64
	switch s.Version.Family {
	case FamilyXP:
		if va := readPtr(0); validKAddr(va) {
			roots = append(roots, va-s.poolHeaderSize())
		}
	case FamilyVistaWin7, FamilyWin80:
		for i := uint64(1); i < 4; i++ {
			va := readPtr(int(i * ptrSize))
			if validKAddr(va) {
				roots = append(roots, va-s.poolHeaderSize())
			}
		}
	default: // FamilyWin81Plus
		if va := readPtr(0); validKAddr(va) {
			roots = append(roots, va-s.poolHeaderSize())
		}
	}
	return roots
}

// Result is what Build returns: the finished map, plus the full set of
// node addresses seen this run, published by the caller into a
// per-process persistent container so the next call's first prefetch
// round is warm.
type Result struct {
	Map *vad.Map
	All []uint64
}

// Build runs the two-tier try1/try2/all traversal starting from roots,
// stopping once maxNodes entries are collected or both sets drain.
// priorAll, if non-nil, is prefetched before the first round (the
// warm-cache case collapsing to essentially one read).
func (s *Spider) Build(ctx context.Context, roots []uint64, maxNodes int, priorAll []uint64) (Result, error) {
	m := vad.NewMap()
	if maxNodes <= 0 || maxNodes > MaxVadCount {
		maxNodes = MaxVadCount
	}

	all := make(map[uint64]struct{})
	try1 := make(map[uint64]struct{})
	try2 := make(map[uint64]struct{})
	for _, r := range roots {
		all[r] = struct{}{}
		try2[r] = struct{}{}
	}
	if len(try2) == 0 {
		return Result{Map: m}, ErrNoRoot
	}

	nodeSize := s.nodeSize()
	pteSize := PteSize(s.Version.Bits)

	// Prefetches span the whole node, not just its first byte, so a
	// node straddling a page boundary is still a cache-only read later.
	spanNode := func(addrs []uint64, va uint64) []uint64 {
		return append(addrs, va, va+uint64(nodeSize)-1)
	}

	if len(priorAll) > 0 {
		addrs := make([]uint64, 0, 2*len(priorAll))
		for _, va := range priorAll {
			addrs = spanNode(addrs, va)
		}
		s.Cache.TlbPrefetch(ctx, addrs)
	}

	drain := func(set map[uint64]struct{}, isSecondChance bool) {
		for va := range set {
			delete(set, va)
			if len(m.Entries) >= maxNodes {
				return
			}
			buf := make([]byte, nodeSize)
			if err := s.Cache.ReadThrough(va, buf, true); err != nil {
				if !isSecondChance {
					try2[va] = struct{}{} // give it one more prefetch round
				} else {
					slog.Debug("vad node unreadable, dropped", "pid", s.PID, "va", va)
				}
				continue
			}
			e, children, ok := s.parse(buf)
			if !ok {
				slog.Debug("corrupt vad node dropped", "pid", s.PID, "va", va)
				continue
			}
			e.VaNode = va + s.poolHeaderSize()
			for _, c := range children {
				if _, seen := all[c]; seen {
					continue // cycle in a corrupt tree, already visited
				}
				all[c] = struct{}{}
				try1[c] = struct{}{}
			}
			m.Insert(e, pteSize)
		}
	}

	for len(m.Entries) < maxNodes && (len(try1) > 0 || len(try2) > 0) {
		addrs := make([]uint64, 0, 2*len(try2))
		for va := range try2 {
			addrs = spanNode(addrs, va)
		}
		s.Cache.TlbPrefetch(ctx, addrs)

		drain(try2, true)
		drain(try1, false)
	}

	allSlice := make([]uint64, 0, len(all))
	for va := range all {
		allSlice = append(allSlice, va)
	}
	return Result{Map: m, All: allSlice}, nil
}
