package vad

import (
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// A node cache snapshot persists the per-process sets of VAD node
// addresses seen by previous spider runs, so a later session against
// the same (or a re-acquired) memory image starts with a warm prefetch
// set and collapses the first traversal to essentially one batched
// read.
//
// File shape: a fixed little-endian magic/version/flags header
// followed by a gob body.
const (
	nodeCacheMagic   uint32 = 0x5641444e // "VADN"
	nodeCacheVersion uint32 = 1
)

// NodeCache maps a PID to the VAD node addresses recorded for it.
type NodeCache map[uint32][]uint64

// WriteNodeCache serializes c to w.
func WriteNodeCache(w io.Writer, c NodeCache) error {
	for _, v := range []uint32{nodeCacheMagic, nodeCacheVersion, 0} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	if err := gob.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("encode node cache: %w", err)
	}
	return nil
}

// ReadNodeCache deserializes a node cache written by WriteNodeCache.
func ReadNodeCache(r io.Reader) (NodeCache, error) {
	var magic, version, flags uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return nil, fmt.Errorf("read flags: %w", err)
	}
	if magic != nodeCacheMagic {
		return nil, fmt.Errorf("invalid magic: expected %#x, got %#x", nodeCacheMagic, magic)
	}
	if version != nodeCacheVersion {
		return nil, fmt.Errorf("unsupported version: %d", version)
	}
	_ = flags // reserved

	var c NodeCache
	if err := gob.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("decode node cache: %w", err)
	}
	return c, nil
}
