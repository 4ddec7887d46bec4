package vadspider

import "errors"

var (
	// ErrVersionUnsupported means the Windows build couldn't be mapped
	// to a known VAD struct generation or offset profile. Fails the
	// whole operation rather than being locally recovered.
	ErrVersionUnsupported = errors.New("vadspider: unsupported windows build")
	// ErrNoRoot is returned when none of the candidate root offsets
	// yielded a plausible kernel pointer.
	ErrNoRoot = errors.New("vadspider: no VAD root found")
)
