package pagetable

import "errors"

var (
	// ErrNoPageTable is returned when a page-table page could not be
	// read from the physical source.
	ErrNoPageTable = errors.New("pagetable: page table unreadable")
	// ErrNotPresent means the present bit of a paging entry consulted
	// by the translation was clear.
	ErrNotPresent = errors.New("pagetable: not present")
	// ErrNotUser is returned when fUserOnly was set and the entry's user
	// bit was clear.
	ErrNotUser = errors.New("pagetable: supervisor page, user-only query")
	// ErrReservedBitsSet is returned for a 4 MiB PDE with reserved
	// PSE-36 bits set (0x003E0000).
	ErrReservedBitsSet = errors.New("pagetable: reserved PSE-36 bits set")
)
