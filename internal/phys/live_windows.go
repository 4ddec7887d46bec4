//go:build windows

package phys

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// liveSource reads physical memory through an already-open handle to a
// DMA/driver device exposing \Device\PhysicalMemory-style semantics.
// The concrete device name is a deployment concern of the caller that
// opened the handle; this type only knows how to seek+read it.
type liveSource struct {
	h    windows.Handle
	size uint64
}

// NewWindowsDeviceSource wraps an open windows.Handle to a physical
// memory access device. size, if known, bounds reads; pass 0 if unknown
// and let the device itself fail out-of-range reads.
func NewWindowsDeviceSource(h windows.Handle, size uint64) Source {
	return &liveSource{h: h, size: size}
}

func (l *liveSource) Size() uint64 { return l.size }

func (l *liveSource) ReadAt(p []byte, off int64) (int, error) {
	var newPos int64
	if err := windows.SetFilePointerEx(l.h, off, &newPos, windows.FILE_BEGIN); err != nil {
		return 0, fmt.Errorf("phys: seek physical address 0x%x: %w", off, err)
	}
	var done uint32
	if err := windows.ReadFile(l.h, p, &done, nil); err != nil {
		return int(done), fmt.Errorf("phys: read physical address 0x%x: %w", off, err)
	}
	return int(done), nil
}
