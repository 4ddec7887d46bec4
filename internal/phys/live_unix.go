//go:build !windows

package phys

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// liveSource reads physical memory through an already-open file
// descriptor to a DMA/driver device (a PCILeech-style FPGA bridge, a
// /dev/fmem-like character device, or a hypervisor's exposed guest-RAM
// fd). unix.Pread directly on the fd, no os.File wrapper.
type liveSource struct {
	fd   int
	size uint64
}

// NewUnixDeviceSource wraps an open file descriptor to a physical
// memory access device. size, if known, bounds reads.
func NewUnixDeviceSource(fd int, size uint64) Source {
	return &liveSource{fd: fd, size: size}
}

func (l *liveSource) Size() uint64 { return l.size }

func (l *liveSource) ReadAt(p []byte, off int64) (int, error) {
	n, err := unix.Pread(l.fd, p, off)
	if err != nil {
		return n, fmt.Errorf("phys: pread physical address 0x%x: %w", off, err)
	}
	return n, nil
}
