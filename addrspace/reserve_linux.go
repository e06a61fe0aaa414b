//go:build linux

package addrspace

import "golang.org/x/sys/unix"

// reservePages maps size bytes of inaccessible address space. PROT_NONE plus
// MAP_NORESERVE means no physical memory or swap is committed; the mapping only
// pins down the address range.
func reservePages(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
}

func releasePages(data []byte) error {
	return unix.Munmap(data)
}
