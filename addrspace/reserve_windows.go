//go:build windows

package addrspace

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// reservePages reserves size bytes of inaccessible address space. MEM_RESERVE
// commits nothing; the range is merely pinned down.
func reservePages(size int) ([]byte, error) {
	base, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), size), nil
}

func releasePages(data []byte) error {
	return windows.VirtualFree(uintptr(unsafe.Pointer(&data[0])), 0, windows.MEM_RELEASE)
}
