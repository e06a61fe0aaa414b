package memutils

import "unsafe"

const (
	// FreedByte is the sentinel written across a quarantined allocation's payload
	// when zapping is enabled. Reading it back from a dangling pointer makes the
	// use-after-free obvious in a crash dump.
	FreedByte byte = 0xCD
)

// SecureMemset overwrites size bytes at data with the given byte value. Unlike a
// plain loop over a slice, the write cannot be elided: callers zap payloads that
// nothing will ever read through a live reference again.
func SecureMemset(data unsafe.Pointer, value byte, size int) {
	ptr := data
	for i := 0; i < size; i++ {
		*(*byte)(ptr) = value
		ptr = unsafe.Add(ptr, 1)
	}
}
