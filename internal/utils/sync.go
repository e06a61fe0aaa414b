package utils

import (
	"sync"
)

// OptionalMutex locks only when UseMutex is set. Structures that are bound to a
// single goroutine skip the lock entirely rather than pay for uncontended
// acquisitions.
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}
