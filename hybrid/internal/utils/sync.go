package utils

import (
	"sync"
)

// OptionalRWMutex guards a heap. When UseMutex is false every call is a no-op. When External is set it is
// used in place of Mutex, and read locks become exclusive locks on it.
type OptionalRWMutex struct {
	Mutex    sync.RWMutex
	External sync.Locker
	UseMutex bool
}

func (m *OptionalRWMutex) Lock() {
	if !m.UseMutex {
		return
	}
	if m.External != nil {
		m.External.Lock()
		return
	}
	m.Mutex.Lock()
}

func (m *OptionalRWMutex) Unlock() {
	if !m.UseMutex {
		return
	}
	if m.External != nil {
		m.External.Unlock()
		return
	}
	m.Mutex.Unlock()
}

func (m *OptionalRWMutex) RLock() {
	if !m.UseMutex {
		return
	}
	if m.External != nil {
		m.External.Lock()
		return
	}
	m.Mutex.RLock()
}

func (m *OptionalRWMutex) RUnlock() {
	if !m.UseMutex {
		return
	}
	if m.External != nil {
		m.External.Unlock()
		return
	}
	m.Mutex.RUnlock()
}
