package utils

import (
	"sync"
)

// OptionalMutex is a sync.Mutex that can be switched off when the caller synchronizes
// access externally. The zero value is a disabled mutex.
type OptionalMutex struct {
	mutex   sync.Mutex
	enabled bool
}

// NewOptionalMutex returns a mutex that only locks when enabled is true
func NewOptionalMutex(enabled bool) OptionalMutex {
	return OptionalMutex{enabled: enabled}
}

func (m *OptionalMutex) Enabled() bool { return m.enabled }

func (m *OptionalMutex) Lock() {
	if m.enabled {
		m.mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.enabled {
		m.mutex.Unlock()
	}
}

// OptionalRWMutex is the read/write counterpart of OptionalMutex
type OptionalRWMutex struct {
	mutex   sync.RWMutex
	enabled bool
}

// NewOptionalRWMutex returns a read/write mutex that only locks when enabled is true
func NewOptionalRWMutex(enabled bool) OptionalRWMutex {
	return OptionalRWMutex{enabled: enabled}
}

func (m *OptionalRWMutex) Enabled() bool { return m.enabled }

func (m *OptionalRWMutex) Lock() {
	if m.enabled {
		m.mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.enabled {
		m.mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.enabled {
		m.mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.enabled {
		m.mutex.RUnlock()
	}
}
