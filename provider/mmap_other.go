//go:build !linux && !darwin

package provider

// Mmap is unavailable on this platform
type Mmap struct {
	reservation
}

// NewMmap always fails on platforms without unix virtual memory calls
func NewMmap(maxLength int) (*Mmap, error) {
	return nil, ErrUnsupported
}

// Release is a no-op on this platform
func (m *Mmap) Release() error {
	return nil
}
