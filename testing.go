package bulk

import (
	"unsafe"

	"github.com/daos-stack/mercury-bulk/internal/na"
)

// NewTestEngine creates a loopback Engine suitable for unit tests: an
// Engine bound to an in-process simna transport named per the caller, so
// tests can construct two "peers" that are actually one simna instance
// addressed as self, or two distinct simna names to exercise the
// non-self NA path.
func NewTestEngine(name string) *Engine {
	return NewLoopback(name)
}

// RegisterBuffer registers a Go byte slice as a single-segment Handle,
// doing the unsafe.Pointer-to-uint64 conversion tests would otherwise
// have to repeat by hand. buf must not be moved or resized by the
// caller for the Handle's lifetime.
func RegisterBuffer(class na.Class, buf []byte, perm Permission) (*Handle, error) {
	base := uint64(uintptr(unsafe.Pointer(&buf[0])))
	return Create(class, []Segment{{Base: base, Len: uint64(len(buf))}}, perm, false)
}
