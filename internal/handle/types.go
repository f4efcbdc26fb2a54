// Package handle implements the bulk memory descriptor: a reference-counted
// set of segments plus one per-transport NA memory-handle per segment (or a
// single regv handle when the transport can coalesce them).
package handle

import (
	"unsafe"

	"github.com/daos-stack/mercury-bulk/internal/na"
)

// Ownership records whether Create allocated the backing segments (Owned,
// freed on Free) or whether the caller's buffers are merely referenced
// (Borrowed, never freed).
type Ownership uint8

const (
	Borrowed Ownership = iota
	Owned
)

// Permission is the access mode a handle was created with. It is a closed
// three-value enum: RO for read-only exposure (GET source / PUT target is
// disallowed), WO for write-only exposure, RW for both directions.
type Permission uint8

const (
	ReadOnly Permission = iota
	WriteOnly
	ReadWrite
)

// AllowsRead reports whether p permits this handle to serve as a GET
// source or PUT source-side local copy.
func (p Permission) AllowsRead() bool {
	return p == ReadOnly || p == ReadWrite
}

// AllowsWrite reports whether p permits this handle to serve as a PUT
// target or GET destination.
func (p Permission) AllowsWrite() bool {
	return p == WriteOnly || p == ReadWrite
}

// Flag bits carried alongside a handle's segment list.
type Flag uint32

const (
	// FlagEager marks the handle as small enough to have its bytes
	// inlined into the wire descriptor instead of requiring an RMA.
	FlagEager Flag = 1 << iota
	// FlagSM marks the handle as having been registered over the
	// shared-memory transport's fast path.
	FlagSM
	// FlagBound marks the handle as produced by Bind: it carries a fixed
	// peer address and context id and may only be used with that peer.
	FlagBound
)

// inlineSegments is the small-buffer-optimization threshold: handles with
// this many segments or fewer store them inline in the Handle struct
// rather than allocating a backing slice.
const inlineSegments = 8

// Segment is one contiguous range of the handle's address space.
type Segment struct {
	Base uint64
	Len  uint64
}

// ptr reinterprets Base as a real pointer into the current process's
// address space, mirroring the unsafe.Add/unsafe.Pointer arithmetic used
// to reconstruct mmap'd regions elsewhere in this codebase.
func (s Segment) ptr() unsafe.Pointer {
	return unsafe.Pointer(uintptr(s.Base))
}

// bytes returns a byte slice aliasing the segment's memory. Used only by
// the self-copy fast path and by simna's in-process loopback transport.
func (s Segment) bytes() []byte {
	if s.Len == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(s.ptr()), s.Len)
}

// segDesc pairs one local Segment with the NA memory handle covering it.
// Under regv there is still one segDesc per segment; they all share the
// same coalesced NA memory handle.
type segDesc struct {
	seg    Segment
	mh     na.MemHandle
	memTyp na.MemoryType
}
