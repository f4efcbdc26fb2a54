package handle

import (
	"sync/atomic"
	"unsafe"

	"github.com/daos-stack/mercury-bulk/internal/na"
)

// Handle is the in-memory descriptor for a bulk memory region: an ordered
// list of segments, one NA memory handle per segment (or a single regv
// handle covering all of them), and a reference count shared by every
// copy obtained through Ref.
type Handle struct {
	refs int32 // atomic

	segsInline [inlineSegments]segDesc
	segsHeap   []segDesc
	nsegs      int

	owner      Ownership
	perm       Permission
	flags      Flag
	totalLen   uint64
	class      na.Class

	// registered is set exactly once, in Create, never in NewDecoded. It distinguishes a locally-created handle (which owns NA
	// registrations and must deregister them on Free) from one produced
	// by deserializing a peer's descriptor (which must not).
	registered bool

	// cachedSerialization is a slot for a previously serialized copy of
	// this handle. No code sets or reads it and there are no accessors
	// for it: every Serialize call re-encodes the handle from scratch.
	cachedSerialization []byte

	// boundAddr/boundCtxID are set by Bind and are only meaningful when
	// FlagBound is set.
	boundAddr  na.Address
	boundCtxID uint8

	// regv marks that every segDesc in segs() shares one coalesced NA
	// memory handle rather than owning a private one.
	regv bool

	// eagerData holds the inline payload for a handle decoded from an
	// eager wire descriptor; nil for locally-created handles.
	eagerData []byte

	// allocated retains the Go backing slices for segments this handle
	// itself allocated (CreateAlloc, or an eager Decode's spliced
	// per-segment buffers), so they stay reachable for as long as the
	// handle does even though seg.Base only carries their raw address.
	// Cleared on Free once owner == Owned.
	allocated [][]byte
}

// IsRegv reports whether this handle's segments share a single coalesced
// NA memory-handle registration.
func (h *Handle) IsRegv() bool {
	return h.regv
}

// Layout returns the handle's original segment boundaries in order. The
// transfer planner uses this to avoid issuing a sub-op that straddles a
// segment boundary on either side of a transfer.
func (h *Handle) Layout() []Segment {
	segs := h.segs()
	out := make([]Segment, len(segs))
	for i, d := range segs {
		out[i] = d.seg
	}
	return out
}

// BoundPeer returns the address and context id a Bind-produced handle is
// fixed to. Only meaningful when Flags()&FlagBound != 0.
func (h *Handle) BoundPeer() (na.Address, uint8) {
	return h.boundAddr, h.boundCtxID
}

// MemHandles returns the distinct NA memory handles backing this handle,
// in segment order: a single entry when IsRegv() or there is only one
// segment, otherwise one entry per segment. This is what the wire layer
// walks to emit one HandleBlock per entry.
func (h *Handle) MemHandles() []na.MemHandle {
	segs := h.segs()
	if h.regv || len(segs) == 1 {
		return []na.MemHandle{segs[0].mh}
	}
	out := make([]na.MemHandle, len(segs))
	for i, d := range segs {
		out[i] = d.mh
	}
	return out
}

// MemHandleAt returns the NA memory handle and its offset-within-handle
// covering the byte at absolute offset off, for issuing a sub-op.
func (h *Handle) MemHandleAt(off uint64) (mh na.MemHandle, mhOffset uint64) {
	var consumed uint64
	for _, d := range h.segs() {
		if off < consumed+d.seg.Len {
			if h.regv {
				return d.mh, off // regv handle spans the whole logical range
			}
			return d.mh, off - consumed
		}
		consumed += d.seg.Len
	}
	return nil, 0
}

// segs returns the live segment-descriptor slice, inline or heap-backed.
func (h *Handle) segs() []segDesc {
	if h.nsegs <= inlineSegments {
		return h.segsInline[:h.nsegs]
	}
	return h.segsHeap
}

// NumSegments reports how many segments this handle covers.
func (h *Handle) NumSegments() int {
	return h.nsegs
}

// TotalLen reports the sum of all segment lengths.
func (h *Handle) TotalLen() uint64 {
	return h.totalLen
}

// Permission reports the access mode this handle was created with.
func (h *Handle) Permission() Permission {
	return h.perm
}

// Flags reports the eager/sm/bound bits set on this handle.
func (h *Handle) Flags() Flag {
	return h.flags
}

// IsEager reports whether this handle's bytes are small enough to travel
// inline in the wire descriptor rather than via RMA.
func (h *Handle) IsEager() bool {
	return h.flags&FlagEager != 0
}

// Create registers segs for exposure with the given permission, using
// class to obtain NA memory handles. On partial registration failure,
// already-registered segments are rolled back before returning the error.
func Create(class na.Class, segs []Segment, perm Permission, owner Ownership) (*Handle, error) {
	if len(segs) == 0 {
		return nil, ErrInvalidArgument
	}
	var total uint64
	for _, s := range segs {
		total += s.Len
	}

	h := &Handle{
		refs:       1,
		owner:      owner,
		perm:       perm,
		totalLen:   total,
		class:      class,
		registered: true,
	}

	access := accessFlagsFor(perm)

	// Attempt a single regv registration first when the transport
	// supports coalescing this many segments; fall back to per-segment
	// registration otherwise. Either way every original segment keeps
	// its own segDesc entry so Access() walks true byte ranges; regv
	// collapse is recorded by every entry sharing the same na.MemHandle
	// and by h.regv, which makes MemHandles() report a single entry so
	// the wire descriptor carries one memory-handle block instead of one
	// per segment.
	if max := class.MaxSegments(); max > 0 && uint32(len(segs)) <= max && len(segs) > 1 {
		naSegs := make([]na.Segment, len(segs))
		for i, s := range segs {
			naSegs[i] = na.Segment{Base: s.Base, Len: s.Len}
		}
		mh, err := class.MemHandleCreateSegments(naSegs, access)
		if err == nil {
			if err := class.MemRegister(mh, na.MemoryHost, -1); err != nil {
				class.MemHandleFree(mh)
				return nil, wrapNA(err)
			}
			descs := make([]segDesc, len(segs))
			for i, s := range segs {
				descs[i] = segDesc{seg: s, mh: mh}
			}
			h.setSegs(descs)
			h.regv = true
			if perm == ReadOnly && isEagerSize(total) {
				h.flags |= FlagEager
			}
			return h, nil
		}
	}

	descs := make([]segDesc, 0, len(segs))
	for _, s := range segs {
		mh, err := class.MemHandleCreate(s.Base, s.Len, access)
		if err != nil {
			rollback(class, descs)
			return nil, wrapNA(err)
		}
		if err := class.MemRegister(mh, na.MemoryHost, -1); err != nil {
			class.MemHandleFree(mh)
			rollback(class, descs)
			return nil, wrapNA(err)
		}
		descs = append(descs, segDesc{seg: s, mh: mh})
	}

	h.setSegs(descs)
	if perm == ReadOnly && isEagerSize(total) {
		h.flags |= FlagEager
	}
	return h, nil
}

// Bind is Create followed by fixing the handle to a single peer address
// and context id; the resulting handle may only be used in transfers
// targeting that peer.
func Bind(class na.Class, segs []Segment, perm Permission, owner Ownership, addr na.Address, ctxID uint8) (*Handle, error) {
	h, err := Create(class, segs, perm, owner)
	if err != nil {
		return nil, err
	}
	h.flags |= FlagBound
	h.boundAddr = addr
	h.boundCtxID = ctxID
	return h, nil
}

func (h *Handle) setSegs(descs []segDesc) {
	h.nsegs = len(descs)
	if len(descs) <= inlineSegments {
		copy(h.segsInline[:], descs)
		return
	}
	h.segsHeap = descs
}

func rollback(class na.Class, descs []segDesc) {
	for _, d := range descs {
		_ = class.MemDeregister(d.mh)
		class.MemHandleFree(d.mh)
	}
}

// isEagerSize mirrors the teacher's small-size threshold pattern: handles
// of at most this many bytes are marshaled with their content inlined rather
// than requiring a round trip. Callers must additionally require
// perm == ReadOnly -- eager is only legal for a read-only, host-resident,
// non-virtual handle; a writable handle below the threshold is not made
// eager, it is simply dropped (not an error).
func isEagerSize(n uint64) bool {
	const eagerThreshold = 4096
	return n <= eagerThreshold
}

func accessFlagsFor(p Permission) na.AccessFlags {
	switch p {
	case ReadOnly:
		return na.AccessReadOnly
	case WriteOnly:
		return na.AccessWriteOnly
	default:
		return na.AccessReadWrite
	}
}

// NewDecoded builds a Handle from a peer's already-decoded wire
// descriptor fields. mhs holds one na.MemHandle per entry in segs when
// regv is false, or a single entry shared by every segment when regv is
// true (mirroring Create's own collapse). The result has registered ==
// false: Free never calls back into NA for a handle this process did not
// itself register.
func NewDecoded(segs []Segment, perm Permission, regv bool, mhs []na.MemHandle, addr na.Address, ctxID uint8, eagerData []byte) *Handle {
	var total uint64
	for _, s := range segs {
		total += s.Len
	}

	// An eager descriptor carries its bytes inline rather than a live NA
	// memory handle: splice them into freshly allocated, GC-rooted
	// per-segment buffers and repoint each segment's Base at its own
	// buffer, so Access and the self-path read real memory in this
	// process instead of reinterpreting the origin's Base as a pointer
	// here. owner becomes Owned so Free releases these buffers.
	owner := Borrowed
	var allocated [][]byte
	if eagerData != nil {
		allocated = make([][]byte, len(segs))
		var pos uint64
		for i, s := range segs {
			buf := make([]byte, s.Len)
			if s.Len > 0 {
				copy(buf, eagerData[pos:pos+s.Len])
				segs[i].Base = uint64(uintptr(unsafe.Pointer(&buf[0])))
			}
			pos += s.Len
			allocated[i] = buf
		}
		owner = Owned
	}

	descs := make([]segDesc, len(segs))
	for i, s := range segs {
		mh := mhs[0]
		if !regv && i < len(mhs) {
			mh = mhs[i]
		}
		descs[i] = segDesc{seg: s, mh: mh}
	}

	h := &Handle{
		refs:      1,
		owner:     owner,
		perm:      perm,
		totalLen:  total,
		regv:      regv,
		eagerData: eagerData,
		allocated: allocated,
	}
	h.setSegs(descs)
	if addr != nil {
		h.flags |= FlagBound
		h.boundAddr = addr
		h.boundCtxID = ctxID
	}
	if eagerData != nil {
		h.flags |= FlagEager
	}
	return h
}

// CreateAlloc registers a handle whose segments are allocated and
// zero-filled by this call rather than supplied by the caller -- Create's
// lengths-only mode, spec's alloc flag. Ownership is always Owned, so Free
// releases the backing memory once the last reference drops.
func CreateAlloc(class na.Class, lens []uint64, perm Permission) (*Handle, error) {
	if len(lens) == 0 {
		return nil, ErrInvalidArgument
	}
	segs := make([]Segment, len(lens))
	bufs := make([][]byte, len(lens))
	for i, l := range lens {
		buf := make([]byte, l)
		bufs[i] = buf
		var base uint64
		if l > 0 {
			base = uint64(uintptr(unsafe.Pointer(&buf[0])))
		}
		segs[i] = Segment{Base: base, Len: l}
	}
	h, err := Create(class, segs, perm, Owned)
	if err != nil {
		return nil, err
	}
	h.allocated = bufs
	return h, nil
}

// CreateSM is Create against class, additionally marking the resulting
// handle FlagSM so Engine.Transfer routes it over the shared-memory NA
// class instead of the primary one.
func CreateSM(class na.Class, segs []Segment, perm Permission, owner Ownership) (*Handle, error) {
	h, err := Create(class, segs, perm, owner)
	if err != nil {
		return nil, err
	}
	h.flags |= FlagSM
	return h, nil
}

// EagerData returns the inline payload carried by a handle decoded from
// an eager wire descriptor, or nil if none.
func (h *Handle) EagerData() []byte {
	return h.eagerData
}

// Ref increments the handle's reference count and returns h for chaining.
func (h *Handle) Ref() *Handle {
	atomic.AddInt32(&h.refs, 1)
	return h
}

// Free decrements the reference count, deregistering and releasing all NA
// memory handles once it reaches zero. Handles produced by Decode are not
// registered locally and are simply discarded without touching NA.
func (h *Handle) Free() {
	if atomic.AddInt32(&h.refs, -1) > 0 {
		return
	}
	if h.registered {
		if h.regv {
			mh := h.segs()[0].mh
			_ = h.class.MemDeregister(mh)
			h.class.MemHandleFree(mh)
		} else {
			for _, d := range h.segs() {
				_ = h.class.MemDeregister(d.mh)
				h.class.MemHandleFree(d.mh)
			}
		}
	}
	// A handle this process itself allocated (CreateAlloc, or an eager
	// Decode's spliced buffers) owns that Go memory regardless of whether
	// it was ever NA-registered -- a decoded eager handle never is, but
	// still must release its spliced buffers here.
	if h.owner == Owned {
		h.allocated = nil
	}
}

// RefCount reports the current reference count, for tests.
func (h *Handle) RefCount() int32 {
	return atomic.LoadInt32(&h.refs)
}
