// Package simna is the always-built, in-process reference NA transport.
// It never touches real hardware or another process's address space;
// Put/Get reconstruct both sides' memory via unsafe.Pointer arithmetic
// over a shared base address the way this codebase's mmap helpers
// reconstruct kernel-shared regions, and complete asynchronously on a
// goroutine so cancellation races are genuinely exercisable in tests.
package simna

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/daos-stack/mercury-bulk/internal/na"
)

var ErrUnknownHandle = errors.New("simna: unknown serialized handle id")

// Address identifies a simna endpoint by process-local name. Two Class
// instances constructed with the same name are considered the same peer
// (IsSelf returns true), modeling loopback.
type Address struct {
	Name string
}

func (a Address) String() string { return "simna://" + a.Name }

func (a Address) Bytes() []byte { return []byte(a.Name) }

// Context scopes completions to one simna progress stream. simna
// delivers each completion directly from a goroutine the transfer
// spawns, so Context carries no state beyond identity.
type Context struct {
	id uint64
}

func (c Context) String() string { return fmt.Sprintf("simna.ctx(%d)", c.id) }

type opID struct {
	id        uint64
	cancelled int32 // atomic
}

func (o *opID) String() string { return fmt.Sprintf("simna.op(%d)", o.id) }

// memHandle is a registered memory region. Each (Base, Len) in segs lets
// Put/Get reconstruct a []byte over that range via unsafe.Pointer; when
// len(segs) > 1, segs is the original vector passed to
// MemHandleCreateSegments for a regv registration.
type memHandle struct {
	id   uint64
	segs []na.Segment
}

func (h *memHandle) SegmentCount() int {
	if len(h.segs) == 0 {
		return 1
	}
	return len(h.segs)
}

func (h *memHandle) bytesAt(off, size uint64) []byte {
	// Locate the (base,len) pair covering [off, off+size) across the
	// handle's segment vector, treating it as one logical contiguous
	// range the way a regv registration exposes itself to the caller.
	var consumed uint64
	for _, s := range h.segs {
		if off < consumed+s.Len {
			local := off - consumed
			base := s.Base + local
			return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(base))), size)
		}
		consumed += s.Len
	}
	return nil
}

var idCounter uint64

func nextID() uint64 { return atomic.AddUint64(&idCounter, 1) }

// registry maps a serialized handle id back to its memHandle, standing in
// for the out-of-band exchange a real RDMA transport performs via the
// wire; valid only within a single process, which is all a loopback
// reference transport needs to support.
var registry sync.Map // uint64 -> *memHandle

// Class is the simna NA transport. The zero value is not usable; use New.
type Class struct {
	name string
	self Address

	pending sync.Map // uint64 -> *opID
}

// New creates a simna transport identified by name. Two Classes sharing
// a name are mutually "self" for IsSelf purposes.
func New(name string) *Class {
	return &Class{name: name, self: Address{Name: name}}
}

func (c *Class) Name() string { return "simna:" + c.name }

func (c *Class) Address() Address { return c.self }

func (c *Class) MemHandleCreate(base uint64, length uint64, flags na.AccessFlags) (na.MemHandle, error) {
	return &memHandle{id: nextID(), segs: []na.Segment{{Base: base, Len: length}}}, nil
}

func (c *Class) MemHandleCreateSegments(segs []na.Segment, flags na.AccessFlags) (na.MemHandle, error) {
	cp := make([]na.Segment, len(segs))
	copy(cp, segs)
	return &memHandle{id: nextID(), segs: cp}, nil
}

// MaxSegments reports simna can coalesce arbitrarily large segment
// vectors into a single regv registration.
func (c *Class) MaxSegments() uint32 { return 1 << 20 }

func (c *Class) MemRegister(h na.MemHandle, memType na.MemoryType, device int32) error {
	mh := h.(*memHandle)
	registry.Store(mh.id, mh)
	return nil
}

func (c *Class) MemDeregister(h na.MemHandle) error {
	mh := h.(*memHandle)
	registry.Delete(mh.id)
	return nil
}

func (c *Class) MemHandleFree(h na.MemHandle) {}

// SerializeSize returns 8 (handle id) + 4 (seg count) + 16*N (segs).
func (c *Class) SerializeSize(h na.MemHandle) uint64 {
	mh := h.(*memHandle)
	return 8 + 4 + uint64(len(mh.segs))*16
}

func (c *Class) Serialize(buf []byte, h na.MemHandle) (int, error) {
	mh := h.(*memHandle)
	need := int(c.SerializeSize(h))
	if len(buf) < need {
		return 0, errors.New("simna: serialize buffer too short")
	}
	binary.LittleEndian.PutUint64(buf[0:8], mh.id)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(mh.segs)))
	off := 12
	for _, s := range mh.segs {
		binary.LittleEndian.PutUint64(buf[off:off+8], s.Base)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], s.Len)
		off += 16
	}
	return off, nil
}

func (c *Class) Deserialize(buf []byte) (na.MemHandle, int, error) {
	if len(buf) < 12 {
		return nil, 0, errors.New("simna: deserialize buffer too short")
	}
	id := binary.LittleEndian.Uint64(buf[0:8])
	n := int(binary.LittleEndian.Uint32(buf[8:12]))
	off := 12
	segs := make([]na.Segment, n)
	for i := 0; i < n; i++ {
		if off+16 > len(buf) {
			return nil, 0, errors.New("simna: deserialize truncated")
		}
		segs[i].Base = binary.LittleEndian.Uint64(buf[off : off+8])
		segs[i].Len = binary.LittleEndian.Uint64(buf[off+8 : off+16])
		off += 16
	}
	// The id is used only to correlate with a locally-known registration
	// (e.g. in single-process test harnesses); a genuinely remote peer's
	// handle is addressed purely by the segs reconstructed above.
	if _, ok := registry.Load(id); !ok {
		registry.Store(id, &memHandle{id: id, segs: segs})
	}
	return &memHandle{id: id, segs: segs}, off, nil
}

func (c *Class) NewContext() na.Context {
	return Context{id: nextID()}
}

func (c *Class) IsSelf(addr na.Address) bool {
	a, ok := addr.(Address)
	return ok && a.Name == c.name
}

func (c *Class) AddressFromBytes(b []byte) (na.Address, error) {
	return Address{Name: string(b)}, nil
}

func (c *Class) OpCreate(flags na.OpFlags) na.OpID {
	o := &opID{id: nextID()}
	c.pending.Store(o.id, o)
	return o
}

func (c *Class) OpDestroy(op na.OpID) {
	o := op.(*opID)
	c.pending.Delete(o.id)
}

func (c *Class) Cancel(ctx na.Context, op na.OpID) error {
	o := op.(*opID)
	atomic.StoreInt32(&o.cancelled, 1)
	return nil
}

// transferDelay gives Cancel a real window to race a completing Put/Get
// in tests; it is intentionally tiny so normal transfers still feel
// synchronous.
const transferDelay = 200 * time.Microsecond

func (c *Class) Put(ctx na.Context, cb na.CallbackFunc, arg any, local na.MemHandle, localOff uint64,
	remote na.MemHandle, remoteOff uint64, size uint64, remoteAddr na.Address, remoteCtxID uint8) (na.OpID, error) {
	return c.transfer(cb, arg, local, localOff, remote, remoteOff, size, true)
}

func (c *Class) Get(ctx na.Context, cb na.CallbackFunc, arg any, local na.MemHandle, localOff uint64,
	remote na.MemHandle, remoteOff uint64, size uint64, remoteAddr na.Address, remoteCtxID uint8) (na.OpID, error) {
	return c.transfer(cb, arg, local, localOff, remote, remoteOff, size, false)
}

func (c *Class) transfer(cb na.CallbackFunc, arg any, local na.MemHandle, localOff uint64,
	remote na.MemHandle, remoteOff uint64, size uint64, isPut bool) (na.OpID, error) {
	o := &opID{id: nextID()}
	c.pending.Store(o.id, o)

	go func() {
		time.Sleep(transferDelay)

		info := &na.CallbackInfo{Op: o, Arg: arg}
		if atomic.LoadInt32(&o.cancelled) != 0 {
			info.Ret = na.Cancelled
		} else {
			lh := local.(*memHandle)
			rh := remote.(*memHandle)
			lb := lh.bytesAt(localOff, size)
			rb := rh.bytesAt(remoteOff, size)
			if isPut {
				copy(rb, lb)
			} else {
				copy(lb, rb)
			}
			info.Ret = na.Success
		}
		cb(info)
	}()

	return o, nil
}
