// Package shmemna implements the shared-memory ("sm") bulk transport: an
// anonymous mmap'd arena that two classes in the same memory domain can
// both address, modeling the eager/sm fast path Mercury uses when a
// transfer's endpoints share physical memory. Grounded on the teacher's
// mmap/unsafe.Pointer reconstruction pattern for shared kernel regions.
package shmemna

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/daos-stack/mercury-bulk/internal/na"
)

var (
	ErrArenaExhausted = errors.New("shmemna: arena exhausted")
	ErrOutOfRange     = errors.New("shmemna: offset out of arena range")
)

// Address identifies an shmemna peer sharing this process's arena.
type Address struct {
	Name string
}

func (a Address) String() string { return "shmemna://" + a.Name }
func (a Address) Bytes() []byte  { return []byte(a.Name) }

type Context struct{ id uint64 }

func (c Context) String() string { return fmt.Sprintf("shmemna.ctx(%d)", c.id) }

type opID struct {
	id        uint64
	cancelled int32
}

func (o *opID) String() string { return fmt.Sprintf("shmemna.op(%d)", o.id) }

// memHandle addresses a [offset, offset+len) window of the shared arena
// by offset rather than by raw pointer, since the arena's base address
// may differ across mapping processes even though the backing pages are
// shared.
type memHandle struct {
	offset uint64
	length uint64
}

func (h *memHandle) SegmentCount() int { return 1 }

var idCounter uint64

func nextID() uint64 { return atomic.AddUint64(&idCounter, 1) }

// Class is the shmemna NA transport, backed by one anonymous shared
// mapping per process. A real deployment would name the mapping (e.g.
// via memfd) so a peer process could attach to the same pages; this
// reference transport keeps everything in one process like simna, using
// the arena only to model sm's offset-addressed access pattern.
type Class struct {
	name string
	self Address

	mu     sync.Mutex
	arena  []byte
	cursor uint64

	pending sync.Map
}

const defaultArenaSize = 64 << 20 // 64MiB

// New creates an shmemna transport with a freshly mmap'd arena.
func New(name string) (*Class, error) {
	arena, err := unix.Mmap(-1, 0, defaultArenaSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &Class{name: name, self: Address{Name: name}, arena: arena}, nil
}

// Close unmaps the arena. Safe to call once all handles registered
// against this Class have been deregistered.
func (c *Class) Close() error {
	return unix.Munmap(c.arena)
}

func (c *Class) Name() string { return "shmemna:" + c.name }

// alloc reserves a len-byte window in the arena, bump-allocator style.
// The arena is never compacted; shmemna is a test/demo transport, not a
// production allocator.
func (c *Class) alloc(length uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cursor+length > uint64(len(c.arena)) {
		return 0, ErrArenaExhausted
	}
	off := c.cursor
	c.cursor += length
	return off, nil
}

func (c *Class) bytesAt(off, length uint64) []byte {
	return c.arena[off : off+length]
}

// ReadAt copies size bytes starting at h's arena offset into a new
// slice, for callers observing shared-memory content without a real
// peer process attached on the other side (tests).
func (c *Class) ReadAt(h na.MemHandle, size uint64) []byte {
	mh := h.(*memHandle)
	out := make([]byte, size)
	copy(out, c.bytesAt(mh.offset, size))
	return out
}

// WriteAt copies data into h's arena window starting at its own offset,
// for seeding test fixtures before a transfer runs.
func (c *Class) WriteAt(h na.MemHandle, data []byte) {
	mh := h.(*memHandle)
	copy(c.bytesAt(mh.offset, uint64(len(data))), data)
}

// Ptr exposes the arena-relative address of off as a uint64 live pointer.
// Nothing in this module calls it, and MemHandleCreate ignores the base it
// is given, always allocating a fresh arena window.
func (c *Class) Ptr(off uint64) uint64 {
	return uint64(uintptr(unsafe.Pointer(&c.arena[off])))
}

func (c *Class) MemHandleCreate(base uint64, length uint64, flags na.AccessFlags) (na.MemHandle, error) {
	off, err := c.alloc(length)
	if err != nil {
		return nil, err
	}
	return &memHandle{offset: off, length: length}, nil
}

func (c *Class) MemHandleCreateSegments(segs []na.Segment, flags na.AccessFlags) (na.MemHandle, error) {
	var total uint64
	for _, s := range segs {
		total += s.Len
	}
	return c.MemHandleCreate(0, total, flags)
}

func (c *Class) MaxSegments() uint32 { return 1 << 16 }

func (c *Class) MemRegister(h na.MemHandle, memType na.MemoryType, device int32) error { return nil }
func (c *Class) MemDeregister(h na.MemHandle) error                                    { return nil }
func (c *Class) MemHandleFree(h na.MemHandle)                                          {}

func (c *Class) SerializeSize(h na.MemHandle) uint64 { return 16 }

func (c *Class) Serialize(buf []byte, h na.MemHandle) (int, error) {
	mh := h.(*memHandle)
	if len(buf) < 16 {
		return 0, errors.New("shmemna: serialize buffer too short")
	}
	binary.LittleEndian.PutUint64(buf[0:8], mh.offset)
	binary.LittleEndian.PutUint64(buf[8:16], mh.length)
	return 16, nil
}

func (c *Class) Deserialize(buf []byte) (na.MemHandle, int, error) {
	if len(buf) < 16 {
		return nil, 0, errors.New("shmemna: deserialize buffer too short")
	}
	off := binary.LittleEndian.Uint64(buf[0:8])
	length := binary.LittleEndian.Uint64(buf[8:16])
	if off+length > uint64(len(c.arena)) {
		return nil, 0, ErrOutOfRange
	}
	return &memHandle{offset: off, length: length}, 16, nil
}

func (c *Class) NewContext() na.Context { return Context{id: nextID()} }

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
	atomic.StoreInt32(&op.(*opID).cancelled, 1)
	return nil
}

func (c *Class) Put(ctx na.Context, cb na.CallbackFunc, arg any, local na.MemHandle, localOff uint64,
	remote na.MemHandle, remoteOff uint64, size uint64, remoteAddr na.Address, remoteCtxID uint8) (na.OpID, error) {
	return c.transfer(cb, arg, local, localOff, remote, remoteOff, size, true)
}

func (c *Class) Get(ctx na.Context, cb na.CallbackFunc, arg any, local na.MemHandle, localOff uint64,
	remote na.MemHandle, remoteOff uint64, size uint64, remoteAddr na.Address, remoteCtxID uint8) (na.OpID, error) {
	return c.transfer(cb, arg, local, localOff, remote, remoteOff, size, false)
}

// transfer completes synchronously: a shared-memory copy within one
// arena has no network round trip to race a Cancel against.
func (c *Class) transfer(cb na.CallbackFunc, arg any, local na.MemHandle, localOff uint64,
	remote na.MemHandle, remoteOff uint64, size uint64, isPut bool) (na.OpID, error) {
	o := &opID{id: nextID()}

	lh := local.(*memHandle)
	rh := remote.(*memHandle)
	lb := c.bytesAt(lh.offset+localOff, size)
	rb := c.bytesAt(rh.offset+remoteOff, size)
	if isPut {
		copy(rb, lb)
	} else {
		copy(lb, rb)
	}

	cb(&na.CallbackInfo{Op: o, Ret: na.Success, Arg: arg})
	return o, nil
}
