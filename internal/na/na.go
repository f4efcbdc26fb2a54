// Package na defines the network-abstraction interface the bulk engine
// consumes: memory registration, one-sided PUT/GET, op-id lifecycle, and
// completion callbacks. The bulk engine never talks to real hardware or
// a specific transport directly; it programs against this interface and
// lets a Class implementation (simna, shmemna, or a real libfabric/verbs
// backed one) fill it in.
package na

import "fmt"

// MemoryType identifies the kind of memory a segment lives in.
type MemoryType uint8

const (
	MemoryHost MemoryType = iota
	MemoryCUDA
	MemoryROCm
)

// AccessFlags mirrors the permission a memory handle was registered with.
type AccessFlags uint8

const (
	AccessReadOnly AccessFlags = 1 << iota
	AccessWriteOnly
	AccessReadWrite
)

// Segment is a (base, len) pair in the registering process's address space.
type Segment struct {
	Base uint64
	Len  uint64
}

// OpFlags are passed to OpCreate; reserved for transport-specific tuning.
type OpFlags uint8

// Address identifies a peer endpoint. Concrete type is owned by the Class
// implementation (e.g. simna's loopback address, shmemna's arena handle).
// Every Address also supports byte-wise marshaling so the wire package can
// pack it into a bind block without depending on any transport package.
type Address interface {
	String() string
	Bytes() []byte
}

// MemHandle is an opaque, transport-owned memory registration handle.
type MemHandle interface {
	// SegmentCount reports how many underlying NA-level sub-handles this
	// memory handle carries (1 for a regv/single-segment registration).
	SegmentCount() int
}

// OpID is an opaque, transport-owned handle for one outstanding PUT/GET.
type OpID interface {
	fmt.Stringer
}

// Context scopes a stream of outstanding operations and their completions
// to one progress loop, the way an hg_context_t does in Mercury.
type Context interface {
	fmt.Stringer
}

// ReturnCode is the outcome NA reports for one completed sub-operation.
type ReturnCode int

const (
	Success ReturnCode = iota
	Cancelled
	Error
)

func (r ReturnCode) String() string {
	switch r {
	case Success:
		return "success"
	case Cancelled:
		return "cancelled"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// CallbackInfo is delivered to a CallbackFunc once per completed sub-op.
type CallbackInfo struct {
	Op      OpID
	Ret     ReturnCode
	NAErrno int32 // opaque transport error code, valid iff Ret == Error
	Arg     any
}

// CallbackFunc is invoked by the transport when a sub-op completes. It may
// be invoked from any goroutine, including synchronously before Put/Get
// returns.
type CallbackFunc func(info *CallbackInfo)

// Class is the NA transport interface required by the bulk engine (spec
// §6.2). Implementations: internal/na/simna (always built, in-process
// loopback) and internal/na/shmemna (the shared-memory fast path).
type Class interface {
	Name() string

	MemHandleCreate(base uint64, len uint64, flags AccessFlags) (MemHandle, error)
	MemHandleCreateSegments(segs []Segment, flags AccessFlags) (MemHandle, error)
	// MaxSegments returns the largest segment count CreateSegments can
	// register as a single (regv) registration, or 0 if unsupported.
	MaxSegments() uint32

	MemRegister(h MemHandle, memType MemoryType, device int32) error
	MemDeregister(h MemHandle) error
	MemHandleFree(h MemHandle)

	SerializeSize(h MemHandle) uint64
	Serialize(buf []byte, h MemHandle) (int, error)
	Deserialize(buf []byte) (h MemHandle, consumed int, err error)

	Put(ctx Context, cb CallbackFunc, arg any, local MemHandle, localOff uint64,
		remote MemHandle, remoteOff uint64, size uint64, remoteAddr Address, remoteCtxID uint8) (OpID, error)
	Get(ctx Context, cb CallbackFunc, arg any, local MemHandle, localOff uint64,
		remote MemHandle, remoteOff uint64, size uint64, remoteAddr Address, remoteCtxID uint8) (OpID, error)

	OpCreate(flags OpFlags) OpID
	OpDestroy(op OpID)
	Cancel(ctx Context, op OpID) error

	IsSelf(addr Address) bool
	NewContext() Context
	// AddressFromBytes reconstructs an Address previously produced by
	// Address.Bytes, for decoding a peer's bind block.
	AddressFromBytes(b []byte) (Address, error)
}
