// Package bulk provides the public API for registering memory regions and
// issuing one-sided PUSH/PULL transfers between them, modeled on Mercury's
// bulk-transfer subsystem: register local memory once, describe it with a
// portable handle, serialize that handle onto the wire, and let a peer
// (or this same process, over the loopback reference transport) drive
// data directly into or out of it.
package bulk

import (
	"context"

	"github.com/daos-stack/mercury-bulk/internal/engine"
	"github.com/daos-stack/mercury-bulk/internal/handle"
	"github.com/daos-stack/mercury-bulk/internal/na"
	"github.com/daos-stack/mercury-bulk/internal/na/simna"
	"github.com/daos-stack/mercury-bulk/internal/opid"
	"github.com/daos-stack/mercury-bulk/internal/wire"
)

// Permission mirrors handle.Permission for callers that only import the
// facade package.
type Permission = handle.Permission

const (
	ReadOnly  = handle.ReadOnly
	WriteOnly = handle.WriteOnly
	ReadWrite = handle.ReadWrite
)

// Op mirrors engine.Op.
type Op = engine.Op

const (
	Push = engine.Push
	Pull = engine.Pull
)

// UserCallback is invoked once per transfer, after every sub-op has
// completed, errored, or been cancelled -- either inline as soon as the
// op-id reaches its terminal state, or later from a Trigger call once a
// CompletionQueue is attached via Engine.SetCompletionQueue.
type UserCallback = engine.UserCallback

// CompletionInfo is delivered to a transfer's UserCallback.
type CompletionInfo = engine.CompletionInfo

// CompletionQueue receives a transfer's completion once its op-id
// reaches its terminal state, for later draining by a Trigger loop.
type CompletionQueue = engine.CompletionQueue

// Segment describes one contiguous byte range to register.
type Segment struct {
	Base uint64
	Len  uint64
}

// Handle is an opaque, reference-counted memory descriptor ready to be
// serialized and handed to a peer, or used directly as the local side of
// a Transfer.
type Handle struct {
	h *handle.Handle
}

// OpID tracks one outstanding (or completed) Transfer.
type OpID struct {
	o *opid.OpID
}

// Status reports the OpID's lifecycle state.
func (o *OpID) Status() opid.Status { return o.o.Status() }

// Outcome reports the OpID's sticky terminal outcome.
func (o *OpID) Outcome() opid.Outcome { return o.o.Outcome() }

// Done returns a channel closed once every sub-op has completed.
func (o *OpID) Done() <-chan struct{} { return o.o.Done() }

// Release returns o's resources to its pool. Transfer already arranges
// for this to happen automatically once o's completion fires (inline, or
// from a CompletionQueue's Trigger); callers normally never need to call
// it themselves.
func (o *OpID) Release() { o.o.Release() }

// Engine binds an NA transport and issues transfers across it. The zero
// value is not usable; construct with New or NewLoopback.
type Engine struct {
	e     *engine.Engine
	class na.Class
}

// New creates an Engine over the given NA transport.
func New(class na.Class) *Engine {
	return &Engine{e: engine.New(class), class: class}
}

// NewLoopback creates an Engine over the in-process simna reference
// transport, useful for tests and the CLI demo where there is no real
// second process to talk to.
func NewLoopback(name string) *Engine {
	class := simna.New(name)
	return New(class)
}

// Class exposes the underlying NA transport, mainly so callers can obtain
// its self address to pass as Transfer's remoteAddr for a loopback demo.
func (e *Engine) Class() na.Class { return e.class }

// Metrics returns the Engine's transfer counters.
func (e *Engine) Metrics() *Metrics { return e.e.Metrics() }

// SetSMClass attaches sm as the shared-memory fast-path transport: a
// transfer whose remote handle was created with CreateSM is issued
// against sm instead of the primary class.
func (e *Engine) SetSMClass(sm na.Class) { e.e.SetSMClass(sm) }

// SetCompletionQueue attaches the completion queue a Trigger loop drains.
// Without one, a transfer's completion fires inline as soon as its op-id
// reaches its terminal state.
func (e *Engine) SetCompletionQueue(q CompletionQueue) { e.e.SetCompletionQueue(q) }

// Create registers segs for exposure with perm, copying nothing: segs
// must describe memory this process already owns. owned indicates
// whether Free should be treated as releasing that memory back to the
// registering side's bookkeeping (the NA layer itself never allocates or
// frees application memory either way).
func Create(class na.Class, segs []Segment, perm Permission, owned bool) (*Handle, error) {
	ownership := handle.Borrowed
	if owned {
		ownership = handle.Owned
	}
	naSegs := make([]handle.Segment, len(segs))
	for i, s := range segs {
		naSegs[i] = handle.Segment{Base: s.Base, Len: s.Len}
	}
	h, err := handle.Create(class, naSegs, perm, ownership)
	if err != nil {
		return nil, translateHandleErr(err)
	}
	return &Handle{h: h}, nil
}

// CreateAlloc is Create's lengths-only mode: lens gives just the segment
// sizes, and the handle allocates and zero-fills its own backing memory
// for each one rather than requiring the caller to supply it. The
// resulting handle is always Owned: Free releases the allocated memory.
func CreateAlloc(class na.Class, lens []uint64, perm Permission) (*Handle, error) {
	h, err := handle.CreateAlloc(class, lens, perm)
	if err != nil {
		return nil, translateHandleErr(err)
	}
	return &Handle{h: h}, nil
}

// CreateSM is Create, additionally marking the resulting handle as
// reachable over a shared-memory fast-path transport: a Transfer whose
// remote handle was created this way is routed to whatever NA class was
// attached via Engine.SetSMClass instead of the primary one.
func CreateSM(class na.Class, segs []Segment, perm Permission, owned bool) (*Handle, error) {
	ownership := handle.Borrowed
	if owned {
		ownership = handle.Owned
	}
	naSegs := make([]handle.Segment, len(segs))
	for i, s := range segs {
		naSegs[i] = handle.Segment{Base: s.Base, Len: s.Len}
	}
	h, err := handle.CreateSM(class, naSegs, perm, ownership)
	if err != nil {
		return nil, translateHandleErr(err)
	}
	return &Handle{h: h}, nil
}

// Bind is Create fixed to a single peer address and context id.
func Bind(class na.Class, segs []Segment, perm Permission, owned bool, addr na.Address, ctxID uint8) (*Handle, error) {
	ownership := handle.Borrowed
	if owned {
		ownership = handle.Owned
	}
	naSegs := make([]handle.Segment, len(segs))
	for i, s := range segs {
		naSegs[i] = handle.Segment{Base: s.Base, Len: s.Len}
	}
	h, err := handle.Bind(class, naSegs, perm, ownership, addr, ctxID)
	if err != nil {
		return nil, translateHandleErr(err)
	}
	return &Handle{h: h}, nil
}

// Ref increments h's reference count.
func (h *Handle) Ref() *Handle {
	h.h.Ref()
	return h
}

// Free releases h's reference; once the count reaches zero, every NA
// memory registration it owns is torn down.
func (h *Handle) Free() { h.h.Free() }

// TotalLen reports the sum of h's segment lengths.
func (h *Handle) TotalLen() uint64 { return h.h.TotalLen() }

// Access reads or writes size bytes starting at offset by invoking fn
// once per underlying segment crossed.
func (h *Handle) Access(offset, size uint64, fn func(buf []byte)) error {
	if err := handle.Access(h.h, offset, size, fn); err != nil {
		return translateHandleErr(err)
	}
	return nil
}

// SerializeSize reports how many bytes Serialize will write for h.
func (h *Handle) SerializeSize(class na.Class) uint64 {
	return serializeSize(class, h.h)
}

// Serialize encodes h into buf for transmission to a peer.
func (h *Handle) Serialize(class na.Class, buf []byte) (int, error) {
	return serializeHandle(class, h.h, buf)
}

// Deserialize decodes a handle previously produced by Serialize. The
// returned Handle does not own any NA registration, so Free on it never
// deregisters anything; for an eager descriptor, Free releases the local
// buffers the inline bytes were copied into.
func Deserialize(class na.Class, buf []byte) (*Handle, int, error) {
	h, n, err := deserializeHandle(class, buf)
	if err != nil {
		return nil, 0, err
	}
	return &Handle{h: h}, n, nil
}

// Transfer issues op between local (at localOffset) and remote (at
// remoteOffset) for length bytes, targeting remoteAddr/remoteCtxID. cb,
// if non-nil, is invoked with the transfer's outcome once its op-id
// completes -- inline, unless a CompletionQueue is attached, in which
// case it fires from that queue's next Trigger call instead.
func (e *Engine) Transfer(ctx context.Context, op Op, local *Handle, localOffset uint64, remote *Handle, remoteOffset uint64, length uint64, remoteAddr na.Address, remoteCtxID uint8, cb UserCallback, arg any) (*OpID, error) {
	if local == nil || remote == nil {
		return nil, translateEngineErr(engine.ErrInvalidArgument)
	}
	o, err := e.e.Transfer(ctx, op, local.h, localOffset, remote.h, remoteOffset, length, remoteAddr, remoteCtxID, cb, arg)
	if o == nil {
		if err != nil {
			return nil, translateEngineErr(err)
		}
		return nil, nil
	}
	return &OpID{o: o}, translateEngineErr(err)
}

// TransferBound is Transfer for a remote handle produced by Bind.
func (e *Engine) TransferBound(ctx context.Context, op Op, local *Handle, localOffset uint64, remote *Handle, remoteOffset uint64, length uint64, cb UserCallback, arg any) (*OpID, error) {
	if local == nil || remote == nil {
		return nil, translateEngineErr(engine.ErrInvalidArgument)
	}
	o, err := e.e.TransferBound(ctx, op, local.h, localOffset, remote.h, remoteOffset, length, cb, arg)
	if o == nil {
		if err != nil {
			return nil, translateEngineErr(err)
		}
		return nil, nil
	}
	return &OpID{o: o}, translateEngineErr(err)
}

// TransferWithContext is Transfer with ctx cancellation forwarded to a
// best-effort Cancel of any sub-ops still outstanding.
func (e *Engine) TransferWithContext(ctx context.Context, op Op, local *Handle, localOffset uint64, remote *Handle, remoteOffset uint64, length uint64, remoteAddr na.Address, remoteCtxID uint8, cb UserCallback, arg any) (*OpID, error) {
	if local == nil || remote == nil {
		return nil, translateEngineErr(engine.ErrInvalidArgument)
	}
	o, err := e.e.TransferWithContext(ctx, op, local.h, localOffset, remote.h, remoteOffset, length, remoteAddr, remoteCtxID, cb, arg)
	if err != nil {
		return nil, translateEngineErr(err)
	}
	return &OpID{o: o}, nil
}

// Cancel requests cancellation of every sub-op still outstanding under o.
func (e *Engine) Cancel(o *OpID) error {
	if o == nil {
		return translateEngineErr(engine.ErrInvalidArgument)
	}
	return translateEngineErr(e.e.Cancel(o.o))
}

func serializeSize(class na.Class, h *handle.Handle) uint64 {
	desc := describeForWire(class, h)
	return wire.Size(desc)
}

func serializeHandle(class na.Class, h *handle.Handle, buf []byte) (int, error) {
	desc := describeForWire(class, h)
	return wire.Encode(buf, desc)
}
