// Package engine implements the bulk transfer state machine: planning a
// minimal set of NA sub-operations across two handles' segment lists,
// issuing them, and aggregating their completions into one op-id.
package engine

import (
	"context"
	"errors"

	"github.com/daos-stack/mercury-bulk/internal/handle"
	"github.com/daos-stack/mercury-bulk/internal/logging"
	"github.com/daos-stack/mercury-bulk/internal/metrics"
	"github.com/daos-stack/mercury-bulk/internal/na"
	"github.com/daos-stack/mercury-bulk/internal/opid"
)

// Op is the transfer direction: Push writes into the remote handle
// (PUT), Pull reads from it (GET).
type Op int

const (
	Push Op = iota
	Pull
)

var (
	ErrInvalidArgument = errors.New("engine: invalid argument")
	ErrPermission      = errors.New("engine: permission denied for requested direction")
	ErrOverflow        = errors.New("engine: offset+length exceeds handle size")
	ErrOpNotSupported  = errors.New("engine: operation not supported by transport")
	ErrCancelled       = errors.New("engine: transfer cancelled")
	ErrProtocol        = errors.New("engine: protocol error")
)

// Engine binds one NA class and context to a progress stream and issues
// transfers across it.
type Engine struct {
	class   na.Class
	ctx     na.Context
	pool    *opid.Pool
	log     *logging.Logger
	metrics *metrics.Metrics

	// smClass/smCtx are the optional shared-memory fast-path transport.
	// When set, a transfer whose remote (origin) handle carries
	// handle.FlagSM is issued against these instead of class/ctx.
	smClass na.Class
	smCtx   na.Context

	// cq receives a CompletionEntry once a transfer's op-id reaches its
	// terminal state. Nil means no RPC-layer progress loop is attached;
	// entries fire inline instead of waiting for a Trigger call.
	cq CompletionQueue
}

// New creates an Engine bound to class, with its own context and op-id
// pool.
func New(class na.Class) *Engine {
	e := &Engine{
		class:   class,
		ctx:     class.NewContext(),
		pool:    opid.NewPool(),
		log:     logging.Default().WithPeer(class.Name()),
		metrics: metrics.NewMetrics(),
	}
	e.pool.SetGrowthObserver(func() { e.metrics.RecordPoolGrowth() })
	return e
}

// SetLogger overrides the Engine's logger, e.g. to route transfer
// tracing into a caller-supplied sink instead of the package default.
func (e *Engine) SetLogger(l *logging.Logger) {
	if l == nil {
		l = logging.Default()
	}
	e.log = l.WithPeer(e.class.Name())
}

// Metrics returns the Engine's counters.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// SetMetrics overrides the Engine's metrics sink, e.g. to aggregate
// several engines into one shared Metrics instance.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	if m == nil {
		m = metrics.NewMetrics()
	}
	e.metrics = m
}

// SetSMClass attaches sm as the shared-memory fast-path transport: a
// transfer whose remote handle carries handle.FlagSM is issued against
// sm instead of the primary class.
func (e *Engine) SetSMClass(sm na.Class) {
	e.smClass = sm
	if sm != nil {
		e.smCtx = sm.NewContext()
	} else {
		e.smCtx = nil
	}
}

// SetCompletionQueue attaches the RPC-layer completion queue a Trigger
// loop drains. Without one, a transfer's completion entry fires inline
// as soon as its op-id reaches its terminal state.
func (e *Engine) SetCompletionQueue(q CompletionQueue) {
	e.cq = q
}

// attachCompletion bumps local/remote's reference counts for the
// duration of the transfer -- so a concurrent Free from the owner cannot
// drop either handle to zero while sub-ops are still in flight -- and
// wires o's completion to fire the user callback (if any) and release
// those references, either inline or via the configured CompletionQueue.
func (e *Engine) attachCompletion(o *opid.OpID, op Op, local, remote *handle.Handle, length uint64, cb UserCallback, arg any) {
	local.Ref()
	remote.Ref()
	entry := &CompletionEntry{Op: o, Local: local, Remote: remote, Direction: op, Size: length, UserCB: cb, Arg: arg}
	o.SetOnComplete(func(*opid.OpID) {
		if e.cq != nil {
			e.cq.Add(entry)
			return
		}
		entry.Fire()
	})
}

// Transfer issues op (Push/Pull) of length bytes between local (at
// localOffset) and remote (at remoteOffset), targeting remoteAddr with
// remoteCtxID. It validates arguments, short-circuits same-process /
// eager transfers through a memcpy fast path, and otherwise plans and
// issues the minimal set of NA sub-operations the two segment lists
// require.
//
// If any individual sub-op fails to issue, Transfer returns that NA
// error immediately without waiting for or cancelling sub-ops already
// accepted by the transport; those continue independently and their
// outcome is discarded since the caller never receives an OpID to
// observe them through. This is the simpler of the two policies
// considered: a caller that needs all-or-nothing semantics across a
// multi-segment transfer should pre-validate with a dry-run plan rather
// than rely on partial-issue rollback here.
func (e *Engine) Transfer(ctx context.Context, op Op, local *handle.Handle, localOffset uint64,
	remote *handle.Handle, remoteOffset uint64, length uint64, remoteAddr na.Address, remoteCtxID uint8,
	cb UserCallback, arg any) (*opid.OpID, error) {
	if local == nil || remote == nil {
		return nil, ErrInvalidArgument
	}
	if length == 0 {
		return nil, ErrInvalidArgument
	}
	if localOffset+length < localOffset || remoteOffset+length < remoteOffset {
		return nil, ErrOverflow
	}
	if localOffset+length > local.TotalLen() || remoteOffset+length > remote.TotalLen() {
		return nil, ErrOverflow
	}

	if err := checkPermission(op, local, remote); err != nil {
		return nil, err
	}

	selfEager := op == Pull && remote.Flags()&handle.FlagEager != 0
	if e.class.IsSelf(remoteAddr) || selfEager {
		e.log.WithOp(opName(op)).Debug("self-path transfer", "bytes", length, "eager", selfEager)
		o := e.pool.Get(1)
		e.attachCompletion(o, op, local, remote, length, cb, arg)
		return e.transferSelf(o, op, local, localOffset, remote, remoteOffset, length)
	}

	naClass, naCtx := e.class, e.ctx
	if e.smClass != nil && remote.Flags()&handle.FlagSM != 0 {
		naClass, naCtx = e.smClass, e.smCtx
	}

	plan, err := planTransfer(local, localOffset, remote, remoteOffset, length)
	if err != nil {
		return nil, err
	}

	o := e.pool.Get(int32(len(plan)))
	o.SetClass(naClass)
	e.attachCompletion(o, op, local, remote, length, cb, arg)
	opLog := e.log.WithOp(opName(op)).WithTransfer(o.String())
	opLog.Debug("issuing transfer", "bytes", length, "steps", len(plan))

	for _, step := range plan {
		subOp, err := e.issueStep(naClass, naCtx, op, step, remoteAddr, remoteCtxID, o)
		if err != nil {
			opLog.WithError(err).Warn("sub-op issue failed")
			// Sub-ops already accepted continue independently and are
			// absorbed by the aggregator, but since expected != the
			// count actually issued here, completed will never reach
			// expected and the completion the two refs below are tied
			// to would never fire -- release them now rather than pin
			// local/remote forever.
			local.Free()
			remote.Free()
			return nil, wrapNA(err)
		}
		o.AddSubOp(subOp)
	}

	return o, nil
}

func opName(op Op) string {
	if op == Pull {
		return "pull"
	}
	return "push"
}

// TransferBound is Transfer for a handle produced by handle.Bind: the
// peer address and context id travel with the handle instead of being
// passed at call time.
func (e *Engine) TransferBound(ctx context.Context, op Op, local *handle.Handle, localOffset uint64,
	remote *handle.Handle, remoteOffset uint64, length uint64, cb UserCallback, arg any) (*opid.OpID, error) {
	if remote.Flags()&handle.FlagBound == 0 {
		return nil, ErrInvalidArgument
	}
	addr, ctxID := remote.BoundPeer()
	return e.Transfer(ctx, op, local, localOffset, remote, remoteOffset, length, addr, ctxID, cb, arg)
}

// TransferWithContext is Transfer with an explicit deadline/cancellation
// propagated to NA's own Cancel path if ctx is done before completion is
// observed by the caller via opid.OpID.Done.
func (e *Engine) TransferWithContext(ctx context.Context, op Op, local *handle.Handle, localOffset uint64,
	remote *handle.Handle, remoteOffset uint64, length uint64, remoteAddr na.Address, remoteCtxID uint8,
	cb UserCallback, arg any) (*opid.OpID, error) {
	o, err := e.Transfer(ctx, op, local, localOffset, remote, remoteOffset, length, remoteAddr, remoteCtxID, cb, arg)
	if err != nil {
		return nil, err
	}
	go func() {
		select {
		case <-ctx.Done():
			e.Cancel(o)
		case <-o.Done():
		}
	}()
	return o, nil
}

// Cancel requests cancellation of every sub-op still outstanding under o.
// Sub-ops that have already completed are unaffected; per spec this may
// still result in Outcome == OutcomeSuccess if every sub-op had already
// finished by the time Cancel reached the transport.
func (e *Engine) Cancel(o *opid.OpID) error {
	e.log.WithTransfer(o.String()).Info("cancel requested")
	e.metrics.RecordCancellation()

	class, ctx := e.class, e.ctx
	if c := o.Class(); c != nil && c == e.smClass {
		class, ctx = e.smClass, e.smCtx
	}

	var firstErr error
	for _, sub := range o.SubOps() {
		if err := class.Cancel(ctx, sub); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func checkPermission(op Op, local, remote *handle.Handle) error {
	switch op {
	case Push:
		if !local.Permission().AllowsRead() || !remote.Permission().AllowsWrite() {
			return ErrPermission
		}
	case Pull:
		if !local.Permission().AllowsWrite() || !remote.Permission().AllowsRead() {
			return ErrPermission
		}
	default:
		return ErrInvalidArgument
	}
	return nil
}

func wrapNA(err error) error {
	return &naError{inner: err}
}

type naError struct{ inner error }

func (e *naError) Error() string { return "engine: na error: " + e.inner.Error() }
func (e *naError) Unwrap() error { return e.inner }
