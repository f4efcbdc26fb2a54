// Package opid implements the bulk operation-id: the handle an engine
// transfer hands back to its caller, tracking however many NA sub-ops a
// transfer decomposed into and their aggregate outcome.
package opid

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/daos-stack/mercury-bulk/internal/na"
)

// Status is the lifecycle state of an OpID.
type Status int32

const (
	StatusIdle Status = iota
	StatusPending
	StatusCompleted
)

// Outcome is the sticky terminal result of a transfer: the first
// non-success result wins, and it is Success only if every sub-op succeeded.
type Outcome int32

const (
	OutcomeNone Outcome = iota
	OutcomeSuccess
	OutcomeCancelled
	OutcomeError
)

const inlineSubOps = 8

// OpID tracks one in-flight (or completed, pooled-for-reuse) transfer. It
// does not hold a reference to the handle.Handle instances it moves data
// between -- the engine owns that lifecycle and Refs/Frees them directly,
// keeping this package decoupled from handle's API.
type OpID struct {
	pool *Pool

	subInline [inlineSubOps]na.OpID
	subHeap   []na.OpID
	nsub      int32

	expected  int32
	completed int32 // atomic

	status  int32 // atomic, Status
	outcome int32 // atomic, Outcome
	naErrno int32 // first non-zero NA errno observed, for Error outcome

	refs int32 // atomic

	done chan struct{}

	// class records which NA class this op-id's sub-ops were issued
	// against, so Cancel can route to the matching transport instead of
	// always assuming the engine's primary class. Nil for a self-path
	// transfer, which never issues a sub-op at all.
	class na.Class

	// onComplete, if set, fires once after the op-id reaches its
	// terminal state (every expected sub-op has reported). The engine
	// uses this to post a completion entry for later Trigger, or to fire
	// it inline when no RPC-layer completion queue is configured.
	onComplete func(o *OpID)
}

func newOpID() *OpID {
	return &OpID{done: make(chan struct{})}
}

// String identifies o for logging by its address, stable for the
// lifetime of one Get/Release cycle.
func (o *OpID) String() string {
	return fmt.Sprintf("op-%p", o)
}

// Reset prepares o for reuse with expected sub-ops, matching the pool's
// LIFO free-list discipline: callers must not reuse an OpID obtained from
// Get until Release has put it back.
func (o *OpID) reset(expected int32) {
	o.nsub = 0
	o.subHeap = o.subHeap[:0]
	o.expected = expected
	atomic.StoreInt32(&o.completed, 0)
	atomic.StoreInt32(&o.status, int32(StatusPending))
	atomic.StoreInt32(&o.outcome, int32(OutcomeNone))
	atomic.StoreInt32(&o.naErrno, 0)
	atomic.StoreInt32(&o.refs, 1)
	o.done = make(chan struct{})
	o.class = nil
	o.onComplete = nil
}

// SetClass records c as the NA class this op-id's sub-ops are issued
// against.
func (o *OpID) SetClass(c na.Class) { o.class = c }

// Class returns the NA class previously recorded by SetClass, or nil if
// none (a self-path transfer never calls SetClass).
func (o *OpID) Class() na.Class { return o.class }

// SetOnComplete registers fn to run once o reaches its terminal state.
// Must be called before any sub-op can complete, i.e. before AddSubOp or
// CompleteSubOp -- in practice, right after Get.
func (o *OpID) SetOnComplete(fn func(o *OpID)) { o.onComplete = fn }

// AddSubOp records one NA-level sub-operation id belonging to this
// transfer.
func (o *OpID) AddSubOp(id na.OpID) {
	if o.nsub < inlineSubOps {
		o.subInline[o.nsub] = id
	} else {
		o.subHeap = append(o.subHeap, id)
	}
	o.nsub++
}

// SubOps returns every sub-op id recorded so far.
func (o *OpID) SubOps() []na.OpID {
	if o.nsub <= inlineSubOps {
		return o.subInline[:o.nsub]
	}
	return o.subHeap
}

// Status reports the current lifecycle state.
func (o *OpID) Status() Status {
	return Status(atomic.LoadInt32(&o.status))
}

// Outcome reports the sticky terminal outcome, OutcomeNone if not yet
// complete.
func (o *OpID) Outcome() Outcome {
	return Outcome(atomic.LoadInt32(&o.outcome))
}

// NAErrno reports the first NA errno observed on an Error outcome.
func (o *OpID) NAErrno() int32 {
	return atomic.LoadInt32(&o.naErrno)
}

// Done returns a channel closed once the op reaches a terminal outcome.
func (o *OpID) Done() <-chan struct{} {
	return o.done
}

// CompleteSubOp records one sub-op's result, CAS'ing in outcome (sticky:
// the first Cancelled or Error wins over any Success from a sibling
// sub-op, whether reported before or after it), and closes Done
// once every expected sub-op has reported.
func (o *OpID) CompleteSubOp(ret na.ReturnCode, errno int32) {
	var want Outcome
	switch ret {
	case na.Success:
		want = OutcomeSuccess
	case na.Cancelled:
		want = OutcomeCancelled
	default:
		want = OutcomeError
	}

	if want != OutcomeSuccess {
		if atomic.CompareAndSwapInt32(&o.outcome, int32(OutcomeNone), int32(want)) ||
			atomic.CompareAndSwapInt32(&o.outcome, int32(OutcomeSuccess), int32(want)) {
			if want == OutcomeError {
				atomic.StoreInt32(&o.naErrno, errno)
			}
		}
	} else {
		atomic.CompareAndSwapInt32(&o.outcome, int32(OutcomeNone), int32(OutcomeSuccess))
	}

	if atomic.AddInt32(&o.completed, 1) == o.expected {
		atomic.StoreInt32(&o.status, int32(StatusCompleted))
		close(o.done)
		if o.onComplete != nil {
			o.onComplete(o)
		}
	}
}

// Ref increments the op's reference count; the caller that issued the
// transfer and the pool itself may both hold a ref.
func (o *OpID) Ref() *OpID {
	atomic.AddInt32(&o.refs, 1)
	return o
}

// Release drops a reference; once it reaches zero the OpID is returned to
// its pool's free-list for reuse.
func (o *OpID) Release() {
	if atomic.AddInt32(&o.refs, -1) > 0 {
		return
	}
	atomic.StoreInt32(&o.status, int32(StatusIdle))
	o.pool.put(o)
}

// Pool is a LIFO free-list of OpID structs. Get takes the fast path under
// a single mutex (cheap enough in practice to stand in for the
// reference's spinlock); when the free-list is empty, exactly one caller
// grows the pool while the rest wait on a condition variable, so the
// slice backing the free-list is never doubled concurrently.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	free     []*OpID
	growing  bool
	capacity int

	// onGrowth, if set, is invoked (outside the pool's lock) once per
	// completed doubling, e.g. to feed a metrics counter.
	onGrowth func()
}

// SetGrowthObserver registers fn to be called once per pool doubling.
func (p *Pool) SetGrowthObserver(fn func()) {
	p.mu.Lock()
	p.onGrowth = fn
	p.mu.Unlock()
}

const initialCapacity = 16

// NewPool creates an op-id pool pre-populated with an initial batch of
// reusable OpIDs.
func NewPool() *Pool {
	p := &Pool{capacity: initialCapacity}
	p.cond = sync.NewCond(&p.mu)
	p.free = make([]*OpID, 0, initialCapacity)
	for i := 0; i < initialCapacity; i++ {
		o := newOpID()
		o.pool = p
		p.free = append(p.free, o)
	}
	return p
}

// Get returns an OpID ready to track expected sub-ops, growing the pool
// (doubling its capacity) if none are free.
func (p *Pool) Get(expected int32) *OpID {
	p.mu.Lock()
	for len(p.free) == 0 {
		if p.growing {
			p.cond.Wait()
			continue
		}
		p.growing = true
		p.mu.Unlock()

		grown := make([]*OpID, p.capacity)
		for i := range grown {
			o := newOpID()
			o.pool = p
			grown[i] = o
		}

		p.mu.Lock()
		p.free = append(p.free, grown...)
		p.capacity *= 2
		p.growing = false
		onGrowth := p.onGrowth
		p.cond.Broadcast()
		if onGrowth != nil {
			p.mu.Unlock()
			onGrowth()
			p.mu.Lock()
		}
	}

	o := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.mu.Unlock()

	o.reset(expected)
	return o
}

func (p *Pool) put(o *OpID) {
	p.mu.Lock()
	p.free = append(p.free, o)
	p.mu.Unlock()
}

// Len reports the number of immediately-available OpIDs, for tests.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
