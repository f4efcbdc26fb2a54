package engine

import (
	"time"

	"github.com/daos-stack/mercury-bulk/internal/na"
	"github.com/daos-stack/mercury-bulk/internal/opid"
)

// issueStep issues one planned sub-op against NA and returns its op-id.
// The completion callback closes over o and reports straight into it, so
// by the time every step has been issued, o already aggregates whichever
// sub-ops have completed synchronously (shmemna completes inline; simna
// completes later on a goroutine per sub-op).
func (e *Engine) issueStep(naClass na.Class, naCtx na.Context, op Op, s step, remoteAddr na.Address, remoteCtxID uint8, o *opid.OpID) (na.OpID, error) {
	start := time.Now()
	cb := func(info *na.CallbackInfo) {
		e.metrics.RecordTransfer(op == Push, s.length, uint64(time.Since(start).Nanoseconds()), false, info.Ret == na.Success)
		o.CompleteSubOp(info.Ret, info.NAErrno)
	}
	e.metrics.RecordIssue()

	switch op {
	case Push:
		return naClass.Put(naCtx, cb, nil, s.localMH, s.localMHOff, s.remoteMH, s.remoteMHOff, s.length, remoteAddr, remoteCtxID)
	case Pull:
		return naClass.Get(naCtx, cb, nil, s.localMH, s.localMHOff, s.remoteMH, s.remoteMHOff, s.length, remoteAddr, remoteCtxID)
	default:
		return nil, ErrInvalidArgument
	}
}
