package engine

import (
	"time"

	"github.com/daos-stack/mercury-bulk/internal/handle"
	"github.com/daos-stack/mercury-bulk/internal/na"
	"github.com/daos-stack/mercury-bulk/internal/opid"
)

// transferSelf serves a transfer whose remote address is this engine's
// own, without ever calling into NA: it walks both handles' byte ranges
// directly and memcpy's between them. This is the fast path every eager
// Pull and every same-process transfer takes, matching the reference implementation's
// hg_bulk_transfer_segments_self.
func (e *Engine) transferSelf(o *opid.OpID, op Op, local *handle.Handle, localOffset uint64, remote *handle.Handle, remoteOffset uint64, length uint64) (*opid.OpID, error) {
	start := time.Now()

	src, srcOff, dst, dstOff := local, localOffset, remote, remoteOffset
	if op == Pull {
		src, srcOff, dst, dstOff = remote, remoteOffset, local, localOffset
	}

	var copyErr error
	var pos uint64
	err := handle.Access(src, srcOff, length, func(srcBuf []byte) {
		if copyErr != nil {
			return
		}
		n := uint64(len(srcBuf))
		var inner int
		if werr := handle.Access(dst, dstOff+pos, n, func(dstBuf []byte) {
			inner += copy(dstBuf, srcBuf[inner:])
		}); werr != nil {
			copyErr = werr
			return
		}
		pos += n
	})
	if err != nil {
		copyErr = err
	}

	success := copyErr == nil
	e.metrics.RecordTransfer(op == Push, length, uint64(time.Since(start).Nanoseconds()), true, success)
	if !success {
		o.CompleteSubOp(na.Error, 0)
		return o, wrapNA(copyErr)
	}
	o.CompleteSubOp(na.Success, 0)
	return o, nil
}
