package engine

import (
	"github.com/daos-stack/mercury-bulk/internal/handle"
	"github.com/daos-stack/mercury-bulk/internal/opid"
)

// CompletionInfo is delivered to a transfer's user callback by Trigger,
// mirroring hg_bulk_cb_info: the two handles the transfer moved data
// between, its direction and size, and the outcome observed.
type CompletionInfo struct {
	Local     *handle.Handle
	Remote    *handle.Handle
	Direction Op
	Size      uint64
	Outcome   opid.Outcome
	NAErrno   int32
	Arg       any
}

// UserCallback is invoked once per transfer, after every sub-op has
// completed, errored, or been cancelled.
type UserCallback func(info *CompletionInfo)

// CompletionEntry is what a completed op-id hands to a CompletionQueue:
// everything Trigger needs to build a CompletionInfo and release the
// references Transfer took out on issue.
type CompletionEntry struct {
	Op        *opid.OpID
	Local     *handle.Handle
	Remote    *handle.Handle
	Direction Op
	Size      uint64
	UserCB    UserCallback
	Arg       any
}

// Fire invokes the user callback, if any, then releases the reference
// Transfer added to Local, Remote, and Op. Per spec this release must
// happen strictly after the callback returns.
func (e *CompletionEntry) Fire() {
	if e.UserCB != nil {
		e.UserCB(&CompletionInfo{
			Local:     e.Local,
			Remote:    e.Remote,
			Direction: e.Direction,
			Size:      e.Size,
			Outcome:   e.Op.Outcome(),
			NAErrno:   e.Op.NAErrno(),
			Arg:       e.Arg,
		})
	}
	e.Local.Free()
	e.Remote.Free()
	e.Op.Release()
}

// CompletionQueue receives a CompletionEntry once its op-id reaches its
// terminal state, for later draining by a Trigger loop. internal/rpcsim's
// Context is the reference implementation; an Engine with no queue
// configured fires entries inline instead of queuing them.
type CompletionQueue interface {
	Add(entry *CompletionEntry)
}
