//go:build gioring_na

package simna

import (
	"sync"

	"github.com/pawelgaczynski/giouring"
)

// ringCompletionSource wraps a real io_uring instance whose poke method
// performs one NOP submission round trip. It is compiled only with the
// gioring_na build tag, since it requires a kernel with io_uring support.
// Nothing in simna creates or calls it: with or without the tag, simna
// delivers every completion from a goroutine per transfer.
type ringCompletionSource struct {
	mu   sync.Mutex
	ring *giouring.Ring
}

func newRingCompletionSource(entries uint32) (*ringCompletionSource, error) {
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, err
	}
	return &ringCompletionSource{ring: ring}, nil
}

// poke submits a NOP SQE and waits for its CQE, giving the caller a
// real io_uring round trip to hang a transfer completion off of.
func (r *ringCompletionSource) poke(userData uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sqe := r.ring.GetSQE()
	sqe.PrepareNop()
	sqe.UserData = userData

	if _, err := r.ring.Submit(); err != nil {
		return err
	}
	_, err := r.ring.WaitCQE()
	return err
}

func (r *ringCompletionSource) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring.QueueExit()
}
