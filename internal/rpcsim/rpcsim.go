// Package rpcsim is a minimal stand-in for the RPC/core layer that would
// normally own address resolution, context multiplexing, and a progress
// loop above the bulk engine (spec §1, §6.3). The real RPC layer is out
// of scope; rpcsim exists so engine-level transfers have somewhere to get
// a believable na.Address, an AddressBook to resolve it through, and a
// Trigger loop to drive completions, exactly the way the reference
// implementation's test suite drives mercury_trigger in a loop around
// hg_bulk_transfer.
package rpcsim

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/daos-stack/mercury-bulk/internal/engine"
	"github.com/daos-stack/mercury-bulk/internal/na"
)

// Peer records what a name in a PeerBook resolves to: a stable id, the
// peer's address, its primary NA transport, and an optional
// shared-memory fast-path transport for peers in the same memory domain
// as self.
type Peer struct {
	ID    uuid.UUID
	Addr  na.Address
	NA    na.Class
	SM    na.Class
	hasSM bool
}

// AddressBook resolves a peer address to the NA transport(s) reaching
// it: GetNA is the primary transport every peer has, GetNASM is the
// shared-memory fast path present only for peers reachable that way.
type AddressBook interface {
	IsSelf(addr na.Address) bool
	GetNA(addr na.Address) na.Class
	GetNASM(addr na.Address) (na.Class, bool)
	SerializeSize(addr na.Address) uint64
}

// PeerBook is the reference AddressBook implementation: an in-memory map
// from name to Peer, resolved against self's own NA class for IsSelf and
// address serialization.
type PeerBook struct {
	mu    sync.RWMutex
	self  na.Class
	peers map[string]Peer
}

// NewPeerBook creates a PeerBook whose IsSelf/SerializeSize are relative
// to self.
func NewPeerBook(self na.Class) *PeerBook {
	return &PeerBook{self: self, peers: make(map[string]Peer)}
}

// Register adds or replaces the peer known as name, reachable at addr
// over class and, if sm is non-nil, also over the shared-memory fast
// path sm.
func (b *PeerBook) Register(name string, addr na.Address, class na.Class, sm na.Class) Peer {
	p := Peer{ID: uuid.New(), Addr: addr, NA: class, SM: sm, hasSM: sm != nil}
	b.mu.Lock()
	b.peers[name] = p
	b.mu.Unlock()
	return p
}

// Lookup resolves name to its registered peer, for test convenience.
func (b *PeerBook) Lookup(name string) (Peer, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.peers[name]
	if !ok {
		return Peer{}, fmt.Errorf("rpcsim: unknown peer %q", name)
	}
	return p, nil
}

func (b *PeerBook) byAddr(addr na.Address) (Peer, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range b.peers {
		if p.Addr == addr {
			return p, true
		}
	}
	return Peer{}, false
}

// IsSelf reports whether addr is this book's own address.
func (b *PeerBook) IsSelf(addr na.Address) bool {
	return b.self.IsSelf(addr)
}

// GetNA returns the primary NA class reaching addr, or nil if addr is
// not a registered peer.
func (b *PeerBook) GetNA(addr na.Address) na.Class {
	p, ok := b.byAddr(addr)
	if !ok {
		return nil
	}
	return p.NA
}

// GetNASM returns the shared-memory fast-path NA class reaching addr, if
// one was registered for that peer.
func (b *PeerBook) GetNASM(addr na.Address) (na.Class, bool) {
	p, ok := b.byAddr(addr)
	if !ok || !p.hasSM {
		return nil, false
	}
	return p.SM, true
}

// SerializeSize returns the wire size of addr's byte encoding, the same
// size a bind block's address field would occupy.
func (b *PeerBook) SerializeSize(addr na.Address) uint64 {
	return uint64(len(addr.Bytes()))
}

// Context owns the completion queue a transfer's op-id posts to once it
// reaches its terminal state, and the address book transfers are issued
// against. It implements engine.CompletionQueue so an Engine can be
// configured (via Engine.SetCompletionQueue) to post completions here
// instead of firing them inline.
type Context struct {
	Book AddressBook

	mu      sync.Mutex
	pending []*engine.CompletionEntry
}

// NewContext creates a Context backed by book.
func NewContext(book AddressBook) *Context {
	return &Context{Book: book}
}

// Add enqueues entry for a later Trigger call. Satisfies
// engine.CompletionQueue.
func (c *Context) Add(entry *engine.CompletionEntry) {
	c.mu.Lock()
	c.pending = append(c.pending, entry)
	c.mu.Unlock()
}

// Trigger drains up to max queued completion entries (0 meaning every
// entry currently queued), firing each in turn: invoking its user
// callback if any, then releasing the references Engine.Transfer bumped
// on issue. It returns the number of entries fired, mirroring
// HG_Trigger's return of the actual trigger count.
func (c *Context) Trigger(max int) int {
	c.mu.Lock()
	n := len(c.pending)
	if max > 0 && max < n {
		n = max
	}
	due := c.pending[:n]
	c.pending = c.pending[n:]
	c.mu.Unlock()

	for _, e := range due {
		e.Fire()
	}
	return n
}

// Pending reports how many completion entries are currently queued,
// awaiting a Trigger call.
func (c *Context) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// RunConcurrent fans work out across n goroutines using errgroup, the way
// a test harness exercising several simultaneous transfers against the
// same engine would, and returns the first error encountered (if any)
// after every worker has finished.
func RunConcurrent(ctx context.Context, n int, work func(ctx context.Context, worker int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			return work(gctx, i)
		})
	}
	return g.Wait()
}
