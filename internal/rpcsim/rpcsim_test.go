package rpcsim

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daos-stack/mercury-bulk/internal/engine"
	"github.com/daos-stack/mercury-bulk/internal/handle"
	"github.com/daos-stack/mercury-bulk/internal/na/simna"
)

func TestRegisterLookupRoundTrip(t *testing.T) {
	self := simna.New("self")
	book := NewPeerBook(self)
	peerClass := simna.New("peerA")

	registered := book.Register("peerA", peerClass.Address(), peerClass, nil)
	found, err := book.Lookup("peerA")
	require.NoError(t, err)
	assert.Equal(t, registered.ID, found.ID)
	assert.Equal(t, peerClass.Address(), found.Addr)
}

func TestLookupUnknownPeerFails(t *testing.T) {
	book := NewPeerBook(simna.New("self"))
	_, err := book.Lookup("ghost")
	assert.Error(t, err)
}

func TestGetNAResolvesRegisteredPeer(t *testing.T) {
	self := simna.New("self")
	book := NewPeerBook(self)
	peerClass := simna.New("peerA")
	book.Register("peerA", peerClass.Address(), peerClass, nil)

	got := book.GetNA(peerClass.Address())
	require.NotNil(t, got)
	assert.Same(t, peerClass, got)

	_, ok := book.GetNASM(peerClass.Address())
	assert.False(t, ok)
}

func TestGetNASMResolvesSharedMemoryPeer(t *testing.T) {
	self := simna.New("self")
	book := NewPeerBook(self)
	peerClass := simna.New("peerB")
	smClass := simna.New("peerB-sm")
	book.Register("peerB", peerClass.Address(), peerClass, smClass)

	sm, ok := book.GetNASM(peerClass.Address())
	require.True(t, ok)
	assert.Same(t, smClass, sm)
}

func TestIsSelfMatchesOwnAddress(t *testing.T) {
	self := simna.New("self")
	book := NewPeerBook(self)
	assert.True(t, book.IsSelf(self.Address()))

	other := simna.New("other")
	assert.False(t, book.IsSelf(other.Address()))
}

func TestContextTriggerFiresQueuedEntry(t *testing.T) {
	self := simna.New("self")
	book := NewPeerBook(self)
	ctx := NewContext(book)
	e := engine.New(self)
	e.SetCompletionQueue(ctx)

	local, err := handle.CreateAlloc(self, []uint64{8}, handle.ReadWrite)
	require.NoError(t, err)
	remote, err := handle.CreateAlloc(self, []uint64{8}, handle.ReadWrite)
	require.NoError(t, err)

	var fired int32
	_, err = e.Transfer(context.Background(), engine.Push, local, 0, remote, 0, 8, self.Address(), 0,
		func(info *engine.CompletionInfo) { atomic.AddInt32(&fired, 1) }, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, ctx.Pending())
	n := ctx.Trigger(0)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
	assert.Equal(t, 0, ctx.Pending())
}

func TestRunConcurrentRunsEveryWorker(t *testing.T) {
	var count int64
	err := RunConcurrent(context.Background(), 8, func(ctx context.Context, worker int) error {
		atomic.AddInt64(&count, 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(8), count)
}

func TestRunConcurrentPropagatesFirstError(t *testing.T) {
	boom := errors.New("worker failed")
	err := RunConcurrent(context.Background(), 4, func(ctx context.Context, worker int) error {
		if worker == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
}
