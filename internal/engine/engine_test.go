package engine

import (
	"context"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daos-stack/mercury-bulk/internal/handle"
	"github.com/daos-stack/mercury-bulk/internal/na/shmemna"
	"github.com/daos-stack/mercury-bulk/internal/na/simna"
	"github.com/daos-stack/mercury-bulk/internal/opid"
)

func registerBuf(t *testing.T, class *simna.Class, n int, perm handle.Permission) (*handle.Handle, []byte) {
	t.Helper()
	buf := make([]byte, n)
	base := uint64(uintptr(unsafe.Pointer(&buf[0])))
	h, err := handle.Create(class, []handle.Segment{{Base: base, Len: uint64(n)}}, perm, handle.Borrowed)
	require.NoError(t, err)
	return h, buf
}

func TestTransferSelfPathCopiesBytes(t *testing.T) {
	class := simna.New("a")
	e := New(class)

	src, srcBuf := registerBuf(t, class, 256, handle.ReadOnly)
	dst, dstBuf := registerBuf(t, class, 256, handle.WriteOnly)
	for i := range srcBuf {
		srcBuf[i] = byte(i)
	}
	defer src.Free()
	defer dst.Free()

	o, err := e.Transfer(context.Background(), Push, src, 0, dst, 0, 256, class.Address(), 0, nil, nil)
	require.NoError(t, err)
	<-o.Done()
	assert.Equal(t, opid.OutcomeSuccess, o.Outcome())
	assert.Equal(t, srcBuf, dstBuf)
}

func TestTransferPullDirection(t *testing.T) {
	class := simna.New("b")
	e := New(class)

	local, localBuf := registerBuf(t, class, 64, handle.WriteOnly)
	remote, remoteBuf := registerBuf(t, class, 64, handle.ReadOnly)
	for i := range remoteBuf {
		remoteBuf[i] = byte(255 - i)
	}
	defer local.Free()
	defer remote.Free()

	o, err := e.Transfer(context.Background(), Pull, local, 0, remote, 0, 64, class.Address(), 0, nil, nil)
	require.NoError(t, err)
	<-o.Done()
	assert.Equal(t, remoteBuf, localBuf)
}

func TestTransferRejectsPermissionMismatch(t *testing.T) {
	class := simna.New("c")
	e := New(class)

	src, _ := registerBuf(t, class, 32, handle.WriteOnly) // not readable
	dst, _ := registerBuf(t, class, 32, handle.WriteOnly)
	defer src.Free()
	defer dst.Free()

	_, err := e.Transfer(context.Background(), Push, src, 0, dst, 0, 32, class.Address(), 0, nil, nil)
	assert.ErrorIs(t, err, ErrPermission)
}

func TestTransferRejectsOverflow(t *testing.T) {
	class := simna.New("d")
	e := New(class)
	src, _ := registerBuf(t, class, 32, handle.ReadWrite)
	dst, _ := registerBuf(t, class, 32, handle.ReadWrite)
	defer src.Free()
	defer dst.Free()

	_, err := e.Transfer(context.Background(), Push, src, 16, dst, 0, 32, class.Address(), 0, nil, nil)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestPlanTransferShortCircuitsSingleSegmentBothSides(t *testing.T) {
	class := simna.New("e")
	local, _ := registerBuf(t, class, 128, handle.ReadWrite)
	remote, _ := registerBuf(t, class, 128, handle.ReadWrite)
	defer local.Free()
	defer remote.Free()

	steps, err := planTransfer(local, 0, remote, 0, 128)
	require.NoError(t, err)
	assert.Len(t, steps, 1)
}

func TestPlanTransferRegvAgainstSingleSegmentIsOneStep(t *testing.T) {
	class := simna.New("f")

	b1 := make([]byte, 16)
	b2 := make([]byte, 16)
	segs := []handle.Segment{
		{Base: uint64(uintptr(unsafe.Pointer(&b1[0]))), Len: 16},
		{Base: uint64(uintptr(unsafe.Pointer(&b2[0]))), Len: 16},
	}
	local, err := handle.Create(class, segs, handle.ReadWrite, handle.Borrowed)
	require.NoError(t, err)
	defer local.Free()

	remote, remBuf := registerBuf(t, class, 32, handle.ReadWrite)
	defer remote.Free()
	_ = remBuf

	// local is a regv registration (2 segs, MaxSegments large) and remote
	// has one segment, so both sides qualify for the single-step short
	// circuit even though local has a segment boundary at byte 16.
	steps, err := planTransfer(local, 0, remote, 0, 32)
	require.NoError(t, err)
	assert.Len(t, steps, 1) // regv collapse applies on both sides
}

func TestTransferEagerPullTakesSelfPathWithoutIssuingNAOps(t *testing.T) {
	class := simna.New("h")
	e := New(class)

	local, localBuf := registerBuf(t, class, 64, handle.WriteOnly)
	remote, remoteBuf := registerBuf(t, class, 64, handle.ReadOnly) // small + RO -> FlagEager
	require.True(t, remote.Flags()&handle.FlagEager != 0)
	for i := range remoteBuf {
		remoteBuf[i] = byte(i + 1)
	}
	defer local.Free()
	defer remote.Free()

	before := e.Metrics().SubOpsIssued.Load()
	o, err := e.Transfer(context.Background(), Pull, local, 0, remote, 0, 64, simna.Address{Name: "other"}, 0, nil, nil)
	require.NoError(t, err)
	<-o.Done()
	assert.Equal(t, opid.OutcomeSuccess, o.Outcome())
	assert.Equal(t, remoteBuf, localBuf)
	assert.Equal(t, before, e.Metrics().SubOpsIssued.Load(), "eager pull must not issue any NA sub-op")
}

func TestTransferDispatchesFlagSMRemoteThroughSharedMemoryClass(t *testing.T) {
	primary := simna.New("main")
	sm, err := shmemna.New("sm1")
	require.NoError(t, err)
	defer sm.Close()

	e := New(primary)
	e.SetSMClass(sm)

	// Both handles must be registered through the same shmemna instance:
	// Put/Get type-assert each na.MemHandle against *memHandle internally.
	local, err := handle.Create(sm, []handle.Segment{{Base: 0, Len: 64}}, handle.ReadOnly, handle.Borrowed)
	require.NoError(t, err)
	remote, err := handle.CreateSM(sm, []handle.Segment{{Base: 0, Len: 64}}, handle.WriteOnly, handle.Borrowed)
	require.NoError(t, err)
	require.True(t, remote.Flags()&handle.FlagSM != 0)
	defer local.Free()
	defer remote.Free()

	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(200 + i)
	}
	sm.WriteAt(local.MemHandles()[0], payload)

	o, err := e.Transfer(context.Background(), Push, local, 0, remote, 0, 64, simna.Address{Name: "other"}, 0, nil, nil)
	require.NoError(t, err)
	<-o.Done()
	assert.Equal(t, opid.OutcomeSuccess, o.Outcome())
	assert.Same(t, sm, o.Class())
	assert.Equal(t, payload, sm.ReadAt(remote.MemHandles()[0], 64))
}

func TestTransferCancelRaceProducesAllowedOutcome(t *testing.T) {
	class := simna.New("g")
	e := New(class)

	src, _ := registerBuf(t, class, 16<<20, handle.ReadOnly)
	dst, _ := registerBuf(t, class, 16<<20, handle.WriteOnly)
	defer src.Free()
	defer dst.Free()

	o, err := e.Transfer(context.Background(), Push, src, 0, dst, 0, 16<<20, simna.Address{Name: "other"}, 0, nil, nil)
	require.NoError(t, err)
	_ = e.Cancel(o)

	select {
	case <-o.Done():
	case <-time.After(time.Second):
		t.Fatal("transfer never completed")
	}
	outcome := o.Outcome()
	assert.True(t, outcome == opid.OutcomeCancelled || outcome == opid.OutcomeSuccess)
}
