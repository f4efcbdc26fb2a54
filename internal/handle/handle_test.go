package handle

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daos-stack/mercury-bulk/internal/na"
)

// fakeClass is a minimal na.Class double for exercising handle package
// logic without depending on simna.
type fakeClass struct {
	maxSegs       uint32
	registerFails bool
	regCalls      int
	deregCalls    int
}

type fakeMemHandle struct {
	segs []na.Segment
}

func (h *fakeMemHandle) SegmentCount() int {
	if len(h.segs) == 0 {
		return 1
	}
	return len(h.segs)
}

func (c *fakeClass) Name() string { return "fake" }

func (c *fakeClass) MemHandleCreate(base uint64, length uint64, flags na.AccessFlags) (na.MemHandle, error) {
	return &fakeMemHandle{segs: []na.Segment{{Base: base, Len: length}}}, nil
}

func (c *fakeClass) MemHandleCreateSegments(segs []na.Segment, flags na.AccessFlags) (na.MemHandle, error) {
	if c.maxSegs == 0 {
		return nil, assertErr
	}
	cp := append([]na.Segment(nil), segs...)
	return &fakeMemHandle{segs: cp}, nil
}

func (c *fakeClass) MaxSegments() uint32 { return c.maxSegs }

func (c *fakeClass) MemRegister(h na.MemHandle, memType na.MemoryType, device int32) error {
	c.regCalls++
	if c.registerFails {
		return assertErr
	}
	return nil
}

func (c *fakeClass) MemDeregister(h na.MemHandle) error { c.deregCalls++; return nil }
func (c *fakeClass) MemHandleFree(h na.MemHandle)       {}
func (c *fakeClass) SerializeSize(h na.MemHandle) uint64 { return 8 }
func (c *fakeClass) Serialize(buf []byte, h na.MemHandle) (int, error) { return 0, nil }
func (c *fakeClass) Deserialize(buf []byte) (na.MemHandle, int, error) { return nil, 0, nil }
func (c *fakeClass) Put(ctx na.Context, cb na.CallbackFunc, arg any, local na.MemHandle, localOff uint64, remote na.MemHandle, remoteOff uint64, size uint64, remoteAddr na.Address, remoteCtxID uint8) (na.OpID, error) {
	return nil, nil
}
func (c *fakeClass) Get(ctx na.Context, cb na.CallbackFunc, arg any, local na.MemHandle, localOff uint64, remote na.MemHandle, remoteOff uint64, size uint64, remoteAddr na.Address, remoteCtxID uint8) (na.OpID, error) {
	return nil, nil
}
func (c *fakeClass) OpCreate(flags na.OpFlags) na.OpID                { return nil }
func (c *fakeClass) OpDestroy(op na.OpID)                             {}
func (c *fakeClass) Cancel(ctx na.Context, op na.OpID) error          { return nil }
func (c *fakeClass) IsSelf(addr na.Address) bool                      { return true }
func (c *fakeClass) NewContext() na.Context                           { return nil }
func (c *fakeClass) AddressFromBytes(b []byte) (na.Address, error)    { return nil, nil }

var assertErr = &assertError{}

type assertError struct{}

func (*assertError) Error() string { return "fake failure" }

func bufSeg(n int) (Segment, []byte) {
	buf := make([]byte, n)
	return Segment{Base: uint64(uintptr(unsafe.Pointer(&buf[0]))), Len: uint64(n)}, buf
}

func TestCreateSingleSegmentNoRegv(t *testing.T) {
	c := &fakeClass{maxSegs: 0}
	seg, _ := bufSeg(64)
	h, err := Create(c, []Segment{seg}, ReadOnly, Borrowed)
	require.NoError(t, err)
	assert.Equal(t, 1, h.NumSegments())
	assert.False(t, h.IsRegv())
	assert.True(t, h.IsEager())
	assert.Equal(t, int32(1), h.RefCount())
}

func TestCreateEagerRequiresReadOnlyPermission(t *testing.T) {
	c := &fakeClass{maxSegs: 0}
	seg, _ := bufSeg(64)
	h, err := Create(c, []Segment{seg}, ReadWrite, Borrowed)
	require.NoError(t, err)
	assert.False(t, h.IsEager(), "a writable handle below the eager threshold must not be marked eager")
}

func TestCreateMultiSegmentRegv(t *testing.T) {
	c := &fakeClass{maxSegs: 16}
	s1, _ := bufSeg(32)
	s2, _ := bufSeg(32)
	h, err := Create(c, []Segment{s1, s2}, ReadOnly, Borrowed)
	require.NoError(t, err)
	assert.Equal(t, 2, h.NumSegments())
	assert.True(t, h.IsRegv())
	assert.Equal(t, 1, c.regCalls)
}

func TestCreateRollsBackOnPartialFailure(t *testing.T) {
	c := &fakeClass{maxSegs: 0, registerFails: true}
	s1, _ := bufSeg(16)
	_, err := Create(c, []Segment{s1}, ReadWrite, Borrowed)
	require.Error(t, err)
	assert.Equal(t, 0, c.deregCalls) // the one failing segment is freed directly, never deregistered
}

func TestFreeDeregistersOnceRefZero(t *testing.T) {
	c := &fakeClass{maxSegs: 0}
	s1, _ := bufSeg(16)
	s2, _ := bufSeg(16)
	h, err := Create(c, []Segment{s1, s2}, ReadWrite, Borrowed)
	require.NoError(t, err)

	h.Ref()
	h.Free()
	assert.Equal(t, 0, c.deregCalls)
	h.Free()
	assert.Equal(t, 2, c.deregCalls)
}

func TestDecodedHandleFreeIsNoop(t *testing.T) {
	c := &fakeClass{}
	h := NewDecoded([]Segment{{Base: 1, Len: 10}}, ReadOnly, false, []na.MemHandle{&fakeMemHandle{}}, nil, 0, nil)
	h.Free()
	assert.Equal(t, 0, c.deregCalls)
}

func TestNewDecodedEagerSplicesDataIntoAddressableBuffer(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	segs := []Segment{{Base: 0xdead, Len: 4}, {Base: 0xbeef, Len: 4}}
	h := NewDecoded(segs, ReadOnly, false, []na.MemHandle{&fakeMemHandle{}, &fakeMemHandle{}}, nil, 0, payload)

	assert.True(t, h.IsEager())

	var seen []byte
	err := Access(h, 0, 8, func(buf []byte) {
		seen = append(seen, buf...)
	})
	require.NoError(t, err)
	assert.Equal(t, payload, seen, "Access must read the spliced buffer, not the origin process's raw Base")
}

func TestNewDecodedEagerFreeReleasesSplicedBuffers(t *testing.T) {
	payload := []byte{9, 8, 7, 6}
	segs := []Segment{{Base: 0x1, Len: 4}}
	h := NewDecoded(segs, ReadOnly, false, []na.MemHandle{&fakeMemHandle{}}, nil, 0, payload)

	h.Free()
	assert.Nil(t, h.allocated)
}

func TestAccessRejectsOversizedWindow(t *testing.T) {
	c := &fakeClass{maxSegs: 0}
	seg, _ := bufSeg(16)
	h, err := Create(c, []Segment{seg}, ReadWrite, Borrowed)
	require.NoError(t, err)

	err = Access(h, 0, 17, func(buf []byte) {})
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestAccessWalksMultipleSegments(t *testing.T) {
	c := &fakeClass{maxSegs: 0}
	s1, b1 := bufSeg(8)
	s2, b2 := bufSeg(8)
	for i := range b1 {
		b1[i] = 0xAA
	}
	for i := range b2 {
		b2[i] = 0xBB
	}
	h, err := Create(c, []Segment{s1, s2}, ReadOnly, Borrowed)
	require.NoError(t, err)

	var seen []byte
	err = Access(h, 4, 8, func(buf []byte) {
		seen = append(seen, buf...)
	})
	require.NoError(t, err)
	require.Len(t, seen, 8)
	assert.Equal(t, byte(0xAA), seen[0])
	assert.Equal(t, byte(0xBB), seen[4])
}
