package opid

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daos-stack/mercury-bulk/internal/na"
)

type fakeOpID struct{ id int }

func (f *fakeOpID) String() string { return fmt.Sprintf("fake(%d)", f.id) }

func TestPoolGetReset(t *testing.T) {
	p := NewPool()
	o := p.Get(3)
	assert.Equal(t, StatusPending, o.Status())
	assert.Equal(t, OutcomeNone, o.Outcome())
	assert.Len(t, o.SubOps(), 0)
}

func TestCompleteSubOpAggregatesSuccess(t *testing.T) {
	p := NewPool()
	o := p.Get(2)
	o.AddSubOp(&fakeOpID{1})
	o.AddSubOp(&fakeOpID{2})

	o.CompleteSubOp(na.Success, 0)
	select {
	case <-o.Done():
		t.Fatal("should not be done after one of two sub-ops")
	default:
	}
	o.CompleteSubOp(na.Success, 0)
	<-o.Done()
	assert.Equal(t, OutcomeSuccess, o.Outcome())
	assert.Equal(t, StatusCompleted, o.Status())
}

func TestCompleteSubOpStickyErrorBeatsLaterSuccess(t *testing.T) {
	p := NewPool()
	o := p.Get(2)
	o.CompleteSubOp(na.Error, 42)
	o.CompleteSubOp(na.Success, 0)
	<-o.Done()
	assert.Equal(t, OutcomeError, o.Outcome())
	assert.Equal(t, int32(42), o.NAErrno())
}

func TestCompleteSubOpStickyFirstErrorWins(t *testing.T) {
	p := NewPool()
	o := p.Get(2)
	o.CompleteSubOp(na.Error, 1)
	o.CompleteSubOp(na.Error, 2)
	<-o.Done()
	assert.Equal(t, int32(1), o.NAErrno())
}

func TestReleaseReturnsToPoolForReuse(t *testing.T) {
	p := NewPool()
	before := p.Len()
	o := p.Get(1)
	assert.Equal(t, before-1, p.Len())
	o.CompleteSubOp(na.Success, 0)
	o.Release()
	assert.Equal(t, before, p.Len())
}

func TestSetOnCompleteFiresOnceAtTerminalState(t *testing.T) {
	p := NewPool()
	o := p.Get(2)

	var fired int
	var seen *OpID
	o.SetOnComplete(func(got *OpID) {
		fired++
		seen = got
	})

	o.CompleteSubOp(na.Success, 0)
	assert.Equal(t, 0, fired, "must not fire before every sub-op completes")
	o.CompleteSubOp(na.Success, 0)
	assert.Equal(t, 1, fired)
	assert.Same(t, o, seen)
}

func TestSetClassRoundTrips(t *testing.T) {
	p := NewPool()
	o := p.Get(1)
	assert.Nil(t, o.Class(), "fresh/reset op-id has no recorded class")

	o.SetClass(fakeClass{})
	assert.Equal(t, fakeClass{}, o.Class())
}

type fakeClass struct{ na.Class }

func TestPoolGrowsUnderConcurrentDemand(t *testing.T) {
	p := NewPool()
	start := p.Len()

	var wg sync.WaitGroup
	held := make([]*OpID, 4*start)
	var mu sync.Mutex
	wg.Add(len(held))
	for i := range held {
		i := i
		go func() {
			defer wg.Done()
			o := p.Get(1)
			mu.Lock()
			held[i] = o
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, held, 4*start)
	for _, o := range held {
		require.NotNil(t, o)
	}
}
