package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordTransferTracksDirectionAndBytes(t *testing.T) {
	m := NewMetrics()
	m.RecordTransfer(true, 1024, 5_000, false, true)
	m.RecordTransfer(false, 512, 5_000, true, true)

	assert.Equal(t, uint64(1), m.PushOps.Load())
	assert.Equal(t, uint64(1024), m.BytesPushed.Load())
	assert.Equal(t, uint64(1), m.PullOps.Load())
	assert.Equal(t, uint64(512), m.BytesPulled.Load())
	assert.Equal(t, uint64(1), m.SelfPathTransfers.Load())
	assert.Equal(t, uint64(1), m.NATransfers.Load())
}

func TestRecordTransferCountsErrors(t *testing.T) {
	m := NewMetrics()
	m.RecordTransfer(true, 100, 1_000, false, false)
	assert.Equal(t, uint64(1), m.TransferErrors.Load())
}

func TestAverageLatencyNsComputesMean(t *testing.T) {
	m := NewMetrics()
	assert.Equal(t, uint64(0), m.AverageLatencyNs())

	m.RecordTransfer(true, 1, 1_000, false, true)
	m.RecordTransfer(true, 1, 3_000, false, true)
	assert.Equal(t, uint64(2_000), m.AverageLatencyNs())
}

func TestRecordCancellationAndPoolGrowth(t *testing.T) {
	m := NewMetrics()
	m.RecordCancellation()
	m.RecordPoolGrowth()
	assert.Equal(t, uint64(1), m.Cancellations.Load())
	assert.Equal(t, uint64(1), m.PoolGrowths.Load())
}
