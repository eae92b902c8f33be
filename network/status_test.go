package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCellStartsIdle(t *testing.T) {
	cell := NewStatusCell()
	assert.Equal(t, Status{State: StateIdle}, cell.Get())
}

func TestStatusCellTransferProgressIsNonDecreasing(t *testing.T) {
	cell := NewStatusCell()
	cell.Connecting()
	cell.Connected()
	cell.Begin()

	cell.SetTransferring(40)
	cell.SetTransferring(25)
	assert.Equal(t, Status{State: StateTransferring, Progress: 40}, cell.Get())

	cell.SetTransferring(250)
	assert.Equal(t, float32(100), cell.Get().Progress)

	cell.Settle()
	assert.Equal(t, Status{State: StateConnected}, cell.Get())

	cell.Begin()
	assert.Equal(t, Status{State: StateTransferring}, cell.Get())
}

func TestStatusCellSettleOnlyLeavesTransferring(t *testing.T) {
	cell := NewStatusCell()
	cell.Fail("boom")
	cell.Settle()
	assert.Equal(t, Status{State: StateFailed, Reason: "boom"}, cell.Get())
}

func TestStatusCellObserverSeesEveryChange(t *testing.T) {
	cell := NewStatusCell()
	rec := recordStatuses(cell)

	cell.Connecting()
	cell.Connected()
	cell.Begin()
	cell.SetTransferring(100)
	cell.Settle()

	assert.Equal(t, []Status{
		{State: StateConnecting},
		{State: StateConnected},
		{State: StateTransferring},
		{State: StateTransferring, Progress: 100},
		{State: StateConnected},
	}, rec.statuses())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "idle", Status{State: StateIdle}.String())
	assert.Equal(t, "transferring(42.5)", Status{State: StateTransferring, Progress: 42.5}.String())
	assert.Equal(t, "failed(timeout)", Status{State: StateFailed, Reason: "timeout"}.String())
}

func TestPercent(t *testing.T) {
	assert.Equal(t, float32(100), percent(0, 0))
	assert.Equal(t, float32(50), percent(5, 10))
	assert.Equal(t, float32(100), percent(10, 10))
}

func TestProgressClamps(t *testing.T) {
	var p Progress
	p.Set(-3)
	assert.Equal(t, float32(0), p.Get())
	p.Set(130)
	assert.Equal(t, float32(100), p.Get())
}

func TestProgressSinkToleratesNilCells(t *testing.T) {
	var sink progressSink
	assert.NotPanics(t, func() {
		sink.connecting()
		sink.begin()
		sink.update(1, 2)
		sink.settle()
	})
}
