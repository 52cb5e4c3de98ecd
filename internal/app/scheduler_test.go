package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRejectsInvalidSchedule(t *testing.T) {
	h := newTestHarness(t)
	scheduler := NewScheduler(h.svc.ExpirySweeper(10), "every now and then")
	assert.Error(t, scheduler.Start())
}

func TestSchedulerStartStop(t *testing.T) {
	h := newTestHarness(t)
	scheduler := NewScheduler(h.svc.ExpirySweeper(10), "@every 1h")
	require.NoError(t, scheduler.Start())
	<-scheduler.Stop().Done()
}
