package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/falcon-sched/internal/observer"
)

func TestCollectorCountsEvents(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.Emit(observer.Event{Kind: observer.EventJobSubmitted})
	c.Emit(observer.Event{Kind: observer.EventJobSubmitted})
	c.Emit(observer.Event{Kind: observer.EventJobDispatched})
	c.Emit(observer.Event{Kind: observer.EventJobCompleted, LatencySeconds: 1.5})
	c.Emit(observer.Event{Kind: observer.EventJobFailed})
	c.Emit(observer.Event{Kind: observer.EventJobDeadLettered})
	c.Emit(observer.Event{Kind: observer.EventQueueBlocked})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsDispatched))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsDeadLettered))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.queueBlocked))
}

func TestCollectorGauges(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.UpdateEngineStats(7, 3, 2)
	assert.Equal(t, 7.0, testutil.ToFloat64(c.jobsReady))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.jobsRunning))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.workersActive))

	c.SetRecoveryTime(0.25)
	assert.Equal(t, 0.25, testutil.ToFloat64(c.recoveryTime))
}
