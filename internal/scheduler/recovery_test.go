package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/falcon-sched/internal/observer"
	"github.com/ChuLiYu/falcon-sched/internal/storage"
	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// seedJob writes a job straight into the store, bypassing the engine.
func (e *testEngine) seedJob(id types.JobID, status types.JobStatus, mut ...func(*types.Job)) {
	e.t.Helper()
	j := &types.Job{
		ID: id, Name: string(id), Band: types.BandNormal, BasePriority: 500,
		Status: status, MaxAttempts: 3, CreatedAt: e.clk.NowMs(),
	}
	for _, m := range mut {
		m(j)
	}
	require.NoError(e.t, e.store.PutJob(e.ctx, j))
}

func (e *testEngine) seedDep(parent, child types.JobID, typ types.DependencyType) {
	e.t.Helper()
	require.NoError(e.t, e.store.AddDependency(e.ctx, &types.Dependency{
		Parent: parent, Child: child, Type: typ, CreatedAt: e.clk.NowMs(),
	}))
}

func (e *testEngine) seedWorker(id types.WorkerID, epoch uint64) {
	e.t.Helper()
	require.NoError(e.t, e.store.PutWorker(e.ctx, &types.Worker{
		ID: id, MaxSlots: 4, LoadFactor: 1.0, Status: types.WorkerActive,
		Epoch: epoch, LastHeartbeat: e.clk.NowMs(), RegisteredAt: e.clk.NowMs(),
	}))
}

// seedRunning creates a Ready job and puts a lease on it via the store's
// own transition, leaving it Running exactly as a crash would.
func (e *testEngine) seedRunning(id types.JobID, workerID types.WorkerID, epoch uint64) *types.Lease {
	e.t.Helper()
	e.seedJob(id, types.StatusReady)
	l := &types.Lease{
		ID: types.LeaseID("lease-" + string(id)), JobID: id, WorkerID: workerID,
		Epoch: epoch, IssuedAt: e.clk.NowMs(),
		Deadline: e.clk.NowMs() + time.Hour.Milliseconds(),
	}
	require.NoError(e.t, e.store.IssueLease(e.ctx, l))
	return l
}

// ============================================================================
// Recovery
// ============================================================================

func TestRecoveryRebuildsQueue(t *testing.T) {
	e := newTestEngine(t)
	e.seedJob("ready", types.StatusReady)
	e.seedJob("done", types.StatusCompleted)
	e.seedJob("failed", types.StatusFailed, func(j *types.Job) { j.Attempt = 1 })
	e.seedJob("later", types.StatusReady, func(j *types.Job) {
		j.ScheduledAt = e.clk.NowMs() + time.Hour.Milliseconds()
	})

	require.NoError(t, e.c.recover(e.ctx))

	assert.True(t, e.c.queue.Contains("ready"))
	assert.False(t, e.c.queue.Contains("done"))
	assert.False(t, e.c.queue.Contains("later"), "future job goes to the deferred table")
	assert.Contains(t, e.c.deferred, types.JobID("later"))
	assert.Equal(t, 1, e.c.retries.Len(), "failed job rejoins the backoff table")

	// the failed job comes back after the initial backoff
	e.clk.Advance(3 * time.Second)
	e.c.Tick(e.ctx)
	assert.Equal(t, types.StatusReady, e.status("failed"))
}

func TestRecoverySettlesTerminalParents(t *testing.T) {
	e := newTestEngine(t)
	e.seedJob("done", types.StatusCompleted)
	e.seedJob("waiting", types.StatusPending)
	e.seedDep("done", "waiting", types.DepMustSucceed)

	require.NoError(t, e.c.recover(e.ctx))

	// crash hit between parent completion and child promotion
	assert.Equal(t, types.StatusReady, e.status("waiting"))
	assert.True(t, e.c.queue.Contains("waiting"))
}

func TestRecoveryCancelsDoomedChildren(t *testing.T) {
	e := newTestEngine(t)
	e.seedJob("dead", types.StatusDeadLettered)
	e.seedJob("strict", types.StatusPending)
	e.seedJob("downstream", types.StatusPending)
	e.seedDep("dead", "strict", types.DepMustSucceed)
	e.seedDep("strict", "downstream", types.DepMustSucceed)

	require.NoError(t, e.c.recover(e.ctx))

	assert.Equal(t, types.StatusCancelled, e.status("strict"), "unfinished cascade completed")
	assert.Equal(t, types.StatusCancelled, e.status("downstream"))
}

func TestRecoveryReattachesLeases(t *testing.T) {
	e := newTestEngine(t)
	e.seedWorker("w1", 1)
	l := e.seedRunning("j1", "w1", 1)

	require.NoError(t, e.c.recover(e.ctx))

	assert.Equal(t, types.StatusRunning, e.status("j1"), "in-flight work survives restart")
	assert.Equal(t, 1, e.c.reg.AssignedCount("w1"))

	// the surviving lease still closes normally
	require.NoError(t, e.c.ReportOutcome(e.ctx, "w1", l.ID, &types.Outcome{Kind: types.OutcomeCompleted}))
	assert.Equal(t, types.StatusCompleted, e.status("j1"))
}

func TestRecoveryReclaimsOrphanedLeases(t *testing.T) {
	e := newTestEngine(t)
	// no worker record at all: the lease has no owner
	e.seedRunning("j1", "gone", 1)
	// epoch moved on: the lease predates the worker's restart
	e.seedWorker("w2", 5)
	e.seedRunning("j2", "w2", 4)

	require.NoError(t, e.c.recover(e.ctx))

	for _, id := range []types.JobID{"j1", "j2"} {
		j, err := e.store.GetJob(e.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, j.Status, "%s reclaimed as retryable failure", id)
		assert.Equal(t, 1, j.Attempt)
		_, err = e.store.GetLeaseByJob(e.ctx, id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
	assert.Equal(t, 0, e.c.reg.AssignedCount("w2"))
	assert.Equal(t, 2, e.c.retries.Len())
}

func TestRecoveryCycleGoesReadOnly(t *testing.T) {
	e := newTestEngine(t)
	e.seedJob("a", types.StatusPending)
	e.seedJob("b", types.StatusPending)
	e.seedDep("a", "b", types.DepMustComplete)
	e.seedDep("b", "a", types.DepMustComplete)

	err := e.c.recover(e.ctx)
	require.Error(t, err)
	assert.True(t, e.c.ReadOnly(), "corrupted graph halts the engine")
	assert.True(t, e.sink.has(observer.EventFatal))
}

func TestRecoveryEmptyStore(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.c.recover(e.ctx))
	assert.Equal(t, 0, e.c.queue.Len())
	assert.Equal(t, 0, e.c.graph.Len())
}
