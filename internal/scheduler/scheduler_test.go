package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/falcon-sched/internal/clock"
	"github.com/ChuLiYu/falcon-sched/internal/observer"
	"github.com/ChuLiYu/falcon-sched/internal/registry"
	"github.com/ChuLiYu/falcon-sched/internal/storage"
	"github.com/ChuLiYu/falcon-sched/internal/storage/memory"
	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// ============================================================================
// Test fixture
// ============================================================================

type captureSink struct {
	mu     sync.Mutex
	events []observer.Event
}

func (s *captureSink) Emit(e observer.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *captureSink) count(k observer.EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func (s *captureSink) has(k observer.EventKind) bool { return s.count(k) > 0 }

type testEngine struct {
	t     *testing.T
	c     *Core
	clk   *clock.Fake
	store *memory.Store
	sink  *captureSink
	ctx   context.Context
}

// newTestEngine builds an engine with no background loops; tests drive
// the maintenance path via Tick and the dispatch path via DispatchOne.
func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RetrySeed = 1
	cfg.Retry.JitterFrac = 0 // exact backoff timing
	st := memory.New()
	sink := &captureSink{}
	fc := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	return &testEngine{
		t:     t,
		c:     New(cfg, st, fc, WithSink(sink)),
		clk:   fc,
		store: st,
		sink:  sink,
		ctx:   context.Background(),
	}
}

func (e *testEngine) submit(req SubmitRequest) *types.Job {
	e.t.Helper()
	j, err := e.c.SubmitJob(e.ctx, req)
	require.NoError(e.t, err)
	return j
}

func (e *testEngine) addWorker(id types.WorkerID, slots int, caps ...string) uint64 {
	e.t.Helper()
	epoch, err := e.c.RegisterWorker(e.ctx, registry.Spec{
		ID: id, MaxSlots: slots, Capabilities: caps, LoadFactor: 1.0,
	})
	require.NoError(e.t, err)
	return epoch
}

// dispatchAll drains the ready queue through the dispatcher.
func (e *testEngine) dispatchAll() {
	for e.c.disp.DispatchOne(e.ctx) {
	}
}

func (e *testEngine) status(id types.JobID) types.JobStatus {
	e.t.Helper()
	j, err := e.store.GetJob(e.ctx, id)
	require.NoError(e.t, err)
	return j.Status
}

func (e *testEngine) lease(id types.JobID) *types.Lease {
	e.t.Helper()
	l, err := e.store.GetLeaseByJob(e.ctx, id)
	require.NoError(e.t, err)
	return l
}

// ============================================================================
// Submission
// ============================================================================

func TestSubmitBecomesReadyImmediately(t *testing.T) {
	e := newTestEngine(t)

	j := e.submit(SubmitRequest{ID: "j1", Name: "import"})

	assert.Equal(t, types.StatusReady, j.Status)
	assert.Equal(t, 1, e.c.queue.Len())
	assert.True(t, e.sink.has(observer.EventJobSubmitted))
	assert.True(t, e.sink.has(observer.EventJobReady))
}

func TestSubmitDefaultsApplied(t *testing.T) {
	e := newTestEngine(t)

	j := e.submit(SubmitRequest{Name: "import"})

	assert.NotEmpty(t, j.ID, "id generated")
	assert.Equal(t, types.BandNormal, j.Band)
	assert.Equal(t, 500, j.BasePriority)
	assert.Equal(t, 3, j.MaxAttempts)
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	e := newTestEngine(t)

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"missing name", SubmitRequest{}},
		{"unknown band", SubmitRequest{Name: "x", Band: "urgent"}},
		{"priority out of range", SubmitRequest{Name: "x", BasePriority: 2000}},
		{"negative max attempts", SubmitRequest{Name: "x", MaxAttempts: -1}},
		{"unknown dep type", SubmitRequest{Name: "x", Deps: []DepSpec{{Parent: "p", Type: "whenever"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.c.SubmitJob(e.ctx, tt.req)
			assert.ErrorIs(t, err, ErrInvalidJob)
		})
	}
}

func TestSubmitUnknownParentLeavesNoTrace(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.c.SubmitJob(e.ctx, SubmitRequest{
		ID: "j1", Name: "import",
		Deps: []DepSpec{{Parent: "ghost", Type: types.DepMustComplete}},
	})
	require.Error(t, err)

	_, err = e.store.GetJob(e.ctx, "j1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "nothing persisted")
	assert.Equal(t, 0, e.c.graph.Len(), "graph unchanged")
	assert.Equal(t, 0, e.c.queue.Len())
}

func TestSubmitDuplicateID(t *testing.T) {
	e := newTestEngine(t)
	e.submit(SubmitRequest{ID: "j1", Name: "import"})

	_, err := e.c.SubmitJob(e.ctx, SubmitRequest{ID: "j1", Name: "again"})
	assert.ErrorIs(t, err, storage.ErrDuplicate)
}

func TestSubmitDeferredUntilScheduledAt(t *testing.T) {
	e := newTestEngine(t)

	due := e.clk.NowMs() + time.Hour.Milliseconds()
	j := e.submit(SubmitRequest{ID: "j1", Name: "nightly", ScheduledAt: due})

	assert.Equal(t, types.StatusReady, j.Status)
	assert.Equal(t, 0, e.c.queue.Len(), "not queued before its time")

	e.clk.Advance(time.Hour + time.Second)
	e.c.Tick(e.ctx)
	assert.Equal(t, 1, e.c.queue.Len())
}

// ============================================================================
// Dependencies
// ============================================================================

func TestChildWaitsForParent(t *testing.T) {
	e := newTestEngine(t)
	e.addWorker("w1", 4)

	e.submit(SubmitRequest{ID: "p", Name: "extract"})
	child := e.submit(SubmitRequest{
		ID: "c", Name: "load",
		Deps: []DepSpec{{Parent: "p", Type: types.DepMustSucceed}},
	})
	assert.Equal(t, types.StatusPending, child.Status)

	e.dispatchAll()
	l := e.lease("p")
	require.NoError(t, e.c.ReportOutcome(e.ctx, "w1", l.ID, &types.Outcome{Kind: types.OutcomeCompleted}))

	assert.Equal(t, types.StatusReady, e.status("c"))
	assert.True(t, e.c.queue.Contains("c"))
}

func TestMustStartReleasedOnParentDispatch(t *testing.T) {
	e := newTestEngine(t)
	e.addWorker("w1", 1) // one slot: only the parent can run

	e.submit(SubmitRequest{ID: "p", Name: "server"})
	e.submit(SubmitRequest{
		ID: "c", Name: "probe",
		Deps: []DepSpec{{Parent: "p", Type: types.DepMustStart}},
	})

	e.dispatchAll()
	assert.Equal(t, types.StatusRunning, e.status("p"))
	assert.Equal(t, types.StatusReady, e.status("c"), "must_start satisfied when parent runs")
}

func TestAddDependencyDemotesReadyChild(t *testing.T) {
	e := newTestEngine(t)
	e.submit(SubmitRequest{ID: "p", Name: "extract"})
	e.submit(SubmitRequest{ID: "c", Name: "load"})
	require.Equal(t, 2, e.c.queue.Len())

	require.NoError(t, e.c.AddDependency(e.ctx, "p", "c", types.DepMustComplete))

	assert.Equal(t, types.StatusPending, e.status("c"))
	assert.False(t, e.c.queue.Contains("c"))
	assert.True(t, e.c.queue.Contains("p"))
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	e := newTestEngine(t)
	e.submit(SubmitRequest{ID: "a", Name: "a"})
	e.submit(SubmitRequest{ID: "b", Name: "b", Deps: []DepSpec{{Parent: "a", Type: types.DepMustComplete}}})

	err := e.c.AddDependency(e.ctx, "b", "a", types.DepMustComplete)
	require.Error(t, err)

	// nothing persisted for the rejected edge
	deps, err := e.c.GetDependencies(e.ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestAddDependencyRejectsStartedChild(t *testing.T) {
	e := newTestEngine(t)
	e.addWorker("w1", 1)
	e.submit(SubmitRequest{ID: "c", Name: "load"})
	e.submit(SubmitRequest{ID: "p", Name: "extract", Band: types.BandLow})
	e.dispatchAll() // both dispatched? only one slot: c or p runs

	running := "c"
	if e.status("c") != types.StatusRunning {
		running = "p"
	}
	err := e.c.AddDependency(e.ctx, "x", types.JobID(running), types.DepMustComplete)
	assert.ErrorIs(t, err, ErrJobTerminal)
}

func TestRemoveDependencyReleasesChild(t *testing.T) {
	e := newTestEngine(t)
	e.submit(SubmitRequest{ID: "p", Name: "extract"})
	e.submit(SubmitRequest{ID: "c", Name: "load", Deps: []DepSpec{{Parent: "p", Type: types.DepMustSucceed}}})
	require.Equal(t, types.StatusPending, e.status("c"))

	require.NoError(t, e.c.RemoveDependency(e.ctx, "p", "c"))
	assert.Equal(t, types.StatusReady, e.status("c"))
	assert.True(t, e.c.queue.Contains("c"))
}

// ============================================================================
// Cancellation
// ============================================================================

func TestCancelCascades(t *testing.T) {
	e := newTestEngine(t)
	e.submit(SubmitRequest{ID: "a", Name: "a"})
	e.submit(SubmitRequest{ID: "b", Name: "b", Deps: []DepSpec{{Parent: "a", Type: types.DepMustSucceed}}})
	e.submit(SubmitRequest{ID: "c", Name: "c", Deps: []DepSpec{{Parent: "b", Type: types.DepMustSucceed}}})

	require.NoError(t, e.c.CancelJob(e.ctx, "a"))

	assert.Equal(t, types.StatusCancelled, e.status("a"))
	assert.Equal(t, types.StatusCancelled, e.status("b"))
	assert.Equal(t, types.StatusCancelled, e.status("c"))
	assert.Equal(t, 0, e.c.queue.Len())
	assert.Equal(t, 3, e.sink.count(observer.EventJobCancelled))
}

func TestCancelSparesMustCompleteChildren(t *testing.T) {
	e := newTestEngine(t)
	e.submit(SubmitRequest{ID: "a", Name: "a"})
	e.submit(SubmitRequest{ID: "b", Name: "b", Deps: []DepSpec{{Parent: "a", Type: types.DepMustComplete}}})

	require.NoError(t, e.c.CancelJob(e.ctx, "a"))

	// cancelled is still terminal: must_complete is satisfied
	assert.Equal(t, types.StatusCancelled, e.status("a"))
	assert.Equal(t, types.StatusReady, e.status("b"))
}

func TestCancelRunningJobIsCooperative(t *testing.T) {
	e := newTestEngine(t)
	e.addWorker("w1", 1)
	e.submit(SubmitRequest{ID: "j1", Name: "import"})
	e.dispatchAll()

	require.NoError(t, e.c.CancelJob(e.ctx, "j1"))
	assert.Equal(t, types.StatusRunning, e.status("j1"), "running job is not yanked")

	// the worker learns about the cancel on its next heartbeat
	reply, err := e.c.WorkerHeartbeat(e.ctx, "w1", registry.HeartbeatInfo{})
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{"j1"}, reply.CancelJobs)

	// cancel of a running job is idempotent
	require.NoError(t, e.c.CancelJob(e.ctx, "j1"))

	l := e.lease("j1")
	require.NoError(t, e.c.ReportOutcome(e.ctx, "w1", l.ID, &types.Outcome{Kind: types.OutcomeCancelled}))
	assert.Equal(t, types.StatusCancelled, e.status("j1"))
}

func TestCancelTerminalJob(t *testing.T) {
	e := newTestEngine(t)
	e.submit(SubmitRequest{ID: "j1", Name: "import"})
	require.NoError(t, e.c.CancelJob(e.ctx, "j1"))

	assert.ErrorIs(t, e.c.CancelJob(e.ctx, "j1"), ErrJobTerminal)
}

// ============================================================================
// Outcome reporting
// ============================================================================

func TestReportSuccess(t *testing.T) {
	e := newTestEngine(t)
	e.addWorker("w1", 1)
	e.submit(SubmitRequest{ID: "j1", Name: "import"})
	e.dispatchAll()

	l := e.lease("j1")
	e.clk.Advance(3 * time.Second)
	require.NoError(t, e.c.ReportOutcome(e.ctx, "w1", l.ID, &types.Outcome{
		Kind: types.OutcomeCompleted, Duration: 3 * time.Second,
	}))

	assert.Equal(t, types.StatusCompleted, e.status("j1"))
	_, err := e.store.GetLeaseByJob(e.ctx, "j1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	w, err := e.c.GetWorker(e.ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), w.TotalSucceeded)
	assert.True(t, e.sink.has(observer.EventJobCompleted))
}

func TestDuplicateReportIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	e.addWorker("w1", 1)
	e.submit(SubmitRequest{ID: "j1", Name: "import"})
	e.dispatchAll()

	l := e.lease("j1")
	out := &types.Outcome{Kind: types.OutcomeCompleted}
	require.NoError(t, e.c.ReportOutcome(e.ctx, "w1", l.ID, out))
	require.NoError(t, e.c.ReportOutcome(e.ctx, "w1", l.ID, out), "same-kind duplicate is accepted")

	assert.Equal(t, 1, e.sink.count(observer.EventJobCompleted), "applied once")
}

func TestConflictingReportAfterClose(t *testing.T) {
	e := newTestEngine(t)
	e.addWorker("w1", 1)
	e.submit(SubmitRequest{ID: "j1", Name: "import"})
	e.dispatchAll()

	l := e.lease("j1")
	require.NoError(t, e.c.ReportOutcome(e.ctx, "w1", l.ID, &types.Outcome{Kind: types.OutcomeCompleted}))

	err := e.c.ReportOutcome(e.ctx, "w1", l.ID, &types.Outcome{
		Kind: types.OutcomeFailed, Error: "oops", Retryable: true,
	})
	assert.ErrorIs(t, err, ErrStaleLease)
	assert.Equal(t, types.StatusCompleted, e.status("j1"), "first outcome stands")
}

func TestReportFromWrongWorker(t *testing.T) {
	e := newTestEngine(t)
	e.addWorker("w1", 1)
	e.addWorker("w2", 1)
	e.submit(SubmitRequest{ID: "j1", Name: "import"})
	e.dispatchAll()

	l := e.lease("j1")
	imposter := types.WorkerID("w2")
	if l.WorkerID == "w2" {
		imposter = "w1"
	}
	err := e.c.ReportOutcome(e.ctx, imposter, l.ID, &types.Outcome{Kind: types.OutcomeCompleted})
	assert.ErrorIs(t, err, ErrStaleLease)
}

func TestReportWithStaleEpoch(t *testing.T) {
	e := newTestEngine(t)
	e.addWorker("w1", 1)
	e.submit(SubmitRequest{ID: "j1", Name: "import"})
	e.dispatchAll()
	l := e.lease("j1")

	// worker restarts and re-registers: epoch moves on
	e.addWorker("w1", 1)

	err := e.c.ReportOutcome(e.ctx, "w1", l.ID, &types.Outcome{Kind: types.OutcomeCompleted})
	assert.ErrorIs(t, err, ErrStaleLease)
	assert.Equal(t, types.StatusRunning, e.status("j1"), "lease sweep will reclaim it")
}

// ============================================================================
// Retry and dead-letter
// ============================================================================

func TestFailureRetriesWithBackoff(t *testing.T) {
	e := newTestEngine(t)
	e.addWorker("w1", 1)
	e.submit(SubmitRequest{ID: "j1", Name: "flaky", MaxAttempts: 3})
	e.dispatchAll()

	l := e.lease("j1")
	require.NoError(t, e.c.ReportOutcome(e.ctx, "w1", l.ID, &types.Outcome{
		Kind: types.OutcomeFailed, Error: "transient", Retryable: true,
	}))

	j, err := e.store.GetJob(e.ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, j.Status)
	assert.Equal(t, 1, j.Attempt)
	assert.Equal(t, "transient", j.LastError)
	assert.Equal(t, 1, e.c.retries.Len())

	// backoff not elapsed: stays parked
	e.c.Tick(e.ctx)
	assert.Equal(t, types.StatusFailed, e.status("j1"))

	// initial delay is 2s (no jitter in tests)
	e.clk.Advance(3 * time.Second)
	e.c.Tick(e.ctx)
	assert.Equal(t, types.StatusReady, e.status("j1"))
	assert.True(t, e.c.queue.Contains("j1"))
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	e := newTestEngine(t)
	e.addWorker("w1", 1)
	e.submit(SubmitRequest{ID: "j1", Name: "doomed", MaxAttempts: 2})

	fail := func() {
		e.dispatchAll()
		l := e.lease("j1")
		require.NoError(t, e.c.ReportOutcome(e.ctx, "w1", l.ID, &types.Outcome{
			Kind: types.OutcomeFailed, Error: "broken", Retryable: true,
		}))
	}

	fail()
	e.clk.Advance(3 * time.Second)
	e.c.Tick(e.ctx)
	fail() // second and final attempt

	assert.Equal(t, types.StatusDeadLettered, e.status("j1"))

	entries, err := e.c.ListDLQ(e.ctx, storage.Page{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.JobID("j1"), entries[0].JobID)
	assert.Equal(t, "broken", entries[0].FinalError)
	assert.Len(t, entries[0].Attempts, 2, "full attempt history preserved")
	assert.True(t, e.sink.has(observer.EventJobDeadLettered))
}

func TestNonRetryableFailureDeadLettersImmediately(t *testing.T) {
	e := newTestEngine(t)
	e.addWorker("w1", 1)
	e.submit(SubmitRequest{ID: "j1", Name: "import", MaxAttempts: 5})
	e.dispatchAll()

	l := e.lease("j1")
	require.NoError(t, e.c.ReportOutcome(e.ctx, "w1", l.ID, &types.Outcome{
		Kind: types.OutcomeFailed, Error: "bad payload", Retryable: false,
	}))

	assert.Equal(t, types.StatusDeadLettered, e.status("j1"))
}

func TestDeadLetterDoomsMustSucceedChildren(t *testing.T) {
	e := newTestEngine(t)
	e.addWorker("w1", 1)
	e.submit(SubmitRequest{ID: "p", Name: "extract", MaxAttempts: 1})
	e.submit(SubmitRequest{ID: "strict", Name: "load", Deps: []DepSpec{{Parent: "p", Type: types.DepMustSucceed}}})
	e.submit(SubmitRequest{ID: "lax", Name: "audit", Deps: []DepSpec{{Parent: "p", Type: types.DepMustComplete}}})

	e.dispatchAll()
	l := e.lease("p")
	require.NoError(t, e.c.ReportOutcome(e.ctx, "w1", l.ID, &types.Outcome{
		Kind: types.OutcomeFailed, Error: "fatal", Retryable: true,
	}))

	assert.Equal(t, types.StatusDeadLettered, e.status("p"))
	assert.Equal(t, types.StatusCancelled, e.status("strict"), "must_succeed broken")
	assert.Equal(t, types.StatusReady, e.status("lax"), "must_complete satisfied by any terminal")
}

// ============================================================================
// Lease expiry and worker health
// ============================================================================

func TestExpiredLeaseReclaimed(t *testing.T) {
	e := newTestEngine(t)
	e.addWorker("w1", 1)
	e.submit(SubmitRequest{ID: "j1", Name: "import", MaxAttempts: 3})
	e.dispatchAll()
	l := e.lease("j1")

	// keep the worker alive so only the lease expires
	e.clk.Advance(time.Duration(l.Deadline-e.clk.NowMs())*time.Millisecond + time.Second)
	_, err := e.c.WorkerHeartbeat(e.ctx, "w1", registry.HeartbeatInfo{})
	require.NoError(t, err)
	e.c.Tick(e.ctx)

	j, err := e.store.GetJob(e.ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, j.Status, "expiry counts as a retryable failure")
	assert.Equal(t, 1, j.Attempt)
	_, err = e.store.GetLeaseByJob(e.ctx, "j1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// a late report on the reclaimed lease is stale
	err = e.c.ReportOutcome(e.ctx, "w1", l.ID, &types.Outcome{Kind: types.OutcomeCompleted})
	assert.ErrorIs(t, err, ErrStaleLease)
}

func TestDeadWorkerSurrendersLeases(t *testing.T) {
	e := newTestEngine(t)
	e.addWorker("w1", 2)
	e.submit(SubmitRequest{ID: "j1", Name: "a", EstDuration: time.Hour})
	e.submit(SubmitRequest{ID: "j2", Name: "b", EstDuration: time.Hour})
	e.dispatchAll()
	require.Equal(t, types.StatusRunning, e.status("j1"))
	require.Equal(t, types.StatusRunning, e.status("j2"))

	// silence past the dead threshold (10m); leases still have time left
	e.clk.Advance(11 * time.Minute)
	e.c.Tick(e.ctx)

	assert.True(t, e.sink.has(observer.EventWorkerDead))
	assert.Equal(t, types.StatusFailed, e.status("j1"))
	assert.Equal(t, types.StatusFailed, e.status("j2"))

	w, err := e.c.GetWorker(e.ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerDead, w.Status)
}

func TestUnreachableWorkerKeepsLeases(t *testing.T) {
	e := newTestEngine(t)
	e.addWorker("w1", 1)
	e.submit(SubmitRequest{ID: "j1", Name: "import", EstDuration: time.Hour})
	e.dispatchAll()

	// past heartbeat timeout (2m) but well before dead threshold
	e.clk.Advance(3 * time.Minute)
	e.c.Tick(e.ctx)

	assert.True(t, e.sink.has(observer.EventWorkerUnreachable))
	assert.Equal(t, types.StatusRunning, e.status("j1"), "lease rides out the blip")

	// worker comes back and finishes the job
	_, err := e.c.WorkerHeartbeat(e.ctx, "w1", registry.HeartbeatInfo{})
	require.NoError(t, err)
	l := e.lease("j1")
	require.NoError(t, e.c.ReportOutcome(e.ctx, "w1", l.ID, &types.Outcome{Kind: types.OutcomeCompleted}))
	assert.Equal(t, types.StatusCompleted, e.status("j1"))
}

func TestDrainedWorkerGetsNoNewWork(t *testing.T) {
	e := newTestEngine(t)
	e.addWorker("w1", 2)
	require.NoError(t, e.c.DrainWorker(e.ctx, "w1"))

	e.submit(SubmitRequest{ID: "j1", Name: "import"})
	e.dispatchAll()
	assert.Equal(t, types.StatusReady, e.status("j1"), "no eligible worker")
}

// ============================================================================
// DLQ operations
// ============================================================================

func deadLetter(t *testing.T, e *testEngine, id types.JobID) {
	t.Helper()
	e.addWorker("w1", 1)
	e.submit(SubmitRequest{ID: id, Name: "doomed", MaxAttempts: 1})
	e.dispatchAll()
	l := e.lease(id)
	require.NoError(t, e.c.ReportOutcome(e.ctx, "w1", l.ID, &types.Outcome{
		Kind: types.OutcomeFailed, Error: "broken", Retryable: true,
	}))
	require.Equal(t, types.StatusDeadLettered, e.status(id))
}

func TestRetryDLQ(t *testing.T) {
	e := newTestEngine(t)
	deadLetter(t, e, "j1")

	require.NoError(t, e.c.RetryDLQ(e.ctx, "j1", true))

	j, err := e.store.GetJob(e.ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, j.Status)
	assert.Equal(t, 0, j.Attempt, "attempts reset")
	assert.Empty(t, j.LastError)
	assert.True(t, e.c.queue.Contains("j1"))

	entries, err := e.c.ListDLQ(e.ctx, storage.Page{})
	require.NoError(t, err)
	assert.Empty(t, entries, "entry removed")
}

func TestRetryDLQRequiresDeadLetteredJob(t *testing.T) {
	e := newTestEngine(t)
	e.submit(SubmitRequest{ID: "j1", Name: "fine"})

	err := e.c.RetryDLQ(e.ctx, "j1", false)
	assert.ErrorIs(t, err, storage.ErrNotFound, "no DLQ entry")
}

func TestDiscardDLQ(t *testing.T) {
	e := newTestEngine(t)
	deadLetter(t, e, "j1")

	require.NoError(t, e.c.DiscardDLQ(e.ctx, "j1"))

	entries, err := e.c.ListDLQ(e.ctx, storage.Page{})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, types.StatusDeadLettered, e.status("j1"), "job stays terminal")
}

// ============================================================================
// Read-only mode
// ============================================================================

func TestReadOnlyModeRejectsWrites(t *testing.T) {
	e := newTestEngine(t)
	e.c.fatal("test-induced")

	assert.True(t, e.c.ReadOnly())
	assert.True(t, e.sink.has(observer.EventFatal))

	_, err := e.c.SubmitJob(e.ctx, SubmitRequest{Name: "x"})
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, e.c.CancelJob(e.ctx, "j1"), ErrReadOnly)
	assert.ErrorIs(t, e.c.AddDependency(e.ctx, "a", "b", types.DepMustComplete), ErrReadOnly)
	assert.ErrorIs(t, e.c.RetryDLQ(e.ctx, "j1", false), ErrReadOnly)
	_, err = e.c.RegisterWorker(e.ctx, registry.Spec{ID: "w1", MaxSlots: 1})
	assert.ErrorIs(t, err, ErrReadOnly)

	// reads still work
	_, err = e.c.GetStats(e.ctx)
	assert.NoError(t, err)
}

// ============================================================================
// Stats
// ============================================================================

func TestGetStats(t *testing.T) {
	e := newTestEngine(t)
	e.addWorker("w1", 1)
	e.submit(SubmitRequest{ID: "j1", Name: "a"})
	e.submit(SubmitRequest{ID: "j2", Name: "b"})
	e.dispatchAll()

	st, err := e.c.GetStats(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.JobsByStatus[types.StatusRunning])
	assert.Equal(t, 1, st.JobsByStatus[types.StatusReady])
	assert.Equal(t, 1, st.Delayed, "blocked job parked for delayed requeue")
	assert.Equal(t, 1, st.ActiveLeases)
	assert.Equal(t, 1, st.WorkersByStatus[types.WorkerActive])
	assert.False(t, st.ReadOnly)
}
