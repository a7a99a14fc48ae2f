// ============================================================================
// Falcon-Sched Integration Tests - 全引擎情境測試
// ============================================================================
//
// 這些測試以真實時鐘驅動完整引擎（核心 + 分派迴圈 + 工作節點），
// 時間參數全面縮短，以 Eventually 斷言收斂狀態。
// 單元層級的精確時序（分數、退避、健康判定）由各套件自測。
//
// ============================================================================

package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/falcon-sched/internal/registry"
	"github.com/ChuLiYu/falcon-sched/internal/scheduler"
	"github.com/ChuLiYu/falcon-sched/internal/storage"
	badgerstore "github.com/ChuLiYu/falcon-sched/internal/storage/badger"
	"github.com/ChuLiYu/falcon-sched/internal/storage/memory"
	"github.com/ChuLiYu/falcon-sched/internal/worknode"
	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

const (
	waitFor  = 5 * time.Second
	pollTick = 10 * time.Millisecond
)

// fastConfig shrinks every engine interval so scenarios converge quickly.
func fastConfig() scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.RetrySeed = 1
	cfg.Retry.InitialDelay = 30 * time.Millisecond
	cfg.Retry.MaxDelay = 200 * time.Millisecond
	cfg.Retry.JitterFrac = 0
	cfg.TickInterval = 10 * time.Millisecond
	cfg.Dispatch.Interval = 5 * time.Millisecond
	cfg.Dispatch.RequeueDelay = 25 * time.Millisecond
	cfg.Dispatch.MinLease = 5 * time.Second
	cfg.HeartbeatTimeout = 150 * time.Millisecond
	cfg.DeadThreshold = 400 * time.Millisecond
	return cfg
}

func startEngine(t *testing.T, cfg scheduler.Config, store storage.Store) *scheduler.Core {
	t.Helper()
	core := scheduler.New(cfg, store, nil)
	require.NoError(t, core.Start(context.Background()))
	t.Cleanup(func() { core.Stop() }) //nolint:errcheck
	return core
}

// startNode runs a work node against the in-process engine until test end.
func startNode(t *testing.T, core *scheduler.Core, id types.WorkerID, slots int, caps []string, h worknode.Handler) {
	t.Helper()
	cfg := worknode.DefaultConfig()
	cfg.ID = id
	cfg.Slots = slots
	cfg.Capabilities = caps
	cfg.PollInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = 25 * time.Millisecond
	cfg.DrainGrace = time.Second

	node := worknode.New(cfg, &worknode.LocalClient{Core: core}, h, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		node.Run(ctx) //nolint:errcheck
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitStatus(t *testing.T, core *scheduler.Core, id types.JobID, want types.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		j, err := core.GetJob(context.Background(), id)
		return err == nil && j.Status == want
	}, waitFor, pollTick, "job %s never reached %s", id, want)
}

func submit(t *testing.T, core *scheduler.Core, req scheduler.SubmitRequest) {
	t.Helper()
	_, err := core.SubmitJob(context.Background(), req)
	require.NoError(t, err)
}

// orderLog records handler execution order across goroutines.
type orderLog struct {
	mu    sync.Mutex
	names []string
}

func (o *orderLog) add(name string) {
	o.mu.Lock()
	o.names = append(o.names, name)
	o.mu.Unlock()
}

func (o *orderLog) index(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, n := range o.names {
		if n == name {
			return i
		}
	}
	return -1
}

// ============================================================================
// Scenario: linear dependency chain
// ============================================================================

func TestLinearChainRunsInOrder(t *testing.T) {
	core := startEngine(t, fastConfig(), memory.New())
	order := &orderLog{}
	startNode(t, core, "w1", 4, nil, func(_ context.Context, j *types.Job) error {
		order.add(j.Name)
		return nil
	})

	submit(t, core, scheduler.SubmitRequest{ID: "a", Name: "extract"})
	submit(t, core, scheduler.SubmitRequest{ID: "b", Name: "transform",
		Deps: []scheduler.DepSpec{{Parent: "a", Type: types.DepMustSucceed}}})
	submit(t, core, scheduler.SubmitRequest{ID: "c", Name: "load",
		Deps: []scheduler.DepSpec{{Parent: "b", Type: types.DepMustSucceed}}})

	waitStatus(t, core, "c", types.StatusCompleted)
	waitStatus(t, core, "a", types.StatusCompleted)
	waitStatus(t, core, "b", types.StatusCompleted)

	assert.Less(t, order.index("extract"), order.index("transform"))
	assert.Less(t, order.index("transform"), order.index("load"))
}

// ============================================================================
// Scenario: cycles are rejected up front
// ============================================================================

func TestCycleRejectedWithoutSideEffects(t *testing.T) {
	core := startEngine(t, fastConfig(), memory.New())
	ctx := context.Background()

	submit(t, core, scheduler.SubmitRequest{ID: "x", Name: "x"})
	submit(t, core, scheduler.SubmitRequest{ID: "y", Name: "y",
		Deps: []scheduler.DepSpec{{Parent: "x", Type: types.DepMustComplete}}})

	// closing the loop y -> x must fail
	err := core.AddDependency(ctx, "y", "x", types.DepMustComplete)
	require.Error(t, err)

	// and leave no edge behind
	deps, err := core.GetDependencies(ctx, "x")
	require.NoError(t, err)
	assert.Empty(t, deps)

	// the engine is still healthy: the chain completes once a worker shows up
	startNode(t, core, "w1", 2, nil, func(context.Context, *types.Job) error { return nil })
	waitStatus(t, core, "y", types.StatusCompleted)
}

// ============================================================================
// Scenario: worker dies mid-flight
// ============================================================================

func TestDeadWorkerJobMigrates(t *testing.T) {
	core := startEngine(t, fastConfig(), memory.New())
	ctx := context.Background()

	// w1 registers once and then goes silent forever
	_, err := core.RegisterWorker(ctx, registry.Spec{ID: "w1", MaxSlots: 1, LoadFactor: 1.0})
	require.NoError(t, err)

	submit(t, core, scheduler.SubmitRequest{ID: "j1", Name: "import", EstDuration: time.Minute})
	waitStatus(t, core, "j1", types.StatusRunning)

	// past the dead threshold the lease is surrendered and the job retried
	require.Eventually(t, func() bool {
		w, err := core.GetWorker(ctx, "w1")
		return err == nil && w.Status == types.WorkerDead
	}, waitFor, pollTick)

	startNode(t, core, "w2", 1, nil, func(context.Context, *types.Job) error { return nil })
	waitStatus(t, core, "j1", types.StatusCompleted)

	j, err := core.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, j.Attempt, 1, "the lost attempt is counted")
}

// ============================================================================
// Scenario: failure propagation through dependency types
// ============================================================================

func TestDeadLetterPropagation(t *testing.T) {
	core := startEngine(t, fastConfig(), memory.New())
	startNode(t, core, "w1", 2, nil, func(_ context.Context, j *types.Job) error {
		if j.Name == "doomed" {
			return context.DeadlineExceeded // any transient-looking error
		}
		return nil
	})

	submit(t, core, scheduler.SubmitRequest{ID: "p", Name: "doomed", MaxAttempts: 2})
	submit(t, core, scheduler.SubmitRequest{ID: "strict", Name: "strict",
		Deps: []scheduler.DepSpec{{Parent: "p", Type: types.DepMustSucceed}}})
	submit(t, core, scheduler.SubmitRequest{ID: "lax", Name: "lax",
		Deps: []scheduler.DepSpec{{Parent: "p", Type: types.DepMustComplete}}})

	waitStatus(t, core, "p", types.StatusDeadLettered)
	waitStatus(t, core, "strict", types.StatusCancelled)
	waitStatus(t, core, "lax", types.StatusCompleted)

	entries, err := core.ListDLQ(context.Background(), storage.Page{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.JobID("p"), entries[0].JobID)
	assert.Len(t, entries[0].Attempts, 2, "both attempts on record")
}

// ============================================================================
// Scenario: priority bands decide dispatch order
// ============================================================================

func TestPriorityBandOrdering(t *testing.T) {
	cfg := fastConfig()
	// long requeue delay keeps the blocked jobs cycling together, so the
	// queue ordering decides who wins the freed slot
	cfg.Dispatch.RequeueDelay = 300 * time.Millisecond
	core := startEngine(t, cfg, memory.New())

	gate := make(chan struct{})
	order := &orderLog{}
	startNode(t, core, "w1", 1, nil, func(_ context.Context, j *types.Job) error {
		if j.Name == "gate" {
			<-gate
			return nil
		}
		order.add(j.Name)
		return nil
	})

	submit(t, core, scheduler.SubmitRequest{ID: "gate", Name: "gate"})
	waitStatus(t, core, "gate", types.StatusRunning)

	submit(t, core, scheduler.SubmitRequest{ID: "lo", Name: "lo", Band: types.BandLow})
	submit(t, core, scheduler.SubmitRequest{ID: "no", Name: "no", Band: types.BandNormal})
	submit(t, core, scheduler.SubmitRequest{ID: "hi", Name: "hi", Band: types.BandHigh})
	close(gate)

	waitStatus(t, core, "lo", types.StatusCompleted)
	waitStatus(t, core, "no", types.StatusCompleted)
	waitStatus(t, core, "hi", types.StatusCompleted)

	assert.Less(t, order.index("hi"), order.index("no"), "high band first")
	assert.Less(t, order.index("no"), order.index("lo"), "low band last")
}

// ============================================================================
// Scenario: capability and capacity routing
// ============================================================================

func TestCapabilityRouting(t *testing.T) {
	core := startEngine(t, fastConfig(), memory.New())

	var mu sync.Mutex
	ranOn := map[types.JobID]types.WorkerID{}
	gpuConcurrent, gpuMax := 0, 0

	handler := func(worker types.WorkerID) worknode.Handler {
		return func(_ context.Context, j *types.Job) error {
			mu.Lock()
			ranOn[j.ID] = worker
			if worker == "gpu-node" {
				gpuConcurrent++
				if gpuConcurrent > gpuMax {
					gpuMax = gpuConcurrent
				}
			}
			mu.Unlock()

			time.Sleep(30 * time.Millisecond)

			if worker == "gpu-node" {
				mu.Lock()
				gpuConcurrent--
				mu.Unlock()
			}
			return nil
		}
	}
	startNode(t, core, "cpu-node", 2, []string{"cpu"}, handler("cpu-node"))
	startNode(t, core, "gpu-node", 1, []string{"gpu"}, handler("gpu-node"))

	for _, id := range []types.JobID{"g1", "g2", "g3"} {
		submit(t, core, scheduler.SubmitRequest{ID: id, Name: string(id), Capabilities: []string{"gpu"}})
	}
	for _, id := range []types.JobID{"c1", "c2"} {
		submit(t, core, scheduler.SubmitRequest{ID: id, Name: string(id), Capabilities: []string{"cpu"}})
	}
	// nothing offers fpga: this one must stay put
	submit(t, core, scheduler.SubmitRequest{ID: "stuck", Name: "stuck", Capabilities: []string{"fpga"}})

	for _, id := range []types.JobID{"g1", "g2", "g3", "c1", "c2"} {
		waitStatus(t, core, id, types.StatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range []types.JobID{"g1", "g2", "g3"} {
		assert.Equal(t, types.WorkerID("gpu-node"), ranOn[id], "%s routed by capability", id)
	}
	for _, id := range []types.JobID{"c1", "c2"} {
		assert.Equal(t, types.WorkerID("cpu-node"), ranOn[id], "%s routed by capability", id)
	}
	assert.LessOrEqual(t, gpuMax, 1, "single slot never over-assigned")

	j, err := core.GetJob(context.Background(), "stuck")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, j.Status, "no eligible worker, job waits")
}

// ============================================================================
// Scenario: cooperative cancel of a running job
// ============================================================================

func TestCancelRunningJobEndToEnd(t *testing.T) {
	core := startEngine(t, fastConfig(), memory.New())
	started := make(chan struct{})
	startNode(t, core, "w1", 1, nil, func(ctx context.Context, j *types.Job) error {
		close(started)
		<-ctx.Done() // wait for the cancel request to arrive
		return ctx.Err()
	})

	submit(t, core, scheduler.SubmitRequest{ID: "j1", Name: "long-haul"})
	<-started

	require.NoError(t, core.CancelJob(context.Background(), "j1"))
	waitStatus(t, core, "j1", types.StatusCancelled)
}

// ============================================================================
// Scenario: crash and restart on the persistent store
// ============================================================================

func TestCrashRecoveryOnBadger(t *testing.T) {
	dir := t.TempDir()
	open := func() *badgerstore.Store {
		st, err := badgerstore.Open(badgerstore.Options{Dir: dir + "/db"})
		require.NoError(t, err)
		return st
	}

	// first life: submit work, no workers, then stop
	core1 := scheduler.New(fastConfig(), open(), nil)
	require.NoError(t, core1.Start(context.Background()))
	submit(t, core1, scheduler.SubmitRequest{ID: "a", Name: "extract"})
	submit(t, core1, scheduler.SubmitRequest{ID: "b", Name: "load",
		Deps: []scheduler.DepSpec{{Parent: "a", Type: types.DepMustSucceed}}})
	require.NoError(t, core1.Stop())

	// second life: state is rebuilt from the store
	core2 := startEngine(t, fastConfig(), open())
	ctx := context.Background()

	a, err := core2.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, a.Status)
	b, err := core2.GetJob(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, b.Status)

	deps, err := core2.GetDependencies(ctx, "b")
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, types.JobID("a"), deps[0].Parent)

	// and the chain finishes as if nothing happened
	startNode(t, core2, "w1", 2, nil, func(context.Context, *types.Job) error { return nil })
	waitStatus(t, core2, "a", types.StatusCompleted)
	waitStatus(t, core2, "b", types.StatusCompleted)
}
