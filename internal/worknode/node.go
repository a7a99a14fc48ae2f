// ============================================================================
// Falcon-Sched Work Node - Executor Node
// ============================================================================
//
// Package: internal/worknode
// File: node.go
// Purpose: A worker process: registers with the engine, polls for lease
// assignments, executes job payloads with a handler, reports outcomes
// and keeps the heartbeat alive.
//
// Execution model:
//   - One goroutine per running job, bounded by the slot count the
//     node registered with (the engine never over-assigns, the local
//     semaphore is a second line).
//   - Each job runs under a context cancelled at the lease deadline;
//     overrunning the deadline means the engine has already reclaimed
//     the lease, so the late report is dropped as stale.
//   - Cancel requests arrive on the heartbeat reply and cancel the
//     job's context; the handler is expected to return promptly.
//
// Outcome classification:
//   handler returns nil            → Completed
//   handler returns ErrPermanent   → Failed, retryable=false
//   job context cancelled by us    → Cancelled
//   any other error                → Failed, retryable=true
//
// ============================================================================

package worknode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/falcon-sched/internal/clock"
	"github.com/ChuLiYu/falcon-sched/internal/registry"
	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

var log = slog.Default()

// ErrPermanent marks a handler failure that must not be retried.
// Wrap with fmt.Errorf("...: %w", ErrPermanent).
var ErrPermanent = errors.New("worknode: permanent failure")

// Handler executes one job. ctx is cancelled at the lease deadline or
// on a cancel request; the handler must honor it.
type Handler func(ctx context.Context, j *types.Job) error

// EngineClient is the node's view of the scheduling engine. The local
// in-process adapter lives in this package; a remote transport would
// implement the same interface.
type EngineClient interface {
	Register(ctx context.Context, spec registry.Spec) (uint64, error)
	Heartbeat(ctx context.Context, id types.WorkerID, info registry.HeartbeatInfo) (cancel []types.JobID, err error)
	Assignments(ctx context.Context, id types.WorkerID) ([]AssignedJob, error)
	Report(ctx context.Context, id types.WorkerID, leaseID types.LeaseID, out *types.Outcome) error
	Deregister(ctx context.Context, id types.WorkerID, force bool) error
}

// AssignedJob is one lease plus its job content.
type AssignedJob struct {
	Lease types.Lease
	Job   types.Job
}

// Config configures a node.
type Config struct {
	ID           types.WorkerID
	Address      string
	Capabilities []string
	Slots        int
	ReservedHigh int
	LoadFactor   float64
	PriorityMin  int

	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	// DrainGrace is how long Stop waits for running jobs.
	DrainGrace time.Duration
}

// DefaultConfig returns node defaults. The id must still be set.
func DefaultConfig() Config {
	return Config{
		Slots:             4,
		LoadFactor:        1.0,
		HeartbeatInterval: 15 * time.Second,
		PollInterval:      500 * time.Millisecond,
		DrainGrace:        30 * time.Second,
	}
}

// Node is one executor process.
type Node struct {
	cfg     Config
	client  EngineClient
	handler Handler
	clk     clock.Clock

	mu      sync.Mutex
	running map[types.JobID]context.CancelFunc
	seen    map[types.LeaseID]struct{}

	wg sync.WaitGroup
}

// New creates a node. handler must not be nil.
func New(cfg Config, client EngineClient, handler Handler, clk clock.Clock) *Node {
	if clk == nil {
		clk = clock.NewReal()
	}
	return &Node{
		cfg:     cfg,
		client:  client,
		handler: handler,
		clk:     clk,
		running: make(map[types.JobID]context.CancelFunc),
		seen:    make(map[types.LeaseID]struct{}),
	}
}

// Run registers the node and serves until ctx is cancelled, then
// drains running jobs up to the grace period and deregisters.
func (n *Node) Run(ctx context.Context) error {
	_, err := n.client.Register(ctx, registry.Spec{
		ID:           n.cfg.ID,
		Address:      n.cfg.Address,
		Capabilities: n.cfg.Capabilities,
		MaxSlots:     n.cfg.Slots,
		ReservedHigh: n.cfg.ReservedHigh,
		LoadFactor:   n.cfg.LoadFactor,
		PriorityMin:  n.cfg.PriorityMin,
	})
	if err != nil {
		return fmt.Errorf("worknode: register: %w", err)
	}
	log.Info("Work node registered", "workerID", n.cfg.ID, "slots", n.cfg.Slots)

	lastBeat := n.clk.NowMs()
	for {
		select {
		case <-ctx.Done():
			return n.shutdown()
		case <-n.clk.After(n.cfg.PollInterval):
		}

		n.pollAssignments(ctx)

		if n.clk.NowMs()-lastBeat >= n.cfg.HeartbeatInterval.Milliseconds() {
			lastBeat = n.clk.NowMs()
			n.beat(ctx)
		}
	}
}

// beat sends a heartbeat and applies cancel requests.
func (n *Node) beat(ctx context.Context) {
	n.mu.Lock()
	count := len(n.running)
	n.mu.Unlock()

	cancels, err := n.client.Heartbeat(ctx, n.cfg.ID, registry.HeartbeatInfo{RunningJobs: count})
	if err != nil {
		log.Warn("Heartbeat failed", "workerID", n.cfg.ID, "error", err)
		return
	}
	for _, jobID := range cancels {
		n.mu.Lock()
		cancel, ok := n.running[jobID]
		n.mu.Unlock()
		if ok {
			log.Info("Cancelling job on engine request", "jobID", jobID)
			cancel()
		}
	}
}

// pollAssignments fetches leases and starts unseen ones.
func (n *Node) pollAssignments(ctx context.Context) {
	assigned, err := n.client.Assignments(ctx, n.cfg.ID)
	if err != nil {
		log.Warn("Assignment poll failed", "workerID", n.cfg.ID, "error", err)
		return
	}
	for _, a := range assigned {
		n.mu.Lock()
		_, dup := n.seen[a.Lease.ID]
		if !dup {
			n.seen[a.Lease.ID] = struct{}{}
		}
		n.mu.Unlock()
		if dup {
			continue
		}
		n.start(ctx, a)
	}
}

// start launches one job goroutine.
func (n *Node) start(ctx context.Context, a AssignedJob) {
	ttl := time.Duration(a.Lease.Deadline-n.clk.NowMs()) * time.Millisecond
	if ttl <= 0 {
		// lease already expired before we saw it
		return
	}
	jobCtx, cancel := context.WithTimeout(ctx, ttl)

	n.mu.Lock()
	n.running[a.Job.ID] = cancel
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer cancel()

		started := n.clk.Now()
		err := n.handler(jobCtx, &a.Job)
		dur := n.clk.Now().Sub(started)

		n.mu.Lock()
		delete(n.running, a.Job.ID)
		n.mu.Unlock()

		out := classify(jobCtx, err, dur)
		// reporting uses a fresh context: the node ctx may already be done
		rctx, rcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rcancel()
		if rerr := n.client.Report(rctx, n.cfg.ID, a.Lease.ID, out); rerr != nil {
			log.Warn("Outcome report failed", "jobID", a.Job.ID, "leaseID", a.Lease.ID, "error", rerr)
		}
	}()
}

// classify maps a handler result to an outcome.
func classify(jobCtx context.Context, err error, dur time.Duration) *types.Outcome {
	switch {
	case err == nil:
		return &types.Outcome{Kind: types.OutcomeCompleted, Duration: dur}
	case jobCtx.Err() != nil && errors.Is(err, context.Canceled):
		return &types.Outcome{Kind: types.OutcomeCancelled, Duration: dur}
	case errors.Is(err, ErrPermanent):
		return &types.Outcome{Kind: types.OutcomeFailed, Error: err.Error(), Retryable: false, Duration: dur}
	default:
		return &types.Outcome{Kind: types.OutcomeFailed, Error: err.Error(), Retryable: true, Duration: dur}
	}
}

// shutdown waits for running jobs, then deregisters.
func (n *Node) shutdown() error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(n.cfg.DrainGrace):
		log.Warn("Drain grace expired, abandoning running jobs", "workerID", n.cfg.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.client.Deregister(ctx, n.cfg.ID, true); err != nil {
		log.Warn("Deregister failed", "workerID", n.cfg.ID, "error", err)
	}
	log.Info("Work node stopped", "workerID", n.cfg.ID)
	return nil
}

// RunningCount reports the number of in-flight jobs.
func (n *Node) RunningCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.running)
}
