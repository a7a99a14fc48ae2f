package main

// Demo: runs a complete pipeline in one process.
//
// An in-memory engine, two local work nodes and a small dependency
// graph: extract → (transform-a | transform-b) → load, plus a flaky
// job that exhausts its retries and lands in the dead letter queue.

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/falcon-sched/internal/clock"
	"github.com/ChuLiYu/falcon-sched/internal/failure"
	"github.com/ChuLiYu/falcon-sched/internal/observer"
	"github.com/ChuLiYu/falcon-sched/internal/scheduler"
	"github.com/ChuLiYu/falcon-sched/internal/storage"
	"github.com/ChuLiYu/falcon-sched/internal/storage/memory"
	"github.com/ChuLiYu/falcon-sched/internal/worknode"
	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

func main() {
	store := memory.New()
	cfg := scheduler.DefaultConfig()
	cfg.Dispatch.Interval = 50 * time.Millisecond
	cfg.TickInterval = 50 * time.Millisecond
	cfg.Retry = failure.RetryPolicy{
		InitialDelay: 200 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     time.Second,
		JitterFrac:   0,
	}

	core := scheduler.New(cfg, store, clock.NewReal(),
		scheduler.WithSink(observer.NewLog(nil)))
	if err := core.Start(context.Background()); err != nil {
		log.Fatalf("engine start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var flakyCalls atomic.Int32
	handler := func(jobCtx context.Context, j *types.Job) error {
		select {
		case <-jobCtx.Done():
			return jobCtx.Err()
		case <-time.After(100 * time.Millisecond):
		}
		if strings.HasPrefix(j.Name, "flaky") {
			// fails every attempt; ends up dead-lettered
			flakyCalls.Add(1)
			return fmt.Errorf("simulated failure #%d", flakyCalls.Load())
		}
		fmt.Printf("  ✓ executed %s\n", j.Name)
		return nil
	}

	client := &worknode.LocalClient{Core: core}
	for i := 1; i <= 2; i++ {
		nodeCfg := worknode.DefaultConfig()
		nodeCfg.ID = types.WorkerID(fmt.Sprintf("demo-node-%d", i))
		nodeCfg.PollInterval = 50 * time.Millisecond
		nodeCfg.HeartbeatInterval = time.Second
		node := worknode.New(nodeCfg, client, handler, nil)
		go func() {
			if err := node.Run(ctx); err != nil {
				log.Printf("node: %v", err)
			}
		}()
	}
	time.Sleep(200 * time.Millisecond) // let the nodes register

	fmt.Println("=== submitting pipeline ===")
	extract := mustSubmit(core, scheduler.SubmitRequest{
		Name: "extract", Band: types.BandHigh,
	})
	ta := mustSubmit(core, scheduler.SubmitRequest{
		Name: "transform-a",
		Deps: []scheduler.DepSpec{{Parent: extract, Type: types.DepMustSucceed}},
	})
	tb := mustSubmit(core, scheduler.SubmitRequest{
		Name: "transform-b",
		Deps: []scheduler.DepSpec{{Parent: extract, Type: types.DepMustSucceed}},
	})
	loadID := mustSubmit(core, scheduler.SubmitRequest{
		Name: "load", Band: types.BandLow,
		Deps: []scheduler.DepSpec{
			{Parent: ta, Type: types.DepMustSucceed},
			{Parent: tb, Type: types.DepMustSucceed},
		},
	})
	mustSubmit(core, scheduler.SubmitRequest{
		Name: "flaky-import", MaxAttempts: 3,
	})

	// wait until the pipeline settles
	deadline := time.After(30 * time.Second)
	for {
		select {
		case <-deadline:
			fmt.Println("demo timed out")
			os.Exit(1)
		case <-time.After(200 * time.Millisecond):
		}
		j, err := core.GetJob(context.Background(), loadID)
		if err != nil {
			log.Fatalf("get job: %v", err)
		}
		dlq, _ := core.ListDLQ(context.Background(), storage.Page{})
		if j.Status == types.StatusCompleted && len(dlq) > 0 {
			fmt.Printf("\n=== pipeline complete, flaky job attempted %d times ===\n", flakyCalls.Load())
			for _, e := range dlq {
				fmt.Printf("  dead-lettered: %s (%s)\n", e.Name, e.FinalError)
			}
			stats, _ := core.GetStats(context.Background())
			fmt.Printf("  jobs: %v\n", stats.JobsByStatus)
			cancel()
			if err := core.Stop(); err != nil {
				log.Fatalf("shutdown: %v", err)
			}
			return
		}
	}
}

func mustSubmit(core *scheduler.Core, req scheduler.SubmitRequest) types.JobID {
	j, err := core.SubmitJob(context.Background(), req)
	if err != nil {
		log.Fatalf("submit %s: %v", req.Name, err)
	}
	fmt.Printf("  → %s (%s)\n", j.Name, j.ID)
	return j.ID
}
