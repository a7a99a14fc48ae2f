// ============================================================================
// Falcon-Sched CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command surface of the scheduling engine
//
// Command Structure:
//   falcon-sched                   # Root command
//   ├── run                        # Start the engine
//   │   ├── --config, -c          # Config file path
//   │   └── --local-workers       # In-process worker nodes to start
//   ├── submit                     # Submit jobs from a JSON file
//   │   ├── --file, -f            # Job JSON file
//   │   └── --config, -c
//   ├── status                     # Engine statistics from the store
//   │   └── --config, -c
//   ├── dlq                        # Dead letter queue operations
//   │   ├── list
//   │   ├── retry <job-id> [--reset-attempts]
//   │   └── discard <job-id>
//   ├── --version                  # Display version information
//   └── --help
//
// run Command:
//   Starts the full engine:
//   1. Load config file
//   2. Open the store (badger or memory per config)
//   3. Run startup recovery, start dispatch and maintenance loops
//   4. Start the Prometheus metrics endpoint (if enabled)
//   5. Start N in-process worker nodes (--local-workers), heartbeating
//      at workers.heartbeat_interval from the config
//   6. Wait for SIGINT/SIGTERM, then shut down gracefully
//
// submit Command:
//   Batch submits jobs from a JSON file. Runs a short-lived engine
//   against the same store so dependency validation (unknown parents,
//   cycles) applies exactly as in a live engine. JSON format:
//   [
//     {
//       "name": "render-frame",
//       "band": "high",
//       "base_priority": 800,
//       "payload": {"frame": 42},
//       "max_attempts": 5,
//       "deps": [{"parent": "job-1", "type": "must_succeed"}]
//     }
//   ]
//
// Signal Handling:
//   SIGINT and SIGTERM trigger graceful shutdown: loops stop, running
//   leases stay persisted, the history log is flushed. Recovery on the
//   next start picks up where the engine left off.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/falcon-sched/internal/clock"
	"github.com/ChuLiYu/falcon-sched/internal/config"
	"github.com/ChuLiYu/falcon-sched/internal/metrics"
	"github.com/ChuLiYu/falcon-sched/internal/observer"
	"github.com/ChuLiYu/falcon-sched/internal/scheduler"
	"github.com/ChuLiYu/falcon-sched/internal/storage"
	badgerstore "github.com/ChuLiYu/falcon-sched/internal/storage/badger"
	"github.com/ChuLiYu/falcon-sched/internal/storage/archive"
	"github.com/ChuLiYu/falcon-sched/internal/storage/memory"
	"github.com/ChuLiYu/falcon-sched/internal/worknode"
	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// Version is stamped at build time.
var Version = "dev"

// BuildCLI constructs the root command tree.
func BuildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:     "falcon-sched",
		Short:   "Dependency-aware priority job scheduling engine",
		Version: Version,
	}
	root.AddCommand(buildRunCommand())
	root.AddCommand(buildSubmitCommand())
	root.AddCommand(buildStatusCommand())
	root.AddCommand(buildDLQCommand())
	return root
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var configPath string
	var localWorkers int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the scheduling engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(configPath, localWorkers)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	cmd.Flags().IntVar(&localWorkers, "local-workers", 0, "in-process worker nodes to start")
	return cmd
}

func runEngine(configPath string, localWorkers int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	opts := []scheduler.Option{
		scheduler.WithSink(observer.NewLog(nil)),
	}
	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector(nil)
		opts = []scheduler.Option{
			scheduler.WithSink(observer.Multi{observer.NewLog(nil), collector}),
			scheduler.WithGauges(collector),
		}
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
			}
		}()
	}
	if cfg.DLQ.ArchiveDir != "" {
		w, err := archive.NewWriter(cfg.DLQ.ArchiveDir)
		if err != nil {
			store.Close() //nolint:errcheck
			return fmt.Errorf("open dlq archive dir: %w", err)
		}
		opts = append(opts, scheduler.WithArchiver(w))
	}

	core := scheduler.New(cfg.EngineConfig(), store, clock.NewReal(), opts...)
	if err := core.Start(context.Background()); err != nil {
		store.Close() //nolint:errcheck
		return fmt.Errorf("engine start: %w", err)
	}
	fmt.Println("falcon-sched engine started")

	nodeCtx, stopNodes := context.WithCancel(context.Background())
	defer stopNodes()
	for i := 1; i <= localWorkers; i++ {
		nodeCfg := worknode.DefaultConfig()
		nodeCfg.ID = types.WorkerID(fmt.Sprintf("local-%d", i))
		nodeCfg.HeartbeatInterval = cfg.Workers.HeartbeatInterval.Std()
		node := worknode.New(nodeCfg, &worknode.LocalClient{Core: core}, simulateWork, nil)
		go func() {
			if err := node.Run(nodeCtx); err != nil {
				fmt.Fprintf(os.Stderr, "worker node %s: %v\n", nodeCfg.ID, err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Printf("received %s, shutting down...\n", sig)

	stopNodes() // nodes drain and deregister before the engine stops
	done := make(chan error, 1)
	go func() { done <- core.Stop() }()
	select {
	case err := <-done:
		return err
	case <-time.After(cfg.Engine.ShutdownGrace.Std()):
		return fmt.Errorf("shutdown exceeded grace period %s", cfg.Engine.ShutdownGrace.Std())
	}
}

// ============================================================================
// submit
// ============================================================================

// jobSpec is the JSON shape of one submitted job.
type jobSpec struct {
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Band         string          `json:"band,omitempty"`
	BasePriority int             `json:"base_priority,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	ScheduledAt  int64           `json:"scheduled_at,omitempty"` // Unix ms
	EstDurMs     int64           `json:"est_duration_ms,omitempty"`
	MaxAttempts  int             `json:"max_attempts,omitempty"`
	Deps         []struct {
		Parent string `json:"parent"`
		Type   string `json:"type"`
	} `json:"deps,omitempty"`
}

func buildSubmitCommand() *cobra.Command {
	var configPath, filePath string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit jobs from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitJobs(configPath, filePath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "job JSON file (required)")
	cmd.MarkFlagRequired("file") //nolint:errcheck
	return cmd
}

func submitJobs(configPath, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read job file: %w", err)
	}
	var specs []jobSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return fmt.Errorf("parse job file: %w", err)
	}

	core, cleanup, err := openCore(configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	submitted := 0
	for i, s := range specs {
		req := scheduler.SubmitRequest{
			ID:           types.JobID(s.ID),
			Name:         s.Name,
			Payload:      []byte(s.Payload),
			Band:         types.PriorityBand(s.Band),
			BasePriority: s.BasePriority,
			Capabilities: s.Capabilities,
			ScheduledAt:  s.ScheduledAt,
			EstDuration:  time.Duration(s.EstDurMs) * time.Millisecond,
			MaxAttempts:  s.MaxAttempts,
		}
		for _, d := range s.Deps {
			req.Deps = append(req.Deps, scheduler.DepSpec{
				Parent: types.JobID(d.Parent),
				Type:   types.DependencyType(d.Type),
			})
		}
		j, err := core.SubmitJob(ctx, req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "job %d (%s): %v\n", i, s.Name, err)
			continue
		}
		fmt.Printf("submitted %s  %s\n", j.ID, j.Name)
		submitted++
	}
	fmt.Printf("%d/%d jobs submitted\n", submitted, len(specs))
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine statistics from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	return cmd
}

func showStatus(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	ctx := context.Background()
	jobs, err := store.ListJobs(ctx, storage.JobFilter{}, storage.Page{})
	if err != nil {
		return err
	}
	leases, err := store.ListLeases(ctx)
	if err != nil {
		return err
	}
	workers, err := store.ListWorkers(ctx)
	if err != nil {
		return err
	}
	dlq, err := store.ListDLQ(ctx, storage.Page{})
	if err != nil {
		return err
	}

	byStatus := make(map[types.JobStatus]int)
	for _, j := range jobs {
		byStatus[j.Status]++
	}

	fmt.Println("=== falcon-sched status ===")
	fmt.Printf("store: %s (%s)\n\n", cfg.Storage.Path, cfg.Storage.Backend)
	fmt.Printf("jobs: %d total\n", len(jobs))
	for _, st := range []types.JobStatus{
		types.StatusPending, types.StatusReady, types.StatusRunning,
		types.StatusCompleted, types.StatusFailed, types.StatusCancelled,
		types.StatusDeadLettered,
	} {
		if n := byStatus[st]; n > 0 {
			fmt.Printf("  %-14s %d\n", st, n)
		}
	}
	fmt.Printf("\nactive leases: %d\n", len(leases))
	fmt.Printf("workers: %d\n", len(workers))
	for _, w := range workers {
		fmt.Printf("  %-20s %-12s slots=%d succeeded=%d failed=%d\n",
			w.ID, w.Status, w.MaxSlots, w.TotalSucceeded, w.TotalFailed)
	}
	fmt.Printf("dead letter queue: %d entries\n", len(dlq))
	return nil
}

// ============================================================================
// dlq
// ============================================================================

func buildDLQCommand() *cobra.Command {
	var configPath string
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Dead letter queue operations",
	}
	dlq.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listDLQ(configPath)
		},
	}

	var resetAttempts bool
	retry := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-queue a dead-lettered job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return retryDLQ(configPath, types.JobID(args[0]), resetAttempts)
		},
	}
	retry.Flags().BoolVar(&resetAttempts, "reset-attempts", false, "reset the attempt counter")

	discard := &cobra.Command{
		Use:   "discard <job-id>",
		Short: "Drop a dead letter entry (the job stays dead-lettered)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return discardDLQ(configPath, types.JobID(args[0]))
		},
	}

	dlq.AddCommand(list, retry, discard)
	return dlq
}

func listDLQ(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	entries, err := store.ListDLQ(context.Background(), storage.Page{})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("dead letter queue is empty")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%-38s %-24s attempts=%d entered=%s\n      %s\n",
			e.JobID, e.Name, len(e.Attempts),
			time.UnixMilli(e.EnteredAt).Format(time.RFC3339), e.FinalError)
	}
	return nil
}

func retryDLQ(configPath string, id types.JobID, resetAttempts bool) error {
	core, cleanup, err := openCore(configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := core.RetryDLQ(context.Background(), id, resetAttempts); err != nil {
		return err
	}
	fmt.Printf("job %s re-queued\n", id)
	return nil
}

func discardDLQ(configPath string, id types.JobID) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	if err := store.DeleteDLQ(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("dlq entry %s discarded\n", id)
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

// simulateWork stands in for real task execution on the built-in local
// nodes: it sleeps for the job's estimated duration and succeeds.
// Real deployments run worknode with a domain handler instead.
func simulateWork(ctx context.Context, j *types.Job) error {
	d := j.EstDuration
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// openStore builds the configured store backend.
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return memory.New(), nil
	default:
		return badgerstore.Open(badgerstore.Options{
			Dir:                  cfg.Storage.Path,
			HistoryPath:          cfg.Storage.HistoryPath,
			HistoryBuffer:        cfg.Storage.HistoryBuffer,
			HistoryFlushInterval: cfg.Storage.HistoryFlushInterval.Std(),
		})
	}
}

// openCore starts a short-lived engine for write-path commands so the
// full validation and recovery semantics apply. The caller must invoke
// cleanup, which stops the engine and closes the store.
func openCore(configPath string) (*scheduler.Core, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	core := scheduler.New(cfg.EngineConfig(), store, clock.NewReal())
	if err := core.Start(context.Background()); err != nil {
		store.Close() //nolint:errcheck
		return nil, nil, err
	}
	cleanup := func() {
		if err := core.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
	}
	return core, cleanup, nil
}
