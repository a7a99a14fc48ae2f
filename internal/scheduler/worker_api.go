// ============================================================================
// Falcon-Sched Scheduler API - Worker 操作介面
// ============================================================================
//
// Package: internal/scheduler
// 文件: worker_api.go
// 功能: worker 註冊、心跳、排空、註銷與結果回報
//
// 世代規則:
//   租約記錄簽發當下 worker 的世代。worker 重新註冊後世代遞增，
//   舊世代的結果回報以 ErrStaleLease 拒絕——該租約已由租約逾時
//   回收路徑接手。
//
// 冪等規則:
//   同一租約的同種結果重複回報回傳成功（Store 的冪等鍵擋下
//   第二次套用）；不同種結果回報回傳 ErrStaleLease。
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/falcon-sched/internal/observer"
	"github.com/ChuLiYu/falcon-sched/internal/registry"
	"github.com/ChuLiYu/falcon-sched/internal/storage"
	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// RegisterWorker 註冊或重新註冊 worker，回傳當前世代
func (c *Core) RegisterWorker(ctx context.Context, spec registry.Spec) (uint64, error) {
	if c.readOnly.Load() {
		return 0, ErrReadOnly
	}
	epoch, err := c.reg.Register(ctx, spec)
	if err != nil {
		return 0, err
	}
	c.sink.Emit(observer.Event{Kind: observer.EventWorkerRegistered, WorkerID: spec.ID})
	c.appendHistory(ctx, "", spec.ID, string(observer.EventWorkerRegistered), spec.Address)
	c.disp.Kick()
	return epoch, nil
}

// HeartbeatReply 心跳回覆：引擎要求 worker 中止的任務
type HeartbeatReply struct {
	CancelJobs []types.JobID
}

// WorkerHeartbeat 處理心跳，回覆待取消的任務清單
func (c *Core) WorkerHeartbeat(ctx context.Context, id types.WorkerID, info registry.HeartbeatInfo) (*HeartbeatReply, error) {
	if err := c.reg.Heartbeat(ctx, id, info); err != nil {
		return nil, err
	}

	// 掃描 worker 持有租約中被請求取消的任務
	leases, err := c.store.ListLeasesByWorker(ctx, id)
	if err != nil {
		return nil, err
	}
	reply := &HeartbeatReply{}
	for _, l := range leases {
		j, err := c.store.GetJob(ctx, l.JobID)
		if err != nil {
			continue
		}
		if j.CancelRequested {
			reply.CancelJobs = append(reply.CancelJobs, j.ID)
		}
	}
	return reply, nil
}

// DrainWorker 將 worker 轉入排空：不接新任務，既有租約照常執行
func (c *Core) DrainWorker(ctx context.Context, id types.WorkerID) error {
	if c.readOnly.Load() {
		return ErrReadOnly
	}
	return c.reg.Drain(ctx, id)
}

// DeregisterWorker 註銷 worker。force 時既有租約以可重試失敗回收。
func (c *Core) DeregisterWorker(ctx context.Context, id types.WorkerID, force bool) error {
	if c.readOnly.Load() {
		return ErrReadOnly
	}

	surrendered, err := c.reg.Deregister(ctx, id, force)
	if err != nil {
		return err
	}
	for _, jobID := range surrendered {
		l, err := c.store.GetLeaseByJob(ctx, jobID)
		if err != nil {
			continue
		}
		c.surrenderLease(ctx, l, "worker deregistered")
	}
	c.appendHistory(ctx, "", id, "worker-deregistered", "")
	return nil
}

// ReportOutcome 處理 worker 的任務結果回報。
//
// 驗證順序: 租約存在 → worker 相符 → 世代相符。
// 任一不符回傳 ErrStaleLease；重複回報同種結果回傳 nil。
func (c *Core) ReportOutcome(ctx context.Context, workerID types.WorkerID, leaseID types.LeaseID, out *types.Outcome) error {
	l, err := c.store.GetLease(ctx, leaseID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// 租約已結案。同種結果曾記錄過 → 重複回報，冪等成功；
			// 否則（逾時回收或不同種結果搶先）→ 過期租約
			if dup, derr := c.store.HasOutcome(ctx, leaseID, out.Kind); derr == nil && dup {
				return nil
			}
			return fmt.Errorf("scheduler: lease %s: %w", leaseID, ErrStaleLease)
		}
		return err
	}
	if l.WorkerID != workerID {
		return fmt.Errorf("scheduler: lease %s held by %s: %w", leaseID, l.WorkerID, ErrStaleLease)
	}
	if cur := c.reg.Epoch(workerID); cur != 0 && cur != l.Epoch {
		return fmt.Errorf("scheduler: lease %s epoch %d != current %d: %w",
			leaseID, l.Epoch, cur, ErrStaleLease)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch out.Kind {
	case types.OutcomeCompleted:
		return c.applySuccessLocked(ctx, l, out)
	case types.OutcomeCancelled:
		return c.applyCancelledLocked(ctx, l, out)
	case types.OutcomeFailed:
		c.applyFailureLocked(ctx, l, out, "worker")
		return nil
	default:
		return fmt.Errorf("scheduler: unknown outcome kind %q", out.Kind)
	}
}

// applySuccessLocked 套用成功結果
func (c *Core) applySuccessLocked(ctx context.Context, l *types.Lease, out *types.Outcome) error {
	nowMs := c.clk.NowMs()

	err := c.store.CompleteLease(ctx, l.ID, types.OutcomeCompleted, types.StatusCompleted)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyReported) {
			return nil // 冪等：同種結果重複回報
		}
		return err
	}

	c.policy.CloseAttempt(l.JobID, nowMs, "")
	c.policy.Forget(l.JobID)
	c.reg.RecordOutcome(ctx, l.WorkerID, l.JobID, true, out.Duration.Milliseconds())
	c.graph.SetStatus(l.JobID, types.StatusCompleted)

	latency := float64(nowMs-l.IssuedAt) / 1000.0
	c.sink.Emit(observer.Event{
		Kind:           observer.EventJobCompleted,
		JobID:          l.JobID,
		WorkerID:       l.WorkerID,
		LatencySeconds: latency,
	})
	c.appendHistory(ctx, l.JobID, l.WorkerID, string(observer.EventJobCompleted), "")
	log.Info("Job completed", "jobID", l.JobID, "workerID", l.WorkerID, "latency", latency)

	rel := c.graph.OnJobTerminal(l.JobID, types.StatusCompleted)
	c.applyReleaseLocked(ctx, rel, nowMs)
	return nil
}

// applyCancelledLocked 套用取消結果（worker 確認已中止）
func (c *Core) applyCancelledLocked(ctx context.Context, l *types.Lease, out *types.Outcome) error {
	nowMs := c.clk.NowMs()

	err := c.store.CompleteLease(ctx, l.ID, types.OutcomeCancelled, types.StatusCancelled)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyReported) {
			return nil
		}
		return err
	}

	c.policy.CloseAttempt(l.JobID, nowMs, "cancelled")
	c.policy.Forget(l.JobID)
	c.reg.RecordOutcome(ctx, l.WorkerID, l.JobID, false, out.Duration.Milliseconds())
	c.graph.SetStatus(l.JobID, types.StatusCancelled)

	c.sink.Emit(observer.Event{Kind: observer.EventJobCancelled, JobID: l.JobID, WorkerID: l.WorkerID})
	c.appendHistory(ctx, l.JobID, l.WorkerID, string(observer.EventJobCancelled), "")
	log.Info("Job cancelled by worker", "jobID", l.JobID, "workerID", l.WorkerID)

	rel := c.graph.OnJobTerminal(l.JobID, types.StatusCancelled)
	c.applyReleaseLocked(ctx, rel, nowMs)
	return nil
}

// Assignment 一份已簽發的租約連同其任務內容
type Assignment struct {
	Lease types.Lease
	Job   types.Job
}

// Assignments 回傳 worker 目前持有的全部租約與對應任務。
// worker 以輪詢方式領取工作。
func (c *Core) Assignments(ctx context.Context, workerID types.WorkerID) ([]Assignment, error) {
	leases, err := c.store.ListLeasesByWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	out := make([]Assignment, 0, len(leases))
	for _, l := range leases {
		j, err := c.store.GetJob(ctx, l.JobID)
		if err != nil {
			continue
		}
		out = append(out, Assignment{Lease: *l, Job: *j})
	}
	return out, nil
}

// GetWorker 讀取 worker 記錄
func (c *Core) GetWorker(ctx context.Context, id types.WorkerID) (*types.Worker, error) {
	if w, ok := c.reg.Get(id); ok {
		return &w, nil
	}
	return c.store.GetWorker(ctx, id)
}

// ListWorkers 列出所有 worker 記錄
func (c *Core) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	return c.store.ListWorkers(ctx)
}
