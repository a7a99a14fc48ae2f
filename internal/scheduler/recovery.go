// ============================================================================
// Falcon-Sched Scheduler Recovery - 啟動恢復
// ============================================================================
//
// Package: internal/scheduler
// 文件: recovery.go
// 功能: 從持久儲存重建引擎的記憶體狀態
//
// 恢復流程:
//
//	1. 載入全部任務 → 重建依賴圖節點
//	2. 載入全部依賴邊 → 重建圖邊（終態 parent 的邊依規則直接裁決）
//	3. 驗證圖無環——已提交的圖出現環屬於無法修復的不一致，
//	   引擎進入唯讀模式
//	4. 載入全部 worker → 重建註冊表（世代保留，租約得以驗證）
//	5. 載入全部租約 → 重新掛回 worker 槽位；孤兒租約
//	   （worker 記錄消失或已死）以可重試失敗回收
//	6. Ready 任務重新入隊（計畫時間未到的進延遲表）；
//	   Failed 任務重新排入退避表
//
// 恢復期間發現的不可滿足依賴（如 must_succeed 的 parent 已死信、
// 崩潰前未完成級聯取消）在此一併補做。
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/falcon-sched/internal/graph"
	"github.com/ChuLiYu/falcon-sched/internal/storage"
	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// recover 重建記憶體狀態。失敗時引擎不得啟動。
func (c *Core) recover(ctx context.Context) error {
	started := c.clk.Now()
	nowMs := c.clk.NowMs()

	c.mu.Lock()
	defer c.mu.Unlock()

	// --- 任務與圖節點 ---
	jobs, err := c.store.ListJobs(ctx, storage.JobFilter{}, storage.Page{})
	if err != nil {
		return fmt.Errorf("scheduler: recovery: list jobs: %w", err)
	}
	for _, j := range jobs {
		c.graph.AddJob(j.ID, j.Status)
	}

	// --- 依賴邊 ---
	deps, err := c.store.AllDependencies(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: recovery: list dependencies: %w", err)
	}
	var doomed []types.JobID
	for _, d := range deps {
		err := c.graph.AddEdge(d.Parent, d.Child, d.Type)
		switch {
		case err == nil:
		case errors.Is(err, graph.ErrUnsatisfiable):
			// 崩潰前未完成的級聯取消，補做
			doomed = append(doomed, d.Child)
		case errors.Is(err, graph.ErrDuplicate):
			// 重複邊無害
		case errors.Is(err, graph.ErrCycle):
			c.fatal(fmt.Sprintf("recovery: committed graph has a cycle at %s -> %s", d.Parent, d.Child))
			return fmt.Errorf("scheduler: recovery: edge %s -> %s: %w", d.Parent, d.Child, err)
		default:
			return fmt.Errorf("scheduler: recovery: edge %s -> %s: %w", d.Parent, d.Child, err)
		}
	}

	if err := c.graph.ValidateAcyclic(); err != nil {
		c.fatal(fmt.Sprintf("recovery: committed graph has a cycle: %v", err))
		return fmt.Errorf("scheduler: recovery: %w", err)
	}

	// --- Worker ---
	workers, err := c.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: recovery: list workers: %w", err)
	}
	c.reg.Restore(workers)

	// --- 租約 ---
	leases, err := c.store.ListLeases(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: recovery: list leases: %w", err)
	}
	var orphaned []*types.Lease
	for _, l := range leases {
		w, ok := c.reg.Get(l.WorkerID)
		if !ok || w.Status == types.WorkerDead || w.Epoch != l.Epoch {
			orphaned = append(orphaned, l)
			continue
		}
		c.reg.AttachLease(l.WorkerID, l.JobID)
	}
	for _, l := range orphaned {
		c.appendHistoryAs(ctx, "recovery", l.JobID, l.WorkerID, "lease-orphaned", "")
		c.applyFailureLocked(ctx, l, &types.Outcome{
			Kind:      types.OutcomeFailed,
			Error:     "lease orphaned during recovery",
			Retryable: true,
		}, "recovery")
	}

	// --- 隊列與退避表 ---
	requeued, retried := 0, 0
	for _, j := range jobs {
		switch j.Status {
		case types.StatusReady:
			if j.ScheduledAt > nowMs {
				c.deferred[j.ID] = j.ScheduledAt
			} else {
				c.pushQueueLocked(j.ID, nowMs)
			}
			requeued++
		case types.StatusPending:
			// 崩潰發生在 parent 結案與 child 晉升之間：補做晉升
			if c.graph.UnsatisfiedCount(j.ID) != 0 {
				continue
			}
			if err := c.store.UpdateJobStatus(ctx, j.ID, types.StatusPending, types.StatusReady); err != nil {
				log.Warn("Recovery: promote failed", "jobID", j.ID, "error", err)
				continue
			}
			c.graph.SetStatus(j.ID, types.StatusReady)
			if j.ScheduledAt > nowMs {
				c.deferred[j.ID] = j.ScheduledAt
			} else {
				c.pushQueueLocked(j.ID, nowMs)
			}
			requeued++
		case types.StatusFailed:
			// 原退避到期時刻未持久化，以首次退避延遲重排
			c.retries.Add(j.ID, nowMs+c.cfg.Retry.InitialDelay.Milliseconds())
			retried++
		}
	}

	// --- 補做級聯取消 ---
	for _, id := range doomed {
		c.cancelCascadeLocked(ctx, id, "dependency unsatisfiable (recovery)", nowMs)
	}

	elapsed := c.clk.Now().Sub(started)
	if c.gauges != nil {
		c.gauges.SetRecoveryTime(elapsed.Seconds())
	}
	c.appendHistoryAs(ctx, "recovery", "", "", "engine-recovered",
		fmt.Sprintf("jobs=%d requeued=%d retries=%d orphaned=%d", len(jobs), requeued, retried, len(orphaned)))
	log.Info("Recovery complete",
		"jobs", len(jobs), "deps", len(deps), "workers", len(workers),
		"requeued", requeued, "retries", retried, "orphanedLeases", len(orphaned),
		"elapsed", elapsed)
	return nil
}
