// ============================================================================
// Falcon-Sched Scheduler API - 任務操作介面
// ============================================================================
//
// Package: internal/scheduler
// 文件: api.go
// 功能: 提交、依賴管理、取消、查詢與 DLQ 操作
//
// 所有寫入型操作在唯讀模式下回傳 ErrReadOnly。
// 跨元件轉移一律在 c.mu 下執行。
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/falcon-sched/internal/observer"
	"github.com/ChuLiYu/falcon-sched/internal/queue"
	"github.com/ChuLiYu/falcon-sched/internal/storage"
	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// ============================================================================
// 提交
// ============================================================================

// DepSpec 提交時聲明的依賴邊（parent 必須已存在）
type DepSpec struct {
	Parent types.JobID
	Type   types.DependencyType
}

// SubmitRequest 任務提交請求
type SubmitRequest struct {
	ID           types.JobID // 空值時自動產生
	Name         string
	Payload      []byte
	Band         types.PriorityBand
	BasePriority int // 1..1000，0 視為 500
	Capabilities []string
	ScheduledAt  int64 // Unix 毫秒，0 表示立即
	EstDuration  time.Duration
	MaxAttempts  int // 0 視為 3
	Deps         []DepSpec
}

// SubmitJob 提交任務，全有或全無：任一依賴邊不合法
// （未知 parent、成環、不可滿足）時整個提交失敗，不留任何痕跡。
//
// 無未滿足依賴且計畫時間已到的任務直接進入 Ready 並入隊。
func (c *Core) SubmitJob(ctx context.Context, req SubmitRequest) (*types.Job, error) {
	if c.readOnly.Load() {
		return nil, ErrReadOnly
	}
	if err := validateSubmit(&req); err != nil {
		return nil, err
	}

	now := c.clk.NowMs()
	j := &types.Job{
		ID:           req.ID,
		Name:         req.Name,
		Payload:      req.Payload,
		Band:         req.Band,
		BasePriority: req.BasePriority,
		Capabilities: req.Capabilities,
		ScheduledAt:  req.ScheduledAt,
		EstDuration:  req.EstDuration,
		Status:       types.StatusPending,
		MaxAttempts:  req.MaxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// 先在圖上驗證全部邊（可完整回滾），通過後才寫儲存
	c.graph.AddJob(j.ID, types.StatusPending)
	var added []types.JobID
	for _, d := range req.Deps {
		if err := c.graph.AddEdge(d.Parent, j.ID, d.Type); err != nil {
			for _, p := range added {
				c.graph.RemoveEdge(p, j.ID) //nolint:errcheck // 回滾路徑
			}
			c.graph.RemoveJob(j.ID)
			return nil, fmt.Errorf("scheduler: dependency %s -> %s: %w", d.Parent, j.ID, err)
		}
		added = append(added, d.Parent)
	}

	if err := c.store.PutJob(ctx, j); err != nil {
		for _, p := range added {
			c.graph.RemoveEdge(p, j.ID) //nolint:errcheck
		}
		c.graph.RemoveJob(j.ID)
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, fmt.Errorf("scheduler: job %s: %w", j.ID, err)
		}
		return nil, err
	}
	for _, d := range req.Deps {
		dep := &types.Dependency{Parent: d.Parent, Child: j.ID, Type: d.Type, CreatedAt: now}
		if err := c.store.AddDependency(ctx, dep); err != nil && !errors.Is(err, storage.ErrDuplicate) {
			// 儲存與圖已部分分歧，無法自動回滾已寫入的任務
			c.fatal(fmt.Sprintf("dependency persist failed after job write: %v", err))
			return nil, err
		}
	}

	c.sink.Emit(observer.Event{Kind: observer.EventJobSubmitted, JobID: j.ID})
	c.appendHistory(ctx, j.ID, "", string(observer.EventJobSubmitted), j.Name)

	// 無未滿足依賴 → 直接就緒
	if c.graph.UnsatisfiedCount(j.ID) == 0 {
		if err := c.store.UpdateJobStatus(ctx, j.ID, types.StatusPending, types.StatusReady); err == nil {
			j.Status = types.StatusReady
			c.graph.SetStatus(j.ID, types.StatusReady)
			c.enqueueLocked(ctx, j.ID, now)
		}
	}

	log.Info("Job submitted", "jobID", j.ID, "name", j.Name, "band", j.Band, "deps", len(req.Deps))
	out := *j
	return &out, nil
}

// validateSubmit 驗證並補全提交請求
func validateSubmit(req *SubmitRequest) error {
	if req.ID == "" {
		req.ID = types.JobID(uuid.NewString())
	}
	if req.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	switch req.Band {
	case types.BandHigh, types.BandNormal, types.BandLow:
	case "":
		req.Band = types.BandNormal
	default:
		return fmt.Errorf("%w: unknown band %q", ErrInvalidJob, req.Band)
	}
	if req.BasePriority == 0 {
		req.BasePriority = 500
	}
	if req.BasePriority < 1 || req.BasePriority > 1000 {
		return fmt.Errorf("%w: base priority %d out of range 1..1000", ErrInvalidJob, req.BasePriority)
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = 3
	}
	if req.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be >= 1", ErrInvalidJob)
	}
	for _, d := range req.Deps {
		switch d.Type {
		case types.DepMustComplete, types.DepMustSucceed, types.DepMustStart, types.DepSoft:
		default:
			return fmt.Errorf("%w: unknown dependency type %q", ErrInvalidJob, d.Type)
		}
	}
	return nil
}

// ============================================================================
// 依賴管理
// ============================================================================

// AddDependency 為既有任務補加依賴邊。
//
// 限制: child 必須尚未開始執行（Pending 或 Ready）。
// child 原本 Ready 且新邊未滿足時，child 退回 Pending 並離開隊列。
func (c *Core) AddDependency(ctx context.Context, parent, child types.JobID, typ types.DependencyType) error {
	if c.readOnly.Load() {
		return ErrReadOnly
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	j, err := c.store.GetJob(ctx, child)
	if err != nil {
		return err
	}
	if j.Status != types.StatusPending && j.Status != types.StatusReady {
		return fmt.Errorf("scheduler: job %s is %s: %w", child, j.Status, ErrJobTerminal)
	}

	if err := c.graph.AddEdge(parent, child, typ); err != nil {
		return err
	}
	dep := &types.Dependency{Parent: parent, Child: child, Type: typ, CreatedAt: c.clk.NowMs()}
	if err := c.store.AddDependency(ctx, dep); err != nil {
		c.graph.RemoveEdge(parent, child) //nolint:errcheck // 回滾路徑
		return err
	}

	// 新邊未滿足 → Ready 任務退回 Pending
	if j.Status == types.StatusReady && c.graph.UnsatisfiedCount(child) > 0 {
		if err := c.store.UpdateJobStatus(ctx, child, types.StatusReady, types.StatusPending); err == nil {
			c.graph.SetStatus(child, types.StatusPending)
			c.queue.Remove(child)
			delete(c.deferred, child)
		}
	}
	return nil
}

// RemoveDependency 移除依賴邊，可能讓 child 就緒
func (c *Core) RemoveDependency(ctx context.Context, parent, child types.JobID) error {
	if c.readOnly.Load() {
		return ErrReadOnly
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rel, err := c.graph.RemoveEdge(parent, child)
	if err != nil {
		return err
	}
	if err := c.store.RemoveDependency(ctx, parent, child); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	c.applyReleaseLocked(ctx, rel, c.clk.NowMs())
	return nil
}

// ============================================================================
// 取消
// ============================================================================

// CancelJob 取消任務。
//
//   - Pending / Ready / Failed（等待重試）: 立即轉 Cancelled，
//     並級聯處理依賴者（must_succeed / must_start 的 child 一併取消）
//   - Running: 標記取消請求，worker 於心跳/輪詢看到後中止，
//     最終以 Cancelled 結果回報結案
//   - 終態: 回傳 ErrJobTerminal
func (c *Core) CancelJob(ctx context.Context, id types.JobID) error {
	if c.readOnly.Load() {
		return ErrReadOnly
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	j, err := c.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		return fmt.Errorf("scheduler: job %s is %s: %w", id, j.Status, ErrJobTerminal)
	}

	if j.Status == types.StatusRunning {
		if j.CancelRequested {
			return nil // 冪等
		}
		j.CancelRequested = true
		j.UpdatedAt = c.clk.NowMs()
		if err := c.store.UpdateJob(ctx, j); err != nil {
			return err
		}
		c.appendHistory(ctx, id, "", "job-cancel-requested", "")
		log.Info("Cancel requested for running job", "jobID", id)
		return nil
	}

	c.cancelCascadeLocked(ctx, id, "cancelled by request", c.clk.NowMs())
	return nil
}

// ============================================================================
// 查詢
// ============================================================================

// GetJob 讀取任務
func (c *Core) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	return c.store.GetJob(ctx, id)
}

// ListJobs 列出任務
func (c *Core) ListJobs(ctx context.Context, f storage.JobFilter, p storage.Page) ([]*types.Job, error) {
	return c.store.ListJobs(ctx, f, p)
}

// GetDependencies 列出任務的上游依賴邊
func (c *Core) GetDependencies(ctx context.Context, id types.JobID) ([]*types.Dependency, error) {
	return c.store.ListDependencies(ctx, id, false)
}

// QueueSnapshot 回傳隊列前 limit 個項目（分派順序）
func (c *Core) QueueSnapshot(limit int) []queue.Item {
	return c.queue.Snapshot(limit)
}

// Stats 引擎瞬時統計
type Stats struct {
	JobsByStatus    map[types.JobStatus]int    `json:"jobs_by_status"`
	WorkersByStatus map[types.WorkerStatus]int `json:"workers_by_status"`
	QueueLen        int                        `json:"queue_len"`
	Deferred        int                        `json:"deferred"`
	Delayed         int                        `json:"delayed"`
	PendingRetries  int                        `json:"pending_retries"`
	ActiveLeases    int                        `json:"active_leases"`
	ReadOnly        bool                       `json:"read_only"`
}

// GetStats 彙整引擎統計
func (c *Core) GetStats(ctx context.Context) (*Stats, error) {
	jobs, err := c.store.ListJobs(ctx, storage.JobFilter{}, storage.Page{})
	if err != nil {
		return nil, err
	}
	leases, err := c.store.ListLeases(ctx)
	if err != nil {
		return nil, err
	}

	st := &Stats{
		JobsByStatus:    make(map[types.JobStatus]int),
		WorkersByStatus: c.reg.CountByStatus(),
		QueueLen:        c.queue.Len(),
		Delayed:         c.disp.PendingDelayed(),
		PendingRetries:  c.retries.Len(),
		ActiveLeases:    len(leases),
		ReadOnly:        c.readOnly.Load(),
	}
	for _, j := range jobs {
		st.JobsByStatus[j.Status]++
	}

	c.mu.Lock()
	st.Deferred = len(c.deferred)
	c.mu.Unlock()
	return st, nil
}

// ============================================================================
// DLQ 操作
// ============================================================================

// ListDLQ 列出死信條目
func (c *Core) ListDLQ(ctx context.Context, p storage.Page) ([]*types.DLQEntry, error) {
	return c.store.ListDLQ(ctx, p)
}

// RetryDLQ 將死信任務重新就緒。
// resetAttempts 為 true 時嘗試計數歸零（完整重試額度）。
func (c *Core) RetryDLQ(ctx context.Context, id types.JobID, resetAttempts bool) error {
	if c.readOnly.Load() {
		return ErrReadOnly
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.store.GetDLQ(ctx, id); err != nil {
		return err
	}
	j, err := c.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.Status != types.StatusDeadLettered {
		return fmt.Errorf("scheduler: job %s is %s: %w", id, j.Status, ErrNotDeadLettered)
	}

	now := c.clk.NowMs()
	j.Status = types.StatusReady
	j.LastError = ""
	if resetAttempts {
		j.Attempt = 0
	}
	j.UpdatedAt = now
	if err := c.store.UpdateJob(ctx, j); err != nil {
		return err
	}
	if err := c.store.DeleteDLQ(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	c.policy.Forget(id)
	c.graph.SetStatus(id, types.StatusReady)
	c.enqueueLocked(ctx, id, now)
	c.appendHistory(ctx, id, "", "dlq-retried", "")
	log.Info("DLQ job re-queued", "jobID", id, "resetAttempts", resetAttempts)
	return nil
}

// DiscardDLQ 丟棄死信條目（任務維持 DeadLettered 終態）
func (c *Core) DiscardDLQ(ctx context.Context, id types.JobID) error {
	if c.readOnly.Load() {
		return ErrReadOnly
	}
	if err := c.store.DeleteDLQ(ctx, id); err != nil {
		return err
	}
	c.appendHistory(ctx, id, "", "dlq-discarded", "")
	return nil
}
