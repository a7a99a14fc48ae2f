// ============================================================================
// Falcon-Sched Scheduler Core - 調度引擎核心
// ============================================================================
//
// Package: internal/scheduler
// 文件: core.go
// 功能: 組裝並驅動整個調度引擎
//
// 設計理念:
//   Core 是唯一同時看得到 Store、DependencyGraph、ReadyQueue、
//   WorkerRegistry 與失敗策略的元件。所有跨元件的狀態轉移
//   （提交、結果回報、取消、租約回收）都在 Core 的互斥鎖下
//   序列化執行，維持以下不變量：
//
//     1. 任務在隊列中 ⟺ 狀態為 Ready 且計畫時間已到
//     2. 任務狀態為 Running ⟺ 存在一張有效租約
//     3. 圖中節點狀態與 Store 中狀態一致（Store 為準）
//
// 迴圈:
//   - dispatcher.Run: 分派迴圈（獨立 goroutine）
//   - tickLoop: 定時維護——重試到期、計畫時間到期、租約逾時、
//     worker 健康檢查、DLQ 保留封存、統計指標
//
// 唯讀模式:
//   偵測到無法自動修復的不一致（如已提交圖中出現環）時，
//   引擎進入唯讀模式：停止分派、拒絕寫入型 API，只接受查詢。
//   需要人工介入後重啟。
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/ChuLiYu/falcon-sched/internal/clock"
	"github.com/ChuLiYu/falcon-sched/internal/dispatcher"
	"github.com/ChuLiYu/falcon-sched/internal/failure"
	"github.com/ChuLiYu/falcon-sched/internal/graph"
	"github.com/ChuLiYu/falcon-sched/internal/observer"
	"github.com/ChuLiYu/falcon-sched/internal/queue"
	"github.com/ChuLiYu/falcon-sched/internal/registry"
	"github.com/ChuLiYu/falcon-sched/internal/storage"
	"github.com/ChuLiYu/falcon-sched/internal/storage/archive"
	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrReadOnly 引擎處於唯讀模式，拒絕寫入型操作
	ErrReadOnly = errors.New("scheduler: engine is read-only")
	// ErrJobTerminal 任務已處於終態
	ErrJobTerminal = errors.New("scheduler: job already terminal")
	// ErrStaleLease 租約不存在、已過期或 worker 世代不符
	ErrStaleLease = errors.New("scheduler: stale lease")
	// ErrInvalidJob 提交請求欄位不合法
	ErrInvalidJob = errors.New("scheduler: invalid job")
	// ErrNotDeadLettered DLQ 操作的目標任務不在死信狀態
	ErrNotDeadLettered = errors.New("scheduler: job is not dead-lettered")
)

// ============================================================================
// 配置
// ============================================================================

// Config 引擎配置
type Config struct {
	Dispatch  dispatcher.Config
	Retry     failure.RetryPolicy
	Retention failure.Retention
	Score     queue.ScoreConfig

	// HeartbeatTimeout 心跳逾時（Active → Unreachable）
	HeartbeatTimeout time.Duration
	// DeadThreshold 死亡閾值（→ Dead，租約全數回收）
	DeadThreshold time.Duration
	// TickInterval 維護迴圈間隔
	TickInterval time.Duration
	// LeaseSweepInterval 租約逾時掃描間隔（0 表示每輪 Tick 都掃）
	LeaseSweepInterval time.Duration
	// HealthCheckInterval worker 健康檢查間隔（0 表示每輪 Tick 都檢）
	HealthCheckInterval time.Duration
	// RetentionInterval DLQ 封存檢查間隔
	RetentionInterval time.Duration
	// MaxDepth 依賴鏈深度上限
	MaxDepth int
	// RetrySeed 退避抖動種子（0 使用當前時間）
	RetrySeed int64
}

// DefaultConfig 回傳預設引擎配置
func DefaultConfig() Config {
	return Config{
		Dispatch:          dispatcher.DefaultConfig(),
		Retry:             failure.DefaultRetryPolicy(),
		Retention:         failure.DefaultRetention(),
		Score:             queue.DefaultScoreConfig(),
		HeartbeatTimeout:  2 * time.Minute,
		DeadThreshold:     10 * time.Minute,
		TickInterval:      500 * time.Millisecond,
		RetentionInterval: time.Hour,
		MaxDepth:          graph.DefaultMaxDepth,
	}
}

// Gauges 瞬時統計的接收端（由 metrics.Collector 實作，可為 nil）
type Gauges interface {
	UpdateEngineStats(ready, running, activeWorkers int)
	SetRecoveryTime(seconds float64)
}

// ============================================================================
// Core
// ============================================================================

// Core 調度引擎
type Core struct {
	cfg   Config
	store storage.Store
	graph *graph.Graph
	queue *queue.Queue
	score *queue.Scorer
	reg   *registry.Registry
	disp  *dispatcher.Dispatcher

	policy  *failure.Policy
	retries *failure.RetrySchedule

	clk    clock.Clock
	sink   observer.Sink
	gauges Gauges
	arch   *archive.Writer // nil 表示不封存

	// mu 序列化所有跨元件狀態轉移
	mu sync.Mutex
	// deferred 保存 Ready 但計畫時間未到的任務
	deferred map[types.JobID]int64

	readOnly atomic.Bool

	loopCancel context.CancelFunc
	wg         sync.WaitGroup

	// 各維護動作的上次執行時刻（Unix 毫秒，僅 tick goroutine 讀寫）
	lastSweep       int64 // DLQ 封存
	lastLeaseSweep  int64 // 租約逾時掃描
	lastHealthCheck int64 // worker 健康檢查
}

// Option 配置 Core 的可選項
type Option func(*Core)

// WithGauges 掛上統計接收端
func WithGauges(g Gauges) Option {
	return func(c *Core) { c.gauges = g }
}

// WithArchiver 掛上 DLQ 封存寫入器
func WithArchiver(w *archive.Writer) Option {
	return func(c *Core) { c.arch = w }
}

// WithSink 掛上事件接收端
func WithSink(s observer.Sink) Option {
	return func(c *Core) { c.sink = s }
}

// New 組裝引擎。啟動恢復在 Start 時執行。
func New(cfg Config, store storage.Store, clk clock.Clock, opts ...Option) *Core {
	if clk == nil {
		clk = clock.NewReal()
	}
	seed := cfg.RetrySeed
	if seed == 0 {
		seed = clk.NowMs()
	}

	c := &Core{
		cfg:      cfg,
		store:    store,
		graph:    graph.New(cfg.MaxDepth),
		queue:    queue.New(),
		score:    queue.NewScorer(cfg.Score),
		clk:      clk,
		sink:     observer.Nop{},
		policy:   failure.NewPolicy(cfg.Retry, seed),
		retries:  failure.NewRetrySchedule(),
		deferred: make(map[types.JobID]int64),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.reg = registry.New(store, clk)
	c.disp = dispatcher.New(cfg.Dispatch, store, c.queue, c.reg, c.score, clk, c.sink)
	c.disp.OnDispatched(func(ctx context.Context, j *types.Job, workerID types.WorkerID) {
		c.mu.Lock()
		defer c.mu.Unlock()
		nowMs := c.clk.NowMs()
		c.policy.RecordStart(j.ID, workerID, j.Attempt, nowMs)
		rel := c.graph.MarkRunning(j.ID)
		c.applyReleaseLocked(ctx, rel, nowMs)
	})
	return c
}

// Start 執行啟動恢復並啟動引擎迴圈
func (c *Core) Start(ctx context.Context) error {
	if err := c.recover(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.loopCancel = cancel

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.disp.Run(loopCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.tickLoop(loopCtx)
	}()

	log.Info("Scheduler started",
		"jobs", c.graph.Len(), "queued", c.queue.Len())
	return nil
}

// Stop 優雅關閉：停止迴圈、等待收尾、關閉儲存。
// 執行中的租約不回收——重啟後由恢復流程接手。
func (c *Core) Stop() error {
	if c.loopCancel != nil {
		c.loopCancel()
	}
	c.wg.Wait()
	log.Info("Scheduler stopped")
	return c.store.Close()
}

// ReadOnly 回報引擎是否處於唯讀模式
func (c *Core) ReadOnly() bool {
	return c.readOnly.Load()
}

// fatal 進入唯讀模式
func (c *Core) fatal(reason string) {
	if c.readOnly.Swap(true) {
		return
	}
	log.Error("Engine entering read-only mode", "reason", reason)
	c.sink.Emit(observer.Event{Kind: observer.EventFatal, Details: reason})
	if c.loopCancel != nil {
		c.loopCancel()
	}
}

// ============================================================================
// 維護迴圈
// ============================================================================

// tickLoop 定時維護迴圈
func (c *Core) tickLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clk.After(c.cfg.TickInterval):
		}
		c.Tick(ctx)
	}
}

// Tick 執行一輪維護。導出供測試以假時鐘驅動。
func (c *Core) Tick(ctx context.Context) {
	now := c.clk.NowMs()

	c.releaseDueRetries(ctx, now)
	c.releaseDueDeferred(now)

	if now-c.lastLeaseSweep >= c.cfg.LeaseSweepInterval.Milliseconds() {
		c.lastLeaseSweep = now
		c.sweepExpiredLeases(ctx, now)
	}
	if now-c.lastHealthCheck >= c.cfg.HealthCheckInterval.Milliseconds() {
		c.lastHealthCheck = now
		c.checkWorkerHealth(ctx, now)
	}

	if c.arch != nil && now-c.lastSweep >= c.cfg.RetentionInterval.Milliseconds() {
		c.lastSweep = now
		if _, err := failure.SweepDLQ(ctx, c.store, c.arch, c.cfg.Retention, c.clk.Now()); err != nil {
			log.Warn("DLQ retention sweep failed", "error", err)
		}
	}

	c.publishStats()
}

// releaseDueRetries 將退避到期的任務重新就緒
func (c *Core) releaseDueRetries(ctx context.Context, nowMs int64) {
	for _, id := range c.retries.Due(nowMs) {
		c.mu.Lock()
		err := c.store.UpdateJobStatus(ctx, id, types.StatusFailed, types.StatusReady)
		if err != nil {
			c.mu.Unlock()
			if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
				// 任務已被取消或移除
				continue
			}
			// 儲存暫時不可用：放回排程表下輪重試
			c.retries.Add(id, nowMs)
			continue
		}
		c.graph.SetStatus(id, types.StatusReady)
		c.enqueueLocked(ctx, id, nowMs)
		c.mu.Unlock()
	}
}

// releaseDueDeferred 將計畫時間到期的任務放入隊列
func (c *Core) releaseDueDeferred(nowMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, due := range c.deferred {
		if due > nowMs {
			continue
		}
		delete(c.deferred, id)
		c.pushQueueLocked(id, nowMs)
	}
}

// sweepExpiredLeases 回收逾時租約，視同可重試失敗
func (c *Core) sweepExpiredLeases(ctx context.Context, nowMs int64) {
	leases, err := c.store.ListLeases(ctx)
	if err != nil {
		log.Warn("Lease sweep: list failed", "error", err)
		return
	}
	for _, l := range leases {
		if l.Deadline > nowMs {
			continue
		}
		log.Warn("Lease expired", "leaseID", l.ID, "jobID", l.JobID, "workerID", l.WorkerID)
		c.surrenderLease(ctx, l, "lease expired")
	}
}

// checkWorkerHealth 執行心跳檢查並回收死亡 worker 的租約
func (c *Core) checkWorkerHealth(ctx context.Context, nowMs int64) {
	res := c.reg.CheckHealth(ctx, nowMs,
		c.cfg.HeartbeatTimeout.Milliseconds(), c.cfg.DeadThreshold.Milliseconds())

	for _, id := range res.WentUnreachable {
		c.sink.Emit(observer.Event{Kind: observer.EventWorkerUnreachable, WorkerID: id})
	}
	for _, id := range res.WentDead {
		c.sink.Emit(observer.Event{Kind: observer.EventWorkerDead, WorkerID: id})
		c.appendHistory(ctx, "", id, string(observer.EventWorkerDead), "")

		leases, err := c.store.ListLeasesByWorker(ctx, id)
		if err != nil {
			log.Warn("Failed to list leases of dead worker", "workerID", id, "error", err)
			continue
		}
		for _, l := range leases {
			c.surrenderLease(ctx, l, "worker dead")
		}
	}
}

// surrenderLease 以合成的可重試失敗結束租約
func (c *Core) surrenderLease(ctx context.Context, l *types.Lease, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.applyFailureLocked(ctx, l, &types.Outcome{
		Kind:      types.OutcomeFailed,
		Error:     reason,
		Retryable: true,
	}, "health")
}

// publishStats 推送瞬時統計
func (c *Core) publishStats() {
	if c.gauges == nil {
		return
	}
	running := 0
	if leases, err := c.store.ListLeases(context.Background()); err == nil {
		running = len(leases)
	}
	active := c.reg.CountByStatus()[types.WorkerActive]
	c.gauges.UpdateEngineStats(c.queue.Len(), running, active)
}

// ============================================================================
// 內部轉移輔助（呼叫者必須持有 c.mu）
// ============================================================================

// enqueueLocked 將 Ready 任務送入隊列或延遲表（依計畫時間）
func (c *Core) enqueueLocked(ctx context.Context, id types.JobID, nowMs int64) {
	j, err := c.store.GetJob(ctx, id)
	if err != nil {
		log.Warn("Enqueue: job read failed", "jobID", id, "error", err)
		return
	}
	if j.ScheduledAt > nowMs {
		c.deferred[id] = j.ScheduledAt
		return
	}
	c.queue.Push(queue.Item{
		JobID:       id,
		Score:       c.score.Score(j, c.clk.Now()),
		ScheduledAt: j.ScheduledAt,
		EnqueuedAt:  nowMs,
	})
	c.sink.Emit(observer.Event{Kind: observer.EventJobReady, JobID: id})
	c.disp.Kick()
}

// pushQueueLocked 同 enqueueLocked 但跳過計畫時間檢查
func (c *Core) pushQueueLocked(id types.JobID, nowMs int64) {
	j, err := c.store.GetJob(context.Background(), id)
	if err != nil || j.Status != types.StatusReady {
		return
	}
	c.queue.Push(queue.Item{
		JobID:       id,
		Score:       c.score.Score(j, c.clk.Now()),
		ScheduledAt: j.ScheduledAt,
		EnqueuedAt:  nowMs,
	})
	c.sink.Emit(observer.Event{Kind: observer.EventJobReady, JobID: id})
	c.disp.Kick()
}

// applyReleaseLocked 套用圖釋放結果：就緒的入隊，注定失敗的級聯取消
func (c *Core) applyReleaseLocked(ctx context.Context, rel graph.Release, nowMs int64) {
	for _, id := range rel.Ready {
		if err := c.store.UpdateJobStatus(ctx, id, types.StatusPending, types.StatusReady); err != nil {
			if !errors.Is(err, storage.ErrConflict) && !errors.Is(err, storage.ErrNotFound) {
				log.Warn("Release: status update failed", "jobID", id, "error", err)
			}
			continue
		}
		c.graph.SetStatus(id, types.StatusReady)
		c.enqueueLocked(ctx, id, nowMs)
	}
	for _, id := range rel.Doomed {
		c.cancelCascadeLocked(ctx, id, "dependency unsatisfiable", nowMs)
	}
}

// cancelCascadeLocked 取消一個未開始的任務並級聯處理其依賴者
func (c *Core) cancelCascadeLocked(ctx context.Context, id types.JobID, reason string, nowMs int64) {
	j, err := c.store.GetJob(ctx, id)
	if err != nil {
		return
	}
	if j.Status.IsTerminal() || j.Status == types.StatusRunning {
		// Running 任務不被級聯取消：它已經持有租約，
		// 由其結果路徑自行結案
		return
	}

	prev := j.Status
	if err := c.store.UpdateJobStatus(ctx, id, prev, types.StatusCancelled); err != nil {
		log.Warn("Cascade cancel failed", "jobID", id, "error", err)
		return
	}
	c.queue.Remove(id)
	delete(c.deferred, id)
	c.retries.Remove(id)
	c.policy.Forget(id)
	c.graph.SetStatus(id, types.StatusCancelled)

	c.sink.Emit(observer.Event{Kind: observer.EventJobCancelled, JobID: id, Details: reason})
	c.appendHistory(ctx, id, "", string(observer.EventJobCancelled), reason)

	rel := c.graph.OnJobTerminal(id, types.StatusCancelled)
	c.applyReleaseLocked(ctx, rel, nowMs)
}

// applyFailureLocked 套用一次失敗結果（worker 回報、租約逾時、
// worker 死亡共用此路徑）
func (c *Core) applyFailureLocked(ctx context.Context, l *types.Lease, out *types.Outcome, actor string) {
	nowMs := c.clk.NowMs()

	j, err := c.store.GetJob(ctx, l.JobID)
	if err != nil {
		log.Warn("Failure: job read failed", "jobID", l.JobID, "error", err)
		return
	}

	dec := c.policy.Decide(j, out, nowMs)

	if err := c.store.CompleteLease(ctx, l.ID, types.OutcomeFailed, dec.Next); err != nil {
		if errors.Is(err, storage.ErrAlreadyReported) || errors.Is(err, storage.ErrNotFound) {
			return // 另一條路徑已結案
		}
		log.Warn("Failure: complete lease failed", "leaseID", l.ID, "error", err)
		return
	}
	c.reg.RecordOutcome(ctx, l.WorkerID, l.JobID, false, out.Duration.Milliseconds())

	c.sink.Emit(observer.Event{
		Kind:    observer.EventJobFailed,
		JobID:   j.ID,
		Details: out.Error,
	})
	c.appendHistoryAs(ctx, actor, j.ID, l.WorkerID, string(observer.EventJobFailed), out.Error)

	switch dec.Verdict {
	case failure.VerdictRetry:
		if fresh := c.bumpAttemptLocked(ctx, j.ID, out.Error, nowMs); fresh != nil {
			j = fresh
		}
		c.graph.SetStatus(j.ID, types.StatusFailed)
		c.retries.Add(j.ID, nowMs+dec.RetryDelay.Milliseconds())
		log.Info("Job scheduled for retry",
			"jobID", j.ID, "attempt", j.Attempt, "delay", dec.RetryDelay)

	case failure.VerdictDeadLetter:
		if fresh := c.bumpAttemptLocked(ctx, j.ID, out.Error, nowMs); fresh != nil {
			j = fresh
		}
		if err := c.store.PutDLQ(ctx, dec.Entry); err != nil {
			log.Warn("Failure: DLQ write failed", "jobID", j.ID, "error", err)
		}
		c.graph.SetStatus(j.ID, types.StatusDeadLettered)
		c.sink.Emit(observer.Event{Kind: observer.EventJobDeadLettered, JobID: j.ID, Details: out.Error})
		c.appendHistory(ctx, j.ID, l.WorkerID, string(observer.EventJobDeadLettered), out.Error)
		log.Warn("Job dead-lettered", "jobID", j.ID, "attempts", j.Attempt, "error", out.Error)

		rel := c.graph.OnJobTerminal(j.ID, types.StatusDeadLettered)
		c.applyReleaseLocked(ctx, rel, nowMs)
	}
}

// bumpAttemptLocked 持久化本次失敗的嘗試計數與最後錯誤。
// CompleteLease 已轉移狀態並遞增版本，必須重讀最新版本後
// 再寫回，否則 CAS 必然衝突。回傳 nil 表示重讀失敗。
func (c *Core) bumpAttemptLocked(ctx context.Context, id types.JobID, errText string, nowMs int64) *types.Job {
	j, err := c.store.GetJob(ctx, id)
	if err != nil {
		log.Warn("Failure: job re-read failed", "jobID", id, "error", err)
		return nil
	}
	j.Attempt++
	j.LastError = errText
	j.UpdatedAt = nowMs
	if err := c.store.UpdateJob(ctx, j); err != nil {
		log.Warn("Failure: attempt bump failed", "jobID", id, "error", err)
	}
	return j
}

// appendHistory 寫入稽核歷史（盡力而為）
func (c *Core) appendHistory(ctx context.Context, jobID types.JobID, workerID types.WorkerID, event, details string) {
	c.appendHistoryAs(ctx, "engine", jobID, workerID, event, details)
}

// appendHistoryAs 以指定來源寫入稽核歷史
func (c *Core) appendHistoryAs(ctx context.Context, actor string, jobID types.JobID, workerID types.WorkerID, event, details string) {
	err := c.store.AppendHistory(ctx, &types.HistoryEntry{
		Timestamp: c.clk.NowMs(),
		Actor:     actor,
		JobID:     jobID,
		WorkerID:  workerID,
		Event:     event,
		Details:   details,
	})
	if err != nil {
		log.Warn("Failed to append history", "event", event, "error", err)
	}
}
