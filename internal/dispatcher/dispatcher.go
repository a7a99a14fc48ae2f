// ============================================================================
// Falcon-Sched Dispatcher - 任務分派迴圈
// ============================================================================
//
// Package: internal/dispatcher
// 文件: dispatcher.go
// 功能: 從就緒隊列取出任務，挑選 worker，簽發租約
//
// 分派流程（單次迭代）:
//
//	1. Pop 隊列頂端（分數最低）的任務
//	2. 從 Store 重讀任務，確認仍為 Ready 且未請求取消
//	3. Registry.SelectCandidates 取得排名候選
//	4. 無候選 → 延遲重新入隊（requeue delay），連續受阻達閾值時
//	   發出 queue-blocked 事件
//	5. 依排名嘗試：Reserve 槽位 → Store.IssueLease（交易式 CAS）
//	   - Reserve 失敗：換下一個候選
//	   - IssueLease ErrConflict：釋放槽位，任務狀態已變，放棄本輪
//	   - IssueLease ErrUnavailable：釋放槽位，指數退避後重新入隊
//	6. 簽發成功 → 發出 job-dispatched 事件並寫入稽核歷史
//
// 租約期限:
//
//	deadline = now + clamp(est_duration × slack, min_lease, max_lease)
//	est_duration 為 0 時直接取 min_lease
//
// 併發安全:
//   Run 以單一 goroutine 執行；Kick 喚醒沉睡中的迴圈。
//   兩階段簽發（先 Reserve 後 IssueLease）保證同一任務
//   不會同時存在兩份有效租約——Store 交易是最終裁決者。
//
// ============================================================================

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/falcon-sched/internal/clock"
	"github.com/ChuLiYu/falcon-sched/internal/observer"
	"github.com/ChuLiYu/falcon-sched/internal/queue"
	"github.com/ChuLiYu/falcon-sched/internal/registry"
	"github.com/ChuLiYu/falcon-sched/internal/storage"
	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

var log = slog.Default()

// Config 分派參數
type Config struct {
	// Interval 無事可做時的輪詢間隔
	Interval time.Duration
	// ActivePause 連續分派之間的節流間隔（0 表示不節流）
	ActivePause time.Duration
	// LeaseSlack 租約期限相對預估執行時間的放寬倍數
	LeaseSlack float64
	// MinLease / MaxLease 租約期限下限與上限
	MinLease time.Duration
	MaxLease time.Duration
	// RequeueDelay 無可用 worker 時的重新入隊延遲
	RequeueDelay time.Duration
	// BlockedThreshold 連續受阻達此次數時發出 queue-blocked 事件
	BlockedThreshold int
	// StoreRetries ErrUnavailable 時的簽發重試次數
	StoreRetries int
}

// DefaultConfig 回傳預設分派參數
func DefaultConfig() Config {
	return Config{
		Interval:         200 * time.Millisecond,
		LeaseSlack:       2.0,
		MinLease:         30 * time.Second,
		MaxLease:         30 * time.Minute,
		RequeueDelay:     5 * time.Second,
		BlockedThreshold: 3,
		StoreRetries:     3,
	}
}

// Scorer 重新入隊時的計分介面（由 queue.Scorer 實作）
type Scorer interface {
	Score(j *types.Job, now time.Time) int64
}

// Dispatcher 任務分派器
type Dispatcher struct {
	cfg   Config
	store storage.Store
	queue *queue.Queue
	reg   *registry.Registry
	score Scorer
	clk   clock.Clock
	sink  observer.Sink

	kick chan struct{}

	// onDispatched 簽發成功後的回呼（核心用它結算 must_start 邊
	// 並記錄嘗試開始）
	onDispatched func(ctx context.Context, j *types.Job, workerID types.WorkerID)

	// blocked 追蹤每個任務連續受阻次數
	blocked map[types.JobID]int

	// delayedMu 保護 delayed（分派 goroutine 寫入，統計查詢讀取）
	delayedMu sync.Mutex
	// delayed 保存延遲重新入隊的 (任務, 到期時刻)
	delayed map[types.JobID]delayedItem
}

type delayedItem struct {
	dueMs int64
}

// New 建立 Dispatcher
func New(cfg Config, store storage.Store, q *queue.Queue, reg *registry.Registry, score Scorer, clk clock.Clock, sink observer.Sink) *Dispatcher {
	if sink == nil {
		sink = observer.Nop{}
	}
	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		queue:   q,
		reg:     reg,
		score:   score,
		clk:     clk,
		sink:    sink,
		kick:    make(chan struct{}, 1),
		blocked: make(map[types.JobID]int),
		delayed: make(map[types.JobID]delayedItem),
	}
}

// OnDispatched 掛上簽發成功回呼。必須在 Run 之前設定。
func (d *Dispatcher) OnDispatched(fn func(ctx context.Context, j *types.Job, workerID types.WorkerID)) {
	d.onDispatched = fn
}

// Kick 喚醒分派迴圈（非阻塞，可安全併發呼叫）
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run 執行分派迴圈直到 ctx 取消
func (d *Dispatcher) Run(ctx context.Context) {
	log.Info("Dispatcher started", "interval", d.cfg.Interval)
	for {
		progressed := d.tick(ctx)
		if ctx.Err() != nil {
			log.Info("Dispatcher stopped")
			return
		}
		if progressed {
			// 還有工作：節流後立即繼續
			if d.cfg.ActivePause > 0 {
				select {
				case <-ctx.Done():
					log.Info("Dispatcher stopped")
					return
				case <-d.clk.After(d.cfg.ActivePause):
				}
			}
			continue
		}
		select {
		case <-ctx.Done():
			log.Info("Dispatcher stopped")
			return
		case <-d.kick:
		case <-d.clk.After(d.cfg.Interval):
		}
	}
}

// tick 執行一輪：先喚醒到期的延遲任務，再嘗試分派一個任務。
// 回傳是否有實質進展（分派成功或仍有待處理任務）。
func (d *Dispatcher) tick(ctx context.Context) bool {
	d.wakeDelayed()
	return d.DispatchOne(ctx)
}

// wakeDelayed 將延遲到期的任務重新放回隊列
func (d *Dispatcher) wakeDelayed() {
	now := d.clk.NowMs()

	d.delayedMu.Lock()
	var due []types.JobID
	for id, di := range d.delayed {
		if di.dueMs <= now {
			delete(d.delayed, id)
			due = append(due, id)
		}
	}
	d.delayedMu.Unlock()

	for _, id := range due {
		j, err := d.store.GetJob(context.Background(), id)
		if err != nil || j.Status != types.StatusReady {
			// 任務已消失或狀態已變，放棄
			delete(d.blocked, id)
			continue
		}
		d.queue.Push(queue.Item{
			JobID:       id,
			Score:       d.score.Score(j, d.clk.Now()),
			ScheduledAt: j.ScheduledAt,
			EnqueuedAt:  now,
		})
	}
}

// DispatchOne 嘗試分派一個任務。回傳 true 表示簽發成功
// 或隊列中仍有其他待分派的任務。
func (d *Dispatcher) DispatchOne(ctx context.Context) bool {
	it, ok := d.queue.Pop()
	if !ok {
		return false
	}
	now := d.clk.NowMs()

	// 防禦：計畫時間未到的任務延後（正常路徑由核心的定時器把關）
	if it.ScheduledAt > now {
		d.delayedMu.Lock()
		d.delayed[it.JobID] = delayedItem{dueMs: it.ScheduledAt}
		d.delayedMu.Unlock()
		return d.queue.Len() > 0
	}

	j, err := d.store.GetJob(ctx, it.JobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			delete(d.blocked, it.JobID)
			return d.queue.Len() > 0
		}
		// 儲存暫時不可用：延遲重試
		d.requeueLater(it.JobID, now)
		return false
	}
	if j.Status != types.StatusReady || j.CancelRequested {
		// 狀態已變（取消、重入等），交由狀態的擁有者處理
		delete(d.blocked, it.JobID)
		return d.queue.Len() > 0
	}

	candidates := d.reg.SelectCandidates(j)
	if len(candidates) == 0 {
		d.noCapacity(j, now)
		return d.queue.Len() > 0
	}

	highBand := j.Band == types.BandHigh
	for _, cand := range candidates {
		if err := d.reg.Reserve(cand.WorkerID, cand.Epoch, j.ID, highBand); err != nil {
			continue // 槽位被搶走，換下一個候選
		}
		lease := d.buildLease(j, cand, now)

		if err := d.issueWithRetry(ctx, lease); err != nil {
			d.reg.Release(cand.WorkerID, j.ID)
			if errors.Is(err, storage.ErrConflict) {
				// 任務狀態在簽發前已變，本輪放棄
				delete(d.blocked, j.ID)
				return d.queue.Len() > 0
			}
			// 儲存持續不可用：延遲重新入隊
			log.Warn("Lease issue failed, delaying job", "jobID", j.ID, "error", err)
			d.requeueLater(j.ID, now)
			return false
		}

		delete(d.blocked, j.ID)
		d.sink.Emit(observer.Event{
			Kind:     observer.EventJobDispatched,
			JobID:    j.ID,
			WorkerID: cand.WorkerID,
		})
		d.appendHistory(ctx, j.ID, cand.WorkerID, string(observer.EventJobDispatched), "")
		log.Info("Job dispatched", "jobID", j.ID, "workerID", cand.WorkerID, "leaseID", lease.ID)
		if d.onDispatched != nil {
			d.onDispatched(ctx, j, cand.WorkerID)
		}
		return true
	}

	// 所有候選的槽位都在競爭中輸掉
	d.noCapacity(j, now)
	return d.queue.Len() > 0
}

// buildLease 構建租約記錄
func (d *Dispatcher) buildLease(j *types.Job, cand registry.Candidate, nowMs int64) *types.Lease {
	ttl := d.cfg.MinLease
	if j.EstDuration > 0 {
		est := time.Duration(float64(j.EstDuration) * d.cfg.LeaseSlack)
		if est > ttl {
			ttl = est
		}
	}
	if ttl > d.cfg.MaxLease {
		ttl = d.cfg.MaxLease
	}
	return &types.Lease{
		ID:       types.LeaseID(uuid.NewString()),
		JobID:    j.ID,
		WorkerID: cand.WorkerID,
		Attempt:  j.Attempt,
		Epoch:    cand.Epoch,
		IssuedAt: nowMs,
		Deadline: nowMs + ttl.Milliseconds(),
	}
}

// issueWithRetry 簽發租約，ErrUnavailable 時指數退避重試。
// ErrConflict 絕不重試——前置條件已變，必須重讀。
func (d *Dispatcher) issueWithRetry(ctx context.Context, lease *types.Lease) error {
	backoff := 50 * time.Millisecond
	var err error
	for i := 0; i <= d.cfg.StoreRetries; i++ {
		err = d.store.IssueLease(ctx, lease)
		if err == nil || !errors.Is(err, storage.ErrUnavailable) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.clk.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// noCapacity 處理無可用 worker：延遲重新入隊並追蹤受阻次數
func (d *Dispatcher) noCapacity(j *types.Job, nowMs int64) {
	d.blocked[j.ID]++
	n := d.blocked[j.ID]
	if n == d.cfg.BlockedThreshold {
		d.sink.Emit(observer.Event{
			Kind:    observer.EventQueueBlocked,
			JobID:   j.ID,
			Details: fmt.Sprintf("no eligible worker after %d attempts", n),
		})
		log.Warn("Job blocked: no eligible worker", "jobID", j.ID, "attempts", n)
	}
	d.requeueLater(j.ID, nowMs)
}

// requeueLater 將任務記入延遲表，到期後由 wakeDelayed 重新入隊
func (d *Dispatcher) requeueLater(id types.JobID, nowMs int64) {
	d.delayedMu.Lock()
	d.delayed[id] = delayedItem{dueMs: nowMs + d.cfg.RequeueDelay.Milliseconds()}
	d.delayedMu.Unlock()
}

// appendHistory 寫入稽核歷史（盡力而為，失敗只記日誌）
func (d *Dispatcher) appendHistory(ctx context.Context, jobID types.JobID, workerID types.WorkerID, event, details string) {
	err := d.store.AppendHistory(ctx, &types.HistoryEntry{
		Timestamp: d.clk.NowMs(),
		Actor:     "dispatcher",
		JobID:     jobID,
		WorkerID:  workerID,
		Event:     event,
		Details:   details,
	})
	if err != nil {
		log.Warn("Failed to append history", "jobID", jobID, "error", err)
	}
}

// PendingDelayed 回傳延遲表大小（統計用）
func (d *Dispatcher) PendingDelayed() int {
	d.delayedMu.Lock()
	defer d.delayedMu.Unlock()
	return len(d.delayed)
}
