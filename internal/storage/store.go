// ============================================================================
// Falcon-Sched Store - 持久化儲存介面
// ============================================================================
//
// Package: internal/storage
// 文件: store.go
// 功能: 定義引擎對持久層的完整契約
//
// 設計理念:
//   引擎假設一個「交易式 KV + 索引」儲存介面：
//   1. 每個操作都是原子的，多實體寫入（如 IssueLease）在單一交易內完成
//   2. 狀態變更採用 compare-and-set 語義，以 expected 狀態做前置檢查
//   3. 實作自行負責序列化；引擎只依賴本介面
//
// 錯誤語義:
//   - ErrNotFound:    實體不存在
//   - ErrConflict:    CAS 前置條件不符（呼叫者必須重讀後決定，不可盲目重試）
//   - ErrUnavailable: 暫時性失敗（呼叫者以指數退避重試）
//   - ErrAlreadyReported: 租約結果重複回報（冪等鍵 leaseID+kind 已存在）
//
// 實作:
//   - memory: 純記憶體，測試與 demo 使用
//   - badger: badgerhold 嵌入式儲存，生產使用
//
// ============================================================================

package storage

import (
	"context"
	"errors"

	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNotFound 實體不存在
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict CAS 前置條件不符或唯一性約束衝突
	ErrConflict = errors.New("storage: conflict")
	// ErrUnavailable 暫時性失敗，可重試
	ErrUnavailable = errors.New("storage: unavailable")
	// ErrDuplicate 實體已存在（PutJob 對既有 ID、AddDependency 對既有邊）
	ErrDuplicate = errors.New("storage: duplicate")
	// ErrAlreadyReported 同一租約的同一種結果已處理過
	ErrAlreadyReported = errors.New("storage: outcome already reported")
)

// ============================================================================
// 查詢輔助結構
// ============================================================================

// JobFilter 任務列表查詢條件
type JobFilter struct {
	Status types.JobStatus // 空字串表示不過濾
	Band   types.PriorityBand
}

// Page 分頁參數
type Page struct {
	Offset int
	Limit  int // <= 0 表示不限制
}

// LeaseOutcome CompleteLease 的冪等紀錄
type LeaseOutcome struct {
	LeaseID    types.LeaseID   `json:"lease_id"`
	Kind       types.OutcomeKind `json:"kind"`
	ReportedAt int64           `json:"reported_at"`
}

// ============================================================================
// Store 介面
// ============================================================================

// Store 是引擎的持久化契約。所有方法都是原子的。
//
// 併發：序列化由實作負責；引擎保證不會在同一個邏輯動作內
// 發出兩個互相衝突的寫入。
type Store interface {
	// --- 任務 ---

	// PutJob 寫入新任務。ID 已存在時回傳 ErrDuplicate。
	PutJob(ctx context.Context, j *types.Job) error

	// GetJob 讀取任務。回傳的是副本，呼叫者可自由修改。
	GetJob(ctx context.Context, id types.JobID) (*types.Job, error)

	// UpdateJob 以 CAS 語義覆寫任務：僅當儲存中的版本等於 j.Version
	// 時寫入，成功後遞增版本。版本不符回傳 ErrConflict。
	UpdateJob(ctx context.Context, j *types.Job) error

	// UpdateJobStatus 以 CAS 語義變更任務狀態：僅當當前狀態等於
	// expected 時寫入 next。狀態不符回傳 ErrConflict。
	UpdateJobStatus(ctx context.Context, id types.JobID, expected, next types.JobStatus) error

	// ListJobs 依條件列出任務，按 CreatedAt 升冪排序。
	ListJobs(ctx context.Context, f JobFilter, p Page) ([]*types.Job, error)

	// --- 依賴邊 ---

	// AddDependency 新增依賴邊。邊已存在回傳 ErrDuplicate，
	// 任一端任務不存在回傳 ErrNotFound。
	AddDependency(ctx context.Context, d *types.Dependency) error

	// RemoveDependency 移除依賴邊。
	RemoveDependency(ctx context.Context, parent, child types.JobID) error

	// ListDependencies 列出與任務相關的邊。asParent 為 true 列出
	// 以該任務為 parent 的邊，否則列出以該任務為 child 的邊。
	ListDependencies(ctx context.Context, id types.JobID, asParent bool) ([]*types.Dependency, error)

	// AllDependencies 列出所有邊，供啟動恢復重建記憶體圖。
	AllDependencies(ctx context.Context) ([]*types.Dependency, error)

	// --- Worker ---

	// PutWorker 寫入（或覆寫）worker 記錄。
	PutWorker(ctx context.Context, w *types.Worker) error

	GetWorker(ctx context.Context, id types.WorkerID) (*types.Worker, error)

	// UpdateWorkerHeartbeat 更新最後心跳時間。
	UpdateWorkerHeartbeat(ctx context.Context, id types.WorkerID, nowMs int64) error

	// UpdateWorkerStatus CAS 變更 worker 狀態。
	UpdateWorkerStatus(ctx context.Context, id types.WorkerID, expected, next types.WorkerStatus) error

	ListWorkers(ctx context.Context) ([]*types.Worker, error)

	// --- 租約 ---

	// IssueLease 原子地：檢查任務狀態為 Ready 且無有效租約，
	// 寫入租約並將任務狀態設為 Running。
	// 前置條件不符回傳 ErrConflict。
	IssueLease(ctx context.Context, lease *types.Lease) error

	// CompleteLease 原子地：記錄 (leaseID, kind) 冪等鍵、刪除租約、
	// 將任務狀態設為 next。同一冪等鍵重複呼叫回傳 ErrAlreadyReported
	// 且不產生任何變更。
	CompleteLease(ctx context.Context, leaseID types.LeaseID, kind types.OutcomeKind, next types.JobStatus) error

	// HasOutcome 查詢 (leaseID, kind) 冪等鍵是否已記錄。
	// 重複回報的判定依據：租約已不存在但冪等鍵存在 → 同種結果重複回報。
	HasOutcome(ctx context.Context, leaseID types.LeaseID, kind types.OutcomeKind) (bool, error)

	// GetLease 以租約 ID 讀取。
	GetLease(ctx context.Context, id types.LeaseID) (*types.Lease, error)

	// GetLeaseByJob 讀取任務的有效租約，不存在回傳 ErrNotFound。
	GetLeaseByJob(ctx context.Context, jobID types.JobID) (*types.Lease, error)

	// ListLeases 列出所有有效租約。
	ListLeases(ctx context.Context) ([]*types.Lease, error)

	// ListLeasesByWorker 列出某 worker 持有的所有有效租約。
	ListLeasesByWorker(ctx context.Context, workerID types.WorkerID) ([]*types.Lease, error)

	// --- DLQ ---

	PutDLQ(ctx context.Context, e *types.DLQEntry) error
	GetDLQ(ctx context.Context, jobID types.JobID) (*types.DLQEntry, error)
	DeleteDLQ(ctx context.Context, jobID types.JobID) error
	ListDLQ(ctx context.Context, p Page) ([]*types.DLQEntry, error)

	// --- 歷史 ---

	// AppendHistory 追加一筆稽核歷史。
	AppendHistory(ctx context.Context, e *types.HistoryEntry) error

	// Close 釋放底層資源並沖洗緩衝。
	Close() error
}
