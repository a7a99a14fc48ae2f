// Package types 定義了 falcon-sched 系統中使用的核心領域模型
//
// 設計原則（參見 DESIGN NOTES）：
//   - 所有實體都是純資料記錄（plain record），以 ID 互相引用
//   - 實體之間的關係（依賴邊、worker 持有的任務）由各自的擁有者維護：
//     依賴關係屬於 DependencyGraph，worker 槽位屬於 WorkerRegistry
//   - Store 是唯一的持久化擁有者，其他元件只保存衍生視圖
package types

import (
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// WorkerID Worker 唯一識別碼
type WorkerID string

// LeaseID 租約唯一識別碼
type LeaseID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending      JobStatus = "pending"       // 待處理：已提交但依賴尚未全部滿足
	StatusReady        JobStatus = "ready"         // 就緒：所有依賴已滿足，等待調度
	StatusRunning      JobStatus = "running"       // 執行中：已發出租約，worker 正在處理
	StatusCompleted    JobStatus = "completed"     // 完成：任務成功執行完畢（終態）
	StatusFailed       JobStatus = "failed"        // 失敗：最近一次執行失敗，可能重試
	StatusCancelled    JobStatus = "cancelled"     // 已取消（終態）
	StatusDeadLettered JobStatus = "dead_lettered" // 死信：重試耗盡或不可重試（終態）
)

// IsTerminal 回報狀態是否為終態
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusDeadLettered:
		return true
	}
	return false
}

// PriorityBand 優先級區段
type PriorityBand string

const (
	BandHigh   PriorityBand = "high"
	BandNormal PriorityBand = "normal"
	BandLow    PriorityBand = "low"
)

// Job 任務結構，代表系統中的一個工作單元
type Job struct {
	// 識別與資料
	ID      JobID  `json:"id"`      // 任務唯一識別碼
	Name    string `json:"name"`    // 人類可讀名稱
	Payload []byte `json:"payload"` // 任務資料載荷，引擎不解讀內容

	// 調度屬性
	Band         PriorityBand  `json:"band"`                   // 優先級區段
	BasePriority int           `json:"base_priority"`          // 基礎優先級 1..1000
	Capabilities []string      `json:"capabilities,omitempty"` // 所需能力標籤
	ScheduledAt  int64         `json:"scheduled_at,omitempty"` // 計畫執行時間（Unix 毫秒，0 表示立即）
	EstDuration  time.Duration `json:"est_duration,omitempty"` // 預估執行時間

	// 狀態追蹤
	Status          JobStatus `json:"status"`       // 任務當前狀態
	Attempt         int       `json:"attempt"`      // 已嘗試次數
	MaxAttempts     int       `json:"max_attempts"` // 最大嘗試次數
	LastError       string    `json:"last_error,omitempty"`
	CancelRequested bool      `json:"cancel_requested,omitempty"` // Running 任務收到取消請求

	// 時間管理（Unix 毫秒時間戳）
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`

	// CAS 版本號，每次寫入遞增
	Version uint64 `json:"version"`
}

// DependencyType 依賴邊類型
type DependencyType string

const (
	// DepMustComplete 父任務達到任一完成態即滿足（依既定策略，DeadLettered 亦滿足）
	DepMustComplete DependencyType = "must_complete"
	// DepMustSucceed 父任務必須 Completed；父任務 Failed/DeadLettered 則永久不可滿足
	DepMustSucceed DependencyType = "must_succeed"
	// DepMustStart 父任務開始執行（Running 或之後）即滿足
	DepMustStart DependencyType = "must_start"
	// DepSoft 僅供參考，永不阻塞
	DepSoft DependencyType = "soft"
)

// Dependency 有向依賴邊 parent → child
type Dependency struct {
	Parent    JobID          `json:"parent"`
	Child     JobID          `json:"child"`
	Type      DependencyType `json:"type"`
	CreatedAt int64          `json:"created_at"`
}

// WorkerStatus Worker 狀態
type WorkerStatus string

const (
	WorkerActive      WorkerStatus = "active"      // 正常：心跳正常，可接受任務
	WorkerDraining    WorkerStatus = "draining"    // 排空中：不接新任務，等待現有任務完成
	WorkerUnreachable WorkerStatus = "unreachable" // 失聯：心跳逾時
	WorkerDead        WorkerStatus = "dead"        // 死亡：失聯超過閾值，租約全數回收
)

// Worker Worker 節點記錄
type Worker struct {
	ID           WorkerID     `json:"id"`
	Address      string       `json:"address"` // 網路位址，引擎不解讀
	Capabilities []string     `json:"capabilities,omitempty"`
	MaxSlots     int          `json:"max_slots"`               // 最大並發槽位（>= 1）
	ReservedHigh int          `json:"reserved_high,omitempty"` // 保留給高優先級任務的槽位
	LoadFactor   float64      `json:"load_factor"`             // 負載係數 0.1..2.0
	PriorityMin  int          `json:"priority_min,omitempty"`  // 任務基礎優先級低於此值則不接受
	Status       WorkerStatus `json:"status"`

	// 心跳與世代
	LastHeartbeat int64  `json:"last_heartbeat"` // Unix 毫秒
	Epoch         uint64 `json:"epoch"`          // 重新註冊時遞增，使舊租約失效

	// 生涯統計
	TotalAssigned  uint64 `json:"total_assigned"`
	TotalSucceeded uint64 `json:"total_succeeded"`
	TotalFailed    uint64 `json:"total_failed"`
	// TotalExecMs 累計執行毫秒數，用於平均執行時間排名
	TotalExecMs uint64 `json:"total_exec_ms"`

	RegisteredAt int64  `json:"registered_at"`
	Version      uint64 `json:"version"`
}

// SuccessRate 回傳成功率，無歷史時視為 1.0
func (w *Worker) SuccessRate() float64 {
	done := w.TotalSucceeded + w.TotalFailed
	if done == 0 {
		return 1.0
	}
	return float64(w.TotalSucceeded) / float64(done)
}

// AvgExecMs 回傳平均執行毫秒數，無歷史時回傳 0
func (w *Worker) AvgExecMs() float64 {
	done := w.TotalSucceeded + w.TotalFailed
	if done == 0 {
		return 0
	}
	return float64(w.TotalExecMs) / float64(done)
}

// Lease 租約：一個 worker 對一個任務的限時獨占執行權
type Lease struct {
	ID       LeaseID  `json:"id"`
	JobID    JobID    `json:"job_id"`
	WorkerID WorkerID `json:"worker_id"`
	Attempt  int      `json:"attempt"`
	Epoch    uint64   `json:"epoch"` // 發出租約時 worker 的世代
	IssuedAt int64    `json:"issued_at"`
	Deadline int64    `json:"deadline"` // Unix 毫秒
}

// OutcomeKind 任務結果類型
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome Worker 回報的任務執行結果
type Outcome struct {
	Kind      OutcomeKind   `json:"kind"`
	Error     string        `json:"error,omitempty"`
	Retryable bool          `json:"retryable"` // Kind == Failed 時有效
	Duration  time.Duration `json:"duration,omitempty"`
}

// AttemptRecord 單次嘗試的紀錄，保存於 DLQ 條目中
type AttemptRecord struct {
	Attempt    int      `json:"attempt"`
	WorkerID   WorkerID `json:"worker_id,omitempty"`
	StartedAt  int64    `json:"started_at"`
	FinishedAt int64    `json:"finished_at,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// DLQEntry 死信佇列條目
type DLQEntry struct {
	JobID      JobID           `json:"job_id"`
	Name       string          `json:"name"`
	Payload    []byte          `json:"payload"`
	FinalError string          `json:"final_error"`
	Attempts   []AttemptRecord `json:"attempts"`
	EnteredAt  int64           `json:"entered_at"` // Unix 毫秒
}

// HistoryEntry 稽核歷史條目（append-only）
type HistoryEntry struct {
	Timestamp int64    `json:"timestamp"` // Unix 毫秒
	Actor     string   `json:"actor"`     // 觸發來源：api / dispatcher / failure / health / recovery
	JobID     JobID    `json:"job_id,omitempty"`
	WorkerID  WorkerID `json:"worker_id,omitempty"`
	Event     string   `json:"event"` // 事件類型，見 internal/observer
	Details   string   `json:"details,omitempty"`
}
