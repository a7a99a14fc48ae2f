// ============================================================================
// Falcon-Sched Failure Policy - 重試、退避與死信
// ============================================================================
//
// Package: internal/failure
// 文件: failure.go
// 功能: 失敗結果的決策邏輯（純策略，不擁有引擎狀態）
//
// 職責說明:
//   1. 退避計算: delay = min(initial × multiplier^attempt, max) ± 25% 抖動
//   2. 結果決策: 失敗結果 → 重試（Failed + 退避）或死信（DeadLettered + DLQ）
//   3. 嘗試紀錄: 保存每個任務的嘗試歷史，死信時封存進 DLQ 條目
//   4. 重試排程: 追蹤退避到期時刻，由核心的定時迴圈取出到期任務
//
// 本套件刻意不引用 graph / queue / registry——失敗的「後果」
// （釋放依賴、重新入隊、級聯取消）由 scheduler 核心套用，
// 這裡只產出決定。
//
// ============================================================================

package failure

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// ============================================================================
// 退避策略
// ============================================================================

// RetryPolicy 指數退避參數
type RetryPolicy struct {
	InitialDelay time.Duration // 首次重試延遲
	Multiplier   float64       // 每次重試的倍率
	MaxDelay     time.Duration // 延遲上限
	JitterFrac   float64       // 抖動比例（0.25 表示 ±25%）
}

// DefaultRetryPolicy 回傳預設退避參數
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: 2 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Minute,
		JitterFrac:   0.25,
	}
}

// Delay 計算第 attempt 次重試（從 1 起算）的退避延遲。
// rng 為 nil 時不加抖動（測試用）。
func (p RetryPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			break
		}
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if rng != nil && p.JitterFrac > 0 {
		// 均勻抖動 [-jitter, +jitter]
		j := d * p.JitterFrac
		d = d - j + rng.Float64()*2*j
	}
	return time.Duration(d)
}

// ============================================================================
// 決策
// ============================================================================

// Verdict 失敗處理結論
type Verdict int

const (
	// VerdictRetry 任務轉入 Failed，退避後重新就緒
	VerdictRetry Verdict = iota
	// VerdictDeadLetter 重試耗盡或不可重試，轉入死信
	VerdictDeadLetter
)

// Decision 一次失敗結果的完整決定
type Decision struct {
	Verdict Verdict
	// Next CompleteLease 應寫入的任務狀態
	Next types.JobStatus
	// RetryDelay Verdict 為 Retry 時的退避延遲
	RetryDelay time.Duration
	// Entry Verdict 為 DeadLetter 時要寫入 DLQ 的條目
	Entry *types.DLQEntry
}

// Policy 失敗策略引擎
type Policy struct {
	retry RetryPolicy

	mu  sync.Mutex
	rng *rand.Rand
	// attempts 保存尚未終結任務的嘗試歷史
	attempts map[types.JobID][]types.AttemptRecord
}

// NewPolicy 建立策略引擎。seed 固定時抖動可重現（測試用）。
func NewPolicy(retry RetryPolicy, seed int64) *Policy {
	return &Policy{
		retry:    retry,
		rng:      rand.New(rand.NewSource(seed)),
		attempts: make(map[types.JobID][]types.AttemptRecord),
	}
}

// RecordStart 紀錄一次嘗試開始（分派成功時呼叫）
func (p *Policy) RecordStart(jobID types.JobID, workerID types.WorkerID, attempt int, nowMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[jobID] = append(p.attempts[jobID], types.AttemptRecord{
		Attempt:   attempt,
		WorkerID:  workerID,
		StartedAt: nowMs,
	})
}

// recordFinishLocked 封閉最近一次嘗試
func (p *Policy) recordFinishLocked(jobID types.JobID, nowMs int64, errText string) {
	recs := p.attempts[jobID]
	if n := len(recs); n > 0 && recs[n-1].FinishedAt == 0 {
		recs[n-1].FinishedAt = nowMs
		recs[n-1].Error = errText
	}
}

// Decide 裁決一次失敗結果。
//
// 規則:
//   - retryable 且 attempt+1 < max_attempts → Retry（Failed + 退避）
//   - 其餘 → DeadLetter（DeadLettered + DLQ 條目含完整嘗試歷史）
//
// j.Attempt 為本次（剛失敗的）嘗試序號，從 0 起算。
func (p *Policy) Decide(j *types.Job, out *types.Outcome, nowMs int64) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.recordFinishLocked(j.ID, nowMs, out.Error)

	if out.Retryable && j.Attempt+1 < j.MaxAttempts {
		delay := p.retry.Delay(j.Attempt+1, p.rng)
		return Decision{
			Verdict:    VerdictRetry,
			Next:       types.StatusFailed,
			RetryDelay: delay,
		}
	}

	entry := &types.DLQEntry{
		JobID:      j.ID,
		Name:       j.Name,
		Payload:    j.Payload,
		FinalError: out.Error,
		Attempts:   p.attempts[j.ID],
		EnteredAt:  nowMs,
	}
	delete(p.attempts, j.ID)
	return Decision{
		Verdict: VerdictDeadLetter,
		Next:    types.StatusDeadLettered,
		Entry:   entry,
	}
}

// Forget 清除任務的嘗試歷史（成功、取消或死信重試重置時呼叫）
func (p *Policy) Forget(jobID types.JobID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attempts, jobID)
}

// CloseAttempt 封閉最近一次嘗試而不做裁決
// （成功與取消的結案路徑使用）
func (p *Policy) CloseAttempt(jobID types.JobID, nowMs int64, errText string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recordFinishLocked(jobID, nowMs, errText)
}

// Attempts 回傳任務目前的嘗試歷史副本
func (p *Policy) Attempts(jobID types.JobID) []types.AttemptRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	recs := p.attempts[jobID]
	out := make([]types.AttemptRecord, len(recs))
	copy(out, recs)
	return out
}

// ============================================================================
// 重試排程
// ============================================================================

// RetrySchedule 追蹤退避到期時刻。
// 核心的定時迴圈以 Due 取出到期任務並重新就緒。
type RetrySchedule struct {
	mu  sync.Mutex
	due map[types.JobID]int64 // jobID → 到期 Unix 毫秒
}

// NewRetrySchedule 建立空排程表
func NewRetrySchedule() *RetrySchedule {
	return &RetrySchedule{due: make(map[types.JobID]int64)}
}

// Add 登記任務的重試到期時刻
func (s *RetrySchedule) Add(jobID types.JobID, dueMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.due[jobID] = dueMs
}

// Remove 撤銷任務的重試（取消時呼叫）
func (s *RetrySchedule) Remove(jobID types.JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.due, jobID)
}

// Due 取出並移除所有到期任務
func (s *RetrySchedule) Due(nowMs int64) []types.JobID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.JobID
	for id, due := range s.due {
		if due <= nowMs {
			out = append(out, id)
			delete(s.due, id)
		}
	}
	return out
}

// Len 回傳待重試任務數
func (s *RetrySchedule) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.due)
}
