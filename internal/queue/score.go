// ============================================================================
// Falcon-Sched Score - 優先級分數計算
// ============================================================================
//
// Package: internal/queue
// 文件: score.go
// 功能: 入隊時計算任務的調度分數（分數越低越早調度）
//
// 公式（固定、可測試）:
//
//	score = band_base(band)                       // 區段基底：High 0 / Normal 1000 / Low 2000
//	      + (1000 - base_priority)                // 區段內細分：基礎優先級越高越早
//	      - age_weight * age_minutes              // 餓死緩解：等越久分數越低（越早）
//	      + retry_penalty * attempt               // 重試懲罰：重試任務排後面
//	      - age_weight * overdue_minutes          // 逾期加成：已過計畫時間的任務提前
//
// 注意：
//   - 分數在入隊與重新入隊時計算，在隊列中不會變動（保持堆結構穩定）
//   - 老化只在重新入隊時生效；長期停留的任務透過 no-capacity 重排
//     週期性重新計分
//   - 同分以入隊順序（遞增序號）裁決，保證確定性
//
// ============================================================================

package queue

import (
	"time"

	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// ScoreConfig 分數公式的可配置常數，預設值見 DefaultScoreConfig
type ScoreConfig struct {
	BandHigh   int64 // High 區段基底（預設 0）
	BandNormal int64 // Normal 區段基底（預設 1000）
	BandLow    int64 // Low 區段基底（預設 2000）

	AgeWeightPerMinute int64 // 每分鐘年齡加成（預設 1）
	RetryPenalty       int64 // 每次重試的懲罰（預設 100）
}

// DefaultScoreConfig 回傳文件化的預設常數
func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		BandHigh:           0,
		BandNormal:         1000,
		BandLow:            2000,
		AgeWeightPerMinute: 1,
		RetryPenalty:       100,
	}
}

// Scorer 依配置計算分數
type Scorer struct {
	cfg ScoreConfig
}

// NewScorer 建立 Scorer
func NewScorer(cfg ScoreConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score 計算任務在 now 時刻入隊的分數
func (s *Scorer) Score(j *types.Job, now time.Time) int64 {
	score := s.bandBase(j.Band)

	// 區段內細分：base_priority 1..1000，越大越早
	base := int64(j.BasePriority)
	if base < 1 {
		base = 1
	}
	if base > 1000 {
		base = 1000
	}
	score += 1000 - base

	// 年齡加成
	ageMin := (now.UnixMilli() - j.CreatedAt) / 60_000
	if ageMin > 0 {
		score -= s.cfg.AgeWeightPerMinute * ageMin
	}

	// 重試懲罰
	score += s.cfg.RetryPenalty * int64(j.Attempt)

	// 逾期加成
	if j.ScheduledAt > 0 && now.UnixMilli() > j.ScheduledAt {
		overdueMin := (now.UnixMilli() - j.ScheduledAt) / 60_000
		score -= s.cfg.AgeWeightPerMinute * overdueMin
	}

	return score
}

// bandBase 將優先級區段映射到不相交的整數區段
func (s *Scorer) bandBase(band types.PriorityBand) int64 {
	switch band {
	case types.BandHigh:
		return s.cfg.BandHigh
	case types.BandLow:
		return s.cfg.BandLow
	default:
		return s.cfg.BandNormal
	}
}
