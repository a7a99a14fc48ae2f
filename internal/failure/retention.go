// ============================================================================
// Falcon-Sched DLQ Retention - 死信保留與封存
// ============================================================================
//
// Package: internal/failure
// 文件: retention.go
// 功能: 將超過保留期限的 DLQ 條目封存到磁碟後自儲存移除
//
// 封存格式見 internal/storage/archive（gzip JSON bundle）。
// 由核心的維護迴圈週期性呼叫 SweepDLQ。
//
// ============================================================================

package failure

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/falcon-sched/internal/storage"
	"github.com/ChuLiYu/falcon-sched/internal/storage/archive"
	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

var log = slog.Default()

// Retention 死信保留策略
type Retention struct {
	// MaxAge 條目保留期限；0 表示不封存
	MaxAge time.Duration
	// Batch 單次封存的最大條目數
	Batch int
}

// DefaultRetention 回傳預設保留策略
func DefaultRetention() Retention {
	return Retention{
		MaxAge: 7 * 24 * time.Hour,
		Batch:  500,
	}
}

// SweepDLQ 封存過期條目並刪除。回傳封存條目數。
//
// 先寫封存檔再刪除儲存中的條目；封存失敗時不刪任何東西，
// 下輪重試。刪除途中失敗會留下已封存但未刪除的條目，
// 下輪會重複封存同一批——封存檔以時間戳命名，重複無害。
func SweepDLQ(ctx context.Context, store storage.Store, w *archive.Writer, ret Retention, now time.Time) (int, error) {
	if ret.MaxAge <= 0 || w == nil {
		return 0, nil
	}
	cutoff := now.Add(-ret.MaxAge).UnixMilli()

	entries, err := store.ListDLQ(ctx, storage.Page{Limit: ret.Batch})
	if err != nil {
		return 0, fmt.Errorf("failure: list dlq: %w", err)
	}

	var expired []*types.DLQEntry
	for _, e := range entries {
		if e.EnteredAt < cutoff {
			expired = append(expired, e)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	path, err := w.Write(expired, now)
	if err != nil {
		return 0, fmt.Errorf("failure: archive dlq: %w", err)
	}

	for _, e := range expired {
		if err := store.DeleteDLQ(ctx, e.JobID); err != nil {
			return len(expired), fmt.Errorf("failure: prune dlq entry %s: %w", e.JobID, err)
		}
	}

	log.Info("DLQ entries archived", "count", len(expired), "path", path)
	return len(expired), nil
}
