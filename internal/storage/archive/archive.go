package archive

// ============================================================================
// 職責說明：
// 1. 將過期的 DLQ 條目序列化為 gzip JSON 封存檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 配合 DLQ 保留策略（dlq_retention）：封存成功後才從 Store 刪除
// ============================================================================

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedArchive    = errors.New("archive file is corrupted")
	ErrIncompatibleVersion = errors.New("archive schema version is incompatible")
)

const schemaVersion = 1

// ============================================================================
// 資料結構定義
// ============================================================================

// Bundle 單一封存檔的內容
type Bundle struct {
	SchemaVer  int               `json:"schema_ver"` // 版本號（目前為 1）
	ArchivedAt int64             `json:"archived_at"` // 封存時間（Unix 毫秒）
	Entries    []*types.DLQEntry `json:"entries"`
}

// Writer DLQ 封存管理器
type Writer struct {
	dir string     // 封存目錄
	mu  sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewWriter 建立封存管理器，必要時建立目錄
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive dir: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Write 原子性寫入一批 DLQ 條目
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp），內容為 gzip 壓縮的 JSON
// 2. 使用 os.Rename 原子性替換為最終檔名
//
// 檔名格式：dlq-20060102_150405.json.gz，帶時間戳避免覆蓋。
//
// 返回值：
//   - string: 寫入的檔案路徑
//   - error: 寫入失敗時的錯誤
func (w *Writer) Write(entries []*types.DLQEntry, now time.Time) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	bundle := Bundle{
		SchemaVer:  schemaVersion,
		ArchivedAt: now.UnixMilli(),
		Entries:    entries,
	}

	name := fmt.Sprintf("dlq-%s.json.gz", now.Format("20060102_150405"))
	finalPath := filepath.Join(w.dir, name)
	tmpPath := finalPath + ".tmp"

	// 1. 寫入臨時檔案
	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create temp archive: %w", err)
	}

	gz := gzip.NewWriter(tmpFile)
	if err := json.NewEncoder(gz).Encode(bundle); err != nil {
		gz.Close()
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to encode archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to finalize gzip: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to sync archive: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	// 2. 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to rename archive: %w", err)
	}

	return finalPath, nil
}

// Load 載入單一封存檔
//
// 行為：
//   - 解壓縮並反序列化
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的封存檔
func Load(path string) (Bundle, error) {
	var bundle Bundle

	file, err := os.Open(path)
	if err != nil {
		return bundle, err
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return bundle, fmt.Errorf("%w: %v", ErrCorruptedArchive, err)
	}
	defer gz.Close()

	if err := json.NewDecoder(gz).Decode(&bundle); err != nil {
		return bundle, fmt.Errorf("%w: %v", ErrCorruptedArchive, err)
	}

	if bundle.SchemaVer != schemaVersion {
		return bundle, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, bundle.SchemaVer, schemaVersion)
	}

	return bundle, nil
}

// List 列出目錄中所有封存檔，依檔名（即時間）升冪排序
func (w *Writer) List() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(w.dir, "dlq-*.json.gz"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Dir 取得封存目錄路徑（用於測試與除錯）
func (w *Writer) Dir() string {
	return w.dir
}
