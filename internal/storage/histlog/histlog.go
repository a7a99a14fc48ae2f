// ============================================================================
// Falcon-Sched History Log - 稽核歷史日誌
// ============================================================================
//
// Package: internal/storage/histlog
// 文件: histlog.go
// 功能: append-only 的稽核歷史日誌，供 Store 實作作為 AppendHistory 後端
//
// 設計:
//   1. 每筆條目序列化為一行 JSON，附帶遞增序號與 CRC32 校驗和
//   2. 批次緩衝：先寫入 buffer，滿了或超過 flush 間隔才寫檔並 fsync，
//      以減少 fsync 次數換取吞吐量
//   3. Replay 供稽核工具重讀整段歷史；遇到損毀的檔尾（崩潰時的半行）
//      停止並回報已讀到的條目數，不視為致命錯誤
//   4. Rotate 在封存後切換到新檔案
//
// 與狀態儲存的關係:
//   歷史日誌只記「發生過什麼」，不參與狀態恢復；任務/worker/租約的
//   權威狀態在 Store 本體。因此檔尾截斷只影響稽核完整性，不影響正確性。
//
// ============================================================================

package histlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrClosed 日誌已關閉，無法再操作
	ErrClosed = errors.New("histlog: already closed")
	// ErrChecksumMismatch 校驗和不符（資料損毀）
	ErrChecksumMismatch = errors.New("histlog: checksum mismatch")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Record 歷史日誌的實際落盤格式
type Record struct {
	Seq      uint64             `json:"seq"`      // 遞增序號
	Entry    types.HistoryEntry `json:"entry"`    // 稽核條目
	Checksum uint32             `json:"checksum"` // CRC32 校驗和
}

// checksum 計算條目的 CRC32-IEEE 校驗和
//
// 校驗範圍：seq + event + actor + jobID + workerID。
// Details 可能很長且不影響稽核語義的完整性判斷，不納入。
func checksum(seq uint64, e types.HistoryEntry) uint32 {
	data := fmt.Sprintf("%d|%s|%s|%s|%s", seq, e.Event, e.Actor, e.JobID, e.WorkerID)
	return crc32.ChecksumIEEE([]byte(data))
}

// Log 歷史日誌實例
type Log struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	path    string
	seq     uint64
	closed  bool

	buffer        []Record
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// ============================================================================
// 公開介面
// ============================================================================

// Open 建立或開啟一個歷史日誌
//
// 行為：
//   - 檔案不存在則建立，seq 從 0 開始
//   - 檔案已存在則掃描至檔尾取得最後的 seq 並接續
//   - 以 O_APPEND 模式開啟，寫入不會覆蓋既有內容
//
// 參數：
//   - path: 日誌檔案路徑
//   - bufferSize: 批次緩衝大小（<=0 時使用 256）
//   - flushInterval: 最長緩衝時間（<=0 時使用 1s）
func Open(path string, bufferSize int, flushInterval time.Duration) (*Log, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("histlog: open %s: %w", path, err)
	}

	if bufferSize <= 0 {
		bufferSize = 256
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}

	l := &Log{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		buffer:        make([]Record, 0, bufferSize),
		bufferSize:    bufferSize,
		lastFlushTime: time.Now(),
		flushInterval: flushInterval,
	}

	// 既有檔案：取回最後的序號
	stat, statErr := file.Stat()
	if statErr == nil && stat.Size() > 0 {
		last, scanErr := lastSeq(path)
		if scanErr == nil {
			l.seq = last
		}
		// 掃描失敗（如檔尾損毀）時保持 seq=0 繼續，歷史不參與狀態恢復
	}

	return l, nil
}

// Append 追加一筆稽核條目
//
// 行為：
//   - 自動遞增 seq、計算校驗和
//   - 先入 buffer；buffer 滿或超過 flush 間隔才落盤
//
// 參數：
//   - e: 稽核條目
//   - forceFlush: 是否立即落盤（終態事件等關鍵紀錄使用）
func (l *Log) Append(e types.HistoryEntry, forceFlush bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	l.seq++
	rec := Record{
		Seq:      l.seq,
		Entry:    e,
		Checksum: checksum(l.seq, e),
	}
	l.buffer = append(l.buffer, rec)

	if forceFlush || len(l.buffer) >= l.bufferSize || time.Since(l.lastFlushTime) > l.flushInterval {
		return l.flushLocked()
	}
	return nil
}

// Flush 立即寫出所有緩衝中的條目並同步到磁碟
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.flushLocked()
}

// Handler 重放時的條目處理函式
type Handler func(rec Record) error

// Replay 從頭重讀整段歷史
//
// 行為：
//   - 驗證每筆條目的校驗和，不符回傳 ErrChecksumMismatch
//   - 檔尾的 JSON 解析錯誤視為崩潰造成的截斷：停止重放並回傳 nil
//   - handler 回傳錯誤則中止並回傳該錯誤
//
// 回傳已成功處理的條目數。
func (l *Log) Replay(handler Handler) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return 0, err
	}

	file, err := os.Open(l.path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	count := 0
	for decoder.More() {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			if err == io.ErrUnexpectedEOF {
				// 崩潰時寫到一半的檔尾，容忍並停止
				return count, nil
			}
			return count, fmt.Errorf("histlog: decode at record %d: %w", count+1, err)
		}
		if rec.Checksum != checksum(rec.Seq, rec.Entry) {
			return count, ErrChecksumMismatch
		}
		if err := handler(rec); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Rotate 旋轉日誌檔案
//
// 行為：先 flush，將當前檔案改名為帶時間戳的備份檔，再開新檔案。
// seq 歸零重新計數。
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return err
	}

	backupPath := l.path + "." + time.Now().Format("20060102_150405")
	if err := os.Rename(l.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	l.file = newFile
	l.encoder = json.NewEncoder(newFile)
	l.seq = 0
	l.buffer = l.buffer[:0]
	l.lastFlushTime = time.Now()
	return nil
}

// LastSeq 取得當前序號
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Close 沖洗緩衝並關閉日誌。關閉後的實例不可重用。
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	if err := l.flushLocked(); err != nil {
		return err
	}
	l.closed = true
	return l.file.Close()
}

// ============================================================================
// 內部方法
// ============================================================================

// flushLocked 寫出 buffer 並 fsync。呼叫者必須持有 l.mu。
func (l *Log) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}
	for _, rec := range l.buffer {
		if err := l.encoder.Encode(rec); err != nil {
			return fmt.Errorf("histlog: encode seq=%d: %w", rec.Seq, err)
		}
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("histlog: sync: %w", err)
	}
	l.buffer = l.buffer[:0]
	l.lastFlushTime = time.Now()
	return nil
}

// lastSeq 掃描檔案取得最後一筆有效條目的序號
func lastSeq(path string) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var seq uint64
	for decoder.More() {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			// 檔尾損毀：回傳目前為止的最大序號
			return seq, nil
		}
		seq = rec.Seq
	}
	return seq, nil
}
