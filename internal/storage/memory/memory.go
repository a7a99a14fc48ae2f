// ============================================================================
// Falcon-Sched Memory Store - 記憶體儲存實作
// ============================================================================
//
// Package: internal/storage/memory
// 文件: memory.go
// 功能: storage.Store 的純記憶體實作，測試與 demo 使用
//
// 設計理念:
//   採用混合式設計，兼顧性能和一致性：
//   1. jobs map - 統一的任務存儲，作為單一真實來源 (Single Source of Truth)
//   2. 索引 - byParent/byChild 邊索引、leaseByJob 索引提供快速查詢
//   3. 所有讀寫都在單一互斥鎖內完成，天然滿足交易語義
//
// 語義:
//   - 所有回傳值都是深拷貝，呼叫者修改不影響儲存內容
//   - CAS 操作（UpdateJob / UpdateJobStatus / UpdateWorkerStatus）
//     以版本號或狀態作前置檢查，不符回傳 storage.ErrConflict
//   - CompleteLease 以 (leaseID, kind) 為冪等鍵
//
// 併發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 讀操作使用 RLock，寫操作使用 Lock
//
// 故障注入:
//   - SetUnavailable(true) 讓所有操作回傳 ErrUnavailable，
//     供測試引擎的退避重試路徑
//
// ============================================================================

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/falcon-sched/internal/storage"
	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// edgeKey 依賴邊的索引鍵
type edgeKey struct {
	parent types.JobID
	child  types.JobID
}

// outcomeKey CompleteLease 的冪等鍵
type outcomeKey struct {
	lease types.LeaseID
	kind  types.OutcomeKind
}

// Store 記憶體儲存實例
type Store struct {
	mu sync.RWMutex

	jobs    map[types.JobID]*types.Job
	deps    map[edgeKey]*types.Dependency
	workers map[types.WorkerID]*types.Worker

	leases     map[types.LeaseID]*types.Lease
	leaseByJob map[types.JobID]types.LeaseID

	dlq      map[types.JobID]*types.DLQEntry
	outcomes map[outcomeKey]int64 // 冪等鍵 → 回報時間
	history  []types.HistoryEntry

	unavailable bool
}

// New 建立新的記憶體儲存實例
func New() *Store {
	return &Store{
		jobs:       make(map[types.JobID]*types.Job),
		deps:       make(map[edgeKey]*types.Dependency),
		workers:    make(map[types.WorkerID]*types.Worker),
		leases:     make(map[types.LeaseID]*types.Lease),
		leaseByJob: make(map[types.JobID]types.LeaseID),
		dlq:        make(map[types.JobID]*types.DLQEntry),
		outcomes:   make(map[outcomeKey]int64),
	}
}

// 編譯期檢查介面實作完整
var _ storage.Store = (*Store)(nil)

// SetUnavailable 切換故障注入模式（測試用）
func (s *Store) SetUnavailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = v
}

// checkAvailable 呼叫者必須持有鎖
func (s *Store) checkAvailable() error {
	if s.unavailable {
		return storage.ErrUnavailable
	}
	return nil
}

// ============================================================================
// 任務
// ============================================================================

func (s *Store) PutJob(_ context.Context, j *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAvailable(); err != nil {
		return err
	}
	if _, exists := s.jobs[j.ID]; exists {
		return storage.ErrDuplicate
	}

	cp := *j
	cp.Version = 1
	s.jobs[j.ID] = &cp
	j.Version = 1
	return nil
}

func (s *Store) GetJob(_ context.Context, id types.JobID) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkAvailable(); err != nil {
		return nil, err
	}
	j, exists := s.jobs[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *Store) UpdateJob(_ context.Context, j *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAvailable(); err != nil {
		return err
	}
	cur, exists := s.jobs[j.ID]
	if !exists {
		return storage.ErrNotFound
	}
	if cur.Version != j.Version {
		return storage.ErrConflict
	}

	cp := *j
	cp.Version++
	s.jobs[j.ID] = &cp
	j.Version = cp.Version
	return nil
}

func (s *Store) UpdateJobStatus(_ context.Context, id types.JobID, expected, next types.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAvailable(); err != nil {
		return err
	}
	j, exists := s.jobs[id]
	if !exists {
		return storage.ErrNotFound
	}
	if j.Status != expected {
		return storage.ErrConflict
	}

	j.Status = next
	j.UpdatedAt = time.Now().UnixMilli()
	j.Version++
	return nil
}

func (s *Store) ListJobs(_ context.Context, f storage.JobFilter, p storage.Page) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkAvailable(); err != nil {
		return nil, err
	}

	var out []*types.Job
	for _, j := range s.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Band != "" && j.Band != f.Band {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt != out[k].CreatedAt {
			return out[i].CreatedAt < out[k].CreatedAt
		}
		return out[i].ID < out[k].ID
	})
	return paginate(out, p), nil
}

// ============================================================================
// 依賴邊
// ============================================================================

func (s *Store) AddDependency(_ context.Context, d *types.Dependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAvailable(); err != nil {
		return err
	}
	if _, ok := s.jobs[d.Parent]; !ok {
		return storage.ErrNotFound
	}
	if _, ok := s.jobs[d.Child]; !ok {
		return storage.ErrNotFound
	}
	key := edgeKey{d.Parent, d.Child}
	if _, exists := s.deps[key]; exists {
		return storage.ErrDuplicate
	}

	cp := *d
	s.deps[key] = &cp
	return nil
}

func (s *Store) RemoveDependency(_ context.Context, parent, child types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAvailable(); err != nil {
		return err
	}
	key := edgeKey{parent, child}
	if _, exists := s.deps[key]; !exists {
		return storage.ErrNotFound
	}
	delete(s.deps, key)
	return nil
}

func (s *Store) ListDependencies(_ context.Context, id types.JobID, asParent bool) ([]*types.Dependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkAvailable(); err != nil {
		return nil, err
	}

	var out []*types.Dependency
	for key, d := range s.deps {
		if (asParent && key.parent == id) || (!asParent && key.child == id) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sortDeps(out)
	return out, nil
}

func (s *Store) AllDependencies(_ context.Context) ([]*types.Dependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkAvailable(); err != nil {
		return nil, err
	}

	out := make([]*types.Dependency, 0, len(s.deps))
	for _, d := range s.deps {
		cp := *d
		out = append(out, &cp)
	}
	sortDeps(out)
	return out, nil
}

// ============================================================================
// Worker
// ============================================================================

func (s *Store) PutWorker(_ context.Context, w *types.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAvailable(); err != nil {
		return err
	}
	cp := *w
	cp.Version++
	s.workers[w.ID] = &cp
	w.Version = cp.Version
	return nil
}

func (s *Store) GetWorker(_ context.Context, id types.WorkerID) (*types.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkAvailable(); err != nil {
		return nil, err
	}
	w, exists := s.workers[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *Store) UpdateWorkerHeartbeat(_ context.Context, id types.WorkerID, nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAvailable(); err != nil {
		return err
	}
	w, exists := s.workers[id]
	if !exists {
		return storage.ErrNotFound
	}
	w.LastHeartbeat = nowMs
	w.Version++
	return nil
}

func (s *Store) UpdateWorkerStatus(_ context.Context, id types.WorkerID, expected, next types.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAvailable(); err != nil {
		return err
	}
	w, exists := s.workers[id]
	if !exists {
		return storage.ErrNotFound
	}
	if w.Status != expected {
		return storage.ErrConflict
	}
	w.Status = next
	w.Version++
	return nil
}

func (s *Store) ListWorkers(_ context.Context) ([]*types.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkAvailable(); err != nil {
		return nil, err
	}
	out := make([]*types.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

// ============================================================================
// 租約
// ============================================================================

func (s *Store) IssueLease(_ context.Context, lease *types.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAvailable(); err != nil {
		return err
	}
	j, exists := s.jobs[lease.JobID]
	if !exists {
		return storage.ErrNotFound
	}
	// 前置條件：任務 Ready 且沒有有效租約
	if j.Status != types.StatusReady {
		return storage.ErrConflict
	}
	if _, held := s.leaseByJob[lease.JobID]; held {
		return storage.ErrConflict
	}

	cp := *lease
	s.leases[lease.ID] = &cp
	s.leaseByJob[lease.JobID] = lease.ID
	j.Status = types.StatusRunning
	j.UpdatedAt = time.Now().UnixMilli()
	j.Version++
	return nil
}

func (s *Store) CompleteLease(_ context.Context, leaseID types.LeaseID, kind types.OutcomeKind, next types.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAvailable(); err != nil {
		return err
	}

	key := outcomeKey{leaseID, kind}
	if _, dup := s.outcomes[key]; dup {
		return storage.ErrAlreadyReported
	}

	lease, exists := s.leases[leaseID]
	if !exists {
		return storage.ErrNotFound
	}
	j, jobExists := s.jobs[lease.JobID]
	if !jobExists {
		return storage.ErrNotFound
	}

	s.outcomes[key] = time.Now().UnixMilli()
	delete(s.leases, leaseID)
	delete(s.leaseByJob, lease.JobID)
	j.Status = next
	j.UpdatedAt = time.Now().UnixMilli()
	j.Version++
	return nil
}

func (s *Store) HasOutcome(_ context.Context, leaseID types.LeaseID, kind types.OutcomeKind) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkAvailable(); err != nil {
		return false, err
	}
	_, ok := s.outcomes[outcomeKey{leaseID, kind}]
	return ok, nil
}

func (s *Store) GetLease(_ context.Context, id types.LeaseID) (*types.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkAvailable(); err != nil {
		return nil, err
	}
	l, exists := s.leases[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *Store) GetLeaseByJob(_ context.Context, jobID types.JobID) (*types.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkAvailable(); err != nil {
		return nil, err
	}
	id, held := s.leaseByJob[jobID]
	if !held {
		return nil, storage.ErrNotFound
	}
	cp := *s.leases[id]
	return &cp, nil
}

func (s *Store) ListLeases(_ context.Context) ([]*types.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkAvailable(); err != nil {
		return nil, err
	}
	out := make([]*types.Lease, 0, len(s.leases))
	for _, l := range s.leases {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].IssuedAt < out[k].IssuedAt })
	return out, nil
}

func (s *Store) ListLeasesByWorker(_ context.Context, workerID types.WorkerID) ([]*types.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkAvailable(); err != nil {
		return nil, err
	}
	var out []*types.Lease
	for _, l := range s.leases {
		if l.WorkerID == workerID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].IssuedAt < out[k].IssuedAt })
	return out, nil
}

// ============================================================================
// DLQ 與歷史
// ============================================================================

func (s *Store) PutDLQ(_ context.Context, e *types.DLQEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAvailable(); err != nil {
		return err
	}
	cp := *e
	s.dlq[e.JobID] = &cp
	return nil
}

func (s *Store) GetDLQ(_ context.Context, jobID types.JobID) (*types.DLQEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkAvailable(); err != nil {
		return nil, err
	}
	e, exists := s.dlq[jobID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) DeleteDLQ(_ context.Context, jobID types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAvailable(); err != nil {
		return err
	}
	if _, exists := s.dlq[jobID]; !exists {
		return storage.ErrNotFound
	}
	delete(s.dlq, jobID)
	return nil
}

func (s *Store) ListDLQ(_ context.Context, p storage.Page) ([]*types.DLQEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkAvailable(); err != nil {
		return nil, err
	}
	out := make([]*types.DLQEntry, 0, len(s.dlq))
	for _, e := range s.dlq {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].EnteredAt != out[k].EnteredAt {
			return out[i].EnteredAt < out[k].EnteredAt
		}
		return out[i].JobID < out[k].JobID
	})
	return paginate(out, p), nil
}

func (s *Store) AppendHistory(_ context.Context, e *types.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAvailable(); err != nil {
		return err
	}
	s.history = append(s.history, *e)
	return nil
}

// History 回傳稽核歷史的快照（測試用）
func (s *Store) History() []types.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Store) Close() error { return nil }

// ============================================================================
// 輔助函式
// ============================================================================

func paginate[T any](in []T, p storage.Page) []T {
	if p.Offset >= len(in) {
		return nil
	}
	out := in[p.Offset:]
	if p.Limit > 0 && p.Limit < len(out) {
		out = out[:p.Limit]
	}
	return out
}

func sortDeps(deps []*types.Dependency) {
	sort.Slice(deps, func(i, k int) bool {
		if deps[i].Parent != deps[k].Parent {
			return deps[i].Parent < deps[k].Parent
		}
		return deps[i].Child < deps[k].Child
	})
}
