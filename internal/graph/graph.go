// ============================================================================
// Falcon-Sched Dependency Graph - 依賴圖
// ============================================================================
//
// Package: internal/graph
// 文件: graph.go
// 功能: 依賴邊的記憶體鏡像，提供環檢測、就緒追蹤與終態釋放
//
// 設計理念:
//   1. forward map - 正向鄰接表 (parent → children)，環檢測與終態釋放使用
//   2. reverse map - 反向鄰接表 (child → parents)，API 查詢使用
//   3. unsatisfied 計數 - 每個任務尚未滿足的阻塞依賴數，歸零即就緒
//   4. Store 是邊的權威來源；本圖是衍生視圖，啟動時由 Rebuild 重建
//
// 不變量（必須隨時成立）:
//   - 圖在任何時刻都是無環的：AddEdge 在變更前先做環檢測
//   - unsatisfied[c] == 尚未滿足且未永久失效的阻塞邊數
//   - Soft 邊永不計入 unsatisfied
//
// 環檢測演算法:
//   從預定的 child 沿 forward 邊做顯式堆疊 DFS；若走到 parent 則拒絕。
//   深度由 maxDepth 限制（預設 10000），超限視為驗證失敗拒絕收件。
//   複雜度 O(V+E)；提交頻率遠低於調度頻率，攤銷成本可接受。
//
// 依賴滿足規則（既定策略，詳見 DESIGN NOTES）:
//   - MustComplete: 父任務達到任一終態即滿足（含 DeadLettered 與 Cancelled）
//   - MustSucceed:  父任務 Completed 滿足；Failed/DeadLettered/Cancelled 永久失效
//   - MustStart:    父任務開始執行（Running）即滿足；Completed/DeadLettered
//                   亦滿足（曾經執行過）；Cancelled 在未執行的情況下永久失效
//   - Soft:         永不阻塞
//
// 併發安全:
//   單一 RWMutex。邊變更與終態釋放走寫鎖（環檢測在寫鎖內執行，避免
//   check-then-act 競態）；唯讀查詢走讀鎖。臨界區內不做任何阻塞呼叫。
//
// ============================================================================

package graph

import (
	"errors"
	"sync"

	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrCycle 新邊會形成環
	ErrCycle = errors.New("graph: edge would create a cycle")
	// ErrUnknownJob 邊的任一端不在圖中
	ErrUnknownJob = errors.New("graph: unknown job")
	// ErrDuplicate 邊已存在
	ErrDuplicate = errors.New("graph: duplicate edge")
	// ErrUnsatisfiable 父任務已處於使該邊永久失效的終態
	ErrUnsatisfiable = errors.New("graph: dependency is unsatisfiable")
	// ErrTooDeep 環檢測超過深度上限，拒絕收件
	ErrTooDeep = errors.New("graph: dependency chain exceeds max depth")
	// ErrCyclic ValidateAcyclic 偵測到既有的環（致命，不變量被破壞）
	ErrCyclic = errors.New("graph: cycle detected in committed graph")
)

// DefaultMaxDepth 環檢測的預設深度上限
const DefaultMaxDepth = 10000

// ============================================================================
// 資料結構定義
// ============================================================================

// node 圖中一個任務的狀態
type node struct {
	status      types.JobStatus
	unsatisfied int // 尚未滿足的阻塞邊數
}

// edge 一條邊的追蹤狀態
type edge struct {
	typ       types.DependencyType
	satisfied bool // 已滿足（不再計入 unsatisfied）
	doomed    bool // 永久失效
}

// Release OnJobTerminal / MarkRunning 的釋放結果
type Release struct {
	// Ready 因本次事件而 unsatisfied 歸零的任務
	Ready []types.JobID
	// Doomed 因本次事件而出現永久失效依賴的任務，
	// 由 SchedulerCore 以 Cancelled 傳播
	Doomed []types.JobID
}

// Graph 依賴圖實例
type Graph struct {
	// 注意：呼叫端（SchedulerCore）以自身的互斥保證圖操作與狀態寫入
	// 的先後順序；本結構內部仍以 RWMutex 自我保護，允許唯讀 API 併發。
	mu       sync.RWMutex
	nodes    map[types.JobID]*node
	forward  map[types.JobID]map[types.JobID]*edge // parent → child → edge
	reverse  map[types.JobID]map[types.JobID]*edge // child → parent → edge
	maxDepth int
}

// New 建立空圖
//
// 參數：
//   - maxDepth: 環檢測深度上限，<= 0 時使用 DefaultMaxDepth
func New(maxDepth int) *Graph {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Graph{
		nodes:    make(map[types.JobID]*node),
		forward:  make(map[types.JobID]map[types.JobID]*edge),
		reverse:  make(map[types.JobID]map[types.JobID]*edge),
		maxDepth: maxDepth,
	}
}

// ============================================================================
// 節點管理
// ============================================================================

// AddJob 將任務加入圖。重複加入是冪等的。
func (g *Graph) AddJob(id types.JobID, status types.JobStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[id]; exists {
		return
	}
	g.nodes[id] = &node{status: status}
}

// RemoveJob 將任務及其所有邊移出圖（DLQ discard 後的清理）。
// 移除不會釋放 child 的 unsatisfied 計數——呼叫者必須保證該任務
// 已處於終態且其邊已由 OnJobTerminal 結算。
func (g *Graph) RemoveJob(id types.JobID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for child := range g.forward[id] {
		delete(g.reverse[child], id)
	}
	for parent := range g.reverse[id] {
		delete(g.forward[parent], id)
	}
	delete(g.forward, id)
	delete(g.reverse, id)
	delete(g.nodes, id)
}

// SetStatus 更新圖中任務的狀態快取（不做任何釋放）
func (g *Graph) SetStatus(id types.JobID, status types.JobStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n, exists := g.nodes[id]; exists {
		n.status = status
	}
}

// HasJob 檢查任務是否在圖中
func (g *Graph) HasJob(id types.JobID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, exists := g.nodes[id]
	return exists
}

// ============================================================================
// 邊管理
// ============================================================================

// AddEdge 新增依賴邊 parent → child
//
// 行為：
//   - 變更前先在寫鎖內做環檢測（從 child 沿 forward DFS 找 parent）
//   - 父任務已處於終態時：若該終態滿足邊類型，邊以已滿足狀態記錄；
//     若使邊永久失效，回傳 ErrUnsatisfiable 且不記錄
//   - Soft 邊一律以已滿足狀態記錄
//
// 錯誤：ErrUnknownJob / ErrDuplicate / ErrCycle / ErrTooDeep / ErrUnsatisfiable
func (g *Graph) AddEdge(parent, child types.JobID, typ types.DependencyType) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, pOK := g.nodes[parent]
	_, cOK := g.nodes[child]
	if !pOK || !cOK {
		return ErrUnknownJob
	}
	if parent == child {
		return ErrCycle
	}
	if _, exists := g.forward[parent][child]; exists {
		return ErrDuplicate
	}

	// 環檢測：child 可達 parent 則新邊成環
	if err := g.reachableLocked(child, parent); err != nil {
		return err
	}

	e := &edge{typ: typ}
	switch {
	case typ == types.DepSoft:
		e.satisfied = true
	case satisfies(typ, p.status):
		e.satisfied = true
	case dooms(typ, p.status):
		return ErrUnsatisfiable
	default:
		// 仍在等待父任務，計入阻塞
		g.nodes[child].unsatisfied++
	}

	if g.forward[parent] == nil {
		g.forward[parent] = make(map[types.JobID]*edge)
	}
	if g.reverse[child] == nil {
		g.reverse[child] = make(map[types.JobID]*edge)
	}
	g.forward[parent][child] = e
	g.reverse[child][parent] = e
	return nil
}

// RemoveEdge 移除依賴邊
//
// 若被移除的邊尚未滿足，child 的 unsatisfied 計數遞減；
// 歸零且 child 仍為 Pending 時，child 出現在回傳的 Ready 中。
func (g *Graph) RemoveEdge(parent, child types.JobID) (Release, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var rel Release
	e, exists := g.forward[parent][child]
	if !exists {
		return rel, ErrUnknownJob
	}

	if !e.satisfied && !e.doomed && e.typ != types.DepSoft {
		n := g.nodes[child]
		n.unsatisfied--
		if n.unsatisfied == 0 && n.status == types.StatusPending {
			rel.Ready = append(rel.Ready, child)
		}
	}

	delete(g.forward[parent], child)
	delete(g.reverse[child], parent)
	return rel, nil
}

// EdgeType 查詢邊類型，供 API 視圖使用
func (g *Graph) EdgeType(parent, child types.JobID) (types.DependencyType, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	e, exists := g.forward[parent][child]
	if !exists {
		return "", false
	}
	return e.typ, true
}

// Parents 回傳 child 的所有 parent（讀鎖查詢）
func (g *Graph) Parents(child types.JobID) []types.JobID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]types.JobID, 0, len(g.reverse[child]))
	for p := range g.reverse[child] {
		out = append(out, p)
	}
	return out
}

// Children 回傳 parent 的所有 child（讀鎖查詢）
func (g *Graph) Children(parent types.JobID) []types.JobID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]types.JobID, 0, len(g.forward[parent]))
	for c := range g.forward[parent] {
		out = append(out, c)
	}
	return out
}

// ============================================================================
// 事件釋放
// ============================================================================

// MarkRunning 記錄任務開始執行，滿足其 MustStart 出邊
func (g *Graph) MarkRunning(id types.JobID) Release {
	g.mu.Lock()
	defer g.mu.Unlock()

	var rel Release
	if n, exists := g.nodes[id]; exists {
		n.status = types.StatusRunning
	}
	for child, e := range g.forward[id] {
		if e.typ != types.DepMustStart || e.satisfied || e.doomed {
			continue
		}
		e.satisfied = true
		g.releaseLocked(child, &rel)
	}
	return rel
}

// OnJobTerminal 結算任務終態對其 dependents 的影響
//
// 對每條出邊套用類型規則：
//   - 滿足 → child 的 unsatisfied 遞減，歸零且 Pending 則進入 Ready
//   - 永久失效 → child 進入 Doomed，由呼叫者以 Cancelled 傳播
//
// 冪等：已滿足或已失效的邊不會重複結算。
func (g *Graph) OnJobTerminal(id types.JobID, terminal types.JobStatus) Release {
	g.mu.Lock()
	defer g.mu.Unlock()

	var rel Release
	if n, exists := g.nodes[id]; exists {
		n.status = terminal
	}

	for child, e := range g.forward[id] {
		if e.satisfied || e.doomed || e.typ == types.DepSoft {
			continue
		}
		switch {
		case satisfies(e.typ, terminal):
			e.satisfied = true
			g.releaseLocked(child, &rel)
		case dooms(e.typ, terminal):
			e.doomed = true
			rel.Doomed = append(rel.Doomed, child)
		}
	}
	return rel
}

// releaseLocked 遞減 child 的計數，歸零且 Pending 則加入 rel.Ready。
// 呼叫者必須持有寫鎖。
func (g *Graph) releaseLocked(child types.JobID, rel *Release) {
	n := g.nodes[child]
	if n == nil {
		return
	}
	n.unsatisfied--
	if n.unsatisfied == 0 && n.status == types.StatusPending {
		rel.Ready = append(rel.Ready, child)
	}
}

// ============================================================================
// 查詢
// ============================================================================

// UnsatisfiedCount 回傳任務尚未滿足的阻塞邊數
func (g *Graph) UnsatisfiedCount(id types.JobID) int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if n, exists := g.nodes[id]; exists {
		return n.unsatisfied
	}
	return 0
}

// ReadySet 回傳所有 unsatisfied 歸零且狀態為 Pending 的任務快照
func (g *Graph) ReadySet() []types.JobID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []types.JobID
	for id, n := range g.nodes {
		if n.unsatisfied == 0 && n.status == types.StatusPending {
			out = append(out, id)
		}
	}
	return out
}

// Len 回傳圖中任務數
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// ============================================================================
// 完整性檢查
// ============================================================================

// ValidateAcyclic 以 Kahn 演算法做週期性完整性檢查
//
// 不變量被破壞（偵測到環）回傳 ErrCyclic——呼叫者（SchedulerCore）
// 必須停止收件並發出致命警報。
func (g *Graph) ValidateAcyclic() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	// Kahn：反覆摘除入度為零的節點，若有剩餘節點則存在環
	indeg := make(map[types.JobID]int, len(g.nodes))
	for id := range g.nodes {
		indeg[id] = 0
	}
	for _, children := range g.forward {
		for child := range children {
			indeg[child]++
		}
	}

	queue := make([]types.JobID, 0, len(g.nodes))
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	removed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		removed++
		for child := range g.forward[id] {
			indeg[child]--
			if indeg[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if removed != len(g.nodes) {
		return ErrCyclic
	}
	return nil
}

// ============================================================================
// 內部方法
// ============================================================================

// reachableLocked 從 start 沿 forward 邊做顯式堆疊 DFS，
// 走到 target 回傳 ErrCycle，超過深度上限回傳 ErrTooDeep。
// 呼叫者必須持有寫鎖。
func (g *Graph) reachableLocked(start, target types.JobID) error {
	stack := []types.JobID{start}
	visited := make(map[types.JobID]bool, 64)

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if cur == target {
			return ErrCycle
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		if len(visited) > g.maxDepth {
			return ErrTooDeep
		}

		for child := range g.forward[cur] {
			if !visited[child] {
				stack = append(stack, child)
			}
		}
	}
	return nil
}

// ============================================================================
// 滿足規則
// ============================================================================

// satisfies 判斷父任務狀態是否滿足邊類型
func satisfies(typ types.DependencyType, parent types.JobStatus) bool {
	switch typ {
	case types.DepSoft:
		return true
	case types.DepMustComplete:
		// 任一終態都表示父任務不會再執行（既定策略：DeadLettered 亦滿足）
		return parent.IsTerminal()
	case types.DepMustSucceed:
		return parent == types.StatusCompleted
	case types.DepMustStart:
		switch parent {
		case types.StatusRunning, types.StatusCompleted, types.StatusFailed, types.StatusDeadLettered:
			return true
		}
		return false
	}
	return false
}

// dooms 判斷父任務狀態是否使邊永久失效
func dooms(typ types.DependencyType, parent types.JobStatus) bool {
	switch typ {
	case types.DepMustSucceed:
		// Failed 不在此列：Failed 仍可能重試；終局的失敗以 DeadLettered 呈現
		return parent == types.StatusDeadLettered || parent == types.StatusCancelled
	case types.DepMustStart:
		// 從未執行就被取消
		return parent == types.StatusCancelled
	}
	return false
}
