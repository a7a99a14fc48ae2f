// ============================================================================
// Falcon-Sched Worker Registry - Worker Lifecycle & Capacity
// ============================================================================
//
// Package: internal/registry
// File: registry.go
// Purpose: Owns the live worker table: registration, heartbeats, slot
// accounting, capability matching and candidate ranking.
//
// State model:
//   Each worker carries a registration epoch (monotonically increasing,
//   bumped on re-registration) so leases issued against an old
//   incarnation can be told apart from the current one. Lifetime
//   counters survive re-registration.
//
// Health model:
//   Active --heartbeat older than timeout--> Unreachable
//   Unreachable --heartbeat received--> Active
//   Unreachable --older than dead threshold--> Dead (leases surrendered)
//   CheckHealth is driven by the scheduler's health loop; the registry
//   itself owns no goroutines.
//
// Capacity invariants:
//   - assigned set size never exceeds MaxSlots
//   - the last ReservedHigh free slots are only handed to high-band jobs
//   - registry slot accounting equals the number of active leases
//     naming that worker (reconciled from the Store at startup)
//
// Concurrency:
//   A single RWMutex guards the table; Reserve/Release are short
//   writer-side critical sections. Store writes happen outside the
//   lock — the registry is a derived view, the Store is authoritative
//   for worker records.
//
// ============================================================================

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ChuLiYu/falcon-sched/internal/clock"
	"github.com/ChuLiYu/falcon-sched/internal/storage"
	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

var log = slog.Default()

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrUnknownWorker means the worker id is not registered.
	ErrUnknownWorker = errors.New("registry: unknown worker")
	// ErrHasLeases means Deregister was called without force while the
	// worker still holds assignments.
	ErrHasLeases = errors.New("registry: worker holds active leases")
	// ErrSlotConflict means Reserve found no usable slot or the worker
	// state changed under the caller.
	ErrSlotConflict = errors.New("registry: slot conflict")
)

// ============================================================================
// Data structures
// ============================================================================

// Spec is the registration request.
type Spec struct {
	ID           types.WorkerID
	Address      string
	Capabilities []string
	MaxSlots     int
	ReservedHigh int
	LoadFactor   float64 // clamped to 0.1..2.0
	PriorityMin  int
}

// HeartbeatInfo is the resource snapshot a worker sends with each beat.
type HeartbeatInfo struct {
	RunningJobs int
	Load        float64
}

// Candidate is one ranked assignment target.
type Candidate struct {
	WorkerID types.WorkerID
	Epoch    uint64
	Score    float64
}

// workerState is the in-memory view of one worker.
type workerState struct {
	rec      types.Worker
	assigned map[types.JobID]struct{}
}

// Registry owns the worker table.
type Registry struct {
	mu      sync.RWMutex
	workers map[types.WorkerID]*workerState

	store storage.Store
	clk   clock.Clock
}

// New creates an empty registry.
func New(store storage.Store, clk clock.Clock) *Registry {
	return &Registry{
		workers: make(map[types.WorkerID]*workerState),
		store:   store,
		clk:     clk,
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Register adds a worker or re-registers an existing one.
//
// Idempotent by worker id: re-registration preserves lifetime counters,
// refreshes the spec, transitions the worker to Active and increments
// the epoch so leases issued to the previous incarnation go stale.
// Returns the current epoch.
func (r *Registry) Register(ctx context.Context, spec Spec) (uint64, error) {
	if spec.MaxSlots < 1 {
		spec.MaxSlots = 1
	}
	if spec.LoadFactor < 0.1 {
		spec.LoadFactor = 0.1
	}
	if spec.LoadFactor > 2.0 {
		spec.LoadFactor = 2.0
	}
	if spec.ReservedHigh < 0 {
		spec.ReservedHigh = 0
	}
	if spec.ReservedHigh > spec.MaxSlots {
		spec.ReservedHigh = spec.MaxSlots
	}

	now := r.clk.NowMs()

	r.mu.Lock()
	ws, exists := r.workers[spec.ID]
	if exists {
		// preserve counters, bump epoch
		ws.rec.Address = spec.Address
		ws.rec.Capabilities = spec.Capabilities
		ws.rec.MaxSlots = spec.MaxSlots
		ws.rec.ReservedHigh = spec.ReservedHigh
		ws.rec.LoadFactor = spec.LoadFactor
		ws.rec.PriorityMin = spec.PriorityMin
		ws.rec.Status = types.WorkerActive
		ws.rec.LastHeartbeat = now
		ws.rec.Epoch++
	} else {
		ws = &workerState{
			rec: types.Worker{
				ID:            spec.ID,
				Address:       spec.Address,
				Capabilities:  spec.Capabilities,
				MaxSlots:      spec.MaxSlots,
				ReservedHigh:  spec.ReservedHigh,
				LoadFactor:    spec.LoadFactor,
				PriorityMin:   spec.PriorityMin,
				Status:        types.WorkerActive,
				LastHeartbeat: now,
				Epoch:         1,
				RegisteredAt:  now,
			},
			assigned: make(map[types.JobID]struct{}),
		}
		r.workers[spec.ID] = ws
	}
	rec := ws.rec
	epoch := rec.Epoch
	r.mu.Unlock()

	if err := r.store.PutWorker(ctx, &rec); err != nil {
		return 0, fmt.Errorf("registry: persist worker %s: %w", spec.ID, err)
	}

	log.Info("Worker registered", "workerID", spec.ID, "epoch", epoch, "slots", spec.MaxSlots)
	return epoch, nil
}

// Heartbeat records a beat. An Unreachable worker returns to Active.
func (r *Registry) Heartbeat(ctx context.Context, id types.WorkerID, _ HeartbeatInfo) error {
	now := r.clk.NowMs()

	r.mu.Lock()
	ws, exists := r.workers[id]
	if !exists {
		r.mu.Unlock()
		return ErrUnknownWorker
	}
	ws.rec.LastHeartbeat = now
	recovered := ws.rec.Status == types.WorkerUnreachable
	if recovered {
		ws.rec.Status = types.WorkerActive
	}
	r.mu.Unlock()

	if err := r.store.UpdateWorkerHeartbeat(ctx, id, now); err != nil {
		return err
	}
	if recovered {
		log.Info("Worker recovered", "workerID", id)
		// best effort CAS; the worker may have raced to Dead
		if err := r.store.UpdateWorkerStatus(ctx, id, types.WorkerUnreachable, types.WorkerActive); err != nil &&
			!errors.Is(err, storage.ErrConflict) {
			return err
		}
	}
	return nil
}

// Drain moves an Active worker to Draining: no new assignments, the
// running leases finish normally. A later Register flips it back.
func (r *Registry) Drain(ctx context.Context, id types.WorkerID) error {
	r.mu.Lock()
	ws, exists := r.workers[id]
	if !exists {
		r.mu.Unlock()
		return ErrUnknownWorker
	}
	if ws.rec.Status != types.WorkerActive {
		r.mu.Unlock()
		return ErrSlotConflict
	}
	ws.rec.Status = types.WorkerDraining
	r.mu.Unlock()

	if err := r.store.UpdateWorkerStatus(ctx, id, types.WorkerActive, types.WorkerDraining); err != nil &&
		!errors.Is(err, storage.ErrConflict) {
		return err
	}
	log.Info("Worker draining", "workerID", id)
	return nil
}

// Deregister removes a worker.
//
// Refuses with ErrHasLeases if assignments remain and force is false.
// With force, the assigned job ids are returned so the caller can hand
// them to the failure handler.
func (r *Registry) Deregister(ctx context.Context, id types.WorkerID, force bool) ([]types.JobID, error) {
	r.mu.Lock()
	ws, exists := r.workers[id]
	if !exists {
		r.mu.Unlock()
		return nil, ErrUnknownWorker
	}
	if len(ws.assigned) > 0 && !force {
		r.mu.Unlock()
		return nil, ErrHasLeases
	}
	surrendered := make([]types.JobID, 0, len(ws.assigned))
	for jobID := range ws.assigned {
		surrendered = append(surrendered, jobID)
	}
	sort.Slice(surrendered, func(i, j int) bool { return surrendered[i] < surrendered[j] })
	delete(r.workers, id)
	rec := ws.rec
	r.mu.Unlock()

	rec.Status = types.WorkerDead
	if err := r.store.PutWorker(ctx, &rec); err != nil {
		return surrendered, err
	}
	log.Info("Worker deregistered", "workerID", id, "force", force, "surrendered", len(surrendered))
	return surrendered, nil
}

// ============================================================================
// Candidate selection
// ============================================================================

// SelectCandidates filters and ranks workers for a job.
//
// Filters: Active status, capability tags superset of the job's
// required tags, at least one usable slot (the reserved-for-high rule
// keeps the last ReservedHigh free slots for high-band jobs), and the
// job's base priority at or above the worker's threshold.
//
// Ranking: 0.25 × available-capacity fraction
//        + 0.25 × inverse current load
//        + 0.25 × success rate
//        + 0.25 × inverse average execution time,
// multiplied by 1.3 for high-band jobs. Higher score ranks first; ties
// break by worker id for determinism.
func (r *Registry) SelectCandidates(job *types.Job) []Candidate {
	high := job.Band == types.BandHigh

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Candidate
	for id, ws := range r.workers {
		w := &ws.rec
		if w.Status != types.WorkerActive {
			continue
		}
		if job.BasePriority < w.PriorityMin {
			continue
		}
		if !hasAll(w.Capabilities, job.Capabilities) {
			continue
		}
		free := w.MaxSlots - len(ws.assigned)
		usable := free
		if !high {
			usable = free - w.ReservedHigh
		}
		if usable < 1 {
			continue
		}

		capFrac := float64(free) / float64(w.MaxSlots)
		invLoad := 1.0 / (1.0 + float64(len(ws.assigned))*w.LoadFactor)
		succ := w.SuccessRate()
		invExec := 1.0 / (1.0 + w.AvgExecMs()/1000.0)

		score := 0.25*capFrac + 0.25*invLoad + 0.25*succ + 0.25*invExec
		if high {
			score *= 1.3
		}
		out = append(out, Candidate{WorkerID: id, Epoch: w.Epoch, Score: score})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].WorkerID < out[j].WorkerID
	})
	return out
}

// hasAll reports whether have covers every tag in want.
func hasAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// ============================================================================
// Slot accounting
// ============================================================================

// Reserve atomically takes a slot for the job. Returns ErrSlotConflict
// if the worker is no longer Active, the epoch moved, or no usable slot
// remains — the caller re-enters candidate selection.
func (r *Registry) Reserve(id types.WorkerID, epoch uint64, jobID types.JobID, highBand bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ws, exists := r.workers[id]
	if !exists {
		return ErrUnknownWorker
	}
	w := &ws.rec
	if w.Status != types.WorkerActive || w.Epoch != epoch {
		return ErrSlotConflict
	}
	if _, dup := ws.assigned[jobID]; dup {
		return ErrSlotConflict
	}
	free := w.MaxSlots - len(ws.assigned)
	usable := free
	if !highBand {
		usable = free - w.ReservedHigh
	}
	if usable < 1 {
		return ErrSlotConflict
	}

	ws.assigned[jobID] = struct{}{}
	w.TotalAssigned++
	return nil
}

// Release frees the slot held for jobID. Unknown pairs are ignored so
// failure paths can release unconditionally.
func (r *Registry) Release(id types.WorkerID, jobID types.JobID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ws, exists := r.workers[id]; exists {
		delete(ws.assigned, jobID)
	}
}

// AttachLease re-links a recovered lease to its worker during startup
// recovery, bypassing the Active check (the worker may still be
// reconnecting). Slot-capacity overflows are logged, not fatal: the
// Store is authoritative and the sweep will reconcile.
func (r *Registry) AttachLease(id types.WorkerID, jobID types.JobID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ws, exists := r.workers[id]
	if !exists {
		return
	}
	ws.assigned[jobID] = struct{}{}
	if len(ws.assigned) > ws.rec.MaxSlots {
		log.Warn("Worker over capacity after recovery", "workerID", id, "assigned", len(ws.assigned))
	}
}

// RecordOutcome folds one finished attempt into the worker's lifetime
// counters and releases the slot.
func (r *Registry) RecordOutcome(ctx context.Context, id types.WorkerID, jobID types.JobID, success bool, execMs int64) {
	r.mu.Lock()
	ws, exists := r.workers[id]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(ws.assigned, jobID)
	if success {
		ws.rec.TotalSucceeded++
	} else {
		ws.rec.TotalFailed++
	}
	if execMs > 0 {
		ws.rec.TotalExecMs += uint64(execMs)
	}
	rec := ws.rec
	r.mu.Unlock()

	if err := r.store.PutWorker(ctx, &rec); err != nil {
		log.Warn("Failed to persist worker counters", "workerID", id, "error", err)
	}
}

// ============================================================================
// Health
// ============================================================================

// HealthResult lists workers that changed state during a health check.
type HealthResult struct {
	WentUnreachable []types.WorkerID
	WentDead        []types.WorkerID
}

// CheckHealth applies the heartbeat timeout rules at the given instant.
//
//	Active and last beat older than timeout        → Unreachable
//	non-Dead and last beat older than dead thresh  → Dead
//
// Status changes are persisted with CAS; a CAS conflict means someone
// else already moved the worker, which is fine.
func (r *Registry) CheckHealth(ctx context.Context, nowMs int64, timeoutMs, deadMs int64) HealthResult {
	var res HealthResult

	r.mu.Lock()
	for id, ws := range r.workers {
		w := &ws.rec
		age := nowMs - w.LastHeartbeat
		switch {
		case w.Status != types.WorkerDead && age > deadMs:
			prev := w.Status
			w.Status = types.WorkerDead
			res.WentDead = append(res.WentDead, id)
			r.persistStatusLocked(ctx, id, prev, types.WorkerDead)
		case w.Status == types.WorkerActive && age > timeoutMs:
			w.Status = types.WorkerUnreachable
			res.WentUnreachable = append(res.WentUnreachable, id)
			r.persistStatusLocked(ctx, id, types.WorkerActive, types.WorkerUnreachable)
		}
	}
	r.mu.Unlock()

	sort.Slice(res.WentDead, func(i, j int) bool { return res.WentDead[i] < res.WentDead[j] })
	sort.Slice(res.WentUnreachable, func(i, j int) bool { return res.WentUnreachable[i] < res.WentUnreachable[j] })
	return res
}

// persistStatusLocked issues the status CAS. Called with the lock held;
// the memory store never blocks and the badger store is local, so the
// hold time stays bounded.
func (r *Registry) persistStatusLocked(ctx context.Context, id types.WorkerID, prev, next types.WorkerStatus) {
	if err := r.store.UpdateWorkerStatus(ctx, id, prev, next); err != nil &&
		!errors.Is(err, storage.ErrConflict) {
		log.Warn("Failed to persist worker status", "workerID", id, "next", next, "error", err)
	}
}

// ============================================================================
// Queries
// ============================================================================

// Get returns a copy of the worker record.
func (r *Registry) Get(id types.WorkerID) (types.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ws, exists := r.workers[id]
	if !exists {
		return types.Worker{}, false
	}
	return ws.rec, true
}

// AssignedCount returns the worker's current slot usage.
func (r *Registry) AssignedCount(id types.WorkerID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ws, exists := r.workers[id]; exists {
		return len(ws.assigned)
	}
	return 0
}

// Epoch returns the worker's current epoch, 0 if unknown.
func (r *Registry) Epoch(id types.WorkerID) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ws, exists := r.workers[id]; exists {
		return ws.rec.Epoch
	}
	return 0
}

// CountByStatus returns worker counts keyed by status.
func (r *Registry) CountByStatus() map[types.WorkerStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[types.WorkerStatus]int)
	for _, ws := range r.workers {
		out[ws.rec.Status]++
	}
	return out
}

// Restore loads persisted workers into the table during startup
// recovery. Dead workers are kept visible so their history survives.
func (r *Registry) Restore(workers []*types.Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range workers {
		r.workers[w.ID] = &workerState{
			rec:      *w,
			assigned: make(map[types.JobID]struct{}),
		}
	}
}
