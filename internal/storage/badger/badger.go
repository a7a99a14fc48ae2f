// Package badger implements storage.Store on top of badgerhold, an
// embedded transactional KV store with indexed queries. State records
// (jobs, dependencies, workers, leases, DLQ) live in badger; the
// append-only audit history goes to a histlog file next to it.
package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ChuLiYu/falcon-sched/internal/storage"
	"github.com/ChuLiYu/falcon-sched/internal/storage/histlog"
	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// Options configures the badger store.
type Options struct {
	// Dir is the badger data directory.
	Dir string
	// HistoryPath is the histlog file path. Empty disables the history log.
	HistoryPath string
	// HistoryBuffer and HistoryFlushInterval tune the histlog batcher.
	HistoryBuffer        int
	HistoryFlushInterval time.Duration
}

// Store is the durable Store implementation.
type Store struct {
	store *badgerhold.Store
	hist  *histlog.Log
}

var _ storage.Store = (*Store)(nil)

// depRecord is the persisted form of a dependency edge, flattened so
// both endpoints are directly queryable. The composite key keeps
// parent→child uniqueness a plain key constraint.
type depRecord struct {
	Key       string // parent + "|" + child
	Parent    types.JobID
	Child     types.JobID
	Type      types.DependencyType
	CreatedAt int64
}

func (r *depRecord) dep() *types.Dependency {
	return &types.Dependency{Parent: r.Parent, Child: r.Child, Type: r.Type, CreatedAt: r.CreatedAt}
}

// outcomeRecord marks a processed (leaseID, kind) pair for idempotency.
type outcomeRecord struct {
	Key        string // leaseID + "|" + kind
	ReportedAt int64
}

// Open opens (or creates) the store at opts.Dir.
func Open(opts Options) (*Store, error) {
	bhOpts := badgerhold.DefaultOptions
	bhOpts.Dir = opts.Dir
	bhOpts.ValueDir = opts.Dir
	bhOpts.Logger = nil

	bh, err := badgerhold.Open(bhOpts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %s: %w", opts.Dir, err)
	}

	s := &Store{store: bh}
	if opts.HistoryPath != "" {
		hist, err := histlog.Open(opts.HistoryPath, opts.HistoryBuffer, opts.HistoryFlushInterval)
		if err != nil {
			bh.Close()
			return nil, err
		}
		s.hist = hist
	}
	return s, nil
}

// mapErr translates badgerhold errors into the engine's error kinds.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badgerhold.ErrNotFound):
		return storage.ErrNotFound
	case errors.Is(err, badgerhold.ErrKeyExists):
		return storage.ErrDuplicate
	case errors.Is(err, badgerdb.ErrConflict):
		return storage.ErrConflict
	default:
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
}

func depKey(parent, child types.JobID) string {
	return string(parent) + "|" + string(child)
}

func outcomeKey(id types.LeaseID, kind types.OutcomeKind) string {
	return string(id) + "|" + string(kind)
}

// --- jobs ---

func (s *Store) PutJob(_ context.Context, j *types.Job) error {
	j.Version = 1
	return mapErr(s.store.Insert(string(j.ID), j))
}

func (s *Store) GetJob(_ context.Context, id types.JobID) (*types.Job, error) {
	var j types.Job
	if err := s.store.Get(string(id), &j); err != nil {
		return nil, mapErr(err)
	}
	return &j, nil
}

func (s *Store) UpdateJob(_ context.Context, j *types.Job) error {
	next := j.Version + 1
	err := s.store.Badger().Update(func(txn *badgerdb.Txn) error {
		var cur types.Job
		if err := s.store.TxGet(txn, string(j.ID), &cur); err != nil {
			return err
		}
		if cur.Version != j.Version {
			return badgerdb.ErrConflict
		}
		cp := *j
		cp.Version = next
		return s.store.TxUpdate(txn, string(j.ID), &cp)
	})
	if err != nil {
		return mapErr(err)
	}
	j.Version = next
	return nil
}

func (s *Store) UpdateJobStatus(_ context.Context, id types.JobID, expected, next types.JobStatus) error {
	return mapErr(s.store.Badger().Update(func(txn *badgerdb.Txn) error {
		var j types.Job
		if err := s.store.TxGet(txn, string(id), &j); err != nil {
			return err
		}
		if j.Status != expected {
			return badgerdb.ErrConflict
		}
		j.Status = next
		j.UpdatedAt = time.Now().UnixMilli()
		j.Version++
		return s.store.TxUpdate(txn, string(id), &j)
	}))
}

func (s *Store) ListJobs(_ context.Context, f storage.JobFilter, p storage.Page) ([]*types.Job, error) {
	query := badgerhold.Where("ID").Ne(types.JobID(""))
	if f.Status != "" {
		query = query.And("Status").Eq(f.Status)
	}
	if f.Band != "" {
		query = query.And("Band").Eq(f.Band)
	}
	query = query.SortBy("CreatedAt", "ID")
	if p.Offset > 0 {
		query = query.Skip(p.Offset)
	}
	if p.Limit > 0 {
		query = query.Limit(p.Limit)
	}

	var jobs []types.Job
	if err := s.store.Find(&jobs, query); err != nil {
		return nil, mapErr(err)
	}
	out := make([]*types.Job, len(jobs))
	for i := range jobs {
		out[i] = &jobs[i]
	}
	return out, nil
}

// --- dependencies ---

func (s *Store) AddDependency(_ context.Context, d *types.Dependency) error {
	return mapErr(s.store.Badger().Update(func(txn *badgerdb.Txn) error {
		var j types.Job
		if err := s.store.TxGet(txn, string(d.Parent), &j); err != nil {
			return err
		}
		if err := s.store.TxGet(txn, string(d.Child), &j); err != nil {
			return err
		}
		rec := depRecord{
			Key:       depKey(d.Parent, d.Child),
			Parent:    d.Parent,
			Child:     d.Child,
			Type:      d.Type,
			CreatedAt: d.CreatedAt,
		}
		return s.store.TxInsert(txn, rec.Key, &rec)
	}))
}

func (s *Store) RemoveDependency(_ context.Context, parent, child types.JobID) error {
	return mapErr(s.store.Delete(depKey(parent, child), &depRecord{}))
}

func (s *Store) ListDependencies(_ context.Context, id types.JobID, asParent bool) ([]*types.Dependency, error) {
	field := "Child"
	if asParent {
		field = "Parent"
	}
	var recs []depRecord
	if err := s.store.Find(&recs, badgerhold.Where(field).Eq(id).SortBy("Key")); err != nil {
		return nil, mapErr(err)
	}
	out := make([]*types.Dependency, len(recs))
	for i := range recs {
		out[i] = recs[i].dep()
	}
	return out, nil
}

func (s *Store) AllDependencies(_ context.Context) ([]*types.Dependency, error) {
	var recs []depRecord
	if err := s.store.Find(&recs, badgerhold.Where("Key").Ne("").SortBy("Key")); err != nil {
		return nil, mapErr(err)
	}
	out := make([]*types.Dependency, len(recs))
	for i := range recs {
		out[i] = recs[i].dep()
	}
	return out, nil
}

// --- workers ---

func (s *Store) PutWorker(_ context.Context, w *types.Worker) error {
	w.Version++
	return mapErr(s.store.Upsert(string(w.ID), w))
}

func (s *Store) GetWorker(_ context.Context, id types.WorkerID) (*types.Worker, error) {
	var w types.Worker
	if err := s.store.Get(string(id), &w); err != nil {
		return nil, mapErr(err)
	}
	return &w, nil
}

func (s *Store) UpdateWorkerHeartbeat(_ context.Context, id types.WorkerID, nowMs int64) error {
	return mapErr(s.store.Badger().Update(func(txn *badgerdb.Txn) error {
		var w types.Worker
		if err := s.store.TxGet(txn, string(id), &w); err != nil {
			return err
		}
		w.LastHeartbeat = nowMs
		w.Version++
		return s.store.TxUpdate(txn, string(id), &w)
	}))
}

func (s *Store) UpdateWorkerStatus(_ context.Context, id types.WorkerID, expected, next types.WorkerStatus) error {
	return mapErr(s.store.Badger().Update(func(txn *badgerdb.Txn) error {
		var w types.Worker
		if err := s.store.TxGet(txn, string(id), &w); err != nil {
			return err
		}
		if w.Status != expected {
			return badgerdb.ErrConflict
		}
		w.Status = next
		w.Version++
		return s.store.TxUpdate(txn, string(id), &w)
	}))
}

func (s *Store) ListWorkers(_ context.Context) ([]*types.Worker, error) {
	var workers []types.Worker
	if err := s.store.Find(&workers, badgerhold.Where("ID").Ne(types.WorkerID("")).SortBy("ID")); err != nil {
		return nil, mapErr(err)
	}
	out := make([]*types.Worker, len(workers))
	for i := range workers {
		out[i] = &workers[i]
	}
	return out, nil
}

// --- leases ---

// IssueLease checks Ready + no-active-lease and flips the job to Running
// inside one badger transaction. This CAS is what guarantees at most one
// concurrent execution per job.
func (s *Store) IssueLease(_ context.Context, lease *types.Lease) error {
	return mapErr(s.store.Badger().Update(func(txn *badgerdb.Txn) error {
		var j types.Job
		if err := s.store.TxGet(txn, string(lease.JobID), &j); err != nil {
			return err
		}
		if j.Status != types.StatusReady {
			return badgerdb.ErrConflict
		}
		var held []types.Lease
		if err := s.store.TxFind(txn, &held, badgerhold.Where("JobID").Eq(lease.JobID)); err != nil {
			return err
		}
		if len(held) > 0 {
			return badgerdb.ErrConflict
		}
		if err := s.store.TxInsert(txn, string(lease.ID), lease); err != nil {
			return err
		}
		j.Status = types.StatusRunning
		j.UpdatedAt = time.Now().UnixMilli()
		j.Version++
		return s.store.TxUpdate(txn, string(lease.JobID), &j)
	}))
}

func (s *Store) CompleteLease(_ context.Context, leaseID types.LeaseID, kind types.OutcomeKind, next types.JobStatus) error {
	err := s.store.Badger().Update(func(txn *badgerdb.Txn) error {
		key := outcomeKey(leaseID, kind)
		var marker outcomeRecord
		if err := s.store.TxGet(txn, key, &marker); err == nil {
			return errAlreadyReported
		} else if !errors.Is(err, badgerhold.ErrNotFound) {
			return err
		}

		var lease types.Lease
		if err := s.store.TxGet(txn, string(leaseID), &lease); err != nil {
			return err
		}
		var j types.Job
		if err := s.store.TxGet(txn, string(lease.JobID), &j); err != nil {
			return err
		}

		rec := outcomeRecord{Key: key, ReportedAt: time.Now().UnixMilli()}
		if err := s.store.TxInsert(txn, key, &rec); err != nil {
			return err
		}
		if err := s.store.TxDelete(txn, string(leaseID), &types.Lease{}); err != nil {
			return err
		}
		j.Status = next
		j.UpdatedAt = time.Now().UnixMilli()
		j.Version++
		return s.store.TxUpdate(txn, string(lease.JobID), &j)
	})
	if errors.Is(err, errAlreadyReported) {
		return storage.ErrAlreadyReported
	}
	return mapErr(err)
}

var errAlreadyReported = errors.New("outcome marker exists")

func (s *Store) HasOutcome(_ context.Context, leaseID types.LeaseID, kind types.OutcomeKind) (bool, error) {
	var marker outcomeRecord
	err := s.store.Get(outcomeKey(leaseID, kind), &marker)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, badgerhold.ErrNotFound) {
		return false, nil
	}
	return false, mapErr(err)
}

func (s *Store) GetLease(_ context.Context, id types.LeaseID) (*types.Lease, error) {
	var l types.Lease
	if err := s.store.Get(string(id), &l); err != nil {
		return nil, mapErr(err)
	}
	return &l, nil
}

func (s *Store) GetLeaseByJob(_ context.Context, jobID types.JobID) (*types.Lease, error) {
	var leases []types.Lease
	if err := s.store.Find(&leases, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return nil, mapErr(err)
	}
	if len(leases) == 0 {
		return nil, storage.ErrNotFound
	}
	return &leases[0], nil
}

func (s *Store) ListLeases(_ context.Context) ([]*types.Lease, error) {
	var leases []types.Lease
	if err := s.store.Find(&leases, badgerhold.Where("ID").Ne(types.LeaseID("")).SortBy("IssuedAt")); err != nil {
		return nil, mapErr(err)
	}
	out := make([]*types.Lease, len(leases))
	for i := range leases {
		out[i] = &leases[i]
	}
	return out, nil
}

func (s *Store) ListLeasesByWorker(_ context.Context, workerID types.WorkerID) ([]*types.Lease, error) {
	var leases []types.Lease
	if err := s.store.Find(&leases, badgerhold.Where("WorkerID").Eq(workerID).SortBy("IssuedAt")); err != nil {
		return nil, mapErr(err)
	}
	out := make([]*types.Lease, len(leases))
	for i := range leases {
		out[i] = &leases[i]
	}
	return out, nil
}

// --- DLQ ---

func (s *Store) PutDLQ(_ context.Context, e *types.DLQEntry) error {
	return mapErr(s.store.Upsert("dlq/"+string(e.JobID), e))
}

func (s *Store) GetDLQ(_ context.Context, jobID types.JobID) (*types.DLQEntry, error) {
	var e types.DLQEntry
	if err := s.store.Get("dlq/"+string(jobID), &e); err != nil {
		return nil, mapErr(err)
	}
	return &e, nil
}

func (s *Store) DeleteDLQ(_ context.Context, jobID types.JobID) error {
	return mapErr(s.store.Delete("dlq/"+string(jobID), &types.DLQEntry{}))
}

func (s *Store) ListDLQ(_ context.Context, p storage.Page) ([]*types.DLQEntry, error) {
	query := badgerhold.Where("JobID").Ne(types.JobID("")).SortBy("EnteredAt", "JobID")
	if p.Offset > 0 {
		query = query.Skip(p.Offset)
	}
	if p.Limit > 0 {
		query = query.Limit(p.Limit)
	}
	var entries []types.DLQEntry
	if err := s.store.Find(&entries, query); err != nil {
		return nil, mapErr(err)
	}
	out := make([]*types.DLQEntry, len(entries))
	for i := range entries {
		out[i] = &entries[i]
	}
	return out, nil
}

// --- history ---

func (s *Store) AppendHistory(_ context.Context, e *types.HistoryEntry) error {
	if s.hist == nil {
		return nil
	}
	// terminal events flush immediately so the audit trail survives a crash
	force := e.Event == "job-completed" || e.Event == "job-dead-lettered" || e.Event == "job-cancelled"
	if err := s.hist.Append(*e, force); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error {
	var first error
	if s.hist != nil {
		if err := s.hist.Close(); err != nil {
			first = err
		}
	}
	if err := s.store.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
