// ============================================================================
// Falcon-Sched Work Node - In-Process Engine Adapter
// ============================================================================
//
// Package: internal/worknode
// File: local.go
// Purpose: EngineClient backed by a scheduler.Core in the same process.
// Used by the demo binary and the integration tests; a remote transport
// would provide its own EngineClient.
//
// ============================================================================

package worknode

import (
	"context"

	"github.com/ChuLiYu/falcon-sched/internal/registry"
	"github.com/ChuLiYu/falcon-sched/internal/scheduler"
	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// LocalClient adapts a scheduler.Core to the EngineClient interface.
type LocalClient struct {
	Core *scheduler.Core
}

var _ EngineClient = (*LocalClient)(nil)

func (c *LocalClient) Register(ctx context.Context, spec registry.Spec) (uint64, error) {
	return c.Core.RegisterWorker(ctx, spec)
}

func (c *LocalClient) Heartbeat(ctx context.Context, id types.WorkerID, info registry.HeartbeatInfo) ([]types.JobID, error) {
	reply, err := c.Core.WorkerHeartbeat(ctx, id, info)
	if err != nil {
		return nil, err
	}
	return reply.CancelJobs, nil
}

func (c *LocalClient) Assignments(ctx context.Context, id types.WorkerID) ([]AssignedJob, error) {
	as, err := c.Core.Assignments(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]AssignedJob, len(as))
	for i, a := range as {
		out[i] = AssignedJob{Lease: a.Lease, Job: a.Job}
	}
	return out, nil
}

func (c *LocalClient) Report(ctx context.Context, id types.WorkerID, leaseID types.LeaseID, out *types.Outcome) error {
	return c.Core.ReportOutcome(ctx, id, leaseID, out)
}

func (c *LocalClient) Deregister(ctx context.Context, id types.WorkerID, force bool) error {
	return c.Core.DeregisterWorker(ctx, id, force)
}
