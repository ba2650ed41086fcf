/*
Copyright (C) 2026  ColdTier Contributors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package migrate implements Migrator: spec.md §4.7's replicated
// scale-up-then-scale-down migration and EC-conversion state machine,
// bounded by a global concurrency semaphore and a per-volume in-progress
// flag (§5 "Shared-resource policy").
package migrate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/errs"
	"github.com/coldtier/ectier/tier"
)

type State int

const (
	StatePending State = iota
	StateAddingReplica
	StateSyncing
	StateRemovingSource
	StateCompleted
	StateFailed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAddingReplica:
		return "adding_replica"
	case StateSyncing:
		return "syncing"
	case StateRemovingSource:
		return "removing_source"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Transition is one state-machine step recorded to history, "with
// timestamps and triggering IOPS" (spec.md §4.7).
type Transition struct {
	State         State
	At            time.Time
	TriggerIOPS   float64
	Err           string
}

// Record is the full history of one migration, persisted through History.
type Record struct {
	ID          string
	Volume      capability.VolumeID
	TargetPool  string
	Kind        tier.MigrationKind
	TriggerIOPS float64
	Transitions []Transition
}

func (r *Record) currentState() State {
	if len(r.Transitions) == 0 {
		return StatePending
	}
	return r.Transitions[len(r.Transitions)-1].State
}

// History persists migration records; controlstore.Store (lib/pq backed)
// and controlstore.MemStore both satisfy this.
type History interface {
	Append(ctx context.Context, rec Record) error
	Load(ctx context.Context, id string) (Record, error)
}

// DestageRequester is the slice of DestagePipeline an EC-conversion
// migration needs: drive destage-to-completion for one volume's still-
// pending ranges, per spec.md §4.7's EC-conversion paragraph.
type DestageRequester interface {
	DestageVolume(ctx context.Context, volume capability.VolumeID, targetPools []string) error
}

// IDGenerator allocates migration IDs; google/uuid in production.
type IDGenerator interface {
	NewID() string
}

// Manager is the production Migrator. It satisfies tier.MigrationRequester
// so TierController can enqueue directly into it.
type Manager struct {
	Replicas capability.ReplicaOrchestrator
	Destage  DestageRequester
	History  History
	IDs      IDGenerator

	SyncTimeout time.Duration
	PollEvery   time.Duration

	budget *semaphore.Weighted

	mu         sync.Mutex
	inProgress map[capability.VolumeID]bool

	OnTransition func(Record, Transition)
}

func NewManager(replicas capability.ReplicaOrchestrator, destage DestageRequester, hist History, ids IDGenerator, maxConcurrent int64) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Manager{
		Replicas: replicas, Destage: destage, History: hist, IDs: ids,
		SyncTimeout: 10 * time.Minute, PollEvery: 2 * time.Second,
		budget:     semaphore.NewWeighted(maxConcurrent),
		inProgress: make(map[capability.VolumeID]bool),
	}
}

// IsMigrating reports whether volume currently has an in-flight migration,
// satisfying tier.MigrationRequester.
func (m *Manager) IsMigrating(volume capability.VolumeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inProgress[volume]
}

// Enqueue starts a migration for req, blocking until a concurrency slot is
// free and the whole migration (success, failure, or abort) has run.
// TierController treats Enqueue as fire-and-forget by calling it from its
// own goroutine when async dispatch is desired; Manager itself does not
// spawn goroutines so callers control concurrency and cancellation.
func (m *Manager) Enqueue(ctx context.Context, req tier.MigrationRequest) error {
	if !m.claim(req.Volume) {
		return errs.New(errs.KindMigrationInProgress, "Migrator.Enqueue", "volume already migrating: "+string(req.Volume))
	}
	defer m.release(req.Volume)

	if err := m.budget.Acquire(ctx, 1); err != nil {
		return errs.Wrap(errs.KindUnknown, "Migrator.Enqueue", "acquire concurrency budget", err)
	}
	defer m.budget.Release(1)

	rec := Record{ID: m.IDs.NewID(), Volume: req.Volume, TargetPool: req.TargetPool, Kind: req.Kind}

	switch req.Kind {
	case tier.MigrationECConversion:
		return m.runECConversion(ctx, &rec)
	default:
		return m.runReplicated(ctx, &rec)
	}
}

func (m *Manager) claim(volume capability.VolumeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inProgress[volume] {
		return false
	}
	m.inProgress[volume] = true
	return true
}

func (m *Manager) release(volume capability.VolumeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inProgress, volume)
}

func (m *Manager) record(ctx context.Context, rec *Record, s State, err error) {
	t := Transition{State: s, At: time.Now()}
	if err != nil {
		t.Err = err.Error()
	}
	rec.Transitions = append(rec.Transitions, t)
	if m.History != nil {
		_ = m.History.Append(ctx, *rec)
	}
	if m.OnTransition != nil {
		m.OnTransition(*rec, t)
	}
}

// runReplicated implements the scale-up-then-scale-down state machine:
// Pending -> AddingReplica -> Syncing -> RemovingSource -> Completed|Failed|Aborted.
func (m *Manager) runReplicated(ctx context.Context, rec *Record) error {
	m.record(ctx, rec, StatePending, nil)

	m.record(ctx, rec, StateAddingReplica, nil)
	replicaID, err := m.Replicas.AddReplica(ctx, rec.Volume, rec.TargetPool)
	if err != nil {
		m.record(ctx, rec, StateAborted, err)
		return errs.Wrap(errs.KindReplicaSyncFailed, "Migrator.runReplicated", "add replica", err)
	}

	m.record(ctx, rec, StateSyncing, nil)
	deadline := time.Now().Add(m.SyncTimeout)
	synced, err := m.waitSynced(ctx, rec.Volume, replicaID, deadline)
	if err != nil || !synced {
		// Leave the source replica intact — never remove before confirmed sync.
		_ = m.Replicas.RemoveReplica(ctx, rec.Volume, replicaID)
		if err == nil {
			err = errs.New(errs.KindMigrationTimeout, "Migrator.runReplicated", "sync deadline exceeded")
		}
		// A sync timeout aborts before step 4 (RemovingSource) ever runs, so
		// this lands in StateAborted rather than StateFailed — no source
		// replica was ever touched, which is the stronger guarantee Aborted
		// is meant to convey.
		m.record(ctx, rec, StateAborted, err)
		return err
	}

	m.record(ctx, rec, StateRemovingSource, nil)
	source, err := m.sourceReplica(ctx, rec.Volume, replicaID)
	if err != nil {
		m.record(ctx, rec, StateFailed, err)
		return err
	}
	if source != "" {
		if err := m.Replicas.RemoveReplica(ctx, rec.Volume, source); err != nil {
			m.record(ctx, rec, StateFailed, err)
			return errs.Wrap(errs.KindReplicaSyncFailed, "Migrator.runReplicated", "remove source replica", err)
		}
	}

	m.record(ctx, rec, StateCompleted, nil)
	return nil
}

// waitSynced polls ReplicaOrchestrator.WaitSynced, falling back to a short
// local poll loop if the orchestrator returns before the deadline without
// yet being synced (mirrors how a real orchestrator RPC can return early).
func (m *Manager) waitSynced(ctx context.Context, volume capability.VolumeID, replicaID string, deadline time.Time) (bool, error) {
	for {
		synced, err := m.Replicas.WaitSynced(ctx, volume, replicaID, deadline)
		if err != nil {
			return false, err
		}
		if synced {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(m.PollEvery):
		}
	}
}

// sourceReplica finds the replica that is not the one just added, i.e. the
// original copy to retire.
func (m *Manager) sourceReplica(ctx context.Context, volume capability.VolumeID, newReplicaID string) (string, error) {
	replicas, err := m.Replicas.Get(ctx, volume)
	if err != nil {
		return "", errs.Wrap(errs.KindReplicaSyncFailed, "Migrator.sourceReplica", "list replicas", err)
	}
	for _, r := range replicas {
		if r.ReplicaID != newReplicaID {
			return r.ReplicaID, nil
		}
	}
	return "", nil
}

// runECConversion implements spec.md §4.7's EC-conversion path: the volume
// is not bulk-copied, it is driven through DestagePipeline until every
// range is covered by committed stripes, at which point the source
// replicated copies are released.
func (m *Manager) runECConversion(ctx context.Context, rec *Record) error {
	m.record(ctx, rec, StatePending, nil)
	m.record(ctx, rec, StateSyncing, nil) // "syncing" here means "destaging to EC"

	if err := m.Destage.DestageVolume(ctx, rec.Volume, []string{rec.TargetPool}); err != nil {
		m.record(ctx, rec, StateFailed, err)
		return errs.Wrap(errs.KindDurability, "Migrator.runECConversion", "destage volume to EC", err)
	}

	m.record(ctx, rec, StateRemovingSource, nil)
	replicas, err := m.Replicas.Get(ctx, rec.Volume)
	if err != nil {
		m.record(ctx, rec, StateFailed, err)
		return errs.Wrap(errs.KindReplicaSyncFailed, "Migrator.runECConversion", "list replicas", err)
	}
	for _, r := range replicas {
		if err := m.Replicas.RemoveReplica(ctx, rec.Volume, r.ReplicaID); err != nil {
			m.record(ctx, rec, StateFailed, err)
			return errs.Wrap(errs.KindReplicaSyncFailed, "Migrator.runECConversion", "remove replicated copy", err)
		}
	}

	m.record(ctx, rec, StateCompleted, nil)
	return nil
}
