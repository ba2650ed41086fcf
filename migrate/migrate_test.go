package migrate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/controlstore"
	"github.com/coldtier/ectier/tier"
)

type fakeReplicas struct {
	replicas     map[capability.VolumeID][]capability.ReplicaInfo
	addErr       error
	syncResult   bool
	syncErr      error
	removeErr    error
	nextID       atomic.Int64
}

func (f *fakeReplicas) Get(ctx context.Context, volume capability.VolumeID) ([]capability.ReplicaInfo, error) {
	return f.replicas[volume], nil
}

func (f *fakeReplicas) AddReplica(ctx context.Context, volume capability.VolumeID, pool string) (string, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	id := "r" + string(rune('0'+f.nextID.Add(1)))
	f.replicas[volume] = append(f.replicas[volume], capability.ReplicaInfo{ReplicaID: id, Pool: pool})
	return id, nil
}

func (f *fakeReplicas) RemoveReplica(ctx context.Context, volume capability.VolumeID, replicaID string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	out := f.replicas[volume][:0]
	for _, r := range f.replicas[volume] {
		if r.ReplicaID != replicaID {
			out = append(out, r)
		}
	}
	f.replicas[volume] = out
	return nil
}

func (f *fakeReplicas) WaitSynced(ctx context.Context, volume capability.VolumeID, replicaID string, deadline time.Time) (bool, error) {
	return f.syncResult, f.syncErr
}

type fakeDestage struct{ err error }

func (f *fakeDestage) DestageVolume(ctx context.Context, volume capability.VolumeID, targetPools []string) error {
	return f.err
}

type fakeIDs struct{ n atomic.Int64 }

func (f *fakeIDs) NewID() string { return "mig-" + string(rune('0'+f.n.Add(1))) }

func TestReplicatedMigrationHappyPath(t *testing.T) {
	replicas := &fakeReplicas{replicas: map[capability.VolumeID][]capability.ReplicaInfo{
		"vol1": {{ReplicaID: "source", Pool: "pool-hot"}},
	}, syncResult: true}
	hist := controlstore.NewMemStore()
	mgr := NewManager(replicas, &fakeDestage{}, hist, &fakeIDs{}, 2)

	err := mgr.Enqueue(context.Background(), tier.MigrationRequest{Volume: "vol1", TargetPool: "pool-cold", Kind: tier.MigrationReplicated})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(replicas.replicas["vol1"]) != 1 || replicas.replicas["vol1"][0].ReplicaID == "source" {
		t.Fatalf("expected source replica removed and only the new one to remain, got %+v", replicas.replicas["vol1"])
	}
	if mgr.IsMigrating("vol1") {
		t.Fatalf("expected in-progress flag cleared after completion")
	}
}

func TestReplicatedMigrationAbortsWithoutRemovingSourceOnSyncFailure(t *testing.T) {
	replicas := &fakeReplicas{replicas: map[capability.VolumeID][]capability.ReplicaInfo{
		"vol1": {{ReplicaID: "source", Pool: "pool-hot"}},
	}, syncResult: false, syncErr: errors.New("sync rpc failed")}
	hist := controlstore.NewMemStore()
	mgr := NewManager(replicas, &fakeDestage{}, hist, &fakeIDs{}, 2)

	err := mgr.Enqueue(context.Background(), tier.MigrationRequest{Volume: "vol1", TargetPool: "pool-cold", Kind: tier.MigrationReplicated})
	if err == nil {
		t.Fatalf("expected migration to fail")
	}
	for _, r := range replicas.replicas["vol1"] {
		if r.ReplicaID == "source" {
			return
		}
	}
	t.Fatalf("expected source replica to survive a failed sync, got %+v", replicas.replicas["vol1"])
}

func TestECConversionMigrationRemovesAllReplicasOnSuccess(t *testing.T) {
	replicas := &fakeReplicas{replicas: map[capability.VolumeID][]capability.ReplicaInfo{
		"vol1": {{ReplicaID: "r1", Pool: "pool-hot"}, {ReplicaID: "r2", Pool: "pool-hot"}},
	}}
	hist := controlstore.NewMemStore()
	mgr := NewManager(replicas, &fakeDestage{}, hist, &fakeIDs{}, 2)

	err := mgr.Enqueue(context.Background(), tier.MigrationRequest{Volume: "vol1", TargetPool: "pool-cold", Kind: tier.MigrationECConversion})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(replicas.replicas["vol1"]) != 0 {
		t.Fatalf("expected all replicated copies released after EC conversion, got %+v", replicas.replicas["vol1"])
	}
}

func TestECConversionFailsWithoutRemovingReplicasWhenDestageFails(t *testing.T) {
	replicas := &fakeReplicas{replicas: map[capability.VolumeID][]capability.ReplicaInfo{
		"vol1": {{ReplicaID: "r1", Pool: "pool-hot"}},
	}}
	hist := controlstore.NewMemStore()
	mgr := NewManager(replicas, &fakeDestage{err: errors.New("destage failed")}, hist, &fakeIDs{}, 2)

	err := mgr.Enqueue(context.Background(), tier.MigrationRequest{Volume: "vol1", TargetPool: "pool-cold", Kind: tier.MigrationECConversion})
	if err == nil {
		t.Fatalf("expected migration to fail")
	}
	if len(replicas.replicas["vol1"]) != 1 {
		t.Fatalf("expected replicas untouched when destage fails before removal step")
	}
}

func TestEnqueueRejectsConcurrentMigrationOfSameVolume(t *testing.T) {
	replicas := &fakeReplicas{replicas: map[capability.VolumeID][]capability.ReplicaInfo{"vol1": nil}, syncResult: true}
	hist := controlstore.NewMemStore()
	mgr := NewManager(replicas, &fakeDestage{}, hist, &fakeIDs{}, 2)
	mgr.mu.Lock()
	mgr.inProgress["vol1"] = true
	mgr.mu.Unlock()

	err := mgr.Enqueue(context.Background(), tier.MigrationRequest{Volume: "vol1", TargetPool: "pool-cold", Kind: tier.MigrationReplicated})
	if err == nil {
		t.Fatalf("expected rejection of a concurrent migration on the same volume")
	}
}
