package tier

import (
	"context"
	"testing"
	"time"

	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/policy"
)

type fakeHeat struct{ iops map[capability.VolumeID]float64 }

func (f *fakeHeat) IOPS(ctx context.Context, volume capability.VolumeID, window time.Duration) (float64, error) {
	return f.iops[volume], nil
}
func (f *fakeHeat) Health(ctx context.Context) error { return nil }

type fakeEnum struct{ snaps []VolumeSnapshot }

func (f *fakeEnum) Enumerate(storageClass string) []VolumeSnapshot { return f.snaps }

type fakeMigrator struct {
	enqueued  []MigrationRequest
	migrating map[capability.VolumeID]bool
}

func (f *fakeMigrator) Enqueue(ctx context.Context, req MigrationRequest) error {
	f.enqueued = append(f.enqueued, req)
	return nil
}
func (f *fakeMigrator) IsMigrating(volume capability.VolumeID) bool { return f.migrating[volume] }

func testPolicy() *policy.StoragePolicy {
	return &policy.StoragePolicy{
		StorageClass:     "default",
		SamplingWindow:   time.Minute,
		Cooldown:         time.Hour,
		HighIOPS:         1000,
		LowIOPS:          10,
		WarmEnabled:      true,
		WarmIOPS:         100,
		PoolSelectors:    policy.PoolSelectors{Hot: "pool-hot", Warm: "pool-warm", Cold: "pool-cold"},
		EcEnabled:        true,
		EcMinVolumeBytes: 1 << 20,
	}
}

func TestReconcileEnqueuesColdMigrationForIdleVolume(t *testing.T) {
	heat := &fakeHeat{iops: map[capability.VolumeID]float64{"vol1": 1}}
	enum := &fakeEnum{snaps: []VolumeSnapshot{{Volume: "vol1", SizeBytes: 2 << 20, Tier: TierHot}}}
	mig := &fakeMigrator{migrating: map[capability.VolumeID]bool{}}

	c := NewController(testPolicy(), nil, heat, enum, mig)
	status := c.Reconcile(context.Background())

	if status.CountsByTier[TierCold] != 1 {
		t.Fatalf("expected 1 volume classified cold, got %d", status.CountsByTier[TierCold])
	}
	if len(mig.enqueued) != 1 {
		t.Fatalf("expected one migration enqueued, got %d", len(mig.enqueued))
	}
	if mig.enqueued[0].Kind != MigrationECConversion {
		t.Fatalf("expected EC conversion for a large idle volume, got %v", mig.enqueued[0].Kind)
	}
	if mig.enqueued[0].TargetPool != "pool-cold" {
		t.Fatalf("expected target pool pool-cold, got %s", mig.enqueued[0].TargetPool)
	}
}

func TestReconcileSkipsSmallVolumeUsesReplicatedMigration(t *testing.T) {
	heat := &fakeHeat{iops: map[capability.VolumeID]float64{"vol1": 1}}
	enum := &fakeEnum{snaps: []VolumeSnapshot{{Volume: "vol1", SizeBytes: 1024, Tier: TierHot}}}
	mig := &fakeMigrator{migrating: map[capability.VolumeID]bool{}}

	c := NewController(testPolicy(), nil, heat, enum, mig)
	c.Reconcile(context.Background())

	if len(mig.enqueued) != 1 || mig.enqueued[0].Kind != MigrationReplicated {
		t.Fatalf("expected replicated migration for a volume below ec_min_volume_bytes")
	}
}

func TestReconcileHonorsCooldown(t *testing.T) {
	heat := &fakeHeat{iops: map[capability.VolumeID]float64{"vol1": 1}}
	enum := &fakeEnum{snaps: []VolumeSnapshot{{Volume: "vol1", SizeBytes: 1024, Tier: TierHot}}}
	mig := &fakeMigrator{migrating: map[capability.VolumeID]bool{}}

	c := NewController(testPolicy(), nil, heat, enum, mig)
	c.Reconcile(context.Background())
	c.Reconcile(context.Background()) // second tick, still within cooldown

	if len(mig.enqueued) != 1 {
		t.Fatalf("expected cooldown to suppress the second migration, got %d enqueues", len(mig.enqueued))
	}
}

func TestReconcileSkipsVolumeAlreadyMigrating(t *testing.T) {
	heat := &fakeHeat{iops: map[capability.VolumeID]float64{"vol1": 1}}
	enum := &fakeEnum{snaps: []VolumeSnapshot{{Volume: "vol1", SizeBytes: 1024, Tier: TierHot}}}
	mig := &fakeMigrator{migrating: map[capability.VolumeID]bool{"vol1": true}}

	c := NewController(testPolicy(), nil, heat, enum, mig)
	c.Reconcile(context.Background())

	if len(mig.enqueued) != 0 {
		t.Fatalf("expected no enqueue while a migration is already in flight")
	}
}

func TestReconcileDryRunNeverEnqueues(t *testing.T) {
	p := testPolicy()
	p.DryRun = true
	heat := &fakeHeat{iops: map[capability.VolumeID]float64{"vol1": 1}}
	enum := &fakeEnum{snaps: []VolumeSnapshot{{Volume: "vol1", SizeBytes: 1024, Tier: TierHot}}}
	mig := &fakeMigrator{migrating: map[capability.VolumeID]bool{}}

	c := NewController(p, nil, heat, enum, mig)
	status := c.Reconcile(context.Background())

	if status.DryRunDecisions != 1 {
		t.Fatalf("expected 1 dry-run decision recorded")
	}
	if len(mig.enqueued) != 0 {
		t.Fatalf("expected dry run to never call Enqueue")
	}
}

// Regression: a volume with IOPS strictly between LowIOPS and HighIOPS with
// warm disabled (or at or above WarmIOPS but below HighIOPS with warm
// enabled) must stay in its current tier rather than being bumped to hot, per spec.md §4.6 step 3.
func TestReconcileModerateIOPSStaysInCurrentTierWarmDisabled(t *testing.T) {
	p := testPolicy()
	p.WarmEnabled = false
	heat := &fakeHeat{iops: map[capability.VolumeID]float64{"vol1": 500}} // between LowIOPS(10) and HighIOPS(1000)
	enum := &fakeEnum{snaps: []VolumeSnapshot{{Volume: "vol1", SizeBytes: 1024, Tier: TierCold}}}
	mig := &fakeMigrator{migrating: map[capability.VolumeID]bool{}}

	c := NewController(p, nil, heat, enum, mig)
	status := c.Reconcile(context.Background())

	if status.CountsByTier[TierCold] != 1 {
		t.Fatalf("expected volume to classify as staying cold, got counts %+v", status.CountsByTier)
	}
	if len(mig.enqueued) != 0 {
		t.Fatalf("expected no migration when classify resolves to the volume's current tier, got %+v", mig.enqueued)
	}
}

func TestReconcileAboveWarmIOPSWarmEnabledStaysInCurrentTier(t *testing.T) {
	heat := &fakeHeat{iops: map[capability.VolumeID]float64{"vol1": 500}} // above WarmIOPS(100), below HighIOPS(1000)
	enum := &fakeEnum{snaps: []VolumeSnapshot{{Volume: "vol1", SizeBytes: 1024, Tier: TierWarm}}}
	mig := &fakeMigrator{migrating: map[capability.VolumeID]bool{}}

	c := NewController(testPolicy(), nil, heat, enum, mig)
	status := c.Reconcile(context.Background())

	if status.CountsByTier[TierWarm] != 1 {
		t.Fatalf("expected volume to classify as staying warm, got counts %+v", status.CountsByTier)
	}
	if len(mig.enqueued) != 0 {
		t.Fatalf("expected no migration when classify resolves to the volume's current tier, got %+v", mig.enqueued)
	}
}

func TestReconcileNoChangeWhenAlreadyAtTargetTier(t *testing.T) {
	heat := &fakeHeat{iops: map[capability.VolumeID]float64{"vol1": 1}}
	enum := &fakeEnum{snaps: []VolumeSnapshot{{Volume: "vol1", SizeBytes: 1024, Tier: TierCold}}}
	mig := &fakeMigrator{migrating: map[capability.VolumeID]bool{}}

	c := NewController(testPolicy(), nil, heat, enum, mig)
	c.Reconcile(context.Background())

	if len(mig.enqueued) != 0 {
		t.Fatalf("expected no migration when volume is already at its target tier")
	}
}
