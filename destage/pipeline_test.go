package destage

import (
	"context"
	"testing"

	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/capability/doubles"
	"github.com/coldtier/ectier/codec"
	"github.com/coldtier/ectier/journal"
	"github.com/coldtier/ectier/metadata"
	"github.com/coldtier/ectier/policy"
	"github.com/coldtier/ectier/stripeformat"
)

type fakeCatalog struct {
	entries []CatalogEntry
}

func (c *fakeCatalog) CandidateDevices(pool string) []CatalogEntry { return c.entries }

type fakeCommitter struct {
	commits []metadata.NewMapping
}

func (f *fakeCommitter) Commit(m metadata.NewMapping) (uint64, error) {
	f.commits = append(f.commits, m)
	return uint64(len(f.commits)), nil
}

type fakeCoverage struct{ always bool }

func (f *fakeCoverage) CoveredBySeqNo(volume capability.VolumeID, query capability.LbaRange, minSeqNo uint64) bool {
	return f.always
}

func newTestPipeline(t *testing.T, k, m int) (*Pipeline, *journal.Index, *doubles.MemHotTier, *doubles.MemDevice, *fakeCommitter) {
	t.Helper()
	hot := doubles.NewMemHotTier()
	devs := doubles.NewMemDevice(1)
	jidx := journal.NewIndex(&fakeCoverage{always: true})
	committer := &fakeCommitter{}
	constraint, err := policy.ParsePlacementConstraint("")
	if err != nil {
		t.Fatalf("constraint: %v", err)
	}
	catalog := &fakeCatalog{}
	for i := 0; i < k+m+2; i++ {
		dev := capability.DeviceID(string(rune('a' + i)))
		catalog.entries = append(catalog.entries, CatalogEntry{Device: dev, Labels: policy.DeviceLabels{"device": string(dev)}})
	}
	cfg := Config{
		K: k, M: m, ShardSize: 16, SectorBytes: 1, Pool: "cold",
		Constraint: constraint, Compression: stripeformat.DefaultPolicy(),
	}
	p := NewPipeline(cfg, jidx, hot, doubles.MemBufferPool{}, codec.NewRSCodec(), devs, catalog, committer, NewStripeIDAllocator(0))
	return p, jidx, hot, devs, committer
}

func TestScenarioS4_DestageRunProducesCommittedStripe(t *testing.T) {
	p, jidx, hot, _, committer := newTestPipeline(t, 2, 1)

	hot.Seed("vol1", 0, []byte("abcdefghijklmnopqrstuvwxyzABCDEF")) // 32 random-ish bytes, 2 shards of 16
	jidx.Record("vol1", capability.LbaRange{Start: 0, End: 32}, "hot://0", 1)

	placement, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if placement == nil {
		t.Fatalf("expected a placement")
	}
	if len(placement.Shards) != 3 {
		t.Fatalf("expected k+m=3 shard locations, got %d", len(placement.Shards))
	}
	if len(committer.commits) != 1 {
		t.Fatalf("expected exactly one commit, got %d", len(committer.commits))
	}
	if jidx.Len() != 0 {
		t.Fatalf("expected journal entry trimmed after successful destage")
	}
}

func TestRunWithNothingPendingReturnsNil(t *testing.T) {
	p, _, _, _, _ := newTestPipeline(t, 2, 1)
	placement, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if placement != nil {
		t.Fatalf("expected nil placement when nothing is pending")
	}
}

func TestDestageVolumeDrainsAllPendingRangesForOneVolume(t *testing.T) {
	p, jidx, hot, _, committer := newTestPipeline(t, 2, 1)

	hot.Seed("vol1", 0, []byte("abcdefghijklmnopqrstuvwxyzABCDEF"))  // first 32-byte range
	hot.Seed("vol1", 32, []byte("0123456789ABCDEFGHIJKLMNOPQRSTUV")) // second 32-byte range
	jidx.Record("vol1", capability.LbaRange{Start: 0, End: 32}, "hot://0", 1)
	jidx.Record("vol1", capability.LbaRange{Start: 32, End: 64}, "hot://1", 2)

	if err := p.DestageVolume(context.Background(), "vol1", []string{"cold"}); err != nil {
		t.Fatalf("destage volume: %v", err)
	}
	if len(committer.commits) != 2 {
		t.Fatalf("expected two stripes committed to drain both ranges, got %d", len(committer.commits))
	}
	if jidx.Len() != 0 {
		t.Fatalf("expected journal fully drained for vol1, got %d remaining", jidx.Len())
	}
}

func TestRunAbortsOnDeviceWriteFailure(t *testing.T) {
	p, jidx, hot, devs, committer := newTestPipeline(t, 2, 1)
	hot.Seed("vol1", 0, []byte("abcdefghijklmnopqrstuvwxyzABCDEF"))
	jidx.Record("vol1", capability.LbaRange{Start: 0, End: 32}, "hot://0", 1)

	for d := range devs.FailWrite {
		devs.FailWrite[d] = true
	}
	devs.FailWrite["a"] = true

	_, err := p.Run(context.Background())
	if err == nil {
		t.Fatalf("expected a write failure to abort the run")
	}
	if len(committer.commits) != 0 {
		t.Fatalf("expected no commit on write failure, got %d", len(committer.commits))
	}
	if jidx.Len() != 1 {
		t.Fatalf("expected journal entry to remain pending after aborted run")
	}
}
