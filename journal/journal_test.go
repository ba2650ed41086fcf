package journal

import (
	"fmt"
	"testing"

	"github.com/coldtier/ectier/capability"
)

type fakeCoverage struct {
	covered map[string]bool
}

func (f *fakeCoverage) key(v capability.VolumeID, r capability.LbaRange) string {
	return fmt.Sprintf("%s/%d/%d", v, r.Start, r.End)
}

func (f *fakeCoverage) CoveredBySeqNo(volume capability.VolumeID, query capability.LbaRange, minSeqNo uint64) bool {
	return f.covered[f.key(volume, query)]
}

func TestPendingForDestageAggregatesOneVolume(t *testing.T) {
	cov := &fakeCoverage{covered: map[string]bool{}}
	idx := NewIndex(cov)

	idx.Record("v1", capability.LbaRange{Start: 0, End: 10}, "hot://0", 1)
	idx.Record("v1", capability.LbaRange{Start: 10, End: 20}, "hot://1", 2)
	idx.Record("v2", capability.LbaRange{Start: 0, End: 10}, "hot://2", 1)

	batch, err := idx.PendingForDestage(15)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if batch == nil {
		t.Fatalf("expected a batch")
	}
	if batch.Volume != "v1" {
		t.Fatalf("expected batch for v1, got %s", batch.Volume)
	}
	if len(batch.Entries) != 1 {
		t.Fatalf("expected exactly one entry under the 15-sector cap, got %d", len(batch.Entries))
	}
}

func TestPendingForVolumeIgnoresOlderOtherVolumeEntries(t *testing.T) {
	cov := &fakeCoverage{covered: map[string]bool{}}
	idx := NewIndex(cov)

	idx.Record("v1", capability.LbaRange{Start: 0, End: 10}, "hot://0", 1)
	idx.Record("v2", capability.LbaRange{Start: 0, End: 10}, "hot://1", 2)

	batch, err := idx.PendingForVolume("v2", 100)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if batch == nil || batch.Volume != "v2" {
		t.Fatalf("expected a batch for v2 even though v1 is older, got %+v", batch)
	}
}

func TestPendingForVolumeNilWhenNothingPending(t *testing.T) {
	cov := &fakeCoverage{covered: map[string]bool{}}
	idx := NewIndex(cov)
	idx.Record("v1", capability.LbaRange{Start: 0, End: 10}, "hot://0", 1)

	batch, err := idx.PendingForVolume("v2", 100)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if batch != nil {
		t.Fatalf("expected nil batch for a volume with nothing pending")
	}
}

func TestTrimRefusedUntilCovered(t *testing.T) {
	cov := &fakeCoverage{covered: map[string]bool{}}
	idx := NewIndex(cov)
	idx.Record("v1", capability.LbaRange{Start: 0, End: 10}, "hot://0", 1)

	batch, err := idx.PendingForDestage(100)
	if err != nil || batch == nil {
		t.Fatalf("pending: %v %v", batch, err)
	}
	idx.MarkDestaged(batch.Entries)

	if _, err := idx.Trim(batch.Entries); err == nil {
		t.Fatalf("expected trim to be refused before coverage is confirmed")
	}
	if idx.Len() != 1 {
		t.Fatalf("expected entry to remain indexed after refused trim")
	}

	cov.covered[cov.key("v1", capability.LbaRange{Start: 0, End: 10})] = true
	reclaimed, err := idx.Trim(batch.Entries)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if reclaimed != 10 {
		t.Fatalf("expected 10 reclaimed sectors, got %d", reclaimed)
	}
	if idx.Len() != 0 {
		t.Fatalf("expected index empty after trim")
	}
}
