package readpath

import (
	"context"
	"testing"
	"time"

	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/capability/doubles"
	"github.com/coldtier/ectier/codec"
)

type fakeLookup struct {
	placements []capability.StripePlacement
}

func (f *fakeLookup) LookupRange(volume capability.VolumeID, query capability.LbaRange) []capability.StripePlacement {
	var out []capability.StripePlacement
	for _, p := range f.placements {
		if p.Range.Overlaps(query) {
			out = append(out, p)
		}
	}
	return out
}

type fakeJournal struct{ ranges []capability.LbaRange }

func (f *fakeJournal) Overlaps(volume capability.VolumeID, query capability.LbaRange) bool {
	for _, r := range f.ranges {
		if r.Overlaps(query) {
			return true
		}
	}
	return false
}

func buildStripe(t *testing.T, devs *doubles.MemDevice, rs capability.Codec, k, m int, data []byte) capability.StripePlacement {
	t.Helper()
	shardSize := int64(len(data)) / int64(k)
	if int64(len(data))%int64(k) != 0 {
		t.Fatalf("test data must divide evenly into k shards")
	}
	shards := make([][]byte, k)
	for i := 0; i < k; i++ {
		shards[i] = data[int64(i)*shardSize : int64(i+1)*shardSize]
	}
	parity, err := rs.EncodeM(shards, m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	all := append(append([][]byte{}, shards...), parity...)

	var locs []capability.ShardLocation
	for i, s := range all {
		dev := capability.DeviceID(string(rune('a' + i)))
		if err := devs.Write(context.Background(), dev, 0, s); err != nil {
			t.Fatalf("seed shard %d: %v", i, err)
		}
		locs = append(locs, capability.ShardLocation{StripeID: 1, Index: i, Device: dev, DeviceOffset: 0, SizeBytes: int64(len(s))})
	}
	return capability.StripePlacement{
		StripeID: 1, VolumeID: "vol1", Range: capability.LbaRange{Start: 0, End: uint64(len(data))},
		K: k, M: m, ShardSize: shardSize, Shards: locs,
		OriginalSize: int64(len(data)), CompressedSize: int64(len(data)), Compressed: false,
	}
}

func TestReadFastPath(t *testing.T) {
	devs := doubles.NewMemDevice(1)
	data := []byte("0123456789ABCDEF") // 16 bytes, k=2 -> 8 bytes/shard
	rs := codec.NewRSCodec()
	pl := buildStripe(t, devs, rs, 2, 1, data)

	router := &Router{
		Meta:            &fakeLookup{placements: []capability.StripePlacement{pl}},
		Journal:         &fakeJournal{},
		Devices:         devs,
		Codec:           rs,
		SectorBytes:     1,
		PerShardTimeout: time.Second,
	}

	out, err := router.Read(context.Background(), "vol1", 0, 16)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(out) != string(data) {
		t.Fatalf("expected %q, got %q", data, out)
	}
}

func TestReadDegradedPathWithMissingDataShard(t *testing.T) {
	devs := doubles.NewMemDevice(1)
	data := []byte("0123456789ABCDEF")
	rs := codec.NewRSCodec()
	pl := buildStripe(t, devs, rs, 2, 1, data)

	devs.FailRead = map[capability.DeviceID]bool{"a": true} // fail data shard index 0

	var degraded bool
	router := &Router{
		Meta:            &fakeLookup{placements: []capability.StripePlacement{pl}},
		Journal:         &fakeJournal{},
		Devices:         devs,
		Codec:           rs,
		SectorBytes:     1,
		PerShardTimeout: 200 * time.Millisecond,
		OnDegraded:      func(e DegradedReadEvent) { degraded = true },
	}

	out, err := router.Read(context.Background(), "vol1", 0, 16)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !degraded {
		t.Fatalf("expected a degraded-read event")
	}
	if string(out) != string(data) {
		t.Fatalf("expected reconstructed bytes %q, got %q", data, out)
	}
}

func TestReadUnmappedRangeReturnsZeroBytes(t *testing.T) {
	router := &Router{
		Meta:        &fakeLookup{},
		Journal:     &fakeJournal{},
		SectorBytes: 1,
	}
	out, err := router.Read(context.Background(), "vol1", 0, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(out) != 10 {
		t.Fatalf("expected 10 zero bytes, got %d", len(out))
	}
	for _, b := range out {
		if b != 0 {
			t.Fatalf("expected all-zero bytes for unmapped range")
		}
	}
}

func TestReadInJournalRangeServedFromHotTier(t *testing.T) {
	hot := doubles.NewMemHotTier()
	hot.Seed("vol1", 0, []byte("hothothot!"))
	router := &Router{
		Meta:        &fakeLookup{},
		Journal:     &fakeJournal{ranges: []capability.LbaRange{{Start: 0, End: 10}}},
		Hot:         hot,
		SectorBytes: 1,
	}
	out, err := router.Read(context.Background(), "vol1", 0, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(out) != "hothothot!" {
		t.Fatalf("expected hot-tier bytes, got %q", out)
	}
}
