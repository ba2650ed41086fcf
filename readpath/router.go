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

// Package readpath implements ReadRouter: split a logical read into
// journal/cold/unmapped segments, serve cold segments from k+m parallel
// shard reads with a fast path (all data shards land) and a degraded path
// (reconstruct via Codec.Decode from any k survivors), per spec.md §4.4.
package readpath

import (
	"context"
	"fmt"
	"time"

	"github.com/jtolds/gls"

	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/errs"
	"github.com/coldtier/ectier/stripeformat"
)

// fanoutTags carries per-request identity into shard fan-out goroutines via
// goroutine-local storage, so a recovered panic or a degraded-read log line
// can report which read and which stripe it belonged to without threading
// an extra parameter through every closure. This is strictly an
// observability aid: cancellation of the fan-out itself still flows through
// context.Context, never through goroutine-local state (ground:
// storage/partition.go's gls.Go usage in iterateShards).
var fanoutTags = gls.NewContextManager()

const fanoutTagKey = "ectier-readpath-fanout"

type fanoutTag struct {
	Volume   capability.VolumeID
	StripeID uint64
}

func (t fanoutTag) String() string {
	return fmt.Sprintf("volume=%s stripe=%d", t.Volume, t.StripeID)
}

// Lookuper is the slice of MetadataEngine ReadRouter needs.
type Lookuper interface {
	LookupRange(volume capability.VolumeID, query capability.LbaRange) []capability.StripePlacement
}

// JournalOverlap is the slice of JournalIndex ReadRouter needs to
// distinguish "still in the hot tier" from "never written."
type JournalOverlap interface {
	Overlaps(volume capability.VolumeID, query capability.LbaRange) bool
}

// DegradedReadEvent is recorded whenever a cold segment had to be served via
// Codec.Decode instead of straight data-shard assembly.
type DegradedReadEvent struct {
	Volume   capability.VolumeID
	StripeID uint64
	Missing  []int
}

// Router is the production ReadRouter.
type Router struct {
	Meta    Lookuper
	Journal JournalOverlap
	Hot     capability.HotTierReader
	Devices capability.DeviceIO
	Codec   capability.Codec

	SectorBytes     int64
	PerShardTimeout time.Duration

	OnDegraded func(DegradedReadEvent)
}

// Read serves (volume, lba, length) — length in sectors, matching
// capability.LbaRange's units — by splitting it into ordered segments and
// concatenating their bytes.
func (r *Router) Read(ctx context.Context, volume capability.VolumeID, lba, length uint64) ([]byte, error) {
	query := capability.LbaRange{Start: lba, End: lba + length}
	placements := r.Meta.LookupRange(volume, query)

	out := make([]byte, 0, length*uint64(r.sectorBytes()))
	cursor := query.Start

	for _, pl := range placements {
		if pl.Range.Start > cursor {
			b, err := r.readGap(ctx, volume, capability.LbaRange{Start: cursor, End: pl.Range.Start})
			if err != nil {
				return nil, err
			}
			out = append(out, b...)
			cursor = pl.Range.Start
		}
		segStart := cursor
		segEnd := pl.Range.End
		if query.End < segEnd {
			segEnd = query.End
		}
		if segStart >= segEnd {
			continue
		}
		b, err := r.readStripeSegment(ctx, pl, capability.LbaRange{Start: segStart, End: segEnd})
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
		cursor = segEnd
	}
	if cursor < query.End {
		b, err := r.readGap(ctx, volume, capability.LbaRange{Start: cursor, End: query.End})
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func (r *Router) sectorBytes() int64 {
	if r.SectorBytes <= 0 {
		return 1
	}
	return r.SectorBytes
}

// readGap serves a range with no committed stripe: still in the journal, or
// genuinely never written (returned as zero bytes by contract, spec.md §4.4
// segment kind (c)).
func (r *Router) readGap(ctx context.Context, volume capability.VolumeID, gap capability.LbaRange) ([]byte, error) {
	if r.Journal != nil && r.Journal.Overlaps(volume, gap) {
		b, err := r.Hot.ReadRange(ctx, volume, gap)
		if err != nil {
			return nil, errs.Wrap(errs.KindIoTimeout, "ReadRouter.readGap", string(volume), err)
		}
		return b, nil
	}
	return make([]byte, gap.Len()*uint64(r.sectorBytes())), nil
}

type shardResult struct {
	idx  int
	data []byte
	err  error
}

// readStripeSegment fetches the full stripe (all k+m shards, fast/degraded
// path per spec.md §4.4) and slices out seg's logical bytes. Always
// assembling the whole stripe rather than only the shards a partial segment
// needs trades a latency optimization for simplicity when a stripe is
// compressed: compression makes logical byte offsets not correspond to
// physical shard boundaries, so any partial read of a compressed stripe
// must still decompress the whole thing.
func (r *Router) readStripeSegment(ctx context.Context, pl capability.StripePlacement, seg capability.LbaRange) ([]byte, error) {
	timeout := r.PerShardTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan shardResult, len(pl.Shards))
	tag := fanoutTag{Volume: pl.VolumeID, StripeID: pl.StripeID}
	fanoutTags.SetValues(gls.Values{fanoutTagKey: tag}, func() {
		for i, loc := range pl.Shards {
			i, loc := i, loc
			gls.Go(func() {
				defer func() {
					if rec := recover(); rec != nil {
						if v, ok := fanoutTags.GetValue(fanoutTagKey); ok {
							err := errs.New(errs.KindIoTimeout, "ReadRouter.readStripeSegment",
								fmt.Sprintf("shard fan-out panic (%s): %v", v, rec))
							results <- shardResult{idx: i, err: err}
							return
						}
						results <- shardResult{idx: i, err: errs.New(errs.KindIoTimeout, "ReadRouter.readStripeSegment", fmt.Sprintf("shard fan-out panic: %v", rec))}
					}
				}()
				buf := make([]byte, loc.SizeBytes)
				err := r.Devices.Read(deadlineCtx, loc.Device, loc.DeviceOffset, buf)
				results <- shardResult{idx: i, data: buf, err: err}
			})
		}
	})

	collected := make(map[int][]byte)
	received := 0

readLoop:
	for received < len(pl.Shards) {
		select {
		case res := <-results:
			received++
			if res.err == nil {
				collected[res.idx] = res.data
			}
			if allDataShardsPresent(collected, pl.K) {
				break readLoop
			}
		case <-deadlineCtx.Done():
			break readLoop
		}
	}

	if allDataShardsPresent(collected, pl.K) {
		full, err := assembleDataShards(collected, pl.K)
		if err != nil {
			return nil, err
		}
		return r.sliceLogical(pl, full, seg)
	}

	if len(collected) < pl.K {
		return nil, errs.NewInsufficientShards("ReadRouter.readStripeSegment", len(collected), pl.K)
	}

	present := make([]int, 0, len(collected))
	shards := make([][]byte, 0, len(collected))
	var missing []int
	for i := 0; i < pl.K; i++ {
		if _, ok := collected[i]; !ok {
			missing = append(missing, i)
		}
	}
	for idx, data := range collected {
		present = append(present, idx)
		shards = append(shards, data)
	}
	full, err := r.Codec.Decode(reorder(shards, present), sortedInts(present), pl.K, pl.M, int(pl.CompressedSize))
	if err != nil {
		return nil, errs.Wrap(errs.KindDecodeFailure, "ReadRouter.readStripeSegment", "decode", err)
	}
	if r.OnDegraded != nil {
		r.OnDegraded(DegradedReadEvent{Volume: pl.VolumeID, StripeID: pl.StripeID, Missing: missing})
	}
	return r.sliceLogical(pl, full, seg)
}

func allDataShardsPresent(collected map[int][]byte, k int) bool {
	for i := 0; i < k; i++ {
		if _, ok := collected[i]; !ok {
			return false
		}
	}
	return true
}

func assembleDataShards(collected map[int][]byte, k int) ([]byte, error) {
	var out []byte
	for i := 0; i < k; i++ {
		d, ok := collected[i]
		if !ok {
			return nil, errs.New(errs.KindInsufficientShards, "ReadRouter.assembleDataShards", "missing data shard")
		}
		out = append(out, d...)
	}
	return out, nil
}

// sliceLogical turns the concatenated data-shard bytes (still in
// possibly-compressed form) into seg's logical byte range.
func (r *Router) sliceLogical(pl capability.StripePlacement, dataConcat []byte, seg capability.LbaRange) ([]byte, error) {
	if int64(len(dataConcat)) > pl.CompressedSize {
		dataConcat = dataConcat[:pl.CompressedSize]
	}
	logical := dataConcat
	if pl.Compressed {
		var err error
		logical, err = stripeformat.Decompress(stripeformat.Algorithm(pl.CompressionAlgo), dataConcat, pl.OriginalSize)
		if err != nil {
			return nil, err
		}
	}
	sb := r.sectorBytes()
	start := (seg.Start - pl.Range.Start) * uint64(sb)
	end := (seg.End - pl.Range.Start) * uint64(sb)
	if end > uint64(len(logical)) {
		end = uint64(len(logical))
	}
	if start > end {
		start = end
	}
	out := make([]byte, end-start)
	copy(out, logical[start:end])
	return out, nil
}

// reorder returns shards in ascending order of their shard index (present),
// so Decode's parallel present/shards slices stay aligned after sorting.
func reorder(shards [][]byte, present []int) [][]byte {
	idx := sortedIndexOrder(present)
	out := make([][]byte, len(shards))
	for newPos, oldPos := range idx {
		out[newPos] = shards[oldPos]
	}
	return out
}

func sortedIndexOrder(present []int) []int {
	order := make([]int, len(present))
	for i := range order {
		order[i] = i
	}
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && present[order[j]] < present[order[j-1]]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	return order
}

func sortedInts(xs []int) []int {
	out := append([]int{}, xs...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
