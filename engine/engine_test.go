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

package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/capability/doubles"
	"github.com/coldtier/ectier/policy"
)

func testPolicy() *policy.StoragePolicy {
	return &policy.StoragePolicy{
		SamplingWindow: time.Minute,
		HighIOPS:       1000,
		LowIOPS:        10,
		PoolSelectors: policy.PoolSelectors{
			Hot: "pool-hot", Warm: "pool-warm", Cold: "pool-cold",
		},
	}
}

func testEcPolicy() *policy.EcPolicy {
	return &policy.EcPolicy{K: 2, M: 1, ShardSize: 4096}
}

func newTestEngine(t *testing.T) (*Engine, *doubles.MemHotTier, *doubles.MemHeat) {
	t.Helper()
	hot := doubles.NewMemHotTier()
	heat := doubles.NewMemHeat()
	deps := Deps{
		Devices:   doubles.NewMemDevice(512),
		Codec:     doubles.MemCodec{},
		Pool:      doubles.MemBufferPool{},
		Hot:       hot,
		HotWriter: hot,
		Heat:      heat,
		Replicas:  doubles.NewMemReplica(),
	}
	prefix := filepath.Join(t.TempDir(), "meta")
	e, err := New(deps, prefix, 0, testPolicy(), testEcPolicy())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, hot, heat
}

func TestNewWiresAllComponents(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if e.Meta == nil || e.Journal == nil || e.Destage == nil || e.Router == nil ||
		e.Rebuild == nil || e.Scrubber == nil || e.Tier == nil || e.Migrate == nil ||
		e.Volumes == nil || e.Devices == nil || e.Hub == nil {
		t.Fatalf("New left a component unwired: %+v", e)
	}
}

func TestSubmitWriteThenReadRoundTrips(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	volume := capability.VolumeID("vol-1")

	payload := []byte("hello erasure world!!!!")
	if err := e.SubmitWrite(ctx, volume, 0, payload); err != nil {
		t.Fatalf("SubmitWrite: %v", err)
	}

	got, err := e.Read(ctx, volume, 0, uint64(len(payload)))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("round trip mismatch: got %q want %q", got, payload)
	}
}

func TestStatusOfReportsTierAndIOPS(t *testing.T) {
	e, _, heat := newTestEngine(t)
	ctx := context.Background()
	volume := capability.VolumeID("vol-2")

	e.Volumes.Register(volume, 1<<20, "standard")
	heat.Set(volume, 42.5)

	st, err := e.StatusOf(ctx, volume)
	if err != nil {
		t.Fatalf("StatusOf: %v", err)
	}
	if st.IOPS != 42.5 {
		t.Fatalf("IOPS = %v, want 42.5", st.IOPS)
	}
}

func TestSetEcPolicyRewiresDestagePool(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if e.Destage == nil {
		t.Fatal("Destage not wired before SetEcPolicy")
	}
	before := e.Destage
	newEc := &policy.EcPolicy{K: 4, M: 2, ShardSize: 8192}
	e.SetEcPolicy(newEc)
	if e.ecPolicy.K != 4 || e.ecPolicy.M != 2 {
		t.Fatalf("SetEcPolicy did not update ecPolicy: %+v", e.ecPolicy)
	}
	if e.Destage == before {
		t.Fatal("SetEcPolicy did not rebuild the DestagePipeline")
	}
}

func TestSetPolicyArchivalStorageClassSelectsXZCompression(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	volume := capability.VolumeID("vol-archival")

	archival := testPolicy()
	archival.StorageClass = "archival"
	e.SetPolicy(archival)
	for _, d := range []capability.DeviceID{"d0", "d1", "d2"} {
		e.Devices.Register("pool-cold", d, policy.DeviceLabels{"device": string(d)})
	}

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 7) // low-entropy, repetitive: compresses under either codec
	}
	if err := e.SubmitWrite(ctx, volume, 0, payload); err != nil {
		t.Fatalf("SubmitWrite: %v", err)
	}

	placement, err := e.RunDestage(ctx)
	if err != nil {
		t.Fatalf("RunDestage: %v", err)
	}
	if placement == nil {
		t.Fatal("expected a committed stripe")
	}
	if placement.Compressed && placement.CompressionAlgo != "xz" {
		t.Fatalf("expected archival storage class to compress with xz, got %q", placement.CompressionAlgo)
	}
}

func TestReconcileTiersRunsWithoutError(t *testing.T) {
	e, _, heat := newTestEngine(t)
	ctx := context.Background()
	volume := capability.VolumeID("vol-3")
	e.Volumes.Register(volume, 1<<20, "standard")
	heat.Set(volume, 5) // below LowIOPS, should trend toward cold

	status := e.ReconcileTiers(ctx)
	if status.LastReconcile.IsZero() {
		t.Fatal("Reconcile did not stamp LastReconcile")
	}
}
