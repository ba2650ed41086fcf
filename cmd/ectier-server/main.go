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

/*
	ectier-server  tiered erasure-coded block storage node

	Wires a running Engine against on-disk devices and a local hot-tier
	journal, exposes the dashboard websocket over HTTP, and drives the
	destage/reconstruct/tier-reconcile control loops on tickers.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/dc0d/onexit"

	"github.com/coldtier/ectier/bufferpool"
	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/codec"
	"github.com/coldtier/ectier/controlstore"
	"github.com/coldtier/ectier/deviceio"
	"github.com/coldtier/ectier/engine"
	"github.com/coldtier/ectier/heat"
	"github.com/coldtier/ectier/hottier"
	"github.com/coldtier/ectier/policy"
	"github.com/coldtier/ectier/replica"
)

func main() {
	fmt.Println(`ectier Copyright (C) 2026  ColdTier Contributors
    This program comes with ABSOLUTELY NO WARRANTY;
    This is free software, and you are welcome to redistribute it
    under certain conditions;`)

	dataDir := flag.String("data-dir", "./data/devices", "directory holding cold-tier device files")
	hotDir := flag.String("hot-dir", "./data/hot", "directory holding the local hot-tier journal files")
	metaPrefix := flag.String("meta-prefix", "./data/meta", "path prefix for the metadata WAL/checkpoint files")
	httpAddr := flag.String("http-addr", ":8090", "address to serve the admin dashboard websocket on")
	replicaURL := flag.String("replica-url", "", "base URL of the cluster replica orchestrator; empty disables replicated migrations")
	heatHost := flag.String("heat-host", "", "MySQL host for the heat-sample table; empty disables remote heat sampling")
	heatDB := flag.String("heat-db", "ectier", "MySQL database name for heat samples")
	pgHost := flag.String("controlstore-host", "", "Postgres host for migration history; empty keeps history in-process only")
	pgDB := flag.String("controlstore-db", "ectier", "Postgres database name for migration history")
	reconcileEvery := flag.Duration("reconcile-interval", 5*time.Minute, "tier reconcile tick interval")
	destageEvery := flag.Duration("destage-interval", 30*time.Second, "destage pipeline tick interval")
	scrubEvery := flag.Duration("scrub-interval", time.Hour, "background scrub tick interval")
	flag.Parse()

	for _, dir := range []string{*dataDir, *hotDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	ctx := context.Background()

	hot := hottier.NewFileHotTier(hottier.Config{Dir: *hotDir, SectorSize: 1}) // engine LbaRange units are bytes
	onexit.Register(func() { _ = hot.Close() })

	var replicas capability.ReplicaOrchestrator
	if *replicaURL != "" {
		replicas = replica.NewHTTPOrchestrator(*replicaURL)
	} else {
		replicas = noopReplicas{}
	}

	var heatSource capability.HeatSource
	if *heatHost != "" {
		heatSource = heat.NewSQLHeatSource(heat.Config{Host: *heatHost, Port: 3306, Database: *heatDB, Table: "heat_samples"})
	} else {
		heatSource = zeroHeat{}
	}

	deps := engine.Deps{
		Devices:   deviceio.NewFileDevice(deviceio.FileConfig{Dir: *dataDir, SectorSize: 4096}),
		Codec:     codec.NewRSCodec(),
		Pool:      bufferpool.NewAlignedPool(256 << 20),
		Hot:       hot,
		HotWriter: hot,
		Heat:      heatSource,
		Replicas:  replicas,
	}

	if *pgHost != "" {
		store, err := controlstore.Open(ctx, controlstore.Config{Host: *pgHost, Port: 5432, Database: *pgDB, SSLMode: "disable"})
		if err != nil {
			log.Fatalf("controlstore.Open: %v", err)
		}
		onexit.Register(func() { _ = store.Close() })
		deps.History = store
	}

	sp := defaultStoragePolicy()
	ec := defaultEcPolicy()

	eng, err := engine.New(deps, *metaPrefix, 1000, sp, ec)
	if err != nil {
		log.Fatalf("engine.New: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/dashboard", func(w http.ResponseWriter, r *http.Request) {
		if err := eng.Hub.ServeWS(w, r); err != nil {
			log.Printf("dashboard upgrade failed: %v", err)
		}
	})
	server := &http.Server{
		Addr:           *httpAddr,
		Handler:        mux,
		ReadTimeout:    300 * time.Second,
		WriteTimeout:   300 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("dashboard server stopped: %v", err)
		}
	}()
	onexit.Register(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})

	stop := make(chan struct{})
	onexit.Register(func() { close(stop) })

	runTicker(*reconcileEvery, stop, func() {
		status := eng.ReconcileTiers(ctx)
		log.Printf("tier reconcile: counts=%v dry_run=%d", status.CountsByTier, status.DryRunDecisions)
	})
	runTicker(*destageEvery, stop, func() {
		placement, err := eng.RunDestage(ctx)
		if err != nil {
			log.Printf("destage: %v", err)
			return
		}
		if placement != nil {
			log.Printf("destage: stripe %d committed for volume %s", placement.StripeID, placement.VolumeID)
		}
	})
	runTicker(*scrubEvery, stop, func() {
		if err := eng.RunScrub(ctx); err != nil {
			log.Printf("scrub: %v", err)
		}
	})

	log.Printf("ectier-server listening on %s", *httpAddr)
	select {}
}

// runTicker launches a goroutine that runs fn once immediately and then again
// on every tick of interval until stop is closed.
func runTicker(interval time.Duration, stop <-chan struct{}, fn func()) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			fn()
			select {
			case <-ticker.C:
			case <-stop:
				return
			}
		}
	}()
}

func defaultStoragePolicy() *policy.StoragePolicy {
	return &policy.StoragePolicy{
		StorageClass:   "standard",
		SamplingWindow: 5 * time.Minute,
		Cooldown:       15 * time.Minute,
		HighIOPS:       500,
		LowIOPS:        20,
		WarmEnabled:    true,
		WarmIOPS:       100,
		PoolSelectors: policy.PoolSelectors{
			Hot: "pool-hot", Warm: "pool-warm", Cold: "pool-cold",
		},
		EcEnabled:        true,
		EcMinVolumeBytes: 64 << 20,
	}
}

func defaultEcPolicy() *policy.EcPolicy {
	return &policy.EcPolicy{
		K: 4, M: 2, ShardSize: 1 << 20,
		HighWatermark:   0.8,
		LowWatermark:    0.2,
		DestageInterval: 30 * time.Second,
	}
}

// noopReplicas is used when no cluster orchestrator is configured:
// replicated migrations are simply unavailable. EC-conversion migrations
// still work: Get lists no replicas, so they never reach RemoveReplica.
type noopReplicas struct{}

func (noopReplicas) Get(ctx context.Context, volume capability.VolumeID) ([]capability.ReplicaInfo, error) {
	return nil, nil
}
func (noopReplicas) AddReplica(ctx context.Context, volume capability.VolumeID, pool string) (string, error) {
	return "", fmt.Errorf("no replica orchestrator configured")
}
func (noopReplicas) RemoveReplica(ctx context.Context, volume capability.VolumeID, replicaID string) error {
	return fmt.Errorf("no replica orchestrator configured")
}
func (noopReplicas) WaitSynced(ctx context.Context, volume capability.VolumeID, replicaID string, deadline time.Time) (bool, error) {
	return false, fmt.Errorf("no replica orchestrator configured")
}

// zeroHeat is used when no heat-sample table is configured: every volume
// reports zero IOPS, which is at or below LowIOPS, so TierController
// classifies every volume as cold.
type zeroHeat struct{}

func (zeroHeat) IOPS(ctx context.Context, volume capability.VolumeID, window time.Duration) (float64, error) {
	return 0, nil
}
func (zeroHeat) Health(ctx context.Context) error { return nil }
