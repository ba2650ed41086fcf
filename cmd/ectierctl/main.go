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
	ectierctl  interactive admin shell for an ectier storage node

	Opens the same on-disk engine state a running ectier-server uses
	(same --data-dir/--hot-dir/--meta-prefix) and offers a readline shell
	with write/read/status/reconcile/destage/scrub/help commands, for local
	inspection and admin work without a separate RPC layer.
*/
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/coldtier/ectier/bufferpool"
	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/codec"
	"github.com/coldtier/ectier/deviceio"
	"github.com/coldtier/ectier/engine"
	"github.com/coldtier/ectier/hottier"
	"github.com/coldtier/ectier/policy"
)

const (
	prompt       = "\033[32mectier>\033[0m "
	resultPrefix = "\033[31m=\033[0m "
)

func main() {
	dataDir := flag.String("data-dir", "./data/devices", "directory holding cold-tier device files")
	hotDir := flag.String("hot-dir", "./data/hot", "directory holding the local hot-tier journal files")
	metaPrefix := flag.String("meta-prefix", "./data/meta", "path prefix for the metadata WAL/checkpoint files")
	flag.Parse()

	hot := hottier.NewFileHotTier(hottier.Config{Dir: *hotDir, SectorSize: 1}) // engine LbaRange units are bytes
	defer hot.Close()

	deps := engine.Deps{
		Devices:   deviceio.NewFileDevice(deviceio.FileConfig{Dir: *dataDir, SectorSize: 4096}),
		Codec:     codec.NewRSCodec(),
		Pool:      bufferpool.NewAlignedPool(64 << 20),
		Hot:       hot,
		HotWriter: hot,
		Heat:      disabledHeat{},
		Replicas:  disabledReplicas{},
	}

	eng, err := engine.New(deps, *metaPrefix, 1000, defaultPolicy(), defaultEcPolicy())
	if err != nil {
		fmt.Println("failed to open engine:", err)
		return
	}

	l, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     ".ectierctl-history.tmp",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	ctx := context.Background()
	fmt.Println("ectierctl ready; try: help")

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			break
		} else if err != nil {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		runCommand(ctx, eng, line)
	}
}

func runCommand(ctx context.Context, eng *engine.Engine, line string) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Println("panic:", r, string(debug.Stack()))
		}
	}()

	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "help":
		printHelp()
	case "write":
		cmdWrite(ctx, eng, args)
	case "read":
		cmdRead(ctx, eng, args)
	case "status":
		cmdStatus(ctx, eng, args)
	case "reconcile":
		status := eng.ReconcileTiers(ctx)
		fmt.Printf("%scounts=%v dry_run=%d heat_errors=%d\n", resultPrefix, status.CountsByTier, status.DryRunDecisions, status.HeatSourceErrors)
	case "destage":
		placement, err := eng.RunDestage(ctx)
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		if placement == nil {
			fmt.Println(resultPrefix + "nothing pending")
			return
		}
		fmt.Printf("%sstripe %d volume %s shards=%d\n", resultPrefix, placement.StripeID, placement.VolumeID, len(placement.Shards))
	case "scrub":
		if err := eng.RunScrub(ctx); err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Println(resultPrefix + "scrub complete")
	default:
		fmt.Println("unknown command:", cmd, "(try: help)")
	}
}

func cmdWrite(ctx context.Context, eng *engine.Engine, args []string) {
	if len(args) != 3 {
		fmt.Println("usage: write <volume> <lba> <hex-bytes>")
		return
	}
	lba, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Println("bad lba:", err)
		return
	}
	data, err := hex.DecodeString(args[2])
	if err != nil {
		fmt.Println("bad hex payload:", err)
		return
	}
	if err := eng.SubmitWrite(ctx, capability.VolumeID(args[0]), lba, data); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(resultPrefix + "ok")
}

func cmdRead(ctx context.Context, eng *engine.Engine, args []string) {
	if len(args) != 3 {
		fmt.Println("usage: read <volume> <lba> <length>")
		return
	}
	lba, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Println("bad lba:", err)
		return
	}
	length, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		fmt.Println("bad length:", err)
		return
	}
	data, err := eng.Read(ctx, capability.VolumeID(args[0]), lba, length)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(resultPrefix + hex.EncodeToString(data))
}

func cmdStatus(ctx context.Context, eng *engine.Engine, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: status <volume>")
		return
	}
	st, err := eng.StatusOf(ctx, capability.VolumeID(args[0]))
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("%stier=%s iops=%.1f stripes=%d degraded_shards=%d\n", resultPrefix, st.Tier, st.IOPS, st.StripeCount, st.DegradedShards)
}

func printHelp() {
	fmt.Println(`commands:
  write <volume> <lba> <hex-bytes>   submit a write to the hot tier
  read <volume> <lba> <length>       read back volume bytes (hex encoded)
  status <volume>                    tier, iops, stripe and degraded-shard counts
  reconcile                          run one tier-reconcile tick now
  destage                            run one destage cycle now
  scrub                              run one full scrub pass now
  help                               this text`)
}

func defaultPolicy() *policy.StoragePolicy {
	return &policy.StoragePolicy{
		StorageClass:     "standard",
		SamplingWindow:   5 * time.Minute,
		HighIOPS:         500,
		LowIOPS:          20,
		WarmEnabled:      true,
		WarmIOPS:         100,
		PoolSelectors:    policy.PoolSelectors{Hot: "pool-hot", Warm: "pool-warm", Cold: "pool-cold"},
		EcEnabled:        true,
		EcMinVolumeBytes: 64 << 20,
	}
}

func defaultEcPolicy() *policy.EcPolicy {
	return &policy.EcPolicy{K: 4, M: 2, ShardSize: 1 << 20}
}

type disabledHeat struct{}

func (disabledHeat) IOPS(ctx context.Context, volume capability.VolumeID, window time.Duration) (float64, error) {
	return 0, nil
}
func (disabledHeat) Health(ctx context.Context) error { return nil }

type disabledReplicas struct{}

func (disabledReplicas) Get(ctx context.Context, volume capability.VolumeID) ([]capability.ReplicaInfo, error) {
	return nil, nil
}
func (disabledReplicas) AddReplica(ctx context.Context, volume capability.VolumeID, pool string) (string, error) {
	return "", fmt.Errorf("replicated migration unavailable in ectierctl")
}
func (disabledReplicas) RemoveReplica(ctx context.Context, volume capability.VolumeID, replicaID string) error {
	return fmt.Errorf("replicated migration unavailable in ectierctl")
}
func (disabledReplicas) WaitSynced(ctx context.Context, volume capability.VolumeID, replicaID string, deadline time.Time) (bool, error) {
	return false, fmt.Errorf("replicated migration unavailable in ectierctl")
}
