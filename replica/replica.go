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

// Package replica implements a thin production ReplicaOrchestrator: a
// client for an external cluster-pool registry HTTP endpoint. The real
// orchestrator (placement, quorum, gossip) is explicitly out of scope (spec
// Non-goal), so this adapter only does what the Migrator needs: add/remove
// a replica and poll sync state. No example repo ships a cluster-membership
// client to ground this on, so the HTTP transport here is plain
// net/http+encoding/json (see DESIGN.md).
package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/errs"
)

// HTTPOrchestrator is the production ReplicaOrchestrator: it issues REST
// calls against BaseURL, which is assumed to be a cluster-pool registry
// service with the routes listed on each method.
type HTTPOrchestrator struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPOrchestrator(baseURL string) *HTTPOrchestrator {
	return &HTTPOrchestrator{BaseURL: baseURL, Client: &http.Client{Timeout: 10 * time.Second}}
}

type replicaDTO struct {
	ReplicaID string `json:"replica_id"`
	Pool      string `json:"pool"`
	Synced    bool   `json:"synced"`
}

// GET /volumes/{volume}/replicas
func (o *HTTPOrchestrator) Get(ctx context.Context, volume capability.VolumeID) ([]capability.ReplicaInfo, error) {
	var dtos []replicaDTO
	if err := o.doJSON(ctx, http.MethodGet, fmt.Sprintf("/volumes/%s/replicas", volume), nil, &dtos); err != nil {
		return nil, err
	}
	out := make([]capability.ReplicaInfo, len(dtos))
	for i, d := range dtos {
		out[i] = capability.ReplicaInfo{ReplicaID: d.ReplicaID, Pool: d.Pool, Synced: d.Synced}
	}
	return out, nil
}

// POST /volumes/{volume}/replicas {pool}
func (o *HTTPOrchestrator) AddReplica(ctx context.Context, volume capability.VolumeID, pool string) (string, error) {
	var dto replicaDTO
	body := map[string]string{"pool": pool}
	if err := o.doJSON(ctx, http.MethodPost, fmt.Sprintf("/volumes/%s/replicas", volume), body, &dto); err != nil {
		return "", err
	}
	return dto.ReplicaID, nil
}

// DELETE /volumes/{volume}/replicas/{id}
func (o *HTTPOrchestrator) RemoveReplica(ctx context.Context, volume capability.VolumeID, replicaID string) error {
	return o.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/volumes/%s/replicas/%s", volume, replicaID), nil, nil)
}

// WaitSynced polls Get until the named replica reports Synced or deadline
// passes; the registry is not expected to offer a push/webhook interface.
func (o *HTTPOrchestrator) WaitSynced(ctx context.Context, volume capability.VolumeID, replicaID string, deadline time.Time) (bool, error) {
	const pollInterval = 250 * time.Millisecond
	for {
		replicas, err := o.Get(ctx, volume)
		if err != nil {
			return false, err
		}
		for _, r := range replicas {
			if r.ReplicaID == replicaID && r.Synced {
				return true, nil
			}
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (o *HTTPOrchestrator) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errs.Wrap(errs.KindInvalidConfig, "HTTPOrchestrator", "marshal body", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, o.BaseURL+path, reader)
	if err != nil {
		return errs.Wrap(errs.KindInvalidConfig, "HTTPOrchestrator", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.Client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindReplicaSyncFailed, "HTTPOrchestrator", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return errs.New(errs.KindReplicaSyncFailed, "HTTPOrchestrator", fmt.Sprintf("%s returned %d", path, resp.StatusCode))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errs.Wrap(errs.KindReplicaSyncFailed, "HTTPOrchestrator", "decode response", err)
		}
	}
	return nil
}
