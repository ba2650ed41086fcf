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

// Package hottier is a minimal, single-node stand-in for the external
// replicated hot-tier journal spec.md §2 places outside this engine's
// scope ("client write -> journal (external, hot tier)"): the engine only
// ever depends on capability.HotTierReader/HotTierWriter, so any
// conforming implementation may sit behind it. This one is grounded on
// deviceio.FileDevice's one-artifact-per-entity layout, generalized from
// one file per physical device to one growable file per logical volume,
// addressed by sector rather than by device offset.
package hottier

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/errs"
)

// Config roots a FileHotTier over a directory of per-volume flat files.
type Config struct {
	Dir        string
	SectorSize int64
}

// FileHotTier is a local-disk HotTierReader/HotTierWriter. It makes no
// durability or replication claims beyond what the underlying filesystem
// gives a single fsync'd file — acceptable for a single-node deployment or
// local development, where the real multi-node journal described in
// spec.md §2 is out of scope.
type FileHotTier struct {
	cfg Config

	mu    sync.Mutex
	files map[capability.VolumeID]*os.File
}

func NewFileHotTier(cfg Config) *FileHotTier {
	if cfg.SectorSize == 0 {
		cfg.SectorSize = 512
	}
	return &FileHotTier{cfg: cfg, files: make(map[capability.VolumeID]*os.File)}
}

func (h *FileHotTier) path(volume capability.VolumeID) string {
	return filepath.Join(h.cfg.Dir, string(volume)+".hot")
}

func (h *FileHotTier) open(volume capability.VolumeID) (*os.File, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if f, ok := h.files[volume]; ok {
		return f, nil
	}
	f, err := os.OpenFile(h.path(volume), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errs.Wrap(errs.KindDeviceUnavailable, "FileHotTier.open", string(volume), err)
	}
	h.files[volume] = f
	return f, nil
}

func (h *FileHotTier) byteOffset(rng capability.LbaRange) (int64, int64) {
	return int64(rng.Start) * h.cfg.SectorSize, int64(rng.Len()) * h.cfg.SectorSize
}

// WriteRange implements capability.HotTierWriter. hotLocation is the file
// path plus byte offset, opaque to every caller but JournalIndex.Record.
func (h *FileHotTier) WriteRange(ctx context.Context, volume capability.VolumeID, rng capability.LbaRange, data []byte) (string, error) {
	f, err := h.open(volume)
	if err != nil {
		return "", err
	}
	offset, length := h.byteOffset(rng)
	buf := data
	if int64(len(buf)) < length {
		grown := make([]byte, length)
		copy(grown, buf)
		buf = grown
	}
	if _, err := f.WriteAt(buf[:length], offset); err != nil {
		return "", errs.Wrap(errs.KindIoTimeout, "FileHotTier.WriteRange", string(volume), err)
	}
	return h.path(volume), nil
}

// ReadRange implements capability.HotTierReader. Reads past EOF return
// zero-filled bytes, matching a volume region that was allocated but never
// written.
func (h *FileHotTier) ReadRange(ctx context.Context, volume capability.VolumeID, rng capability.LbaRange) ([]byte, error) {
	f, err := h.open(volume)
	if err != nil {
		return nil, err
	}
	offset, length := h.byteOffset(rng)
	out := make([]byte, length)
	n, err := f.ReadAt(out, offset)
	if err != nil && n == 0 {
		return out, nil
	}
	if err != nil && n < len(out) {
		return out, nil
	}
	return out, nil
}

func (h *FileHotTier) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var first error
	for _, f := range h.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
