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

package deviceio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/errs"
)

// FileConfig roots one DeviceIO over a directory of flat files, one file per
// device, grounded on the teacher's persistence-files.go layout convention
// (one on-disk artifact per logical unit under a root directory) but
// generalized from per-shard column files to a single growable device file.
type FileConfig struct {
	Dir        string
	SectorSize int64
	Direct     bool // open with O_DIRECT; caller must supply aligned buffers
}

// FileDevice is a DeviceIO backend over local files, the nearest cold-tier
// stand-in for bare-metal block devices. With Direct set it opens with
// O_DIRECT so reads/writes bypass the page cache, matching how a real
// SPDK-class device is driven; callers must then pass sector-aligned
// buffers, typically ones acquired from bufferpool.AlignedPool.
type FileDevice struct {
	cfg FileConfig

	mu    sync.Mutex
	files map[capability.DeviceID]*os.File
}

func NewFileDevice(cfg FileConfig) *FileDevice {
	if cfg.SectorSize == 0 {
		cfg.SectorSize = 4096
	}
	return &FileDevice{cfg: cfg, files: make(map[capability.DeviceID]*os.File)}
}

func (d *FileDevice) path(device capability.DeviceID) string {
	return filepath.Join(d.cfg.Dir, string(device)+".dev")
}

func (d *FileDevice) open(device capability.DeviceID) (*os.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.files[device]; ok {
		return f, nil
	}
	flags := os.O_RDWR | os.O_CREATE
	if d.cfg.Direct {
		flags |= unix.O_DIRECT
	}
	f, err := os.OpenFile(d.path(device), flags, 0644)
	if err != nil {
		return nil, errs.Wrap(errs.KindDeviceUnavailable, "FileDevice.open", string(device), err)
	}
	d.files[device] = f
	return f, nil
}

func (d *FileDevice) Read(ctx context.Context, device capability.DeviceID, offset int64, buf []byte) error {
	if err := checkAlign(d.SectorSize(device), offset, int64(len(buf))); err != nil {
		return err
	}
	f, err := d.open(device)
	if err != nil {
		return err
	}
	n, err := f.ReadAt(buf, offset)
	if err != nil && n == 0 {
		// reading past EOF on a sparsely-written device reads as zero
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	if err != nil && n < len(buf) {
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return nil
	}
	return nil
}

func (d *FileDevice) Write(ctx context.Context, device capability.DeviceID, offset int64, buf []byte) error {
	if err := checkAlign(d.SectorSize(device), offset, int64(len(buf))); err != nil {
		return err
	}
	f, err := d.open(device)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(buf, offset); err != nil {
		return errs.Wrap(errs.KindIoTimeout, "FileDevice.Write", string(device), err)
	}
	return nil
}

func (d *FileDevice) Trim(ctx context.Context, device capability.DeviceID, offset int64, length int64) error {
	if err := checkAlign(d.SectorSize(device), offset, length); err != nil {
		return err
	}
	f, err := d.open(device)
	if err != nil {
		return err
	}
	if err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length); err != nil {
		// not all filesystems support punch-hole; falling back to an
		// explicit zero-write keeps Trim a no-op-safe operation everywhere.
		zeros := make([]byte, length)
		if _, werr := f.WriteAt(zeros, offset); werr != nil {
			return errs.Wrap(errs.KindIoTimeout, "FileDevice.Trim", string(device), fmt.Errorf("fallocate: %w, fallback write: %w", err, werr))
		}
	}
	return nil
}

func (d *FileDevice) SectorSize(device capability.DeviceID) int64 { return d.cfg.SectorSize }

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	for _, f := range d.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
