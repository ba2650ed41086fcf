//go:build ceph

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
	"sync"

	"github.com/ceph/go-ceph/rados"

	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/errs"
)

// CephConfig names a RADOS pool and identity, grounded directly on the
// teacher's CephFactory fields.
type CephConfig struct {
	UserName    string
	ClusterName string
	ConfFile    string
	Pool        string
	Prefix      string
	SectorSize  int64
}

// CephDevice maps each DeviceID to one RADOS object and uses native
// positional Read/Write (RADOS, unlike S3, supports writes at an offset),
// so unlike S3Device this backend does real partial I/O without a
// read-modify-write round trip.
type CephDevice struct {
	cfg CephConfig

	mu    sync.Mutex
	conn  *rados.Conn
	ioctx *rados.IOContext
}

func NewCephDevice(cfg CephConfig) *CephDevice {
	if cfg.SectorSize == 0 {
		cfg.SectorSize = 4096
	}
	return &CephDevice{cfg: cfg}
}

func (d *CephDevice) ensureOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ioctx != nil {
		return nil
	}
	conn, err := rados.NewConnWithClusterAndUser(d.cfg.ClusterName, d.cfg.UserName)
	if err != nil {
		return errs.Wrap(errs.KindDeviceUnavailable, "CephDevice.ensureOpen", "new conn", err)
	}
	if d.cfg.ConfFile != "" {
		if err := conn.ReadConfigFile(d.cfg.ConfFile); err != nil {
			return errs.Wrap(errs.KindDeviceUnavailable, "CephDevice.ensureOpen", "read conf", err)
		}
	} else {
		_ = conn.ReadDefaultConfigFile()
	}
	if err := conn.Connect(); err != nil {
		return errs.Wrap(errs.KindDeviceUnavailable, "CephDevice.ensureOpen", "connect", err)
	}
	ioctx, err := conn.OpenIOContext(d.cfg.Pool)
	if err != nil {
		conn.Shutdown()
		return errs.Wrap(errs.KindDeviceUnavailable, "CephDevice.ensureOpen", "open ioctx", err)
	}
	d.conn = conn
	d.ioctx = ioctx
	return nil
}

func (d *CephDevice) obj(device capability.DeviceID) string {
	if d.cfg.Prefix == "" {
		return string(device)
	}
	return d.cfg.Prefix + "/" + string(device)
}

func (d *CephDevice) Read(ctx context.Context, device capability.DeviceID, offset int64, buf []byte) error {
	if err := checkAlign(d.SectorSize(device), offset, int64(len(buf))); err != nil {
		return err
	}
	if err := d.ensureOpen(); err != nil {
		return err
	}
	n, err := d.ioctx.Read(d.obj(device), buf, uint64(offset))
	if err != nil {
		return errs.Wrap(errs.KindIoTimeout, "CephDevice.Read", string(device), err)
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0 // reading past provisioned range reads as zero
	}
	return nil
}

func (d *CephDevice) Write(ctx context.Context, device capability.DeviceID, offset int64, buf []byte) error {
	if err := checkAlign(d.SectorSize(device), offset, int64(len(buf))); err != nil {
		return err
	}
	if err := d.ensureOpen(); err != nil {
		return err
	}
	if _, err := d.ioctx.Write(d.obj(device), buf, uint64(offset)); err != nil {
		return errs.Wrap(errs.KindIoTimeout, "CephDevice.Write", string(device), err)
	}
	return nil
}

func (d *CephDevice) Trim(ctx context.Context, device capability.DeviceID, offset int64, length int64) error {
	if err := checkAlign(d.SectorSize(device), offset, length); err != nil {
		return err
	}
	if err := d.ensureOpen(); err != nil {
		return err
	}
	zeros := make([]byte, length)
	if _, err := d.ioctx.Write(d.obj(device), zeros, uint64(offset)); err != nil {
		return errs.Wrap(errs.KindIoTimeout, "CephDevice.Trim", string(device), err)
	}
	return nil
}

func (d *CephDevice) SectorSize(device capability.DeviceID) int64 { return d.cfg.SectorSize }
