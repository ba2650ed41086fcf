package deviceio

import (
	"bytes"
	"context"
	"testing"

	"github.com/coldtier/ectier/errs"
)

func TestFileDeviceReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	d := NewFileDevice(FileConfig{Dir: dir, SectorSize: 512})
	defer d.Close()

	ctx := context.Background()
	payload := bytes.Repeat([]byte{0x5A}, 512)
	if err := d.Write(ctx, "dev0", 0, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := make([]byte, 512)
	if err := d.Read(ctx, "dev0", 0, out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("read back mismatch")
	}
}

func TestFileDeviceReadUnwrittenRegionIsZero(t *testing.T) {
	dir := t.TempDir()
	d := NewFileDevice(FileConfig{Dir: dir, SectorSize: 512})
	defer d.Close()

	ctx := context.Background()
	out := make([]byte, 512)
	for i := range out {
		out[i] = 0xFF
	}
	if err := d.Read(ctx, "dev0", 0, out); err != nil {
		t.Fatalf("read: %v", err)
	}
	for i, b := range out {
		if b != 0 {
			t.Fatalf("expected zero at %d, got %x", i, b)
		}
	}
}

func TestFileDeviceRejectsMisalignedIO(t *testing.T) {
	dir := t.TempDir()
	d := NewFileDevice(FileConfig{Dir: dir, SectorSize: 512})
	defer d.Close()

	ctx := context.Background()
	err := d.Write(ctx, "dev0", 100, make([]byte, 512))
	if !errs.Is(err, errs.KindInvalidAlignment) {
		t.Fatalf("expected KindInvalidAlignment, got %v", err)
	}
}

func TestFileDeviceTrim(t *testing.T) {
	dir := t.TempDir()
	d := NewFileDevice(FileConfig{Dir: dir, SectorSize: 512})
	defer d.Close()

	ctx := context.Background()
	payload := bytes.Repeat([]byte{0x7C}, 512)
	if err := d.Write(ctx, "dev0", 0, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := d.Trim(ctx, "dev0", 0, 512); err != nil {
		t.Fatalf("trim: %v", err)
	}
	out := make([]byte, 512)
	if err := d.Read(ctx, "dev0", 0, out); err != nil {
		t.Fatalf("read: %v", err)
	}
	for i, b := range out {
		if b != 0 {
			t.Fatalf("expected zero at %d after trim, got %x", i, b)
		}
	}
}
