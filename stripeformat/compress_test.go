package stripeformat

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
)

func TestMaybeCompressHighlyCompressible(t *testing.T) {
	raw := []byte(strings.Repeat("a", 8192))
	out, compressed, algo := MaybeCompress(DefaultPolicy(), raw)
	if !compressed {
		t.Fatalf("expected a run of repeated bytes to compress")
	}
	if algo != AlgoLZ4 {
		t.Fatalf("expected default policy to pick lz4, got %s", algo)
	}
	if len(out) >= len(raw) {
		t.Fatalf("expected compressed output smaller than input")
	}
	back, err := Decompress(algo, out, int64(len(raw)))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(back, raw) {
		t.Fatalf("round trip mismatch")
	}
}

func TestMaybeCompressHighEntropySkipped(t *testing.T) {
	raw := make([]byte, 8192)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("rand: %v", err)
	}
	out, compressed, _ := MaybeCompress(DefaultPolicy(), raw)
	if compressed {
		t.Fatalf("expected high-entropy random payload to skip compression")
	}
	if !bytes.Equal(out, raw) {
		t.Fatalf("expected passthrough of original bytes")
	}
}

func TestMaybeCompressArchivalPolicyUsesXZ(t *testing.T) {
	raw := []byte(strings.Repeat("archival payload ", 512))
	out, compressed, algo := MaybeCompress(ArchivalPolicy(), raw)
	if !compressed {
		t.Fatalf("expected a repetitive payload to compress under the archival policy")
	}
	if algo != AlgoXZ {
		t.Fatalf("expected archival policy to pick xz, got %s", algo)
	}
	back, err := Decompress(algo, out, int64(len(raw)))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(back, raw) {
		t.Fatalf("round trip mismatch")
	}
}
