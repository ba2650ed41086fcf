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

// Package stripeformat shares the stripe payload compression format between
// DestagePipeline (which writes it) and ReadRouter (which must undo it),
// following the teacher's scm/streams.go pattern of wrapping a single
// compressor around a byte stream, generalized here to an in-memory
// encode/decode pair instead of an io.Reader pipeline since a stripe's
// payload is already fully materialised before it is split into shards.
package stripeformat

import (
	"bytes"
	"io"
	"math"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"

	"github.com/coldtier/ectier/errs"
)

// Algorithm names the codec MaybeCompress picked. AlgoLZ4 is the default:
// cheap and low-latency, right for the hot/warm destage path. AlgoXZ trades
// destage latency for a higher ratio and is selected for archival-class
// volumes, per StoragePolicy.StorageClass.
type Algorithm string

const (
	AlgoLZ4 Algorithm = "lz4"
	AlgoXZ  Algorithm = "xz"
)

// Policy governs whether a payload is worth compressing, per spec.md §4.3.1.
type Policy struct {
	SampleBytes        int       // how much of the payload to sample for the entropy estimate
	EntropyThreshold   float64   // bits/byte above which compression is skipped entirely
	MinSavingsFraction float64   // compressed form is kept only if it saves at least this fraction
	Algorithm          Algorithm // codec MaybeCompress should try; defaults to AlgoLZ4 if empty
}

func DefaultPolicy() Policy {
	return Policy{
		SampleBytes:        4096,
		EntropyThreshold:   7.5,
		MinSavingsFraction: 0.30,
		Algorithm:          AlgoLZ4,
	}
}

// ArchivalPolicy is DefaultPolicy with the xz codec selected: a lower-IOPS,
// higher-ratio tradeoff appropriate for volumes in the "archival" storage
// class, which are destaged far less often than they're read.
func ArchivalPolicy() Policy {
	p := DefaultPolicy()
	p.Algorithm = AlgoXZ
	return p
}

// ShannonEntropy estimates bits/byte over b.
func ShannonEntropy(b []byte) float64 {
	if len(b) == 0 {
		return 0
	}
	var hist [256]int
	for _, c := range b {
		hist[c]++
	}
	n := float64(len(b))
	var h float64
	for _, count := range hist {
		if count == 0 {
			continue
		}
		p := float64(count) / n
		h -= p * math.Log2(p)
	}
	return h
}

// MaybeCompress samples the first Policy.SampleBytes, estimates entropy,
// skips high-entropy payloads outright, otherwise attempts policy.Algorithm
// and keeps it only if it saves at least Policy.MinSavingsFraction. The
// chosen algorithm is returned alongside so the caller can record which
// codec a stripe needs for Decompress.
func MaybeCompress(policy Policy, raw []byte) (out []byte, compressed bool, algo Algorithm) {
	algo = policy.Algorithm
	if algo == "" {
		algo = AlgoLZ4
	}

	sample := raw
	if len(sample) > policy.SampleBytes {
		sample = sample[:policy.SampleBytes]
	}
	if ShannonEntropy(sample) >= policy.EntropyThreshold {
		return raw, false, algo
	}

	var buf bytes.Buffer
	if err := encodeWith(algo, &buf, raw); err != nil {
		return raw, false, algo
	}

	saved := 1 - float64(buf.Len())/float64(len(raw))
	if saved < policy.MinSavingsFraction {
		return raw, false, algo
	}
	return buf.Bytes(), true, algo
}

func encodeWith(algo Algorithm, buf *bytes.Buffer, raw []byte) error {
	switch algo {
	case AlgoXZ:
		zw, err := xz.NewWriter(buf)
		if err != nil {
			return err
		}
		if _, err := zw.Write(raw); err != nil {
			return err
		}
		return zw.Close()
	default:
		zw := lz4.NewWriter(buf)
		if _, err := zw.Write(raw); err != nil {
			return err
		}
		return zw.Close()
	}
}

// Decompress reverses MaybeCompress for the read path, using whichever
// codec the stripe was originally compressed with.
func Decompress(algo Algorithm, compressedBytes []byte, originalSize int64) ([]byte, error) {
	var r io.Reader
	switch algo {
	case AlgoXZ:
		zr, err := xz.NewReader(bytes.NewReader(compressedBytes))
		if err != nil {
			return nil, errs.Wrap(errs.KindDecodeFailure, "stripeform.Decompress", "xz", err)
		}
		r = zr
	default:
		r = lz4.NewReader(bytes.NewReader(compressedBytes))
	}

	out := make([]byte, originalSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errs.Wrap(errs.KindDecodeFailure, "stripeform.Decompress", string(algo), err)
	}
	return out, nil
}
