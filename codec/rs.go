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

package codec

import (
	"fmt"
	"sync"

	"github.com/coldtier/ectier/errs"
)

// RSCodec is the production Codec: systematic Reed-Solomon over GF(256).
// Generator matrices are cached per (k,m) pair since Vandermonde+inversion
// is the expensive part and k,m rarely change at runtime.
type RSCodec struct {
	mu    sync.Mutex
	cache map[[2]int]*matrix
}

func NewRSCodec() *RSCodec {
	return &RSCodec{cache: make(map[[2]int]*matrix)}
}

func (c *RSCodec) generator(k, m int) (*matrix, error) {
	if k < 1 || m < 0 || k+m > 255 {
		return nil, errs.New(errs.KindInvalidConfig, "RSCodec", fmt.Sprintf("invalid k=%d m=%d", k, m))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := [2]int{k, m}
	if g, ok := c.cache[key]; ok {
		return g, nil
	}
	g := vandermonde(k, m)
	c.cache[key] = g
	return g, nil
}

// Encode takes k data shards of equal length and always produces m=2 parity
// shards of the same length (it calls EncodeM(data, 2)). Callers that need
// a different m use EncodeM.
func (c *RSCodec) Encode(data [][]byte) ([][]byte, error) {
	return c.EncodeM(data, 2)
}

// EncodeM is the explicit-m form of Encode.
func (c *RSCodec) EncodeM(data [][]byte, m int) ([][]byte, error) {
	k := len(data)
	if k == 0 {
		return nil, errs.New(errs.KindEncodeFailure, "RSCodec.Encode", "no data shards")
	}
	shardLen := len(data[0])
	for _, d := range data {
		if len(d) != shardLen {
			return nil, errs.New(errs.KindEncodeFailure, "RSCodec.Encode", "mismatched shard lengths")
		}
	}
	g, err := c.generator(k, m)
	if err != nil {
		return nil, errs.Wrap(errs.KindEncodeFailure, "RSCodec.Encode", "generator matrix", err)
	}
	parity := make([][]byte, m)
	for p := 0; p < m; p++ {
		row := k + p
		out := make([]byte, shardLen)
		for byteIdx := 0; byteIdx < shardLen; byteIdx++ {
			var sum byte
			for j := 0; j < k; j++ {
				coef := g.at(row, j)
				if coef == 0 {
					continue
				}
				sum = gfAdd(sum, gfMul(coef, data[j][byteIdx]))
			}
			out[byteIdx] = sum
		}
		parity[p] = out
	}
	return parity, nil
}

// Decode reconstructs the original data stream from any k of the k+m
// shards. present lists, in order, which shard indices the caller supplied
// in shards (so len(shards) == len(present) and shards[i] is the payload
// for index present[i]). originalLen truncates the last shard's padding.
func (c *RSCodec) Decode(shards [][]byte, present []int, k, m int, originalLen int) ([]byte, error) {
	if len(present) < k {
		return nil, errs.NewInsufficientShards("RSCodec.Decode", len(present), k)
	}
	g, err := c.generator(k, m)
	if err != nil {
		return nil, errs.Wrap(errs.KindDecodeFailure, "RSCodec.Decode", "generator matrix", err)
	}
	// Fast path: the first k present indices are exactly the data shards
	// 0..k-1 in order — no matrix algebra needed.
	identity := true
	for i := 0; i < k; i++ {
		if present[i] != i {
			identity = false
			break
		}
	}
	var dataShards [][]byte
	if identity {
		dataShards = shards[:k]
	} else {
		dataShards, err = decodeViaMatrix(g, shards, present, k)
		if err != nil {
			return nil, errs.Wrap(errs.KindDecodeFailure, "RSCodec.Decode", "matrix solve", err)
		}
	}
	out := make([]byte, 0, originalLen)
	for _, d := range dataShards {
		out = append(out, d...)
	}
	if len(out) > originalLen {
		out = out[:originalLen]
	}
	return out, nil
}

// decodeViaMatrix solves for the k data shards given k arbitrary surviving
// shards (data and/or parity) by inverting the k rows of the generator
// matrix that correspond to the surviving indices.
func decodeViaMatrix(g *matrix, shards [][]byte, present []int, k int) ([][]byte, error) {
	use := present[:k]
	sub := g.rowsAt(use)
	inv := invert(sub)
	shardLen := len(shards[0])
	out := make([][]byte, k)
	for row := 0; row < k; row++ {
		o := make([]byte, shardLen)
		for byteIdx := 0; byteIdx < shardLen; byteIdx++ {
			var sum byte
			for j := 0; j < k; j++ {
				coef := inv.at(row, j)
				if coef == 0 {
					continue
				}
				sum = gfAdd(sum, gfMul(coef, shards[j][byteIdx]))
			}
			o[byteIdx] = sum
		}
		out[row] = o
	}
	return out, nil
}

// Reconstruct fills in the payloads at missing indices in place, given that
// shards at the indices in present already hold valid payloads for those
// same indices (present and missing partition 0..k+m-1, |present| >= k).
func (c *RSCodec) Reconstruct(shards [][]byte, present []int, missing []int, k, m int) error {
	if len(present) < k {
		return errs.NewInsufficientShards("RSCodec.Reconstruct", len(present), k)
	}
	g, err := c.generator(k, m)
	if err != nil {
		return errs.Wrap(errs.KindDecodeFailure, "RSCodec.Reconstruct", "generator matrix", err)
	}
	// Recover the k data shards from any k surviving shards...
	survivingPayloads := make([][]byte, 0, k)
	survivingIdx := present[:k]
	for _, idx := range survivingIdx {
		survivingPayloads = append(survivingPayloads, shards[idx])
	}
	dataShards, err := decodeViaMatrix(g, survivingPayloads, survivingIdx, k)
	if err != nil {
		return errs.Wrap(errs.KindDecodeFailure, "RSCodec.Reconstruct", "matrix solve", err)
	}
	// ...then re-derive every missing shard (data or parity) by
	// multiplying the recovered data vector through its generator row.
	shardLen := len(dataShards[0])
	for _, idx := range missing {
		out := make([]byte, shardLen)
		for byteIdx := 0; byteIdx < shardLen; byteIdx++ {
			var sum byte
			for j := 0; j < k; j++ {
				coef := g.at(idx, j)
				if coef == 0 {
					continue
				}
				sum = gfAdd(sum, gfMul(coef, dataShards[j][byteIdx]))
			}
			out[byteIdx] = sum
		}
		shards[idx] = out
	}
	return nil
}
