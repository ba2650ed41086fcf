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

package metadata

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"os"

	"github.com/coldtier/ectier/errs"
)

const checkpointMagic uint32 = 0x32504b43 // "CKP2"
const checkpointVersion uint16 = 1

// checkpointBlob is the JSON-encoded body of a checkpoint; wrapped with the
// fixed binary header/trailer spec.md §6 requires.
type checkpointBlob struct {
	LSN     uint64
	Entries []checkpointEntry
}

type checkpointEntry struct {
	Volume    string
	Placement placementDTO
	SeqNo     uint64
}

// writeCheckpoint writes one of the two alternating blobs (A/B), following
// the teacher's rescue-copy idiom in persistence-files.go WriteSchema
// (rename-before-overwrite) generalized to strict A/B alternation so
// recovery always has a fallback blob if the write is interrupted mid-way.
func writeCheckpoint(dirPrefix string, which byte, blob checkpointBlob) error {
	body, err := json.Marshal(blob)
	if err != nil {
		return errs.Wrap(errs.KindDurability, "checkpoint.write", "marshal", err)
	}
	header := make([]byte, 4+2+8+4)
	binary.LittleEndian.PutUint32(header[0:4], checkpointMagic)
	binary.LittleEndian.PutUint16(header[4:6], checkpointVersion)
	binary.LittleEndian.PutUint64(header[6:14], blob.LSN)
	binary.LittleEndian.PutUint32(header[14:18], uint32(len(blob.Entries)))

	trailer := make([]byte, 4)
	binary.LittleEndian.PutUint32(trailer, crc32.ChecksumIEEE(append(append([]byte{}, header...), body...)))

	path := checkpointPath(dirPrefix, which)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return errs.Wrap(errs.KindDurability, "checkpoint.write", tmp, err)
	}
	if _, err := f.Write(header); err != nil {
		f.Close()
		return errs.Wrap(errs.KindDurability, "checkpoint.write", "header", err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return errs.Wrap(errs.KindDurability, "checkpoint.write", "body", err)
	}
	if _, err := f.Write(trailer); err != nil {
		f.Close()
		return errs.Wrap(errs.KindDurability, "checkpoint.write", "trailer", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errs.Wrap(errs.KindDurability, "checkpoint.write", "fsync", err)
	}
	if err := f.Close(); err != nil {
		return errs.Wrap(errs.KindDurability, "checkpoint.write", "close", err)
	}
	// trailer written last (already true: we wrote it as part of this one
	// fsynced file); the rename makes publication atomic from a reader's
	// point of view.
	return os.Rename(tmp, path)
}

func checkpointPath(dirPrefix string, which byte) string {
	if which == 'A' {
		return dirPrefix + ".ckpt.a"
	}
	return dirPrefix + ".ckpt.b"
}

// readNewestValidCheckpoint tries both alternating blobs and returns
// whichever has the higher valid LSN, per spec.md §4.1 ("select by
// monotonic LSN; reject partially written via a trailer checksum"), plus
// which blob slot ('A'/'B') it came from so the caller can alternate the
// next write to the other slot.
func readNewestValidCheckpoint(dirPrefix string) (*checkpointBlob, byte, error) {
	a, aOK := readCheckpointBlob(checkpointPath(dirPrefix, 'A'))
	b, bOK := readCheckpointBlob(checkpointPath(dirPrefix, 'B'))
	switch {
	case aOK && bOK:
		if a.LSN >= b.LSN {
			return a, 'A', nil
		}
		return b, 'B', nil
	case aOK:
		return a, 'A', nil
	case bOK:
		return b, 'B', nil
	default:
		return nil, 0, nil
	}
}

func readCheckpointBlob(path string) (*checkpointBlob, bool) {
	raw, err := os.ReadFile(path)
	if err != nil || len(raw) < 18+4 {
		return nil, false
	}
	header := raw[:18]
	magic := binary.LittleEndian.Uint32(header[0:4])
	if magic != checkpointMagic {
		return nil, false
	}
	body := raw[18 : len(raw)-4]
	trailer := binary.LittleEndian.Uint32(raw[len(raw)-4:])
	if crc32.ChecksumIEEE(append(append([]byte{}, header...), body...)) != trailer {
		return nil, false
	}
	var blob checkpointBlob
	if err := json.Unmarshal(body, &blob); err != nil {
		return nil, false
	}
	return &blob, true
}
