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
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/coldtier/ectier/errs"
)

const walMagic uint32 = 0x4c325057 // "WP2L"
const walVersion uint16 = 1

// opcode mirrors spec.md's WAL record ops.
type opcode uint8

const (
	opCommitStripe opcode = iota + 1
	opInvalidateStripe
	opCheckpointBegin
	opCheckpointEnd
)

// walRecord is the in-memory form of one WAL entry; Payload is the
// JSON-encoded commitRecord or invalidateRecord, matching the teacher's
// preference for JSON-encoded log payloads (persistence-files.go) over a
// hand-rolled binary payload format, while the header/trailer themselves are
// fixed-width binary per spec.md §6.
type walRecord struct {
	LSN     uint64
	Op      opcode
	Payload []byte
}

// wal is a single-appender write-ahead log file: fixed header, payload,
// trailer checksum, all little-endian, grounded on the teacher's
// FileLogfile (persistence-files.go) append-only idiom.
type wal struct {
	mu   sync.Mutex
	file *os.File
}

func openWAL(path string) (*wal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return nil, errs.Wrap(errs.KindDurability, "wal.open", path, err)
	}
	return &wal{file: f}, nil
}

// append writes one record and fsyncs before returning, per spec.md §4.1
// ("writes a WAL record ... and fsyncs").
func (w *wal) append(rec walRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writeRecordLocked(rec); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return errs.Wrap(errs.KindDurability, "wal.append", "fsync", err)
	}
	return nil
}

// writeRecordLocked writes one record's bytes without fsyncing; callers
// that write several records in a row (truncateBefore) fsync once at the
// end instead of per record. w.mu must already be held.
func (w *wal) writeRecordLocked(rec walRecord) error {
	header := make([]byte, 4+2+8+1+4+4)
	binary.LittleEndian.PutUint32(header[0:4], walMagic)
	binary.LittleEndian.PutUint16(header[4:6], walVersion)
	binary.LittleEndian.PutUint64(header[6:14], rec.LSN)
	header[14] = byte(rec.Op)
	binary.LittleEndian.PutUint32(header[15:19], uint32(len(rec.Payload)))

	headerChecksum := crc32.ChecksumIEEE(header[:15])
	binary.LittleEndian.PutUint32(header[19:23], headerChecksum)

	trailerChecksum := crc32.ChecksumIEEE(append(append([]byte{}, header[:19]...), rec.Payload...))
	trailer := make([]byte, 4)
	binary.LittleEndian.PutUint32(trailer, trailerChecksum)

	if _, err := w.file.Write(header[:23]); err != nil {
		return errs.Wrap(errs.KindDurability, "wal.append", "write header", err)
	}
	if _, err := w.file.Write(rec.Payload); err != nil {
		return errs.Wrap(errs.KindDurability, "wal.append", "write payload", err)
	}
	if _, err := w.file.Write(trailer); err != nil {
		return errs.Wrap(errs.KindDurability, "wal.append", "write trailer", err)
	}
	return nil
}

func (w *wal) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// truncateBefore rewrites the WAL in place, through the same fd the Engine
// keeps open across the process's lifetime, keeping only records with
// lsn >= keepFrom (spec.md §4.1: "WAL is truncated to the first LSN >=
// checkpoint LSN"). Earlier this rewrote the file at its path and renamed
// the result over it; that left the Engine's already-open *os.File pointed
// at the orphaned pre-rename inode, so every append after the first
// checkpoint was durably fsynced into a file nothing could ever recover
// from again. Truncating and rewriting through the live fd instead means
// there is only ever one inode, and appends immediately after a checkpoint
// land in the same file recovery will read.
func (w *wal) truncateBefore(keepFrom uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return errs.Wrap(errs.KindDurability, "wal.truncateBefore", "seek start", err)
	}
	records, err := readWALRecords(w.file)
	if err != nil {
		return err
	}

	if err := w.file.Truncate(0); err != nil {
		return errs.Wrap(errs.KindDurability, "wal.truncateBefore", "truncate", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return errs.Wrap(errs.KindDurability, "wal.truncateBefore", "seek start after truncate", err)
	}

	for _, r := range records {
		if r.LSN < keepFrom {
			continue
		}
		if err := w.writeRecordLocked(r); err != nil {
			return err
		}
	}
	if err := w.file.Sync(); err != nil {
		return errs.Wrap(errs.KindDurability, "wal.truncateBefore", "fsync", err)
	}
	// restore the append position: writeRecordLocked already left the fd's
	// offset at end-of-file, nothing further to seek.
	return nil
}

// replayWALFile reads every well-formed record in order from path, stopping
// at the first checksum mismatch (spec.md §4.1 recovery semantics: "stop on
// the first record that fails checksum"). Used at Open, before the Engine
// holds its own fd on the file.
func replayWALFile(path string) ([]walRecord, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindDurability, "wal.replay", path, err)
	}
	defer f.Close()
	return readWALRecords(f)
}

// readWALRecords reads every well-formed record from r's current position
// onward, stopping at EOF or the first checksum mismatch. Shared between
// replayWALFile (reading by path at Open) and wal.truncateBefore (reading
// through the live fd).
func readWALRecords(f io.Reader) ([]walRecord, error) {
	r := bufio.NewReader(f)
	var out []walRecord
	for {
		header := make([]byte, 23)
		n, err := io.ReadFull(r, header)
		if err != nil || n < 23 {
			break
		}
		magic := binary.LittleEndian.Uint32(header[0:4])
		if magic != walMagic {
			break
		}
		lsn := binary.LittleEndian.Uint64(header[6:14])
		op := opcode(header[14])
		payloadLen := binary.LittleEndian.Uint32(header[15:19])
		headerChecksum := binary.LittleEndian.Uint32(header[19:23])
		if crc32.ChecksumIEEE(header[:15]) != headerChecksum {
			break
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}
		trailer := make([]byte, 4)
		if _, err := io.ReadFull(r, trailer); err != nil {
			break
		}
		trailerChecksum := binary.LittleEndian.Uint32(trailer)
		want := crc32.ChecksumIEEE(append(append([]byte{}, header[:19]...), payload...))
		if trailerChecksum != want {
			break // CorruptRecord: stop at last good record
		}
		out = append(out, walRecord{LSN: lsn, Op: op, Payload: payload})
	}
	return out, nil
}

func marshalRecord(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.KindDurability, "wal.marshal", fmt.Sprintf("%T", v), err)
	}
	return b, nil
}
