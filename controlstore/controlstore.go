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

// Package controlstore persists migrate.Record history ("Transitions are
// recorded in history with timestamps and triggering IOPS", spec.md §4.7),
// grounded on the heat package's database/sql connection conventions but
// against Postgres (lib/pq) rather than MySQL, so the pack's two SQL
// drivers each land on a distinct component instead of going unused.
package controlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/coldtier/ectier/errs"
	"github.com/coldtier/ectier/migrate"
)

// Config names the Postgres connection controlstore runs against.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (c Config) dsn() string {
	mode := c.SSLMode
	if mode == "" {
		mode = "disable"
	}
	return "host=" + c.Host +
		" port=" + itoa(c.Port) +
		" user=" + c.User +
		" password=" + c.Password +
		" dbname=" + c.Database +
		" sslmode=" + mode
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Store is the production controlstore.History backed by Postgres. A
// migration's full Record (including all prior transitions) is re-appended
// on every call and upserted by ID, since migrate.Manager always passes the
// complete record rather than a delta.
type Store struct {
	db *sql.DB
}

// Open connects and ensures the migrations table exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.dsn())
	if err != nil {
		return nil, errs.Wrap(errs.KindDeviceUnavailable, "controlstore.Open", "open postgres", err)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(8)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.KindDeviceUnavailable, "controlstore.Open", "ping", err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.KindInvalidConfig, "controlstore.Open", "ensure schema", err)
	}
	return &Store{db: db}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS migration_history (
	id          TEXT PRIMARY KEY,
	volume      TEXT NOT NULL,
	target_pool TEXT NOT NULL,
	kind        INTEGER NOT NULL,
	record_json JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func (s *Store) Append(ctx context.Context, rec migrate.Record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.KindInvalidConfig, "Store.Append", "marshal record", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO migration_history (id, volume, target_pool, kind, record_json, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET record_json = EXCLUDED.record_json, updated_at = now()
	`, rec.ID, string(rec.Volume), rec.TargetPool, int(rec.Kind), blob)
	if err != nil {
		return errs.Wrap(errs.KindUnknown, "Store.Append", "upsert migration history", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (migrate.Record, error) {
	var blob []byte
	row := s.db.QueryRowContext(ctx, `SELECT record_json FROM migration_history WHERE id = $1`, id)
	if err := row.Scan(&blob); err != nil {
		return migrate.Record{}, errs.Wrap(errs.KindUnknown, "Store.Load", id, err)
	}
	var rec migrate.Record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return migrate.Record{}, errs.Wrap(errs.KindInvalidConfig, "Store.Load", "unmarshal record", err)
	}
	return rec, nil
}

func (s *Store) Close() error { return s.db.Close() }

// MemStore is an in-memory History double for tests and single-node setups
// without a configured Postgres control plane.
type MemStore struct {
	mu      sync.Mutex
	records map[string]migrate.Record
}

func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]migrate.Record)}
}

func (m *MemStore) Append(ctx context.Context, rec migrate.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	return nil
}

func (m *MemStore) Load(ctx context.Context, id string) (migrate.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return migrate.Record{}, errs.New(errs.KindUnknown, "MemStore.Load", "no such migration record: "+id)
	}
	return rec, nil
}
