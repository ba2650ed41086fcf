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

// Package heat implements the production HeatSource capability by polling a
// MySQL table of per-volume IOPS samples, grounded on the teacher's
// storage/mysql_import.go connection/DSN conventions (same driver, same
// connection pool tuning), repurposed here from a one-shot ETL job into a
// recurring telemetry poll.
package heat

import (
	"context"
	"database/sql"
	"strconv"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/errs"
)

// Config names the MySQL connection and the table samples are read from.
// The table is expected to have columns (volume_id varchar, iops double,
// sampled_at datetime); TierController only ever asks for the most recent
// window, so no particular retention policy is assumed here.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Table    string
}

func openMySQL(ctx context.Context, cfg Config) (*sql.DB, error) {
	addr := cfg.Host + ":" + strconv.Itoa(cfg.Port)
	dsn := cfg.User
	if cfg.Password != "" {
		dsn += ":" + cfg.Password
	}
	dsn += "@tcp(" + addr + ")/" + cfg.Database + "?parseTime=true&interpolateParams=true"
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(8)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// SQLHeatSource is the production HeatSource: IOPS queries a single
// aggregate over the sampling window; Health pings the connection.
type SQLHeatSource struct {
	cfg Config

	mu sync.Mutex
	db *sql.DB
}

func NewSQLHeatSource(cfg Config) *SQLHeatSource {
	return &SQLHeatSource{cfg: cfg}
}

func (h *SQLHeatSource) ensureOpen(ctx context.Context) (*sql.DB, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db != nil {
		return h.db, nil
	}
	db, err := openMySQL(ctx, h.cfg)
	if err != nil {
		return nil, errs.Wrap(errs.KindDeviceUnavailable, "SQLHeatSource.ensureOpen", "open mysql", err)
	}
	h.db = db
	return db, nil
}

func (h *SQLHeatSource) IOPS(ctx context.Context, volume capability.VolumeID, window time.Duration) (float64, error) {
	db, err := h.ensureOpen(ctx)
	if err != nil {
		return 0, err
	}
	query := "SELECT AVG(iops) FROM " + h.cfg.Table + " WHERE volume_id = ? AND sampled_at >= ?"
	since := time.Now().Add(-window)
	row := db.QueryRowContext(ctx, query, string(volume), since)
	var avg sql.NullFloat64
	if err := row.Scan(&avg); err != nil {
		return 0, errs.Wrap(errs.KindIoTimeout, "SQLHeatSource.IOPS", string(volume), err)
	}
	if !avg.Valid {
		return 0, nil
	}
	return avg.Float64, nil
}

func (h *SQLHeatSource) Health(ctx context.Context) error {
	db, err := h.ensureOpen(ctx)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return errs.Wrap(errs.KindDeviceUnavailable, "SQLHeatSource.Health", "ping", err)
	}
	return nil
}

func (h *SQLHeatSource) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return nil
	}
	return h.db.Close()
}
