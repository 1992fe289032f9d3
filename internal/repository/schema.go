package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// Migration версия схемы
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrations применяются по порядку версий, каждая один раз
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "messages",
		SQL: `CREATE TABLE IF NOT EXISTS messages (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			ssvid VARCHAR(32) NOT NULL DEFAULT '',
			timestamp DATETIME(6) NULL,
			lat DOUBLE NULL,
			lon DOUBLE NULL,
			speed DOUBLE NULL,
			course DOUBLE NULL,
			shipname VARCHAR(255) NULL,
			callsign VARCHAR(64) NULL,
			imo VARCHAR(32) NULL,
			extra JSON NULL,
			received_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			INDEX idx_messages_timestamp (timestamp),
			INDEX idx_messages_ssvid_timestamp (ssvid, timestamp)
		)`,
	},
	{
		Version: 2,
		Name:    "segmented_messages",
		SQL: `CREATE TABLE IF NOT EXISTS segmented_messages (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			ssvid VARCHAR(32) NOT NULL,
			timestamp DATETIME(6) NOT NULL,
			ordinal BIGINT NOT NULL,
			seg_id VARCHAR(96) NOT NULL,
			lat DOUBLE NULL,
			lon DOUBLE NULL,
			speed DOUBLE NULL,
			course DOUBLE NULL,
			shipname VARCHAR(255) NULL,
			callsign VARCHAR(64) NULL,
			imo VARCHAR(32) NULL,
			n_shipname VARCHAR(255) NULL,
			n_callsign VARCHAR(64) NULL,
			n_imo BIGINT NULL,
			flags VARCHAR(64) NOT NULL DEFAULT '',
			extra JSON NULL,
			INDEX idx_segmented_ssvid_timestamp (ssvid, timestamp),
			INDEX idx_segmented_seg_id (seg_id)
		)`,
	},
	{
		Version: 3,
		Name:    "segments",
		SQL: `CREATE TABLE IF NOT EXISTS segments (
			seg_id VARCHAR(96) PRIMARY KEY,
			ssvid VARCHAR(32) NOT NULL,
			first_timestamp DATETIME(6) NOT NULL,
			last_timestamp DATETIME(6) NOT NULL,
			message_count BIGINT NOT NULL,
			flagged_count BIGINT NOT NULL DEFAULT 0,
			last_lat DOUBLE NULL,
			last_lon DOUBLE NULL,
			last_geohash VARCHAR(12) NOT NULL DEFAULT '',
			shipname VARCHAR(255) NULL,
			callsign VARCHAR(64) NULL,
			imo BIGINT NULL,
			state VARCHAR(8) NOT NULL,
			updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
			INDEX idx_segments_ssvid (ssvid, first_timestamp),
			INDEX idx_segments_geohash (last_geohash)
		)`,
	},
	{
		Version: 4,
		Name:    "segment_runs",
		SQL: `CREATE TABLE IF NOT EXISTS segment_runs (
			run_id CHAR(36) PRIMARY KEY,
			window_start DATETIME(6) NOT NULL,
			window_end DATETIME(6) NOT NULL,
			started_at DATETIME(6) NOT NULL,
			finished_at DATETIME(6) NULL,
			status VARCHAR(16) NOT NULL,
			identifiers INT NOT NULL DEFAULT 0,
			messages INT NOT NULL DEFAULT 0,
			malformed INT NOT NULL DEFAULT 0,
			segments INT NOT NULL DEFAULT 0,
			segments_opened INT NOT NULL DEFAULT 0,
			segments_closed INT NOT NULL DEFAULT 0,
			seeds_saved INT NOT NULL DEFAULT 0,
			seed_anomalies INT NOT NULL DEFAULT 0,
			error TEXT NULL
		)`,
	},
	{
		Version: 5,
		Name:    "malformed_messages",
		SQL: `CREATE TABLE IF NOT EXISTS malformed_messages (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id CHAR(36) NOT NULL,
			ordinal BIGINT NOT NULL,
			ssvid VARCHAR(32) NOT NULL DEFAULT '',
			reason VARCHAR(255) NOT NULL,
			raw TEXT NULL,
			created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			INDEX idx_malformed_run (run_id)
		)`,
	},
}

// Migrate создает таблицу версий и применяет недостающие миграции
func (r *MySQLRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INT PRIMARY KEY,
		name VARCHAR(64) NOT NULL,
		applied_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
	)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := r.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, m := range pendingMigrations(Migrations, applied) {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.Version, m.Name); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
		r.logger.WithField("version", m.Version).WithField("name", m.Name).Info("Applied migration")
	}
	return nil
}

func (r *MySQLRepository) appliedMigrations(ctx context.Context) (map[int]bool, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// pendingMigrations неприменные миграции в порядке версий
func pendingMigrations(all []Migration, applied map[int]bool) []Migration {
	var out []Migration
	for _, m := range all {
		if !applied[m.Version] {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// nullString NULL для отсутствующего значения
func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullInt(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}

func intPtr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	i := ni.Int64
	return &i
}
