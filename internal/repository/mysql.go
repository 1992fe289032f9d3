package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/flybeeper/segment-pipeline/internal/config"
	"github.com/flybeeper/segment-pipeline/internal/metrics"
	"github.com/flybeeper/segment-pipeline/internal/models"
	"github.com/flybeeper/segment-pipeline/pkg/utils"
)

// maxRowsPerInsert ограничение размера одного INSERT
const maxRowsPerInsert = 500

// MySQLRepository репозиторий MySQL: сырые сообщения, результаты сегментации, журнал запусков
type MySQLRepository struct {
	db     *sql.DB
	logger *utils.Logger
	config *config.MySQLConfig
}

// NewMySQLRepository создает новый MySQL репозиторий
func NewMySQLRepository(cfg *config.MySQLConfig, logger *utils.Logger) (*MySQLRepository, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mysql config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("mysql DSN is required")
	}

	dsn, err := normalizeDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	// Настройки connection pool
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	return &MySQLRepository{db: db, logger: logger, config: cfg}, nil
}

// normalizeDSN включает разбор DATETIME в time.Time в UTC
func normalizeDSN(dsn string) (string, error) {
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid MySQL DSN: %w", err)
	}
	parsed.ParseTime = true
	parsed.Loc = time.UTC
	return parsed.FormatDSN(), nil
}

// Ping проверяет соединение с MySQL
func (r *MySQLRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		metrics.MySQLConnectionStatus.Set(0)
		return err
	}
	metrics.MySQLConnectionStatus.Set(1)
	return nil
}

// Close закрывает соединение с MySQL
func (r *MySQLRepository) Close() error {
	return r.db.Close()
}

// LoadMessages сообщения окна [start, end) в порядке поступления. Порядковый
// номер сообщения - id строки.
func (r *MySQLRepository) LoadMessages(ctx context.Context, start, end time.Time) ([]models.Message, error) {
	query := `
		SELECT id, ssvid, timestamp, lat, lon, speed, course, shipname, callsign, imo, extra
		FROM messages
		WHERE timestamp >= ? AND timestamp < ?
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var (
			m                            models.Message
			ts                           sql.NullTime
			lat, lon, speed, course      sql.NullFloat64
			shipname, callsign, imo, ext sql.NullString
		)
		if err := rows.Scan(&m.Ordinal, &m.Identifier, &ts, &lat, &lon, &speed, &course, &shipname, &callsign, &imo, &ext); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if ts.Valid {
			m.Timestamp = ts.Time.UTC()
		}
		m.Lat, m.Lon, m.Speed, m.Course = floatPtr(lat), floatPtr(lon), floatPtr(speed), floatPtr(course)
		m.Shipname, m.Callsign, m.IMO = stringPtr(shipname), stringPtr(callsign), stringPtr(imo)
		if ext.Valid && ext.String != "" {
			if err := json.Unmarshal([]byte(ext.String), &m.Extra); err != nil {
				r.logger.WithField("id", m.Ordinal).WithError(err).Warn("Failed to decode message extra fields")
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	r.logger.WithFields(map[string]interface{}{
		"start": start,
		"end":   end,
		"count": len(msgs),
	}).Debug("Loaded messages from MySQL")
	return msgs, nil
}

// SaveMessagesBatch сохраняет батч сырых сообщений
func (r *MySQLRepository) SaveMessagesBatch(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	start := time.Now()
	const fields = 10
	err := r.inChunks(len(msgs), func(lo, hi int) error {
		args := make([]interface{}, 0, (hi-lo)*fields)
		for _, m := range msgs[lo:hi] {
			var ts interface{}
			if !m.Timestamp.IsZero() {
				ts = m.Timestamp.UTC()
			}
			args = append(args,
				m.Identifier, ts, nullFloat(m.Lat), nullFloat(m.Lon), nullFloat(m.Speed), nullFloat(m.Course),
				nullString(m.Shipname), nullString(m.Callsign), nullString(m.IMO), extraJSON(m.Extra))
		}
		query := `
			INSERT INTO messages (
				ssvid, timestamp, lat, lon, speed, course, shipname, callsign, imo, extra
			) VALUES ` + generatePlaceholders(hi-lo, fields)
		_, err := r.db.ExecContext(ctx, query, args...)
		return err
	})
	r.observeBatch("messages", len(msgs), start, err)
	if err != nil {
		return fmt.Errorf("failed to batch insert messages: %w", err)
	}
	return nil
}

// ReplaceSegmentedMessages заменяет результаты идентификатора за окно одной
// транзакцией, поэтому повторный запуск не дублирует строки
func (r *MySQLRepository) ReplaceSegmentedMessages(ctx context.Context, identifier string, start, end time.Time, msgs []models.AnnotatedMessage) error {
	began := time.Now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM segmented_messages WHERE ssvid = ? AND timestamp >= ? AND timestamp < ?",
		identifier, start.UTC(), end.UTC()); err != nil {
		return fmt.Errorf("failed to delete previous results for %s: %w", identifier, err)
	}

	const fields = 16
	err = r.inChunks(len(msgs), func(lo, hi int) error {
		args := make([]interface{}, 0, (hi-lo)*fields)
		for i := range msgs[lo:hi] {
			a := &msgs[lo+i]
			args = append(args,
				a.Identifier, a.Timestamp.UTC(), a.Ordinal, a.SegID,
				nullFloat(a.Lat), nullFloat(a.Lon), nullFloat(a.Speed), nullFloat(a.Course),
				nullString(a.Shipname), nullString(a.Callsign), nullString(a.IMO),
				nullString(a.Identity.Shipname), nullString(a.Identity.Callsign), nullInt(a.Identity.IMO),
				joinFlags(a.Flags), extraJSON(a.Extra))
		}
		query := `
			INSERT INTO segmented_messages (
				ssvid, timestamp, ordinal, seg_id, lat, lon, speed, course,
				shipname, callsign, imo, n_shipname, n_callsign, n_imo, flags, extra
			) VALUES ` + generatePlaceholders(hi-lo, fields)
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		r.observeBatch("segmented_messages", len(msgs), began, err)
		return fmt.Errorf("failed to insert segmented messages for %s: %w", identifier, err)
	}

	err = tx.Commit()
	r.observeBatch("segmented_messages", len(msgs), began, err)
	if err != nil {
		return fmt.Errorf("failed to commit segmented messages for %s: %w", identifier, err)
	}
	return nil
}

// UpsertSegments сохраняет сводки сегментов, повторная запись обновляет строку
func (r *MySQLRepository) UpsertSegments(ctx context.Context, segments []models.Segment) error {
	if len(segments) == 0 {
		return nil
	}

	start := time.Now()
	const fields = 13
	err := r.inChunks(len(segments), func(lo, hi int) error {
		args := make([]interface{}, 0, (hi-lo)*fields)
		for i := range segments[lo:hi] {
			s := &segments[lo+i]
			var lat, lon sql.NullFloat64
			if s.LastPosition != nil {
				lat = sql.NullFloat64{Float64: s.LastPosition.Latitude, Valid: true}
				lon = sql.NullFloat64{Float64: s.LastPosition.Longitude, Valid: true}
			}
			args = append(args,
				s.SegID, s.Identifier, s.FirstTimestamp.UTC(), s.LastTimestamp.UTC(),
				s.MessageCount, s.FlaggedCount, lat, lon, s.LastGeohash(),
				nullString(s.Identity.Shipname), nullString(s.Identity.Callsign), nullInt(s.Identity.IMO),
				string(s.State))
		}
		query := `
			INSERT INTO segments (
				seg_id, ssvid, first_timestamp, last_timestamp, message_count, flagged_count,
				last_lat, last_lon, last_geohash, shipname, callsign, imo, state
			) VALUES ` + generatePlaceholders(hi-lo, fields) + `
			ON DUPLICATE KEY UPDATE
				first_timestamp = VALUES(first_timestamp),
				last_timestamp = VALUES(last_timestamp),
				message_count = VALUES(message_count),
				flagged_count = VALUES(flagged_count),
				last_lat = VALUES(last_lat),
				last_lon = VALUES(last_lon),
				last_geohash = VALUES(last_geohash),
				shipname = VALUES(shipname),
				callsign = VALUES(callsign),
				imo = VALUES(imo),
				state = VALUES(state)`
		_, err := r.db.ExecContext(ctx, query, args...)
		return err
	})
	r.observeBatch("segments", len(segments), start, err)
	if err != nil {
		return fmt.Errorf("failed to upsert segments: %w", err)
	}
	return nil
}

// SaveMalformed сохраняет отклоненные сообщения запуска
func (r *MySQLRepository) SaveMalformed(ctx context.Context, runID string, records []models.MalformedRecord) error {
	if len(records) == 0 {
		return nil
	}

	start := time.Now()
	const fields = 5
	err := r.inChunks(len(records), func(lo, hi int) error {
		args := make([]interface{}, 0, (hi-lo)*fields)
		for _, rec := range records[lo:hi] {
			args = append(args, runID, rec.Ordinal, rec.Identifier, truncate(rec.Reason, 255), rec.Raw)
		}
		query := `INSERT INTO malformed_messages (run_id, ordinal, ssvid, reason, raw) VALUES ` +
			generatePlaceholders(hi-lo, fields)
		_, err := r.db.ExecContext(ctx, query, args...)
		return err
	})
	r.observeBatch("malformed_messages", len(records), start, err)
	if err != nil {
		return fmt.Errorf("failed to insert malformed messages: %w", err)
	}
	return nil
}

// SaveRun записывает или обновляет строку журнала запусков
func (r *MySQLRepository) SaveRun(ctx context.Context, report *models.RunReport) error {
	var finished interface{}
	if !report.FinishedAt.IsZero() {
		finished = report.FinishedAt.UTC()
	}
	var errText sql.NullString
	if report.Error != "" {
		errText = sql.NullString{String: report.Error, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO segment_runs (
			run_id, window_start, window_end, started_at, finished_at, status,
			identifiers, messages, malformed, segments, segments_opened, segments_closed,
			seeds_saved, seed_anomalies, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			finished_at = VALUES(finished_at),
			status = VALUES(status),
			identifiers = VALUES(identifiers),
			messages = VALUES(messages),
			malformed = VALUES(malformed),
			segments = VALUES(segments),
			segments_opened = VALUES(segments_opened),
			segments_closed = VALUES(segments_closed),
			seeds_saved = VALUES(seeds_saved),
			seed_anomalies = VALUES(seed_anomalies),
			error = VALUES(error)`,
		report.RunID, report.WindowStart.UTC(), report.WindowEnd.UTC(), report.StartedAt.UTC(), finished,
		string(report.Status), report.Identifiers, report.Messages, report.Malformed, report.Segments,
		report.SegmentsOpened, report.SegmentsClosed, report.SeedsSaved, report.SeedAnomalies, errText)
	if err != nil {
		metrics.MySQLWriteErrors.WithLabelValues("segment_runs").Inc()
		return fmt.Errorf("failed to save run %s: %w", report.RunID, err)
	}
	return nil
}

const segmentColumns = `seg_id, ssvid, first_timestamp, last_timestamp, message_count, flagged_count,
	last_lat, last_lon, shipname, callsign, imo, state, updated_at`

// GetSegments последние сегменты идентификатора
func (r *MySQLRepository) GetSegments(ctx context.Context, identifier string, limit int) ([]models.Segment, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+segmentColumns+" FROM segments WHERE ssvid = ? ORDER BY first_timestamp DESC LIMIT ?",
		identifier, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	segments := []models.Segment{}
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, *seg)
	}
	return segments, rows.Err()
}

// GetSegment сегмент по seg_id
func (r *MySQLRepository) GetSegment(ctx context.Context, segID string) (*models.Segment, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+segmentColumns+" FROM segments WHERE seg_id = ?", segID)
	seg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return seg, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSegment(row rowScanner) (*models.Segment, error) {
	var (
		seg                models.Segment
		lat, lon           sql.NullFloat64
		shipname, callsign sql.NullString
		imo                sql.NullInt64
		state              string
		updated            time.Time
	)
	err := row.Scan(&seg.SegID, &seg.Identifier, &seg.FirstTimestamp, &seg.LastTimestamp,
		&seg.MessageCount, &seg.FlaggedCount, &lat, &lon, &shipname, &callsign, &imo, &state, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan segment: %w", err)
	}

	seg.State = models.SegmentState(state)
	seg.Identity = models.IdentityEvidence{Shipname: stringPtr(shipname), Callsign: stringPtr(callsign), IMO: intPtr(imo)}
	if lat.Valid && lon.Valid {
		seg.LastPosition = &models.PositionFix{
			GeoPoint:  models.GeoPoint{Latitude: lat.Float64, Longitude: lon.Float64},
			Timestamp: seg.LastTimestamp,
		}
	}
	return &seg, nil
}

// GetStats возвращает статистику MySQL
func (r *MySQLRepository) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	queries := map[string]string{
		"messages_count":      "SELECT COUNT(*) FROM messages",
		"segments_count":      "SELECT COUNT(*) FROM segments",
		"open_segments_count": "SELECT COUNT(*) FROM segments WHERE state = 'OPEN'",
		"runs_count":          "SELECT COUNT(*) FROM segment_runs",
	}

	for key, query := range queries {
		var count int
		if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
			r.logger.WithField("key", key).WithField("error", err).Warn("Failed to get MySQL stat")
			stats[key] = 0
		} else {
			stats[key] = count
		}
	}

	dbStats := r.db.Stats()
	stats["open_connections"] = dbStats.OpenConnections
	stats["in_use"] = dbStats.InUse
	stats["idle"] = dbStats.Idle

	return stats, nil
}

// inChunks вызывает fn для диапазонов не длиннее maxRowsPerInsert
func (r *MySQLRepository) inChunks(n int, fn func(lo, hi int) error) error {
	for lo := 0; lo < n; lo += maxRowsPerInsert {
		hi := min(lo+maxRowsPerInsert, n)
		if err := fn(lo, hi); err != nil {
			return err
		}
	}
	return nil
}

func (r *MySQLRepository) observeBatch(table string, size int, start time.Time, err error) {
	metrics.MySQLBatchSize.WithLabelValues(table).Observe(float64(size))
	metrics.MySQLBatchDuration.WithLabelValues(table).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.MySQLWriteErrors.WithLabelValues(table).Inc()
		metrics.MySQLBatchesTotal.WithLabelValues(table, "error").Inc()
		return
	}
	metrics.MySQLBatchesTotal.WithLabelValues(table, "success").Inc()
	metrics.MySQLRecordsProcessed.WithLabelValues(table).Add(float64(size))
}

// generatePlaceholders генерирует плейсхолдеры для batch INSERT
func generatePlaceholders(count, fieldsPerRecord int) string {
	if count == 0 {
		return ""
	}
	single := "(" + strings.Repeat("?,", fieldsPerRecord-1) + "?)"
	return strings.TrimSuffix(strings.Repeat(single+",", count), ",")
}

func extraJSON(extra map[string]json.RawMessage) interface{} {
	if len(extra) == 0 {
		return nil
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return nil
	}
	return string(data)
}

func joinFlags(flags []models.MessageFlag) string {
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = string(f)
	}
	return strings.Join(parts, ",")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
