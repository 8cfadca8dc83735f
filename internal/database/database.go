package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// CycleRecord is a journaled detection cycle
type CycleRecord struct {
	ID          string         `json:"id"`
	StartedAt   time.Time      `json:"started_at"`
	DurationMs  int64          `json:"duration_ms"`
	Stage       string         `json:"stage,omitempty"`
	Error       string         `json:"error,omitempty"`
	PublishErr  string         `json:"publish_error,omitempty"`
	Interesting bool           `json:"interesting"`
	Tally       map[string]int `json:"tally"`
	Detections  int            `json:"detections"`
}

// TelemetryRecord is a tally emitted to the local journal
type TelemetryRecord struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Tally     map[string]int `json:"tally"`
}

// New opens (or creates) the database at dbPath
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS cycles (
			id TEXT PRIMARY KEY,
			started_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			stage TEXT,
			error TEXT,
			publish_error TEXT,
			interesting INTEGER DEFAULT 0,
			tally TEXT,
			detections INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS telemetry (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			tally TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cycles_started ON cycles(started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_time ON telemetry(timestamp DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveCycle saves or replaces a cycle record
func (d *Database) SaveCycle(ctx context.Context, rec *CycleRecord) error {
	tallyJSON, err := json.Marshal(rec.Tally)
	if err != nil {
		return fmt.Errorf("failed to marshal tally: %w", err)
	}

	interesting := 0
	if rec.Interesting {
		interesting = 1
	}

	query := `INSERT INTO cycles
		(id, started_at, duration_ms, stage, error, publish_error, interesting, tally, detections)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			duration_ms = excluded.duration_ms,
			stage = excluded.stage,
			error = excluded.error,
			publish_error = excluded.publish_error,
			interesting = excluded.interesting,
			tally = excluded.tally,
			detections = excluded.detections`

	_, err = d.db.ExecContext(ctx, query, rec.ID, rec.StartedAt.UnixMilli(), rec.DurationMs,
		rec.Stage, rec.Error, rec.PublishErr, interesting, string(tallyJSON), rec.Detections)
	if err != nil {
		return fmt.Errorf("failed to save cycle: %w", err)
	}
	return nil
}

const cycleColumns = `id, started_at, duration_ms, stage, error, publish_error, interesting, tally, detections`

type scanner interface {
	Scan(dest ...any) error
}

func scanCycle(row scanner) (*CycleRecord, error) {
	var rec CycleRecord
	var startedAt int64
	var stage, errText, publishErr, tallyJSON sql.NullString
	var interesting int

	if err := row.Scan(&rec.ID, &startedAt, &rec.DurationMs, &stage, &errText, &publishErr,
		&interesting, &tallyJSON, &rec.Detections); err != nil {
		return nil, err
	}

	rec.StartedAt = time.UnixMilli(startedAt).UTC()
	rec.Stage = stage.String
	rec.Error = errText.String
	rec.PublishErr = publishErr.String
	rec.Interesting = interesting == 1
	if tallyJSON.String != "" {
		if err := json.Unmarshal([]byte(tallyJSON.String), &rec.Tally); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tally: %w", err)
		}
	}
	return &rec, nil
}

// GetCycle retrieves a cycle by ID. It returns nil, nil when not found.
func (d *Database) GetCycle(ctx context.Context, id string) (*CycleRecord, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM cycles WHERE id = ?`, id)
	rec, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle: %w", err)
	}
	return rec, nil
}

// ListCycles returns cycles newest first, optionally only interesting ones
func (d *Database) ListCycles(ctx context.Context, since *time.Time, interestingOnly bool, limit int) ([]CycleRecord, error) {
	query := `SELECT ` + cycleColumns + ` FROM cycles WHERE 1=1`
	args := []interface{}{}

	if since != nil {
		query += " AND started_at >= ?"
		args = append(args, since.UnixMilli())
	}
	if interestingOnly {
		query += " AND interesting = 1"
	}

	query += " ORDER BY started_at DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	defer rows.Close()

	records := []CycleRecord{}
	for rows.Next() {
		rec, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// RecentCycles returns the newest cycles
func (d *Database) RecentCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	return d.ListCycles(ctx, nil, false, limit)
}

// DeleteOldCycles deletes cycles and telemetry older than before
func (d *Database) DeleteOldCycles(ctx context.Context, before time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx, "DELETE FROM cycles WHERE started_at < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old cycles: %w", err)
	}
	if _, err := d.db.ExecContext(ctx, "DELETE FROM telemetry WHERE timestamp < ?", before.UnixMilli()); err != nil {
		return 0, fmt.Errorf("failed to delete old telemetry: %w", err)
	}
	return result.RowsAffected()
}

// SaveTelemetry appends a tally record
func (d *Database) SaveTelemetry(ctx context.Context, timestamp time.Time, tally map[string]int) error {
	tallyJSON, err := json.Marshal(tally)
	if err != nil {
		return fmt.Errorf("failed to marshal tally: %w", err)
	}
	_, err = d.db.ExecContext(ctx, "INSERT INTO telemetry (timestamp, tally) VALUES (?, ?)",
		timestamp.UnixMilli(), string(tallyJSON))
	if err != nil {
		return fmt.Errorf("failed to save telemetry: %w", err)
	}
	return nil
}

// ListTelemetry returns telemetry records newest first
func (d *Database) ListTelemetry(ctx context.Context, limit int) ([]TelemetryRecord, error) {
	query := "SELECT id, timestamp, tally FROM telemetry ORDER BY timestamp DESC, id DESC"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list telemetry: %w", err)
	}
	defer rows.Close()

	records := []TelemetryRecord{}
	for rows.Next() {
		var rec TelemetryRecord
		var ts int64
		var tallyJSON string
		if err := rows.Scan(&rec.ID, &ts, &tallyJSON); err != nil {
			return nil, fmt.Errorf("failed to scan telemetry: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ts).UTC()
		if err := json.Unmarshal([]byte(tallyJSON), &rec.Tally); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tally: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
