package main

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

// ============================================================================
// Prediction Journal - SQLite store of classified gestures
// ============================================================================

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PredictionJournal persists predictions.
type PredictionJournal interface {
	Record(ctx context.Context, rec PredictionRecord) error
}

// SQLiteJournal is a PredictionJournal backed by a SQLite file.
type SQLiteJournal struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenJournal opens (or creates) the journal at path and applies migrations.
func OpenJournal(path string, logger *slog.Logger) (*SQLiteJournal, error) {
	if path == "" {
		return nil, errors.New("journal path is empty")
	}

	db, err := sql.Open("sqlite", ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure journal: %w", err)
	}

	j := &SQLiteJournal{db: db, logger: logger}
	if err := j.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *SQLiteJournal) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(j.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: j.logger}
	// Note: m is not closed here because that would close the underlying DB connection.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Record inserts one prediction. Duplicate IDs are an error.
func (j *SQLiteJournal) Record(ctx context.Context, rec PredictionRecord) error {
	win, err := json.Marshal(rec.Window)
	if err != nil {
		return fmt.Errorf("marshal window: %w", err)
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO predictions (id, session_id, label, magnitude, window_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, string(rec.Label), rec.Magnitude, string(win), rec.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert prediction %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns up to limit predictions, newest first.
// An empty sessionID returns rows from all sessions.
func (j *SQLiteJournal) Recent(ctx context.Context, sessionID string, limit int) ([]PredictionRecord, error) {
	if limit <= 0 {
		limit = defaultRecentRows
	}

	query := `SELECT id, session_id, label, magnitude, window_json, created_at FROM predictions`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query predictions: %w", err)
	}
	defer rows.Close()

	var out []PredictionRecord
	for rows.Next() {
		var (
			rec     PredictionRecord
			label   string
			winJSON string
			atMS    int64
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &label, &rec.Magnitude, &winJSON, &atMS); err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		if err := json.Unmarshal([]byte(winJSON), &rec.Window); err != nil {
			return nil, fmt.Errorf("decode window for %s: %w", rec.ID, err)
		}
		rec.Label = ParseLabel(label)
		rec.At = time.UnixMilli(atMS).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByLabel returns per-label prediction counts (all sessions when sessionID is empty).
func (j *SQLiteJournal) CountByLabel(ctx context.Context, sessionID string) (map[Label]int, error) {
	query := `SELECT label, COUNT(*) FROM predictions`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` GROUP BY label`

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count predictions: %w", err)
	}
	defer rows.Close()

	out := make(map[Label]int)
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[ParseLabel(label)] += n
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// migrateLogger adapts slog to the migrate.Logger interface.
type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Debug("migrate: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
