// Package archive keeps a history of audit reports in a SQLite database.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/evidentia/internal/model"
)

// Entry summarizes one archived report
type Entry struct {
	ID          string                 `json:"id"`
	GeneratedAt time.Time              `json:"generated_at"`
	Scope       model.AuditScope       `json:"scope"`
	Summary     map[model.GapClass]int `json:"summary"`
	Categories  int                    `json:"categories"`
}

// Archive stores audit reports
type Archive struct {
	conn   *sql.DB
	logger *slog.Logger
}

// Open opens or creates the archive database at path. ":memory:" keeps it in memory.
func Open(path string, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	// a single connection keeps an in-memory database alive and serializes writers
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	a := &Archive{conn: conn, logger: logger}
	if err := a.initializeSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initialize archive schema: %w", err)
	}
	logger.Debug("audit archive opened", "path", path)
	return a, nil
}

func (a *Archive) initializeSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS audit_reports (
			id TEXT PRIMARY KEY,
			generated_at TEXT NOT NULL,
			scope TEXT NOT NULL,
			summary TEXT NOT NULL,
			categories INTEGER NOT NULL,
			report TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_generated_at ON audit_reports(generated_at DESC);
	`
	_, err := a.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (a *Archive) Close() error {
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

// Save stores a report. Saving the same report id again replaces it.
func (a *Archive) Save(ctx context.Context, r *model.GapReport) error {
	scope, err := json.Marshal(r.Scope)
	if err != nil {
		return fmt.Errorf("encode scope: %w", err)
	}
	summary, err := json.Marshal(r.Summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	_, err = a.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO audit_reports (id, generated_at, scope, summary, categories, report)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.GeneratedAt.UTC().Format(time.RFC3339Nano),
		string(scope),
		string(summary),
		len(r.Categories),
		string(body),
	)
	if err != nil {
		return fmt.Errorf("save report %s: %w", r.ID, err)
	}
	a.logger.Debug("audit report archived", "report", r.ID)
	return nil
}

// List returns archived reports, newest first. limit <= 0 returns all.
func (a *Archive) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT id, generated_at, scope, summary, categories FROM audit_reports ORDER BY generated_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := a.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var generated, scope, summ string
		if err := rows.Scan(&e.ID, &generated, &scope, &summ, &e.Categories); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		if e.GeneratedAt, err = time.Parse(time.RFC3339Nano, generated); err != nil {
			return nil, fmt.Errorf("parse generated_at of %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(scope), &e.Scope); err != nil {
			return nil, fmt.Errorf("decode scope of %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(summ), &e.Summary); err != nil {
			return nil, fmt.Errorf("decode summary of %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns a full archived report
func (a *Archive) Get(ctx context.Context, id string) (*model.GapReport, error) {
	var body string
	err := a.conn.QueryRowContext(ctx, `SELECT report FROM audit_reports WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Entity: "audit report", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get report %s: %w", id, err)
	}
	var r model.GapReport
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", id, err)
	}
	return &r, nil
}
