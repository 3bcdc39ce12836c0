// Package diag keeps a local log of bridge operations for debugging slow or
// failing tool calls, plus a rolling in-memory performance summary.
package diag

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	mathrand "math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// perfWindow caps the per-operation duration samples kept in memory.
const perfWindow = 100

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

func newOpID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Config controls where the operation database lives and how much it keeps.
type Config struct {
	Dir  string
	Lean bool // record only failed operations
}

// Recorder stores one row per recorded operation and aggregates durations
// for the performance report. All methods are safe on a nil receiver so
// callers can run with diagnostics disabled.
type Recorder struct {
	db     *sql.DB
	path   string
	lean   bool
	logger *zap.Logger

	mu        sync.Mutex
	perf      map[string][]float64
	calls     int
	failures  int
	startedAt time.Time
}

// Open initializes the operation database under cfg.Dir.
func Open(cfg Config, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating diag directory: %w", err)
	}
	path := filepath.Join(cfg.Dir, "operations.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	r := &Recorder{
		db:        db,
		path:      path,
		lean:      cfg.Lean,
		logger:    logger,
		perf:      map[string][]float64{},
		startedAt: time.Now(),
	}
	if err := r.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) init(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS operations (
			id TEXT PRIMARY KEY,
			ts INTEGER NOT NULL,
			op TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('ok','error')),
			duration_ms REAL NOT NULL,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_operations_ts ON operations(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_operations_op ON operations(op);`,
	}
	for _, stmt := range ddl {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the database.
func (r *Recorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Path returns the database file path.
func (r *Recorder) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// RecordOperation notes one completed operation. errMsg is empty on success.
// The in-memory aggregates always update; in lean mode only failures reach
// the database.
func (r *Recorder) RecordOperation(ctx context.Context, op string, durationMS float64, errMsg string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.calls++
	if errMsg != "" {
		r.failures++
	}
	window := append(r.perf[op], durationMS)
	if len(window) > perfWindow {
		window = window[len(window)-perfWindow:]
	}
	r.perf[op] = window
	lean := r.lean
	r.mu.Unlock()

	if lean && errMsg == "" {
		return
	}
	status := "ok"
	var errVal any
	if errMsg != "" {
		status = "error"
		errVal = errMsg
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO operations (id, ts, op, status, duration_ms, error) VALUES (?, ?, ?, ?, ?, ?)`,
		newOpID(), time.Now().UnixMilli(), op, status, durationMS, errVal)
	if err != nil {
		r.logger.Warn("recording operation", zap.String("op", op), zap.Error(err))
	}
}

// OpStats summarizes the recent duration window of one operation.
type OpStats struct {
	Count  int     `json:"count"` // samples in the window
	AvgMS  float64 `json:"avg_ms"`
	MinMS  float64 `json:"min_ms"`
	MaxMS  float64 `json:"max_ms"`
	LastMS float64 `json:"last_ms"`
}

// Report is the performance section of the connection status surface.
type Report struct {
	TotalCalls  int                `json:"total_calls"`
	TotalErrors int                `json:"total_errors"`
	UptimeS     float64            `json:"uptime_s"`
	DBPath      string             `json:"db_path,omitempty"`
	Mode        string             `json:"mode"` // lean, verbose, or disabled
	Operations  map[string]OpStats `json:"operations"`
}

// PerformanceReport aggregates the in-memory duration windows.
func (r *Recorder) PerformanceReport() Report {
	if r == nil {
		return Report{Mode: "disabled", Operations: map[string]OpStats{}}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ops := make(map[string]OpStats, len(r.perf))
	for op, window := range r.perf {
		stats := OpStats{
			Count:  len(window),
			MinMS:  window[0],
			MaxMS:  window[0],
			LastMS: window[len(window)-1],
		}
		var sum float64
		for _, v := range window {
			sum += v
			stats.MinMS = math.Min(stats.MinMS, v)
			stats.MaxMS = math.Max(stats.MaxMS, v)
		}
		stats.AvgMS = round2(sum / float64(len(window)))
		ops[op] = stats
	}
	mode := "verbose"
	if r.lean {
		mode = "lean"
	}
	return Report{
		TotalCalls:  r.calls,
		TotalErrors: r.failures,
		UptimeS:     round2(time.Since(r.startedAt).Seconds()),
		DBPath:      r.path,
		Mode:        mode,
		Operations:  ops,
	}
}

// Operation is one stored row.
type Operation struct {
	ID         string
	Timestamp  time.Time
	Op         string
	Status     string
	DurationMS float64
	Error      string
}

// RecentOperations returns up to limit stored operations, newest first.
func (r *Recorder) RecentOperations(ctx context.Context, limit int) ([]Operation, error) {
	if r == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, ts, op, status, duration_ms, COALESCE(error, '')
		 FROM operations ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying operations: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		var op Operation
		var ts int64
		if err := rows.Scan(&op.ID, &ts, &op.Op, &op.Status, &op.DurationMS, &op.Error); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		op.Timestamp = time.UnixMilli(ts)
		out = append(out, op)
	}
	return out, rows.Err()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
