// Package store provides SQLite-backed persistence for the action pipeline.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/endorhq/rover-sub004/internal/models"
	_ "modernc.org/sqlite"
)

// DefaultFile is the database file name inside a project's automation directory.
const DefaultFile = "pipeline.db"

// maxSpanDepth bounds parent walks so a corrupted parent chain cannot loop forever.
const maxSpanDepth = 256

// ErrEmptyID is returned when a record is written without an identifier.
var ErrEmptyID = errors.New("empty id")

// Store provides access to the pipeline SQLite database.
type Store struct {
	db *sql.DB
}

// Path returns the database path for a project root.
func Path(projectRoot string) string {
	return filepath.Join(projectRoot, ".rover", "automation", DefaultFile)
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// synchronous(FULL): a write is on disk before the call returns.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_actions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		action_id TEXT NOT NULL UNIQUE,
		chain_id TEXT NOT NULL,
		trace_id TEXT NOT NULL,
		action TEXT NOT NULL,
		summary TEXT,
		meta TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS traces (
		id TEXT PRIMARY KEY,
		summary TEXT,
		steps TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_mappings (
		action_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		branch_name TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS spans (
		id TEXT PRIMARY KEY,
		step TEXT NOT NULL,
		parent_id TEXT,
		meta TEXT,
		status TEXT NOT NULL,
		summary TEXT,
		started_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		trace_id TEXT NOT NULL,
		span_id TEXT,
		meta TEXT,
		reasoning TEXT,
		inputs_hash TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_action ON pending_actions(action);
	CREATE INDEX IF NOT EXISTS idx_spans_parent_id ON spans(parent_id);
	CREATE INDEX IF NOT EXISTS idx_actions_trace_id ON actions(trace_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Pending Action Operations ---

// GetPending returns all outstanding actions in creation order.
func (s *Store) GetPending(ctx context.Context) ([]models.PendingAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT action_id, chain_id, trace_id, action, summary, meta, created_at FROM pending_actions ORDER BY seq ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var pending []models.PendingAction
	for rows.Next() {
		var pa models.PendingAction
		var summary, meta sql.NullString
		if err := rows.Scan(&pa.ActionID, &pa.ChainID, &pa.TraceID, &pa.Action, &summary, &meta, &pa.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		pa.Summary = summary.String
		if pa.Meta, err = decodeMeta(meta); err != nil {
			return nil, fmt.Errorf("decode pending %s meta: %w", pa.ActionID, err)
		}
		pending = append(pending, pa)
	}
	return pending, rows.Err()
}

// CountPending returns the number of outstanding actions.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_actions`).Scan(&n)
	return n, err
}

// AddPending inserts a pending action. Adding an id that is already queued is a no-op.
func (s *Store) AddPending(ctx context.Context, pa models.PendingAction) error {
	return insertPending(ctx, s.db, pa)
}

// RemovePending deletes a pending action. Removing an unknown id is a no-op.
func (s *Store) RemovePending(ctx context.Context, actionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_actions WHERE action_id = ?`, actionID); err != nil {
		return fmt.Errorf("delete pending: %w", err)
	}
	return nil
}

// Advance removes the consumed action and enqueues its successors in a single
// transaction, so a successor can never be observed while its predecessor is
// still queued.
func (s *Store) Advance(ctx context.Context, consumedID string, next []models.PendingAction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_actions WHERE action_id = ?`, consumedID); err != nil {
		return fmt.Errorf("delete consumed: %w", err)
	}
	for _, pa := range next {
		if err := insertPending(ctx, tx, pa); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertPending(ctx context.Context, db execer, pa models.PendingAction) error {
	if pa.ActionID == "" {
		return fmt.Errorf("insert pending: %w", ErrEmptyID)
	}
	meta, err := encodeMeta(pa.Meta)
	if err != nil {
		return fmt.Errorf("encode pending meta: %w", err)
	}
	if pa.CreatedAt.IsZero() {
		pa.CreatedAt = time.Now().UTC()
	}
	_, err = db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pending_actions (action_id, chain_id, trace_id, action, summary, meta, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pa.ActionID, pa.ChainID, pa.TraceID, pa.Action, pa.Summary, meta, pa.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pending: %w", err)
	}
	return nil
}

// --- Trace Operations ---

// LoadTraces reads every trace.
func (s *Store) LoadTraces(ctx context.Context) (map[string]*models.ActionTrace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, summary, steps, created_at FROM traces`)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	traces := make(map[string]*models.ActionTrace)
	for rows.Next() {
		trace, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		traces[trace.ID] = trace
	}
	return traces, rows.Err()
}

// GetTrace retrieves a trace by ID.
func (s *Store) GetTrace(ctx context.Context, id string) (*models.ActionTrace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, summary, steps, created_at FROM traces WHERE id = ?`, id)
	trace, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return trace, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrace(row scanner) (*models.ActionTrace, error) {
	var trace models.ActionTrace
	var summary sql.NullString
	var steps string
	if err := row.Scan(&trace.ID, &summary, &steps, &trace.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan trace: %w", err)
	}
	trace.Summary = summary.String
	if err := json.Unmarshal([]byte(steps), &trace.Steps); err != nil {
		return nil, fmt.Errorf("decode trace %s steps: %w", trace.ID, err)
	}
	return &trace, nil
}

// SaveTraces replaces the stored traces with the given snapshot.
func (s *Store) SaveTraces(ctx context.Context, traces map[string]*models.ActionTrace) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM traces`); err != nil {
		return fmt.Errorf("clear traces: %w", err)
	}
	for id, trace := range traces {
		if id == "" {
			return fmt.Errorf("save trace: %w", ErrEmptyID)
		}
		steps := trace.Steps
		if steps == nil {
			steps = []models.ActionStep{}
		}
		data, err := json.Marshal(steps)
		if err != nil {
			return fmt.Errorf("encode trace %s steps: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO traces (id, summary, steps, created_at) VALUES (?, ?, ?, ?)`,
			id, trace.Summary, string(data), trace.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert trace: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// --- Task Mapping Operations ---

// SetTaskMapping records the task and branch created by an action.
func (s *Store) SetTaskMapping(ctx context.Context, m models.TaskMapping) error {
	if m.ActionID == "" {
		return fmt.Errorf("set task mapping: %w", ErrEmptyID)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_mappings (action_id, task_id, branch_name, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(action_id) DO UPDATE SET task_id = excluded.task_id, branch_name = excluded.branch_name`,
		m.ActionID, m.TaskID, m.BranchName, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task mapping: %w", err)
	}
	return nil
}

// GetTaskMapping returns the mapping recorded for an action, or nil.
func (s *Store) GetTaskMapping(ctx context.Context, actionID string) (*models.TaskMapping, error) {
	m := &models.TaskMapping{}
	err := s.db.QueryRowContext(ctx,
		`SELECT action_id, task_id, branch_name, created_at FROM task_mappings WHERE action_id = ?`,
		actionID,
	).Scan(&m.ActionID, &m.TaskID, &m.BranchName, &m.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task mapping: %w", err)
	}
	return m, nil
}

// --- Span Operations ---

// WriteSpan inserts a new span.
func (s *Store) WriteSpan(ctx context.Context, span *models.Span) error {
	if span.ID == "" {
		return fmt.Errorf("write span: %w", ErrEmptyID)
	}
	meta, err := encodeMeta(span.Meta)
	if err != nil {
		return fmt.Errorf("encode span meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO spans (id, step, parent_id, meta, status, summary, started_at, completed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		span.ID, span.Step, nullable(span.ParentID), meta, span.Status, span.Summary, span.StartedAt, span.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert span: %w", err)
	}
	return nil
}

// FinishSpan records a span's outcome.
func (s *Store) FinishSpan(ctx context.Context, span *models.Span) error {
	meta, err := encodeMeta(span.Meta)
	if err != nil {
		return fmt.Errorf("encode span meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE spans SET status = ?, summary = ?, meta = ?, completed_at = ? WHERE id = ?`,
		span.Status, span.Summary, meta, span.CompletedAt, span.ID,
	)
	if err != nil {
		return fmt.Errorf("update span: %w", err)
	}
	return nil
}

// GetSpan retrieves a span by ID, or nil.
func (s *Store) GetSpan(ctx context.Context, id string) (*models.Span, error) {
	span := &models.Span{}
	var parentID, meta, summary sql.NullString
	var completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, step, parent_id, meta, status, summary, started_at, completed_at FROM spans WHERE id = ?`,
		id,
	).Scan(&span.ID, &span.Step, &parentID, &meta, &span.Status, &summary, &span.StartedAt, &completedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query span: %w", err)
	}
	span.ParentID = parentID.String
	span.Summary = summary.String
	if completedAt.Valid {
		span.CompletedAt = &completedAt.Time
	}
	if span.Meta, err = decodeMeta(meta); err != nil {
		return nil, fmt.Errorf("decode span %s meta: %w", span.ID, err)
	}
	return span, nil
}

// ChildSpans returns the spans whose parent is parentID, oldest first.
func (s *Store) ChildSpans(ctx context.Context, parentID string) ([]models.Span, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM spans WHERE parent_id = ? ORDER BY started_at, id`,
		parentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query child spans: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan span id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	spans := make([]models.Span, 0, len(ids))
	for _, id := range ids {
		span, err := s.GetSpan(ctx, id)
		if err != nil {
			return nil, err
		}
		if span != nil {
			spans = append(spans, *span)
		}
	}
	return spans, nil
}

// GetSpanTrace walks the parent chain from spanID to the root and returns the
// spans root-first. An unknown span yields an empty path.
func (s *Store) GetSpanTrace(ctx context.Context, spanID string) ([]models.Span, error) {
	var path []models.Span
	seen := make(map[string]bool)

	for id := spanID; id != "" && len(path) < maxSpanDepth; {
		if seen[id] {
			return nil, fmt.Errorf("span %s: parent cycle at %s", spanID, id)
		}
		seen[id] = true

		span, err := s.GetSpan(ctx, id)
		if err != nil {
			return nil, err
		}
		if span == nil {
			break
		}
		path = append(path, *span)
		id = span.ParentID
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// --- Action Record Operations ---

// WriteAction appends an action record.
func (s *Store) WriteAction(ctx context.Context, a *models.Action) error {
	if a.ID == "" {
		return fmt.Errorf("write action: %w", ErrEmptyID)
	}
	meta, err := encodeMeta(a.Meta)
	if err != nil {
		return fmt.Errorf("encode action meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO actions (id, action, trace_id, span_id, meta, reasoning, inputs_hash, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Action, a.TraceID, nullable(a.SpanID), meta, a.Reasoning, a.InputsHash, a.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// ListActions returns the action records of a trace, oldest first.
func (s *Store) ListActions(ctx context.Context, traceID string) ([]models.Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, trace_id, span_id, meta, reasoning, inputs_hash, timestamp FROM actions WHERE trace_id = ? ORDER BY timestamp ASC`,
		traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var actions []models.Action
	for rows.Next() {
		var a models.Action
		var spanID, meta, reasoning sql.NullString
		if err := rows.Scan(&a.ID, &a.Action, &a.TraceID, &spanID, &meta, &reasoning, &a.InputsHash, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.SpanID = spanID.String
		a.Reasoning = reasoning.String
		if a.Meta, err = decodeMeta(meta); err != nil {
			return nil, fmt.Errorf("decode action %s meta: %w", a.ID, err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// --- Helpers ---

func encodeMeta(m models.Meta) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeMeta(v sql.NullString) (models.Meta, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var m models.Meta
	if err := json.Unmarshal([]byte(v.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
