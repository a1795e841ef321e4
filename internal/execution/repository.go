package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

//go:generate mockgen -destination=mocks/mock_repository.go -package=mocks github.com/mattjoyce/fleetwarden/internal/execution Repository

// Repository persists execution records.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	Update(ctx context.Context, id string, patch Patch) error
	FindByID(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, filter Filter) ([]*Record, error)
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// timeLayout is fixed width so started_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const recordColumns = `id, type, target_nodes, action, parameters, status, started_at, completed_at,
  results, error, error_code, cancelled, expert_mode, execution_tool, command, stdout, stderr,
  original_execution_id, submitted_by`

// SQLiteRepository stores records in the executions table. List-valued and
// map-valued fields are JSON columns.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository wraps an already bootstrapped database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts rec.
func (r *SQLiteRepository) Create(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("execution record has no id")
	}
	targets, err := json.Marshal(rec.TargetNodes)
	if err != nil {
		return fmt.Errorf("marshal target nodes: %w", err)
	}
	var params any
	if rec.Parameters != nil {
		raw, err := json.Marshal(rec.Parameters)
		if err != nil {
			return fmt.Errorf("marshal parameters: %w", err)
		}
		params = string(raw)
	}
	results, err := marshalResults(rec.Results)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO executions (`+recordColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		string(rec.Type),
		string(targets),
		rec.Action,
		params,
		string(rec.Status),
		formatTime(rec.StartedAt),
		nullTime(rec.CompletedAt),
		results,
		nullString(rec.Error),
		nullString(rec.ErrorCode),
		boolInt(rec.Cancelled),
		boolInt(rec.ExpertMode),
		nullString(rec.ExecutionTool),
		nullString(rec.Command),
		nullString(rec.Stdout),
		nullString(rec.Stderr),
		nullString(rec.OriginalExecutionID),
		nullString(rec.SubmittedBy),
	)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", rec.ID, err)
	}
	return nil
}

// Update applies the non-nil fields of patch.
func (r *SQLiteRepository) Update(ctx context.Context, id string, patch Patch) error {
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.CompletedAt != nil {
		set("completed_at", formatTime(*patch.CompletedAt))
	}
	if patch.Results != nil {
		results, err := marshalResults(patch.Results)
		if err != nil {
			return err
		}
		set("results", results)
	}
	if patch.Error != nil {
		set("error", nullString(*patch.Error))
	}
	if patch.ErrorCode != nil {
		set("error_code", nullString(*patch.ErrorCode))
	}
	if patch.Cancelled != nil {
		set("cancelled", boolInt(*patch.Cancelled))
	}
	if patch.ExecutionTool != nil {
		set("execution_tool", nullString(*patch.ExecutionTool))
	}
	if patch.Command != nil {
		set("command", nullString(*patch.Command))
	}
	if patch.Stdout != nil {
		set("stdout", nullString(*patch.Stdout))
	}
	if patch.Stderr != nil {
		set("stderr", nullString(*patch.Stderr))
	}
	if len(sets) == 0 {
		return nil
	}

	where := " WHERE id = ?"
	args = append(args, id)
	if patch.RequireRunning {
		where += " AND status = ?"
		args = append(args, string(StatusRunning))
	}
	res, err := r.db.ExecContext(ctx,
		"UPDATE executions SET "+strings.Join(sets, ", ")+where, args...)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update execution %s: %w", id, err)
	}
	if n == 0 {
		if patch.RequireRunning {
			if _, err := r.FindByID(ctx, id); err != nil {
				return err
			}
			return fmt.Errorf("%w: %s", ErrNotRunning, id)
		}
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// FindByID returns the record or an error wrapping ErrNotFound.
func (r *SQLiteRepository) FindByID(ctx context.Context, id string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM executions WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", id, err)
	}
	return rec, nil
}

// List returns records newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) ([]*Record, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	q := `SELECT ` + recordColumns + ` FROM executions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	out := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                     Record
		typ, status, started    string
		targets, results        string
		params, completed       sql.NullString
		errMsg, errCode, tool   sql.NullString
		command, stdout, stderr sql.NullString
		original, submittedBy   sql.NullString
		cancelled, expert       int
	)
	if err := row.Scan(
		&rec.ID, &typ, &targets, &rec.Action, &params, &status, &started, &completed,
		&results, &errMsg, &errCode, &cancelled, &expert, &tool, &command, &stdout, &stderr,
		&original, &submittedBy,
	); err != nil {
		return nil, err
	}

	rec.Type = Type(typ)
	rec.Status = Status(status)
	rec.Cancelled = cancelled != 0
	rec.ExpertMode = expert != 0
	rec.Error = errMsg.String
	rec.ErrorCode = errCode.String
	rec.ExecutionTool = tool.String
	rec.Command = command.String
	rec.Stdout = stdout.String
	rec.Stderr = stderr.String
	rec.OriginalExecutionID = original.String
	rec.SubmittedBy = submittedBy.String

	var err error
	if rec.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if completed.Valid && completed.String != "" {
		t, err := time.Parse(timeLayout, completed.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		rec.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(targets), &rec.TargetNodes); err != nil {
		return nil, fmt.Errorf("decode target_nodes: %w", err)
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &rec.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
	}
	rec.Results = []NodeResult{}
	if results != "" {
		if err := json.Unmarshal([]byte(results), &rec.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}
	return &rec, nil
}

func marshalResults(results []NodeResult) (string, error) {
	if results == nil {
		results = []NodeResult{}
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("marshal results: %w", err)
	}
	return string(raw), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
