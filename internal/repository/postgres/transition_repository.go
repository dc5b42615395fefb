package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"cineshorts/internal/repository"
)

// NewTransitionRepository 返回基于 *sql.DB 的 Postgres 实现。
func NewTransitionRepository(db *sql.DB) *TransitionRepository {
	return &TransitionRepository{db: db}
}

// TransitionRepository 实现 repository.TransitionRepository。
type TransitionRepository struct {
	db *sql.DB
}

var transitionSelectColumns = []string{
	"id",
	"filename",
	"from_state",
	"to_state",
	"event",
	"error",
	"created_at",
}

var transitionInsertColumns = []string{
	"id",
	"filename",
	"from_state",
	"to_state",
	"event",
	"error",
	"created_at",
}

// Create 插入迁移记录。CreatedAt 为零值时由数据库生成。
func (r *TransitionRepository) Create(ctx context.Context, record *repository.TransitionRecord) (*repository.TransitionRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("transition record is nil")
	}

	placeholders := make([]string, len(transitionInsertColumns))
	for i := range transitionInsertColumns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	// created_at 缺省时回落到 NOW()
	placeholders[len(placeholders)-1] = fmt.Sprintf("COALESCE($%d, NOW())", len(placeholders))

	query := fmt.Sprintf(`INSERT INTO lifecycle_transitions (%s)
	VALUES (%s)
	RETURNING %s`,
		strings.Join(transitionInsertColumns, ","),
		strings.Join(placeholders, ","),
		strings.Join(transitionSelectColumns, ","),
	)

	var errText sql.NullString
	if record.Error != nil {
		errText = sql.NullString{String: *record.Error, Valid: true}
	}

	var createdAt sql.NullTime
	if !record.CreatedAt.IsZero() {
		createdAt = sql.NullTime{Time: record.CreatedAt, Valid: true}
	}

	row := r.db.QueryRowContext(
		ctx,
		query,
		record.ID,
		record.Filename,
		record.FromState,
		record.ToState,
		record.Event,
		errText,
		createdAt,
	)

	return scanTransitionRecord(row)
}

// GetByID 通过主键查询迁移记录。
func (r *TransitionRepository) GetByID(ctx context.Context, id string) (*repository.TransitionRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM lifecycle_transitions WHERE id = $1`, strings.Join(transitionSelectColumns, ","))
	row := r.db.QueryRowContext(ctx, query, id)
	rec, err := scanTransitionRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// List 按时间倒序返回迁移记录，支持按文件名过滤并分页。
func (r *TransitionRepository) List(ctx context.Context, params repository.ListTransitionsParams) ([]repository.TransitionRecord, error) {
	query, args := buildListQuery(params)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []repository.TransitionRecord{}
	for rows.Next() {
		rec, err := scanTransitionRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func buildListQuery(params repository.ListTransitionsParams) (string, []any) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	args := make([]any, 0, 3)
	whereClause := ""
	if params.Filename != "" {
		args = append(args, params.Filename)
		whereClause = fmt.Sprintf("WHERE filename = $%d", len(args))
	}

	args = append(args, limit)
	tail := fmt.Sprintf("ORDER BY created_at DESC, id LIMIT $%d", len(args))

	if params.Offset > 0 {
		args = append(args, params.Offset)
		tail += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	query := fmt.Sprintf(`SELECT %s FROM lifecycle_transitions %s %s`, strings.Join(transitionSelectColumns, ","), whereClause, tail)
	return strings.Join(strings.Fields(query), " "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransitionRecord(rs rowScanner) (*repository.TransitionRecord, error) {
	var (
		rec     repository.TransitionRecord
		errText sql.NullString
	)

	if err := rs.Scan(
		&rec.ID,
		&rec.Filename,
		&rec.FromState,
		&rec.ToState,
		&rec.Event,
		&errText,
		&rec.CreatedAt,
	); err != nil {
		return nil, err
	}

	if errText.Valid {
		rec.Error = &errText.String
	}
	return &rec, nil
}
