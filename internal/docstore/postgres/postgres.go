// Package postgres backs the docstore contract with a single JSONB
// documents table. It is the production-shaped adapter: the schema is
// collection-agnostic, so the messaging core stays decoupled from SQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ndolo/messenger/internal/docstore"
	"github.com/ndolo/messenger/internal/logger"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the documents table when missing. Safe to run on
// every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT        NOT NULL,
			id         TEXT        NOT NULL,
			data       JSONB       NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, id)
		);
		CREATE INDEX IF NOT EXISTS documents_collection_created
			ON documents (collection, created_at);`)
	if err != nil {
		return fmt.Errorf("postgres.EnsureSchema: %w", err)
	}
	return nil
}

var fieldPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func safeField(name string) (string, error) {
	if !fieldPattern.MatchString(name) {
		return "", fmt.Errorf("postgres: invalid field name %q", name)
	}
	return name, nil
}

func (s *Store) Create(ctx context.Context, col, id string, data any) (*docstore.Document, error) {
	defer logger.DeferLogDuration("docstore.Create", time.Now())()
	raw, err := docstore.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("postgres.Create: %w", err)
	}
	if id == "" {
		id = uuid.New().String()
	}
	doc := &docstore.Document{ID: id, Data: raw}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO documents (collection, id, data)
		 VALUES ($1, $2, $3)
		 RETURNING created_at, updated_at`,
		col, id, raw,
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres.Create: %w", err)
	}
	return doc, nil
}

func (s *Store) Get(ctx context.Context, col, id string) (*docstore.Document, error) {
	defer logger.DeferLogDuration("docstore.Get", time.Now())()
	doc := &docstore.Document{ID: id}
	err := s.pool.QueryRow(ctx,
		`SELECT data, created_at, updated_at FROM documents
		 WHERE collection = $1 AND id = $2`,
		col, id,
	).Scan(&doc.Data, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres.Get: %w", err)
	}
	return doc, nil
}

func (s *Store) Update(ctx context.Context, col, id string, patch map[string]any) (*docstore.Document, error) {
	defer logger.DeferLogDuration("docstore.Update", time.Now())()
	set := make(map[string]any, len(patch))
	var removed []string
	for k, v := range patch {
		if v == nil {
			removed = append(removed, k)
			continue
		}
		set[k] = v
	}
	setRaw, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("postgres.Update: %w", err)
	}
	if removed == nil {
		removed = []string{}
	}
	doc := &docstore.Document{ID: id}
	err = s.pool.QueryRow(ctx,
		`UPDATE documents
		 SET data = (data - $3::text[]) || $4::jsonb, updated_at = now()
		 WHERE collection = $1 AND id = $2
		 RETURNING data, created_at, updated_at`,
		col, id, removed, setRaw,
	).Scan(&doc.Data, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres.Update: %w", err)
	}
	return doc, nil
}

func (s *Store) Delete(ctx context.Context, col, id string) error {
	defer logger.DeferLogDuration("docstore.Delete", time.Now())()
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`, col, id)
	if err != nil {
		return fmt.Errorf("postgres.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

func (s *Store) List(ctx context.Context, col string, q docstore.Query) (*docstore.List, error) {
	defer logger.DeferLogDuration("docstore.List", time.Now())()
	where := []string{"collection = $1"}
	args := []any{col}

	for _, f := range q.Filters {
		field, err := safeField(f.Field)
		if err != nil {
			return nil, fmt.Errorf("postgres.List: %w", err)
		}
		cond, condArgs, err := filterSQL(field, f, len(args)+1)
		if err != nil {
			return nil, fmt.Errorf("postgres.List: %w", err)
		}
		where = append(where, cond)
		args = append(args, condArgs...)
	}

	order := "created_at"
	switch q.OrderBy {
	case "", "createdAt":
	case "updatedAt":
		order = "updated_at"
	default:
		field, err := safeField(q.OrderBy)
		if err != nil {
			return nil, fmt.Errorf("postgres.List: %w", err)
		}
		order = fmt.Sprintf("data->>'%s'", field)
	}
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}

	sql := fmt.Sprintf(
		`SELECT id, data, created_at, updated_at, count(*) OVER() AS total
		 FROM documents WHERE %s ORDER BY %s %s`,
		strings.Join(where, " AND "), order, dir)
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", q.Offset)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres.List query: %w", err)
	}
	defer rows.Close()

	out := &docstore.List{Documents: make([]docstore.Document, 0, 16)}
	for rows.Next() {
		var doc docstore.Document
		if err := rows.Scan(&doc.ID, &doc.Data, &doc.CreatedAt, &doc.UpdatedAt, &out.Total); err != nil {
			return nil, fmt.Errorf("postgres.List scan: %w", err)
		}
		out.Documents = append(out.Documents, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres.List rows: %w", err)
	}
	return out, nil
}

func filterSQL(field string, f docstore.Filter, argIdx int) (string, []any, error) {
	jsonArg := func(v any) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	switch f.Op {
	case docstore.OpEqual:
		if len(f.Values) != 1 {
			return "", nil, fmt.Errorf("eq filter on %s needs exactly one value", field)
		}
		v, err := jsonArg(f.Values[0])
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("data->'%s' = $%d::jsonb", field, argIdx), []any{v}, nil
	case docstore.OpIn:
		conds := make([]string, 0, len(f.Values))
		args := make([]any, 0, len(f.Values))
		for i, want := range f.Values {
			v, err := jsonArg(want)
			if err != nil {
				return "", nil, err
			}
			conds = append(conds, fmt.Sprintf("data->'%s' = $%d::jsonb", field, argIdx+i))
			args = append(args, v)
		}
		return "(" + strings.Join(conds, " OR ") + ")", args, nil
	case docstore.OpContains:
		if len(f.Values) != 1 {
			return "", nil, fmt.Errorf("contains filter on %s needs exactly one value", field)
		}
		v, err := jsonArg(f.Values[0])
		if err != nil {
			return "", nil, err
		}
		// Array fields: containment. String fields: substring search.
		cond := fmt.Sprintf(
			`((jsonb_typeof(data->'%[1]s') = 'array' AND data->'%[1]s' @> $%[2]d::jsonb)
			  OR (jsonb_typeof(data->'%[1]s') = 'string' AND data->>'%[1]s' ILIKE '%%' || ($%[2]d::jsonb #>> '{}') || '%%'))`,
			field, argIdx)
		return cond, []any{v}, nil
	}
	return "", nil, fmt.Errorf("unsupported filter op %q", f.Op)
}
