package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bennyboer/kicherkrabbe-sub011/core/es"
	"github.com/bennyboer/kicherkrabbe-sub011/core/es/proj"
)

// ReadModelStore keeps read model documents as JSONB rows. The upsert only
// replaces a row when the incoming version is higher.
type ReadModelStore struct {
	pool *pgxpool.Pool
}

func NewReadModelStore(pool *pgxpool.Pool) *ReadModelStore {
	return &ReadModelStore{pool: pool}
}

const docColumns = `name, id, version, deleted, data, updated_at`

func scanDoc(row pgx.Row) (proj.Doc, error) {
	var (
		d       proj.Doc
		version int64
		data    []byte
	)
	if err := row.Scan(&d.Name, &d.ID, &version, &d.Deleted, &data, &d.UpdatedAt); err != nil {
		return proj.Doc{}, err
	}
	d.Version = es.Version(version)
	d.UpdatedAt = d.UpdatedAt.UTC()
	if len(data) > 0 {
		d.Data = data
	}
	return d, nil
}

func (s *ReadModelStore) Get(ctx context.Context, name, id string) (proj.Doc, error) {
	d, err := scanDoc(s.pool.QueryRow(ctx,
		`SELECT `+docColumns+` FROM es_read_models WHERE name = $1 AND id = $2`,
		name, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return proj.Doc{}, proj.ErrNotFound
	}
	if err != nil {
		return proj.Doc{}, fmt.Errorf("get read model: %w", err)
	}
	return d, nil
}

func (s *ReadModelStore) Upsert(ctx context.Context, doc proj.Doc) (bool, error) {
	var data any
	if len(doc.Data) > 0 {
		data = string(doc.Data)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO es_read_models (`+docColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name, id) DO UPDATE
		SET version = EXCLUDED.version,
		    deleted = EXCLUDED.deleted,
		    data = EXCLUDED.data,
		    updated_at = EXCLUDED.updated_at
		WHERE es_read_models.version < EXCLUDED.version`,
		doc.Name, doc.ID, int64(doc.Version), doc.Deleted, data, doc.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("upsert read model: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Find compares each match field with jsonb equality, which treats 3 and
// 3.0 as equal like proj.Matches does.
func (s *ReadModelStore) Find(ctx context.Context, name string, q proj.Query) (proj.Page, error) {
	where := []string{"name = $1", "NOT deleted"}
	args := []any{name}
	for _, k := range slices.Sorted(maps.Keys(q.Match)) {
		v, err := json.Marshal(q.Match[k])
		if err != nil {
			return proj.Page{}, fmt.Errorf("encode match %s: %w", k, err)
		}
		args = append(args, k, string(v))
		where = append(where, "data -> $"+strconv.Itoa(len(args)-1)+" = $"+strconv.Itoa(len(args))+"::jsonb")
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM es_read_models WHERE `+cond, args...).Scan(&total); err != nil {
		return proj.Page{}, fmt.Errorf("count read models: %w", err)
	}

	query := `SELECT ` + docColumns + ` FROM es_read_models WHERE ` + cond + ` ORDER BY id COLLATE "C"`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += " OFFSET $" + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return proj.Page{}, fmt.Errorf("find read models: %w", err)
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (proj.Doc, error) {
		return scanDoc(row)
	})
	if err != nil {
		return proj.Page{}, fmt.Errorf("find read models: %w", err)
	}
	return proj.Page{Docs: docs, Total: total}, nil
}

var _ proj.Store = (*ReadModelStore)(nil)
