package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/bennyboer/kicherkrabbe-sub011/core/es"
	"github.com/bennyboer/kicherkrabbe-sub011/core/es/proj"
)

type ReadModelStore struct {
	db *sql.DB
}

func NewReadModelStore(db *sql.DB) *ReadModelStore {
	return &ReadModelStore{db: db}
}

const docColumns = `name, id, version, deleted, data, updated_at`

func scanDoc(row scanner) (proj.Doc, error) {
	var (
		d         proj.Doc
		version   int64
		data      sql.NullString
		updatedAt int64
	)
	if err := row.Scan(&d.Name, &d.ID, &version, &d.Deleted, &data, &updatedAt); err != nil {
		return proj.Doc{}, err
	}
	d.Version = es.Version(version)
	d.UpdatedAt = fromNanos(updatedAt)
	if data.Valid && data.String != "" {
		d.Data = json.RawMessage(data.String)
	}
	return d, nil
}

func (s *ReadModelStore) Get(ctx context.Context, name, id string) (proj.Doc, error) {
	d, err := scanDoc(s.db.QueryRowContext(ctx,
		`SELECT `+docColumns+` FROM es_read_models WHERE name = ? AND id = ?`,
		name, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return proj.Doc{}, proj.ErrNotFound
	}
	if err != nil {
		return proj.Doc{}, fmt.Errorf("get read model: %w", err)
	}
	return d, nil
}

func (s *ReadModelStore) Upsert(ctx context.Context, doc proj.Doc) (bool, error) {
	var data sql.NullString
	if len(doc.Data) > 0 {
		data = sql.NullString{String: string(doc.Data), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO es_read_models (`+docColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, id) DO UPDATE
		SET version = excluded.version,
		    deleted = excluded.deleted,
		    data = excluded.data,
		    updated_at = excluded.updated_at
		WHERE es_read_models.version < excluded.version`,
		doc.Name, doc.ID, int64(doc.Version), doc.Deleted, data, toNanos(doc.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("upsert read model: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Find compares the extracted value of each match field with the value
// extracted from its JSON encoding, so both sides convert alike.
func (s *ReadModelStore) Find(ctx context.Context, name string, q proj.Query) (proj.Page, error) {
	where := []string{"name = ?", "deleted = 0"}
	args := []any{name}
	for _, k := range slices.Sorted(maps.Keys(q.Match)) {
		v, err := json.Marshal(q.Match[k])
		if err != nil {
			return proj.Page{}, fmt.Errorf("encode match %s: %w", k, err)
		}
		where = append(where, "json_extract(data, ?) = json_extract(?, '$')")
		args = append(args, "$."+strconv.Quote(k), string(v))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM es_read_models WHERE `+cond, args...).Scan(&total); err != nil {
		return proj.Page{}, fmt.Errorf("count read models: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+docColumns+` FROM es_read_models WHERE `+cond+` ORDER BY id LIMIT ? OFFSET ?`,
		append(args, limit, max(q.Offset, 0))...,
	)
	if err != nil {
		return proj.Page{}, fmt.Errorf("find read models: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []proj.Doc
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return proj.Page{}, fmt.Errorf("scan read model: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return proj.Page{}, fmt.Errorf("find read models: %w", err)
	}
	return proj.Page{Docs: docs, Total: total}, nil
}

var _ proj.Store = (*ReadModelStore)(nil)
