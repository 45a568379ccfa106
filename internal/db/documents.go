package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/susu3304/pointsbot/internal/remote"
)

// Document is a named row in ledger_documents. It implements remote.Store,
// using the row's revision counter as the revision token.
type Document struct {
	db   *DB
	name string
}

func (db *DB) Document(name string) *Document {
	return &Document{db: db, name: name}
}

func (d *Document) Read(ctx context.Context) ([]byte, string, error) {
	var content []byte
	var revision int64
	err := d.db.pool.QueryRow(ctx,
		"SELECT content, revision FROM ledger_documents WHERE name = $1",
		d.name,
	).Scan(&content, &revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", remote.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	return content, formatRevision(revision), nil
}

func (d *Document) WriteIfMatch(ctx context.Context, data []byte, expectedRevision string) (string, error) {
	var revision int64

	if expectedRevision == "" {
		err := d.db.pool.QueryRow(ctx,
			`INSERT INTO ledger_documents (name, content, revision) VALUES ($1, $2, 1)
			ON CONFLICT (name) DO NOTHING
			RETURNING revision`,
			d.name, data,
		).Scan(&revision)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", &remote.ConflictError{}
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
		}
		return formatRevision(revision), nil
	}

	expected, err := parseRevision(expectedRevision)
	if err != nil {
		return "", &remote.ConflictError{Expected: expectedRevision}
	}

	err = d.db.pool.QueryRow(ctx,
		`UPDATE ledger_documents
		SET content = $2, revision = revision + 1, updated_at = CURRENT_TIMESTAMP
		WHERE name = $1 AND revision = $3
		RETURNING revision`,
		d.name, data, expected,
	).Scan(&revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &remote.ConflictError{Expected: expectedRevision}
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	return formatRevision(revision), nil
}

func formatRevision(r int64) string {
	return strconv.FormatInt(r, 10)
}

func parseRevision(s string) (int64, error) {
	r, err := strconv.ParseInt(s, 10, 64)
	if err != nil || r <= 0 {
		return 0, fmt.Errorf("invalid revision %q", s)
	}
	return r, nil
}
