// Package postgres implements kvstore.Store on a single versioned
// kv_entries table. Every AtomicWrite runs as one SQL transaction: existing
// checked rows are locked with FOR UPDATE, absent-checked keys are inserted
// without upsert so a concurrent writer surfaces as a unique violation.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fastprodman/cyberclock/internal/infra/pgutils"
	"github.com/fastprodman/cyberclock/internal/kvstore"
)

var _ kvstore.Store = (*Store)(nil)

type Store struct{ db *sql.DB }

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Get(ctx context.Context, key string) (kvstore.Entry, error) {
	var (
		value   []byte
		version int64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT value, version
		FROM kv_entries
		WHERE key = $1
	`, key).Scan(&value, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return kvstore.Entry{}, kvstore.ErrNotFound
		}

		return kvstore.Entry{}, fmt.Errorf("get %q: %w", key, err)
	}

	return kvstore.Entry{Key: key, Value: value, Version: version}, nil
}

//nolint:gocognit
func (s *Store) AtomicWrite(ctx context.Context, checks []kvstore.Check, sets []kvstore.Set, deletes []string) error {
	// Keys asserted absent must be inserted without upsert below, so a
	// racing writer trips the primary key instead of silently overwriting.
	mustBeNew := make(map[string]bool, len(checks))

	err := pgutils.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, c := range checks {
			var version int64

			err := tx.QueryRow(`
				SELECT version
				FROM kv_entries
				WHERE key = $1
				FOR UPDATE
			`, c.Key).Scan(&version)

			switch {
			case errors.Is(err, sql.ErrNoRows):
				if c.Version != kvstore.VersionAbsent {
					return kvstore.ErrConflict
				}

				mustBeNew[c.Key] = true
			case err != nil:
				return fmt.Errorf("check %q: %w", c.Key, err)
			case version != c.Version:
				return kvstore.ErrConflict
			}
		}

		for _, w := range sets {
			var err error

			if mustBeNew[w.Key] {
				_, err = tx.Exec(`
					INSERT INTO kv_entries (key, value, version)
					VALUES ($1, $2, 1)
				`, w.Key, w.Value)
			} else {
				_, err = tx.Exec(`
					INSERT INTO kv_entries (key, value, version)
					VALUES ($1, $2, 1)
					ON CONFLICT (key) DO UPDATE
					SET value = EXCLUDED.value, version = kv_entries.version + 1
				`, w.Key, w.Value)
			}

			if err != nil {
				if isUniqueViolation(err) {
					return kvstore.ErrConflict
				}

				return fmt.Errorf("set %q: %w", w.Key, err)
			}
		}

		for _, key := range deletes {
			_, err := tx.Exec(`DELETE FROM kv_entries WHERE key = $1`, key)
			if err != nil {
				return fmt.Errorf("delete %q: %w", key, err)
			}
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, kvstore.ErrConflict) {
			return kvstore.ErrConflict
		}

		return fmt.Errorf("atomic write: %w", err)
	}

	return nil
}

func (s *Store) Scan(ctx context.Context, prefix string) ([]kvstore.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, version
		FROM kv_entries
		WHERE key LIKE $1 ESCAPE '\'
		ORDER BY key ASC
	`, likePattern(prefix))
	if err != nil {
		return nil, fmt.Errorf("scan %q: %w", prefix, err)
	}
	defer rows.Close()

	var out []kvstore.Entry

	for rows.Next() {
		var e kvstore.Entry

		err = rows.Scan(&e.Key, &e.Value, &e.Version)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		out = append(out, e)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("scan rows: %w", err)
	}

	return out, nil
}

func (s *Store) Close(_ context.Context) error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("close db: %w", err)
	}

	return nil
}

// likePattern turns a raw key prefix into a LIKE pattern. Keys embed user
// ids verbatim, so `_` and `%` in the prefix must match literally, not as
// wildcards.
func likePattern(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

	return r.Replace(prefix) + "%"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}

	return false
}
