package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS preferences (
	key   text PRIMARY KEY,
	value text NOT NULL
);
CREATE TABLE IF NOT EXISTS locations (
	id          bigserial PRIMARY KEY,
	latitude    double precision NOT NULL,
	longitude   double precision NOT NULL,
	accuracy    real NOT NULL,
	gps_time    timestamptz,
	captured_at timestamptz NOT NULL
);`

// EnsureSchema creates the preferences and locations tables if missing.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pgstore: create schema: %w", err)
	}
	return nil
}

// PgPrefs keeps preferences in a single key/value table.
type PgPrefs struct {
	db  *pgxpool.Pool
	log log.Logger
}

func NewPrefs(db *pgxpool.Pool) *PgPrefs {
	m := PgPrefs{}
	m.db = db
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "pg_prefs").Value()
	return &m
}

func (st *PgPrefs) Get(key string) (string, bool, error) {
	var value string
	err := st.db.QueryRow(context.Background(), `SELECT value FROM preferences WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		st.log.Error().Err(err).Str("key", key).Msg("error reading preference")
		return "", false, err
	}
	return value, true, nil
}

func (st *PgPrefs) Put(key, value string) error {
	_, err := st.db.Exec(context.Background(), `INSERT INTO preferences (key,value) VALUES ($1,$2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		st.log.Error().Err(err).Str("key", key).Msg("error writing preference")
	}
	return err
}
