package state

import (
	"context"
	"database/sql"
	stderrors "errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/yanun0323/errors"
)

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA busy_timeout=5000;",
}

// SQLiteStore keeps one row per trading day in a local sqlite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create state dir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// one writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)

	for _, pragma := range sqlitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "set pragma %s", pragma)
		}
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS engine_day_state (
			day TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			saved_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create day state table")
	}
	return &SQLiteStore{db: db}, nil
}

// Save upserts the day's row.
func (s *SQLiteStore) Save(ctx context.Context, st DayState) error {
	row, err := encodeRow(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO engine_day_state (day, payload, saved_at) VALUES (?, ?, ?) ON CONFLICT(day) DO UPDATE SET payload=excluded.payload, saved_at=excluded.saved_at",
		row.Day, row.Payload, row.SavedAt.UnixNano(),
	)
	if err != nil {
		return errors.Wrap(err, "save day state "+st.Day)
	}
	return nil
}

// Latest loads the most recent day.
func (s *SQLiteStore) Latest(ctx context.Context) (DayState, bool, error) {
	var (
		row   dayStateRow
		saved int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT day, payload, saved_at FROM engine_day_state ORDER BY day DESC LIMIT 1",
	).Scan(&row.Day, &row.Payload, &saved)
	if stderrors.Is(err, sql.ErrNoRows) {
		return DayState{}, false, nil
	}
	if err != nil {
		return DayState{}, false, errors.Wrap(err, "load day state")
	}
	row.SavedAt = time.Unix(0, saved)
	st, err := decodeRow(row)
	if err != nil {
		return DayState{}, false, err
	}
	return st, true, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
