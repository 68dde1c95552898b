//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"postpilot/internal/queue"
	"postpilot/internal/schedule"
	logx "postpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- schedules ----
//
// The whole collection is kept as one JSON document to match the file
// driver's read/modify/write semantics (and the schedule store's contract).

func (s *sqliteStore) LoadSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM schedules WHERE id = 1`).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []schedule.Schedule
	if err := json.Unmarshal([]byte(blob), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) SaveSchedules(ctx context.Context, schedules []schedule.Schedule) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if schedules == nil {
		schedules = []schedule.Schedule{}
	}
	b, err := json.Marshal(schedules)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, blob) VALUES(1, ?)
		 ON CONFLICT(id) DO UPDATE SET blob=excluded.blob`,
		string(b),
	)
	return err
}

// ---- drafts ----

func (s *sqliteStore) ListGroup(ctx context.Context, group string) ([]queue.Item, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, grp, text, created_at, priority FROM drafts
		 WHERE grp = ? AND published_at IS NULL
		 ORDER BY created_at ASC`,
		group,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []queue.Item
	for rows.Next() {
		var it queue.Item
		var createdMS int64
		if err := rows.Scan(&it.ID, &it.Group, &it.Text, &createdMS, &it.Priority); err != nil {
			return nil, err
		}
		it.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddDraft(ctx context.Context, item queue.Item) (queue.Item, error) {
	if s == nil || s.db == nil {
		return queue.Item{}, ErrDisabled
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drafts(id, grp, text, created_at, priority) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET grp=excluded.grp, text=excluded.text, priority=excluded.priority`,
		item.ID, item.Group, item.Text, item.CreatedAt.UnixMilli(), item.Priority,
	)
	if err != nil {
		return queue.Item{}, err
	}
	return item, nil
}

func (s *sqliteStore) WritePriority(ctx context.Context, id string, priority int) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `UPDATE drafts SET priority = ? WHERE id = ?`, priority, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDraftNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteDraft(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDraftNotFound
	}
	return nil
}

func (s *sqliteStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `UPDATE drafts SET published_at = ? WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDraftNotFound
	}
	return nil
}

func (s *sqliteStore) PrunePublished(ctx context.Context, olderThan time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM drafts WHERE published_at IS NOT NULL AND published_at < ?`,
		olderThan.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
