package whiteboard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tags (
	tag      TEXT PRIMARY KEY,
	next_idx INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS posts (
	tag  TEXT NOT NULL,
	idx  INTEGER NOT NULL,
	data TEXT NOT NULL,
	ts   REAL NOT NULL,
	PRIMARY KEY (tag, idx)
);

CREATE INDEX IF NOT EXISTS idx_posts_ts ON posts(tag, ts);
`

// SQLiteStore keeps posts in a SQLite database.
type SQLiteStore struct {
	conn *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("whiteboard: open db: %w", err)
	}
	// One writer keeps index assignment serial.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("whiteboard: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("whiteboard: apply schema: %w", err)
	}
	return &SQLiteStore{conn: conn}, nil
}

func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, tag, data string, ts float64) (int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("whiteboard: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var idx int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO tags (tag, next_idx) VALUES (?, 1)
		ON CONFLICT(tag) DO UPDATE SET next_idx = next_idx + 1
		RETURNING next_idx - 1
	`, tag).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("whiteboard: next index: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO posts (tag, idx, data, ts) VALUES (?, ?, ?, ?)`, tag, idx, data, ts); err != nil {
		return 0, fmt.Errorf("whiteboard: insert post: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("whiteboard: commit: %w", err)
	}
	return idx, nil
}

func (s *SQLiteStore) Get(ctx context.Context, tag string, index int64) (Post, error) {
	return getViaRange(ctx, s, tag, index)
}

func (s *SQLiteStore) Range(ctx context.Context, tag string, start, stop int64) ([]Post, int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("whiteboard: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	next, err := latest(ctx, tx, tag)
	if err != nil {
		return nil, 0, err
	}
	start, stop = resolveRange(start, stop, next)
	if start > stop {
		return nil, next, nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT idx, data, ts FROM posts
		WHERE tag = ? AND idx BETWEEN ? AND ?
		ORDER BY idx
	`, tag, start, stop)
	if err != nil {
		return nil, 0, fmt.Errorf("whiteboard: range: %w", err)
	}
	defer rows.Close()

	var out []Post
	for rows.Next() {
		var p Post
		if err := rows.Scan(&p.Index, &p.Data, &p.Timestamp); err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, next, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func latest(ctx context.Context, q queryer, tag string) (int64, error) {
	var next int64
	err := q.QueryRowContext(ctx, `SELECT next_idx FROM tags WHERE tag = ?`, tag).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("whiteboard: latest: %w", err)
	}
	return next, nil
}

func (s *SQLiteStore) Latest(ctx context.Context, tag string) (int64, error) {
	return latest(ctx, s.conn, tag)
}

// After reads the first newer post and the next index in one transaction, so
// a concurrent Append cannot slip between them.
func (s *SQLiteStore) After(ctx context.Context, tag string, ts float64) (int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("whiteboard: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var idx sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MIN(idx) FROM posts WHERE tag = ? AND ts > ?`, tag, ts).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("whiteboard: after: %w", err)
	}
	if idx.Valid {
		return idx.Int64, nil
	}
	return latest(ctx, tx, tag)
}

func (s *SQLiteStore) Resize(ctx context.Context, keep int64) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("whiteboard: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		DELETE FROM posts
		WHERE idx < (SELECT t.next_idx - ? FROM tags t WHERE t.tag = posts.tag)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("whiteboard: drop posts: %w", err)
	}
	dropped, _ := res.RowsAffected()
	return dropped, tx.Commit()
}

func (s *SQLiteStore) Info(ctx context.Context) ([]TagInfo, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT t.tag, t.next_idx, COUNT(p.idx)
		FROM tags t LEFT JOIN posts p ON p.tag = t.tag
		GROUP BY t.tag
		ORDER BY t.tag
	`)
	if err != nil {
		return nil, fmt.Errorf("whiteboard: info: %w", err)
	}
	defer rows.Close()

	var out []TagInfo
	for rows.Next() {
		var ti TagInfo
		if err := rows.Scan(&ti.Tag, &ti.Length, &ti.Retained); err != nil {
			return nil, err
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Save(ctx context.Context, sync bool) error {
	mode := "PASSIVE"
	if sync {
		mode = "TRUNCATE"
	}
	if _, err := s.conn.ExecContext(ctx, "PRAGMA wal_checkpoint("+mode+")"); err != nil {
		return fmt.Errorf("whiteboard: checkpoint: %w", err)
	}
	return nil
}
