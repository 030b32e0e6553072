package session

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// SQLiteStore persists history in a SQLite database file.
type SQLiteStore struct {
	db         *sql.DB
	maxHistory int
}

func OpenSQLite(path string, maxHistory int) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLiteStore{db: db, maxHistory: maxHistory}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at FROM (
			SELECT id, role, content, created_at FROM conversation_entries
			WHERE conversation = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			entry Entry
			at    int64
		)
		if err := rows.Scan(&entry.Role, &entry.Content, &at); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entry.At = time.Unix(0, at).UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Append(ctx context.Context, id string, entries ...Entry) error {
	entries = normalize(entries, time.Now().UTC())
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_entries (conversation, role, content, created_at) VALUES (?, ?, ?, ?)`,
			id, entry.Role, entry.Content, entry.At.UnixNano()); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}

	if s.maxHistory > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM conversation_entries
			WHERE conversation = ? AND id NOT IN (
				SELECT id FROM conversation_entries
				WHERE conversation = ? ORDER BY id DESC LIMIT ?
			)`, id, id, s.maxHistory); err != nil {
			return fmt.Errorf("trim history: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Clear(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_entries WHERE conversation = ?`, id); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
