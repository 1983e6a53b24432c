package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/brbranch/charcache/internal/model"
	_ "modernc.org/sqlite"
)

// SQLitePersister はSQLiteを使用したPersister実装
//
// 保存は1トランザクションで全行を置き換えるため、失敗しても以前の内容が残る。
// has_embedding列で未計算（0）と失敗（1かつ空BLOB）を区別する。
type SQLitePersister struct {
	db     *sql.DB
	dbPath string
}

// NewSQLitePersister はSQLitePersisterを作成しスキーマを初期化する
func NewSQLitePersister(ctx context.Context, dbPath string) (*SQLitePersister, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WALモードを有効化
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS characterizations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		artist TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL DEFAULT '',
		characteristics TEXT NOT NULL DEFAULT '',
		last_verified TEXT,
		needs_review INTEGER NOT NULL DEFAULT 0,
		has_embedding INTEGER NOT NULL DEFAULT 0,
		embedding BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_characterizations_characteristics ON characterizations(characteristics);
	CREATE TABLE IF NOT EXISTS cache_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &SQLitePersister{db: db, dbPath: dbPath}, nil
}

// Location はDBファイルのパスを返す
func (p *SQLitePersister) Location() string {
	return p.dbPath
}

// Close はDBをクローズする
func (p *SQLitePersister) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// Load は全レコードを読み込む
func (p *SQLitePersister) Load(ctx context.Context) (*Snapshot, error) {
	snap := emptySnapshot()

	err := p.db.QueryRowContext(ctx, `SELECT value FROM cache_meta WHERE key = 'namespace'`).Scan(&snap.Namespace)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read namespace: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, artist, content_hash, characteristics, last_verified, needs_review, has_embedding, embedding
		FROM characterizations
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec          model.CharacterizationRecord
			lastVerified sql.NullString
			needsReview  int
			hasEmbedding int
			blob         []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Artist, &rec.ContentHash, &rec.Characteristics,
			&lastVerified, &needsReview, &hasEmbedding, &blob); err != nil {
			return nil, &DeserializationError{Location: p.dbPath, Err: err}
		}

		if lastVerified.Valid && lastVerified.String != "" {
			t, err := time.Parse(time.RFC3339Nano, lastVerified.String)
			if err != nil {
				return nil, &DeserializationError{Location: p.dbPath, Err: fmt.Errorf("record %q: %w", rec.ID, err)}
			}
			rec.LastVerified = t
		}
		rec.NeedsReview = needsReview != 0
		rec.Embeddings = decodeEmbedding(blob, hasEmbedding != 0)

		snap.Records[rec.ID] = &rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return snap, nil
}

// Save は全レコードを1トランザクションで置き換える
func (p *SQLitePersister) Save(ctx context.Context, snap *Snapshot) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM characterizations`); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO characterizations (id, title, artist, content_hash, characteristics, last_verified, needs_review, has_embedding, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for id, rec := range snap.Records {
		hasEmbedding := 0
		if rec.Embeddings != nil {
			hasEmbedding = 1
		}
		needsReview := 0
		if rec.NeedsReview {
			needsReview = 1
		}
		var lastVerified any
		if !rec.LastVerified.IsZero() {
			lastVerified = rec.LastVerified.UTC().Format(time.RFC3339Nano)
		}

		if _, err := stmt.ExecContext(ctx, id, rec.Title, rec.Artist, rec.ContentHash, rec.Characteristics,
			lastVerified, needsReview, hasEmbedding, encodeEmbedding(rec.Embeddings)); err != nil {
			return fmt.Errorf("failed to insert record %q: %w", id, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cache_meta (key, value) VALUES ('namespace', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, snap.Namespace); err != nil {
		return fmt.Errorf("failed to write namespace: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
