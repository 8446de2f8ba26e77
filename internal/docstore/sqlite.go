package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists documents in a single SQLite database. WAL mode plus a
// busy timeout keep concurrent transactions from failing fast, and BEGIN
// IMMEDIATE transactions provide the serializable read-modify-write cycles
// the queue transport requires.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	// _txlock=immediate takes the write lock when a transaction begins, so
	// concurrent read-modify-write cycles queue behind busy_timeout instead
	// of failing their lock upgrade mid-transaction. The pragmas go in the
	// DSN so they apply to every pooled connection.
	dsn := "file:" + path +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			key        TEXT NOT NULL,
			data       TEXT NOT NULL,
			rev        INTEGER NOT NULL,
			PRIMARY KEY (collection, key)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Get(ctx context.Context, collection, key string) (Document, bool, error) {
	var data string
	var rev int64
	err := s.db.QueryRowContext(ctx,
		`SELECT data, rev FROM documents WHERE collection = ? AND key = ?`,
		collection, key).Scan(&data, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	return Document{Key: key, Data: json.RawMessage(data), Rev: rev}, true, nil
}

func (s *SQLiteStore) ConditionalSet(ctx context.Context, collection, key string, data json.RawMessage, expectedRev int64) error {
	if expectedRev == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO documents (collection, key, data, rev) VALUES (?, ?, ?, 1)`,
			collection, key, string(data))
		if err != nil {
			// A duplicate primary key means the document already exists.
			return ErrRevisionMismatch
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET data = ?, rev = rev + 1 WHERE collection = ? AND key = ? AND rev = ?`,
		string(data), collection, key, expectedRev)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRevisionMismatch
	}
	return nil
}

func (s *SQLiteStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	t := &sqliteTx{ctx: ctx, tx: dbTx}
	if err := fn(t); err != nil {
		_ = dbTx.Rollback()
		return err
	}
	return dbTx.Commit()
}

func (s *SQLiteStore) List(ctx context.Context, collection string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, data, rev FROM documents WHERE collection = ? ORDER BY key`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) Get(collection, key string) (Document, bool, error) {
	var data string
	var rev int64
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT data, rev FROM documents WHERE collection = ? AND key = ?`,
		collection, key).Scan(&data, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	return Document{Key: key, Data: json.RawMessage(data), Rev: rev}, true, nil
}

func (t *sqliteTx) Put(collection, key string, data json.RawMessage) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO documents (collection, key, data, rev) VALUES (?, ?, ?, 1)
		ON CONFLICT (collection, key) DO UPDATE SET data = excluded.data, rev = rev + 1`,
		collection, key, string(data))
	return err
}

func (t *sqliteTx) Delete(collection, key string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM documents WHERE collection = ? AND key = ?`, collection, key)
	return err
}

func (t *sqliteTx) List(collection string) ([]Document, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT key, data, rev FROM documents WHERE collection = ? ORDER BY key`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func scanDocuments(rows *sql.Rows) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		var key, data string
		var rev int64
		if err := rows.Scan(&key, &data, &rev); err != nil {
			return nil, err
		}
		docs = append(docs, Document{Key: key, Data: json.RawMessage(data), Rev: rev})
	}
	return docs, rows.Err()
}
