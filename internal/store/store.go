// Package store is the reference core.PersistenceStore implementation
// (spec §6, §DOMAIN-7): one row per grid key, the full snapshot held as a
// checksummed JSON blob, grounded on the teacher's
// internal/engine/simple.SQLiteStore (WAL mode, SHA-256 checksum,
// INSERT OR REPLACE, serializable isolation).
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"dexgrid/internal/core"

	"github.com/shopspring/decimal"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS grid_snapshots (
	grid_key   TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	checksum   BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);`

// Store is a SQLite-backed core.PersistenceStore.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at dbPath and
// ensures the grid_snapshots table exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("store: enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func checksumOf(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// SaveGridSnapshot persists the full grid state under key, replacing any
// prior snapshot.
func (s *Store) SaveGridSnapshot(ctx context.Context, key string, snap core.GridSnapshot) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	var roundTrip core.GridSnapshot
	if err := json.Unmarshal(data, &roundTrip); err != nil {
		return fmt.Errorf("store: snapshot failed round-trip validation: %w", err)
	}

	checksum := checksumOf(data)
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO grid_snapshots (grid_key, data, checksum, updated_at) VALUES (?, ?, ?, ?)`,
		key, string(data), checksum, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: write snapshot: %w", err)
	}
	return tx.Commit()
}

// LoadGridSnapshot reads back the full snapshot for key. ok is false if no
// snapshot has ever been saved under that key.
func (s *Store) LoadGridSnapshot(ctx context.Context, key string) (snap core.GridSnapshot, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT data, checksum FROM grid_snapshots WHERE grid_key = ?`, key)
	var data string
	var storedChecksum []byte
	if err := row.Scan(&data, &storedChecksum); err != nil {
		if err == sql.ErrNoRows {
			return core.GridSnapshot{}, false, nil
		}
		return core.GridSnapshot{}, false, fmt.Errorf("store: read snapshot: %w", err)
	}

	computed := checksumOf([]byte(data))
	if !bytesEqual(computed, storedChecksum) {
		return core.GridSnapshot{}, false, fmt.Errorf("store: checksum mismatch for key %q: data corruption detected", key)
	}

	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return core.GridSnapshot{}, false, fmt.Errorf("store: unmarshal snapshot: %w", err)
	}
	return snap, true, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// LoadPersistedAssets returns the {assetA,assetB} metadata last saved
// under key, falling back to the zero value when no snapshot exists so
// callers can seed a fresh grid from config instead (spec §6).
func (s *Store) LoadPersistedAssets(ctx context.Context, key string) (core.AssetInfo, core.AssetInfo, error) {
	snap, ok, err := s.LoadGridSnapshot(ctx, key)
	if err != nil {
		return core.AssetInfo{}, core.AssetInfo{}, err
	}
	if !ok {
		return core.AssetInfo{}, core.AssetInfo{}, nil
	}
	return snap.AssetA, snap.AssetB, nil
}

// UpdateCacheFunds rewrites only the cache_funds field of the snapshot
// under key, inside a serializable transaction so concurrent readers
// never observe a torn write.
func (s *Store) UpdateCacheFunds(ctx context.Context, key string, cacheFunds core.BuySell) error {
	return s.mutateSnapshot(ctx, key, func(snap *core.GridSnapshot) {
		snap.CacheFunds = cacheFunds
	})
}

// UpdateBTSFeesOwed rewrites only the bts_fees_owed field of the snapshot
// under key.
func (s *Store) UpdateBTSFeesOwed(ctx context.Context, key string, amount decimal.Decimal) error {
	return s.mutateSnapshot(ctx, key, func(snap *core.GridSnapshot) {
		snap.BTSFeesOwed = amount
	})
}

// mutateSnapshot reads the current snapshot under key inside a
// serializable transaction, applies mutate, and writes the result back
// with a fresh checksum. If no snapshot exists yet, mutate is applied to
// a zero-value GridSnapshot, seeding the row.
func (s *Store) mutateSnapshot(ctx context.Context, key string, mutate func(snap *core.GridSnapshot)) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var snap core.GridSnapshot
	row := tx.QueryRowContext(ctx, `SELECT data, checksum FROM grid_snapshots WHERE grid_key = ?`, key)
	var data string
	var storedChecksum []byte
	switch err := row.Scan(&data, &storedChecksum); err {
	case nil:
		if !bytesEqual(checksumOf([]byte(data)), storedChecksum) {
			return fmt.Errorf("store: checksum mismatch for key %q: data corruption detected", key)
		}
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return fmt.Errorf("store: unmarshal snapshot: %w", err)
		}
	case sql.ErrNoRows:
		// Seed a fresh row for this key.
	default:
		return fmt.Errorf("store: read snapshot: %w", err)
	}

	mutate(&snap)

	newData, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	checksum := checksumOf(newData)
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO grid_snapshots (grid_key, data, checksum, updated_at) VALUES (?, ?, ?, ?)`,
		key, string(newData), checksum, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: write snapshot: %w", err)
	}
	return tx.Commit()
}
