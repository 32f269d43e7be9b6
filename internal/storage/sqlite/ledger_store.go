package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"path/filepath"
	"time"

	"github.com/relves/dyadcast/internal/storage"
)

//go:embed schema_ledger.sql
var ledgerSchemaSQL string

var _ storage.LedgerStore = (*LedgerStore)(nil)

// LedgerStore persists issuance records and the Merkle tree state over them.
type LedgerStore struct {
	db     *sql.DB
	dbPath string
}

// OpenLedgerStore opens (creating if needed) basePath/ledger/ledger.db.
func OpenLedgerStore(basePath string) (*LedgerStore, error) {
	db, dbPath, err := openDB(filepath.Join(basePath, "ledger"), "ledger.db", ledgerSchemaSQL)
	if err != nil {
		return nil, err
	}
	return &LedgerStore{db: db, dbPath: dbPath}, nil
}

func (s *LedgerStore) Close() error {
	return s.db.Close()
}

func (s *LedgerStore) DBPath() string {
	return s.dbPath
}

// AppendIssuance writes rec and the tree state after it atomically.
// rec.Index must equal the current tree size.
func (s *LedgerStore) AppendIssuance(ctx context.Context, rec storage.IssuanceRecord, state storage.TreeState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var size uint64
	err = tx.QueryRowContext(ctx, `SELECT size FROM tree_state WHERE id = 1`).Scan(&size)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read tree size: %w", err)
	}
	if rec.Index != size || state.Size != size+1 {
		return fmt.Errorf("%w: append at %d to tree of size %d", storage.ErrSizeMismatch, rec.Index, size)
	}

	issuedAt := rec.IssuedAt.UTC().Format(time.RFC3339)
	if rec.IssuedAt.IsZero() {
		issuedAt = now()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO issuances (idx, cid, device_id, channel, start_ts, end_ts, blocks, leaf_hash, issued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Index, rec.CID, rec.DeviceID, rec.Channel, u64(rec.Start), u64(rec.End),
		rec.Blocks, rec.LeafHash, issuedAt); err != nil {
		return fmt.Errorf("insert issuance: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tree_state (id, size, root, range_hashes)
		 VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   size = excluded.size,
		   root = excluded.root,
		   range_hashes = excluded.range_hashes`,
		state.Size, state.Root, bytes.Join(state.RangeHashes, nil)); err != nil {
		return fmt.Errorf("update tree state: %w", err)
	}

	return tx.Commit()
}

const issuanceColumns = `idx, cid, device_id, channel, start_ts, end_ts, blocks, leaf_hash, issued_at`

func (s *LedgerStore) GetIssuance(ctx context.Context, index uint64) (*storage.IssuanceRecord, error) {
	return scanIssuance(s.db.QueryRowContext(ctx,
		`SELECT `+issuanceColumns+` FROM issuances WHERE idx = ?`, index))
}

func (s *LedgerStore) GetIssuanceByCID(ctx context.Context, cid string) (*storage.IssuanceRecord, error) {
	return scanIssuance(s.db.QueryRowContext(ctx,
		`SELECT `+issuanceColumns+` FROM issuances WHERE cid = ?`, cid))
}

func scanIssuance(row *sql.Row) (*storage.IssuanceRecord, error) {
	var (
		rec        storage.IssuanceRecord
		start, end []byte
		issuedAt   string
	)
	err := row.Scan(&rec.Index, &rec.CID, &rec.DeviceID, &rec.Channel,
		&start, &end, &rec.Blocks, &rec.LeafHash, &issuedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.Start, err = fromU64(start); err != nil {
		return nil, err
	}
	if rec.End, err = fromU64(end); err != nil {
		return nil, err
	}
	rec.IssuedAt = parseTime(issuedAt)
	return &rec, nil
}

// GetTreeState returns the persisted tree state, or the zero state if
// nothing has been issued.
func (s *LedgerStore) GetTreeState(ctx context.Context) (storage.TreeState, error) {
	var (
		state  storage.TreeState
		hashes []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT size, root, range_hashes FROM tree_state WHERE id = 1`).
		Scan(&state.Size, &state.Root, &hashes)
	if err == sql.ErrNoRows {
		return storage.TreeState{}, nil
	}
	if err != nil {
		return storage.TreeState{}, err
	}

	if len(hashes)%storage.HashSize != 0 {
		return storage.TreeState{}, fmt.Errorf("range hashes blob has %d bytes", len(hashes))
	}
	for off := 0; off < len(hashes); off += storage.HashSize {
		state.RangeHashes = append(state.RangeHashes, hashes[off:off+storage.HashSize])
	}
	return state, nil
}
