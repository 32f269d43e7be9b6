package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/relves/dyadcast/internal/storage"
	"github.com/relves/dyadcast/pkg/dyadic"
	"github.com/relves/dyadcast/pkg/kdf"
	"github.com/relves/dyadcast/pkg/subscription"
)

//go:embed schema_decoder.sql
var decoderSchemaSQL string

var _ storage.KeyStore = (*DecoderStore)(nil)

// DecoderStore holds one decoder's installed subscriptions and decode state.
type DecoderStore struct {
	db       *sql.DB
	deviceID uint32
	dbPath   string
}

// OpenDecoderStore opens (creating if needed) the store for deviceID under
// basePath/decoders/<deviceID>.
func OpenDecoderStore(basePath string, deviceID uint32) (*DecoderStore, error) {
	dir := filepath.Join(basePath, "decoders", strconv.FormatUint(uint64(deviceID), 10))
	db, dbPath, err := openDB(dir, "decoder.db", decoderSchemaSQL)
	if err != nil {
		return nil, err
	}
	return &DecoderStore{db: db, deviceID: deviceID, dbPath: dbPath}, nil
}

func (s *DecoderStore) Close() error {
	return s.db.Close()
}

func (s *DecoderStore) DeviceID() uint32 {
	return s.deviceID
}

func (s *DecoderStore) DBPath() string {
	return s.dbPath
}

// PutSubscription replaces the subscription for sub.Channel in one
// transaction.
func (s *DecoderStore) PutSubscription(ctx context.Context, sub *subscription.Subscription) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM subscription_keys WHERE channel = ?`, sub.Channel); err != nil {
		return fmt.Errorf("delete keys: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO subscriptions (channel, start_ts, end_ts, installed_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(channel) DO UPDATE SET
		   start_ts = excluded.start_ts,
		   end_ts = excluded.end_ts,
		   installed_at = excluded.installed_at`,
		sub.Channel, u64(sub.Start), u64(sub.End), now()); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO subscription_keys (channel, level, block_start, block_last, key)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare key insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range sub.Entries {
		blk := e.Block()
		if _, err := stmt.ExecContext(ctx,
			sub.Channel, e.Level, u64(blk.Start()), u64(blk.Last()), e.Key[:]); err != nil {
			return fmt.Errorf("insert key %s: %w", blk, err)
		}
	}

	return tx.Commit()
}

// Covering returns the key whose block contains t on channel. Blocks of a
// channel are disjoint, so the block with the greatest start at or below t
// is the only candidate.
func (s *DecoderStore) Covering(ctx context.Context, channel uint8, t uint64) (subscription.Entry, error) {
	var (
		level       uint8
		start, last []byte
		key         []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT level, block_start, block_last, key
		 FROM subscription_keys
		 WHERE channel = ? AND block_start <= ?
		 ORDER BY block_start DESC
		 LIMIT 1`,
		channel, u64(t)).Scan(&level, &start, &last, &key)
	if err == sql.ErrNoRows {
		return subscription.Entry{}, ErrNotFound
	}
	if err != nil {
		return subscription.Entry{}, err
	}

	blockStart, err := fromU64(start)
	if err != nil {
		return subscription.Entry{}, err
	}
	blockLast, err := fromU64(last)
	if err != nil {
		return subscription.Entry{}, err
	}
	if t > blockLast || level > dyadic.MaxLevel {
		return subscription.Entry{}, ErrNotFound
	}

	k, err := kdf.KeyFromBytes(key)
	if err != nil {
		return subscription.Entry{}, fmt.Errorf("stored key for block %d/%d: %w", level, blockStart, err)
	}
	return subscription.Entry{Level: level, BlockStart: blockStart, Key: k}, nil
}

// ListSubscriptions returns installed subscriptions ordered by channel.
func (s *DecoderStore) ListSubscriptions(ctx context.Context) ([]storage.SubscriptionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.channel, s.start_ts, s.end_ts, s.installed_at, COUNT(k.level)
		 FROM subscriptions s
		 LEFT JOIN subscription_keys k ON k.channel = s.channel
		 GROUP BY s.channel
		 ORDER BY s.channel`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.SubscriptionInfo
	for rows.Next() {
		var (
			info        storage.SubscriptionInfo
			start, end  []byte
			installedAt string
		)
		if err := rows.Scan(&info.Channel, &start, &end, &installedAt, &info.Blocks); err != nil {
			return nil, err
		}
		if info.Start, err = fromU64(start); err != nil {
			return nil, err
		}
		if info.End, err = fromU64(end); err != nil {
			return nil, err
		}
		info.InstalledAt = parseTime(installedAt)
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *DecoderStore) LastTimestamp(ctx context.Context) (uint64, bool, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT last_timestamp FROM decoder_state WHERE id = 1`).Scan(&b)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	t, err := fromU64(b)
	if err != nil {
		return 0, false, err
	}
	return t, true, nil
}

func (s *DecoderStore) SetLastTimestamp(ctx context.Context, t uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decoder_state (id, last_timestamp, updated_at)
		 VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   last_timestamp = excluded.last_timestamp,
		   updated_at = excluded.updated_at`,
		u64(t), now())
	return err
}
