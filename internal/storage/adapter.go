package storage

import (
	"context"
	"errors"
	"time"

	"github.com/relves/dyadcast/pkg/subscription"
)

var (
	// ErrNotFound is returned by store lookups with no matching record.
	ErrNotFound = errors.New("not found")

	// ErrSizeMismatch is returned when a ledger append does not extend the
	// stored tree by exactly one leaf.
	ErrSizeMismatch = errors.New("tree size mismatch")
)

// HashSize is the size of ledger leaf, node and root hashes.
const HashSize = 32

// KeyStore is a decoder's persistent subscription key store.
type KeyStore interface {
	// PutSubscription installs sub, replacing any subscription already
	// held for the same channel.
	PutSubscription(ctx context.Context, sub *subscription.Subscription) error

	// Covering returns the stored entry whose block contains t on channel.
	// Returns ErrNotFound when no block covers t.
	Covering(ctx context.Context, channel uint8, t uint64) (subscription.Entry, error)

	ListSubscriptions(ctx context.Context) ([]SubscriptionInfo, error)

	// Decode high-water mark. ok is false before the first decoded frame.
	LastTimestamp(ctx context.Context) (t uint64, ok bool, err error)
	SetLastTimestamp(ctx context.Context, t uint64) error
}

// SubscriptionInfo describes one installed subscription.
type SubscriptionInfo struct {
	Channel     uint8
	Start       uint64
	End         uint64
	Blocks      int
	InstalledAt time.Time
}

// LedgerStore persists the subscription issuance audit log.
type LedgerStore interface {
	// AppendIssuance stores rec together with the tree state it produced.
	AppendIssuance(ctx context.Context, rec IssuanceRecord, state TreeState) error

	GetIssuance(ctx context.Context, index uint64) (*IssuanceRecord, error)
	GetIssuanceByCID(ctx context.Context, cid string) (*IssuanceRecord, error)

	// GetTreeState returns the zero TreeState for an empty ledger.
	GetTreeState(ctx context.Context) (TreeState, error)
}

// IssuanceRecord is one issued subscription as recorded in the ledger.
// Keys are never recorded.
type IssuanceRecord struct {
	Index    uint64
	CID      string
	DeviceID uint32
	Channel  uint8
	Start    uint64
	End      uint64
	Blocks   int
	LeafHash []byte
	IssuedAt time.Time
}

// TreeState is the Merkle state of the ledger after Size leaves.
// RangeHashes are the compact range roots needed to keep appending.
type TreeState struct {
	Size        uint64
	Root        []byte
	RangeHashes [][]byte
}
