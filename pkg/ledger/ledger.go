// Package ledger keeps an append-only Merkle log of issued subscriptions.
//
// Leaves are RFC 6962 leaf hashes of the subscription header followed by
// the CID of the sealed package. Keys never enter the log.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/transparency-dev/merkle/compact"
	"github.com/transparency-dev/merkle/rfc6962"

	"github.com/relves/dyadcast/internal/storage"
	"github.com/relves/dyadcast/pkg/subscription"
)

var (
	ErrInvalidCID     = errors.New("invalid CID")
	ErrUnsupportedCID = errors.New("unsupported CID codec")
)

// Record is one subscription issuance to append.
type Record struct {
	Header subscription.Header
	Blocks int
	CID    cid.Cid
}

// LeafData returns the bytes hashed into the record's leaf.
func (r Record) LeafData() []byte {
	return append(r.Header.Bytes(), r.CID.Bytes()...)
}

// Head is the signed-off state of the log.
type Head struct {
	Size uint64
	Root []byte
}

// Ledger appends records to a LedgerStore, maintaining the compact range
// over all leaves. Appends are serialized.
type Ledger struct {
	store  storage.LedgerStore
	rf     *compact.RangeFactory
	logger *slog.Logger

	mu   sync.Mutex
	rng  *compact.Range
	root []byte
}

// Open loads the persisted tree state from store.
func Open(ctx context.Context, store storage.LedgerStore, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		store:  store,
		rf:     &compact.RangeFactory{Hash: rfc6962.DefaultHasher.HashChildren},
		logger: logger,
	}

	state, err := store.GetTreeState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tree state: %w", err)
	}
	l.rng, err = l.rf.NewRange(0, state.Size, state.RangeHashes)
	if err != nil {
		return nil, fmt.Errorf("restore compact range at size %d: %w", state.Size, err)
	}
	l.root, err = l.rootHash()
	if err != nil {
		return nil, err
	}
	if state.Size > 0 && string(l.root) != string(state.Root) {
		return nil, fmt.Errorf("%w: stored root does not match range at size %d", storage.ErrSizeMismatch, state.Size)
	}
	return l, nil
}

func (l *Ledger) rootHash() ([]byte, error) {
	if l.rng.End() == 0 {
		return rfc6962.DefaultHasher.EmptyRoot(), nil
	}
	root, err := l.rng.GetRootHash(nil)
	if err != nil {
		return nil, fmt.Errorf("compute root: %w", err)
	}
	return root, nil
}

// Append adds rec as the next leaf and returns its index and the new root.
func (l *Ledger) Append(ctx context.Context, rec Record) (uint64, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	leaf := rfc6962.DefaultHasher.HashLeaf(rec.LeafData())
	index := l.rng.End()

	// work on a copy so a failed persist leaves l.rng untouched
	hashes := append([][]byte(nil), l.rng.Hashes()...)
	next, err := l.rf.NewRange(0, index, hashes)
	if err != nil {
		return 0, nil, fmt.Errorf("copy compact range: %w", err)
	}
	if err := next.Append(leaf, nil); err != nil {
		return 0, nil, fmt.Errorf("append leaf: %w", err)
	}
	root, err := next.GetRootHash(nil)
	if err != nil {
		return 0, nil, fmt.Errorf("compute root: %w", err)
	}

	err = l.store.AppendIssuance(ctx, storage.IssuanceRecord{
		Index:    index,
		CID:      rec.CID.String(),
		DeviceID: rec.Header.DeviceID,
		Channel:  rec.Header.Channel,
		Start:    rec.Header.Start,
		End:      rec.Header.End,
		Blocks:   rec.Blocks,
		LeafHash: leaf,
		IssuedAt: time.Now().UTC(),
	}, storage.TreeState{
		Size:        next.End(),
		Root:        root,
		RangeHashes: next.Hashes(),
	})
	if err != nil {
		return 0, nil, fmt.Errorf("persist issuance %d: %w", index, err)
	}

	l.rng, l.root = next, root
	l.logger.Debug("ledger append", "index", index, "cid", rec.CID.String(), "size", next.End())
	return index, root, nil
}

// Head returns the current size and root.
func (l *Ledger) Head() Head {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Head{Size: l.rng.End(), Root: append([]byte(nil), l.root...)}
}

// Lookup returns the issuance recorded under the given CID.
func (l *Ledger) Lookup(ctx context.Context, cidStr string) (*storage.IssuanceRecord, error) {
	c, err := ParseCID(cidStr)
	if err != nil {
		return nil, err
	}
	return l.store.GetIssuanceByCID(ctx, c.String())
}
