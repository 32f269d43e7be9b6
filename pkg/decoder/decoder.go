// Package decoder is a reference receiver: it installs subscription
// packages into a key store and decrypts broadcast packets with them.
package decoder

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/relves/dyadcast/internal/storage"
	"github.com/relves/dyadcast/pkg/dyadic"
	"github.com/relves/dyadcast/pkg/frame"
	"github.com/relves/dyadcast/pkg/kdf"
	"github.com/relves/dyadcast/pkg/subscription"
)

// EmergencyChannel is always subscribed and cannot be replaced by a
// subscription package.
const EmergencyChannel = subscription.EmergencyChannel

// DefaultCacheSize is the number of block keys kept in memory.
const DefaultCacheSize = 1024

var (
	ErrWrongDevice     = errors.New("subscription is for another device")
	ErrReservedChannel = subscription.ErrReservedChannel
	ErrBadSignature    = errors.New("packet signature invalid")
	ErrStaleFrame      = errors.New("frame timestamp not after last decoded frame")
)

type Config struct {
	DeviceID  uint32
	DeviceKey kdf.Key
	Store     storage.KeyStore

	// Verifier checks packet signatures. Nil skips verification.
	Verifier ed25519.PublicKey

	CacheSize int
	Logger    *slog.Logger
}

type cacheKey struct {
	channel    uint8
	level      uint8
	blockStart uint64
}

// Decoder is safe for concurrent use. Decodes are serialized so the
// timestamp check and update happen atomically.
type Decoder struct {
	deviceID  uint32
	deviceKey kdf.Key
	store     storage.KeyStore
	verifier  ed25519.PublicKey
	keys      *lru.Cache[cacheKey, kdf.Key]
	logger    *slog.Logger

	mu sync.Mutex
}

func New(cfg Config) (*Decoder, error) {
	if cfg.Store == nil {
		return nil, errors.New("decoder: store is required")
	}
	if cfg.Verifier != nil && len(cfg.Verifier) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decoder: verifier key has %d bytes", len(cfg.Verifier))
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	keys, err := lru.New[cacheKey, kdf.Key](size)
	if err != nil {
		return nil, fmt.Errorf("create key cache: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Decoder{
		deviceID:  cfg.DeviceID,
		deviceKey: cfg.DeviceKey,
		store:     cfg.Store,
		verifier:  cfg.Verifier,
		keys:      keys,
		logger:    logger.With("device", cfg.DeviceID),
	}, nil
}

func (d *Decoder) DeviceID() uint32 {
	return d.deviceID
}

// Provision installs the emergency channel subscription over the whole
// time axis. It is done once at build time in place of a package.
func (d *Decoder) Provision(ctx context.Context, secret kdf.Secret) error {
	sub, err := subscription.Build(secret, d.deviceID, EmergencyChannel, 0, math.MaxUint64)
	if err != nil {
		return err
	}
	if err := d.install(ctx, sub); err != nil {
		return err
	}
	d.logger.Info("provisioned emergency channel", "blocks", len(sub.Entries))
	return nil
}

// Subscribe installs a sealed subscription package, replacing any
// existing subscription on its channel.
func (d *Decoder) Subscribe(ctx context.Context, pkg []byte) (*subscription.Header, error) {
	h, err := subscription.PeekHeader(pkg)
	if err != nil {
		return nil, err
	}
	if h.DeviceID != d.deviceID {
		return nil, fmt.Errorf("%w: package for %d", ErrWrongDevice, h.DeviceID)
	}
	if h.Channel == EmergencyChannel {
		return nil, fmt.Errorf("%w: %d", ErrReservedChannel, h.Channel)
	}

	sub, err := subscription.Open(d.deviceKey, pkg)
	if err != nil {
		return nil, err
	}
	if err := d.install(ctx, sub); err != nil {
		return nil, err
	}

	d.logger.Info("subscription installed",
		"channel", h.Channel, "start", h.Start, "end", h.End, "blocks", len(sub.Entries))
	return &h, nil
}

func (d *Decoder) install(ctx context.Context, sub *subscription.Subscription) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.store.PutSubscription(ctx, sub); err != nil {
		return fmt.Errorf("store subscription: %w", err)
	}
	// keys of the replaced window may still be cached
	d.keys.Purge()
	return nil
}

// ChannelInfo describes one active subscription.
type ChannelInfo struct {
	Channel uint8  `json:"channel"`
	Start   uint64 `json:"start"`
	End     uint64 `json:"end"`
}

// List returns the installed subscriptions, excluding the emergency
// channel.
func (d *Decoder) List(ctx context.Context) ([]ChannelInfo, error) {
	subs, err := d.store.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ChannelInfo, 0, len(subs))
	for _, s := range subs {
		if s.Channel == EmergencyChannel {
			continue
		}
		out = append(out, ChannelInfo{Channel: s.Channel, Start: s.Start, End: s.End})
	}
	return out, nil
}

// Decode verifies and decrypts one wire packet.
func (d *Decoder) Decode(ctx context.Context, data []byte) ([]byte, error) {
	p, err := frame.ParsePacket(data)
	if err != nil {
		return nil, err
	}
	if d.verifier != nil && !ed25519.Verify(d.verifier, data[:frame.SignedLen(data)], p.Signature) {
		return nil, ErrBadSignature
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	last, ok, err := d.store.LastTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("read last timestamp: %w", err)
	}
	if ok && p.Timestamp <= last {
		return nil, fmt.Errorf("%w: %d <= %d", ErrStaleFrame, p.Timestamp, last)
	}

	level, key, err := d.keyFor(ctx, p.Channel, p.Timestamp)
	if err != nil {
		if errors.Is(err, subscription.ErrLookupMiss) {
			d.logger.Debug("no subscription for frame", "channel", p.Channel, "timestamp", p.Timestamp)
		}
		return nil, err
	}

	plain, err := p.Frame.Decrypt(level, key)
	if err != nil {
		d.logger.Warn("frame failed authentication", "channel", p.Channel, "timestamp", p.Timestamp, "level", level)
		return nil, err
	}

	if err := d.store.SetLastTimestamp(ctx, p.Timestamp); err != nil {
		return nil, fmt.Errorf("store last timestamp: %w", err)
	}
	return plain, nil
}

// keyFor finds the block key covering t, checking cached blocks at every
// level before going to the store.
func (d *Decoder) keyFor(ctx context.Context, channel uint8, t uint64) (uint8, kdf.Key, error) {
	for level := range dyadic.NumLevels {
		l := uint8(level)
		if k, ok := d.keys.Get(cacheKey{channel: channel, level: l, blockStart: dyadic.BlockStart(t, l)}); ok {
			return l, k, nil
		}
	}

	e, err := d.store.Covering(ctx, channel, t)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, kdf.Key{}, fmt.Errorf("%w: channel %d at %d", subscription.ErrLookupMiss, channel, t)
	}
	if err != nil {
		return 0, kdf.Key{}, fmt.Errorf("lookup key: %w", err)
	}

	d.keys.Add(cacheKey{channel: channel, level: e.Level, blockStart: e.BlockStart}, e.Key)
	return e.Level, e.Key, nil
}
