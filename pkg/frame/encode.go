// Package frame protects one plaintext frame at every level of the dyadic
// hierarchy, so that a decoder holding a key for any block containing the
// frame's timestamp can recover it.
package frame

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/relves/dyadcast/pkg/dyadic"
	"github.com/relves/dyadcast/pkg/kdf"
)

// EncodedFrame holds one slot per level, indexed by level.
type EncodedFrame [dyadic.NumLevels]Slot

// Encode seals frame once per level under the key of the level block that
// contains timestamp. The only error is a key-length inconsistency.
func Encode(frame []byte, secret kdf.Secret, channel uint8, timestamp uint64, deviceID uint32) (EncodedFrame, error) {
	return encode(frame, channel, timestamp, deviceID, func(id kdf.KeyID) kdf.Key {
		return kdf.DeriveKey(secret, id.BlockStart, id.Level, id.Channel, id.DeviceID)
	})
}

// Encoder encodes frames with memoized key derivation.
type Encoder struct {
	keys   *kdf.Cache
	logger *slog.Logger
}

// EncoderConfig configures an Encoder.
type EncoderConfig struct {
	Secret    kdf.Secret
	CacheSize int // <= 0 uses kdf.DefaultCacheSize
	Logger    *slog.Logger
}

// NewEncoder creates an Encoder bound to cfg.Secret.
func NewEncoder(cfg EncoderConfig) (*Encoder, error) {
	cache, err := kdf.NewCache(cfg.Secret, cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Encoder{keys: cache, logger: logger}, nil
}

// Encode is the package-level Encode backed by the encoder's key cache.
func (e *Encoder) Encode(frame []byte, channel uint8, timestamp uint64, deviceID uint32) (EncodedFrame, error) {
	ef, err := encode(frame, channel, timestamp, deviceID, e.keys.Key)
	if err != nil {
		return ef, err
	}
	e.logger.Debug("frame encoded",
		"channel", channel,
		"timestamp", timestamp,
		"deviceID", deviceID,
		"size", len(frame),
		"cachedKeys", e.keys.Len())
	return ef, nil
}

// Job is one frame to encode for one device.
type Job struct {
	Frame     []byte
	Channel   uint8
	Timestamp uint64
	DeviceID  uint32
}

// EncodeBatch encodes independent jobs on at most workers goroutines.
// Results are returned in job order.
func (e *Encoder) EncodeBatch(ctx context.Context, jobs []Job, workers int) ([]EncodedFrame, error) {
	out := make([]EncodedFrame, len(jobs))

	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, job := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ef, err := e.Encode(job.Frame, job.Channel, job.Timestamp, job.DeviceID)
			if err != nil {
				return fmt.Errorf("encode job %d: %w", i, err)
			}
			out[i] = ef
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func encode(frame []byte, channel uint8, timestamp uint64, deviceID uint32, keyFor func(kdf.KeyID) kdf.Key) (EncodedFrame, error) {
	var ef EncodedFrame

	// Levels are independent; each goroutine writes only its own slot.
	var g errgroup.Group
	for level := range dyadic.NumLevels {
		g.Go(func() error {
			key := keyFor(kdf.KeyID{
				BlockStart: dyadic.BlockStart(timestamp, uint8(level)),
				Level:      uint8(level),
				Channel:    channel,
				DeviceID:   deviceID,
			})
			slot, err := Seal(key, frame)
			if err != nil {
				return fmt.Errorf("level %d: %w", level, err)
			}
			ef[level] = slot
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return EncodedFrame{}, err
	}
	return ef, nil
}

// Decrypt opens the slot at level with key.
func (ef *EncodedFrame) Decrypt(level uint8, key kdf.Key) ([]byte, error) {
	if int(level) >= len(ef) {
		return nil, fmt.Errorf("level %d out of range", level)
	}
	return Open(key, ef[level])
}
