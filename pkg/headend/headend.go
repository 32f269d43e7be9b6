// Package headend issues subscriptions and encodes frames for broadcast.
package headend

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/relves/dyadcast/pkg/frame"
	"github.com/relves/dyadcast/pkg/kdf"
	"github.com/relves/dyadcast/pkg/ledger"
	"github.com/relves/dyadcast/pkg/subscription"
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrNoDevices      = errors.New("no devices given")
)

// Channel is one entry of the head-end's channel table.
type Channel struct {
	ID   uint8  `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

type Config struct {
	Secret kdf.Secret
	Signer *Signer
	Ledger *ledger.Ledger

	// Channels lists the channels frames may be broadcast on. The
	// emergency channel is always added.
	Channels []Channel

	CacheSize int
	// Workers bounds per-device encode concurrency. <= 0 means unbounded.
	Workers int
	Logger  *slog.Logger
}

// Service is the head-end. It holds the only copy of the master secret.
type Service struct {
	secret   kdf.Secret
	signer   *Signer
	ledger   *ledger.Ledger
	encoder  *frame.Encoder
	channels map[uint8]Channel
	workers  int
	logger   *slog.Logger
}

func New(cfg Config) (*Service, error) {
	if len(cfg.Secret) < kdf.MinSecretSize {
		return nil, kdf.ErrSecretTooShort
	}
	if cfg.Signer == nil {
		return nil, errors.New("headend: signer is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("headend: ledger is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enc, err := frame.NewEncoder(frame.EncoderConfig{
		Secret:    cfg.Secret,
		CacheSize: cfg.CacheSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	channels := map[uint8]Channel{
		subscription.EmergencyChannel: {ID: subscription.EmergencyChannel, Name: "emergency"},
	}
	for _, ch := range cfg.Channels {
		if ch.ID == subscription.EmergencyChannel {
			continue
		}
		if _, dup := channels[ch.ID]; dup {
			return nil, fmt.Errorf("headend: channel %d listed twice", ch.ID)
		}
		channels[ch.ID] = ch
	}

	return &Service{
		secret:   cfg.Secret,
		signer:   cfg.Signer,
		ledger:   cfg.Ledger,
		encoder:  enc,
		channels: channels,
		workers:  cfg.Workers,
		logger:   logger,
	}, nil
}

// Channels returns the channel table ordered by ID.
func (s *Service) Channels() []Channel {
	out := make([]Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	slices.SortFunc(out, func(a, b Channel) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (s *Service) Signer() *Signer {
	return s.signer
}

func (s *Service) Head() ledger.Head {
	return s.ledger.Head()
}

// Lookup returns the ledger entry for an issued package CID.
func (s *Service) Lookup(ctx context.Context, cid string) (*Issuance, error) {
	rec, err := s.ledger.Lookup(ctx, cid)
	if err != nil {
		return nil, err
	}
	return &Issuance{
		Header: subscription.Header{DeviceID: rec.DeviceID, Channel: rec.Channel, Start: rec.Start, End: rec.End},
		Blocks: rec.Blocks,
		CID:    rec.CID,
		Index:  rec.Index,
	}, nil
}

func (s *Service) checkChannel(channel uint8) error {
	if _, ok := s.channels[channel]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	return nil
}

// Issuance describes a recorded subscription.
type Issuance struct {
	Header subscription.Header
	Blocks int
	CID    string
	Index  uint64
}

// Issued is a sealed subscription package and its ledger receipt.
type Issued struct {
	Issuance
	Package []byte
	Root    []byte
}

// IssueSubscription builds the subscription for deviceID on channel over
// [start, end], seals it under the device key and records it in the ledger.
func (s *Service) IssueSubscription(ctx context.Context, deviceID uint32, channel uint8, start, end uint64) (*Issued, error) {
	if channel == subscription.EmergencyChannel {
		return nil, fmt.Errorf("%w: %d", subscription.ErrReservedChannel, channel)
	}
	if err := s.checkChannel(channel); err != nil {
		return nil, err
	}

	sub, err := subscription.Build(s.secret, deviceID, channel, start, end)
	if err != nil {
		return nil, err
	}
	deviceKey, err := kdf.DeviceKey(s.secret, deviceID)
	if err != nil {
		return nil, err
	}
	pkg, err := sub.Seal(deviceKey)
	if err != nil {
		return nil, fmt.Errorf("seal subscription: %w", err)
	}

	c, err := ledger.ComputeCID(pkg)
	if err != nil {
		return nil, fmt.Errorf("compute package CID: %w", err)
	}
	index, root, err := s.ledger.Append(ctx, ledger.Record{
		Header: sub.Header(),
		Blocks: len(sub.Entries),
		CID:    c,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("subscription issued",
		"device", deviceID, "channel", channel, "start", start, "end", end,
		"blocks", len(sub.Entries), "cid", c.String(), "index", index)

	return &Issued{
		Issuance: Issuance{
			Header: sub.Header(),
			Blocks: len(sub.Entries),
			CID:    c.String(),
			Index:  index,
		},
		Package: pkg,
		Root:    root,
	}, nil
}

// EncodedPacket is one signed wire packet addressed to a device.
type EncodedPacket struct {
	DeviceID uint32
	CID      string
	Data     []byte
}

// EncodeFrame produces one signed packet per device for the frame
// broadcast on channel at timestamp. Results follow deviceIDs order.
func (s *Service) EncodeFrame(ctx context.Context, channel uint8, timestamp uint64, deviceIDs []uint32, payload []byte) ([]EncodedPacket, error) {
	if err := s.checkChannel(channel); err != nil {
		return nil, err
	}
	if len(deviceIDs) == 0 {
		return nil, ErrNoDevices
	}
	if len(payload) > frame.MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", frame.ErrFrameTooLarge, len(payload))
	}

	jobs := make([]frame.Job, len(deviceIDs))
	for i, id := range deviceIDs {
		jobs[i] = frame.Job{Frame: payload, Channel: channel, Timestamp: timestamp, DeviceID: id}
	}
	frames, err := s.encoder.EncodeBatch(ctx, jobs, s.workers)
	if err != nil {
		return nil, err
	}

	out := make([]EncodedPacket, len(frames))
	g, ctx := errgroup.WithContext(ctx)
	if s.workers > 0 {
		g.SetLimit(s.workers)
	}
	for i := range frames {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p := &frame.Packet{Channel: channel, Timestamp: timestamp, Frame: frames[i]}
			signed, err := p.SignedBytes()
			if err != nil {
				return err
			}
			p.Signature = s.signer.Sign(signed)
			data, err := p.MarshalBinary()
			if err != nil {
				return err
			}
			c, err := ledger.ComputeCID(data)
			if err != nil {
				return fmt.Errorf("compute packet CID: %w", err)
			}
			out[i] = EncodedPacket{DeviceID: deviceIDs[i], CID: c.String(), Data: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.Debug("frame encoded", "channel", channel, "timestamp", timestamp, "devices", len(deviceIDs), "bytes", len(payload))
	return out, nil
}
