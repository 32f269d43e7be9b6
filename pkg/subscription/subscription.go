// Package subscription turns a time range into the minimal set of block
// keys a decoder needs, and selects the right key for a received frame.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/relves/dyadcast/pkg/dyadic"
	"github.com/relves/dyadcast/pkg/frame"
	"github.com/relves/dyadcast/pkg/kdf"
)

// EmergencyChannel is provisioned into every decoder over the whole time
// axis and is never sold as a subscription.
const EmergencyChannel uint8 = 0

var (
	// ErrLookupMiss means no subscribed block covers the requested instant.
	// This is the normal outcome for unsubscribed content.
	ErrLookupMiss = errors.New("no subscription covers timestamp")

	ErrReservedChannel = errors.New("channel is reserved")
)

// Entry is one block of a subscription and its key.
type Entry struct {
	Level      uint8
	BlockStart uint64
	Key        kdf.Key
}

// Block returns the dyadic block the entry covers.
func (e Entry) Block() dyadic.Block {
	return dyadic.BlockAt(e.BlockStart, e.Level)
}

// Subscription authorizes one device on one channel over [Start, End].
// Entries are ordered by BlockStart and tile [Start, End] exactly.
type Subscription struct {
	DeviceID uint32
	Channel  uint8
	Start    uint64
	End      uint64
	Entries  []Entry
}

// Build derives the keys for the canonical covering of [start, end].
func Build(secret kdf.Secret, deviceID uint32, channel uint8, start, end uint64) (*Subscription, error) {
	blocks, err := dyadic.Decompose(start, end)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, len(blocks))
	for i, blk := range blocks {
		entries[i] = Entry{
			Level:      blk.Level,
			BlockStart: blk.Start(),
			Key:        kdf.DeriveKey(secret, blk.Start(), blk.Level, channel, deviceID),
		}
	}

	return &Subscription{
		DeviceID: deviceID,
		Channel:  channel,
		Start:    start,
		End:      end,
		Entries:  entries,
	}, nil
}

// Covers reports whether t on channel falls inside the subscription window.
func (s *Subscription) Covers(channel uint8, t uint64) bool {
	return s.Channel == channel && s.Start <= t && t <= s.End
}

// KeyFor returns the entry whose block contains t.
func (s *Subscription) KeyFor(channel uint8, t uint64) (Entry, error) {
	if !s.Covers(channel, t) {
		return Entry{}, ErrLookupMiss
	}

	// first entry starting after t, then step back one
	i := sort.Search(len(s.Entries), func(i int) bool {
		return s.Entries[i].BlockStart > t
	})
	if i == 0 {
		return Entry{}, ErrLookupMiss
	}
	e := s.Entries[i-1]
	if !e.Block().Contains(t) {
		return Entry{}, ErrLookupMiss
	}
	return e, nil
}

// Decrypt recovers the frame broadcast at t on channel.
func (s *Subscription) Decrypt(ef *frame.EncodedFrame, channel uint8, t uint64) ([]byte, error) {
	e, err := s.KeyFor(channel, t)
	if err != nil {
		return nil, err
	}
	return ef.Decrypt(e.Level, e.Key)
}

// Request asks for one subscription.
type Request struct {
	DeviceID uint32
	Channel  uint8
	Start    uint64
	End      uint64
}

// BuildBatch builds independent subscriptions on at most workers
// goroutines. Results follow request order.
func BuildBatch(ctx context.Context, secret kdf.Secret, reqs []Request, workers int) ([]*Subscription, error) {
	out := make([]*Subscription, len(reqs))

	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, req := range reqs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sub, err := Build(secret, req.DeviceID, req.Channel, req.Start, req.End)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			out[i] = sub
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
