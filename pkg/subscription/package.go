package subscription

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/relves/dyadcast/pkg/dyadic"
	"github.com/relves/dyadcast/pkg/kdf"
)

const (
	// HeaderSize is LE32 deviceID + channel + LE64 start + LE64 end.
	HeaderSize = 4 + 1 + 8 + 8

	// EntrySize is level + LE64 blockStart + key.
	EntrySize = 1 + 8 + kdf.KeySize
)

var (
	ErrMalformedPackage = errors.New("malformed subscription package")
	ErrPackageAuth      = errors.New("subscription package authentication failed")
)

// Seal encodes the subscription for delivery to its device:
//
//	header ‖ nonce(12) ‖ AEAD(deviceKey, entries, aad=header)
//
// The header travels in the clear so a decoder can route the package before
// opening it.
func (s *Subscription) Seal(deviceKey kdf.Key) ([]byte, error) {
	aead, err := chacha20poly1305.New(deviceKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kdf.ErrInvalidKeyLength, err)
	}

	plain := make([]byte, 0, len(s.Entries)*EntrySize)
	for _, e := range s.Entries {
		plain = append(plain, e.Level)
		plain = binary.LittleEndian.AppendUint64(plain, e.BlockStart)
		plain = append(plain, e.Key[:]...)
	}

	header := s.header()
	out := make([]byte, 0, HeaderSize+aead.NonceSize()+len(plain)+aead.Overhead())
	out = append(out, header...)
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, header), nil
}

func (s *Subscription) header() []byte {
	return s.Header().Bytes()
}

// Header returns the cleartext header the subscription seals under.
func (s *Subscription) Header() Header {
	return Header{DeviceID: s.DeviceID, Channel: s.Channel, Start: s.Start, End: s.End}
}

// Header is the cleartext part of a sealed package.
type Header struct {
	DeviceID uint32
	Channel  uint8
	Start    uint64
	End      uint64
}

// Bytes returns the wire form of h.
func (h Header) Bytes() []byte {
	b := make([]byte, 0, HeaderSize)
	b = binary.LittleEndian.AppendUint32(b, h.DeviceID)
	b = append(b, h.Channel)
	b = binary.LittleEndian.AppendUint64(b, h.Start)
	b = binary.LittleEndian.AppendUint64(b, h.End)
	return b
}

// PeekHeader reads the cleartext header without authenticating it.
func PeekHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrMalformedPackage, len(data))
	}
	return Header{
		DeviceID: binary.LittleEndian.Uint32(data[0:4]),
		Channel:  data[4],
		Start:    binary.LittleEndian.Uint64(data[5:13]),
		End:      binary.LittleEndian.Uint64(data[13:21]),
	}, nil
}

// Open authenticates a sealed package with the device key and checks that
// its entries are the canonical covering of the advertised window.
func Open(deviceKey kdf.Key, data []byte) (*Subscription, error) {
	aead, err := chacha20poly1305.New(deviceKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kdf.ErrInvalidKeyLength, err)
	}
	h, err := PeekHeader(data)
	if err != nil {
		return nil, err
	}
	if len(data) < HeaderSize+aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPackage, len(data))
	}

	nonce := data[HeaderSize : HeaderSize+aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, data[HeaderSize+aead.NonceSize():], data[:HeaderSize])
	if err != nil {
		return nil, ErrPackageAuth
	}
	if len(plain)%EntrySize != 0 {
		return nil, fmt.Errorf("%w: %d entry bytes", ErrMalformedPackage, len(plain))
	}

	blocks, err := dyadic.Decompose(h.Start, h.End)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPackage, err)
	}
	if len(plain)/EntrySize != len(blocks) {
		return nil, fmt.Errorf("%w: %d entries for %d blocks", ErrMalformedPackage, len(plain)/EntrySize, len(blocks))
	}

	entries := make([]Entry, len(blocks))
	for i, blk := range blocks {
		rec := plain[i*EntrySize : (i+1)*EntrySize]
		e := Entry{
			Level:      rec[0],
			BlockStart: binary.LittleEndian.Uint64(rec[1:9]),
		}
		if e.Level != blk.Level || e.BlockStart != blk.Start() {
			return nil, fmt.Errorf("%w: entry %d is %s, want %s", ErrMalformedPackage, i, e.Block(), blk)
		}
		copy(e.Key[:], rec[9:])
		entries[i] = e
	}
	clear(plain)

	return &Subscription{
		DeviceID: h.DeviceID,
		Channel:  h.Channel,
		Start:    h.Start,
		End:      h.End,
		Entries:  entries,
	}, nil
}
