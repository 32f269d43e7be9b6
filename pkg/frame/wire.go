package frame

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/relves/dyadcast/pkg/dyadic"
)

const (
	// MaxFrameSize is the largest frame a Packet can carry.
	MaxFrameSize = math.MaxUint16

	// PacketHeaderSize is channel + LE64 timestamp + LE16 frame length.
	PacketHeaderSize = 1 + 8 + 2

	// SignatureSize is the size of the trailing packet signature.
	SignatureSize = ed25519.SignatureSize
)

var (
	ErrMalformed     = errors.New("malformed frame packet")
	ErrFrameTooLarge = errors.New("frame too large")
)

// MarshalBinary concatenates the slots in level order. All slots must carry
// the same frame length.
func (ef *EncodedFrame) MarshalBinary() ([]byte, error) {
	n := len(ef[0])
	out := make([]byte, 0, n*len(ef))
	for level, slot := range ef {
		if len(slot) != n || n < SlotOverhead {
			return nil, fmt.Errorf("%w: slot %d has %d bytes, want %d", ErrMalformed, level, len(slot), n)
		}
		out = append(out, slot...)
	}
	return out, nil
}

// ParseEncodedFrame splits data into 64 slots of a frameLen-byte frame.
// The slots alias data.
func ParseEncodedFrame(data []byte, frameLen int) (EncodedFrame, error) {
	var ef EncodedFrame
	slotLen := frameLen + SlotOverhead
	if frameLen < 0 || len(data) != slotLen*dyadic.NumLevels {
		return ef, fmt.Errorf("%w: %d bytes for frame length %d", ErrMalformed, len(data), frameLen)
	}
	for level := range ef {
		off := level * slotLen
		ef[level] = Slot(data[off : off+slotLen : off+slotLen])
	}
	return ef, nil
}

// Packet is an encoded frame as broadcast to one decoder.
//
// Wire layout:
//
//	channel(1) ‖ timestamp(LE64) ‖ frameLen(LE16) ‖ 64 slots ‖ signature(64)
//
// The signature covers everything before it.
type Packet struct {
	Channel   uint8
	Timestamp uint64
	Frame     EncodedFrame
	Signature []byte
}

// SignedBytes returns the portion of the wire encoding covered by the
// signature.
func (p *Packet) SignedBytes() ([]byte, error) {
	frameLen := p.Frame[0].PlaintextLen()
	if frameLen > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, frameLen)
	}
	body, err := p.Frame.MarshalBinary()
	if err != nil {
		return nil, err
	}

	out := make([]byte, PacketHeaderSize, PacketHeaderSize+len(body)+SignatureSize)
	out[0] = p.Channel
	binary.LittleEndian.PutUint64(out[1:9], p.Timestamp)
	binary.LittleEndian.PutUint16(out[9:11], uint16(frameLen))
	return append(out, body...), nil
}

// MarshalBinary returns the full wire encoding.
func (p *Packet) MarshalBinary() ([]byte, error) {
	if len(p.Signature) != SignatureSize {
		return nil, fmt.Errorf("%w: signature has %d bytes", ErrMalformed, len(p.Signature))
	}
	out, err := p.SignedBytes()
	if err != nil {
		return nil, err
	}
	return append(out, p.Signature...), nil
}

// ParsePacket decodes a packet. The returned packet aliases data.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < PacketHeaderSize+SignatureSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}
	frameLen := int(binary.LittleEndian.Uint16(data[9:11]))
	bodyEnd := len(data) - SignatureSize

	ef, err := ParseEncodedFrame(data[PacketHeaderSize:bodyEnd], frameLen)
	if err != nil {
		return nil, err
	}
	return &Packet{
		Channel:   data[0],
		Timestamp: binary.LittleEndian.Uint64(data[1:9]),
		Frame:     ef,
		Signature: data[bodyEnd:],
	}, nil
}

// SignedLen returns the length of the signed prefix of a wire packet.
func SignedLen(data []byte) int {
	if len(data) < SignatureSize {
		return 0
	}
	return len(data) - SignatureSize
}
