package frame

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/relves/dyadcast/pkg/kdf"
)

const (
	NonceSize = chacha20poly1305.NonceSize // 96-bit
	TagSize   = chacha20poly1305.Overhead  // 128-bit

	// SlotOverhead is the number of bytes a slot adds to its plaintext.
	SlotOverhead = NonceSize + TagSize
)

// ErrAuthentication is returned for any slot that fails to open. Wrong key
// and tampered ciphertext are indistinguishable.
var ErrAuthentication = errors.New("frame authentication failed")

// Slot is one authenticated ciphertext: nonce ‖ ciphertext ‖ tag.
type Slot []byte

// Seal encrypts plaintext under key with a fresh random nonce.
func Seal(key kdf.Key, plaintext []byte) (Slot, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kdf.ErrInvalidKeyLength, err)
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// Open authenticates and decrypts a slot.
func Open(key kdf.Key, slot Slot) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kdf.ErrInvalidKeyLength, err)
	}
	if len(slot) < SlotOverhead {
		return nil, ErrAuthentication
	}

	plaintext, err := aead.Open(nil, slot[:NonceSize], slot[NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// PlaintextLen returns the frame length carried by the slot.
func (s Slot) PlaintextLen() int {
	return len(s) - SlotOverhead
}
