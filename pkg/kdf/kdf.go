// Package kdf derives the per-block symmetric keys shared by the frame
// encoder and subscription builder.
//
// A key is bound to one (blockStart, level, channel, deviceID) tuple:
//
//	key = SHA-256(secret ‖ LE64(blockStart) ‖ level ‖ channel ‖ LE32(deviceID))
//
// The input layout is fixed; encoder and decoder interoperate only if both
// sides hash byte-identical input.
package kdf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	sha256 "github.com/minio/sha256-simd"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of a derived key in bytes.
	KeySize = 32

	// SecretSize is the size of secrets produced by GenerateSecret.
	SecretSize = 32

	// MinSecretSize is the shortest secret ParseSecret accepts.
	MinSecretSize = 16

	// tupleSize is LE64 blockStart + level + channel + LE32 deviceID.
	tupleSize = 8 + 1 + 1 + 4

	deviceKeyInfo = "dyadcast-device-key-v1"
)

var (
	ErrInvalidKeyLength = errors.New("invalid key length")
	ErrSecretTooShort   = errors.New("secret too short")
)

// Key is a 256-bit derived key.
type Key [KeySize]byte

// KeyFromBytes copies b into a Key. b must be exactly KeySize bytes.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeyLength, len(b), KeySize)
	}
	copy(k[:], b)
	return k, nil
}

// Equal compares two keys in constant time.
func (k Key) Equal(other Key) bool {
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

// LogValue keeps key material out of structured logs.
func (k Key) LogValue() slog.Value {
	return slog.StringValue("[redacted]")
}

// Secret is the deployment-wide root key material.
type Secret []byte

// GenerateSecret returns SecretSize bytes from the system CSPRNG.
func GenerateSecret() (Secret, error) {
	s := make(Secret, SecretSize)
	if _, err := rand.Read(s); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return s, nil
}

// ParseSecret decodes a hex-encoded secret.
func ParseSecret(encoded string) (Secret, error) {
	b, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	if len(b) < MinSecretSize {
		return nil, fmt.Errorf("%w: got %d bytes, want at least %d", ErrSecretTooShort, len(b), MinSecretSize)
	}
	return Secret(b), nil
}

// Zero overwrites the secret in place.
func (s Secret) Zero() {
	clear(s)
}

// LogValue keeps the secret out of structured logs.
func (s Secret) LogValue() slog.Value {
	return slog.StringValue("[redacted]")
}

// DeriveKey returns the key for the level block starting at blockStart on
// the given channel and device. It is a pure function of its inputs.
func DeriveKey(secret Secret, blockStart uint64, level uint8, channel uint8, deviceID uint32) Key {
	var tuple [tupleSize]byte
	binary.LittleEndian.PutUint64(tuple[0:8], blockStart)
	tuple[8] = level
	tuple[9] = channel
	binary.LittleEndian.PutUint32(tuple[10:14], deviceID)

	h := sha256.New()
	h.Write(secret)
	h.Write(tuple[:])

	var k Key
	h.Sum(k[:0])
	return k
}

// DeviceKey derives the transport key a single decoder uses to unwrap its
// subscription packages.
func DeviceKey(secret Secret, deviceID uint32) (Key, error) {
	var info [len(deviceKeyInfo) + 4]byte
	copy(info[:], deviceKeyInfo)
	binary.LittleEndian.PutUint32(info[len(deviceKeyInfo):], deviceID)

	var k Key
	r := hkdf.New(sha256.New, secret, nil, info[:])
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return k, fmt.Errorf("derive device key: %w", err)
	}
	return k, nil
}
