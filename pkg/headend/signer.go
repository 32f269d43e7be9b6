package headend

import (
	"crypto/ed25519"
	"fmt"

	sha256 "github.com/minio/sha256-simd"
)

// Signer signs broadcast packets with an Ed25519 key.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	name       string
}

// NewSigner wraps privateKey. An empty name defaults to
// "dyadcast-<first 4 pubkey bytes in hex>".
func NewSigner(privateKey ed25519.PrivateKey, name string) (*Signer, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size: got %d, want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	publicKey := privateKey.Public().(ed25519.PublicKey)

	if name == "" {
		name = fmt.Sprintf("dyadcast-%x", publicKey[:4])
	}
	return &Signer{
		privateKey: privateKey,
		publicKey:  publicKey,
		name:       name,
	}, nil
}

func (s *Signer) Name() string {
	return s.name
}

func (s *Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.privateKey, data)
}

// KeyID is SHA256(name + "\n" + 0x01 + pubkey)[:4] as a big-endian uint32,
// the signed-note key hash decoders can use to pick a verifier.
func (s *Signer) KeyID() uint32 {
	encoded := append([]byte{0x01}, s.publicKey...)
	h := sha256.Sum256([]byte(s.name + "\n" + string(encoded)))
	return uint32(h[0])<<24 | uint32(h[1])<<16 | uint32(h[2])<<8 | uint32(h[3])
}

func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.publicKey
}
