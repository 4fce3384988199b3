package refs

import (
	"crypto/ed25519"

	"github.com/alecthomas/errors"
	"github.com/multiformats/go-multibase"
)

// PeerId is an Ed25519 public key. Equality and hashing are over the raw 32
// key bytes; canonical text encoding is multibase.
type PeerId struct {
	key ed25519.PublicKey
}

// NewPeerId wraps a 32-byte Ed25519 public key as a PeerId.
func NewPeerId(key ed25519.PublicKey) (PeerId, error) {
	if len(key) != ed25519.PublicKeySize {
		return PeerId{}, &FormatError{Reason: "peer id must be a 32-byte Ed25519 public key"}
	}
	return PeerId{key: key}, nil
}

// Bytes returns the raw 32 key bytes.
func (p PeerId) Bytes() []byte { return p.key }

// PublicKey returns the underlying Ed25519 public key.
func (p PeerId) PublicKey() ed25519.PublicKey { return p.key }

// Equal compares two PeerIds by their raw key bytes.
func (p PeerId) Equal(other PeerId) bool {
	return string(p.key) == string(other.key)
}

// String is the canonical multibase (z-base32) encoding.
func (p PeerId) String() string {
	encoded, err := multibase.Encode(multibase.Base32z, p.key)
	if err != nil {
		return ""
	}
	return encoded
}

// ParsePeerId decodes the canonical multibase form of a PeerId.
func ParsePeerId(s string) (PeerId, error) {
	_, decoded, err := multibase.Decode(s)
	if err != nil {
		return PeerId{}, errors.Wrap(err, "decode multibase peer id")
	}
	return NewPeerId(decoded)
}
