package canon

import (
	"crypto/ed25519"
	"encoding/json"

	"github.com/alecthomas/errors"
	"github.com/multiformats/go-multibase"
)

// Sign returns the Ed25519 signature of bytes under secret.
func Sign(bytes []byte, secret ed25519.PrivateKey) []byte {
	return ed25519.Sign(secret, bytes)
}

// Verify reports whether sig is a valid Ed25519 signature of bytes under
// public.
func Verify(bytes, sig []byte, public ed25519.PublicKey) bool {
	return ed25519.Verify(public, bytes, sig)
}

// Signatures is a "public-key -> signature" envelope. Both keys are
// serialised as multibase strings; its canonical form is the sorted map
// under the canonical JSON rules.
type Signatures map[string][]byte

// Put records sig as the signature of public, keyed by its multibase
// encoding.
func (s Signatures) Put(public ed25519.PublicKey, sig []byte) error {
	key, err := multibase.Encode(multibase.Base32z, public)
	if err != nil {
		return errors.Wrap(err, "encode public key")
	}
	s[key] = sig
	return nil
}

// Canonicalise renders the envelope as a sorted-map canonical JSON document:
// { "<multibase-pubkey>": "<multibase-sig>", ... }.
func (s Signatures) Canonicalise() ([]byte, error) {
	obj := make(map[string]any, len(s))
	for k, sig := range s {
		encoded, err := multibase.Encode(multibase.Base32z, sig)
		if err != nil {
			return nil, errors.Wrap(err, "encode signature")
		}
		obj[k] = encoded
	}
	return Canonicalise(obj)
}

// VerifyAll verifies every entry in the envelope against bytes, returning
// the set of public keys (raw bytes) whose signature checked out.
func (s Signatures) VerifyAll(bytes []byte) ([]ed25519.PublicKey, error) {
	var valid []ed25519.PublicKey
	for k, sig := range s {
		_, pub, err := multibase.Decode(k)
		if err != nil {
			return nil, errors.Wrap(err, "decode public key")
		}
		if Verify(bytes, sig, pub) {
			valid = append(valid, pub)
		}
	}
	return valid, nil
}

// MarshalSignatures decodes a canonical-JSON signatures envelope (as
// produced by Canonicalise) back into raw key/signature bytes.
func MarshalSignatures(data []byte) (Signatures, error) {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "unmarshal signatures envelope")
	}
	out := make(Signatures, len(raw))
	for k, v := range raw {
		_, sig, err := multibase.Decode(v)
		if err != nil {
			return nil, errors.Wrap(err, "decode signature")
		}
		out[k] = sig
	}
	return out, nil
}
