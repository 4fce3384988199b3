package signedrefs

import (
	"github.com/alecthomas/errors"

	"github.com/radicle-link/linkd/internal/canon"
)

// Canonicalise renders the manifest as its canonical-JSON byte form — the
// exact bytes that get signed and stored as the refs/rad/signed_refs blob.
func (m *Manifest) Canonicalise() ([]byte, error) {
	bytes, err := canon.Canonicalise(m.toCanonical())
	if err != nil {
		return nil, errors.Wrap(err, "canonicalise signed-refs manifest")
	}
	return bytes, nil
}

// Parse decodes a canonical-JSON signed-refs document back into a Manifest.
func Parse(raw []byte) (*Manifest, error) {
	decoded, err := canon.Decode(raw)
	if err != nil {
		return nil, &UnparseableError{Reason: err.Error()}
	}
	return manifestFromCanonical(decoded)
}
