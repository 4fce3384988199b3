package identity

import (
	"crypto/ed25519"

	"github.com/alecthomas/errors"
	"github.com/multiformats/go-multibase"

	"github.com/radicle-link/linkd/internal/canon"
)

// Loader resolves an indirect delegation's embedded identity document,
// through the object store rather than an in-memory cycle.
type Loader interface {
	LoadDocument(u URN) (*Document, error)
}

// QuorumThreshold is ⌊n/2⌋+1 of n delegations.
func QuorumThreshold(n int) int { return n/2 + 1 }

func keyString(k ed25519.PublicKey) string {
	s, _ := multibase.Encode(multibase.Base32z, k)
	return s
}

func signedBy(doc *Document, key ed25519.PublicKey) bool {
	sig, ok := doc.Signatures[keyString(key)]
	if !ok {
		return false
	}
	return canon.Verify(doc.CanonicalBytes(), sig, key)
}

// VerifyRevision verifies a single document in isolation: every signature
// checks out, and the eligible signer count meets the document's own
// quorum threshold. Returns the eligible signing keys.
func VerifyRevision(doc *Document, loader Loader) ([]ed25519.PublicKey, error) {
	return verifyRevisionAgainst(doc, doc, loader)
}

// VerifyAgainst checks doc's signatures against a (possibly different)
// delegation set — used for parent-quorum checks, where signatures on a
// newer revision must also satisfy quorum under the older revision's
// delegations.
func VerifyAgainst(doc, delegationsFrom *Document, loader Loader) ([]ed25519.PublicKey, error) {
	return verifyRevisionAgainst(doc, delegationsFrom, loader)
}

func verifyRevisionAgainst(doc, delegationsFrom *Document, loader Loader) ([]ed25519.PublicKey, error) {
	n := len(delegationsFrom.Delegations)
	need := QuorumThreshold(n)

	var eligible []ed25519.PublicKey
	for _, d := range delegationsFrom.Delegations {
		switch {
		case d.Key != nil:
			if signedBy(doc, d.Key) {
				eligible = append(eligible, d.Key)
			}
		case d.Indirect != nil:
			key, err := eligibleIndirectSigner(doc, *d.Indirect, loader)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			if key != nil {
				eligible = append(eligible, key)
			}
		}
	}

	if len(eligible) < need {
		return nil, &QuorumNotMetError{
			Revision: delegationsFrom.Revision.String(),
			Eligible: len(eligible),
			Needed:   need,
		}
	}
	return eligible, nil
}

// eligibleIndirectSigner resolves an embedded sub-identity, verifies it
// satisfies its own quorum, then returns the first of its delegation keys
// (in declaration order) that also signed doc — at most one key per
// sub-identity, preventing double-voting.
func eligibleIndirectSigner(doc *Document, ref URN, loader Loader) (ed25519.PublicKey, error) {
	sub, err := loader.LoadDocument(ref)
	if err != nil {
		return nil, &UnknownDelegateError{Revision: doc.Revision.String(), Delegate: ref.URN.String()}
	}
	if _, err := VerifyRevision(sub, loader); err != nil {
		return nil, errors.WithStack(err)
	}
	for _, sd := range sub.Delegations {
		if sd.Key != nil && signedBy(doc, sd.Key) {
			return sd.Key, nil
		}
	}
	return nil, nil
}
