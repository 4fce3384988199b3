// Package identity parses, links, and verifies person/project identity
// document histories with quorum rules.
package identity

import (
	"crypto/ed25519"
	"encoding/json"

	"github.com/alecthomas/errors"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/radicle-link/linkd/internal/canon"
	"github.com/radicle-link/linkd/internal/refs"
)

// Kind distinguishes a person identity (always directly delegated) from a
// project identity (which may delegate indirectly, through an embedded
// sub-identity).
type Kind int

const (
	KindPerson Kind = iota
	KindProject
)

// Delegation is either a direct public key or an indirect reference to
// another identity's URN, pinned at a specific revision.
type Delegation struct {
	Key      ed25519.PublicKey // non-nil for a direct delegation
	Indirect *URN              // non-nil for an indirect delegation
}

// URN pins an identity to a URN and a specific content-addressed revision.
type URN struct {
	URN      refs.URN
	Revision plumbing.Hash
}

// Document is one revision of an identity document.
type Document struct {
	Kind        Kind
	Revision    plumbing.Hash // content-id (blob oid) of the canonical bytes
	Replaces    *plumbing.Hash
	Payload     json.RawMessage
	Delegations []Delegation
	Signatures  canon.Signatures
	canonical   []byte
}

// ParseDocument canonicalises raw (a JSON identity document, signatures
// envelope stripped into sig) and binds it to its content-id.
func ParseDocument(raw []byte, sig canon.Signatures, revision plumbing.Hash) (*Document, error) {
	decoded, err := canon.Decode(raw)
	if err != nil {
		return nil, &UnparseableError{Reason: err.Error()}
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, &UnparseableError{Reason: "identity document must be a JSON object"}
	}

	canonical, err := canon.Canonicalise(obj)
	if err != nil {
		return nil, errors.Wrap(err, "canonicalise identity document")
	}

	doc := &Document{
		Revision:   revision,
		Signatures: sig,
		canonical:  canonical,
	}

	if payload, ok := obj["payload"]; ok {
		payloadBytes, err := canon.Canonicalise(payload)
		if err != nil {
			return nil, errors.Wrap(err, "canonicalise payload")
		}
		doc.Payload = payloadBytes
	}

	if replaces, ok := obj["replaces"].(string); ok && replaces != "" {
		h := plumbing.NewHash(replaces)
		doc.Replaces = &h
	}

	delegations, ok := obj["delegations"]
	if !ok {
		return nil, &UnparseableError{Reason: "missing delegations"}
	}
	switch d := delegations.(type) {
	case []any:
		doc.Kind = KindPerson
		for _, entry := range d {
			key, ok := entry.(string)
			if !ok {
				return nil, &UnparseableError{Reason: "direct delegation entries must be strings"}
			}
			pub, err := decodeKey(key)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			doc.Delegations = append(doc.Delegations, Delegation{Key: pub})
		}
	case map[string]any:
		doc.Kind = KindProject
		for key, v := range d {
			if s, ok := v.(string); ok && s == "key" {
				pub, err := decodeKey(key)
				if err != nil {
					return nil, errors.WithStack(err)
				}
				doc.Delegations = append(doc.Delegations, Delegation{Key: pub})
				continue
			}
			urn, err := refs.ParseURN(key)
			if err != nil {
				return nil, errors.Wrap(err, "parse delegation urn")
			}
			revStr, _ := v.(string)
			doc.Delegations = append(doc.Delegations, Delegation{
				Indirect: &URN{URN: urn, Revision: plumbing.NewHash(revStr)},
			})
		}
	default:
		return nil, &UnparseableError{Reason: "delegations must be an array or object"}
	}

	return doc, nil
}

func decodeKey(multibaseKey string) (ed25519.PublicKey, error) {
	peer, err := refs.ParsePeerId(multibaseKey)
	if err != nil {
		return nil, errors.Wrap(err, "decode delegation key")
	}
	return peer.PublicKey(), nil
}

// CanonicalBytes is the exact bytes signatures were computed over.
func (d *Document) CanonicalBytes() []byte { return d.canonical }
