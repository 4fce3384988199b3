package signedrefs

import (
	"crypto/ed25519"

	"github.com/alecthomas/errors"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/radicle-link/linkd/internal/canon"
	"github.com/radicle-link/linkd/internal/objstore"
	"github.com/radicle-link/linkd/internal/refs"
)

// Loaded is a peer's signed-refs manifest together with the commit/blob oid
// it was read at.
type Loaded struct {
	At       plumbing.Hash
	Manifest *Manifest
}

// Load reads peer's signed-refs blob under urn (at
// refs/namespaces/<urn>/refs/remotes/<peer>/rad/signed_refs) and verifies
// its detached signature against the peer's known public key before
// trusting it: the doc and sig blobs are two writes, and a stale sig blob
// is detected here by rejecting the whole load.
func Load(store *objstore.Store, urn refs.URN, peer refs.PeerId) (*Loaded, error) {
	ns := refs.NamespaceOf(urn)
	docRef := refs.RefString(ns.Remote(peer, "rad/signed_refs").String())
	sigRef := refs.RefString(ns.Remote(peer, "rad/signed_refs.sig").String())

	docOid, err := store.ReferenceOid(docRef)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", docRef)
	}
	sigOid, err := store.ReferenceOid(sigRef)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", sigRef)
	}
	return LoadAt(store, peer, docOid, sigOid)
}

// LoadAt is Load against explicit blob oids rather than refs already
// resolved locally — used by replication's plan/verify-local phases, which
// must read a peer's freshly fetched signed-refs manifest before any local
// ref is pointed at it.
func LoadAt(store *objstore.Store, peer refs.PeerId, docOid, sigOid plumbing.Hash) (*Loaded, error) {
	canonical, err := readBlobByOid(store, docOid)
	if err != nil {
		return nil, errors.Wrap(err, "read signed-refs blob")
	}
	sigBytes, err := readBlobByOid(store, sigOid)
	if err != nil {
		return nil, errors.Wrap(err, "read signed-refs signature blob")
	}

	sigs, err := canon.MarshalSignatures(sigBytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse signatures envelope")
	}
	if !verifiedBy(sigs, canonical, peer.PublicKey()) {
		return nil, &BadSignatureError{Peer: peer.String()}
	}

	manifest, err := Parse(canonical)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Loaded{At: docOid, Manifest: manifest}, nil
}

func verifiedBy(sigs canon.Signatures, canonical []byte, pub ed25519.PublicKey) bool {
	valid, err := sigs.VerifyAll(canonical)
	if err != nil {
		return false
	}
	for _, v := range valid {
		if string(v) == string(pub) {
			return true
		}
	}
	return false
}

func readBlobByOid(store *objstore.Store, oid plumbing.Hash) ([]byte, error) {
	return store.ReadBlobOid(oid)
}

// VerifyLocal checks that every ref the manifest claims resolves locally
// under owner's subtree to the stated oid, rejecting the manifest
// otherwise.
func VerifyLocal(store *objstore.Store, urn refs.URN, owner refs.PeerId, m *Manifest) error {
	ns := refs.NamespaceOf(urn)
	for category, names := range m.Refs {
		for name, oidHex := range names {
			full := refs.RefString(ns.Remote(owner, category+"/"+name).String())
			actual, err := store.ReferenceOid(full)
			if err != nil {
				return &InconsistentError{Ref: string(full), Expected: oidHex, Actual: "missing"}
			}
			if actual.String() != oidHex {
				return &InconsistentError{Ref: string(full), Expected: oidHex, Actual: actual.String()}
			}
		}
	}
	return nil
}
