package signedrefs

import (
	"crypto/ed25519"
	"math/rand/v2"
	"time"

	"github.com/alecthomas/errors"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/radicle-link/linkd/internal/canon"
	"github.com/radicle-link/linkd/internal/objstore"
	"github.com/radicle-link/linkd/internal/refs"
)

// MaxContention bounds the number of optimistic-concurrency retries Write
// attempts before giving up with *ContendedError.
const MaxContention = 8

// backoffBase is the starting delay of the exponential backoff used by
// Write's contention retry loop.
const backoffBase = 20 * time.Millisecond

// Write recomputes the local peer's own signed-refs manifest under urn,
// signs it, and writes the doc+sig blob pair to refs/rad/signed_refs(.sig)
// in one ref transaction, so at most one of the pair can ever be stale. On
// a concurrent writer conflict it retries with bounded exponential backoff
// before yielding *ContendedError.
func Write(store *objstore.Store, urn refs.URN, secret ed25519.PrivateKey, remotesCutoff int) (*Manifest, plumbing.Hash, error) {
	ns := refs.NamespaceOf(urn)
	docRef := refs.RefString(ns.RadSignedRefs())
	sigRef := refs.RefString(ns.RadSignedRefsSig())

	for attempt := 0; attempt < MaxContention; attempt++ {
		previous, havePrevious := plumbing.ZeroHash, false
		if oid, err := store.ReferenceOid(docRef); err == nil {
			previous, havePrevious = oid, true
		}

		manifest, err := Compute(store, urn, nil, remotesCutoff)
		if err != nil {
			return nil, plumbing.ZeroHash, errors.Wrap(err, "compute signed-refs manifest")
		}
		canonical, err := manifest.Canonicalise()
		if err != nil {
			return nil, plumbing.ZeroHash, errors.WithStack(err)
		}

		sigs := canon.Signatures{}
		pub := secret.Public().(ed25519.PublicKey) //nolint:forcetypeassert
		if err := sigs.Put(pub, canon.Sign(canonical, secret)); err != nil {
			return nil, plumbing.ZeroHash, errors.Wrap(err, "encode signature")
		}
		sigBytes, err := sigs.Canonicalise()
		if err != nil {
			return nil, plumbing.ZeroHash, errors.Wrap(err, "canonicalise signatures envelope")
		}

		docOid, err := store.WriteBlob(canonical)
		if err != nil {
			return nil, plumbing.ZeroHash, errors.Wrap(err, "write signed-refs blob")
		}
		sigOid, err := store.WriteBlob(sigBytes)
		if err != nil {
			return nil, plumbing.ZeroHash, errors.Wrap(err, "write signed-refs signature blob")
		}

		docPrevious := objstore.MustNotExist
		if havePrevious {
			docPrevious = objstore.MustExistAndMatch
		}
		err = store.Transact([]objstore.Update{
			{Name: docRef, Target: docOid, ExpectedPrevious: docPrevious, ExpectedOid: previous},
			{Name: sigRef, Target: sigOid, ExpectedPrevious: objstore.Any},
		})
		if err == nil {
			return manifest, docOid, nil
		}

		if _, ok := errors.AsType[*objstore.RejectedError](err); !ok {
			return nil, plumbing.ZeroHash, errors.Wrap(err, "commit signed-refs transaction")
		}
		sleepBackoff(attempt)
	}
	return nil, plumbing.ZeroHash, &ContendedError{Attempts: MaxContention}
}

func sleepBackoff(attempt int) {
	delay := backoffBase << attempt
	jitter := time.Duration(rand.Int64N(int64(delay) / 2))
	time.Sleep(delay + jitter)
}
