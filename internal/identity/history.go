package identity

import (
	"io"

	"github.com/alecthomas/errors"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/radicle-link/linkd/internal/canon"
	"github.com/radicle-link/linkd/internal/objstore"
	"github.com/radicle-link/linkd/internal/refs"
)

// docPath and sigPath are the tree paths an identity document and its
// detached signatures envelope are stored at within each refs/rad/id
// commit, the same blob/sig side-by-side convention signed-refs uses.
const (
	docPath = "id"
	sigPath = "id.sig"
)

// Engine verifies identity-document histories against the monorepo.
type Engine struct {
	store *objstore.Store
	cache *VerificationCache
}

// New builds an identity Engine over store.
func New(store *objstore.Store) *Engine { return &Engine{store: store} }

// WithVerificationCache attaches a memoisation cache: VerifyHistoryAt skips
// re-walking a tip it has already verified successfully. Returns e for
// chaining at construction time.
func (e *Engine) WithVerificationCache(cache *VerificationCache) *Engine {
	e.cache = cache
	return e
}

var _ Loader = (*Engine)(nil)

// LoadDocument implements Loader by reading the document blob pinned at a
// specific commit within the referenced URN's history.
func (e *Engine) LoadDocument(ref URN) (*Document, error) {
	commit, err := e.store.CommitObject(ref.Revision)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve identity commit %s", ref.Revision)
	}
	return documentFromCommit(commit)
}

func documentFromCommit(commit *object.Commit) (*Document, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, errors.Wrap(err, "resolve identity tree")
	}

	docEntry, err := tree.File(docPath)
	if err != nil {
		return nil, &UnparseableError{Reason: "missing " + docPath + " blob"}
	}
	raw, err := readBlob(docEntry)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var sig canon.Signatures
	if sigEntry, err := tree.File(sigPath); err == nil {
		sigBytes, err := readBlob(sigEntry)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		sig, err = canon.MarshalSignatures(sigBytes)
		if err != nil {
			return nil, errors.Wrap(err, "parse signatures envelope")
		}
	}

	return ParseDocument(raw, sig, docEntry.Hash)
}

func readBlob(f *object.File) ([]byte, error) {
	r, err := f.Reader()
	if err != nil {
		return nil, errors.Wrap(err, "open blob reader")
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read blob")
	}
	return data, nil
}

// VerifyHistory walks refs/rad/id for urn from its tip to the root over
// first-parent commits, verifying each revision in isolation and each
// consecutive pair under parent-quorum, and returns the verified tip
// document.
func (e *Engine) VerifyHistory(urn refs.URN) (*Document, error) {
	ns := refs.NamespaceOf(urn)
	tipRef, err := e.store.Reference(refs.RefString(ns.RadID()))
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", ns.RadID())
	}
	return e.VerifyHistoryAt(tipRef.Hash())
}

// VerifyHistoryAt is VerifyHistory starting from an explicit tip commit
// rather than a local ref — used by replication's identify phase, which
// must verify a remote's advertised identity history before any local ref
// is updated to point at it.
func (e *Engine) VerifyHistoryAt(tip plumbing.Hash) (*Document, error) {
	commit, err := e.store.CommitObject(tip)
	if err != nil {
		return nil, errors.Wrap(err, "resolve tip commit")
	}

	if e.cache != nil && e.cache.seen(tip) {
		return documentFromCommit(commit)
	}

	var chain []*object.Commit
	for {
		chain = append(chain, commit)
		if commit.NumParents() == 0 {
			break
		}
		parent, err := commit.Parent(0)
		if err != nil {
			return nil, errors.Wrap(err, "walk first-parent history")
		}
		commit = parent
	}

	// chain is tip-to-root; reverse to verify root first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	docs := make([]*Document, len(chain))
	for i, c := range chain {
		doc, err := documentFromCommit(c)
		if err != nil {
			return nil, errors.Wrapf(err, "parse revision at commit %s", c.Hash)
		}
		docs[i] = doc
	}

	root := docs[0]
	if _, err := VerifyRevision(root, e); err != nil {
		return nil, &NotSignedBySelfError{Revision: root.Revision.String()}
	}

	for i := 1; i < len(docs); i++ {
		older, newer := docs[i-1], docs[i]
		if newer.Replaces == nil || *newer.Replaces != older.Revision {
			return nil, &ForkedError{A: older.Revision.String(), B: newer.Revision.String()}
		}
		if _, err := VerifyRevision(newer, e); err != nil {
			return nil, errors.WithStack(err)
		}
		if _, err := VerifyAgainst(newer, older, e); err != nil {
			return nil, &ParentQuorumNotMetError{Revision: newer.Revision.String(), Parent: older.Revision.String()}
		}
	}

	if e.cache != nil {
		if err := e.cache.remember(tip); err != nil {
			return nil, errors.Wrap(err, "record verified tip")
		}
	}

	return docs[len(docs)-1], nil
}

// ResolveParent loads the Document whose content-id is the given blob hash,
// for walking a replaces-chain one step at a time.
type ResolveParent func(plumbing.Hash) (*Document, error)

// Newer returns the identity whose revision ancestor-contains the other's,
// by walking a's replaces-chain for b's revision and vice versa.
func Newer(a, b *Document, resolveParent ResolveParent) (*Document, error) {
	if a.Kind != b.Kind {
		return nil, &TypeMismatchError{}
	}
	if a.Revision == b.Revision {
		return a, nil
	}
	if reaches(a, b.Revision, resolveParent) {
		return a, nil
	}
	if reaches(b, a.Revision, resolveParent) {
		return b, nil
	}
	return nil, &ForkedError{A: a.Revision.String(), B: b.Revision.String()}
}

func reaches(from *Document, target plumbing.Hash, resolveParent ResolveParent) bool {
	cur := from
	for cur.Replaces != nil {
		if *cur.Replaces == target {
			return true
		}
		parent, err := resolveParent(*cur.Replaces)
		if err != nil {
			return false
		}
		cur = parent
	}
	return false
}
