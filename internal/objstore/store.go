// Package objstore is a thin façade over a Git object database: refs,
// objects, tree walks, and atomic multi-ref transactions. It is the single
// system of record for the monorepo; every other component reaches the
// on-disk Git state only through this package.
package objstore

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/alecthomas/errors"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/radicle-link/linkd/internal/refs"
)

// Store wraps a bare Git repository at a fixed on-disk path (the
// "monorepo"). Ref transactions on a Store are linearisable: mu serialises
// them against each other, failing closed under concurrent writers.
type Store struct {
	repo *git.Repository
	path string
	mu   sync.Mutex
}

// Open opens (or, if path does not contain a repository yet, initialises) a
// bare monorepo at path.
func Open(path string) (*Store, error) {
	fs := osfs.New(path)
	dotgit := osfs.New(path)
	st := filesystem.NewStorage(dotgit, cache.NewObjectLRUDefault())

	repo, err := git.Open(st, fs)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.Init(st, nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "open monorepo")
	}
	return &Store{repo: repo, path: path}, nil
}

// Path is the on-disk location of the monorepo.
func (s *Store) Path() string { return s.path }

// Repository exposes the underlying go-git handle for components (such as
// the pack-protocol driver, C7) that need direct access to object encoding.
func (s *Store) Repository() *git.Repository { return s.repo }

// HasRef reports whether name exists.
func (s *Store) HasRef(name refs.RefString) bool {
	_, err := s.repo.Reference(plumbing.ReferenceName(name), false)
	return err == nil
}

// HasURN reports whether the namespace for urn has an identity document.
func (s *Store) HasURN(urn refs.URN) bool {
	ns := refs.NamespaceOf(urn)
	return s.HasRef(refs.RefString(ns.RadID()))
}

// HasObject reports whether oid exists in the object database.
func (s *Store) HasObject(oid plumbing.Hash) bool {
	_, err := s.repo.Object(plumbing.AnyObject, oid)
	return err == nil
}

// HasTag reports whether oid is reachable via a refs/tags/* ref anywhere
// under the namespace.
func (s *Store) HasTag(urn refs.URN, oid plumbing.Hash) bool {
	ns := refs.NamespaceOf(urn)
	prefix := strings.TrimSuffix(ns.String(), "/") + "/refs/tags/"
	found := false
	iter, err := s.repo.References()
	if err != nil {
		return false
	}
	defer iter.Close()
	_ = iter.ForEach(func(r *plumbing.Reference) error {
		if strings.HasPrefix(r.Name().String(), prefix) && r.Hash() == oid {
			found = true
		}
		return nil
	})
	return found
}

// HasCommit reports whether oid is reachable (by merge-base-style ancestry)
// from any ref under urn's namespace.
func (s *Store) HasCommit(urn refs.URN, oid plumbing.Hash) bool {
	target, err := s.repo.CommitObject(oid)
	if err != nil {
		return false
	}
	ns := refs.NamespaceOf(urn)
	prefix := strings.TrimSuffix(ns.String(), "/") + "/"

	iter, err := s.repo.References()
	if err != nil {
		return false
	}
	defer iter.Close()

	found := false
	_ = iter.ForEach(func(r *plumbing.Reference) error {
		if found || !strings.HasPrefix(r.Name().String(), prefix) {
			return nil
		}
		if r.Hash() == oid {
			found = true
			return nil
		}
		tip, err := s.repo.CommitObject(r.Hash())
		if err != nil {
			return nil //nolint:nilerr // non-commit refs (tags, blobs) are simply skipped
		}
		isAncestor, err := target.IsAncestor(tip)
		if err == nil && isAncestor {
			found = true
		}
		return nil
	})
	return found
}

// Reference resolves name.
func (s *Store) Reference(name refs.RefString) (*plumbing.Reference, error) {
	r, err := s.repo.Reference(plumbing.ReferenceName(name), false)
	if err != nil {
		return nil, errors.Wrapf(err, "reference %s", name)
	}
	return r, nil
}

// ReferenceOid resolves name to its target object id.
func (s *Store) ReferenceOid(name refs.RefString) (plumbing.Hash, error) {
	r, err := s.Reference(name)
	if err != nil {
		return plumbing.ZeroHash, errors.WithStack(err)
	}
	return r.Hash(), nil
}

// References enumerates refs matching a single-wildcard pattern.
func (s *Store) References(pattern refs.Pattern) ([]*plumbing.Reference, error) {
	prefix, suffix, hasStar := cutPattern(string(pattern))
	iter, err := s.repo.References()
	if err != nil {
		return nil, errors.Wrap(err, "list references")
	}
	defer iter.Close()

	var out []*plumbing.Reference
	err = iter.ForEach(func(r *plumbing.Reference) error {
		name := r.Name().String()
		if matchesPattern(name, prefix, suffix, hasStar) {
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "iterate references")
	}
	return out, nil
}

// ReferenceNames is References, projected to names.
func (s *Store) ReferenceNames(pattern refs.Pattern) ([]refs.RefString, error) {
	rs, err := s.References(pattern)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	out := make([]refs.RefString, len(rs))
	for i, r := range rs {
		out[i] = refs.RefString(r.Name().String())
	}
	return out, nil
}

func cutPattern(p string) (prefix, suffix string, hasStar bool) {
	if idx := strings.IndexByte(p, '*'); idx >= 0 {
		return p[:idx], p[idx+1:], true
	}
	return p, "", false
}

func matchesPattern(name, prefix, suffix string, hasStar bool) bool {
	if !hasStar {
		return name == prefix
	}
	return strings.HasPrefix(name, prefix) && strings.HasSuffix(name, suffix)
}

// Blob reads the blob at ref:path.
func (s *Store) Blob(ref refs.RefString, path string) ([]byte, error) {
	r, err := s.Reference(ref)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	commit, err := s.repo.CommitObject(r.Hash())
	if err != nil {
		return nil, errors.Wrapf(err, "resolve commit for %s", ref)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, errors.Wrap(err, "resolve tree")
	}
	entry, err := tree.File(path)
	if err != nil {
		return nil, errors.Wrapf(err, "find %s in tree", path)
	}
	contents, err := entry.Contents()
	if err != nil {
		return nil, errors.Wrap(err, "read blob contents")
	}
	return []byte(contents), nil
}

// ReadBlobOid reads the contents of the blob object at oid directly,
// without going through a ref/tree walk — used for data stored as a bare
// blob ref target (identity/signed-refs doc and sig blobs).
func (s *Store) ReadBlobOid(oid plumbing.Hash) ([]byte, error) {
	blob, err := s.repo.BlobObject(oid)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve blob %s", oid)
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, errors.Wrap(err, "open blob reader")
	}
	defer r.Close()
	data := make([]byte, blob.Size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrap(err, "read blob contents")
	}
	return data, nil
}

// Remotes lists the peers that have a refs/remotes/<peer>/... subtree under
// urn's namespace.
func (s *Store) Remotes(urn refs.URN) ([]refs.PeerId, error) {
	ns := refs.NamespaceOf(urn)
	prefix := strings.TrimSuffix(ns.String(), "/") + "/refs/remotes/"

	iter, err := s.repo.References()
	if err != nil {
		return nil, errors.Wrap(err, "list references")
	}
	defer iter.Close()

	seen := map[string]bool{}
	var out []refs.PeerId
	err = iter.ForEach(func(r *plumbing.Reference) error {
		name := r.Name().String()
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		rest := strings.TrimPrefix(name, prefix)
		peerStr, _, _ := strings.Cut(rest, "/")
		if seen[peerStr] {
			return nil
		}
		peer, err := refs.ParsePeerId(peerStr)
		if err != nil {
			return nil //nolint:nilerr // skip malformed remote names rather than aborting enumeration
		}
		seen[peerStr] = true
		out = append(out, peer)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "iterate references")
	}
	return out, nil
}

// HasRemote reports whether peer has a tracked subtree under urn.
func (s *Store) HasRemote(urn refs.URN, peer refs.PeerId) bool {
	remotes, err := s.Remotes(urn)
	if err != nil {
		return false
	}
	for _, r := range remotes {
		if r.Equal(peer) {
			return true
		}
	}
	return false
}

// CommitObject resolves oid to a commit, for callers (identity engine,
// replication) that need tree access beyond Blob's single-file convenience.
func (s *Store) CommitObject(oid plumbing.Hash) (*object.Commit, error) {
	c, err := s.repo.CommitObject(oid)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve commit %s", oid)
	}
	return c, nil
}

func (s *Store) String() string { return fmt.Sprintf("objstore(%s)", s.path) }
