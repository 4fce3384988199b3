package objstore

import (
	"time"

	"github.com/alecthomas/errors"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// WriteBlob stores data as a loose blob object and returns its oid.
func (s *Store) WriteBlob(data []byte) (plumbing.Hash, error) {
	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "open blob writer")
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, errors.Wrap(err, "write blob")
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "close blob writer")
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "store blob")
	}
	return hash, nil
}

// TreeFile is a single named blob within a tree built by WriteTree.
type TreeFile struct {
	Path string
	Oid  plumbing.Hash
}

// WriteTree builds a single flat tree object from files, sorted by path as
// git requires; identity and signed-refs commits never need nested
// directories.
func (s *Store) WriteTree(files []TreeFile) (plumbing.Hash, error) {
	entries := make([]object.TreeEntry, len(files))
	for i, f := range files {
		entries[i] = object.TreeEntry{
			Name: f.Path,
			Mode: filemode.Regular,
			Hash: f.Oid,
		}
	}
	tree := &object.Tree{Entries: entries}
	obj := s.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "encode tree")
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "store tree")
	}
	return hash, nil
}

// Signature identifies the author/committer of a monorepo-internal commit.
// Monorepo commits are not authored by a human at a point in wall-clock
// time in the usual sense; callers pass the local peer identity and a
// caller-supplied timestamp so writes stay reproducible in tests.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// WriteCommit builds a commit object over tree with parents and returns its
// oid. It does not move any ref; callers compose this with Transact.
func (s *Store) WriteCommit(tree plumbing.Hash, parents []plumbing.Hash, message string, sig Signature) (plumbing.Hash, error) {
	commit := &object.Commit{
		Author:       object.Signature{Name: sig.Name, Email: sig.Email, When: sig.When},
		Committer:    object.Signature{Name: sig.Name, Email: sig.Email, When: sig.When},
		Message:      message,
		TreeHash:     tree,
		ParentHashes: parents,
	}
	obj := s.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "encode commit")
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "store commit")
	}
	return hash, nil
}
