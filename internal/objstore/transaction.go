package objstore

import (
	"github.com/alecthomas/errors"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/radicle-link/linkd/internal/refs"
)

// Previous constrains what a ref's current value must be for an Update to
// be accepted.
type Previous int

const (
	// Any accepts the update regardless of the ref's current state.
	Any Previous = iota
	// MustNotExist rejects the update if the ref already exists.
	MustNotExist
	// IfExistsMustMatch accepts creation, or an update whose current value
	// equals ExpectedOid.
	IfExistsMustMatch
	// MustExistAndMatch requires the ref to exist and equal ExpectedOid.
	MustExistAndMatch
)

// Update is one write or delete in a ref transaction.
type Update struct {
	Name             refs.RefString
	Target           plumbing.Hash // ignored when Delete is true
	Delete           bool
	ExpectedPrevious Previous
	ExpectedOid      plumbing.Hash // used by IfExistsMustMatch / MustExistAndMatch
}

// Rejection reports why one update in a transaction did not apply.
type Rejection struct {
	Name   refs.RefString
	Reason string
}

// RejectedError is returned when any update in the transaction was
// rejected; a rejection aborts the whole transaction, so either all
// updates commit or none do.
type RejectedError struct {
	Rejections []Rejection
}

func (e *RejectedError) Error() string {
	return errors.Errorf("ref transaction rejected %d update(s)", len(e.Rejections)).Error()
}

// Transact applies updates atomically: all named refs are checked against
// their expected previous state before any write happens; if any check
// fails the whole transaction is rejected with *RejectedError and the
// on-disk state is left untouched.
func (s *Store) Transact(updates []Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rejections []Rejection
	for _, u := range updates {
		current, err := s.repo.Reference(plumbing.ReferenceName(u.Name), false)
		exists := err == nil

		switch u.ExpectedPrevious {
		case MustNotExist:
			if exists {
				rejections = append(rejections, Rejection{Name: u.Name, Reason: "already exists"})
			}
		case IfExistsMustMatch:
			if exists && current.Hash() != u.ExpectedOid {
				rejections = append(rejections, Rejection{Name: u.Name, Reason: "current value does not match"})
			}
		case MustExistAndMatch:
			if !exists {
				rejections = append(rejections, Rejection{Name: u.Name, Reason: "does not exist"})
			} else if current.Hash() != u.ExpectedOid {
				rejections = append(rejections, Rejection{Name: u.Name, Reason: "current value does not match"})
			}
		case Any:
			// no precondition
		}
	}

	if len(rejections) > 0 {
		return &RejectedError{Rejections: rejections}
	}

	for _, u := range updates {
		refName := plumbing.ReferenceName(u.Name)
		if u.Delete {
			if err := s.repo.Storer.RemoveReference(refName); err != nil {
				return errors.Wrapf(err, "delete %s", u.Name)
			}
			continue
		}
		if err := s.repo.Storer.SetReference(plumbing.NewHashReference(refName, u.Target)); err != nil {
			return errors.Wrapf(err, "write %s", u.Name)
		}
	}
	return nil
}

// Prune enumerates and deletes every ref under the subtree belonging to
// (urn, peer) in a single transaction. peer == nil prunes every ref under
// the URN's namespace, refs/remotes/... included.
func (s *Store) Prune(urn refs.URN, peer *refs.PeerId) error {
	ns := refs.NamespaceOf(urn)
	var raw string
	if peer != nil {
		raw = ns.String() + "refs/remotes/" + peer.String() + "/*"
	} else {
		raw = ns.String() + "*"
	}
	pattern, err := refs.ParsePattern(raw)
	if err != nil {
		return errors.WithStack(err)
	}

	matches, err := s.References(pattern)
	if err != nil {
		return errors.Wrap(err, "enumerate subtree")
	}

	updates := make([]Update, len(matches))
	for i, r := range matches {
		updates[i] = Update{
			Name:             refs.RefString(r.Name().String()),
			Delete:           true,
			ExpectedPrevious: MustExistAndMatch,
			ExpectedOid:      r.Hash(),
		}
	}
	return errors.WithStack(s.Transact(updates))
}
