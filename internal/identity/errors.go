package identity

import "fmt"

// Verification failures are distinct types so callers discriminate with
// errors.AsType[T] rather than string matching.

type NotSignedBySelfError struct{ Revision string }

func (e *NotSignedBySelfError) Error() string {
	return fmt.Sprintf("identity %s: root revision not signed by its own quorum", e.Revision)
}

type QuorumNotMetError struct {
	Revision string
	Eligible int
	Needed   int
}

func (e *QuorumNotMetError) Error() string {
	return fmt.Sprintf("identity %s: quorum not met (%d of %d required)", e.Revision, e.Eligible, e.Needed)
}

type ParentQuorumNotMetError struct{ Revision, Parent string }

func (e *ParentQuorumNotMetError) Error() string {
	return fmt.Sprintf("identity %s: does not satisfy parent %s's quorum", e.Revision, e.Parent)
}

type DoubleVoteError struct{ Revision, Delegate string }

func (e *DoubleVoteError) Error() string {
	return fmt.Sprintf("identity %s: delegate %s voted twice", e.Revision, e.Delegate)
}

type UnknownDelegateError struct{ Revision, Delegate string }

func (e *UnknownDelegateError) Error() string {
	return fmt.Sprintf("identity %s: unknown delegate %s", e.Revision, e.Delegate)
}

type HashMismatchError struct{ Expected, Actual string }

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("identity: content-id mismatch (expected %s, got %s)", e.Expected, e.Actual)
}

type BadSignatureError struct{ Revision, Key string }

func (e *BadSignatureError) Error() string {
	return fmt.Sprintf("identity %s: bad signature from %s", e.Revision, e.Key)
}

type UnparseableError struct{ Reason string }

func (e *UnparseableError) Error() string { return "identity: unparseable: " + e.Reason }

// ForkedError signals that two identity revisions are unrelated: neither's
// revision is reachable from the other's replaces-chain.
type ForkedError struct{ A, B string }

func (e *ForkedError) Error() string {
	return fmt.Sprintf("identity: %s and %s have forked", e.A, e.B)
}

// TypeMismatchError signals comparison between a person and a project.
type TypeMismatchError struct{}

func (e *TypeMismatchError) Error() string { return "identity: cannot compare person and project" }
