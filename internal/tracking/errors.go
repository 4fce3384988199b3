package tracking

import "fmt"

// NoSuchURNError signals that a tracking entry was requested for a URN with
// no refs/rad/id yet; the "default" entry is exempt.
type NoSuchURNError struct{ URN string }

func (e *NoSuchURNError) Error() string {
	return fmt.Sprintf("tracking: no identity for %s", e.URN)
}

// NotFoundError signals a MustExist policy violation on Track, or a
// MustExist policy violation on Untrack.
type NotFoundError struct{ URN, Peer string }

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tracking: no entry for (%s, %s)", e.URN, e.Peer)
}
