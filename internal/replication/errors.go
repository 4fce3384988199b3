package replication

import "fmt"

// The errors below are the failure taxonomy of Replicate: Transport,
// Unauthorized, IdentityInvalid, InconsistentSignedRefs, RefTxConflict,
// StorageIo, Contended. Contended alone is retried internally with
// exponential backoff up to a fixed budget; the rest surface to the caller
// as-is.

// TransportError wraps a failure opening a stream or running a
// pack-protocol command against remote.
type TransportError struct {
	Peer   string
	Reason string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("replication: transport error with %s: %s", e.Peer, e.Reason)
}

// UnauthorizedError signals the remote's view of urn is neither a direct
// delegate's nor explicitly tracked.
type UnauthorizedError struct {
	URN  string
	Peer string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("replication: %s is not authorized to serve %s", e.Peer, e.URN)
}

// IdentityInvalidError signals the advertised identity history (or one of
// its indirect delegates) failed verification.
type IdentityInvalidError struct {
	URN    string
	Reason string
}

func (e *IdentityInvalidError) Error() string {
	return fmt.Sprintf("replication: identity for %s invalid: %s", e.URN, e.Reason)
}

// InconsistentSignedRefsError signals a tracked peer's signed-refs manifest
// no longer matches the advertised wire state, or failed to verify locally
// after fetch.
type InconsistentSignedRefsError struct {
	Peer   string
	Reason string
}

func (e *InconsistentSignedRefsError) Error() string {
	return fmt.Sprintf("replication: signed-refs for %s inconsistent: %s", e.Peer, e.Reason)
}

// RefTxConflictError wraps a rejected commit-phase ref transaction.
type RefTxConflictError struct {
	Reason string
}

func (e *RefTxConflictError) Error() string {
	return "replication: ref transaction conflict: " + e.Reason
}

// StorageIoError wraps an object-store I/O failure outside the ref
// transaction proper (blob/commit reads, pack writes).
type StorageIoError struct {
	Reason string
}

func (e *StorageIoError) Error() string {
	return "replication: storage I/O error: " + e.Reason
}
