package replication

import "github.com/go-git/go-git/v5/plumbing"

// Report summarises one Replicate call.
type Report struct {
	// Updated is the number of refs the commit-phase transaction actually
	// wrote (tracked-peer mirrors, delegate mirrors, and the URN's own
	// refs/rad/id).
	Updated int
	// Rejected is the number of planned fetchspecs that were dropped before
	// the fetch phase because the remote's currently advertised tip no
	// longer matched the tracked peer's signed oid (stale plan entries, not
	// transaction failures — the transaction itself is all-or-nothing).
	Rejected int
	// Pruned is the number of tracked-peer subtrees deleted because that
	// peer disappeared from the replicated set.
	Pruned int
	// BytesTransferred is the sum of packfile bytes read across every fetch
	// command issued during this call (peek and plan fetches both count).
	BytesTransferred int64
	// NewTip is the verified tip commit of refs/rad/id after this call.
	NewTip plumbing.Hash
}
