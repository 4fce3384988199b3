package gossip

import "github.com/radicle-link/linkd/internal/refs"

// Membership is the partial-view peer sampling service gossip broadcasts
// over. The core depends only on this interface; the actual view
// maintenance (e.g. a SWIM-style or HyParView membership protocol) lives
// outside the replication/serving subsystem.
type Membership interface {
	// Members lists the current partial view, excluding the given peer if
	// non-nil (used to avoid immediately bouncing a message back to its
	// sender).
	Members(exclude *refs.PeerId) []refs.PeerId
	// IsMember reports whether peer is currently in the partial view, i.e.
	// whether an unsolicited message from it should be accepted at all.
	IsMember(peer refs.PeerId) bool
}
