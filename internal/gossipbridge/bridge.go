// Package gossipbridge implements gossip.LocalStorage over the replication
// engine: it maps a gossip announcement's payload into a replication call,
// dialing the announcing peer over the transport abstraction and handing
// the resulting session straight to the replication engine.
package gossipbridge

import (
	"context"

	"github.com/radicle-link/linkd/internal/gossip"
	"github.com/radicle-link/linkd/internal/objstore"
	"github.com/radicle-link/linkd/internal/replication"
	"github.com/radicle-link/linkd/internal/tracking"
	"github.com/radicle-link/linkd/internal/transport"
)

// Bridge is the one LocalStorage implementation the daemon wires gossip's
// broadcast engine to. A nil Dialer is valid: every Put that is neither
// stale nor untracked then returns PutError, and the bridge degrades to
// "forward, rate-permitting re-want" rather than panicking.
type Bridge struct {
	store    *objstore.Store
	tracking *tracking.Store
	replicas *replication.Engine
	dialer   transport.Dialer
}

// New builds a Bridge over an already-constructed replication engine and
// tracking store, dialing peers through dialer (nil disables outbound
// replication entirely).
func New(store *objstore.Store, trackingStore *tracking.Store, replicas *replication.Engine, dialer transport.Dialer) *Bridge {
	return &Bridge{store: store, tracking: trackingStore, replicas: replicas, dialer: dialer}
}

var _ gossip.LocalStorage = (*Bridge)(nil)

// Put implements gossip.LocalStorage. An untracked, non-delegate origin's
// announcement is Uninteresting and never dials out.
func (b *Bridge) Put(ctx context.Context, origin gossip.PeerInfo, payload gossip.Payload) (gossip.PutResult, gossip.Payload) {
	if b.store.HasCommit(payload.URN, payload.Rev) {
		return gossip.PutStale, payload
	}

	if !b.tracking.IsTracked(payload.URN, origin.Peer) {
		return gossip.PutUninteresting, payload
	}

	if b.dialer == nil || len(origin.Addrs) == 0 {
		return gossip.PutError, payload
	}

	session, err := b.dialer.Dial(ctx, origin.Peer, origin.Addrs[0])
	if err != nil {
		return gossip.PutError, payload
	}
	defer session.Close() //nolint:errcheck

	report, err := b.replicas.Replicate(ctx, session, payload.URN, origin.Peer, replication.Hints{})
	if err != nil {
		// Authorization/identity/consistency failures as well as transport
		// failures all surface as PutError — not Uninteresting — so the
		// error-triggered Want retransmission path runs regardless of which
		// phase rejected the replicate call.
		return gossip.PutError, payload
	}

	return gossip.PutApplied, gossip.Payload{URN: payload.URN, Rev: report.NewTip}
}

// Ask implements gossip.LocalStorage by checking whether payload's oid is
// already reachable locally.
func (b *Bridge) Ask(_ context.Context, payload gossip.Payload) bool {
	return b.store.HasCommit(payload.URN, payload.Rev)
}
