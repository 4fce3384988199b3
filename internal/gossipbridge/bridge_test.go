package gossipbridge_test

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/radicle-link/linkd/internal/gossip"
	"github.com/radicle-link/linkd/internal/gossipbridge"
	"github.com/radicle-link/linkd/internal/objstore"
	"github.com/radicle-link/linkd/internal/refs"
	"github.com/radicle-link/linkd/internal/replication"
	"github.com/radicle-link/linkd/internal/tracking"
)

type fixture struct {
	store    *objstore.Store
	tracking *tracking.Store
	bridge   *gossipbridge.Bridge
	urn      refs.URN
	origin   refs.PeerId
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store, err := objstore.Open(t.TempDir())
	assert.NoError(t, err)

	trackingStore := tracking.New(store)

	pub, secret, err := ed25519.GenerateKey(nil)
	assert.NoError(t, err)
	self, err := refs.NewPeerId(pub)
	assert.NoError(t, err)

	otherPub, _, err := ed25519.GenerateKey(nil)
	assert.NoError(t, err)
	origin, err := refs.NewPeerId(otherPub)
	assert.NoError(t, err)

	id, err := refs.NewURNID([]byte("gossipbridge-fixture"))
	assert.NoError(t, err)
	urn := refs.URN{ID: id, Proto: refs.ProtoGit}

	repl := replication.New(store, self, secret)
	bridge := gossipbridge.New(store, trackingStore, repl, nil)

	return fixture{store: store, tracking: trackingStore, bridge: bridge, urn: urn, origin: origin}
}

func TestPutUninterestingWhenNotTracked(t *testing.T) {
	f := newFixture(t)

	result, _ := f.bridge.Put(context.Background(), gossip.PeerInfo{Peer: f.origin}, gossip.Payload{URN: f.urn})
	assert.Equal(t, gossip.PutUninteresting, result)
}

func TestPutErrorsWithoutADialer(t *testing.T) {
	f := newFixture(t)

	_, err := f.tracking.Track(f.urn, nil, tracking.Config{Data: true}, tracking.Any)
	assert.NoError(t, err)

	result, _ := f.bridge.Put(context.Background(), gossip.PeerInfo{Peer: f.origin, Addrs: []string{"peer.example:1"}}, gossip.Payload{URN: f.urn})
	assert.Equal(t, gossip.PutError, result)
}

func TestAskReflectsLocalReachability(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.bridge.Ask(context.Background(), gossip.Payload{URN: f.urn}))
}
