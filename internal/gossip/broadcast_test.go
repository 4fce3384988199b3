package gossip_test

import (
	"context"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/radicle-link/linkd/internal/gossip"
	"github.com/radicle-link/linkd/internal/refs"
)

func mustPeer(t *testing.T, b byte) refs.PeerId {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	peer, err := refs.NewPeerId(key)
	assert.NoError(t, err)
	return peer
}

type fakeMembership struct {
	members []refs.PeerId
}

func (f *fakeMembership) Members(exclude *refs.PeerId) []refs.PeerId {
	var out []refs.PeerId
	for _, m := range f.members {
		if exclude != nil && m.Equal(*exclude) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (f *fakeMembership) IsMember(peer refs.PeerId) bool {
	for _, m := range f.members {
		if m.Equal(peer) {
			return true
		}
	}
	return false
}

type fakeStorage struct {
	putResult gossip.PutResult
	putReturn gossip.Payload
	has       bool
	puts      int
}

func (f *fakeStorage) Put(context.Context, gossip.PeerInfo, gossip.Payload) (gossip.PutResult, gossip.Payload) {
	f.puts++
	return f.putResult, f.putReturn
}

func (f *fakeStorage) Ask(context.Context, gossip.Payload) bool { return f.has }

func testURN(t *testing.T) refs.URN {
	t.Helper()
	id, err := refs.NewURNID([]byte("gossip-test-urn"))
	assert.NoError(t, err)
	return refs.URN{ID: id, Proto: refs.ProtoGit}
}

func TestApplyDedupesSecondReceive(t *testing.T) {
	remote := mustPeer(t, 1)
	self := mustPeer(t, 2)
	membership := &fakeMembership{members: []refs.PeerId{remote, self}}
	storage := &fakeStorage{putResult: gossip.PutApplied, putReturn: gossip.Payload{URN: testURN(t), Rev: plumbing.NewHash("aa")}}
	engine := gossip.NewEngine(membership, storage, func() gossip.PeerInfo { return gossip.PeerInfo{Peer: self} }, gossip.DefaultRateLimits())

	msg := gossip.Have(gossip.PeerInfo{Peer: remote}, gossip.Payload{URN: testURN(t), Rev: plumbing.NewHash("aa")})

	tocks, err := engine.Apply(context.Background(), remote, msg)
	assert.NoError(t, err)
	assert.True(t, len(tocks) > 0)
	assert.Equal(t, 1, storage.puts)

	tocks, err = engine.Apply(context.Background(), remote, msg)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(tocks))
	assert.Equal(t, 1, storage.puts) // not re-applied
}

func TestApplyUnsolicitedFromNonMember(t *testing.T) {
	remote := mustPeer(t, 1)
	self := mustPeer(t, 2)
	membership := &fakeMembership{members: []refs.PeerId{self}}
	storage := &fakeStorage{}
	engine := gossip.NewEngine(membership, storage, func() gossip.PeerInfo { return gossip.PeerInfo{Peer: self} }, gossip.DefaultRateLimits())

	msg := gossip.Have(gossip.PeerInfo{Peer: remote}, gossip.Payload{URN: testURN(t)})
	_, err := engine.Apply(context.Background(), remote, msg)
	assert.Error(t, err)
}

func TestApplyHaveAppliedBroadcastsExcludingSender(t *testing.T) {
	remote := mustPeer(t, 1)
	self := mustPeer(t, 2)
	other := mustPeer(t, 3)
	membership := &fakeMembership{members: []refs.PeerId{remote, self, other}}
	applied := gossip.Payload{URN: testURN(t), Rev: plumbing.NewHash("bb")}
	storage := &fakeStorage{putResult: gossip.PutApplied, putReturn: applied}
	engine := gossip.NewEngine(membership, storage, func() gossip.PeerInfo { return gossip.PeerInfo{Peer: self} }, gossip.DefaultRateLimits())

	msg := gossip.Have(gossip.PeerInfo{Peer: remote}, gossip.Payload{URN: testURN(t)})
	tocks, err := engine.Apply(context.Background(), remote, msg)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(tocks)) // self + other, not remote
	for _, tock := range tocks {
		assert.NotEqual(t, remote.String(), tock.To.String())
	}
}

func TestApplyHaveUninterestingForwardsWithHop(t *testing.T) {
	remote := mustPeer(t, 1)
	self := mustPeer(t, 2)
	other := mustPeer(t, 3)
	membership := &fakeMembership{members: []refs.PeerId{remote, self, other}}
	storage := &fakeStorage{putResult: gossip.PutUninteresting}
	engine := gossip.NewEngine(membership, storage, func() gossip.PeerInfo { return gossip.PeerInfo{Peer: self} }, gossip.DefaultRateLimits())

	msg := gossip.Have(gossip.PeerInfo{Peer: remote}, gossip.Payload{URN: testURN(t)})
	tocks, err := engine.Apply(context.Background(), remote, msg)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(tocks)) // self + other, not remote
	assert.Equal(t, other.String(), tocks[1].To.String())
	assert.Equal(t, msg.Ext.Hop+1, tocks[0].Message.Ext.Hop)
}

func TestApplyWantDirectReplyWhenOriginIsRemote(t *testing.T) {
	remote := mustPeer(t, 1)
	self := mustPeer(t, 2)
	membership := &fakeMembership{members: []refs.PeerId{remote, self}}
	storage := &fakeStorage{has: true}
	engine := gossip.NewEngine(membership, storage, func() gossip.PeerInfo { return gossip.PeerInfo{Peer: self} }, gossip.DefaultRateLimits())

	msg := gossip.Want(gossip.PeerInfo{Peer: remote}, gossip.Payload{URN: testURN(t)})
	tocks, err := engine.Apply(context.Background(), remote, msg)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(tocks))
	assert.Equal(t, remote.String(), tocks[0].To.String())
}

func TestApplyWantForwardsWhenAbsent(t *testing.T) {
	remote := mustPeer(t, 1)
	self := mustPeer(t, 2)
	other := mustPeer(t, 3)
	membership := &fakeMembership{members: []refs.PeerId{remote, self, other}}
	storage := &fakeStorage{has: false}
	engine := gossip.NewEngine(membership, storage, func() gossip.PeerInfo { return gossip.PeerInfo{Peer: self} }, gossip.DefaultRateLimits())

	msg := gossip.Want(gossip.PeerInfo{Peer: remote}, gossip.Payload{URN: testURN(t)})
	tocks, err := engine.Apply(context.Background(), remote, msg)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(tocks)) // self + other, not remote
	assert.Equal(t, other.String(), tocks[1].To.String())
}
