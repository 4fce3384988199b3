package waitingroom_test

import (
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/radicle-link/linkd/internal/refs"
	"github.com/radicle-link/linkd/internal/waitingroom"
)

func testURN(t *testing.T) refs.URN {
	t.Helper()
	id, err := refs.NewURNID([]byte("waiting-room-test"))
	assert.NoError(t, err)
	return refs.URN{ID: id, Proto: refs.ProtoGit}
}

func testPeer(t *testing.T, b byte) refs.PeerId {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	peer, err := refs.NewPeerId(key)
	assert.NoError(t, err)
	return peer
}

func TestRequestIsIdempotent(t *testing.T) {
	room := waitingroom.New(waitingroom.DefaultConfig())
	urn := testURN(t)
	now := time.Unix(0, 0)

	e1 := room.Request(urn, now)
	e2 := room.Request(urn, now.Add(time.Second))
	assert.Equal(t, e1.LastTransition, e2.LastTransition)
	assert.Equal(t, waitingroom.Created, e2.State)
}

func TestFullLifecycle(t *testing.T) {
	room := waitingroom.New(waitingroom.DefaultConfig())
	urn := testURN(t)
	peer := testPeer(t, 1)
	now := time.Unix(0, 0)

	room.Request(urn, now)
	assert.NoError(t, room.Queried(urn, now))
	assert.NoError(t, room.Found(urn, peer, now))
	assert.NoError(t, room.Cloning(urn, peer, now))
	assert.NoError(t, room.Cloned(urn, peer, now))

	e, ok := room.Get(urn)
	assert.True(t, ok)
	assert.Equal(t, waitingroom.Cloned, e.State)
}

func TestCloningFailedReturnsToFoundWithOtherPeerAvailable(t *testing.T) {
	room := waitingroom.New(waitingroom.DefaultConfig())
	urn := testURN(t)
	peerA := testPeer(t, 1)
	peerB := testPeer(t, 2)
	now := time.Unix(0, 0)

	room.Request(urn, now)
	assert.NoError(t, room.Queried(urn, now))
	assert.NoError(t, room.Found(urn, peerA, now))
	assert.NoError(t, room.Found(urn, peerB, now))
	assert.NoError(t, room.Cloning(urn, peerA, now))

	timedOut, err := room.CloningFailed(urn, peerA, "connection reset", now)
	assert.NoError(t, err)
	assert.False(t, timedOut)

	e, ok := room.Get(urn)
	assert.True(t, ok)
	assert.Equal(t, waitingroom.Found, e.State) // peerB still available
	assert.Equal(t, 1, e.Attempts)
}

func TestCloningFailedFallsBackToRequestedWhenNoPeersRemain(t *testing.T) {
	room := waitingroom.New(waitingroom.DefaultConfig())
	urn := testURN(t)
	peer := testPeer(t, 1)
	now := time.Unix(0, 0)

	room.Request(urn, now)
	assert.NoError(t, room.Queried(urn, now))
	assert.NoError(t, room.Found(urn, peer, now))
	assert.NoError(t, room.Cloning(urn, peer, now))

	_, err := room.CloningFailed(urn, peer, "boom", now)
	assert.NoError(t, err)

	e, ok := room.Get(urn)
	assert.True(t, ok)
	assert.Equal(t, waitingroom.Requested, e.State)
}

func TestAttemptsMonotonicAndBoundedByTimedOut(t *testing.T) {
	config := waitingroom.DefaultConfig()
	config.MaxAttempts = 2
	room := waitingroom.New(config)
	urn := testURN(t)
	peer := testPeer(t, 1)
	now := time.Unix(0, 0)

	room.Request(urn, now)
	assert.NoError(t, room.Queried(urn, now))

	var timedOut bool
	for i := 0; i < 3; i++ {
		assert.NoError(t, room.Found(urn, peer, now))
		assert.NoError(t, room.Cloning(urn, peer, now))
		var err error
		timedOut, err = room.CloningFailed(urn, peer, "fail", now)
		assert.NoError(t, err)
		if timedOut {
			break
		}
		// the failed peer entry is terminal; re-discover it for the next attempt
		e, _ := room.Get(urn)
		e.Peers[peer.String()].State = waitingroom.PeerAvailable
	}

	assert.True(t, timedOut)
	e, ok := room.Get(urn)
	assert.True(t, ok)
	assert.Equal(t, waitingroom.TimedOut, e.State)
	assert.Equal(t, 3, e.Attempts)
}

func TestCancelRemovesEntry(t *testing.T) {
	room := waitingroom.New(waitingroom.DefaultConfig())
	urn := testURN(t)
	now := time.Unix(0, 0)

	room.Request(urn, now)
	prior, err := room.Cancel(urn)
	assert.NoError(t, err)
	assert.Equal(t, waitingroom.Created, prior)

	_, ok := room.Get(urn)
	assert.False(t, ok)
}

func TestTickEmitsQueryAfterBackoffElapsed(t *testing.T) {
	config := waitingroom.DefaultConfig()
	config.QueryInterval = time.Second
	room := waitingroom.New(config)
	urn := testURN(t)
	now := time.Unix(0, 0)

	room.Request(urn, now)
	assert.NoError(t, room.Queried(urn, now))

	cmds := room.Tick(now.Add(500 * time.Millisecond))
	assert.Equal(t, 0, len(cmds))

	cmds = room.Tick(now.Add(2 * time.Second))
	assert.Equal(t, 1, len(cmds))
	assert.Equal(t, waitingroom.CommandQuery, cmds[0].Kind)
}

func TestTickEmitsCloneForAvailablePeer(t *testing.T) {
	config := waitingroom.DefaultConfig()
	config.CloneCooldown = time.Second
	room := waitingroom.New(config)
	urn := testURN(t)
	peer := testPeer(t, 1)
	now := time.Unix(0, 0)

	room.Request(urn, now)
	assert.NoError(t, room.Queried(urn, now))
	assert.NoError(t, room.Found(urn, peer, now))

	cmds := room.Tick(now.Add(2 * time.Second))
	assert.Equal(t, 1, len(cmds))
	assert.Equal(t, waitingroom.CommandClone, cmds[0].Kind)
	assert.Equal(t, peer.String(), cmds[0].Peer.String())
}
