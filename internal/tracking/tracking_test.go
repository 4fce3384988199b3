package tracking_test

import (
	"crypto/ed25519"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/alecthomas/errors"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/radicle-link/linkd/internal/objstore"
	"github.com/radicle-link/linkd/internal/refs"
	"github.com/radicle-link/linkd/internal/tracking"
)

func newStore(t *testing.T) *objstore.Store {
	t.Helper()
	s, err := objstore.Open(t.TempDir())
	assert.NoError(t, err)
	return s
}

func newURN(t *testing.T, seed string) refs.URN {
	t.Helper()
	id, err := refs.NewURNID([]byte(seed))
	assert.NoError(t, err)
	return refs.URN{ID: id, Proto: refs.ProtoGit}
}

func newPeer(t *testing.T) refs.PeerId {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	assert.NoError(t, err)
	peer, err := refs.NewPeerId(pub)
	assert.NoError(t, err)
	return peer
}

// writeIdentityRef satisfies the store invariant that every peer-scoped
// tracking entry names a URN whose refs/rad/id already exists.
func writeIdentityRef(t *testing.T, s *objstore.Store, urn refs.URN) {
	t.Helper()
	oid, err := s.WriteBlob([]byte("identity placeholder"))
	assert.NoError(t, err)
	ns := refs.NamespaceOf(urn)
	assert.NoError(t, s.Transact([]objstore.Update{{
		Name:             refs.RefString(ns.RadID()),
		Target:           oid,
		ExpectedPrevious: objstore.MustNotExist,
	}}))
}

func TestTrackPeerAndIsTracked(t *testing.T) {
	s := newStore(t)
	store := tracking.New(s)
	urn := newURN(t, "project-a")
	peer := newPeer(t)
	writeIdentityRef(t, s, urn)

	config := tracking.Config{Data: true, Cobs: tracking.CobsPolicy{AllowAll: true}}
	entry, err := store.Track(urn, &peer, config, tracking.Any)
	assert.NoError(t, err)
	assert.True(t, entry.Peer.Equal(peer))

	assert.True(t, store.IsTracked(urn, peer))
	assert.False(t, store.IsTracked(urn, newPeer(t)))
}

func TestTrackPeerRequiresIdentity(t *testing.T) {
	s := newStore(t)
	store := tracking.New(s)
	urn := newURN(t, "unknown-project")
	peer := newPeer(t)

	_, err := store.Track(urn, &peer, tracking.Config{}, tracking.Any)
	assert.Error(t, err)
	_, ok := errors.AsType[*tracking.NoSuchURNError](err)
	assert.True(t, ok)
}

func TestTrackDefaultPreExistsURN(t *testing.T) {
	s := newStore(t)
	store := tracking.New(s)
	urn := newURN(t, "not-yet-cloned")

	// The "default" entry may be created before the URN's identity exists.
	_, err := store.Track(urn, nil, tracking.Config{Data: true}, tracking.Any)
	assert.NoError(t, err)

	// Any peer counts as tracked through the default entry.
	assert.True(t, store.IsTracked(urn, newPeer(t)))
}

func TestTrackMustNotExistRejectsSecond(t *testing.T) {
	s := newStore(t)
	store := tracking.New(s)
	urn := newURN(t, "project-b")
	peer := newPeer(t)
	writeIdentityRef(t, s, urn)

	_, err := store.Track(urn, &peer, tracking.Config{Data: true}, tracking.MustNotExist)
	assert.NoError(t, err)
	_, err = store.Track(urn, &peer, tracking.Config{Data: false}, tracking.MustNotExist)
	assert.Error(t, err)
}

func TestTrackMustExistRejectsAbsent(t *testing.T) {
	s := newStore(t)
	store := tracking.New(s)
	urn := newURN(t, "project-c")
	peer := newPeer(t)
	writeIdentityRef(t, s, urn)

	_, err := store.Track(urn, &peer, tracking.Config{Data: true}, tracking.MustExist)
	assert.Error(t, err)
	_, ok := errors.AsType[*tracking.NotFoundError](err)
	assert.True(t, ok)
}

func TestUntrackRoundTrip(t *testing.T) {
	s := newStore(t)
	store := tracking.New(s)
	urn := newURN(t, "project-d")
	peer := newPeer(t)
	writeIdentityRef(t, s, urn)

	before, err := store.Tracked(&urn)
	assert.NoError(t, err)

	_, err = store.Track(urn, &peer, tracking.Config{Data: true}, tracking.Any)
	assert.NoError(t, err)
	assert.NoError(t, store.Untrack(urn, &peer, tracking.MustExist))

	// track followed by untrack leaves the store equivalent to the original.
	after, err := store.Tracked(&urn)
	assert.NoError(t, err)
	assert.Equal(t, len(before), len(after))
	assert.False(t, store.IsTracked(urn, peer))

	// Untracking again without MustExist is a no-op, with it an error.
	assert.NoError(t, store.Untrack(urn, &peer, tracking.Any))
	assert.Error(t, store.Untrack(urn, &peer, tracking.MustExist))
}

func TestTrackedEnumeratesConfig(t *testing.T) {
	s := newStore(t)
	store := tracking.New(s)
	urnA := newURN(t, "project-e")
	urnB := newURN(t, "project-f")
	peer := newPeer(t)
	writeIdentityRef(t, s, urnA)
	writeIdentityRef(t, s, urnB)

	config := tracking.Config{
		Data: true,
		Cobs: tracking.CobsPolicy{Allowed: map[string][]string{
			"discussion": {plumbing.NewHash("0000000000000000000000000000000000000001").String()},
		}},
	}
	_, err := store.Track(urnA, &peer, config, tracking.Any)
	assert.NoError(t, err)
	_, err = store.Track(urnB, nil, tracking.Config{Data: false, Cobs: tracking.CobsPolicy{DenyAll: true}}, tracking.Any)
	assert.NoError(t, err)

	all, err := store.Tracked(nil)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(all))

	scoped, err := store.Tracked(&urnA)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(scoped))
	assert.True(t, scoped[0].URN.Equal(urnA))
	assert.True(t, scoped[0].Peer.Equal(peer))
	assert.Equal(t, config.Data, scoped[0].Config.Data)
	assert.Equal(t, config.Cobs.Allowed, scoped[0].Config.Cobs.Allowed)
}
