package refs_test

import (
	"crypto/ed25519"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/radicle-link/linkd/internal/refs"
)

func TestNamespaceCategories(t *testing.T) {
	id, err := refs.NewURNID([]byte("project"))
	assert.NoError(t, err)
	urn := refs.URN{ID: id, Proto: refs.ProtoGit}
	ns := refs.NamespaceOf(urn)

	assert.Equal(t, "refs/namespaces/"+urn.EncodedID()+"/refs/rad/id", ns.RadID().String())
	assert.Equal(t, "refs/namespaces/"+urn.EncodedID()+"/refs/heads/main", ns.Head("main").String())
}

func TestRadUrlRoundtrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	assert.NoError(t, err)
	peer, err := refs.NewPeerId(pub)
	assert.NoError(t, err)

	id, err := refs.NewURNID([]byte("geez"))
	assert.NoError(t, err)
	urn := refs.URN{ID: id, Proto: refs.ProtoGit, Path: "rad/issues/42"}
	url := refs.RadUrl{Authority: peer, URN: urn}

	parsed, err := refs.ParseRadUrl(url.String())
	assert.NoError(t, err)
	assert.True(t, parsed.Authority.Equal(peer))
	assert.True(t, parsed.URN.Equal(urn))
}

func TestPeerIdRoundtrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	assert.NoError(t, err)
	peer, err := refs.NewPeerId(pub)
	assert.NoError(t, err)

	parsed, err := refs.ParsePeerId(peer.String())
	assert.NoError(t, err)
	assert.True(t, peer.Equal(parsed))
}
