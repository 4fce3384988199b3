package signedrefs_test

import (
	"crypto/ed25519"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/alecthomas/errors"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/radicle-link/linkd/internal/objstore"
	"github.com/radicle-link/linkd/internal/refs"
	"github.com/radicle-link/linkd/internal/signedrefs"
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

func newKeypair(t *testing.T) (refs.PeerId, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	assert.NoError(t, err)
	peer, err := refs.NewPeerId(pub)
	assert.NoError(t, err)
	return peer, priv
}

func setRef(t *testing.T, s *objstore.Store, name string, oid plumbing.Hash) {
	t.Helper()
	assert.NoError(t, s.Transact([]objstore.Update{{
		Name:             refs.RefString(name),
		Target:           oid,
		ExpectedPrevious: objstore.Any,
	}}))
}

func TestWriteAndLoadAtRoundTrip(t *testing.T) {
	s := newStore(t)
	urn := newURN(t, "signed-refs-project")
	peer, secret := newKeypair(t)
	ns := refs.NamespaceOf(urn)

	mainOid, err := s.WriteBlob([]byte("commit stand-in"))
	assert.NoError(t, err)
	idOid, err := s.WriteBlob([]byte("identity stand-in"))
	assert.NoError(t, err)
	setRef(t, s, ns.Head("main").String(), mainOid)
	setRef(t, s, ns.RadID().String(), idOid)

	manifest, docOid, err := signedrefs.Write(s, urn, secret, signedrefs.DefaultRemotesCutoff)
	assert.NoError(t, err)
	assert.Equal(t, mainOid.String(), manifest.Refs["heads"]["main"])
	assert.Equal(t, idOid.String(), manifest.Refs["rad"]["id"])

	assert.True(t, s.HasRef(refs.RefString(ns.RadSignedRefs())))
	sigOid, err := s.ReferenceOid(refs.RefString(ns.RadSignedRefsSig()))
	assert.NoError(t, err)

	loaded, err := signedrefs.LoadAt(s, peer, docOid, sigOid)
	assert.NoError(t, err)
	assert.Equal(t, docOid, loaded.At)
	assert.Equal(t, manifest.Refs, loaded.Manifest.Refs)
}

func TestLoadAtRejectsWrongSigner(t *testing.T) {
	s := newStore(t)
	urn := newURN(t, "tampered-project")
	_, secret := newKeypair(t)
	ns := refs.NamespaceOf(urn)

	oid, err := s.WriteBlob([]byte("commit stand-in"))
	assert.NoError(t, err)
	setRef(t, s, ns.Head("main").String(), oid)

	_, docOid, err := signedrefs.Write(s, urn, secret, signedrefs.DefaultRemotesCutoff)
	assert.NoError(t, err)
	sigOid, err := s.ReferenceOid(refs.RefString(ns.RadSignedRefsSig()))
	assert.NoError(t, err)

	// Loading as a different peer must fail: the envelope was not signed by
	// that peer's key.
	otherPeer, _ := newKeypair(t)
	_, err = signedrefs.LoadAt(s, otherPeer, docOid, sigOid)
	assert.Error(t, err)
	_, ok := errors.AsType[*signedrefs.BadSignatureError](err)
	assert.True(t, ok)
}

func TestWriteTwiceUpdatesInPlace(t *testing.T) {
	s := newStore(t)
	urn := newURN(t, "rewritten-project")
	_, secret := newKeypair(t)
	ns := refs.NamespaceOf(urn)

	first, err := s.WriteBlob([]byte("tip one"))
	assert.NoError(t, err)
	setRef(t, s, ns.Head("main").String(), first)
	_, _, err = signedrefs.Write(s, urn, secret, signedrefs.DefaultRemotesCutoff)
	assert.NoError(t, err)

	second, err := s.WriteBlob([]byte("tip two"))
	assert.NoError(t, err)
	setRef(t, s, ns.Head("main").String(), second)
	manifest, _, err := signedrefs.Write(s, urn, secret, signedrefs.DefaultRemotesCutoff)
	assert.NoError(t, err)
	assert.Equal(t, second.String(), manifest.Refs["heads"]["main"])
}

func TestComputeMirroredSubject(t *testing.T) {
	s := newStore(t)
	urn := newURN(t, "mirrored-project")
	peer, _ := newKeypair(t)
	ns := refs.NamespaceOf(urn)

	oid, err := s.WriteBlob([]byte("mirrored tip"))
	assert.NoError(t, err)
	setRef(t, s, ns.Remote(peer, "heads/main").String(), oid)
	// A ref outside the recognised categories is ignored.
	setRef(t, s, ns.Remote(peer, "notes/scratch").String(), oid)

	manifest, err := signedrefs.Compute(s, urn, &peer, 0)
	assert.NoError(t, err)
	assert.Equal(t, oid.String(), manifest.Refs["heads"]["main"])
	_, hasNotes := manifest.Refs["notes"]
	assert.False(t, hasNotes)
}

func TestVerifyLocal(t *testing.T) {
	s := newStore(t)
	urn := newURN(t, "verified-project")
	peer, _ := newKeypair(t)
	ns := refs.NamespaceOf(urn)

	oid, err := s.WriteBlob([]byte("verified tip"))
	assert.NoError(t, err)
	setRef(t, s, ns.Remote(peer, "heads/main").String(), oid)

	good := &signedrefs.Manifest{Refs: map[string]map[string]string{
		"heads": {"main": oid.String()},
	}}
	assert.NoError(t, signedrefs.VerifyLocal(s, urn, peer, good))

	bad := &signedrefs.Manifest{Refs: map[string]map[string]string{
		"heads": {"main": plumbing.NewHash("0000000000000000000000000000000000000042").String()},
	}}
	err = signedrefs.VerifyLocal(s, urn, peer, bad)
	assert.Error(t, err)
	_, ok := errors.AsType[*signedrefs.InconsistentError](err)
	assert.True(t, ok)

	missing := &signedrefs.Manifest{Refs: map[string]map[string]string{
		"heads": {"absent": oid.String()},
	}}
	assert.Error(t, signedrefs.VerifyLocal(s, urn, peer, missing))
}

func TestManifestCanonicalRoundTrip(t *testing.T) {
	m := &signedrefs.Manifest{
		Refs: map[string]map[string]string{
			"heads": {"main": "0000000000000000000000000000000000000001"},
			"rad":   {"id": "0000000000000000000000000000000000000002"},
		},
		Remotes: map[string]string{"peer-one": "0000000000000000000000000000000000000003"},
	}

	bytes1, err := m.Canonicalise()
	assert.NoError(t, err)
	bytes2, err := m.Canonicalise()
	assert.NoError(t, err)
	assert.Equal(t, string(bytes1), string(bytes2))

	parsed, err := signedrefs.Parse(bytes1)
	assert.NoError(t, err)
	assert.Equal(t, m.Refs, parsed.Refs)
	assert.Equal(t, m.Remotes, parsed.Remotes)
}
