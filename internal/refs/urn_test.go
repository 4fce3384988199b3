package refs_test

import (
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/radicle-link/linkd/internal/refs"
)

func TestURNRoundtrip(t *testing.T) {
	id, err := refs.NewURNID([]byte("geez"))
	assert.NoError(t, err)

	urn := refs.URN{ID: id, Proto: refs.ProtoGit, Path: "rad/issues/42"}
	parsed, err := refs.ParseURN(urn.String())
	assert.NoError(t, err)
	assert.True(t, urn.Equal(parsed))
	assert.Equal(t, urn.Path, parsed.Path)
}

func TestURNNoPath(t *testing.T) {
	id, err := refs.NewURNID([]byte("geez"))
	assert.NoError(t, err)
	urn := refs.URN{ID: id, Proto: refs.ProtoGit}
	parsed, err := refs.ParseURN(urn.String())
	assert.NoError(t, err)
	assert.True(t, urn.Equal(parsed))
	assert.Equal(t, refs.RefString(""), parsed.Path)
}

func TestParseURNRejectsBadNamespace(t *testing.T) {
	_, err := refs.ParseURN("notrad:git:abc")
	assert.Error(t, err)
}

func TestParseURNRejectsBadProto(t *testing.T) {
	_, err := refs.ParseURN("rad:svn:abc")
	assert.Error(t, err)
}
