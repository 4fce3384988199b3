package gitproto_test

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/alecthomas/errors"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/radicle-link/linkd/internal/gitproto"
	"github.com/radicle-link/linkd/internal/objstore"
	"github.com/radicle-link/linkd/internal/refs"
)

func TestPktLineRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	assert.NoError(t, gitproto.WritePktLineString(&buf, "command=ls-refs"))
	assert.NoError(t, gitproto.WriteDelim(&buf))
	assert.NoError(t, gitproto.WritePktLineString(&buf, "peel"))
	assert.NoError(t, gitproto.WriteFlush(&buf))

	pr := gitproto.NewReader(&buf)
	pkt, err := pr.ReadPkt()
	assert.NoError(t, err)
	assert.Equal(t, gitproto.PktData, pkt.Kind)
	assert.Equal(t, "command=ls-refs\n", string(pkt.Data))

	pkt, err = pr.ReadPkt()
	assert.NoError(t, err)
	assert.Equal(t, gitproto.PktDelim, pkt.Kind)

	lines, err := pr.ReadLines()
	assert.NoError(t, err)
	assert.Equal(t, 1, len(lines))
	assert.Equal(t, "peel\n", string(lines[0]))
}

func TestPktLineMalformedLength(t *testing.T) {
	pr := gitproto.NewReader(strings.NewReader("zzzz"))
	_, err := pr.ReadPkt()
	assert.Error(t, err)
	_, ok := errors.AsType[*gitproto.MalformedPktError](err)
	assert.True(t, ok)

	// A length below 4 is not a valid data pkt either.
	pr = gitproto.NewReader(strings.NewReader("0003"))
	_, err = pr.ReadPkt()
	assert.Error(t, err)
}

func TestHandshakeLinesBitExact(t *testing.T) {
	assert.Equal(t, "001e# service=git-upload-pack\n0000", gitproto.UploadPackHandshake)
	assert.Equal(t, "001f# service=git-receive-pack\n0000", gitproto.ReceivePackHandshake)
}

func TestAgentPredates231(t *testing.T) {
	tests := []struct {
		agent string
		want  bool
	}{
		{"git/2.30.1", true},
		{"git/2.29.0", true},
		{"git/1.9.5", true},
		{"git/2.31.0", false},
		{"git/2.40.1", false},
		{"git/3.0.0", false},
		{"linkd/1.0", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, gitproto.AgentPredates231(tt.agent), "agent %q", tt.agent)
	}
}

func TestFetchEmptyWantsCancels(t *testing.T) {
	// No wants and no want-refs: the command is never sent, so no conn
	// traffic happens at all and a nil conn is never touched.
	res, err := gitproto.Fetch(nil, &gitproto.Capabilities{}, gitproto.FetchRequest{}, gitproto.NativeIndexer{}, nil, nil)
	assert.NoError(t, err)
	assert.True(t, res.Cancelled)
}

func TestFetchWantRefUnsupported(t *testing.T) {
	caps := &gitproto.Capabilities{Fetch: map[string]bool{"shallow": true}}
	_, err := gitproto.Fetch(nil, caps, gitproto.FetchRequest{WantRefs: []string{"refs/heads/main"}}, gitproto.NativeIndexer{}, nil, nil)
	assert.Error(t, err)
	_, ok := errors.AsType[*gitproto.UnsupportedError](err)
	assert.True(t, ok)
}

func newStore(t *testing.T) *objstore.Store {
	t.Helper()
	s, err := objstore.Open(t.TempDir())
	assert.NoError(t, err)
	return s
}

func makeCommit(t *testing.T, s *objstore.Store, content string) plumbing.Hash {
	t.Helper()
	blob, err := s.WriteBlob([]byte(content))
	assert.NoError(t, err)
	tree, err := s.WriteTree([]objstore.TreeFile{{Path: "README", Oid: blob}})
	assert.NoError(t, err)
	commit, err := s.WriteCommit(tree, nil, "initial", objstore.Signature{
		Name: "test", Email: "test@localhost", When: time.Unix(1700000000, 0),
	})
	assert.NoError(t, err)
	return commit
}

func setRef(t *testing.T, s *objstore.Store, name string, oid plumbing.Hash) {
	t.Helper()
	assert.NoError(t, s.Transact([]objstore.Update{{
		Name:             refs.RefString(name),
		Target:           oid,
		ExpectedPrevious: objstore.Any,
	}}))
}

// serveSession runs a one-session v2 server over stream: advertisement,
// then command dispatch until the client hangs up.
func serveSession(remote *objstore.Store, stream net.Conn) {
	defer stream.Close()
	conn := gitproto.NewConn(stream)
	srv := gitproto.NewServer(remote)
	if err := srv.Advertise(conn); err != nil {
		return
	}
	for {
		pkt, err := conn.Reader().ReadPkt()
		if err != nil {
			return
		}
		if pkt.Kind != gitproto.PktData {
			continue
		}
		switch strings.TrimSuffix(string(pkt.Data), "\n") {
		case "command=ls-refs":
			if err := srv.ServeLsRefs(conn, "refs/namespaces"); err != nil {
				return
			}
		case "command=fetch":
			if err := srv.ServeFetch(conn, "refs/namespaces"); err != nil {
				return
			}
		}
	}
}

func TestClientServerSession(t *testing.T) {
	remote := newStore(t)
	local := newStore(t)

	id, err := refs.NewURNID([]byte("wire-project"))
	assert.NoError(t, err)
	urn := refs.URN{ID: id, Proto: refs.ProtoGit}
	ns := refs.NamespaceOf(urn)
	nsPrefix := strings.TrimSuffix(ns.String(), "/")

	commit := makeCommit(t, remote, "hello wire")
	setRef(t, remote, ns.Head("main").String(), commit)

	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()
	go serveSession(remote, serverEnd)

	conn := gitproto.NewConn(clientEnd)
	caps, err := gitproto.Handshake(conn)
	assert.NoError(t, err)
	assert.Equal(t, 2, caps.Version)
	assert.True(t, caps.LsRefs)
	assert.True(t, caps.Has("ref-in-want"))

	// Empty non-nil prefix list requests every ref.
	ads, err := gitproto.LsRefs(conn, gitproto.LsRefsRequest{RefPrefixes: []string{}})
	assert.NoError(t, err)
	assert.Equal(t, 1, len(ads))
	assert.Equal(t, nsPrefix+"/refs/heads/main", string(ads[0].Name))
	assert.Equal(t, commit, ads[0].Oid)

	// A restrictive prefix filters the advertisement down.
	none, err := gitproto.LsRefs(conn, gitproto.LsRefsRequest{RefPrefixes: []string{nsPrefix + "/refs/tags/"}})
	assert.NoError(t, err)
	assert.Equal(t, 0, len(none))

	// Fetch the advertised commit; the pack must carry its tree and blob too.
	res, err := gitproto.Fetch(conn, caps, gitproto.FetchRequest{Wants: []plumbing.Hash{commit}}, gitproto.NativeIndexer{}, local.Repository().Storer, nil)
	assert.NoError(t, err)
	assert.False(t, res.Cancelled)
	assert.True(t, res.BytesRead > 0)
	assert.True(t, local.HasObject(commit))

	fetched, err := local.CommitObject(commit)
	assert.NoError(t, err)
	tree, err := fetched.Tree()
	assert.NoError(t, err)
	file, err := tree.File("README")
	assert.NoError(t, err)
	content, err := file.Contents()
	assert.NoError(t, err)
	assert.Equal(t, "hello wire", content)

	// The session stays aligned after a pack: another command still works.
	again, err := gitproto.LsRefs(conn, gitproto.LsRefsRequest{RefPrefixes: []string{}})
	assert.NoError(t, err)
	assert.Equal(t, 1, len(again))
}

func TestLsRefsPre231NamespaceWorkaround(t *testing.T) {
	remote := newStore(t)

	id, err := refs.NewURNID([]byte("old-git-project"))
	assert.NoError(t, err)
	urn := refs.URN{ID: id, Proto: refs.ProtoGit}
	ns := refs.NamespaceOf(urn)

	commit := makeCommit(t, remote, "old server content")
	setRef(t, remote, ns.Head("main").String(), commit)

	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()
	go serveSession(remote, serverEnd)

	conn := gitproto.NewConn(clientEnd)
	_, err = gitproto.Handshake(conn)
	assert.NoError(t, err)

	// A bare (non-namespaced) prefix gets rewritten to the explicit
	// namespaced form for pre-2.31 servers, so the filter still matches.
	ads, err := gitproto.LsRefs(conn, gitproto.LsRefsRequest{
		RefPrefixes: []string{"refs/heads/"},
		Namespace:   urn.EncodedID(),
		PreAgent231: true,
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, len(ads))
	assert.Equal(t, commit, ads[0].Oid)
}
