package gitproto

import (
	"io"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/go-git/go-git/v5/plumbing/revlist"

	"github.com/radicle-link/linkd/internal/objstore"
	"github.com/radicle-link/linkd/internal/refs"
)

// Server drives the read-only upload-pack side of a v2 session over a
// single stream, advertising the same capabilities the client understands.
// receive-pack is not implemented here; it is delegated to a child Git
// process (internal/gitproc), since accepting writes is a subprocess
// concern, not a protocol-decoding one.
type Server struct {
	store *objstore.Store
}

// NewServer builds a Server over a monorepo handle.
func NewServer(store *objstore.Store) *Server { return &Server{store: store} }

// Advertise writes the smart-http handshake line followed by the v2
// capability advertisement for upload-pack.
func (s *Server) Advertise(conn *Conn) error {
	if _, err := io.WriteString(conn, UploadPackHandshake); err != nil {
		return errors.Wrap(err, "write handshake")
	}
	lines := []string{
		"version 2",
		AgentString,
		"object-format=sha1",
		"ls-refs=unborn",
		"fetch=shallow wait-for-done ref-in-want",
		"server-option",
	}
	for _, l := range lines {
		if err := WritePktLineString(conn, l); err != nil {
			return errors.WithStack(err)
		}
	}
	return errors.WithStack(WriteFlush(conn))
}

// ServeLsRefs reads an ls-refs command off conn and writes the matching
// refs under namespace (the namespace prefix of the URN being served).
func (s *Server) ServeLsRefs(conn *Conn, namespace string) error {
	lines, err := conn.Reader().ReadLines()
	if err != nil {
		return errors.Wrap(err, "read ls-refs command")
	}

	var prefixes []string
	for _, raw := range lines {
		line := strings.TrimSuffix(string(raw), "\n")
		if rest, ok := strings.CutPrefix(line, "ref-prefix "); ok {
			prefixes = append(prefixes, rest)
		}
	}

	pattern, err := refs.ParsePattern(strings.TrimSuffix(namespace, "/") + "/*")
	if err != nil {
		return errors.WithStack(err)
	}
	refList, err := s.store.ReferenceNames(pattern)
	if err != nil {
		return errors.Wrap(err, "enumerate refs")
	}

	for _, name := range refList {
		if len(prefixes) > 0 && !matchesAnyPrefix(string(name), prefixes) {
			continue
		}
		oid, err := s.store.ReferenceOid(name)
		if err != nil {
			continue
		}
		if err := WritePktLineString(conn, oid.String()+" "+string(name)); err != nil {
			return errors.WithStack(err)
		}
	}
	return errors.WithStack(WriteFlush(conn))
}

func matchesAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// ServeFetch reads a fetch command (want/have/want-ref lines) off conn and
// writes a packfile of the object closure of the wanted tips, excluding
// anything reachable from the haves.
func (s *Server) ServeFetch(conn *Conn, namespace string) error {
	lines, err := conn.Reader().ReadLines()
	if err != nil {
		return errors.Wrap(err, "read fetch command")
	}

	var wants, haves []plumbing.Hash
	for _, raw := range lines {
		line := strings.TrimSuffix(string(raw), "\n")
		switch {
		case strings.HasPrefix(line, "want "):
			wants = append(wants, plumbing.NewHash(strings.TrimPrefix(line, "want ")))
		case strings.HasPrefix(line, "have "):
			haves = append(haves, plumbing.NewHash(strings.TrimPrefix(line, "have ")))
		case strings.HasPrefix(line, "want-ref "):
			name := strings.TrimPrefix(line, "want-ref ")
			full := strings.TrimSuffix(namespace, "/") + "/" + strings.TrimPrefix(name, "refs/")
			if oid, err := s.store.ReferenceOid(refs.RefString(full)); err == nil {
				wants = append(wants, oid)
			}
		}
	}

	if len(wants) == 0 {
		return errors.WithStack(WriteFlush(conn))
	}

	if err := WritePktLineString(conn, "packfile"); err != nil {
		return errors.WithStack(err)
	}

	// The full commit/tree/blob closure of the wants, minus everything
	// reachable from the haves. The packfile encoder packs exactly the oids
	// it is handed; handing it bare commit hashes would produce a pack with
	// no trees or blobs in it.
	closure, err := revlist.Objects(s.store.Repository().Storer, wants, haves)
	if err != nil {
		return errors.Wrap(err, "compute object closure")
	}

	enc := packfile.NewEncoder(sidebandWriter{w: conn}, s.store.Repository().Storer, false)
	if _, err := enc.Encode(closure, 10); err != nil {
		return errors.Wrap(err, "encode packfile")
	}
	return errors.WithStack(WriteFlush(conn))
}
