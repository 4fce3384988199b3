package gitproto

import (
	"strconv"
	"strings"

	"github.com/alecthomas/errors"
)

// AgentString identifies this implementation on the wire.
const AgentString = "agent=linkd/1.0"

// UploadPackHandshake and ReceivePackHandshake are the bit-exact smart-http
// style service announcement lines the server side of a session must emit
// before the v2 capability advertisement.
const (
	UploadPackHandshake  = "001e# service=git-upload-pack\n0000"
	ReceivePackHandshake = "001f# service=git-receive-pack\n0000"
)

// Capabilities is the parsed v2 capability advertisement.
type Capabilities struct {
	Version      int
	Agent        string
	ObjectFormat string
	LsRefs       bool
	Fetch        map[string]bool // e.g. "shallow", "filter", "ref-in-want"
}

// Has reports whether the fetch command advertises feature.
func (c Capabilities) Has(feature string) bool { return c.Fetch[feature] }

// Handshake reads the smart-protocol service announcement ("# service=...")
// followed by its flush-pkt, then the v2 capability advertisement, off
// conn. Callers select UploadPackHandshake or ReceivePackHandshake's
// counterpart service name implicitly: the announcement line itself is not
// validated against a particular service, since a client dials a URN/peer
// pair already knowing which service it asked for.
func Handshake(conn *Conn) (*Capabilities, error) {
	pr := conn.Reader()
	announce, err := pr.ReadPkt()
	if err != nil {
		return nil, errors.Wrap(err, "read service announcement")
	}
	if announce.Kind != PktData {
		return nil, &ProtocolError{Reason: "expected service announcement line"}
	}
	flush, err := pr.ReadPkt()
	if err != nil {
		return nil, errors.Wrap(err, "read post-announcement flush")
	}
	if flush.Kind != PktFlush {
		return nil, &ProtocolError{Reason: "expected flush-pkt after service announcement"}
	}
	return ParseAdvertisement(pr)
}

// ParseAdvertisement reads a v2 capability advertisement: a sequence of
// pkt-lines ("version 2", "agent=...", "ls-refs[=...]", "fetch=a b c", ...)
// terminated by a flush-pkt.
func ParseAdvertisement(pr *Reader) (*Capabilities, error) {
	lines, err := pr.ReadLines()
	if err != nil {
		return nil, errors.Wrap(err, "read capability advertisement")
	}
	caps := &Capabilities{ObjectFormat: "sha1", Fetch: map[string]bool{}}
	for _, raw := range lines {
		line := strings.TrimSuffix(string(raw), "\n")
		switch {
		case line == "version 2":
			caps.Version = 2
		case strings.HasPrefix(line, "agent="):
			caps.Agent = strings.TrimPrefix(line, "agent=")
		case strings.HasPrefix(line, "object-format="):
			caps.ObjectFormat = strings.TrimPrefix(line, "object-format=")
		case line == "ls-refs" || strings.HasPrefix(line, "ls-refs="):
			caps.LsRefs = true
		case line == "fetch" || strings.HasPrefix(line, "fetch="):
			_, rest, _ := strings.Cut(line, "=")
			for _, f := range strings.Fields(rest) {
				caps.Fetch[f] = true
			}
		}
	}
	return caps, nil
}

// AgentPredates231 reports whether the advertised agent string names a Git
// release older than 2.31 — upload-pack before that version mishandles an
// empty ref-prefix list, which the client must work around by emitting an
// explicit namespaced ref-prefix argument.
func AgentPredates231(agent string) bool {
	rest, ok := strings.CutPrefix(agent, "git/")
	if !ok {
		return false
	}
	major, minor, ok := parseMajorMinor(rest)
	if !ok {
		return false
	}
	return major < 2 || (major == 2 && minor < 31)
}

func parseMajorMinor(version string) (int, int, bool) {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	minor, err := strconv.Atoi(strings.TrimRightFunc(parts[1], func(r rune) bool { return r < '0' || r > '9' }))
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}
