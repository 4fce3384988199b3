package gitproto

import (
	"io"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage"
)

// FetchRequest describes one fetch command's negotiation.
type FetchRequest struct {
	Wants    []plumbing.Hash
	Haves    []plumbing.Hash
	WantRefs []string // requires the remote's fetch capability to include ref-in-want
}

// FetchResult reports the outcome of a fetch command.
type FetchResult struct {
	// Cancelled is true when the request carried no wants and no want-refs,
	// so no command was sent and no pack was requested.
	Cancelled bool
	BytesRead int64
}

// Fetch drives a v2 "fetch" command over conn: negotiation, then pack
// reception via writer into storer. caps is the capability advertisement
// already read from the same session; ls-refs and fetch share one
// advertisement per session.
func Fetch(conn *Conn, caps *Capabilities, req FetchRequest, writer PackWriter, storer storage.Storer, stop *StopFlag) (*FetchResult, error) {
	if len(req.WantRefs) > 0 && !caps.Has("ref-in-want") {
		return nil, &UnsupportedError{Capability: "ref-in-want"}
	}
	if len(req.Wants) == 0 && len(req.WantRefs) == 0 {
		return &FetchResult{Cancelled: true}, nil
	}

	if err := WritePktLineString(conn, "command=fetch"); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := WritePktLineString(conn, AgentString); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := WriteDelim(conn); err != nil {
		return nil, errors.WithStack(err)
	}

	for _, w := range req.Wants {
		if err := WritePktLineString(conn, "want "+w.String()); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	for _, wr := range req.WantRefs {
		if err := WritePktLineString(conn, "want-ref "+wr); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	for _, h := range req.Haves {
		if err := WritePktLineString(conn, "have "+h.String()); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	if err := WritePktLineString(conn, "done"); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := WriteFlush(conn); err != nil {
		return nil, errors.WithStack(err)
	}

	pr := conn.Reader()
	if err := skipToPackSection(pr); err != nil {
		return nil, errors.Wrap(err, "read fetch response")
	}

	// Pack bytes arrive side-band framed in pkt-lines; demultiplexing through
	// the session's shared Reader keeps the session usable for the next
	// command once the flush-pkt ending the section is seen.
	pack := newSidebandReader(pr)
	if err := writer.Write(pack, storer, stop); err != nil {
		return nil, errors.Wrap(err, "write packfile")
	}
	if _, err := io.Copy(io.Discard, pack); err != nil {
		return nil, errors.Wrap(err, "drain packfile section")
	}
	return &FetchResult{BytesRead: pack.n}, nil
}

// skipToPackSection consumes the "acknowledgments"/"packfile" section
// header lines the server sends ahead of the pack bytes proper, per v2's
// fetch response format (a "packfile\n" line followed by the pack itself).
func skipToPackSection(pr *Reader) error {
	for {
		pkt, err := pr.ReadPkt()
		if err != nil {
			return errors.WithStack(err)
		}
		if pkt.Kind != PktData {
			continue
		}
		if strings.TrimSuffix(string(pkt.Data), "\n") == "packfile" {
			return nil
		}
	}
}
