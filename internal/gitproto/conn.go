package gitproto

import "io"

// Conn is one pack-protocol v2 session: a single underlying stream shared
// across the handshake, ls-refs, and fetch commands that run over it. A
// fresh Reader per command would lose whatever the previous command's
// reader had already buffered past its own flush-pkt, so every command in
// a session shares the one Reader wrapping the stream.
type Conn struct {
	w io.Writer
	r *Reader
}

// NewConn wraps stream for a session. The same stream drives every command
// issued against the returned Conn.
func NewConn(stream io.ReadWriter) *Conn {
	return &Conn{w: stream, r: NewReader(stream)}
}

func (c *Conn) Write(p []byte) (int, error) { return c.w.Write(p) } //nolint:wrapcheck

// Reader is the shared pkt-line decoder for this session.
func (c *Conn) Reader() *Reader { return c.r }
