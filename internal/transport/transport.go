// Package transport names the QUIC session-opening interface the core
// depends on. The QUIC implementation itself lives outside this
// repository; this package is deliberately interface-only.
package transport

import (
	"context"
	"io"

	"github.com/radicle-link/linkd/internal/refs"
)

// Upgrade selects which protocol a freshly opened bidi stream carries, sent
// as a single preamble byte.
type Upgrade byte

const (
	// UpgradeGit tunnels Git pack-protocol bytes — the only upgrade the core
	// replication/serving subsystem in this repository drives.
	UpgradeGit Upgrade = 'g'
)

// Stream is a single bidirectional QUIC stream, already past the upgrade
// preamble. Bytes on a Stream are ordered.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	// CloseWrite half-closes the send side, signalling EOF to the peer
	// without tearing down the read side.
	CloseWrite() error
}

// Session is one authenticated connection to a remote peer, over which
// many streams may be opened.
type Session interface {
	// Peer is the remote's authenticated identity.
	Peer() refs.PeerId
	// OpenStream opens a new bidi stream and writes the upgrade preamble.
	OpenStream(ctx context.Context, upgrade Upgrade) (Stream, error)
	// Close tears down the session and all its streams.
	Close() error
}

// Dialer opens sessions to remote peers by address. Concrete
// implementations (QUIC, in-memory for tests) satisfy this; the core
// never constructs a Session directly.
type Dialer interface {
	Dial(ctx context.Context, peer refs.PeerId, addr string) (Session, error)
}
