// Package gossip implements the partial-membership broadcast protocol:
// peers exchange Have/Want announcements about new tips for
// URNs they hold, each carrying a monotonically incrementing hop count, and
// apply() decides whether to fetch, forward, suppress, or request
// retransmission of every message it receives exactly once.
package gossip

import (
	"math/rand/v2"
	"strconv"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/radicle-link/linkd/internal/refs"
)

// PeerInfo is a peer identity together with the dial hints needed to open a
// session to it, carried as the origin of a gossip Message.
type PeerInfo struct {
	Peer  refs.PeerId
	Addrs []string
}

// Payload is the thing a Have/Want message is about: a claim that Origin's
// view of URN now includes Rev.
type Payload struct {
	URN refs.URN
	Rev plumbing.Hash
}

// Ext carries the v2 wire extensions: a per-origin sequence number (for
// dedup alongside the seen filter) and a forwarding hop count.
type Ext struct {
	Seqno uint64
	Hop   uint
}

func newExt() Ext {
	return Ext{Seqno: rand.Uint64()} //nolint:gosec // dedup nonce, not a cryptographic value
}

func (e Ext) nextHop() Ext {
	return Ext{Seqno: e.Seqno, Hop: e.Hop + 1}
}

// Kind distinguishes Have from Want without exposing a sum type to callers
// that only need to route on it (logging, metrics).
type Kind int

const (
	KindHave Kind = iota
	KindWant
)

// Message is one gossip announcement or request.
type Message struct {
	Kind    Kind
	Origin  PeerInfo
	Payload Payload
	Ext     Ext
}

// Have builds a Have message announcing that origin now has payload.
func Have(origin PeerInfo, payload Payload) Message {
	return Message{Kind: KindHave, Origin: origin, Payload: payload, Ext: newExt()}
}

// Want builds a Want message asking the network for payload on behalf of
// origin.
func Want(origin PeerInfo, payload Payload) Message {
	return Message{Kind: KindWant, Origin: origin, Payload: payload, Ext: newExt()}
}

func (m Message) nextHop() Message {
	m.Ext = m.Ext.nextHop()
	return m
}

// seenKey identifies a message for the purposes of the seen filter: same
// origin and same sequence number is the same message, regardless of how
// many hops it has since accumulated.
func (m Message) seenKey() string {
	kind := byte('H')
	if m.Kind == KindWant {
		kind = 'W'
	}
	return string(kind) + m.Origin.Peer.String() + ":" + strconv.FormatUint(m.Ext.Seqno, 36)
}
