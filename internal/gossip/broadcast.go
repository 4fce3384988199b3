package gossip

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/radicle-link/linkd/internal/refs"
)

// PutResult is LocalStorage.Put's verdict on an announced payload.
type PutResult int

const (
	// PutApplied means the announced tip was fetched and is now locally
	// reachable, with Applied carrying the payload to re-announce (its Rev
	// may differ from what was announced, e.g. a range rather than a tip).
	PutApplied PutResult = iota
	// PutStale means the announced tip is already known and behind the
	// local tip; no further action is taken.
	PutStale
	// PutUninteresting means the payload's URN is not tracked locally (or
	// the peer isn't authorized for it); the message is forwarded, never
	// retried.
	PutUninteresting
	// PutError means replication failed for a reason that might be
	// transient (network, contention); the message is forwarded and,
	// rate permitting, a Want is broadcast for it.
	PutError
)

// LocalStorage bridges gossip into the replication engine. It is kept as
// an interface deliberately, so tests can supply an in-memory double
// instead of a real replication engine.
type LocalStorage interface {
	// Put maps payload into the right ref context (own refs vs
	// refs/remotes/<origin>/...), checks tracking, and replicates it if
	// appropriate.
	Put(ctx context.Context, origin PeerInfo, payload Payload) (PutResult, Payload)
	// Ask reports whether payload's URN/Rev is already present locally.
	Ask(ctx context.Context, payload Payload) bool
}

// Tock is one outbound message the Engine wants sent to the peer in To. A
// broadcast yields one Tock per current member other than the excluded
// sender; a direct reply to a Want's origin yields a single Tock.
type Tock struct {
	To      refs.PeerId
	Message Message
}

// RateLimits configures the two token-bucket limiters: one global for
// error-triggered Want retransmission, one keyed by recipient for Wants
// themselves.
type RateLimits struct {
	// ErrorsPerSecond/ErrorsBurst bound how often a Put-error is allowed to
	// trigger a Want retransmission, network-wide.
	ErrorsPerSecond float64 `hcl:"errors_per_second,optional" help:"Put-error-triggered Want retransmissions allowed per second." default:"1"`
	ErrorsBurst     int     `hcl:"errors_burst,optional" help:"Burst allowance for error-triggered Want retransmissions." default:"5"`
	// WantsPerSecond/WantsBurst bound how many Wants naming the same
	// recipient as origin this peer will act on per second.
	WantsPerSecond float64 `hcl:"wants_per_second,optional" help:"Wants naming this peer as origin honoured per second, per sender." default:"1"`
	WantsBurst     int     `hcl:"wants_burst,optional" help:"Burst allowance for honoured Wants." default:"5"`
}

// DefaultRateLimits is the fallback for unconfigured token buckets: a
// handful of events per second with a small burst allowance.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		ErrorsPerSecond: 1,
		ErrorsBurst:     5,
		WantsPerSecond:  1,
		WantsBurst:      5,
	}
}

// Engine is the membership + broadcast driver. Each Apply call is
// single-threaded and deterministic; it is safe to call Apply concurrently
// from different inbound streams, since the seen-filter and rate limiters
// are internally synchronised, but no ordering is guaranteed across
// streams — deduplication makes that unnecessary.
type Engine struct {
	membership Membership
	storage    LocalStorage
	self       func() PeerInfo
	seen       *seenFilter

	errLimiter   *rate.Limiter
	wantLimiters *perPeerLimiters
}

// NewEngine builds a broadcast Engine. self returns this peer's own
// PeerInfo lazily (addresses may change at runtime).
func NewEngine(membership Membership, storage LocalStorage, self func() PeerInfo, limits RateLimits) *Engine {
	return &Engine{
		membership:   membership,
		storage:      storage,
		self:         self,
		seen:         newSeenFilter(),
		errLimiter:   rate.NewLimiter(rate.Limit(limits.ErrorsPerSecond), limits.ErrorsBurst),
		wantLimiters: newPerPeerLimiters(limits.WantsPerSecond, limits.WantsBurst),
	}
}

// ErrUnsolicited is returned by Apply when remote is not a current
// membership-view member.
type ErrUnsolicited struct {
	Remote refs.PeerId
}

func (e *ErrUnsolicited) Error() string {
	return "unsolicited message from " + e.Remote.String()
}

// Apply processes one inbound message: dedup, membership check, then the
// Have/Want state machine, returning the outbound Tocks the caller should
// send.
func (e *Engine) Apply(ctx context.Context, remote refs.PeerId, msg Message) ([]Tock, error) {
	if e.seen.seenOrMark(msg.seenKey()) {
		return nil, nil
	}

	if !e.membership.IsMember(remote) {
		return nil, &ErrUnsolicited{Remote: remote}
	}

	switch msg.Kind {
	case KindHave:
		return e.applyHave(ctx, remote, msg), nil
	case KindWant:
		return e.applyWant(ctx, remote, msg), nil
	default:
		return nil, nil
	}
}

func (e *Engine) broadcast(msg Message, exclude *refs.PeerId) []Tock {
	members := e.membership.Members(exclude)
	tocks := make([]Tock, 0, len(members))
	for _, to := range members {
		tocks = append(tocks, Tock{To: to, Message: msg})
	}
	return tocks
}

func (e *Engine) applyHave(ctx context.Context, remote refs.PeerId, msg Message) []Tock {
	result, applied := e.storage.Put(ctx, msg.Origin, msg.Payload)

	switch result {
	case PutApplied:
		fresh := Have(e.self(), applied)
		return e.broadcast(fresh, &remote)

	case PutError:
		var tocks []Tock
		tocks = append(tocks, e.broadcast(msg.nextHop(), &remote)...)
		if e.errLimiter.Allow() {
			tocks = append(tocks, e.broadcast(Want(e.self(), msg.Payload), nil)...)
		}
		return tocks

	case PutUninteresting:
		return e.broadcast(msg.nextHop(), &remote)

	case PutStale:
		return nil

	default:
		return nil
	}
}

func (e *Engine) applyWant(ctx context.Context, remote refs.PeerId, msg Message) []Tock {
	if !e.wantLimiters.allow(msg.Origin.Peer) {
		return nil
	}

	if e.storage.Ask(ctx, msg.Payload) {
		reply := Have(e.self(), msg.Payload)
		if msg.Origin.Peer.Equal(remote) {
			return []Tock{{To: remote, Message: reply}}
		}
		return e.broadcast(reply, &remote)
	}

	return e.broadcast(msg.nextHop(), &remote)
}
