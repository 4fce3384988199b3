// Package waitingroom implements the URN-resolution state machine: "I want
// this URN" turns into a sequence of Query/Clone commands against candidate
// peers, with exponential retry and an attempts bound. Inputs are one
// method per event; side effects come back as Command values for the caller
// to act on, keeping the machine itself pure and clockless.
package waitingroom

import (
	"math/rand/v2"
	"time"

	"github.com/radicle-link/linkd/internal/refs"
)

// RequestState is where one URN's resolution request currently stands.
type RequestState int

const (
	Created RequestState = iota
	Requested
	Found
	Cloning
	Cloned
	Canceled
	TimedOut
)

func (s RequestState) String() string {
	switch s {
	case Created:
		return "created"
	case Requested:
		return "requested"
	case Found:
		return "found"
	case Cloning:
		return "cloning"
	case Cloned:
		return "cloned"
	case Canceled:
		return "canceled"
	case TimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// PeerState tracks one candidate peer's progress within a request.
type PeerState int

const (
	PeerAvailable PeerState = iota
	PeerCloning
	PeerFailed
)

// PeerEntry is one candidate peer's state within a request.
type PeerEntry struct {
	State       PeerState
	FailReason  string
	LastAttempt time.Time
}

// Entry is one URN's resolution request.
type Entry struct {
	URN            refs.URN
	State          RequestState
	Peers          map[string]*PeerEntry
	Attempts       int
	LastTransition time.Time
	LastQuery      time.Time
}

// Command is what Tick asks the caller to do next.
type Command struct {
	Kind CommandKind
	URN  refs.URN
	Peer refs.PeerId
}

type CommandKind int

const (
	CommandQuery CommandKind = iota
	CommandClone
	CommandTimedOut
)

// Config bounds the retry schedule: exponential backoff with jitter,
// capped, with query and clone intervals independent of each other.
type Config struct {
	MaxAttempts     int           `hcl:"max_attempts,optional" help:"Failed clone attempts for a URN, across all its peers, before its request times out." default:"10"`
	QueryInterval   time.Duration `hcl:"query_interval,optional" help:"Base interval between URN-resolution queries." default:"5s"`
	QueryBackoffMax time.Duration `hcl:"query_backoff_max,optional" help:"Cap on the exponential query backoff." default:"5m"`
	CloneCooldown   time.Duration `hcl:"clone_cooldown,optional" help:"Minimum interval between clone attempts against the same peer." default:"10s"`
}

// DefaultConfig is a conservative polling schedule.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     10,
		QueryInterval:   5 * time.Second,
		QueryBackoffMax: 5 * time.Minute,
		CloneCooldown:   10 * time.Second,
	}
}

// Room holds all in-flight resolution requests. It is not safe for
// concurrent use without external locking; callers run it on a single task
// loop.
type Room struct {
	config  Config
	entries map[string]*Entry
}

// New builds an empty Room.
func New(config Config) *Room {
	if config.MaxAttempts == 0 {
		config = DefaultConfig()
	}
	return &Room{config: config, entries: map[string]*Entry{}}
}

// ErrNoSuchRequest is returned by operations that require an existing entry.
type ErrNoSuchRequest struct {
	URN string
}

func (e *ErrNoSuchRequest) Error() string { return "no request for urn " + e.URN }

// ErrBadTransition is returned when an operation's state precondition is
// not satisfied.
type ErrBadTransition struct {
	URN  string
	From RequestState
	Op   string
}

func (e *ErrBadTransition) Error() string {
	return "waiting room: cannot " + e.Op + " urn " + e.URN + " in state " + e.From.String()
}

// Request creates an entry in Created state, idempotently: a second
// Request for an already-known URN is a no-op returning the existing entry.
func (r *Room) Request(urn refs.URN, now time.Time) *Entry {
	key := urn.String()
	if e, ok := r.entries[key]; ok {
		return e
	}
	e := &Entry{
		URN:            urn,
		State:          Created,
		Peers:          map[string]*PeerEntry{},
		LastTransition: now,
	}
	r.entries[key] = e
	return e
}

// Queried transitions Created -> Requested.
func (r *Room) Queried(urn refs.URN, now time.Time) error {
	e, ok := r.entries[urn.String()]
	if !ok {
		return &ErrNoSuchRequest{URN: urn.String()}
	}
	if e.State != Created {
		return &ErrBadTransition{URN: urn.String(), From: e.State, Op: "queried"}
	}
	e.State = Requested
	e.LastQuery = now
	e.LastTransition = now
	return nil
}

// Found adds peer as a candidate and ensures the entry is in Found state.
// Valid from Requested or Found only.
func (r *Room) Found(urn refs.URN, peer refs.PeerId, now time.Time) error {
	e, ok := r.entries[urn.String()]
	if !ok {
		return &ErrNoSuchRequest{URN: urn.String()}
	}
	if e.State != Requested && e.State != Found {
		return &ErrBadTransition{URN: urn.String(), From: e.State, Op: "found"}
	}
	if _, exists := e.Peers[peer.String()]; !exists {
		e.Peers[peer.String()] = &PeerEntry{State: PeerAvailable}
	}
	e.State = Found
	e.LastTransition = now
	return nil
}

// Cloning transitions peer (which must already be known) to PeerCloning and
// moves the entry to Cloning.
func (r *Room) Cloning(urn refs.URN, peer refs.PeerId, now time.Time) error {
	e, ok := r.entries[urn.String()]
	if !ok {
		return &ErrNoSuchRequest{URN: urn.String()}
	}
	p, ok := e.Peers[peer.String()]
	if !ok {
		return &ErrBadTransition{URN: urn.String(), From: e.State, Op: "cloning: unknown peer"}
	}
	p.State = PeerCloning
	p.LastAttempt = now
	e.State = Cloning
	e.LastTransition = now
	return nil
}

// Cloned moves a request to its terminal Cloned state. The peer must be
// PeerCloning.
func (r *Room) Cloned(urn refs.URN, peer refs.PeerId, now time.Time) error {
	e, ok := r.entries[urn.String()]
	if !ok {
		return &ErrNoSuchRequest{URN: urn.String()}
	}
	p, ok := e.Peers[peer.String()]
	if !ok || p.State != PeerCloning {
		return &ErrBadTransition{URN: urn.String(), From: e.State, Op: "cloned"}
	}
	e.State = Cloned
	e.LastTransition = now
	return nil
}

// CloningFailed marks peer as failed and steps the entry back to Found (if
// another peer remains available) or Requested (if none do), incrementing
// the attempts counter and emitting TimedOut once it exceeds the
// configured maximum.
func (r *Room) CloningFailed(urn refs.URN, peer refs.PeerId, reason string, now time.Time) (timedOut bool, err error) {
	e, ok := r.entries[urn.String()]
	if !ok {
		return false, &ErrNoSuchRequest{URN: urn.String()}
	}
	p, ok := e.Peers[peer.String()]
	if !ok || p.State != PeerCloning {
		return false, &ErrBadTransition{URN: urn.String(), From: e.State, Op: "cloning-failed"}
	}

	p.State = PeerFailed
	p.FailReason = reason
	e.Attempts++

	if anyAvailable(e) {
		e.State = Found
	} else {
		e.State = Requested
		e.LastQuery = now // re-query promptly once every candidate has failed
	}
	e.LastTransition = now

	if e.Attempts > r.config.MaxAttempts {
		e.State = TimedOut
		return true, nil
	}
	return false, nil
}

func anyAvailable(e *Entry) bool {
	for _, p := range e.Peers {
		if p.State == PeerAvailable {
			return true
		}
	}
	return false
}

// Cancel removes the entry, returning the state it was in before removal.
func (r *Room) Cancel(urn refs.URN) (RequestState, error) {
	e, ok := r.entries[urn.String()]
	if !ok {
		return 0, &ErrNoSuchRequest{URN: urn.String()}
	}
	delete(r.entries, urn.String())
	return e.State, nil
}

// Get returns the entry for urn, if any.
func (r *Room) Get(urn refs.URN) (*Entry, bool) {
	e, ok := r.entries[urn.String()]
	return e, ok
}

// Remove deletes a TimedOut (or any) entry outright; used once its
// TimedOut command has been handled. TimedOut entries otherwise stay put,
// so repeated Ticks keep reporting them until the caller acts.
func (r *Room) Remove(urn refs.URN) {
	delete(r.entries, urn.String())
}

// backoff computes the exponential-with-jitter delay for the nth query
// retry (n is 0-based: the first retry after the initial query), capped at
// QueryBackoffMax.
func (c Config) backoff(attempt int) time.Duration {
	d := c.QueryInterval
	for i := 0; i < attempt && d < c.QueryBackoffMax; i++ {
		d *= 2
	}
	if d > c.QueryBackoffMax {
		d = c.QueryBackoffMax
	}
	jitter := time.Duration(rand.Int64N(int64(d) / 2)) //nolint:gosec // jitter, not a cryptographic value
	return d/2 + jitter
}

// Tick computes, for every entry, the next command due: Query if Requested
// and its backoff interval has elapsed, Clone if Found and the clone
// cooldown has elapsed for some available peer, or TimedOut for an entry
// in TimedOut state, on every Tick until the entry is removed. Entries in
// Created, Cloning, Cloned or Canceled state yield no command.
func (r *Room) Tick(now time.Time) []Command {
	var cmds []Command
	for _, e := range r.entries {
		switch e.State {
		case Requested:
			if now.Sub(e.LastQuery) >= r.config.backoff(e.Attempts) {
				e.LastQuery = now
				cmds = append(cmds, Command{Kind: CommandQuery, URN: e.URN})
			}
		case Found:
			for peerStr, p := range e.Peers {
				if p.State != PeerAvailable {
					continue
				}
				if now.Sub(p.LastAttempt) < r.config.CloneCooldown {
					continue
				}
				peer, err := refs.ParsePeerId(peerStr)
				if err != nil {
					continue
				}
				p.LastAttempt = now
				cmds = append(cmds, Command{Kind: CommandClone, URN: e.URN, Peer: peer})
			}
		case Created, Cloning, Cloned, Canceled:
			// no outstanding command
		case TimedOut:
			cmds = append(cmds, Command{Kind: CommandTimedOut, URN: e.URN})
		}
	}
	return cmds
}

// Requests snapshots all entries, keyed by URN string, for persistence or
// introspection.
func (r *Room) Requests() map[string]*Entry {
	out := make(map[string]*Entry, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}
