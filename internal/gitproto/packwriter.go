package gitproto

import (
	"io"

	"github.com/alecthomas/errors"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/go-git/go-git/v5/storage"
)

// updateObjectStorage decodes a packfile stream and writes every object it
// carries into storer, resolving delta bases against storer itself — which
// is how a thin pack (one that omits bases the sender assumes the receiver
// already has) gets "thickened" when storer is the local monorepo.
func updateObjectStorage(r io.Reader, storer storage.Storer) error {
	return errors.Wrap(packfile.UpdateObjectStorage(storer, r), "decode packfile")
}

// PackWriter consumes a packfile stream and commits its objects into a
// storer. Two concrete strategies exist: NativeIndexer expects
// an ordinary (non-thin) pack and indexes it directly; ThinIndexer can
// "thicken" a thin pack missing its delta bases by resolving them against
// the local object database first.
type PackWriter interface {
	// Write consumes the packfile bytes from r and commits the result into
	// storer. stop, if non-nil, is polled so a caller can cancel a running
	// pack write; PackWriter implementations check it but do not own its
	// lifecycle.
	Write(r io.Reader, storer storage.Storer, stop *StopFlag) error
}

// StopFlag is a cooperative cancellation signal shared between a pack
// write's driver and the write itself; the write is only cancel-safe after
// the flag is observed.
type StopFlag struct {
	ch chan struct{}
}

// NewStopFlag constructs an unset StopFlag.
func NewStopFlag() *StopFlag { return &StopFlag{ch: make(chan struct{})} }

// Stop signals cancellation. Safe to call more than once.
func (s *StopFlag) Stop() {
	select {
	case <-s.ch:
	default:
		close(s.ch)
	}
}

// Stopped reports whether Stop has been called.
func (s *StopFlag) Stopped() bool {
	if s == nil {
		return false
	}
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// NativeIndexer indexes an ordinary packfile via go-git's packfile decoder,
// writing objects directly to storer (mirrors plumbing's native
// `index-pack` equivalent; "native" here means "go-git's own", since the
// core never shells out to git for object storage — see C3's design note).
type NativeIndexer struct{}

var _ PackWriter = NativeIndexer{}

func (NativeIndexer) Write(r io.Reader, storer storage.Storer, stop *StopFlag) error {
	if stop.Stopped() {
		return errors.WithStack(ErrCancelled)
	}
	return errors.WithStack(updateObjectStorage(r, storer))
}

// ThinIndexer indexes a thin packfile, resolving delta bases missing from
// the pack itself against the object database already present in storer —
// the "thickening" path used when the remote sends deltas against objects
// the local peer already has.
type ThinIndexer struct {
	// Base, if non-nil, is consulted for delta bases the incoming pack
	// itself does not carry.
	Base storage.Storer
}

var _ PackWriter = ThinIndexer{}

func (t ThinIndexer) Write(r io.Reader, storer storage.Storer, stop *StopFlag) error {
	if stop.Stopped() {
		return errors.WithStack(ErrCancelled)
	}
	base := t.Base
	if base == nil {
		base = storer
	}
	return errors.WithStack(updateObjectStorage(r, base))
}

// ErrCancelled is returned by a PackWriter when stop was observed set
// before the write completed.
var ErrCancelled = errors.New("gitproto: pack write cancelled")
