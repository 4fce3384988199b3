// Package tracking implements the per-(URN, peer) policy store: tracking
// entries are Git refs under refs/rad/tracking/<peer-or-"default">
// pointing at small canonical-JSON Config blobs.
package tracking

import (
	"strings"

	"github.com/alecthomas/errors"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/radicle-link/linkd/internal/objstore"
	"github.com/radicle-link/linkd/internal/refs"
)

// CobsPolicy governs which collaborative-object types/ids a tracking entry
// replicates.
type CobsPolicy struct {
	AllowAll bool
	DenyAll  bool
	Allowed  map[string][]string // cob type -> allowed oids (empty slice means "all of this type")
}

// Config is the policy payload of one tracking entry.
type Config struct {
	Data bool
	Cobs CobsPolicy
}

// Entry is one resolved tracking entry.
type Entry struct {
	URN    refs.URN
	Peer   *refs.PeerId // nil means the URN's "default" entry
	Config Config
}

// Policy constrains whether Track is permitted to create or overwrite an
// entry, mirroring the ref-transaction Previous semantics it is built on.
type Policy int

const (
	// Any creates or overwrites unconditionally.
	Any Policy = iota
	// MustNotExist fails if an entry for (urn, peer) already exists.
	MustNotExist
	// MustExist fails unless an entry for (urn, peer) already exists.
	MustExist
)

// Store is the tracking policy store over a monorepo.
type Store struct {
	objstore *objstore.Store
}

// New builds a Store over a monorepo handle.
func New(store *objstore.Store) *Store { return &Store{objstore: store} }

func trackingRef(urn refs.URN, peer *refs.PeerId) refs.RefString {
	ns := refs.NamespaceOf(urn)
	return refs.RefString(ns.Tracking(peer).String())
}

// Track creates or updates the tracking entry for (urn, peer) with config,
// subject to policy. peer == nil tracks the URN's "default" entry. Per spec
// §4.6's invariant, every tracking entry (other than "default") names a URN
// whose refs/rad/id already exists.
func (s *Store) Track(urn refs.URN, peer *refs.PeerId, config Config, policy Policy) (*Entry, error) {
	if peer != nil && !s.objstore.HasURN(urn) {
		return nil, &NoSuchURNError{URN: urn.String()}
	}

	name := trackingRef(urn, peer)
	canonical, err := canonicaliseConfig(config)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	oid, err := s.objstore.WriteBlob(canonical)
	if err != nil {
		return nil, errors.Wrap(err, "write tracking config blob")
	}

	expected := objstore.Any
	switch policy {
	case MustNotExist:
		expected = objstore.MustNotExist
	case MustExist:
		// MustExistAndMatch with a wildcard match isn't expressible; use
		// IfExistsMustMatch against the current oid is unnecessary here —
		// callers asking for MustExist want "fail if absent", handled by a
		// HasRef precheck instead of a transaction precondition, since the
		// new value need not match the old one.
		if !s.objstore.HasRef(name) {
			return nil, &NotFoundError{URN: urn.String(), Peer: peerString(peer)}
		}
	case Any:
	}

	if err := s.objstore.Transact([]objstore.Update{
		{Name: name, Target: oid, ExpectedPrevious: expected},
	}); err != nil {
		return nil, errors.Wrap(err, "commit tracking entry")
	}
	return &Entry{URN: urn, Peer: peer, Config: config}, nil
}

// Untrack removes the tracking entry for (urn, peer), subject to policy.
func (s *Store) Untrack(urn refs.URN, peer *refs.PeerId, policy Policy) error {
	name := trackingRef(urn, peer)
	oid, err := s.objstore.ReferenceOid(name)
	if err != nil {
		if policy == MustExist {
			return &NotFoundError{URN: urn.String(), Peer: peerString(peer)}
		}
		return nil
	}
	return errors.Wrap(s.objstore.Transact([]objstore.Update{
		{Name: name, Delete: true, ExpectedPrevious: objstore.MustExistAndMatch, ExpectedOid: oid},
	}), "commit untrack")
}

// IsTracked reports whether a tracking entry for (urn, peer) — or the
// URN's "default" entry — exists.
func (s *Store) IsTracked(urn refs.URN, peer refs.PeerId) bool {
	if s.objstore.HasRef(trackingRef(urn, &peer)) {
		return true
	}
	return s.objstore.HasRef(trackingRef(urn, nil))
}

// Tracked enumerates tracking entries. If urn is nil, all URNs are
// enumerated; order follows the underlying ref enumeration, i.e.
// unspecified beyond what the object store happens to return.
func (s *Store) Tracked(urn *refs.URN) ([]Entry, error) {
	var pattern refs.Pattern
	if urn != nil {
		ns := refs.NamespaceOf(*urn)
		pattern = refs.Pattern(strings.TrimSuffix(ns.String(), "/") + "/refs/rad/tracking/*")
	} else {
		// Patterns allow a single '*', so match every namespaced ref here;
		// parseTrackingRefName skips the ones that are not tracking refs.
		p, err := refs.ParsePattern("refs/namespaces/*")
		if err != nil {
			return nil, errors.WithStack(err)
		}
		pattern = p
	}

	refList, err := s.objstore.References(pattern)
	if err != nil {
		return nil, errors.Wrap(err, "enumerate tracking refs")
	}

	entries := make([]Entry, 0, len(refList))
	for _, r := range refList {
		entry, err := parseTrackingRefName(r.Name().String())
		if err != nil {
			continue //nolint:nolintlint // malformed tracking ref names are skipped, not fatal
		}
		config, err := s.readConfig(r.Hash())
		if err != nil {
			return nil, errors.Wrapf(err, "read tracking config at %s", r.Name())
		}
		entry.Config = config
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Store) readConfig(oid plumbing.Hash) (Config, error) {
	raw, err := s.objstore.ReadBlobOid(oid)
	if err != nil {
		return Config{}, errors.WithStack(err)
	}
	return parseConfig(raw)
}

func parseTrackingRefName(name string) (Entry, error) {
	// refs/namespaces/<urn-id>/refs/rad/tracking/<peer-or-"default">
	const prefix = "refs/namespaces/"
	rest := strings.TrimPrefix(name, prefix)
	urnID, rest, ok := strings.Cut(rest, "/refs/rad/tracking/")
	if !ok {
		return Entry{}, errors.Errorf("not a tracking ref: %s", name)
	}
	urn, err := refs.ParseURN("rad:git:" + urnID)
	if err != nil {
		return Entry{}, errors.Wrap(err, "parse urn from tracking ref")
	}
	if rest == "default" {
		return Entry{URN: urn}, nil
	}
	peer, err := refs.ParsePeerId(rest)
	if err != nil {
		return Entry{}, errors.Wrap(err, "parse peer from tracking ref")
	}
	return Entry{URN: urn, Peer: &peer}, nil
}

func peerString(peer *refs.PeerId) string {
	if peer == nil {
		return "default"
	}
	return peer.String()
}
