// Package signedrefs computes, signs, writes, and verifies the canonical
// "signed-refs" manifest a peer publishes for a URN: a signed,
// content-addressed snapshot of which oids its heads/tags/rad/cobs refs
// currently point at, plus the last-seen signed-refs oid of each of its own
// remotes.
package signedrefs

import (
	"strings"

	"github.com/alecthomas/errors"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/radicle-link/linkd/internal/objstore"
	"github.com/radicle-link/linkd/internal/refs"
)

// Manifest is one peer's view of a URN's refs.
type Manifest struct {
	Refs    map[string]map[string]string // category ("heads"/"tags"/"rad"/"cobs") -> name -> oid (hex)
	Remotes map[string]string            // peer id string -> that remote's signed_refs oid (hex)
}

// docPath and sigPath are the leaf names of the refs/rad/signed_refs and
// refs/rad/signed_refs.sig refs. Unlike identity documents, the manifest
// blob and its detached signature are not wrapped in a commit or tree:
// each of the two refs points straight at its blob.
const (
	docPath = "signed_refs"
	sigPath = "signed_refs.sig"
)

// DefaultRemotesCutoff is the remotes cutoff passed to Compute by Write's
// callers. Compute lists the signed-refs oid of every direct remote in
// Remotes when the cutoff is positive and none when it is zero or less; the
// value does not limit how many remotes are listed, and remotes of remotes
// are never followed.
const DefaultRemotesCutoff = 3

var refCategories = []string{"heads", "tags", "rad", "cobs"}

// Compute builds the manifest of subject's refs under urn in store. subject
// nil means the local peer's own top-level namespace subtree; non-nil means
// the mirrored refs/remotes/<peer>/** subtree of a specific remote.
func Compute(store *objstore.Store, urn refs.URN, subject *refs.PeerId, remotesCutoff int) (*Manifest, error) {
	ns := refs.NamespaceOf(urn)
	var prefix string
	if subject == nil {
		prefix = ns.String() + "refs/"
	} else {
		prefix = ns.String() + "refs/remotes/" + subject.String() + "/"
	}

	iter, err := store.Repository().References()
	if err != nil {
		return nil, errors.Wrap(err, "list references")
	}
	defer iter.Close()

	m := &Manifest{Refs: map[string]map[string]string{}, Remotes: map[string]string{}}
	err = iter.ForEach(func(r *plumbing.Reference) error {
		name := r.Name().String()
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		rel := strings.TrimPrefix(name, prefix)
		category, leaf, ok := strings.Cut(rel, "/")
		if !ok || leaf == "" {
			return nil
		}
		if !isRefCategory(category) {
			return nil
		}
		if m.Refs[category] == nil {
			m.Refs[category] = map[string]string{}
		}
		m.Refs[category][leaf] = r.Hash().String()
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "enumerate refs")
	}

	if remotesCutoff <= 0 {
		return m, nil
	}
	remotePeers, err := store.Remotes(urn)
	if err != nil {
		return nil, errors.Wrap(err, "list remotes")
	}
	for _, peer := range remotePeers {
		oid, err := store.ReferenceOid(refs.RefString(ns.Remote(peer, "rad/signed_refs").String()))
		if err != nil {
			continue
		}
		m.Remotes[peer.String()] = oid.String()
	}
	return m, nil
}

func isRefCategory(c string) bool {
	for _, want := range refCategories {
		if c == want {
			return true
		}
	}
	return false
}

func (m *Manifest) toCanonical() map[string]any {
	refsObj := make(map[string]any, len(m.Refs))
	for category, names := range m.Refs {
		inner := make(map[string]any, len(names))
		for name, oid := range names {
			inner[name] = oid
		}
		refsObj[category] = inner
	}
	remotesObj := make(map[string]any, len(m.Remotes))
	for peer, oid := range m.Remotes {
		remotesObj[peer] = oid
	}
	return map[string]any{"refs": refsObj, "remotes": remotesObj}
}

func manifestFromCanonical(decoded any) (*Manifest, error) {
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, &UnparseableError{Reason: "signed-refs document must be a JSON object"}
	}
	m := &Manifest{Refs: map[string]map[string]string{}, Remotes: map[string]string{}}

	if refsObj, ok := obj["refs"].(map[string]any); ok {
		for category, v := range refsObj {
			inner, ok := v.(map[string]any)
			if !ok {
				continue
			}
			names := make(map[string]string, len(inner))
			for name, oidVal := range inner {
				oid, ok := oidVal.(string)
				if !ok {
					return nil, &UnparseableError{Reason: "ref oid must be a string"}
				}
				names[name] = oid
			}
			m.Refs[category] = names
		}
	}
	if remotesObj, ok := obj["remotes"].(map[string]any); ok {
		for peer, v := range remotesObj {
			oid, ok := v.(string)
			if !ok {
				return nil, &UnparseableError{Reason: "remote oid must be a string"}
			}
			m.Remotes[peer] = oid
		}
	}
	return m, nil
}
