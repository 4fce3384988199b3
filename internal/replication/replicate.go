// Package replication composes the ref-format, object-store, identity,
// signed-refs, tracking, and pack-protocol packages into the single
// end-to-end operation a peer runs against another peer for one URN:
// peek, identify, authorize, plan, fetch, verify-local, commit, report.
package replication

import (
	"context"
	"crypto/ed25519"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/radicle-link/linkd/internal/gitproto"
	"github.com/radicle-link/linkd/internal/identity"
	"github.com/radicle-link/linkd/internal/objstore"
	"github.com/radicle-link/linkd/internal/refs"
	"github.com/radicle-link/linkd/internal/signedrefs"
	"github.com/radicle-link/linkd/internal/tracking"
	"github.com/radicle-link/linkd/internal/transport"
)

// Engine drives Replicate over a monorepo.
type Engine struct {
	store         *objstore.Store
	identity      *identity.Engine
	tracking      *tracking.Store
	self          refs.PeerId
	secret        ed25519.PrivateKey
	remotesCutoff int
}

// New builds a replication Engine. self/secret are the local peer's own
// identity, used to re-sign the URN's own signed-refs manifest at the end
// of a successful replication.
func New(store *objstore.Store, self refs.PeerId, secret ed25519.PrivateKey) *Engine {
	return &Engine{
		store:         store,
		identity:      identity.New(store),
		tracking:      tracking.New(store),
		self:          self,
		secret:        secret,
		remotesCutoff: signedrefs.DefaultRemotesCutoff,
	}
}

// WithIdentityVerificationCache attaches a memoisation cache to the
// replication engine's identity verifier (identity.Engine.
// WithVerificationCache), so repeated replicate() calls against an
// already-verified identity tip skip re-walking its history. Returns e for
// chaining at construction time.
func (e *Engine) WithIdentityVerificationCache(cache *identity.VerificationCache) *Engine {
	e.identity.WithVerificationCache(cache)
	return e
}

// Hints narrows work Replicate would otherwise have to repeat. Its field is
// optional; a nil/zero Hints behaves as if nothing is known in advance.
type Hints struct {
	// KnownIdentities pre-seeds the delegate-verification cache (keyed by
	// URN string) with identities already verified earlier in the same
	// batch, so a project delegating to a person already verified for a
	// sibling project does not re-peek it.
	KnownIdentities map[string]*identity.Document
}

// fetchSpec is one planned ref update: pull source (as advertised by
// remote) into dest, provided remote's current tip for source still equals
// expectedOid (the owning peer's signed manifest oid) at plan time.
type fetchSpec struct {
	source      string
	dest        refs.RefString
	expectedOid plumbing.Hash
	peer        string
}

// Replicate runs the full replication pipeline against remote for urn, over
// a freshly opened stream on session.
func (e *Engine) Replicate(ctx context.Context, session transport.Session, urn refs.URN, remote refs.PeerId, hints Hints) (*Report, error) {
	if hints.KnownIdentities == nil {
		hints.KnownIdentities = map[string]*identity.Document{}
	}

	stream, err := session.OpenStream(ctx, transport.UpgradeGit)
	if err != nil {
		return nil, &TransportError{Peer: remote.String(), Reason: err.Error()}
	}
	defer stream.Close()

	conn := gitproto.NewConn(stream)
	caps, err := gitproto.Handshake(conn)
	if err != nil {
		return nil, &TransportError{Peer: remote.String(), Reason: err.Error()}
	}

	report := &Report{}

	// --- 1. Peek ---
	ns := refs.NamespaceOf(urn)
	nsPrefix := strings.TrimSuffix(ns.String(), "/")
	peekPrefixes := []string{
		nsPrefix + "/refs/rad/id",
		nsPrefix + "/refs/rad/self",
		nsPrefix + "/refs/rad/ids/",
		nsPrefix + "/refs/rad/signed_refs",
		nsPrefix + "/refs/remotes/",
	}
	peekAds, err := e.lsRefs(conn, caps, nsPrefix, peekPrefixes)
	if err != nil {
		return nil, &TransportError{Peer: remote.String(), Reason: err.Error()}
	}
	n, err := e.fetchAds(conn, caps, peekAds)
	if err != nil {
		return nil, &TransportError{Peer: remote.String(), Reason: err.Error()}
	}
	report.BytesTransferred += n

	idAd, ok := findAd(peekAds, nsPrefix+"/refs/rad/id")
	if !ok {
		return nil, &IdentityInvalidError{URN: urn.String(), Reason: "remote did not advertise refs/rad/id"}
	}

	// --- 2. Identify ---
	doc, err := e.identifyAt(conn, caps, idAd.Oid, hints, map[string]bool{urn.String(): true}, &report.BytesTransferred)
	if err != nil {
		return nil, &IdentityInvalidError{URN: urn.String(), Reason: err.Error()}
	}
	report.NewTip = idAd.Oid

	// --- 3. Authorize ---
	if !e.authorized(doc, urn, remote) {
		return nil, &UnauthorizedError{URN: urn.String(), Peer: remote.String()}
	}

	// --- 4. Plan ---
	// Broaden ls-refs now that we trust the remote, to learn its current
	// tip for every category/name a tracked peer's manifest might name.
	fullAds, err := e.lsRefs(conn, caps, nsPrefix, []string{nsPrefix + "/refs/"})
	if err != nil {
		return nil, &TransportError{Peer: remote.String(), Reason: err.Error()}
	}
	adsByName := make(map[string]plumbing.Hash, len(fullAds))
	for _, ad := range fullAds {
		adsByName[string(ad.Name)] = ad.Oid
	}

	specs, prune, err := e.plan(urn, remote, peekAds, adsByName, report)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	// --- 5. Fetch ---
	var wants []plumbing.Hash
	for _, s := range specs {
		if !e.store.HasObject(s.expectedOid) {
			wants = append(wants, s.expectedOid)
		}
	}
	if len(wants) > 0 {
		res, err := gitproto.Fetch(conn, caps, gitproto.FetchRequest{Wants: wants}, gitproto.NativeIndexer{}, e.store.Repository().Storer, nil)
		if err != nil {
			return nil, &TransportError{Peer: remote.String(), Reason: err.Error()}
		}
		report.BytesTransferred += res.BytesRead
	}

	// --- 6. Verify-local ---
	for _, s := range specs {
		if !e.store.HasObject(s.expectedOid) {
			return nil, &InconsistentSignedRefsError{Peer: s.peer, Reason: "advertised oid not present after fetch: " + s.expectedOid.String()}
		}
	}

	// --- 7. Commit ---
	updates := make([]objstore.Update, 0, len(specs)+1)
	for _, s := range specs {
		updates = append(updates, objstore.Update{
			Name:             s.dest,
			Target:           s.expectedOid,
			ExpectedPrevious: objstore.Any,
		})
	}
	// The local canonical refs/rad/id follows the verified tip commit, so
	// the URN is known locally from the first successful replication on.
	updates = append(updates, objstore.Update{
		Name:             refs.RefString(ns.RadID()),
		Target:           idAd.Oid,
		ExpectedPrevious: objstore.Any,
	})
	if err := e.store.Transact(updates); err != nil {
		if rejected, ok := errors.AsType[*objstore.RejectedError](err); ok {
			return nil, &RefTxConflictError{Reason: rejected.Error()}
		}
		return nil, &StorageIoError{Reason: err.Error()}
	}
	report.Updated = len(updates)

	for _, peer := range prune {
		if err := e.store.Prune(urn, &peer); err != nil {
			return nil, &StorageIoError{Reason: err.Error()}
		}
		report.Pruned++
	}

	if _, _, err := signedrefs.Write(e.store, urn, e.secret, e.remotesCutoff); err != nil {
		if _, ok := errors.AsType[*signedrefs.ContendedError](err); ok {
			return nil, err //nolint:wrapcheck // *signedrefs.ContendedError is already part of the taxonomy
		}
		return nil, &StorageIoError{Reason: err.Error()}
	}

	return report, nil
}

func (e *Engine) lsRefs(conn *gitproto.Conn, caps *gitproto.Capabilities, nsID string, prefixes []string) ([]gitproto.RefAdvertisement, error) {
	return gitproto.LsRefs(conn, gitproto.LsRefsRequest{ //nolint:wrapcheck
		RefPrefixes: prefixes,
		Namespace:   strings.TrimPrefix(strings.TrimSuffix(nsID, "/"), "refs/namespaces/"),
		PreAgent231: gitproto.AgentPredates231(caps.Agent),
	})
}

func (e *Engine) fetchAds(conn *gitproto.Conn, caps *gitproto.Capabilities, ads []gitproto.RefAdvertisement) (int64, error) {
	var wants []plumbing.Hash
	for _, ad := range ads {
		if !e.store.HasObject(ad.Oid) {
			wants = append(wants, ad.Oid)
		}
	}
	if len(wants) == 0 {
		return 0, nil
	}
	res, err := gitproto.Fetch(conn, caps, gitproto.FetchRequest{Wants: wants}, gitproto.NativeIndexer{}, e.store.Repository().Storer, nil)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return res.BytesRead, nil
}

func findAd(ads []gitproto.RefAdvertisement, name string) (gitproto.RefAdvertisement, bool) {
	for _, ad := range ads {
		if string(ad.Name) == name {
			return ad, true
		}
	}
	return gitproto.RefAdvertisement{}, false
}

// identifyAt verifies the identity history rooted at tip, recursively
// peeking and verifying any indirect delegate not already known. visited
// guards against a malicious or cyclic delegation graph recursing forever.
func (e *Engine) identifyAt(conn *gitproto.Conn, caps *gitproto.Capabilities, tip plumbing.Hash, hints Hints, visited map[string]bool, bytesTransferred *int64) (*identity.Document, error) {
	doc, err := e.identity.VerifyHistoryAt(tip)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	for _, d := range doc.Delegations {
		if d.Indirect == nil {
			continue
		}
		key := d.Indirect.URN.String()
		if hints.KnownIdentities[key] != nil || visited[key] {
			continue
		}
		if _, err := e.identity.LoadDocument(identity.URN{URN: d.Indirect.URN, Revision: d.Indirect.Revision}); err == nil {
			continue // already present locally
		}

		visited[key] = true
		delegateAds, err := e.peekDelegate(conn, caps, d.Indirect.URN)
		if err != nil {
			return nil, errors.Wrapf(err, "peek delegate %s", key)
		}
		n, err := e.fetchAds(conn, caps, delegateAds)
		if err != nil {
			return nil, errors.Wrapf(err, "fetch delegate %s", key)
		}
		*bytesTransferred += n

		sub, err := e.identifyAt(conn, caps, d.Indirect.Revision, hints, visited, bytesTransferred)
		if err != nil {
			return nil, errors.Wrapf(err, "verify delegate %s", key)
		}
		hints.KnownIdentities[key] = sub
	}
	return doc, nil
}

func (e *Engine) peekDelegate(conn *gitproto.Conn, caps *gitproto.Capabilities, delegate refs.URN) ([]gitproto.RefAdvertisement, error) {
	ns := refs.NamespaceOf(delegate)
	prefix := strings.TrimSuffix(ns.String(), "/")
	return e.lsRefs(conn, caps, prefix, []string{prefix + "/refs/rad/id"}) //nolint:wrapcheck
}

// authorized decides whether remote's view of urn is trusted: trust is
// unconditional for a direct delegate, otherwise contingent on an explicit
// tracking entry.
func (e *Engine) authorized(doc *identity.Document, urn refs.URN, remote refs.PeerId) bool {
	for _, d := range doc.Delegations {
		if d.Key != nil && string(d.Key) == string(remote.PublicKey()) {
			return true
		}
	}
	return e.tracking.IsTracked(urn, remote)
}

// plan computes the fetchspecs: for every tracked peer (remote itself
// included), read its signed-refs manifest from the objects already
// fetched during peek, and queue an update per listed ref whose oid the
// remote still advertises. The per-peer source ref on the wire is the
// peer's own canonical path when that peer is remote itself, or its mirror
// under remote's refs/remotes/<peer>/... otherwise — remote only ever
// re-serves a mirror it tracks, never another peer's canonical refs.
func (e *Engine) plan(urn refs.URN, remote refs.PeerId, peekAds []gitproto.RefAdvertisement, adsByName map[string]plumbing.Hash, report *Report) ([]fetchSpec, []refs.PeerId, error) {
	ns := refs.NamespaceOf(urn)
	nsPrefix := strings.TrimSuffix(ns.String(), "/")

	tracked, err := e.tracking.Tracked(&urn)
	if err != nil {
		return nil, nil, &StorageIoError{Reason: err.Error()}
	}

	peers := map[string]refs.PeerId{remote.String(): remote}
	for _, t := range tracked {
		if t.Peer != nil {
			peers[t.Peer.String()] = *t.Peer
		}
	}

	var specs []fetchSpec
	newSet := map[string]bool{}
	for peerStr, peer := range peers {
		var docAd, sigAd gitproto.RefAdvertisement
		var ok bool
		if peer.Equal(remote) {
			docAd, ok = findAd(peekAds, nsPrefix+"/refs/rad/signed_refs")
			if !ok {
				continue
			}
			sigAd, ok = findAd(peekAds, nsPrefix+"/refs/rad/signed_refs.sig")
			if !ok {
				continue
			}
		} else {
			mirrorPrefix := nsPrefix + "/refs/remotes/" + peerStr + "/rad/signed_refs"
			docAd, ok = findAd(peekAds, mirrorPrefix)
			if !ok {
				continue
			}
			sigAd, ok = findAd(peekAds, mirrorPrefix+".sig")
			if !ok {
				continue
			}
		}
		loaded, err := signedrefs.LoadAt(e.store, peer, docAd.Oid, sigAd.Oid)
		if err != nil {
			return nil, nil, &InconsistentSignedRefsError{Peer: peerStr, Reason: err.Error()}
		}
		manifest := loaded.Manifest

		newSet[peerStr] = true

		// The manifest blob pair itself lands under the peer's mirror too, so
		// a later Load against the mirror sees exactly what was verified here.
		specs = append(specs,
			fetchSpec{
				source:      string(docAd.Name),
				dest:        refs.RefString(ns.Remote(peer, "rad/signed_refs").String()),
				expectedOid: docAd.Oid,
				peer:        peerStr,
			},
			fetchSpec{
				source:      string(sigAd.Name),
				dest:        refs.RefString(ns.Remote(peer, "rad/signed_refs.sig").String()),
				expectedOid: sigAd.Oid,
				peer:        peerStr,
			})

		for category, names := range manifest.Refs {
			for name, oidHex := range names {
				if category == "rad" && (name == "signed_refs" || name == "signed_refs.sig") {
					// already planned from the live advertisement above; the
					// manifest's own entry is one write behind by construction
					continue
				}
				var source string
				if peer.Equal(remote) {
					source = nsPrefix + "/refs/" + category + "/" + name
				} else {
					source = nsPrefix + "/refs/remotes/" + peerStr + "/" + category + "/" + name
				}
				dest := ns.Remote(peer, category+"/"+name)

				advertised, ok := adsByName[source]
				if !ok || advertised.String() != oidHex {
					report.Rejected++
					continue
				}
				specs = append(specs, fetchSpec{
					source:      source,
					dest:        refs.RefString(dest.String()),
					expectedOid: advertised,
					peer:        peerStr,
				})
			}
		}
	}

	existing, err := e.store.Remotes(urn)
	if err != nil {
		return nil, nil, &StorageIoError{Reason: err.Error()}
	}
	var prune []refs.PeerId
	for _, peer := range existing {
		if !newSet[peer.String()] {
			prune = append(prune, peer)
		}
	}

	return specs, prune, nil
}
