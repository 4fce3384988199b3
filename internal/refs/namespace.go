package refs

import (
	"net/url"
	"strings"

	"github.com/alecthomas/errors"
)

// Namespace is the "refs/namespaces/<urn-id>/" prefix under which all refs
// for one URN live in the monorepo.
type Namespace struct {
	urnID string // multibase-encoded
}

// NamespaceOf returns the namespace for a URN.
func NamespaceOf(u URN) Namespace {
	return Namespace{urnID: u.EncodedID()}
}

func (n Namespace) String() string { return "refs/namespaces/" + n.urnID + "/" }

// Qualify turns a category-relative reference (e.g. "heads/main") into the
// full namespaced reference under this namespace.
func (n Namespace) Qualify(rel string) (Namespaced, error) {
	full := n.String() + "refs/" + strings.TrimPrefix(rel, "refs/")
	return ParseNamespaced(full)
}

// Canonical category helpers.

func (n Namespace) RadID() Namespaced              { ns, _ := n.Qualify("rad/id"); return ns }
func (n Namespace) RadSelf() Namespaced             { ns, _ := n.Qualify("rad/self"); return ns }
func (n Namespace) RadSignedRefs() Namespaced       { ns, _ := n.Qualify("rad/signed_refs"); return ns }
func (n Namespace) RadSignedRefsSig() Namespaced    { ns, _ := n.Qualify("rad/signed_refs.sig"); return ns }
func (n Namespace) RadIDs(delegate URN) Namespaced {
	ns, _ := n.Qualify("rad/ids/" + delegate.EncodedID())
	return ns
}
func (n Namespace) Head(name string) Namespaced { ns, _ := n.Qualify("heads/" + name); return ns }
func (n Namespace) Tag(name string) Namespaced  { ns, _ := n.Qualify("tags/" + name); return ns }
func (n Namespace) Cob(kind, oid string) Namespaced {
	ns, _ := n.Qualify("cobs/" + kind + "/" + oid)
	return ns
}
func (n Namespace) Remote(peer PeerId, sub string) Namespaced {
	ns, _ := n.Qualify("remotes/" + peer.String() + "/" + strings.TrimPrefix(sub, "/"))
	return ns
}
func (n Namespace) Tracking(peer *PeerId) Namespaced {
	key := "default"
	if peer != nil {
		key = peer.String()
	}
	ns, _ := n.Qualify("rad/tracking/" + key)
	return ns
}

// RadUrl is "rad://" with a PeerId authority identifying where to fetch a
// URN from.
type RadUrl struct {
	Authority PeerId
	URN       URN
}

func (u RadUrl) String() string {
	path := url.PathEscape(u.URN.EncodedID())
	if p := strings.TrimPrefix(string(u.URN.Path), "/"); p != "" {
		path += "/" + url.PathEscape(p)
	}
	return "rad+" + u.URN.Proto.nss() + "://" + u.Authority.String() + "/" + path
}

// ParseRadUrl parses the "rad+<proto>://<peer-id>/<id>/<path>" form.
func ParseRadUrl(s string) (RadUrl, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return RadUrl{}, &FormatError{Input: s, Reason: "missing scheme"}
	}
	radProto, proto, ok := strings.Cut(scheme, "+")
	if !ok || radProto != "rad" {
		return RadUrl{}, &FormatError{Input: s, Reason: "invalid scheme " + scheme}
	}
	p, ok := protoFromNSS(proto)
	if !ok {
		return RadUrl{}, &FormatError{Input: s, Reason: "invalid protocol " + proto}
	}

	authorityStr, pathStr, ok := strings.Cut(rest, "/")
	if !ok {
		return RadUrl{}, &FormatError{Input: s, Reason: "missing path"}
	}
	authority, err := ParsePeerId(authorityStr)
	if err != nil {
		return RadUrl{}, errors.Wrap(err, "parse authority")
	}

	idStr, pathTail, _ := strings.Cut(pathStr, "/")
	urn, err := ParseURN("rad:" + p.nss() + ":" + idStr)
	if err != nil {
		return RadUrl{}, errors.Wrap(err, "parse id")
	}
	if pathTail != "" {
		unescaped, err := url.PathUnescape(pathTail)
		if err != nil {
			return RadUrl{}, errors.Wrap(err, "unescape path")
		}
		urn.Path = RefString(unescaped)
	}

	return RadUrl{Authority: authority, URN: urn}, nil
}
