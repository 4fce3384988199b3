package refs

import (
	"net/url"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
	"golang.org/x/crypto/blake2b"
)

// Proto names the protocol backing a URN's content. Only Git is
// implemented.
type Proto int

const (
	ProtoGit Proto = iota
)

func (p Proto) nss() string {
	switch p {
	case ProtoGit:
		return "git"
	default:
		return ""
	}
}

func protoFromNSS(s string) (Proto, bool) {
	if s == "git" {
		return ProtoGit, true
	}
	return 0, false
}

// blake2b256Code is the multicodec table entry for blake2b-256.
const blake2b256Code = 0xb220

// NewURNID derives a multihash URN id from content bytes, using the
// blake2b-256 digest identity-document content-addressing is built on.
func NewURNID(content []byte) (multihash.Multihash, error) {
	sum := blake2b.Sum256(content)
	mh, err := multihash.Encode(sum[:], blake2b256Code)
	if err != nil {
		return nil, errors.Wrap(err, "encode multihash")
	}
	return mh, nil
}

// URN identifies a logical project or person. Equality and ordering are
// derived from ID alone; Path is a suffix for pointing at a specific ref and
// carries no identity.
type URN struct {
	ID    multihash.Multihash
	Proto Proto
	Path  RefString
}

// String renders the canonical "rad:<nss>:<multibase-id>[/<path>]" form.
func (u URN) String() string {
	encoded, err := multibase.Encode(multibase.Base32z, u.ID)
	if err != nil {
		// u.ID is always a valid multihash by construction; Encode itself
		// cannot fail for a non-empty byte slice.
		encoded = ""
	}
	var b strings.Builder
	b.WriteString("rad:")
	b.WriteString(u.Proto.nss())
	b.WriteString(":")
	b.WriteString(encoded)
	path := strings.TrimPrefix(string(u.Path), "/")
	if path != "" {
		b.WriteString("/")
		b.WriteString(url.PathEscape(path))
	}
	return b.String()
}

// ParseURN parses the canonical URN text form. parse(display(u)) == u for
// all valid u.
func ParseURN(s string) (URN, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return URN{}, &FormatError{Input: s, Reason: "missing namespace or protocol"}
	}
	if parts[0] != "rad" {
		return URN{}, &FormatError{Input: s, Reason: "invalid namespace identifier " + parts[0]}
	}
	if len(parts) < 3 {
		return URN{}, &FormatError{Input: s, Reason: "missing id"}
	}
	proto, ok := protoFromNSS(parts[1])
	if !ok {
		return URN{}, &FormatError{Input: s, Reason: "invalid protocol " + parts[1]}
	}

	idAndPath := parts[2]
	idStr, pathStr, _ := strings.Cut(idAndPath, "/")

	_, decoded, err := multibase.Decode(idStr)
	if err != nil {
		return URN{}, errors.Wrap(err, "decode multibase id")
	}
	mh, err := multihash.Cast(decoded)
	if err != nil {
		return URN{}, errors.Wrap(err, "decode multihash")
	}

	var path RefString
	if pathStr != "" {
		unescaped, err := url.PathUnescape(pathStr)
		if err != nil {
			return URN{}, errors.Wrap(err, "unescape path")
		}
		path = RefString(unescaped)
	}

	return URN{ID: mh, Proto: proto, Path: path}, nil
}

// Equal compares two URNs by their id bytes only; the path suffix carries
// no identity.
func (u URN) Equal(other URN) bool {
	return string(u.ID) == string(other.ID)
}

// EncodedID is the multibase-z-base32 encoding of the id, used as the
// namespace path component.
func (u URN) EncodedID() string {
	encoded, _ := multibase.Encode(multibase.Base32z, u.ID)
	return encoded
}
