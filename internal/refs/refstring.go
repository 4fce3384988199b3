// Package refs implements validated Git reference names, refspec patterns,
// URNs, peer identifiers, and namespace construction for the monorepo.
package refs

import (
	"strings"
	"unicode/utf8"

	"github.com/alecthomas/errors"
)

// FormatError is the single error kind for all ref-string, refspec, and URN
// construction failures.
type FormatError struct {
	Input  string
	Reason string
}

func (e *FormatError) Error() string {
	return "invalid ref format: " + e.Reason + ": " + e.Input
}

// MaxRefLength is the longest a reference name may be, in bytes.
const MaxRefLength = 1024

// RefString is a validated, non-pattern reference name. The zero value is
// not valid; construct with Parse.
type RefString string

// Parse validates s as a free-form reference name (no refinement required).
func Parse(s string) (RefString, error) {
	if err := checkRefBytes(s, false); err != nil {
		return "", err
	}
	return RefString(s), nil
}

// String returns the ref name unchanged; display of a RefString is
// infallible and round-trips through Parse.
func (r RefString) String() string { return string(r) }

// Components splits the ref name on '/'.
func (r RefString) Components() []string {
	return strings.Split(string(r), "/")
}

// Join appends a path component, producing a new RefString. The result is
// invalid only if either operand was invalid; Join is associative over
// valid inputs.
func (r RefString) Join(component string) (RefString, error) {
	joined := string(r) + "/" + component
	return Parse(joined)
}

// Qualified is a RefString refining to "refs/<category>/..." with at least
// three slash-delimited components.
type Qualified RefString

// ParseQualified validates s as a qualified reference.
func ParseQualified(s string) (Qualified, error) {
	r, err := Parse(s)
	if err != nil {
		return "", errors.WithStack(err)
	}
	if !strings.HasPrefix(string(r), "refs/") {
		return "", &FormatError{Input: s, Reason: "qualified ref must start with refs/"}
	}
	if len(r.Components()) < 3 {
		return "", &FormatError{Input: s, Reason: "qualified ref needs at least 3 components"}
	}
	return Qualified(r), nil
}

func (q Qualified) String() string        { return string(q) }
func (q Qualified) RefString() RefString  { return RefString(q) }
func (q Qualified) Components() []string  { return RefString(q).Components() }
func (q Qualified) Category() string      { return q.Components()[1] }

// Namespaced is a RefString refining to "refs/namespaces/<ns>/refs/...".
type Namespaced RefString

// ParseNamespaced validates s as a namespaced reference.
func ParseNamespaced(s string) (Namespaced, error) {
	r, err := Parse(s)
	if err != nil {
		return "", errors.WithStack(err)
	}
	parts := r.Components()
	if len(parts) < 5 || parts[0] != "refs" || parts[1] != "namespaces" || parts[3] != "refs" {
		return "", &FormatError{Input: s, Reason: "namespaced ref must be refs/namespaces/<ns>/refs/..."}
	}
	return Namespaced(r), nil
}

func (n Namespaced) String() string { return string(n) }

// StripNamespace removes a single "refs/namespaces/<ns>/" prefix, returning
// the remaining qualified reference.
func (n Namespaced) StripNamespace() (Qualified, error) {
	parts := RefString(n).Components()
	rest := strings.Join(parts[3:], "/")
	return ParseQualified(rest)
}

// StripNamespaceRecursive removes every leading "refs/namespaces/<ns>/"
// prefix, for refs namespaced more than once.
func (n Namespaced) StripNamespaceRecursive() (Qualified, error) {
	cur := RefString(n)
	for {
		ns, err := ParseNamespaced(string(cur))
		if err != nil {
			return ParseQualified(string(cur))
		}
		q, err := ns.StripNamespace()
		if err != nil {
			return Qualified(""), errors.WithStack(err)
		}
		cur = RefString(q)
	}
}

// Pattern is a refspec pattern: a RefString permitted at most one '*'
// wildcard.
type Pattern string

// ParsePattern validates s as a refspec pattern.
func ParsePattern(s string) (Pattern, error) {
	if err := checkRefBytes(s, true); err != nil {
		return "", err
	}
	if strings.Count(s, "*") > 1 {
		return "", &FormatError{Input: s, Reason: "pattern allows at most one *"}
	}
	return Pattern(s), nil
}

func (p Pattern) String() string { return string(p) }

// checkRefBytes validates the shared ref-name invariants: UTF-8, no
// control characters, no "..", no leading/trailing '/', not literally "@",
// bounded length, and (unless allowStar) no '*'.
func checkRefBytes(s string, allowStar bool) error {
	if s == "" {
		return &FormatError{Input: s, Reason: "empty"}
	}
	if len(s) > MaxRefLength {
		return &FormatError{Input: s, Reason: "exceeds max length"}
	}
	if !utf8.ValidString(s) {
		return &FormatError{Input: s, Reason: "not valid UTF-8"}
	}
	if s == "@" {
		return &FormatError{Input: s, Reason: "must not be literally @"}
	}
	if strings.HasPrefix(s, "/") || strings.HasSuffix(s, "/") {
		return &FormatError{Input: s, Reason: "no leading or trailing /"}
	}
	if strings.Contains(s, "..") {
		return &FormatError{Input: s, Reason: "must not contain .."}
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return &FormatError{Input: s, Reason: "contains control character"}
		}
		if r == '*' && !allowStar {
			return &FormatError{Input: s, Reason: "contains *"}
		}
	}
	return nil
}
