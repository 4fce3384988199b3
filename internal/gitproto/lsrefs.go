package gitproto

import (
	"strings"

	"github.com/alecthomas/errors"
	"github.com/go-git/go-git/v5/plumbing"
)

// RefAdvertisement is one ref line returned by ls-refs.
type RefAdvertisement struct {
	Name plumbing.ReferenceName
	Oid  plumbing.Hash
}

// LsRefsRequest controls an ls-refs command. An empty RefPrefixes slice
// requests every ref; callers that want a restricted advertisement (the
// replication peek phase does) pass explicit prefixes.
type LsRefsRequest struct {
	RefPrefixes []string
	Namespace   string // the namespace the remote advertises under, for the 2.31 workaround
	PreAgent231 bool
}

// LsRefs issues an ls-refs v2 command over conn and returns the advertised
// refs.
func LsRefs(conn *Conn, req LsRefsRequest) ([]RefAdvertisement, error) {
	if err := WritePktLineString(conn, "command=ls-refs"); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := WritePktLineString(conn, AgentString); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := WriteDelim(conn); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := WritePktLineString(conn, "symrefs"); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := WritePktLineString(conn, "peel"); err != nil {
		return nil, errors.WithStack(err)
	}

	prefixes := req.RefPrefixes
	if req.PreAgent231 && req.Namespace != "" {
		// Pre-2.31 upload-pack mishandles an empty-prefix-list "all refs"
		// request; re-emit it as an explicit namespaced prefix.
		// Callers that already pass fully namespaced prefixes are left
		// untouched — only bare (non-namespaced) prefixes need the rewrite.
		nsRoot := "refs/namespaces/" + req.Namespace + "/"
		rewritten := make([]string, len(prefixes))
		for i, p := range prefixes {
			if strings.HasPrefix(p, "refs/namespaces/") {
				rewritten[i] = p
			} else {
				rewritten[i] = nsRoot + p
			}
		}
		prefixes = rewritten
		if len(prefixes) == 0 {
			prefixes = []string{nsRoot}
		}
	}
	for _, p := range prefixes {
		if err := WritePktLineString(conn, "ref-prefix "+p); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	if err := WriteFlush(conn); err != nil {
		return nil, errors.WithStack(err)
	}

	lines, err := conn.Reader().ReadLines()
	if err != nil {
		return nil, errors.Wrap(err, "read ls-refs response")
	}

	out := make([]RefAdvertisement, 0, len(lines))
	for _, raw := range lines {
		line := strings.TrimSuffix(string(raw), "\n")
		oidStr, rest, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(rest, " ") // drop symref-target/peeled attrs
		out = append(out, RefAdvertisement{
			Name: plumbing.ReferenceName(name),
			Oid:  plumbing.NewHash(oidStr),
		})
	}
	return out, nil
}
