package identity

import "github.com/dohr-michael/tasklink/internal/messages"

// MatchKind tells how a backend record was tied to a local message.
type MatchKind int

const (
	NoMatch      MatchKind = iota
	MatchExec              // same execution id
	MatchContent           // optimistic user message with identical content
)

func (k MatchKind) String() string {
	switch k {
	case MatchExec:
		return "exec"
	case MatchContent:
		return "content"
	default:
		return "none"
	}
}

// Resolver decides whether an authoritative record is the same logical
// message as an existing local one.
//
// The content fallback can pair the wrong message when a user sends the same
// text twice before the first send is confirmed; candidates are scanned
// oldest first so the earliest optimistic copy is consumed first.
type Resolver struct{}

// Match returns the index in candidates of the local message equivalent to
// rec. Indices present in claimed are skipped, so each local message is
// matched at most once per pass.
func (Resolver) Match(rec messages.Record, candidates []messages.Message, claimed map[int]bool) (int, MatchKind) {
	if rec.ExecID != "" {
		for i, c := range candidates {
			if claimed[i] || c.ExecID != rec.ExecID {
				continue
			}
			if c.Role == rec.Role || rec.Role == "" {
				return i, MatchExec
			}
		}
		// Same execution, different role: still the same message; the
		// caller resolves the conflict in favour of the record.
		for i, c := range candidates {
			if !claimed[i] && c.ExecID == rec.ExecID {
				return i, MatchExec
			}
		}
	}

	if rec.Role != messages.RoleUser {
		return -1, NoMatch
	}
	for i, c := range candidates {
		if claimed[i] {
			continue
		}
		if c.Role == messages.RoleUser && c.ExecID == "" && c.IsOptimistic() && c.Content == rec.Text() {
			return i, MatchContent
		}
	}
	return -1, NoMatch
}
