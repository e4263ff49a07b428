// Package permission implements per-session scope grants, approval prompt
// serialization, rate and time-bound constraints, and delegation capability
// token boundary enforcement.
package permission

import (
	"fmt"
	"strings"
)

// Scope is a colon-triple "domain:action:target". The target segment may
// itself contain colons and is treated as a single opaque string.
type Scope struct {
	Domain string
	Action string
	Target string
}

// ParseScope splits a scope string into its three segments.
func ParseScope(s string) (Scope, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Scope{}, fmt.Errorf("permission: malformed scope %q", s)
	}
	sc := Scope{Domain: parts[0], Action: parts[1]}
	if len(parts) == 3 {
		sc.Target = parts[2]
	}
	return sc, nil
}

// String reassembles the scope.
func (s Scope) String() string {
	if s.Target == "" {
		return s.Domain + ":" + s.Action
	}
	return s.Domain + ":" + s.Action + ":" + s.Target
}

// ValidateGrantScope rejects scopes that are illegal to store as grants.
// A wildcard domain would make every grant all-powerful, so it is refused at
// grant time rather than silently ignored at match time.
func ValidateGrantScope(s string) error {
	sc, err := ParseScope(s)
	if err != nil {
		return err
	}
	if sc.Domain == "*" {
		return fmt.Errorf("permission: wildcard domain in grant scope %q", s)
	}
	return nil
}

// ScopeMatchesGrant reports whether a granted scope covers a requested scope.
// Domain must match exactly; action and target match exactly or when the
// grant segment is "*". A grant target like "a:*" is a literal string — it
// does not hierarchically cover "a:b".
func ScopeMatchesGrant(grantScope, requestScope string) bool {
	g, err := ParseScope(grantScope)
	if err != nil {
		return false
	}
	r, err := ParseScope(requestScope)
	if err != nil {
		return false
	}
	if g.Domain != r.Domain {
		return false
	}
	if g.Action != "*" && g.Action != r.Action {
		return false
	}
	if g.Target != "*" && g.Target != r.Target {
		return false
	}
	return true
}
