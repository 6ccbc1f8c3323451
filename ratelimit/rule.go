package ratelimit

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/guregu/null.v3"
)

// Scope selects what a rule counts requests by.
type Scope int

// Scopes in ascending precedence.
const (
	ScopeGlobal Scope = iota
	ScopeIP
	ScopeConnection
	ScopeTool
	ScopeToolConnection
)

var scopeNames = map[Scope]string{ //nolint:gochecknoglobals
	ScopeGlobal:         "global",
	ScopeIP:             "ip",
	ScopeConnection:     "connection",
	ScopeTool:           "tool",
	ScopeToolConnection: "tool_connection",
}

func (s Scope) String() string {
	if n, ok := scopeNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Scope(%d)", int(s))
}

// ParseScope parses a scope name. Both the short names used in
// configuration files and the camel case perX names are accepted.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(s) {
	case "global":
		return ScopeGlobal, nil
	case "ip", "perip":
		return ScopeIP, nil
	case "connection", "perconnection":
		return ScopeConnection, nil
	case "tool", "pertool":
		return ScopeTool, nil
	case "tool_connection", "pertoolconnection", "pertool+perconnection":
		return ScopeToolConnection, nil
	}
	return 0, fmt.Errorf("unknown rate limit scope %q", s)
}

// Rule limits requests sharing the same scope key.
type Rule struct {
	Name  string
	Scope Scope
	// Window and Limit allow Limit requests per Window. A zero Limit
	// disables request counting, leaving only MaxConcurrent.
	Window time.Duration
	Limit  int
	// Burst switches the rule to a token bucket refilling Limit tokens per
	// Window and holding at most Burst tokens.
	Burst null.Int
	// MaxConcurrent caps requests started and not yet completed.
	MaxConcurrent int
	// Tool restricts the rule to one tool. Empty matches every tool.
	Tool string
}

// Validate reports whether the rule can be enforced.
func (r Rule) Validate() error {
	switch {
	case r.Name == "":
		return fmt.Errorf("rule has no name")
	case r.Scope < ScopeGlobal || r.Scope > ScopeToolConnection:
		return fmt.Errorf("rule %q: unknown scope %d", r.Name, int(r.Scope))
	case r.Limit < 0 || r.MaxConcurrent < 0:
		return fmt.Errorf("rule %q: negative limit", r.Name)
	case r.Limit == 0 && r.MaxConcurrent == 0:
		return fmt.Errorf("rule %q: limit or max_concurrent is required", r.Name)
	case r.Limit > 0 && r.Window <= 0:
		return fmt.Errorf("rule %q: window must be positive", r.Name)
	case r.Burst.Valid && r.Burst.Int64 < 1:
		return fmt.Errorf("rule %q: burst must be at least 1", r.Name)
	}
	return nil
}

// key returns the counter key of c under the rule, or "" when the rule does
// not apply to c.
func (r Rule) key(c Context) string {
	if r.Tool != "" && c.ToolName.ValueOrZero() != r.Tool {
		return ""
	}

	switch r.Scope {
	case ScopeGlobal:
		return "*"
	case ScopeIP:
		if c.IP.Valid && c.IP.String != "" {
			return c.IP.String
		}
		return c.Identifier
	case ScopeConnection:
		return c.ConnectionID.ValueOrZero()
	case ScopeTool:
		return c.ToolName.ValueOrZero()
	case ScopeToolConnection:
		if c.ToolName.ValueOrZero() == "" || c.ConnectionID.ValueOrZero() == "" {
			return ""
		}
		return c.ToolName.String + "|" + c.ConnectionID.String
	}
	return ""
}

// Context identifies one request.
type Context struct {
	// Identifier is the caller identity, used by ip rules when IP is unset.
	Identifier string
	// RequestID must be unique per call.
	RequestID    string
	ToolName     null.String
	ConnectionID null.String
	IP           null.String
	// Timestamp is when the request arrived. Zero means now.
	Timestamp time.Time
}
