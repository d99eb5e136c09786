package sessionrt

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// GovernanceDecision is the gate's verdict for one tool call. When denied,
// Reason names the tool and the rule that triggered the denial.
type GovernanceDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow() GovernanceDecision {
	return GovernanceDecision{Allowed: true}
}

func deny(format string, args ...any) GovernanceDecision {
	return GovernanceDecision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// LockStatus reports whether a file is locked and by which chain.
type LockStatus struct {
	Locked  bool
	ChainID string
}

// LockOracle answers cross-session file-lock queries. The gate queries it
// fresh on every decision; lock state is never cached across turns.
type LockOracle interface {
	IsFileLocked(ctx context.Context, path string) (LockStatus, error)
}

// Gate authorizes tool calls for a role. Decisions are pure functions of
// (role table, tool catalog, path rules, lock state): no mutation, no
// retries, safe to call concurrently and redundantly.
type Gate struct {
	registry *ToolRegistry
	roles    RoleSource
	locks    LockOracle // nil disables lock checks
}

// NewGate builds a gate over a tool catalog and role source. locks may be
// nil when no lock oracle is available.
func NewGate(registry *ToolRegistry, roles RoleSource, locks LockOracle) *Gate {
	return &Gate{registry: registry, roles: roles, locks: locks}
}

// Decide evaluates the role table and path rules for one call. This is the
// synchronous variant; it never consults the lock oracle.
func (g *Gate) Decide(req ToolRequest, role string) GovernanceDecision {
	spec := g.registry.Get(req.Name)
	if spec == nil {
		return deny("Unknown tool: %s", req.Name)
	}

	roleSpec, err := g.roles.Resolve(role)
	if err != nil {
		return deny("Tool %s denied: %v", req.Name, err)
	}
	if !roleSpec.AllowsTool(req.Name) {
		return deny("Tool %s is not available to %s role", req.Name, role)
	}

	if spec.Mutating {
		if target, ok := spec.TargetPath(req.Args); ok {
			if d := checkPathRules(roleSpec, spec, target); !d.Allowed {
				return d
			}
		}
	}

	return allow()
}

// DecideCtx is the asynchronous variant: the role-table decision plus a
// cross-session file-lock check when a correlation id is supplied. A lock
// held by a different chain denies the call; no lock, or a lock held by the
// same chain, proceeds.
func (g *Gate) DecideCtx(ctx context.Context, req ToolRequest, role, chainID string) GovernanceDecision {
	d := g.Decide(req, role)
	if !d.Allowed {
		return d
	}

	if g.locks == nil || chainID == "" {
		return d
	}
	spec := g.registry.Get(req.Name)
	if spec == nil || !spec.Mutating {
		return d
	}
	target, ok := spec.TargetPath(req.Args)
	if !ok {
		return d
	}

	status, err := g.locks.IsFileLocked(ctx, normalizePath(target))
	if err != nil {
		// Fail closed: an unanswered lock query must not authorize a write.
		return deny("Tool %s denied: lock check failed for %s: %v", req.Name, target, err)
	}
	if status.Locked && status.ChainID != chainID {
		return deny("File %s is locked by chain %s", target, status.ChainID)
	}
	return allow()
}

// ValidateBatch evaluates every call independently, never short-circuiting,
// so the caller sees a verdict for each requested call.
func (g *Gate) ValidateBatch(ctx context.Context, reqs []ToolRequest, role, chainID string) []GovernanceDecision {
	decisions := make([]GovernanceDecision, len(reqs))
	for i, req := range reqs {
		decisions[i] = g.DecideCtx(ctx, req, role, chainID)
	}
	return decisions
}

// AllAllowed reports whether every call in the batch is authorized.
func (g *Gate) AllAllowed(ctx context.Context, reqs []ToolRequest, role, chainID string) bool {
	ok := true
	for _, d := range g.ValidateBatch(ctx, reqs, role, chainID) {
		if !d.Allowed {
			ok = false
		}
	}
	return ok
}

// checkPathRules evaluates the role's ordered allow/deny patterns for the
// tool's action. A matching deny pattern wins even when an allow pattern
// also matches; when the role defines allow patterns for the action, an
// uncovered path is denied.
func checkPathRules(role *RoleSpec, spec *ToolSpec, target string) GovernanceDecision {
	rules := role.RulesFor(spec.Action)
	if len(rules) == 0 {
		return allow()
	}

	normalized := normalizePath(target)
	hasAllow := false
	allowMatched := false
	for _, rule := range rules {
		matched, err := doublestar.Match(rule.Pattern, normalized)
		if err != nil || !matched {
			if rule.Allow {
				hasAllow = true
			}
			continue
		}
		if !rule.Allow {
			return deny("Tool %s denied: path %s matches deny pattern %q for %s",
				spec.Name, target, rule.Pattern, spec.Action)
		}
		hasAllow = true
		allowMatched = true
	}

	if hasAllow && !allowMatched {
		return deny("Tool %s denied: path %s is not covered by an allow pattern for %s",
			spec.Name, target, spec.Action)
	}
	return allow()
}

// normalizePath cleans the path and strips the leading slash so patterns
// match repo-relative and absolute spellings alike.
func normalizePath(p string) string {
	p = path.Clean(strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimPrefix(p, "/")
}
