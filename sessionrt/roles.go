package sessionrt

import "fmt"

// The two fixed roles of the development pipeline. Additional roles may be
// defined through any RoleSource implementation.
const (
	RoleControl = "control"
	RoleImpl    = "impl"
)

// FileAction classifies what a file-mutating tool does to its target path.
type FileAction string

const (
	ActionCreate FileAction = "create"
	ActionModify FileAction = "modify"
	ActionDelete FileAction = "delete"
)

// PathRule is one ordered allow/deny glob pattern scoped to a file action.
type PathRule struct {
	Action  FileAction `json:"action"`
	Pattern string     `json:"pattern"`
	Allow   bool       `json:"allow"`
}

// RoleSpec is a named permission scope: the tools a role may call and the
// path patterns governing its file mutations.
type RoleSpec struct {
	Name      string     `json:"name"`
	Tools     []string   `json:"tools"`
	PathRules []PathRule `json:"pathRules,omitempty"`
}

// AllowsTool reports whether the role's allow-list contains the tool.
func (r *RoleSpec) AllowsTool(name string) bool {
	for _, t := range r.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// RulesFor returns the role's path rules for one action, preserving order.
func (r *RoleSpec) RulesFor(action FileAction) []PathRule {
	var rules []PathRule
	for _, rule := range r.PathRules {
		if rule.Action == action {
			rules = append(rules, rule)
		}
	}
	return rules
}

// RoleSource resolves a role identifier to its permission scope. The gate
// queries it on every decision, so implementations backed by mutable state
// always reflect current permissions.
type RoleSource interface {
	Resolve(role string) (*RoleSpec, error)
}

// StaticRoles is the canonical RoleSource: a fixed role table.
type StaticRoles map[string]*RoleSpec

func (s StaticRoles) Resolve(role string) (*RoleSpec, error) {
	spec, ok := s[role]
	if !ok {
		return nil, fmt.Errorf("unknown role: %s", role)
	}
	return spec, nil
}

// DefaultRoles returns the built-in control/impl role table. Control owns
// chain and task bookkeeping; impl owns source mutation, fenced off from the
// pipeline's own state directory.
func DefaultRoles() StaticRoles {
	return StaticRoles{
		RoleControl: {
			Name: RoleControl,
			Tools: []string{
				"read_file", "list_files", "search_files",
				"create_chain", "update_chain", "create_task", "update_task",
				"spawn_session",
			},
		},
		RoleImpl: {
			Name: RoleImpl,
			Tools: []string{
				"read_file", "list_files", "search_files",
				"write_file", "delete_file", "run_command",
			},
			PathRules: []PathRule{
				{Action: ActionCreate, Pattern: "**", Allow: true},
				{Action: ActionModify, Pattern: "**", Allow: true},
				{Action: ActionDelete, Pattern: "**", Allow: true},
				{Action: ActionCreate, Pattern: ".pipeline/**", Allow: false},
				{Action: ActionModify, Pattern: ".pipeline/**", Allow: false},
				{Action: ActionDelete, Pattern: ".pipeline/**", Allow: false},
				{Action: ActionDelete, Pattern: ".git/**", Allow: false},
			},
		},
	}
}
