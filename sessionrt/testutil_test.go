package sessionrt

import (
	"io"
	"log/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testCatalog builds a small tool catalog exercising every governance facet:
// a read-only tool, file mutations per action, and a sensitive tool.
func testCatalog() *ToolRegistry {
	r := NewToolRegistry()
	r.Register(ToolSpec{Name: "read_file", Description: "Read a file"})
	r.Register(ToolSpec{Name: "write_file", Description: "Write a file", Mutating: true, Action: ActionModify})
	r.Register(ToolSpec{Name: "delete_file", Description: "Delete a file", Mutating: true, Action: ActionDelete})
	r.Register(ToolSpec{Name: "create_chain", Description: "Create a work chain"})
	r.Register(ToolSpec{Name: "deploy", Description: "Deploy the service", Sensitive: true})
	return r
}

func testRoles() StaticRoles {
	return StaticRoles{
		RoleControl: {
			Name:  RoleControl,
			Tools: []string{"read_file", "create_chain", "deploy"},
		},
		RoleImpl: {
			Name:  RoleImpl,
			Tools: []string{"read_file", "write_file", "delete_file", "deploy"},
			PathRules: []PathRule{
				{Action: ActionModify, Pattern: "**", Allow: true},
				{Action: ActionModify, Pattern: ".pipeline/**", Allow: false},
				{Action: ActionDelete, Pattern: "tmp/**", Allow: true},
			},
		},
	}
}
