// Package sessionrt is the session orchestration engine: a bounded,
// turn-based loop between an LLM provider and a governed set of tools,
// executed on behalf of a role. It owns the role-based authorization gate,
// the human-approval checkpoint, token/cost accounting, the crash-recoverable
// session state machine, and the graceful-shutdown coordinator.
//
// One loop instance owns one Session. Concurrency exists only at the
// boundaries (provider calls, approval waits, OS signals); tool calls within
// a turn run sequentially in response order so audit ordering stays
// deterministic.
package sessionrt
