// Package llmclient defines the provider-agnostic contract the session
// runtime uses to talk to LLM backends: chat request/response types, a typed
// error taxonomy with transient-failure classification, a retry policy with
// jittered exponential backoff, and a per-model pricing catalog.
//
// Two Provider implementations ship with the package: GollmProvider (multi
// vendor, via gollm) and AnthropicProvider (native Anthropic SDK).
package llmclient
