// Package model defines the provider-agnostic abstractions for talking to
// language models inside ragmesh.
//
// Providers (OpenAI, Anthropic, OpenAI-compatible endpoints) implement the
// Model interface so the orchestration stages stay decoupled from vendor
// SDKs. Complete and Stream collapse the channel pair into a plain string,
// WithRetry adds transient-error backoff, and MockModel scripts replies for
// tests.
package model
