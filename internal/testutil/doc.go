// Package testutil contains builders and scripted collaborators used across
// tests: a session builder, a recording capability and in-memory vector /
// graph stores. Not intended for production usage.
package testutil
