// Package logging provides the Logger interface ragmesh components accept
// and a structured implementation on log/slog.
//
//   - Logger: the four leveled methods, slog style key/value args
//   - MeshLogger: thread/run scoping plus LogCapabilityCall, LogLLMCall,
//     LogRun and LogApproval
//   - SlogAdapter: wraps a caller-owned *slog.Logger
//   - NoOpLogger: discards everything
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	mesh, err := ragmesh.New(ctx, func(o *ragmesh.Options) { o.Logger = logger })
package logging
