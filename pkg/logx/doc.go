// Package logx is a small structured-logging facade over zerolog used by the
// delayq infrastructure packages (config, storage, supervisor).
//
// It exists for two reasons: the zero value is a safe no-op logger, and a
// Logger created from a Service stays "live" across Apply() calls, so sinks
// and levels can be swapped on config reload without re-plumbing loggers.
package logx
