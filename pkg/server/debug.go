package server

import "github.com/crystal-mush/cmdhost/pkg/dispatch"

// SetDebug enables or disables debug logging for the host and the engine.
// Set via -debug or CMDHOST_DEBUG=true.
func SetDebug(on bool) { dispatch.SetDebug(on) }

// IsDebug returns whether debug logging is currently enabled.
func IsDebug() bool { return dispatch.IsDebug() }

// DebugLog prints a debug message if debug mode is enabled.
func DebugLog(format string, args ...any) { dispatch.DebugLog(format, args...) }
