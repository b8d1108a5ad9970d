package logging

import (
	"log/slog"
	"runtime"
)

// recordSource mirrors slog.Record.Source (added in Go 1.25) so the module
// builds with older toolchains. It returns nil when the record has no PC.
func recordSource(r slog.Record) *slog.Source {
	if r.PC == 0 {
		return nil
	}
	fs := runtime.CallersFrames([]uintptr{r.PC})
	f, _ := fs.Next()
	return &slog.Source{Function: f.Function, File: f.File, Line: f.Line}
}
