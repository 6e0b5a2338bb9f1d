// Package log provides codeq's structured logging facade.
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. Output formatting is pluggable through
// the Formatter interface (text or JSON), and destinations through Output.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("server"))
//	l.Info("server started", log.Str("addr", ":8080"))
//
// Use ApplyConfig to build a logger from level/format strings, and
// RedirectStdLog to route standard library logs (used by Pebble) through the
// facade.
package log
