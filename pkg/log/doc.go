// Package log provides named, leveled loggers backed by zerolog.
//
// Every component obtains a logger through ForService(name); the name is
// attached to each line as the "service" field so output can be filtered
// per component:
//
//	l := log.ForService("supervisor")
//	l.Infof("channel %s recovered after %d attempts", name, n)
//	l.Debugf("raw frame: %s", data) // only if debug is on for "supervisor"
//
// Structured fields are available through Zerolog():
//
//	zl := log.ForService("socket").Zerolog()
//	zl.Info().Str("topic", topic).Msg("joined")
//
// Debug output can be enabled globally (SetGlobalDebug, or SetLevel with a
// debug level) or for a single service (EnableDebugFor / DisableDebugFor).
//
// Output goes to a zerolog.ConsoleWriter on stderr by default. The CLI calls
// Configure once at startup with the parsed --log-level and optional log
// file; tests call SetOutput with a bytes.Buffer and read JSON lines back.
//
// All exported functions are safe for concurrent use.
package log
