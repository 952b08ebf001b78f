// Package logging provides a structured logging system for conduit with
// unified log handling and level filtering.
//
// The package is built on Go's standard slog package. All log entries carry
// a subsystem identifier for categorization, a message with optional
// formatting, and optional error information:
//
//	logging.Init(logging.LevelInfo, os.Stdout)
//	logging.Info("Engine", "deployed channel %s", id)
//	logging.Error("Donkey", err, "insert failed for message %d", messageID)
//
// Subsystems in use: Bootstrap, Config, Engine, Channel, Connector, Donkey,
// Queue, Recovery, Trace, Server, VM.
//
// InitWithFile additionally mirrors output to a size-rotated log file.
//
// The logging system is fully thread-safe; level filtering happens at the
// handler so filtered-out messages cost no allocation.
package logging
