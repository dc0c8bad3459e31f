// Package logging provides structured logging for the IoT agent.
//
// It wraps log/slog and adds the service and version fields to every
// entry. Components derive child loggers with Component:
//
//	logger := logging.New(cfg.Logging, version)
//	cmdLogger := logger.Component("commands")
//	cmdLogger.Info("command expired", "device", id, "command", name)
//
// Configuration lives in the logging section of the config file:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Never log API keys or broker tokens.
package logging
