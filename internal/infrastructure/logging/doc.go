// Package logging provides structured logging for the vDC host.
//
// It wraps the standard log/slog package so every component logs the same
// way: JSON in production, text for development, level filtering, and the
// service and version attached to each entry.
//
// Configuration (config.yaml):
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("listener started", "port", 4000)
//	logger.Error("save failed", "error", err)
//
// Components outside this package accept a small Logger interface
// (Debug/Info/Warn/Error) so *logging.Logger and *slog.Logger both fit.
package logging
