// Package logging provides structured logging for HA Link.
//
// It wraps log/slog so every entry carries the service name and build version.
// JSON output is the default; text is available for development.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	sess := logger.Component("session").ForInstance(3)
//	sess.Info("connected", "endpoint", url)
//
// Remote controller credentials must never be logged. Log the credential
// fingerprint instead.
package logging
