// Package logging builds the slog logger shared by every powerboxd
// component.
//
// Each entry carries service=powerboxd and the build version. Components
// add their own tag with With:
//
//	log := logging.New(cfg.Logging, version)
//	log.With("component", "bridge").Info("subscribed", "topic", topic)
//
// Output is stdout, stderr or an append-only file (logging.file.path). A
// file that cannot be opened falls back to stderr with a warning.
//
// Serial wire traces (PUT /api/v1/device/trace) go out at debug level, so
// they only show with logging.level "debug".
package logging
