// Package config loads powerboxd settings.
//
// Load applies, in order: built-in defaults, the YAML file, POWERBOX_*
// environment overrides, then Validate. Validate reports every problem it
// finds in one error rather than stopping at the first.
//
// Top-level sections:
//
//	device     id, description, auto_connect and serial timings (ms)
//	serial     default port and baud rate
//	database   sqlite path, WAL mode, busy timeout
//	mqtt       broker, auth, qos, reconnect delays
//	bridge     health interval, publish_unchanged
//	api        listen address, TLS, CORS, timeouts
//	websocket  stream limits and keepalive
//	influxdb   telemetry target and batching
//	discovery  mDNS advertisement of the API
//	logging    level, format, output
//	security   jwt secret and issuer
//
// Secrets (mqtt.auth.password, influxdb.token, security.jwt.secret) belong
// in the environment rather than the file. With no JWT secret the API runs
// open.
package config
