// Package api implements the HTTP REST API and WebSocket server for powerboxd.
//
// This package provides:
//   - REST endpoints for the device connection, the feature model and the
//     serial port selection
//   - a WebSocket hub that pushes feature and connection changes
//   - bearer token checks on mutating routes when a JWT secret is set
//   - an audit trail of every command issued through the API
//
// # Event stream
//
// GET /api/v1/ws upgrades to a server-to-client stream. Each client first
// receives a device.snapshot event, then feature.state_changed and
// device.state_changed events, optionally narrowed with
// ?channels=feature,device. Every event carries a sequence number so
// clients can detect events dropped while they were slow.
//
// # Error mapping
//
// Controller errors map onto HTTP statuses: validation failures are 400,
// commands issued while disconnected are 409, and transport or protocol
// failures on the serial link are 502. A command that outlives its deadline
// is 504.
//
// # Graceful Degradation
//
// The server runs without a connected board. Reads of the feature model
// return 409 until a connect succeeds; health and serial endpoints keep
// working throughout.
package api
