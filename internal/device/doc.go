// Package device drives a BigPowerBox power-switching and environmental
// sensing board over its serial text protocol.
//
// The board reports its physical topology as a compact signature string
// (for example "ssmmppaaft"). At connect time the Controller pings the board,
// reads the signature, builds an ordered model of every channel (Feature),
// populates it from the status line, fetches port names and PWM settings,
// and then keeps the model fresh from a background polling goroutine.
//
// Wire format:
//
//	command: ">" + body + "#"        e.g. ">O:03#"
//	reply:   read up to "#", then every ">" and "#" is stripped
//
// Architecture:
//
//	caller ──► Controller (one mutex) ──► Transport (half duplex, blocking)
//	                │
//	                ├─ describe: ">D#" → Signature → []Feature
//	                ├─ status:   ">S#" → staged decode → commit
//	                └─ poller:   wake channel + interval timer
//
// Connections are reference counted: many logical clients share one serial
// link, which is opened on the first Connect and closed on the last
// Disconnect. Every command/reply exchange, every connect/disconnect
// transition and every status decode runs under the same lock, so the lock
// doubles as protocol-level mutual exclusion.
//
// Thread Safety: all exported methods on Controller are safe for concurrent use.
package device
