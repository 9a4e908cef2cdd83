// Package auth issues and validates the bearer tokens that guard the
// mutating HTTP API routes.
//
// Tokens are HS256 JWTs signed with security.jwt.secret. There is no user
// database: an operator mints a token once with
//
//	powerboxd -config config.yaml -mint-token ops -role operator
//
// and hands it to the client. Viewer tokens are accepted on read routes
// only when a client chooses to send one; they are refused on writes.
package auth
