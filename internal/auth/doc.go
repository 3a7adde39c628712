// Package auth authenticates the hearth operator account.
//
// There is a single configured operator (username plus argon2id password
// hash in the security section of the config). Login verifies the
// password and issues a short-lived HS256 access token; API requests are
// validated by signature alone, with no session table. WebSocket clients
// trade their bearer token for a single-use ticket, keeping the JWT out
// of upgrade URLs and access logs.
package auth
