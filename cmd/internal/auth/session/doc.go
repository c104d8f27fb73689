// Package session owns the session lifecycle: issuing session records on
// login, downgrading active sessions to idle, renewing near-stale tokens,
// and classifying presented tokens into per-request Agents.
//
// Session records are immutable once written. Renewal inserts a fresh record
// chained to the previous one; a chain shares a single first-session ID and
// login timestamp until a new login starts a new chain. Logout invalidates
// records in the store and kicks live connections cluster-wide, so the local
// session cache is only ever a performance aid, never the invalidation path.
package session
