// Package policy resolves a user's role to the session-timeout profile enforced by
// the inactivity monitor and the expiry sweeper.
//
// The table is a closed set keyed by role tag and is immutable once loaded.
// MaxSessionDuration is global and applies to every role.
package policy
