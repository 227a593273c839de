// Package session implements the single-active-session registry.
//
// A user owns at most one active session row at any instant. Creating a session
// supersedes any prior active row for the same user inside one per-user critical
// section (a Postgres transaction holding an advisory lock, or a mutex for the
// in-memory store). Rows are never deleted; they are deactivated with a
// TerminationReason and kept for audit.
//
// Each session carries an absolute ceiling (ExpiresAt) fixed at creation. Heartbeats
// move LastActivity forward but never past ExpiresAt.
//
// Timer-driven enforcement lives in the monitor (per browsing context) and the
// sweeper (server-side backstop); both go through this package.
package session
