// Package storage persists the broadcast audit trail: who created, started
// or paused which job, and how each run ended. It also keeps short-lived
// schedule marks so a scheduled broadcast is not fired twice in one period
// across restarts.
//
// Job state itself is never persisted; a restarted process starts with an
// empty job registry.
package storage
