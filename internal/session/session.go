// Package session tracks active sessions server-side: creation, last-seen,
// expiry, and the refresh rotation version used for reuse detection.
// Session state is the single source of truth for "is this identity still
// allowed to act" -- signed tokens are unforgeable but un-recallable, so
// revocation lives here and nowhere else.
//
// The rotation counter is part of the session record, not a second store:
// both views are updated under the same per-session critical section so
// they can never disagree about the current version.
package session

import (
	"context"
	"errors"
	"time"
)

// Store errors. ErrUnavailable is retryable and must never be collapsed
// into ErrReuseDetected or treated as a pass -- callers fail closed.
var (
	// ErrNotFound means the session does not exist: never created, already
	// revoked, or expired and evicted.
	ErrNotFound = errors.New("session: not found")

	// ErrReuseDetected means a rotation was attempted with a version that
	// has already been superseded. The session chain is destroyed as a
	// side effect; this is a possible token theft signal.
	ErrReuseDetected = errors.New("session: refresh token reuse detected")

	// ErrUnavailable means the backing store could not be reached.
	ErrUnavailable = errors.New("session: store unavailable")
)

// Session is one authenticated session. Created at login, mutated on every
// refresh (version bump, last-seen update), destroyed on logout, explicit
// revoke, or expiry sweep.
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	RefreshVersion uint64    `json:"refresh_version"`
}

// Store is the session registry and refresh rotation store in one
// interface. Implementations must make Rotate atomic per session: two
// concurrent calls presenting the same version must not both succeed.
type Store interface {
	// Create registers a fresh session for the user with a random ID,
	// rotation version 0, and the given lifetime.
	Create(ctx context.Context, userID string, ttl time.Duration) (Session, error)

	// Get returns the session record, or ErrNotFound. Refresh needs it:
	// refresh tokens carry no identity facts, so the user binding comes
	// from the record.
	Get(ctx context.Context, id string) (Session, error)

	// Touch updates the session's last-seen timestamp. It extends nothing
	// and is a no-op for absent sessions.
	Touch(ctx context.Context, id string) error

	// IsLive reports whether the session exists and has not expired.
	IsLive(ctx context.Context, id string) (bool, error)

	// CurrentVersion returns the stored rotation version. The boolean is
	// false when the session is absent.
	CurrentVersion(ctx context.Context, id string) (uint64, bool, error)

	// Rotate atomically compares the presented version with the stored
	// one. On match it increments, persists, and returns the new version.
	// On mismatch it destroys the session and returns ErrReuseDetected.
	// On an absent session it returns ErrNotFound.
	Rotate(ctx context.Context, id string, presented uint64) (uint64, error)

	// Revoke removes the session. Idempotent: revoking an absent session
	// succeeds.
	Revoke(ctx context.Context, id string) error

	// SweepExpired evicts expired sessions in a batch and reports how
	// many were removed. Scheduling the sweep is the caller's concern.
	SweepExpired(ctx context.Context) (int, error)
}
