// Package store defines the shared record store contract consumed by both
// the key issuer and the activation engine, plus the concrete adapters:
// memory (tests, embedded mode), Redis (concurrent-safe production path) and
// Google Sheets (poll-notified, single-admin-writer deployments).
//
// The store itself is a black box: a remotely hosted key-value service keyed
// by activation code, with push-based change notification. Adapters wrap its
// transport and nothing else. Timestamps written for "server time" fields use
// the store's own clock, never the caller's.
package store

import (
	"context"
	"errors"

	"keygate/pkg/contracts/domain"
)

// Sentinel failures shared by all adapters. Transport-level problems are
// returned as wrapped adapter errors and surfaced by callers as
// license.StoreUnavailableError.
var (
	// ErrNotFound reports an unknown activation code.
	ErrNotFound = errors.New("store: activation key not found")
	// ErrConflict reports a lost conditional write: the record's status no
	// longer matched the expectation when the write committed.
	ErrConflict = errors.New("store: conditional write lost")
	// ErrExists reports a create against a code that is already present.
	ErrExists = errors.New("store: activation key already exists")
)

// Event is one change notification for a single code. Deliveries may be
// duplicated or reordered; consumers must apply them idempotently.
type Event struct {
	Code    string                `json:"code"`
	Key     *domain.ActivationKey `json:"key,omitempty"` // nil when Removed
	Removed bool                  `json:"removed,omitempty"`
}

// UnsubscribeFunc detaches a watcher. Safe to call more than once.
type UnsubscribeFunc func()

// WatchAll subscribes to events for every code in the keyspace.
const WatchAll = ""

// Store is the record store contract.
//
// Create stamps CreatedAt with the store's own clock, so a compromised admin
// client cannot back-date issuance. UpdateIf is the single concurrency
// control point in the system: it commits mutate atomically only while the
// record's status still equals expect, and fails with ErrConflict otherwise.
type Store interface {
	// Get returns the record for code, or ErrNotFound.
	Get(ctx context.Context, code string) (*domain.ActivationKey, error)

	// Create writes a new record, assigning CreatedAt from the store clock.
	// Returns the stored record, or ErrExists if the code is taken.
	Create(ctx context.Context, key *domain.ActivationKey) (*domain.ActivationKey, error)

	// UpdateIf applies mutate to the record under a compare-and-swap on
	// status. Returns the updated record, ErrNotFound, or ErrConflict.
	UpdateIf(ctx context.Context, code string, expect domain.KeyStatus, mutate func(*domain.ActivationKey)) (*domain.ActivationKey, error)

	// Apply applies mutate unconditionally (admin reset path). Returns the
	// updated record or ErrNotFound.
	Apply(ctx context.Context, code string, mutate func(*domain.ActivationKey)) (*domain.ActivationKey, error)

	// Remove deletes the record. Idempotent: removing an absent code is nil.
	Remove(ctx context.Context, code string) error

	// All returns the full current record set, for display and filtering only.
	All(ctx context.Context) ([]*domain.ActivationKey, error)

	// Watch registers fn for change notifications on one code, or on the
	// whole keyspace when code is WatchAll. The returned handle detaches it.
	Watch(ctx context.Context, code string, fn func(Event)) (UnsubscribeFunc, error)

	// Ping verifies connectivity to the backing service.
	Ping(ctx context.Context) error
}
