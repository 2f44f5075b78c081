package store

// Shared Verification State
//
// Coordinator and participants never talk to each other directly; the only
// channel between them is this subscribable record store. A subscription
// delivers the full current record on every change, once immediately on
// subscribe, and nil when the record is deleted. Deletion-as-reset is part
// of the protocol: a participant seeing nil abandons its round and returns
// to idle.

import (
	"context"
	"errors"

	"copresence/models"
)

// ErrNotFound reports a lookup for a record that does not exist.
var ErrNotFound = errors.New("verification request not found")

// Mutator edits a record in place inside an Update. It must only touch
// fields its caller owns.
type Mutator func(*models.VerificationRequest)

// Callback receives the current record after a change, or nil when the
// record was deleted.
type Callback func(*models.VerificationRequest)

// Store is the shared state channel between coordinator and participants.
type Store interface {
	// Put creates the record. Fails if the id already exists.
	Put(ctx context.Context, req *models.VerificationRequest) error

	// Get returns a copy of the current record.
	Get(ctx context.Context, id string) (*models.VerificationRequest, error)

	// Update applies mutate to the live record atomically and fans the
	// result out to subscribers.
	Update(ctx context.Context, id string, mutate Mutator) (*models.VerificationRequest, error)

	// Delete removes the record, notifying subscribers with nil. Deleting
	// an absent record is not an error.
	Delete(ctx context.Context, id string) error

	// List returns copies of all live records.
	List(ctx context.Context) ([]*models.VerificationRequest, error)

	// Subscribe registers cb for changes to one record, invoking it once
	// immediately with the current state (nil if absent). The returned
	// function cancels the subscription.
	Subscribe(ctx context.Context, id string, cb Callback) (func(), error)

	Close(ctx context.Context) error
}
