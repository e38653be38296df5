// Package ledger defines the authoritative store of oracle requests,
// responses and ownership. Every mutation goes through one of the four
// atomic operations; no caller is permitted to read-modify-write ledger
// state outside them.
package ledger

import (
	"context"
	"errors"

	"github.com/R3E-Network/oracle-relay/internal/app/domain/request"
)

var (
	// ErrNotFound indicates an unknown request id.
	ErrNotFound = errors.New("request not found")
	// ErrUnauthorized indicates the caller is not the principal the
	// operation requires (wrong oracle, or wrong owner for SetOwner).
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAlreadyFulfilled indicates a duplicate fulfilment attempt. The
	// first response stands; it is never overwritten.
	ErrAlreadyFulfilled = errors.New("request already fulfilled")
	// ErrNotFulfilled indicates Consume found a queued request without a
	// response. The whole call aborts and the queue is left untouched.
	ErrNotFulfilled = errors.New("request not fulfilled")
)

// Ledger exposes the transactional protocol operations plus the read paths
// the off-chain loop relies on. Implementations must make each method
// atomic: concurrent readers never observe partial application.
type Ledger interface {
	// CreateRequest records a new request, queues it for the recipient and
	// emits a RequestAdded event. Any caller may create a request on behalf
	// of any recipient.
	CreateRequest(ctx context.Context, params request.HTTPParams, pick string, oracle, recipient request.Identity) (string, error)

	// FulfilRequest records the response for a request. Only the request's
	// oracle may call it, and only once per request.
	FulfilRequest(ctx context.Context, caller request.Identity, id, body string) error

	// Consume atomically drains the caller's pending queue, pairing each
	// request with its response. If any queued request is unfulfilled the
	// call fails with ErrNotFulfilled and nothing is drained.
	Consume(ctx context.Context, caller request.Identity) ([]request.Pair, error)

	// SetOwner replaces the ledger owner. Only the current owner may call it.
	SetOwner(ctx context.Context, caller, newOwner request.Identity) error

	// EventsSince returns events with sequence numbers strictly greater
	// than cursor, plus the new cursor position.
	EventsSince(ctx context.Context, cursor uint64) ([]request.Event, uint64, error)

	// ListUnfulfilled enumerates requests assigned to the oracle that have
	// no response yet. Feeds the reconciliation sweep.
	ListUnfulfilled(ctx context.Context, oracle request.Identity) ([]request.Request, error)

	// GetRequest returns a request by id.
	GetRequest(ctx context.Context, id string) (request.Request, error)

	// GetResponse returns the response recorded for a request id.
	GetResponse(ctx context.Context, id string) (request.Response, error)

	// Owner returns the current ledger owner.
	Owner(ctx context.Context) (request.Identity, error)
}
