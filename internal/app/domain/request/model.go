// Package request defines the domain model for oracle data requests.
package request

import "time"

// Identity names a principal on the target ledger: an oracle allowed to
// fulfil requests, a recipient allowed to consume them, or the ledger owner.
type Identity string

// HTTPParams describes the external fetch a request asks for. Immutable once
// attached to a request.
type HTTPParams struct {
	URL     string
	Method  string
	Headers string // "Key: Value" pairs, newline separated
	Body    string
}

// Request is an externally-sourced data request recorded on the ledger.
type Request struct {
	ID        string
	Params    HTTPParams
	Pick      string
	Oracle    Identity
	Recipient Identity
	CreatedAt time.Time
}

// Response is the oracle-submitted result for a request. It exists only
// after fulfilment and is never replaced.
type Response struct {
	RequestID string
	Body      string
	CreatedAt time.Time
}

// Pair couples a drained request with its response, as returned by Consume.
type Pair struct {
	Request  Request
	Response Response
}

// EventKind discriminates ledger events.
type EventKind string

const (
	EventRequestAdded EventKind = "request_added"
	EventFulfilled    EventKind = "fulfilled"
)

// Event is an entry in the ledger's append-only event log. Seq is assigned
// by the ledger and strictly increases.
type Event struct {
	Seq       uint64
	Kind      EventKind
	RequestID string
	Request   Request  // populated for EventRequestAdded
	Response  Response // populated for EventFulfilled
	EmittedAt time.Time
}
