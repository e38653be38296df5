// Package memory provides an in-memory Ledger implementation. It is safe
// for concurrent use and is primarily intended for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/oracle-relay/internal/app/domain/request"
	"github.com/R3E-Network/oracle-relay/internal/app/ledger"
)

// Ledger is the mutex-guarded in-memory store. All operations take the
// single lock, which is what makes each of them atomic.
type Ledger struct {
	mu        sync.RWMutex
	nextID    int64
	owner     request.Identity
	requests  map[string]request.Request
	responses map[string]request.Response
	pending   map[request.Identity][]string
	events    []request.Event
	nextSeq   uint64
}

var _ ledger.Ledger = (*Ledger)(nil)

// New creates an empty ledger owned by the given identity.
func New(owner request.Identity) *Ledger {
	return &Ledger{
		nextID:    1,
		nextSeq:   1,
		owner:     owner,
		requests:  make(map[string]request.Request),
		responses: make(map[string]request.Response),
		pending:   make(map[request.Identity][]string),
	}
}

func (l *Ledger) nextIDLocked() string {
	id := l.nextID
	l.nextID++
	return fmt.Sprintf("%d", id)
}

func (l *Ledger) emitLocked(ev request.Event) {
	ev.Seq = l.nextSeq
	l.nextSeq++
	ev.EmittedAt = time.Now().UTC()
	l.events = append(l.events, ev)
}

func (l *Ledger) CreateRequest(_ context.Context, params request.HTTPParams, pick string, oracle, recipient request.Identity) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req := request.Request{
		ID:        l.nextIDLocked(),
		Params:    params,
		Pick:      pick,
		Oracle:    oracle,
		Recipient: recipient,
		CreatedAt: time.Now().UTC(),
	}

	l.requests[req.ID] = req
	l.pending[recipient] = append(l.pending[recipient], req.ID)
	l.emitLocked(request.Event{
		Kind:      request.EventRequestAdded,
		RequestID: req.ID,
		Request:   req,
	})
	return req.ID, nil
}

func (l *Ledger) FulfilRequest(_ context.Context, caller request.Identity, id, body string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.requests[id]
	if !ok {
		return fmt.Errorf("request %s: %w", id, ledger.ErrNotFound)
	}
	if req.Oracle != caller {
		return fmt.Errorf("caller %s is not the oracle for request %s: %w", caller, id, ledger.ErrUnauthorized)
	}
	if _, exists := l.responses[id]; exists {
		return fmt.Errorf("request %s: %w", id, ledger.ErrAlreadyFulfilled)
	}

	resp := request.Response{
		RequestID: id,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	l.responses[id] = resp
	l.emitLocked(request.Event{
		Kind:      request.EventFulfilled,
		RequestID: id,
		Response:  resp,
	})
	return nil
}

func (l *Ledger) Consume(_ context.Context, caller request.Identity) ([]request.Pair, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	queue := l.pending[caller]
	if len(queue) == 0 {
		return nil, nil
	}

	pairs := make([]request.Pair, 0, len(queue))
	for _, id := range queue {
		resp, ok := l.responses[id]
		if !ok {
			// Abort before any state change so the queue stays intact.
			return nil, fmt.Errorf("request %s: %w", id, ledger.ErrNotFulfilled)
		}
		pairs = append(pairs, request.Pair{Request: l.requests[id], Response: resp})
	}

	delete(l.pending, caller)
	return pairs, nil
}

func (l *Ledger) SetOwner(_ context.Context, caller, newOwner request.Identity) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.owner {
		return fmt.Errorf("caller %s is not the owner: %w", caller, ledger.ErrUnauthorized)
	}
	l.owner = newOwner
	return nil
}

func (l *Ledger) EventsSince(_ context.Context, cursor uint64) ([]request.Event, uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []request.Event
	next := cursor
	for _, ev := range l.events {
		if ev.Seq <= cursor {
			continue
		}
		out = append(out, ev)
		if ev.Seq > next {
			next = ev.Seq
		}
	}
	return out, next, nil
}

func (l *Ledger) ListUnfulfilled(_ context.Context, oracle request.Identity) ([]request.Request, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []request.Request
	for id, req := range l.requests {
		if req.Oracle != oracle {
			continue
		}
		if _, fulfilled := l.responses[id]; fulfilled {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

func (l *Ledger) GetRequest(_ context.Context, id string) (request.Request, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	req, ok := l.requests[id]
	if !ok {
		return request.Request{}, fmt.Errorf("request %s: %w", id, ledger.ErrNotFound)
	}
	return req, nil
}

func (l *Ledger) GetResponse(_ context.Context, id string) (request.Response, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	resp, ok := l.responses[id]
	if !ok {
		return request.Response{}, fmt.Errorf("response for request %s: %w", id, ledger.ErrNotFound)
	}
	return resp, nil
}

func (l *Ledger) Owner(_ context.Context) (request.Identity, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.owner, nil
}
