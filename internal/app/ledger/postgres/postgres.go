// Package postgres implements the Ledger on PostgreSQL. Every operation
// runs in a single transaction, which is what makes it atomic with respect
// to concurrent readers and competing fulfillers.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/oracle-relay/internal/app/domain/request"
	"github.com/R3E-Network/oracle-relay/internal/app/ledger"
)

// Ledger is the PostgreSQL-backed implementation.
type Ledger struct {
	db *sqlx.DB
}

var _ ledger.Ledger = (*Ledger)(nil)

// New creates a Ledger using the provided database handle.
func New(db *sqlx.DB) *Ledger {
	return &Ledger{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS oracle_requests (
	id         TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	method     TEXT NOT NULL,
	headers    TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL DEFAULT '',
	pick       TEXT NOT NULL DEFAULT '',
	oracle     TEXT NOT NULL,
	recipient  TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS oracle_responses (
	request_id TEXT PRIMARY KEY REFERENCES oracle_requests (id),
	body       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS oracle_pending (
	seq        BIGSERIAL PRIMARY KEY,
	recipient  TEXT NOT NULL,
	request_id TEXT NOT NULL REFERENCES oracle_requests (id)
);

CREATE INDEX IF NOT EXISTS oracle_pending_recipient_idx ON oracle_pending (recipient);

CREATE TABLE IF NOT EXISTS oracle_events (
	seq        BIGSERIAL PRIMARY KEY,
	kind       TEXT NOT NULL,
	request_id TEXT NOT NULL,
	payload    JSONB NOT NULL,
	emitted_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS oracle_params (
	singleton BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
	owner     TEXT NOT NULL
);
`

// EnsureSchema creates the ledger tables and seeds the owner row if it does
// not exist yet.
func (l *Ledger) EnsureSchema(ctx context.Context, owner request.Identity) error {
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO oracle_params (singleton, owner)
		VALUES (TRUE, $1)
		ON CONFLICT (singleton) DO NOTHING
	`, owner)
	if err != nil {
		return fmt.Errorf("seed owner: %w", err)
	}
	return nil
}

type requestRow struct {
	ID        string    `db:"id"`
	URL       string    `db:"url"`
	Method    string    `db:"method"`
	Headers   string    `db:"headers"`
	Body      string    `db:"body"`
	Pick      string    `db:"pick"`
	Oracle    string    `db:"oracle"`
	Recipient string    `db:"recipient"`
	CreatedAt time.Time `db:"created_at"`
}

func (r requestRow) domain() request.Request {
	return request.Request{
		ID: r.ID,
		Params: request.HTTPParams{
			URL:     r.URL,
			Method:  r.Method,
			Headers: r.Headers,
			Body:    r.Body,
		},
		Pick:      r.Pick,
		Oracle:    request.Identity(r.Oracle),
		Recipient: request.Identity(r.Recipient),
		CreatedAt: r.CreatedAt,
	}
}

func (l *Ledger) CreateRequest(ctx context.Context, params request.HTTPParams, pick string, oracle, recipient request.Identity) (string, error) {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	req := request.Request{
		ID:        uuid.NewString(),
		Params:    params,
		Pick:      pick,
		Oracle:    oracle,
		Recipient: recipient,
		CreatedAt: time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO oracle_requests (id, url, method, headers, body, pick, oracle, recipient, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, req.ID, params.URL, params.Method, params.Headers, params.Body, pick, oracle, recipient, req.CreatedAt)
	if err != nil {
		return "", err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO oracle_pending (recipient, request_id) VALUES ($1, $2)
	`, recipient, req.ID)
	if err != nil {
		return "", err
	}

	if err := emitEvent(ctx, tx, request.EventRequestAdded, req.ID, req); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return req.ID, nil
}

func (l *Ledger) FulfilRequest(ctx context.Context, caller request.Identity, id, body string) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var oracle string
	err = tx.GetContext(ctx, &oracle, `SELECT oracle FROM oracle_requests WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("request %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if request.Identity(oracle) != caller {
		return fmt.Errorf("caller %s is not the oracle for request %s: %w", caller, id, ledger.ErrUnauthorized)
	}

	resp := request.Response{RequestID: id, Body: body, CreatedAt: time.Now().UTC()}

	// ON CONFLICT DO NOTHING turns a duplicate fulfilment into zero rows,
	// never an overwrite.
	result, err := tx.ExecContext(ctx, `
		INSERT INTO oracle_responses (request_id, body, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (request_id) DO NOTHING
	`, id, body, resp.CreatedAt)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("request %s: %w", id, ledger.ErrAlreadyFulfilled)
	}

	if err := emitEvent(ctx, tx, request.EventFulfilled, id, resp); err != nil {
		return err
	}

	return tx.Commit()
}

func (l *Ledger) Consume(ctx context.Context, caller request.Identity) ([]request.Pair, error) {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	type pairRow struct {
		requestRow
		Seq           int64          `db:"seq"`
		RespBody      sql.NullString `db:"resp_body"`
		RespCreatedAt sql.NullTime   `db:"resp_created_at"`
	}

	var rows []pairRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT p.seq, r.id, r.url, r.method, r.headers, r.body, r.pick, r.oracle, r.recipient, r.created_at,
		       resp.body AS resp_body, resp.created_at AS resp_created_at
		FROM oracle_pending p
		JOIN oracle_requests r ON r.id = p.request_id
		LEFT JOIN oracle_responses resp ON resp.request_id = p.request_id
		WHERE p.recipient = $1
		ORDER BY p.seq
		FOR UPDATE OF p
	`, caller)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, tx.Commit()
	}

	seqs := make([]int64, 0, len(rows))
	pairs := make([]request.Pair, 0, len(rows))
	for _, row := range rows {
		if !row.RespBody.Valid {
			return nil, fmt.Errorf("request %s: %w", row.ID, ledger.ErrNotFulfilled)
		}
		seqs = append(seqs, row.Seq)
		pairs = append(pairs, request.Pair{
			Request: row.domain(),
			Response: request.Response{
				RequestID: row.ID,
				Body:      row.RespBody.String,
				CreatedAt: row.RespCreatedAt.Time,
			},
		})
	}

	// Delete exactly the rows the SELECT locked and returned. Deleting by
	// recipient would also hit rows that committed after the SELECT's
	// snapshot, dropping them without ever returning them.
	if _, err := tx.ExecContext(ctx, `DELETE FROM oracle_pending WHERE seq = ANY($1)`, pq.Array(seqs)); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return pairs, nil
}

func (l *Ledger) SetOwner(ctx context.Context, caller, newOwner request.Identity) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var owner string
	if err := tx.GetContext(ctx, &owner, `SELECT owner FROM oracle_params FOR UPDATE`); err != nil {
		return err
	}
	if request.Identity(owner) != caller {
		return fmt.Errorf("caller %s is not the owner: %w", caller, ledger.ErrUnauthorized)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE oracle_params SET owner = $1`, newOwner); err != nil {
		return err
	}
	return tx.Commit()
}

func (l *Ledger) EventsSince(ctx context.Context, cursor uint64) ([]request.Event, uint64, error) {
	type eventRow struct {
		Seq       uint64          `db:"seq"`
		Kind      string          `db:"kind"`
		RequestID string          `db:"request_id"`
		Payload   json.RawMessage `db:"payload"`
		EmittedAt time.Time       `db:"emitted_at"`
	}

	var rows []eventRow
	err := l.db.SelectContext(ctx, &rows, `
		SELECT seq, kind, request_id, payload, emitted_at
		FROM oracle_events
		WHERE seq > $1
		ORDER BY seq
	`, cursor)
	if err != nil {
		return nil, cursor, err
	}

	next := cursor
	events := make([]request.Event, 0, len(rows))
	for _, row := range rows {
		ev := request.Event{
			Seq:       row.Seq,
			Kind:      request.EventKind(row.Kind),
			RequestID: row.RequestID,
			EmittedAt: row.EmittedAt,
		}
		switch ev.Kind {
		case request.EventRequestAdded:
			if err := json.Unmarshal(row.Payload, &ev.Request); err != nil {
				return nil, cursor, fmt.Errorf("decode event %d: %w", row.Seq, err)
			}
		case request.EventFulfilled:
			if err := json.Unmarshal(row.Payload, &ev.Response); err != nil {
				return nil, cursor, fmt.Errorf("decode event %d: %w", row.Seq, err)
			}
		}
		events = append(events, ev)
		if row.Seq > next {
			next = row.Seq
		}
	}
	return events, next, nil
}

func (l *Ledger) ListUnfulfilled(ctx context.Context, oracle request.Identity) ([]request.Request, error) {
	var rows []requestRow
	err := l.db.SelectContext(ctx, &rows, `
		SELECT r.id, r.url, r.method, r.headers, r.body, r.pick, r.oracle, r.recipient, r.created_at
		FROM oracle_requests r
		LEFT JOIN oracle_responses resp ON resp.request_id = r.id
		WHERE r.oracle = $1 AND resp.request_id IS NULL
		ORDER BY r.created_at
	`, oracle)
	if err != nil {
		return nil, err
	}

	out := make([]request.Request, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.domain())
	}
	return out, nil
}

func (l *Ledger) GetRequest(ctx context.Context, id string) (request.Request, error) {
	var row requestRow
	err := l.db.GetContext(ctx, &row, `
		SELECT id, url, method, headers, body, pick, oracle, recipient, created_at
		FROM oracle_requests WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return request.Request{}, fmt.Errorf("request %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return request.Request{}, err
	}
	return row.domain(), nil
}

func (l *Ledger) GetResponse(ctx context.Context, id string) (request.Response, error) {
	var row struct {
		RequestID string    `db:"request_id"`
		Body      string    `db:"body"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := l.db.GetContext(ctx, &row, `
		SELECT request_id, body, created_at FROM oracle_responses WHERE request_id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return request.Response{}, fmt.Errorf("response for request %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return request.Response{}, err
	}
	return request.Response{RequestID: row.RequestID, Body: row.Body, CreatedAt: row.CreatedAt}, nil
}

func (l *Ledger) Owner(ctx context.Context) (request.Identity, error) {
	var owner string
	if err := l.db.GetContext(ctx, &owner, `SELECT owner FROM oracle_params`); err != nil {
		return "", err
	}
	return request.Identity(owner), nil
}

func emitEvent(ctx context.Context, tx *sqlx.Tx, kind request.EventKind, requestID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", kind, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO oracle_events (kind, request_id, payload, emitted_at)
		VALUES ($1, $2, $3, $4)
	`, kind, requestID, body, time.Now().UTC())
	return err
}
