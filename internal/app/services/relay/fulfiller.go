// Package relay contains the off-chain synchronization loop: the fulfiller
// that executes oracle requests, the event watcher that feeds it, and the
// reconciliation sweeper that re-dispatches anything the watcher missed.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/oracle-relay/internal/app/domain/request"
	"github.com/R3E-Network/oracle-relay/internal/app/ledger"
	"github.com/R3E-Network/oracle-relay/internal/app/metrics"
	"github.com/R3E-Network/oracle-relay/pkg/logger"
)

// ErrTransport marks a failed fetch or submission that the next sweep will
// retry naturally. It never escalates past the runner that observed it.
var ErrTransport = errors.New("transport error")

// Fulfiller turns one request into one fulfilment submission under the
// oracle identity it was constructed with. It does not retry internally.
type Fulfiller struct {
	ledger  ledger.Ledger
	chain   string
	oracle  request.Identity
	client  *http.Client
	timeout time.Duration
	log     *logger.Logger
}

// NewFulfiller constructs a fulfiller for one (chain, oracle) pair.
func NewFulfiller(led ledger.Ledger, chain string, oracle request.Identity, client *http.Client, log *logger.Logger) *Fulfiller {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("fulfiller")
	}
	return &Fulfiller{
		ledger:  led,
		chain:   chain,
		oracle:  oracle,
		client:  client,
		timeout: 10 * time.Second,
		log:     log.WithField("chain", chain).WithField("oracle", string(oracle)),
	}
}

// Execute fetches the request's external data, applies the pick expression
// and submits the result. A fulfilment that already happened elsewhere is a
// success: the sweeper depends on that to stay idempotent.
func (f *Fulfiller) Execute(ctx context.Context, req request.Request) error {
	start := time.Now()
	payload, err := f.fetch(ctx, req.Params)
	fetchTime := time.Since(start)
	if err != nil {
		metrics.RecordFulfilment(f.chain, string(f.oracle), metrics.OutcomeTransport, fetchTime)
		return fmt.Errorf("fetch %s: %v: %w", req.Params.URL, err, ErrTransport)
	}

	body := payload
	if req.Pick != "" {
		picked := gjson.Get(payload, req.Pick)
		if !picked.Exists() {
			metrics.RecordFulfilment(f.chain, string(f.oracle), metrics.OutcomeRejected, fetchTime)
			return fmt.Errorf("pick %q matched nothing in response for request %s", req.Pick, req.ID)
		}
		body = picked.String()
	}

	submitCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	err = f.ledger.FulfilRequest(submitCtx, f.oracle, req.ID, body)
	switch {
	case err == nil:
		metrics.RecordFulfilment(f.chain, string(f.oracle), metrics.OutcomeFulfilled, fetchTime)
		f.log.WithField("request_id", req.ID).Info("request fulfilled")
		return nil
	case errors.Is(err, ledger.ErrAlreadyFulfilled):
		metrics.RecordFulfilment(f.chain, string(f.oracle), metrics.OutcomeDuplicate, fetchTime)
		f.log.WithField("request_id", req.ID).Debug("request already fulfilled; skipping")
		return nil
	case errors.Is(err, ledger.ErrUnauthorized), errors.Is(err, ledger.ErrNotFound):
		metrics.RecordFulfilment(f.chain, string(f.oracle), metrics.OutcomeRejected, fetchTime)
		return fmt.Errorf("fulfil request %s: %w", req.ID, err)
	default:
		metrics.RecordFulfilment(f.chain, string(f.oracle), metrics.OutcomeTransport, fetchTime)
		return fmt.Errorf("submit request %s: %v: %w", req.ID, err, ErrTransport)
	}
}

func (f *Fulfiller) fetch(ctx context.Context, params request.HTTPParams) (string, error) {
	method := strings.ToUpper(strings.TrimSpace(params.Method))
	if method == "" {
		method = http.MethodGet
	}

	fetchCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var body io.Reader
	if params.Body != "" {
		body = strings.NewReader(params.Body)
	}
	httpReq, err := http.NewRequestWithContext(fetchCtx, method, params.URL, body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	for key, value := range parseHeaders(params.Headers) {
		httpReq.Header.Set(key, value)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(data), nil
}

// parseHeaders splits newline-separated "Key: Value" pairs. Malformed lines
// are ignored.
func parseHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key != "" {
			headers[key] = value
		}
	}
	return headers
}
