package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/R3E-Network/oracle-relay/internal/app/domain/request"
	"github.com/R3E-Network/oracle-relay/internal/app/ledger/memory"
)

// A request created while no watcher is running must still get fulfilled by
// the sweep, and later sweeps must not produce a second distinct response.
func TestSweeper_RecoversMissedRequests(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&hits, 1)
		io.WriteString(w, "attempt-")
		io.WriteString(w, string(rune('0'+n)))
	}))
	defer server.Close()

	led := memory.New("owner")
	ctx := context.Background()

	// No watcher observed this creation.
	id, err := led.CreateRequest(ctx, request.HTTPParams{URL: server.URL, Method: "GET"}, "", testOracle, testRecipient)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	f := NewFulfiller(led, "testchain", testOracle, server.Client(), quietLogger("sweeper-test"))
	s := NewSweeper(led, f, "testchain", testOracle, 5*time.Millisecond, 2, quietLogger("sweeper-test"))

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(runCtx); err != nil {
		t.Fatalf("start sweeper: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, err := led.GetResponse(ctx, id); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("sweeper never fulfilled the request")
		case <-time.After(5 * time.Millisecond):
		}
	}
	first, _ := led.GetResponse(ctx, id)

	// Further sweeps find nothing to do and cannot replace the response.
	time.Sleep(50 * time.Millisecond)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop sweeper: %v", err)
	}

	final, err := led.GetResponse(ctx, id)
	if err != nil {
		t.Fatalf("get response: %v", err)
	}
	if final.Body != first.Body {
		t.Fatalf("response changed across sweeps: %q -> %q", first.Body, final.Body)
	}
	reqs, _ := led.ListUnfulfilled(ctx, testOracle)
	if len(reqs) != 0 {
		t.Fatalf("expected no unfulfilled requests, got %d", len(reqs))
	}
}

// Watcher and sweeper racing over the same request must converge on a
// single response thanks to the ledger's duplicate rejection.
func TestSweeper_OverlapWithWatcherIsIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "converged")
	}))
	defer server.Close()

	led := memory.New("owner")
	ctx := context.Background()
	id, err := led.CreateRequest(ctx, request.HTTPParams{URL: server.URL, Method: "GET"}, "", testOracle, testRecipient)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	f := NewFulfiller(led, "testchain", testOracle, server.Client(), quietLogger("overlap-test"))
	w := NewWatcher(led, f, "testchain", testOracle, 3*time.Millisecond, 2, quietLogger("overlap-test"))
	s := NewSweeper(led, f, "testchain", testOracle, 3*time.Millisecond, 2, quietLogger("overlap-test"))

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(runCtx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	if err := s.Start(runCtx); err != nil {
		t.Fatalf("start sweeper: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	w.Stop(context.Background())
	s.Stop(context.Background())

	resp, err := led.GetResponse(ctx, id)
	if err != nil {
		t.Fatalf("request not fulfilled: %v", err)
	}
	if resp.Body != "converged" {
		t.Fatalf("unexpected response: %q", resp.Body)
	}

	pairs, err := led.Consume(ctx, testRecipient)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("expected exactly one pair, got %d", len(pairs))
	}
}
