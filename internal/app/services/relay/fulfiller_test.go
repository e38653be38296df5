package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/R3E-Network/oracle-relay/internal/app/domain/request"
	"github.com/R3E-Network/oracle-relay/internal/app/ledger/memory"
	"github.com/R3E-Network/oracle-relay/pkg/logger"
)

const (
	testOracle    = request.Identity("oracle-1")
	testRecipient = request.Identity("recipient-1")
)

func quietLogger(name string) *logger.Logger {
	log := logger.NewDefault(name)
	log.SetOutput(io.Discard)
	return log
}

func TestFulfiller_ExecuteRawBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("header not forwarded: %q", r.Header.Get("Content-Type"))
		}
		io.WriteString(w, "Hello World")
	}))
	defer server.Close()

	led := memory.New("owner")
	ctx := context.Background()
	id, err := led.CreateRequest(ctx, request.HTTPParams{
		URL:     server.URL,
		Method:  "GET",
		Headers: "Content-Type: application/json",
	}, "", testOracle, testRecipient)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	req, _ := led.GetRequest(ctx, id)

	f := NewFulfiller(led, "testchain", testOracle, server.Client(), quietLogger("fulfiller-test"))
	if err := f.Execute(ctx, req); err != nil {
		t.Fatalf("execute: %v", err)
	}

	resp, err := led.GetResponse(ctx, id)
	if err != nil {
		t.Fatalf("get response: %v", err)
	}
	if resp.Body != "Hello World" {
		t.Fatalf("unexpected body: %q", resp.Body)
	}
}

func TestFulfiller_PickExtraction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":{"price":"42195.77","volume":"1000"}}`)
	}))
	defer server.Close()

	led := memory.New("owner")
	ctx := context.Background()
	id, err := led.CreateRequest(ctx, request.HTTPParams{URL: server.URL, Method: "GET"}, "data.price", testOracle, testRecipient)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	req, _ := led.GetRequest(ctx, id)

	f := NewFulfiller(led, "testchain", testOracle, server.Client(), quietLogger("fulfiller-test"))
	if err := f.Execute(ctx, req); err != nil {
		t.Fatalf("execute: %v", err)
	}

	resp, _ := led.GetResponse(ctx, id)
	if resp.Body != "42195.77" {
		t.Fatalf("pick not applied: %q", resp.Body)
	}
}

func TestFulfiller_PickMiss(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":{}}`)
	}))
	defer server.Close()

	led := memory.New("owner")
	ctx := context.Background()
	id, _ := led.CreateRequest(ctx, request.HTTPParams{URL: server.URL, Method: "GET"}, "data.price", testOracle, testRecipient)
	req, _ := led.GetRequest(ctx, id)

	f := NewFulfiller(led, "testchain", testOracle, server.Client(), quietLogger("fulfiller-test"))
	if err := f.Execute(ctx, req); err == nil {
		t.Fatalf("expected error for missing pick path")
	}
}

func TestFulfiller_DuplicateIsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "fresh")
	}))
	defer server.Close()

	led := memory.New("owner")
	ctx := context.Background()
	id, _ := led.CreateRequest(ctx, request.HTTPParams{URL: server.URL, Method: "GET"}, "", testOracle, testRecipient)
	req, _ := led.GetRequest(ctx, id)

	if err := led.FulfilRequest(ctx, testOracle, id, "original"); err != nil {
		t.Fatalf("seed fulfilment: %v", err)
	}

	f := NewFulfiller(led, "testchain", testOracle, server.Client(), quietLogger("fulfiller-test"))
	if err := f.Execute(ctx, req); err != nil {
		t.Fatalf("duplicate fulfilment must be a no-op success, got %v", err)
	}

	resp, _ := led.GetResponse(ctx, id)
	if resp.Body != "original" {
		t.Fatalf("first response must stand, got %q", resp.Body)
	}
}

func TestFulfiller_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	led := memory.New("owner")
	ctx := context.Background()
	id, _ := led.CreateRequest(ctx, request.HTTPParams{URL: server.URL, Method: "GET"}, "", testOracle, testRecipient)
	req, _ := led.GetRequest(ctx, id)

	f := NewFulfiller(led, "testchain", testOracle, server.Client(), quietLogger("fulfiller-test"))
	err := f.Execute(ctx, req)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}

	// The request stays unfulfilled for the next sweep.
	reqs, _ := led.ListUnfulfilled(ctx, testOracle)
	if len(reqs) != 1 {
		t.Fatalf("request should remain unfulfilled, got %d", len(reqs))
	}
}

func TestParseHeaders(t *testing.T) {
	headers := parseHeaders("Content-Type: application/json\nX-Api-Key: secret\nmalformed line")
	if headers["Content-Type"] != "application/json" || headers["X-Api-Key"] != "secret" {
		t.Fatalf("unexpected headers: %#v", headers)
	}
	if len(headers) != 2 {
		t.Fatalf("malformed line should be ignored: %#v", headers)
	}
}
