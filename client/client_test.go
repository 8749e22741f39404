package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"pkt.systems/bibd/api"
	"pkt.systems/bibd/client"
	"pkt.systems/bibd/internal/httpapi"
	"pkt.systems/bibd/internal/library"
)

func newClient(t *testing.T) *client.Client {
	t.Helper()
	store, err := library.Open(filepath.Join(t.TempDir(), "refs.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	srv := httptest.NewServer(httpapi.New(store))
	t.Cleanup(srv.Close)
	return client.New(srv.URL)
}

func TestRoundTripAgainstRealHandler(t *testing.T) {
	t.Parallel()

	c := newClient(t)
	ctx := context.Background()

	added, err := c.Add(ctx, api.Record{Title: "Time, Clocks", Authors: []string{"Lamport, Leslie"}, Year: 1978})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if added.ID != "lamport1978" {
		t.Fatalf("citekey %q", added.ID)
	}

	got, err := c.Get(ctx, added.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UUID != added.UUID {
		t.Fatal("get returned different record")
	}

	records, total, err := c.List(ctx, 0, 0)
	if err != nil || total != 1 || len(records) != 1 {
		t.Fatalf("list: records=%d total=%d err=%v", len(records), total, err)
	}

	cites, err := c.Cite(ctx, []string{added.ID}, api.StyleBibTeX)
	if err != nil || len(cites) != 1 {
		t.Fatalf("cite: %v (%d)", err, len(cites))
	}

	if err := c.Remove(ctx, added.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, _, err := c.Search(ctx, "lamport", 0, 0); err != nil {
		t.Fatalf("search after remove: %v", err)
	}
}

func TestAPIErrorCarriesCode(t *testing.T) {
	t.Parallel()

	c := newClient(t)
	_, err := c.Get(context.Background(), "absent")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code() != api.ErrCodeNotFound {
		t.Fatalf("status=%d code=%q", apiErr.Status, apiErr.Code())
	}
}

func TestStatusAndHealthy(t *testing.T) {
	t.Parallel()

	c := newClient(t)
	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.PID <= 0 {
		t.Fatalf("pid %d", st.PID)
	}
	if !c.Healthy(context.Background()) {
		t.Fatal("expected healthy server")
	}
}

func TestNoRetryOnServerError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal_error","detail":"boom"}`))
	}))
	t.Cleanup(srv.Close)

	c := client.New(srv.URL)
	if _, err := c.Add(context.Background(), api.Record{Title: "X"}); err == nil {
		t.Fatal("expected error")
	}
	// Exactly one request: failed mutations are never resent by the
	// adapter.
	if got := calls.Load(); got != 1 {
		t.Fatalf("server saw %d requests, want 1", got)
	}
}

func TestHealthyFalseWhenDown(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	c := client.New(srv.URL)
	if c.Healthy(context.Background()) {
		t.Fatal("expected unhealthy for closed server")
	}
}

func TestNonJSONErrorBodyPreserved(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>proxy error</html>"))
	}))
	t.Cleanup(srv.Close)

	c := client.New(srv.URL)
	_, err := c.Get(context.Background(), "x")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Code() != "" || len(apiErr.Body) == 0 {
		t.Fatalf("expected raw body with empty code: %+v", apiErr)
	}
}
