package httpapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"pkt.systems/bibd/api"
	"pkt.systems/bibd/internal/httpapi"
	"pkt.systems/bibd/internal/library"
)

func newTestServer(t *testing.T, opts ...httpapi.Option) (*httptest.Server, *library.Store) {
	t.Helper()
	store, err := library.Open(filepath.Join(t.TempDir(), "refs.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	h := httpapi.New(store, opts...)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, srv *httptest.Server, path string, req, resp any) (int, string) {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpResp, err := srv.Client().Post(srv.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer httpResp.Body.Close()
	if resp != nil && httpResp.StatusCode < 400 {
		if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
			t.Fatalf("decode response from %s: %v", path, err)
		}
		return httpResp.StatusCode, ""
	}
	var apiErr api.ErrorResponse
	_ = json.NewDecoder(httpResp.Body).Decode(&apiErr)
	return httpResp.StatusCode, apiErr.ErrorCode
}

func TestAddGetRoundTrip(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	var added api.Record
	status, _ := postJSON(t, srv, "/v1/add", api.AddRequest{Record: api.Record{
		Title: "Literate Programming", Authors: []string{"Knuth, Donald E."}, Year: 1984,
	}}, &added)
	if status != http.StatusCreated {
		t.Fatalf("add status %d", status)
	}
	if added.ID != "knuth1984" {
		t.Fatalf("unexpected citekey %q", added.ID)
	}

	var fetched api.Record
	status, _ = postJSON(t, srv, "/v1/get", api.GetRequest{Key: "knuth1984"}, &fetched)
	if status != http.StatusOK {
		t.Fatalf("get status %d", status)
	}
	if fetched.UUID != added.UUID {
		t.Fatal("get returned a different record")
	}
}

func TestErrorCodes(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	if status, code := postJSON(t, srv, "/v1/get", api.GetRequest{Key: "nope"}, nil); status != http.StatusNotFound || code != api.ErrCodeNotFound {
		t.Fatalf("missing record: status=%d code=%q", status, code)
	}

	var added api.Record
	postJSON(t, srv, "/v1/add", api.AddRequest{Record: api.Record{ID: "x", Title: "X"}}, &added)
	if status, code := postJSON(t, srv, "/v1/add", api.AddRequest{Record: api.Record{ID: "x", Title: "Dup"}}, nil); status != http.StatusConflict || code != api.ErrCodeDuplicateCitekey {
		t.Fatalf("duplicate citekey: status=%d code=%q", status, code)
	}
	if status, code := postJSON(t, srv, "/v1/add", api.AddRequest{Record: api.Record{}}, nil); status != http.StatusBadRequest || code != api.ErrCodeInvalidRequest {
		t.Fatalf("invalid record: status=%d code=%q", status, code)
	}
	if status, code := postJSON(t, srv, "/v1/cite", api.CiteRequest{}, nil); status != http.StatusBadRequest || code != api.ErrCodeInvalidRequest {
		t.Fatalf("empty cite: status=%d code=%q", status, code)
	}
}

func TestMalformedJSONIsBadRequest(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	resp, err := srv.Client().Post(srv.URL+"/v1/get", "application/json", bytes.NewReader([]byte("{nope")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var apiErr api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if apiErr.ErrorCode != api.ErrCodeInvalidRequest {
		t.Fatalf("code %q", apiErr.ErrorCode)
	}
}

func TestSearchEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	postJSON(t, srv, "/v1/add", api.AddRequest{Record: api.Record{ID: "lamport78", Title: "Time, Clocks", Authors: []string{"Lamport, Leslie"}, Year: 1978}}, &api.Record{})
	postJSON(t, srv, "/v1/add", api.AddRequest{Record: api.Record{ID: "gray81", Title: "The Transaction Concept", Year: 1981}}, &api.Record{})

	var resp api.SearchResponse
	status, _ := postJSON(t, srv, "/v1/search", api.SearchRequest{Query: "author:lamport"}, &resp)
	if status != http.StatusOK {
		t.Fatalf("search status %d", status)
	}
	if resp.Total != 1 || len(resp.Records) != 1 || resp.Records[0].ID != "lamport78" {
		t.Fatalf("unexpected search response %+v", resp)
	}
	if resp.Limit != library.DefaultSearchLimit {
		t.Fatalf("expected default limit echoed, got %d", resp.Limit)
	}
}

func TestUpdateRemoveEndpoints(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	postJSON(t, srv, "/v1/add", api.AddRequest{Record: api.Record{ID: "x", Title: "X"}}, &api.Record{})

	title := "X, Revised"
	var updated api.Record
	status, _ := postJSON(t, srv, "/v1/update", api.UpdateRequest{Key: "x", Patch: api.RecordPatch{Title: &title}}, &updated)
	if status != http.StatusOK || updated.Title != title {
		t.Fatalf("update: status=%d record=%+v", status, updated)
	}

	var removed api.RemoveResponse
	status, _ = postJSON(t, srv, "/v1/remove", api.RemoveRequest{Key: "x"}, &removed)
	if status != http.StatusOK || !removed.Removed {
		t.Fatalf("remove: status=%d resp=%+v", status, removed)
	}
	if status, code := postJSON(t, srv, "/v1/remove", api.RemoveRequest{Key: "x"}, nil); status != http.StatusNotFound || code != api.ErrCodeNotFound {
		t.Fatalf("second remove: status=%d code=%q", status, code)
	}
}

func TestStatusAndHealthz(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t, httpapi.WithVersion("v1.2.3"))
	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	resp, err = srv.Client().Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	var st api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Version != "v1.2.3" {
		t.Fatalf("version %q", st.Version)
	}
	if st.Library != store.Path() {
		t.Fatalf("library path %q, want %q", st.Library, store.Path())
	}
	if st.PID <= 0 {
		t.Fatalf("pid %d", st.PID)
	}
}

func TestActivityHookFiresPerRequest(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv, _ := newTestServer(t, httpapi.WithActivityHook(func() { hits.Add(1) }))
	for i := 0; i < 3; i++ {
		resp, err := srv.Client().Get(srv.URL + "/healthz")
		if err != nil {
			t.Fatalf("healthz: %v", err)
		}
		resp.Body.Close()
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("activity hook fired %d times, want 3", got)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/list", bytes.NewReader([]byte("{}")))
	req.Header.Set("X-Request-Id", "abc123")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "abc123" {
		t.Fatalf("request id not echoed: %q", got)
	}
}

func TestMetricsRegistered(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	srv, _ := newTestServer(t, httpapi.WithMetrics(httpapi.NewMetrics(reg)))
	postJSON(t, srv, "/v1/list", api.ListRequest{}, &api.ListResponse{})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "bibd_http_requests_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("bibd_http_requests_total not registered")
	}
}

func TestAttachEndpointValidatesFile(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	postJSON(t, srv, "/v1/add", api.AddRequest{Record: api.Record{ID: "x", Title: "X"}}, &api.Record{})
	if status, code := postJSON(t, srv, "/v1/attach", api.AttachRequest{Key: "x", Path: filepath.Join(t.TempDir(), "absent.pdf")}, nil); status != http.StatusBadRequest || code != api.ErrCodeInvalidRequest {
		t.Fatalf("attach missing file: status=%d code=%q", status, code)
	}
}
