// Package httpapi exposes the library store over loopback HTTP. Every
// operation is a POST of a JSON request to /v1/<op> answered with a JSON
// response, plus GET /v1/status and GET /healthz for liveness.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/xid"

	"pkt.systems/bibd/api"
	"pkt.systems/bibd/internal/library"
	"pkt.systems/bibd/internal/svcfields"
	"pkt.systems/pslog"
)

const requestBodyLimit = 4 << 20 // plenty for one record plus abstract

const headerRequestID = "X-Request-Id"

// Handler serves the bibd HTTP API for one library store.
type Handler struct {
	store    *library.Store
	logger   pslog.Logger
	mux      *http.ServeMux
	metrics  *Metrics
	activity func()
	now      func() time.Time

	version   string
	startedAt time.Time
	port      int
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger supplies the request logger.
func WithLogger(l pslog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithActivityHook registers fn to run on every request. The server uses
// it to reset the idle shutdown timer.
func WithActivityHook(fn func()) Option {
	return func(h *Handler) { h.activity = fn }
}

// WithVersion sets the build version reported by /v1/status.
func WithVersion(v string) Option {
	return func(h *Handler) { h.version = v }
}

// WithMetrics attaches request counters and latency histograms.
func WithMetrics(m *Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New builds a Handler over store. Request-level concurrency is safe: the
// store serializes every operation internally, which gives mutations a
// total order by arrival.
func New(store *library.Store, opts ...Option) *Handler {
	h := &Handler{
		store:  store,
		logger: pslog.NoopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = svcfields.WithSubsystem(h.logger, "httpapi")
	h.startedAt = h.now()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/status", h.wrap("status", h.handleStatus))
	mux.HandleFunc("POST /v1/get", h.wrap("get", h.handleGet))
	mux.HandleFunc("POST /v1/list", h.wrap("list", h.handleList))
	mux.HandleFunc("POST /v1/search", h.wrap("search", h.handleSearch))
	mux.HandleFunc("POST /v1/add", h.wrap("add", h.handleAdd))
	mux.HandleFunc("POST /v1/update", h.wrap("update", h.handleUpdate))
	mux.HandleFunc("POST /v1/remove", h.wrap("remove", h.handleRemove))
	mux.HandleFunc("POST /v1/save", h.wrap("save", h.handleSave))
	mux.HandleFunc("POST /v1/cite", h.wrap("cite", h.handleCite))
	mux.HandleFunc("POST /v1/format", h.wrap("format", h.handleFormat))
	mux.HandleFunc("POST /v1/attach", h.wrap("attach", h.handleAttach))
	mux.HandleFunc("POST /v1/detach", h.wrap("detach", h.handleDetach))
	h.mux = mux
	return h
}

// SetPort records the bound listen port for /v1/status. Called once by the
// server after the listener is up, before requests are served.
func (h *Handler) SetPort(port int) {
	h.port = port
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.activity != nil {
		h.activity()
	}
	h.mux.ServeHTTP(w, r)
}

// httpError is an error carrying its HTTP status and stable error code.
type httpError struct {
	Status int
	Code   string
	Detail string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// translateError maps store errors onto wire errors.
func translateError(err error) *httpError {
	var he *httpError
	if errors.As(err, &he) {
		return he
	}
	switch {
	case errors.Is(err, library.ErrNotFound):
		return &httpError{Status: http.StatusNotFound, Code: api.ErrCodeNotFound, Detail: err.Error()}
	case errors.Is(err, library.ErrDuplicateCitekey):
		return &httpError{Status: http.StatusConflict, Code: api.ErrCodeDuplicateCitekey, Detail: err.Error()}
	case errors.Is(err, library.ErrInvalidRecord):
		return &httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidRequest, Detail: err.Error()}
	case errors.Is(err, library.ErrPersistFailed):
		return &httpError{Status: http.StatusInsufficientStorage, Code: api.ErrCodePersistFailed, Detail: err.Error()}
	default:
		return &httpError{Status: http.StatusInternalServerError, Code: api.ErrCodeInternal, Detail: err.Error()}
	}
}

// wrap gives every endpoint a request id, structured request logging,
// metrics, and uniform error rendering.
func (h *Handler) wrap(operation string, fn func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := h.now()
		reqID := r.Header.Get(headerRequestID)
		if reqID == "" {
			reqID = xid.New().String()
		}
		w.Header().Set(headerRequestID, reqID)
		logger := h.logger.With("op", operation, "request_id", pslog.TrustedString(reqID))

		err := fn(w, r)
		elapsed := h.now().Sub(start)
		if err != nil {
			he := translateError(err)
			if he.Status >= http.StatusInternalServerError {
				logger.Error("request failed", "status", he.Status, "code", he.Code, "error", he.Detail, "duration", elapsed)
			} else {
				logger.Debug("request rejected", "status", he.Status, "code", he.Code, "duration", elapsed)
			}
			h.metrics.observe(operation, he.Status, elapsed)
			writeJSON(w, he.Status, api.ErrorResponse{ErrorCode: he.Code, Detail: he.Detail}, nil)
			return
		}
		logger.Debug("request served", "duration", elapsed)
		h.metrics.observe(operation, http.StatusOK, elapsed)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeRequest(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, requestBodyLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidRequest, Detail: fmt.Sprintf("decode request: %v", err)}
	}
	return nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	// Liveness only; never touches the store and never resets idleness
	// semantics beyond the shared activity hook.
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok\n")
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, api.StatusResponse{
		PID:           os.Getpid(),
		Port:          h.port,
		Library:       h.store.Path(),
		StartedAt:     h.startedAt.UTC().Format(time.RFC3339),
		Records:       h.store.Len(),
		Version:       h.version,
		UptimeSeconds: int64(h.now().Sub(h.startedAt).Seconds()),
		PersistFailed: h.store.PersistFailed(),
	}, nil)
	return nil
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) error {
	var req api.GetRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	rec, err := h.store.Get(r.Context(), req.Key)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, rec, nil)
	return nil
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) error {
	var req api.ListRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	records, total, err := h.store.List(r.Context(), req.Limit, req.Offset)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.ListResponse{Records: records, Total: total}, nil)
	return nil
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) error {
	var req api.SearchRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = library.DefaultSearchLimit
	}
	records, total, err := h.store.Search(r.Context(), req.Query, limit, req.Offset)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.SearchResponse{
		Records: records,
		Total:   total,
		Limit:   limit,
		Offset:  req.Offset,
	}, nil)
	return nil
}

func (h *Handler) handleAdd(w http.ResponseWriter, r *http.Request) error {
	var req api.AddRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	rec, err := h.store.Add(r.Context(), req.Record)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, rec, nil)
	return nil
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) error {
	var req api.UpdateRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	rec, err := h.store.Update(r.Context(), req.Key, req.Patch)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, rec, nil)
	return nil
}

func (h *Handler) handleRemove(w http.ResponseWriter, r *http.Request) error {
	var req api.RemoveRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.store.Remove(r.Context(), req.Key); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.RemoveResponse{Removed: true}, nil)
	return nil
}

func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request) error {
	if err := h.store.Save(r.Context()); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.SaveResponse{Saved: true}, nil)
	return nil
}

func (h *Handler) handleCite(w http.ResponseWriter, r *http.Request) error {
	var req api.CiteRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if len(req.Keys) == 0 {
		return &httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidRequest, Detail: "cite requires at least one key"}
	}
	citations, err := h.store.Cite(r.Context(), req.Keys, req.Style)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.CiteResponse{Citations: citations}, nil)
	return nil
}

func (h *Handler) handleFormat(w http.ResponseWriter, r *http.Request) error {
	var req api.FormatRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	lines, err := h.store.FormattedList(r.Context(), req.Keys, req.Style)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.FormatResponse{Lines: lines}, nil)
	return nil
}

func (h *Handler) handleAttach(w http.ResponseWriter, r *http.Request) error {
	var req api.AttachRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	att, err := h.store.Attach(r.Context(), req.Key, req.Path, req.Name)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, att, nil)
	return nil
}

func (h *Handler) handleDetach(w http.ResponseWriter, r *http.Request) error {
	var req api.DetachRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.store.Detach(r.Context(), req.Key, req.AttachmentID); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.DetachResponse{Detached: true}, nil)
	return nil
}
