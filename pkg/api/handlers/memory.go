// Package handlers provides HTTP request handlers.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/goclaw/memlayer/pkg/api/middleware"
	"github.com/goclaw/memlayer/pkg/api/models"
	"github.com/goclaw/memlayer/pkg/api/response"
	"github.com/goclaw/memlayer/pkg/logger"
	"github.com/goclaw/memlayer/pkg/memory"
	"github.com/goclaw/memlayer/pkg/memory/vector"
	"github.com/goclaw/memlayer/pkg/sweeper"
)

const defaultMaxBodyBytes = 32 << 20

// Sweeper runs one expiry sweep across every registered store.
type Sweeper interface {
	RunOnce(ctx context.Context) sweeper.Result
}

// SimilaritySearcher answers nearest-neighbour queries.
type SimilaritySearcher interface {
	Similar(ctx context.Context, embedding []float32, n int) ([]vector.SimilarResult, error)
	SimilarText(ctx context.Context, text string, n int) ([]vector.SimilarResult, error)
}

// Notifier receives change events after successful writes.
type Notifier interface {
	Broadcast(event EventMessage) error
}

// MemoryHandler exposes a memory.Store over HTTP.
type MemoryHandler struct {
	store        memory.Store
	logger       logger.Logger
	validator    *validator.Validate
	sweeper      Sweeper
	similarity   SimilaritySearcher
	notifier     Notifier
	maxBodyBytes int64
	now          func() time.Time
}

// MemoryOption configures a MemoryHandler.
type MemoryOption func(*MemoryHandler)

// WithSweeper routes POST /cleanup through s so every registered store is
// swept, not just the composite.
func WithSweeper(s Sweeper) MemoryOption {
	return func(h *MemoryHandler) { h.sweeper = s }
}

// WithSimilarity enables POST /similar.
func WithSimilarity(s SimilaritySearcher) MemoryOption {
	return func(h *MemoryHandler) { h.similarity = s }
}

// WithNotifier publishes change events to n.
func WithNotifier(n Notifier) MemoryOption {
	return func(h *MemoryHandler) { h.notifier = n }
}

// WithMaxBodyBytes bounds request bodies, restores included.
func WithMaxBodyBytes(n int64) MemoryOption {
	return func(h *MemoryHandler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// NewMemoryHandler creates a new memory handler.
func NewMemoryHandler(store memory.Store, log logger.Logger, opts ...MemoryOption) *MemoryHandler {
	if log == nil {
		log = logger.Component("api")
	}
	h := &MemoryHandler{
		store:        store,
		logger:       log,
		validator:    validator.New(),
		maxBodyBytes: defaultMaxBodyBytes,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the memory endpoints on r.
func (h *MemoryHandler) Routes(r chi.Router) {
	r.Post("/entries", h.StoreEntry)
	r.Get("/entries", h.ListEntries)
	r.Delete("/entries", h.ClearEntries)
	r.Get("/entries/{key}", h.GetEntry)
	r.Get("/entries/{key}/exists", h.EntryExists)
	r.Delete("/entries/{key}", h.DeleteEntry)
	r.Post("/retrieve", h.Retrieve)
	r.Post("/search", h.Search)
	r.Post("/similar", h.Similar)
	r.Post("/cleanup", h.CleanupExpired)
	r.Get("/backup", h.Backup)
	r.Post("/restore", h.Restore)
}

// StoreEntry handles POST /api/v1/memory/entries
func (h *MemoryHandler) StoreEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetRequestID(ctx)

	var req models.StoreEntryRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), reqID)
		return
	}

	entry := memory.Entry{
		Key:       req.Key,
		Value:     req.Value,
		Type:      req.Type,
		Scope:     req.Scope,
		Metadata:  req.Metadata,
		ExpiresAt: req.ExpiresAt,
		Indices:   req.Indices,
	}
	if entry.ExpiresAt == nil && req.TTL != "" {
		ttl, err := time.ParseDuration(req.TTL)
		if err != nil || ttl <= 0 {
			response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, "ttl must be a positive duration", reqID)
			return
		}
		at := h.now().UTC().Add(ttl)
		entry.ExpiresAt = &at
	}

	stored, err := h.store.Store(ctx, entry)
	if err != nil {
		h.fail(w, r, err, response.OpWrite, "store entry", "key", req.Key)
		return
	}

	h.notify(EventStored, string(stored.Scope), map[string]any{"key": stored.Key, "type": stored.Type})
	response.JSON(w, http.StatusCreated, stored)
}

// GetEntry handles GET /api/v1/memory/entries/{key}. An optional ?type=
// requires the entry to be of that memory type.
func (h *MemoryHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var want *memory.Type
	if t := r.URL.Query().Get("type"); t != "" {
		typ := memory.Type(t)
		if !typ.Valid() {
			response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, "unknown type "+t, middleware.GetRequestID(r.Context()))
			return
		}
		want = &typ
	}

	entry, err := memory.Lookup(r.Context(), h.store, key, want)
	if err != nil {
		h.fail(w, r, err, response.OpLookup, "lookup entry", "key", key)
		return
	}

	response.JSON(w, http.StatusOK, entry)
}

// EntryExists handles GET /api/v1/memory/entries/{key}/exists
func (h *MemoryHandler) EntryExists(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	ok, err := h.store.Exists(r.Context(), key)
	if err != nil {
		h.fail(w, r, err, response.OpWrite, "check entry", "key", key)
		return
	}

	response.JSON(w, http.StatusOK, models.ExistsResponse{Key: key, Exists: ok})
}

// DeleteEntry handles DELETE /api/v1/memory/entries/{key}. Deleting a
// missing key is not an error.
func (h *MemoryHandler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	deleted, err := h.store.Delete(r.Context(), key)
	if err != nil {
		h.fail(w, r, err, response.OpWrite, "delete entry", "key", key)
		return
	}

	if deleted {
		h.notify(EventDeleted, "", map[string]any{"key": key})
	}
	response.JSON(w, http.StatusOK, models.DeleteResponse{Key: key, Deleted: deleted})
}

// ClearEntries handles DELETE /api/v1/memory/entries?scope=
func (h *MemoryHandler) ClearEntries(w http.ResponseWriter, r *http.Request) {
	scope, err := memory.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		h.fail(w, r, err, response.OpWrite, "clear entries")
		return
	}

	n, err := h.store.Clear(r.Context(), scope)
	if err != nil {
		h.fail(w, r, err, response.OpWrite, "clear entries")
		return
	}

	logger.FromContext(r.Context()).Info("memory cleared", "scope", scopeLabel(scope), "count", n)
	if scope != nil {
		h.notify(EventCleared, string(*scope), map[string]any{"count": n})
	} else {
		h.notify(EventCleared, "", map[string]any{"count": n})
	}
	response.JSON(w, http.StatusOK, models.CountResponse{Count: n})
}

// ListEntries handles GET /api/v1/memory/entries. The query string mirrors
// the Query fields; metadata.<name>=<value> adds a metadata filter.
func (h *MemoryHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	q, err := queryFromValues(r.URL.Query())
	if err != nil {
		h.fail(w, r, err, response.OpWrite, "parse query")
		return
	}
	h.respondResults(w, r, q, false)
}

// Retrieve handles POST /api/v1/memory/retrieve
func (h *MemoryHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	var q memory.Query
	if !h.decode(w, r, &q) {
		return
	}
	h.respondResults(w, r, q, false)
}

// Search handles POST /api/v1/memory/search. Unlike retrieve, the query text
// is mandatory.
func (h *MemoryHandler) Search(w http.ResponseWriter, r *http.Request) {
	var q memory.Query
	if !h.decode(w, r, &q) {
		return
	}
	h.respondResults(w, r, q, true)
}

func (h *MemoryHandler) respondResults(w http.ResponseWriter, r *http.Request, q memory.Query, search bool) {
	ctx := r.Context()

	var (
		stream *memory.Stream
		err    error
	)
	if search {
		stream, err = memory.Search(ctx, h.store, q)
	} else {
		stream, err = h.store.Retrieve(ctx, q)
	}
	if err != nil {
		h.fail(w, r, err, response.OpWrite, "retrieve")
		return
	}

	results, err := stream.Collect()
	if err != nil {
		h.fail(w, r, err, response.OpWrite, "retrieve")
		return
	}
	if results == nil {
		results = []memory.SearchResult{}
	}

	response.JSON(w, http.StatusOK, models.ResultsResponse{Results: results, Count: len(results)})
}

// Similar handles POST /api/v1/memory/similar
func (h *MemoryHandler) Similar(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())
	if h.similarity == nil {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "similarity search requires the vector backend", reqID)
		return
	}

	var req models.SimilarRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), reqID)
		return
	}
	if req.Limit == 0 {
		req.Limit = memory.DefaultLimit
	}

	var (
		hits []vector.SimilarResult
		err  error
	)
	switch {
	case len(req.Embedding) > 0:
		hits, err = h.similarity.Similar(r.Context(), req.Embedding, req.Limit)
	case strings.TrimSpace(req.Text) != "":
		hits, err = h.similarity.SimilarText(r.Context(), req.Text, req.Limit)
	default:
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, "text or embedding is required", reqID)
		return
	}
	if err != nil {
		h.fail(w, r, err, response.OpWrite, "similarity search")
		return
	}

	out := models.SimilarResponse{Results: make([]models.SimilarHit, 0, len(hits)), Count: len(hits)}
	for _, hit := range hits {
		out.Results = append(out.Results, models.SimilarHit{Entry: hit.Entry.Entry, Similarity: hit.Similarity})
	}
	response.JSON(w, http.StatusOK, out)
}

// CleanupExpired handles POST /api/v1/memory/cleanup
func (h *MemoryHandler) CleanupExpired(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.sweeper == nil {
		n, err := h.store.CleanupExpired(ctx)
		if err != nil {
			h.fail(w, r, err, response.OpWrite, "cleanup expired")
			return
		}
		h.notifyExpired(n)
		response.JSON(w, http.StatusOK, models.CleanupResponse{Removed: n})
		return
	}

	res := h.sweeper.RunOnce(ctx)
	out := models.CleanupResponse{Removed: res.Total(), Stores: res.Removed}
	if res.Err != nil {
		out.Errors = strings.Split(res.Err.Error(), "\n")
		logger.FromContext(ctx).Warn("manual sweep incomplete", "error", res.Err)
	}
	h.notifyExpired(out.Removed)
	response.JSON(w, http.StatusOK, out)
}

// Backup handles GET /api/v1/memory/backup. Entries are streamed as JSON
// lines; a failure after the first byte can only truncate the body, so the
// count written is reported in a trailer.
func (h *MemoryHandler) Backup(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="memlayer-backup.ndjson"`)
	w.Header().Set("Trailer", "X-Entry-Count")
	w.WriteHeader(http.StatusOK)

	n, err := memory.Export(r.Context(), h.store, w)
	w.Header().Set("X-Entry-Count", strconv.Itoa(n))
	if err != nil {
		logger.FromContext(r.Context()).Error("backup aborted", "written", n, "error", err)
	}
}

// Restore handles POST /api/v1/memory/restore with a JSON lines body as
// produced by Backup.
func (h *MemoryHandler) Restore(w http.ResponseWriter, r *http.Request) {
	body := &limitedBody{ReadCloser: http.MaxBytesReader(w, r.Body, h.maxBodyBytes)}
	defer body.Close()

	n, err := memory.Import(r.Context(), h.store, body)
	if err != nil {
		if body.exceeded {
			response.Error(w, http.StatusRequestEntityTooLarge, response.ErrCodeBadRequest, "restore body too large", middleware.GetRequestID(r.Context()))
			return
		}
		h.fail(w, r, err, response.OpWrite, "restore", "imported", n)
		return
	}

	logger.FromContext(r.Context()).Info("memory restored", "count", n)
	h.notify(EventRestored, "", map[string]any{"count": n})
	response.JSON(w, http.StatusOK, models.CountResponse{Count: n})
}

func (h *MemoryHandler) notify(kind, scope string, payload map[string]any) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Broadcast(EventMessage{Type: kind, Scope: scope, Payload: payload}); err != nil {
		h.logger.Warn("Failed to broadcast change", "event", kind, "error", err)
	}
}

func (h *MemoryHandler) notifyExpired(n int) {
	if n > 0 {
		h.notify(EventExpired, "", map[string]any{"count": n})
	}
}

// limitedBody remembers that the size limit was hit. The line scanner hands
// back the partial last line before the read error, so the import error alone
// does not say whether the body was truncated.
type limitedBody struct {
	io.ReadCloser
	exceeded bool
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		b.exceeded = true
	}
	return n, err
}

// decode reads a JSON body into v, writing a 400 on failure.
func (h *MemoryHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Debug("Failed to decode request", "error", err)
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "Invalid request body", middleware.GetRequestID(r.Context()))
		return false
	}
	return true
}

// fail logs err at a level matching its status and writes the error response.
func (h *MemoryHandler) fail(w http.ResponseWriter, r *http.Request, err error, op response.Operation, action string, args ...any) {
	status := response.HTTPStatusFromError(err, op)
	log := logger.FromContext(r.Context())
	args = append(args, "error", err, "kind", memory.Kind(err).String())
	if status >= http.StatusInternalServerError {
		log.ErrorContext(r.Context(), "Failed to "+action, args...)
	} else {
		log.DebugContext(r.Context(), "Rejected "+action, args...)
	}
	response.HandleError(w, err, op, middleware.GetRequestID(r.Context()))
}

// queryFromValues builds a Query from URL parameters.
func queryFromValues(v map[string][]string) (memory.Query, error) {
	get := func(name string) string {
		if vals := v[name]; len(vals) > 0 {
			return vals[0]
		}
		return ""
	}

	q := memory.Query{
		QueryText: get("q"),
		IndexType: memory.IndexType(get("index_type")),
		Key:       get("key"),
		Keys:      v["keys"],
		OrderBy:   get("order_by"),
		Order:     get("order"),
	}

	var err error
	if q.Limit, err = intParam(get("limit"), "limit"); err != nil {
		return q, err
	}
	if q.Offset, err = intParam(get("offset"), "offset"); err != nil {
		return q, err
	}
	if s := get("min_score"); s != "" {
		if q.MinScore, err = strconv.ParseFloat(s, 64); err != nil {
			return q, &memory.QueryError{Field: "min_score", Reason: "must be a number"}
		}
	}

	for _, field := range []string{"type", "scope"} {
		if s := get(field); s != "" {
			if q.Filters == nil {
				q.Filters = make(map[string]any)
			}
			q.Filters[field] = s
		}
	}
	for key, values := range v {
		if name, ok := strings.CutPrefix(key, "metadata."); ok && name != "" && len(values) > 0 {
			if q.MetadataFilters == nil {
				q.MetadataFilters = make(map[string]any)
			}
			q.MetadataFilters[name] = values[0]
		}
	}
	return q, nil
}

func intParam(s, field string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &memory.QueryError{Field: field, Reason: "must be an integer"}
	}
	return n, nil
}

func scopeLabel(s *memory.Scope) string {
	if s == nil {
		return "all"
	}
	return string(*s)
}
