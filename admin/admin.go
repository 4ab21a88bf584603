// Package admin serves the runtime's operator HTTP API: manifest listings,
// resolution previews, hot swaps, evolution histories, health and metrics,
// plus a websocket feed of runtime events.
package admin

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/evolution"
	"github.com/obinexus/gov-clock/health"
	"github.com/obinexus/gov-clock/manifest"
	"github.com/obinexus/gov-clock/resolver"
	"github.com/obinexus/gov-clock/store"
	"github.com/obinexus/gov-clock/swap"
	"github.com/obinexus/gov-clock/version"
)

// Runtime is the part of nexus.Context the API reads and drives.
type Runtime interface {
	ComponentIDs() []string
	Manifests(id string) ([]store.Record, bool)
	ResolveDetailed(ctx context.Context, id string, v version.ExtendedVersion, strategy version.Strategy) (resolver.Resolution, error)
	ResolverStats() resolver.Stats
	Search(prefix, taxonomy string, maxResults int) []manifest.Manifest
	Instance(id string) (*swap.Instance, bool)
	Instances() []*swap.Instance
	Instantiate(ctx context.Context, id string, v version.ExtendedVersion, strategy version.Strategy, gate swap.Gate) (*swap.Instance, error)
	HotSwapWithReason(ctx context.Context, inst *swap.Instance, v version.ExtendedVersion, force bool, reason string) (swap.Result, error)
	TrackEvolution(id string) (*evolution.Evolution, bool)
	Evolutions() map[string]evolution.Snapshot
	Health() health.Status
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithHub serves hub on /events.
func WithHub(hub *Hub) Option {
	return func(h *Handler) { h.hub = hub }
}

// WithMetricsHandler serves metrics on /metrics.
func WithMetricsHandler(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// Handler serves the admin API.
type Handler struct {
	runtime Runtime
	logger  *slog.Logger
	hub     *Hub
	metrics http.Handler
}

// NewHandler creates a handler over rt.
func NewHandler(rt Runtime, opts ...Option) *Handler {
	h := &Handler{runtime: rt, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "admin")
	return h
}

// Router returns a router with every route registered.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers the API on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	// specific routes before parameterized ones
	api.HandleFunc("/components", h.ListComponents).Methods(http.MethodGet)
	api.HandleFunc("/components/{id}", h.GetComponent).Methods(http.MethodGet)
	api.HandleFunc("/components/{id}/resolve", h.Resolve).Methods(http.MethodGet)
	api.HandleFunc("/components/{id}/instantiate", h.Instantiate).Methods(http.MethodPost)
	api.HandleFunc("/components/{id}/swap", h.Swap).Methods(http.MethodPost)
	api.HandleFunc("/components/{id}/evolution", h.GetEvolution).Methods(http.MethodGet)
	api.HandleFunc("/instances", h.ListInstances).Methods(http.MethodGet)
	api.HandleFunc("/search", h.Search).Methods(http.MethodGet)
	api.HandleFunc("/evolution", h.ListEvolution).Methods(http.MethodGet)
	api.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics).Methods(http.MethodGet)
	}
	if h.hub != nil {
		r.Handle("/events", h.hub).Methods(http.MethodGet)
	}
}

// ManifestRecord is one registered manifest.
type ManifestRecord struct {
	Manifest     manifest.Manifest `json:"manifest"`
	Source       manifest.Source   `json:"source"`
	RegisteredAt time.Time         `json:"registered_at"`
}

// ComponentSummary is one entry of the component listing.
type ComponentSummary struct {
	ComponentID string       `json:"component_id"`
	Versions    []string     `json:"versions"`
	Running     *swap.Status `json:"running,omitempty"`
}

// ComponentDetail is the full view of one component.
type ComponentDetail struct {
	ComponentID string           `json:"component_id"`
	Manifests   []ManifestRecord `json:"manifests"`
	Running     *swap.Status     `json:"running,omitempty"`
}

// ResolveResponse is a resolution preview.
type ResolveResponse struct {
	Manifest manifest.Manifest `json:"manifest"`
	Source   manifest.Source   `json:"source"`
	Chain    []string          `json:"chain"`
	Fallback bool              `json:"fallback"`
	Latency  time.Duration     `json:"latency_ns"`
}

// InstantiateRequest asks for a running instance. Strategy defaults to
// exact_match.
type InstantiateRequest struct {
	Version  string `json:"version"`
	Strategy string `json:"strategy,omitempty"`
}

// SwapRequest asks for a hot swap.
type SwapRequest struct {
	Version string `json:"version"`
	Force   bool   `json:"force,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// SwapResponse reports a swap attempt.
type SwapResponse struct {
	Result swap.Result `json:"result"`
	Error  string      `json:"error,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// ListComponents returns every registered component.
func (h *Handler) ListComponents(w http.ResponseWriter, _ *http.Request) {
	ids := h.runtime.ComponentIDs()
	out := make([]ComponentSummary, 0, len(ids))
	for _, id := range ids {
		recs, _ := h.runtime.Manifests(id)
		s := ComponentSummary{ComponentID: id, Versions: make([]string, 0, len(recs))}
		for _, r := range recs {
			s.Versions = append(s.Versions, r.Manifest.Version.String())
		}
		s.Running = h.running(id)
		out = append(out, s)
	}
	h.writeJSON(w, http.StatusOK, out)
}

// GetComponent returns the manifests and running status of one component.
func (h *Handler) GetComponent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	recs, ok := h.runtime.Manifests(id)
	if !ok {
		h.writeError(w, notFound("component "+id))
		return
	}
	d := ComponentDetail{ComponentID: id, Manifests: make([]ManifestRecord, 0, len(recs))}
	for _, rec := range recs {
		d.Manifests = append(d.Manifests, ManifestRecord{
			Manifest:     rec.Manifest,
			Source:       rec.Source,
			RegisteredAt: rec.RegisteredAt,
		})
	}
	d.Running = h.running(id)
	h.writeJSON(w, http.StatusOK, d)
}

// Resolve previews a resolution. Query: version (required), strategy
// (default compatible), abi (decimal or 0x hex).
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	q := r.URL.Query()

	v, err := version.Parse(q.Get("version"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if abi := q.Get("abi"); abi != "" {
		sig, err := strconv.ParseUint(abi, 0, 64)
		if err != nil {
			h.writeError(w, errors.WrapInvalid(errors.ErrParsingFailed, "Handler", "Resolve", "parse abi "+abi))
			return
		}
		v.ABISignature = sig
	}
	strategy := version.Compatible
	if s := q.Get("strategy"); s != "" {
		if strategy, err = version.ParseStrategy(s); err != nil {
			h.writeError(w, errors.WrapInvalid(err, "Handler", "Resolve", "parse strategy"))
			return
		}
	}

	res, err := h.runtime.ResolveDetailed(r.Context(), id, v, strategy)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ResolveResponse{
		Manifest: res.Manifest,
		Source:   res.Source,
		Chain:    res.Chain,
		Fallback: res.Fallback,
		Latency:  res.Latency,
	})
}

// Instantiate starts a component, or returns the instance already running.
func (h *Handler) Instantiate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req InstantiateRequest
	body := http.MaxBytesReader(w, r.Body, 64*1024)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.writeError(w, errors.WrapInvalid(errors.ErrInvalidData, "Handler", "Instantiate", "decode request"))
		return
	}
	v, err := version.Parse(req.Version)
	if err != nil {
		h.writeError(w, err)
		return
	}
	strategy := version.ExactMatch
	if req.Strategy != "" {
		if strategy, err = version.ParseStrategy(req.Strategy); err != nil {
			h.writeError(w, errors.WrapInvalid(err, "Handler", "Instantiate", "parse strategy"))
			return
		}
	}

	inst, err := h.runtime.Instantiate(r.Context(), id, v, strategy, nil)
	if err != nil {
		h.logger.Warn("Instantiate request failed", "component_id", id, "version", req.Version, "error", err)
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inst.Status())
}

// Swap hot swaps the running instance of a component.
func (h *Handler) Swap(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req SwapRequest
	body := http.MaxBytesReader(w, r.Body, 64*1024)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.writeError(w, errors.WrapInvalid(errors.ErrInvalidData, "Handler", "Swap", "decode request"))
		return
	}
	v, err := version.Parse(req.Version)
	if err != nil {
		h.writeError(w, err)
		return
	}
	inst, ok := h.runtime.Instance(id)
	if !ok {
		h.writeError(w, notFound("running instance of "+id))
		return
	}

	res, err := h.runtime.HotSwapWithReason(r.Context(), inst, v, req.Force, req.Reason)
	if err != nil {
		h.logger.Warn("Swap request failed", "component_id", id, "version", req.Version, "error", err)
		code := statusFor(err)
		h.writeJSON(w, code, SwapResponse{Result: res, Error: h.message(code, err)})
		return
	}
	h.writeJSON(w, http.StatusOK, SwapResponse{Result: res})
}

// GetEvolution returns the evolution record of one component.
func (h *Handler) GetEvolution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ev, ok := h.runtime.TrackEvolution(id)
	if !ok {
		h.writeError(w, notFound("evolution of "+id))
		return
	}
	h.writeJSON(w, http.StatusOK, ev.Snapshot())
}

// ListEvolution returns every evolution record.
func (h *Handler) ListEvolution(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.runtime.Evolutions())
}

// ListInstances returns the status of every running instance.
func (h *Handler) ListInstances(w http.ResponseWriter, _ *http.Request) {
	instances := h.runtime.Instances()
	out := make([]swap.Status, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.Status())
	}
	h.writeJSON(w, http.StatusOK, out)
}

// Search lists manifests by id prefix. Query: prefix, taxonomy, max.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maxResults := 0
	if s := q.Get("max"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeError(w, errors.WrapInvalid(errors.ErrParsingFailed, "Handler", "Search", "parse max "+s))
			return
		}
		maxResults = n
	}
	h.writeJSON(w, http.StatusOK, h.runtime.Search(q.Get("prefix"), q.Get("taxonomy"), maxResults))
}

// Stats returns the resolution counters.
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.runtime.ResolverStats())
}

// Health returns the aggregate health; unhealthy answers 503.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	st := h.runtime.Health()
	code := http.StatusOK
	if st.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, st)
}

func (h *Handler) running(id string) *swap.Status {
	inst, ok := h.runtime.Instance(id)
	if !ok {
		return nil
	}
	st := inst.Status()
	return &st
}

func notFound(what string) error {
	return errors.WrapInvalid(errors.ErrNotFound, "Handler", "lookup", what)
}

// statusFor maps an error to an HTTP status.
func statusFor(err error) int {
	switch {
	case stderrors.Is(err, errors.ErrRollbackFailed):
		return http.StatusInternalServerError
	case stderrors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, errors.ErrSwapInProgress), stderrors.Is(err, errors.ErrAlreadyRegistered):
		return http.StatusConflict
	case stderrors.Is(err, errors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.IsInvalid(err):
		return http.StatusUnprocessableEntity
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if stderrors.Is(err, errors.ErrParsingFailed) || stderrors.Is(err, errors.ErrInvalidData) {
		code = http.StatusBadRequest
	}
	h.writeJSON(w, code, ErrorResponse{Error: h.message(code, err), Kind: errors.Kind(err)})
}

// message is the client-facing text of err; server errors are masked.
func (h *Handler) message(code int, err error) string {
	if code == http.StatusInternalServerError {
		h.logger.Error("Admin request failed", "error", err)
		return "internal server error"
	}
	return strings.TrimSpace(err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Response not written", "error", err)
	}
}
