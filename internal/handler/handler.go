package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"reward-decision-api/internal/engine"
	"reward-decision-api/internal/features"
	"reward-decision-api/internal/models"
	"reward-decision-api/internal/simulator"
	"reward-decision-api/internal/validation"
)

const (
	defaultDecisionLimit = 50
	maxDecisionLimit     = 500
)

// Decider makes reward decisions.
type Decider interface {
	ProcessTransaction(ctx context.Context, event models.TransactionEvent) (engine.Result, error)
}

// DecisionStore is the read side used by the listing and simulator endpoints.
type DecisionStore interface {
	ListDecisions(ctx context.Context, limit int) ([]models.DecisionLog, error)
	ListRewardTemplates(ctx context.Context) ([]models.RewardTemplate, error)
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	engine      Decider
	store       DecisionStore
	simulator   *simulator.Simulator
	features    *features.Manager
	logger      logrus.FieldLogger
	maxBodySize int64
	now         func() time.Time
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
	Logger      logrus.FieldLogger
	Now         func() time.Time
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20,
		Now:         time.Now,
	}
}

// NewHandler creates a new handler instance.
func NewHandler(dec Decider, store DecisionStore, sim *simulator.Simulator, flags *features.Manager, opts NewHandlerOptions) *Handler {
	def := DefaultHandlerOptions()
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = def.MaxBodySize
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if flags == nil {
		flags = features.NewManager()
	}
	return &Handler{
		engine:      dec,
		store:       store,
		simulator:   sim,
		features:    flags,
		logger:      opts.Logger,
		maxBodySize: opts.MaxBodySize,
		now:         opts.Now,
	}
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/rule-engine", h.Decide)
	r.Get("/decisions", h.ListDecisions)
	r.Route("/simulate", func(r chi.Router) {
		r.Use(h.requireFeature(features.FeatureSimulatorAPI))
		r.Post("/preview", h.SimulatePreview)
		r.Post("/batch", h.SimulateBatch)
		r.Post("/rates", h.SimulateRates)
	})
	r.Get("/health", h.Health)
}

// Decide handles POST /rule-engine. The response reason is one of
// reward_issued, no_reward_rule, rule_capped, ineligible, outside_window,
// no_active_campaign, issue_failed, template_missing, duplicate, in_progress
// (a replay of a pending or issuing decision) or claimed_elsewhere.
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	var req models.DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}

	event, err := validation.DecisionEvent(req, h.now())
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.engine.ProcessTransaction(r.Context(), event)
	if err != nil {
		h.handleEngineError(w, r, event, err)
		return
	}

	h.respondJSON(w, http.StatusOK, res.Response())
}

// ListDecisions handles GET /decisions
func (h *Handler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	limit := defaultDecisionLimit
	if raw := validation.SanitizeString(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.respondError(w, http.StatusBadRequest, "invalid 'limit' parameter, must be a positive integer")
			return
		}
		limit = min(n, maxDecisionLimit)
	}

	decisions, err := h.store.ListDecisions(r.Context(), limit)
	if err != nil {
		h.logger.WithError(err).Error("failed to list decisions")
		h.respondError(w, http.StatusInternalServerError, "failed to list decisions")
		return
	}
	if decisions == nil {
		decisions = []models.DecisionLog{}
	}

	h.respondJSON(w, http.StatusOK, models.DecisionsResponse{Decisions: decisions})
}

// SimulatePreview handles POST /simulate/preview
func (h *Handler) SimulatePreview(w http.ResponseWriter, r *http.Request) {
	var req models.PreviewRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validateSimulation(req, req.Config); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	templates := req.Templates
	if templates == nil {
		var err error
		templates, err = h.store.ListRewardTemplates(r.Context())
		if err != nil {
			h.logger.WithError(err).Error("failed to list reward templates")
			h.respondError(w, http.StatusInternalServerError, "failed to load reward templates")
			return
		}
	}

	h.respondJSON(w, http.StatusOK, h.simulator.PreviewDecision(req.CounterValue, *req.Config, templates))
}

// SimulateBatch handles POST /simulate/batch
func (h *Handler) SimulateBatch(w http.ResponseWriter, r *http.Request) {
	var req models.BatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validateSimulation(req, req.Config); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.simulator.SimulateBatch(req.CounterStart, req.Count, *req.Config, req.NonRewardCounterStart)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// SimulateRates handles POST /simulate/rates
func (h *Handler) SimulateRates(w http.ResponseWriter, r *http.Request) {
	var req models.RatesRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validation.Struct(req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validation.RewardRules(req.RewardRules); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.respondJSON(w, http.StatusOK, h.simulator.Rates(req.RewardRules, req.SampleLimit))
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.WithError(err).Warn("health check failed")
		h.respondError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) validateSimulation(req interface{}, cfg *models.CampaignConfig) error {
	if err := validation.Struct(req); err != nil {
		return err
	}
	return validation.CampaignConfig(*cfg)
}

func (h *Handler) handleEngineError(w http.ResponseWriter, r *http.Request, event models.TransactionEvent, err error) {
	var verr *validation.ValidationError
	switch {
	case errors.Is(err, engine.ErrInvalidEvent), errors.As(err, &verr):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// client went away; nothing to write
	default:
		h.logger.WithFields(logrus.Fields{
			"transaction_id": event.TransactionID,
			"program_id":     event.ProgramID,
			"integrity":      errors.Is(err, engine.ErrIntegrity),
		}).WithError(err).Error("decision request failed")
		h.respondError(w, http.StatusInternalServerError, "failed to process transaction")
	}
}

func (h *Handler) requireFeature(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !h.features.IsEnabled(name) {
				h.respondError(w, http.StatusNotFound, "not found")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// decode reads a JSON body into dest, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			h.respondError(w, http.StatusBadRequest, "request body is required")
		case errors.As(err, &tooLarge):
			h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
		default:
			h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		}
		return false
	}
	return true
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
