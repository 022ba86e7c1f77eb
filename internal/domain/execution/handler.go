package execution

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentdeck/agentdeck-api/internal/domain/agent"
	"github.com/agentdeck/agentdeck-api/internal/domain/ledger"
	"github.com/agentdeck/agentdeck-api/internal/middleware"
	"github.com/agentdeck/agentdeck-api/internal/pkg/executor"
	"github.com/agentdeck/agentdeck-api/internal/pkg/response"
)

// IdempotencyKeyHeader dedupes client-retried execution requests.
const IdempotencyKeyHeader = "X-Idempotency-Key"

// maxExecuteBody caps the request body, matching the webhook limit.
const maxExecuteBody = 64 * 1024

// ExecuteRequest for POST /execute/{agent_id}
type ExecuteRequest struct {
	Input json.RawMessage `json:"input"`
}

// Handler handles execution HTTP requests
type Handler struct {
	service *Service
}

// NewHandler creates execution handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Execute handles POST /execute/{agent_id}
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	agentID, err := uuid.Parse(chi.URLParam(r, "agent_id"))
	if err != nil {
		response.BadRequest(w, "Invalid agent ID")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxExecuteBody)
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			response.Error(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Request body too large")
			return
		}
		response.BadRequest(w, "Invalid JSON body")
		return
	}

	in := ExecuteInput{
		AgentID:        agentID,
		UserID:         middleware.GetUserID(r.Context()),
		Fingerprint:    middleware.GetFingerprint(r.Context()),
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
		Input:          req.Input,
	}

	result, err := h.service.Execute(r.Context(), in)
	if err != nil {
		h.writeExecuteError(w, in, err)
		return
	}

	response.OK(w, result)
}

// Get handles GET /executions/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid execution ID")
		return
	}

	rec, err := h.service.Get(r.Context(), id, middleware.GetUserID(r.Context()))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(w, "Execution not found")
			return
		}
		response.InternalError(w)
		return
	}

	response.OK(w, rec)
}

func (h *Handler) writeExecuteError(w http.ResponseWriter, in ExecuteInput, err error) {
	switch {
	case errors.Is(err, agent.ErrAgentNotFound), errors.Is(err, agent.ErrAgentInactive):
		response.NotFound(w, "Agent not found")
	case errors.Is(err, ErrTrialExhausted):
		response.PaymentRequired(w, "TRIAL_EXHAUSTED", "Free trial exhausted, sign up and buy credits to continue")
	case errors.Is(err, ledger.ErrInsufficientCredits):
		response.PaymentRequired(w, "INSUFFICIENT_CREDITS", "Not enough credits, top up to continue")
	case errors.Is(err, ErrAuthRequired):
		response.Unauthorized(w, "Authentication required for this agent")
	case errors.Is(err, ErrInProgress):
		response.Conflict(w, "Execution with this idempotency key is still in progress")
	case errors.Is(err, ErrIdempotencyConflict):
		response.Conflict(w, "Idempotency key was already used for a different agent")
	case errors.Is(err, executor.ErrTimeout):
		response.Error(w, http.StatusGatewayTimeout, "EXECUTOR_TIMEOUT", "Agent execution timed out, the charge was reversed, retry")
	case errors.Is(err, ErrExecutorFailed):
		response.BadGateway(w, "Agent execution failed, the charge was reversed, retry")
	default:
		log.Error().
			Err(err).
			Str("agent_id", in.AgentID.String()).
			Str("fingerprint", in.Fingerprint).
			Msg("Execution failed with internal error")
		response.InternalError(w)
	}
}

// Routes returns execution router. The execute endpoint accepts
// anonymous traffic; record lookup requires authentication.
func (h *Handler) Routes(optionalAuth, requireAuth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(optionalAuth)
		r.Post("/execute/{agent_id}", h.Execute)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Get("/executions/{id}", h.Get)
	})

	return r
}
