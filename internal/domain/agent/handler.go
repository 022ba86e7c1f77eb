package agent

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck-api/internal/pkg/response"
)

// Handler handles agent catalog HTTP requests
type Handler struct {
	service *Service
}

// NewHandler creates agent handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// List handles GET /agents
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.service.ListActive(r.Context())
	if err != nil {
		response.InternalError(w)
		return
	}
	response.OK(w, agents)
}

// Get handles GET /agents/{agent_id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "agent_id"))
	if err != nil {
		response.BadRequest(w, "Invalid agent ID")
		return
	}

	a, err := h.service.GetByID(r.Context(), id)
	if err == ErrAgentNotFound {
		response.NotFound(w, "Agent not found")
		return
	}
	if err != nil {
		response.InternalError(w)
		return
	}

	response.OK(w, a)
}

// Routes returns agent router
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Get("/{agent_id}", h.Get)

	return r
}
