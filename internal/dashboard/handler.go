package dashboard

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/foodin/internal/circuitbreaker"
	"github.com/jogardn/foodin/internal/httpx"
)

type Handler struct {
	service  *Service
	breakers *circuitbreaker.Manager
	logger   *logrus.Logger
}

func NewHandler(service *Service, breakers *circuitbreaker.Manager, logger *logrus.Logger) *Handler {
	return &Handler{
		service:  service,
		breakers: breakers,
		logger:   logger,
	}
}

// RegisterRoutes mounts the admin endpoints. The caller is expected to have
// guarded router with Protect and Authorize(admin).
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/dashboard", h.Dashboard).Methods(http.MethodGet)
	router.HandleFunc("/breakers", h.Breakers).Methods(http.MethodGet)
	router.HandleFunc("/breakers/{name}/reset", h.ResetBreaker).Methods(http.MethodPost)
}

func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Summary(r.Context())
	if err != nil {
		httpx.RespondWithServiceError(w, h.logger, err)
		return
	}
	httpx.RespondWithData(w, http.StatusOK, summary)
}

func (h *Handler) Breakers(w http.ResponseWriter, r *http.Request) {
	stats := h.breakers.Stats()
	httpx.RespondWithList(w, stats, len(stats))
}

func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !h.breakers.Reset(name) {
		httpx.RespondWithError(w, http.StatusNotFound, "Circuit breaker "+name+" not found")
		return
	}
	httpx.RespondWithMessage(w, http.StatusOK, "Circuit breaker "+name+" reset")
}
