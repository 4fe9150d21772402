package orders

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/foodin/internal/auth"
	"github.com/jogardn/foodin/internal/httpx"
	"github.com/jogardn/foodin/internal/idempotency"
	"github.com/jogardn/foodin/pkg/models"
)

const IdempotencyHeader = "Idempotency-Key"

type Handler struct {
	service *Service
	tokens  *auth.TokenManager
	logger  *logrus.Logger
}

func NewHandler(service *Service, tokens *auth.TokenManager, logger *logrus.Logger) *Handler {
	return &Handler{
		service: service,
		tokens:  tokens,
		logger:  logger,
	}
}

// RegisterRoutes mounts the order endpoints. Every route needs a token and
// status changes need an admin.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.Use(auth.Protect(h.tokens))

	router.HandleFunc("", h.ListOrders).Methods(http.MethodGet)
	router.HandleFunc("", h.CreateOrder).Methods(http.MethodPost)
	router.HandleFunc("/{id}", h.GetOrder).Methods(http.MethodGet)
	router.Handle("/{id}/status", auth.Authorize(models.RoleAdmin)(http.HandlerFunc(h.UpdateStatus))).Methods(http.MethodPut)
	router.HandleFunc("/{id}/cancel", h.CancelOrder).Methods(http.MethodPut)
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())

	var req PlaceOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.logger.WithError(err).Error("Failed to decode order request")
		h.respondWithError(w, err)
		return
	}
	req.IdempotencyKey = r.Header.Get(IdempotencyHeader)

	order, replayed, err := h.service.PlaceOrder(r.Context(), principal.UserID, req)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	if replayed {
		httpx.RespondWithData(w, http.StatusOK, order)
		return
	}
	httpx.RespondWithData(w, http.StatusCreated, order)
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())

	orders, err := h.service.List(r.Context(), principal, r.URL.Query().Get("status"))
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	httpx.RespondWithList(w, orders, len(orders))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())

	order, err := h.service.Get(r.Context(), principal, mux.Vars(r)["id"])
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	httpx.RespondWithData(w, http.StatusOK, order)
}

type statusRequest struct {
	Status models.OrderStatus `json:"status"`
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondWithError(w, err)
		return
	}

	order, err := h.service.UpdateStatus(r.Context(), mux.Vars(r)["id"], req.Status)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	httpx.RespondWithData(w, http.StatusOK, order)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())

	order, err := h.service.CancelOrder(r.Context(), principal, mux.Vars(r)["id"])
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	httpx.RespondWithData(w, http.StatusOK, order)
}

func (h *Handler) respondWithError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotAuthorizedToView):
		httpx.RespondWithError(w, http.StatusForbidden, ErrNotAuthorizedToView.Error())
	case errors.Is(err, ErrNotAuthorizedToCancel):
		httpx.RespondWithError(w, http.StatusForbidden, ErrNotAuthorizedToCancel.Error())
	case errors.Is(err, ErrNotPending):
		httpx.RespondWithError(w, http.StatusBadRequest, ErrNotPending.Error())
	case errors.Is(err, ErrRequestInFlight):
		httpx.RespondWithError(w, http.StatusConflict, ErrRequestInFlight.Error())
	case errors.Is(err, idempotency.ErrInvalidKey):
		httpx.RespondWithError(w, http.StatusBadRequest, idempotency.ErrInvalidKey.Error())
	default:
		httpx.RespondWithServiceError(w, h.logger, err)
	}
}
