package auth

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/foodin/internal/httpx"
)

type Handler struct {
	service *Service
	tokens  *TokenManager
	logger  *logrus.Logger
}

func NewHandler(service *Service, tokens *TokenManager, logger *logrus.Logger) *Handler {
	return &Handler{
		service: service,
		tokens:  tokens,
		logger:  logger,
	}
}

// RegisterRoutes mounts the auth endpoints under router. Register and login
// go through limit.
func (h *Handler) RegisterRoutes(router *mux.Router, limit mux.MiddlewareFunc) {
	public := router.NewRoute().Subrouter()
	public.Use(limit)
	public.HandleFunc("/register", h.Register).Methods(http.MethodPost)
	public.HandleFunc("/login", h.Login).Methods(http.MethodPost)

	private := router.NewRoute().Subrouter()
	private.Use(Protect(h.tokens))
	private.HandleFunc("/me", h.Me).Methods(http.MethodGet)
	private.HandleFunc("/me/profile", h.UpdateProfile).Methods(http.MethodPut)
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondWithError(w, err)
		return
	}

	result, err := h.service.Register(r.Context(), req)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	httpx.RespondWithData(w, http.StatusCreated, result)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondWithError(w, err)
		return
	}

	result, err := h.service.Login(r.Context(), req)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	httpx.RespondWithData(w, http.StatusOK, result)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())

	user, err := h.service.Me(r.Context(), principal.UserID)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	httpx.RespondWithData(w, http.StatusOK, user)
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())

	var update ProfileUpdate
	if err := httpx.DecodeJSON(r, &update); err != nil {
		h.respondWithError(w, err)
		return
	}

	user, err := h.service.UpdateProfile(r.Context(), principal.UserID, update)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	httpx.RespondWithData(w, http.StatusOK, user)
}

func (h *Handler) respondWithError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUserExists):
		httpx.RespondWithError(w, http.StatusBadRequest, ErrUserExists.Error())
	case errors.Is(err, ErrInvalidCredentials):
		httpx.RespondWithError(w, http.StatusUnauthorized, ErrInvalidCredentials.Error())
	default:
		httpx.RespondWithServiceError(w, h.logger, err)
	}
}
