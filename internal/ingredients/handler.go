package ingredients

import (
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/foodin/internal/auth"
	"github.com/jogardn/foodin/internal/httpx"
	"github.com/jogardn/foodin/pkg/models"
)

type Handler struct {
	service *Service
	images  *ImageStore
	tokens  *auth.TokenManager
	logger  *logrus.Logger
}

func NewHandler(service *Service, images *ImageStore, tokens *auth.TokenManager, logger *logrus.Logger) *Handler {
	return &Handler{
		service: service,
		images:  images,
		tokens:  tokens,
		logger:  logger,
	}
}

// RegisterRoutes mounts the catalogue under router. Reads are public and
// writes need an admin token.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	admin := func(next http.HandlerFunc) http.Handler {
		return auth.Protect(h.tokens)(auth.Authorize(models.RoleAdmin)(next))
	}

	router.HandleFunc("", h.List).Methods(http.MethodGet)
	router.HandleFunc("/{id}", h.Get).Methods(http.MethodGet)
	router.Handle("", admin(h.Create)).Methods(http.MethodPost)
	router.Handle("/{id}", admin(h.Update)).Methods(http.MethodPut)
	router.Handle("/{id}", admin(h.Delete)).Methods(http.MethodDelete)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	ingredients, err := h.service.List(r.Context(), Filter{
		Category: query.Get("category"),
		Search:   query.Get("search"),
	})
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	if ingredients == nil {
		ingredients = []models.Ingredient{}
	}
	httpx.RespondWithList(w, ingredients, len(ingredients))
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ingredient, err := h.service.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	httpx.RespondWithData(w, http.StatusOK, ingredient)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	patch, uploaded, err := h.readPatch(w, r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	ingredient, err := h.service.Create(r.Context(), patch)
	if err != nil {
		h.images.Remove(uploaded)
		h.respondWithError(w, err)
		return
	}
	httpx.RespondWithData(w, http.StatusCreated, ingredient)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	patch, uploaded, err := h.readPatch(w, r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	var previousImage string
	if uploaded != "" {
		if current, err := h.service.Get(r.Context(), id); err == nil {
			previousImage = current.Image
		}
	}

	ingredient, err := h.service.Update(r.Context(), id, patch)
	if err != nil {
		h.images.Remove(uploaded)
		h.respondWithError(w, err)
		return
	}
	if previousImage != "" && previousImage != ingredient.Image {
		h.images.Remove(previousImage)
	}
	httpx.RespondWithData(w, http.StatusOK, ingredient)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ingredient, err := h.service.Delete(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.images.Remove(ingredient.Image)
	httpx.RespondWithData(w, http.StatusOK, struct{}{})
}

// readPatch decodes a JSON or multipart body. For multipart bodies carrying
// a file in the image field the file is stored and its public path is
// returned so the caller can remove it again if the write fails.
func (h *Handler) readPatch(w http.ResponseWriter, r *http.Request) (Patch, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var patch Patch
		if err := httpx.DecodeJSON(r, &patch); err != nil {
			return Patch{}, "", err
		}
		return patch, "", nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.images.MaxBytes()+1<<20)
	if err := r.ParseMultipartForm(h.images.MaxBytes()); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return Patch{}, "", ErrImageTooLarge
		}
		return Patch{}, "", errors.Wrap(httpx.ErrInvalidBody, err.Error())
	}

	patch, err := patchFromForm(r)
	if err != nil {
		return Patch{}, "", err
	}

	file, _, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return patch, "", nil
	}
	if err != nil {
		return Patch{}, "", errors.Wrap(httpx.ErrInvalidBody, err.Error())
	}
	defer file.Close()

	path, err := h.images.Save(file)
	if err != nil {
		return Patch{}, "", err
	}
	patch.Image = &path
	return patch, path, nil
}

func patchFromForm(r *http.Request) (Patch, error) {
	var patch Patch
	invalid := &models.ValidationError{}

	text := func(field string) *string {
		values, ok := r.MultipartForm.Value[field]
		if !ok || len(values) == 0 {
			return nil
		}
		value := values[0]
		return &value
	}

	patch.Name = text("name")
	patch.Description = text("description")
	patch.Category = text("category")
	patch.Unit = text("unit")
	patch.Image = text("image")

	if raw := text("price"); raw != nil {
		price, err := strconv.ParseFloat(strings.TrimSpace(*raw), 64)
		if err != nil {
			invalid.Add("price", "must be a number")
		} else {
			patch.Price = &price
		}
	}
	if raw := text("stock"); raw != nil {
		stock, err := strconv.Atoi(strings.TrimSpace(*raw))
		if err != nil {
			invalid.Add("stock", "must be a whole number")
		} else {
			patch.Stock = &stock
		}
	}

	return patch, invalid.OrNil()
}

func (h *Handler) respondWithError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrImageTooLarge):
		httpx.RespondWithError(w, http.StatusBadRequest, ErrImageTooLarge.Error())
	case errors.Is(err, ErrInvalidImage):
		httpx.RespondWithError(w, http.StatusBadRequest, ErrInvalidImage.Error())
	default:
		httpx.RespondWithServiceError(w, h.logger, err)
	}
}
