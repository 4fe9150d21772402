package httpx

import (
	"net/http"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/foodin/internal/store"
	"github.com/jogardn/foodin/pkg/models"
)

// RespondWithServiceError maps the shared domain errors to a status code.
// Anything unrecognised is logged and reported as a generic 500.
func RespondWithServiceError(w http.ResponseWriter, logger logrus.FieldLogger, err error) {
	var (
		validation   *models.ValidationError
		notFound     *store.NotFoundError
		insufficient *store.InsufficientStockError
	)

	switch {
	case errors.As(err, &validation):
		RespondWithError(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &insufficient):
		RespondWithError(w, http.StatusBadRequest, insufficient.Error())
	case errors.As(err, &notFound):
		RespondWithError(w, http.StatusNotFound, notFound.Message())
	case errors.Is(err, ErrInvalidBody):
		RespondWithError(w, http.StatusBadRequest, ErrInvalidBody.Error())
	case errors.Is(err, store.ErrConflict):
		RespondWithError(w, http.StatusConflict, "Resource was modified concurrently, please retry")
	default:
		logger.WithError(err).Error("Request failed")
		RespondWithError(w, http.StatusInternalServerError, "Server Error")
	}
}
