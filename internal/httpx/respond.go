// Package httpx holds the HTTP plumbing shared by every API handler: the
// response envelope, request decoding and the middleware chain.
package httpx

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/jogardn/foodin/pkg/models"
)

const maxJSONBody = 1 << 20

var ErrInvalidBody = errors.New("Invalid request body")

func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, models.Response{Success: false, Message: message})
}

func RespondWithData(w http.ResponseWriter, code int, data interface{}) {
	RespondWithJSON(w, code, models.Response{Success: true, Data: data})
}

// RespondWithList adds the element count next to the data.
func RespondWithList(w http.ResponseWriter, data interface{}, count int) {
	RespondWithJSON(w, http.StatusOK, models.Response{Success: true, Count: &count, Data: data})
}

func RespondWithMessage(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, models.Response{Success: true, Message: message})
}

// DecodeJSON reads a single JSON document from the request body into dst.
func DecodeJSON(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := decoder.Decode(dst); err != nil {
		return errors.Wrap(ErrInvalidBody, err.Error())
	}
	return nil
}

// NotFound answers every request that matched no route.
func NotFound() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		RespondWithError(w, http.StatusNotFound, "Route not found")
	})
}
