package orders

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/foodin/internal/auth"
	"github.com/jogardn/foodin/internal/idempotency"
	"github.com/jogardn/foodin/pkg/models"
)

type testServer struct {
	*fixture
	router *mux.Router
	tokens map[string]string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := newFixture(t, WithIdempotency(idempotency.New(client, time.Hour, nil)))
	tokens := auth.NewTokenManager("test-secret", time.Hour)

	router := mux.NewRouter()
	NewHandler(f.service, tokens, testLogger()).RegisterRoutes(router.PathPrefix("/api/orders").Subrouter())

	srv := &testServer{fixture: f, router: router, tokens: map[string]string{}}
	for _, p := range []auth.Principal{customer, stranger, admin} {
		token, err := tokens.Issue(&models.User{ID: p.UserID, Email: p.UserID + "@foodin.com", Role: p.Role})
		require.NoError(t, err)
		srv.tokens[p.UserID] = token
	}
	return srv
}

func (s *testServer) send(t *testing.T, method, path string, who auth.Principal, body interface{}, headers ...string) (*httptest.ResponseRecorder, orderResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token, ok := s.tokens[who.UserID]; ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp orderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

type orderResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Count   int             `json:"count"`
	Data    json.RawMessage `json:"data"`
}

func (r orderResponse) order(t *testing.T) models.Order {
	t.Helper()
	var order models.Order
	require.NoError(t, json.Unmarshal(r.Data, &order))
	return order
}

func checkout(lines ...LineRequest) map[string]interface{} {
	return map[string]interface{}{
		"items":           lines,
		"shippingAddress": shipping(),
	}
}

func TestHandlerRequiresToken(t *testing.T) {
	srv := newTestServer(t)

	rec, resp := srv.send(t, http.MethodGet, "/api/orders", auth.Principal{}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, "Not authorized to access this route", resp.Message)
}

func TestHandlerPlaceAndReplay(t *testing.T) {
	srv := newTestServer(t)

	rec, resp := srv.send(t, http.MethodPost, "/api/orders", customer,
		checkout(line("ing-tomato", 2)), IdempotencyHeader, "cart-42")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, resp.Success)
	created := resp.order(t)
	assert.Equal(t, "user-1", created.UserID)
	assert.Equal(t, 5.98, created.TotalAmount)
	assert.Equal(t, models.OrderStatusPending, created.Status)

	rec, resp = srv.send(t, http.MethodPost, "/api/orders", customer,
		checkout(line("ing-tomato", 2)), IdempotencyHeader, "cart-42")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, resp.order(t).ID)
	assert.Equal(t, 98, srv.stock(t, "ing-tomato"))
}

func TestHandlerPlaceErrors(t *testing.T) {
	srv := newTestServer(t)

	rec, resp := srv.send(t, http.MethodPost, "/api/orders", customer, checkout(line("ing-oil", 3)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Insufficient stock for Olive Oil", resp.Message)

	rec, resp = srv.send(t, http.MethodPost, "/api/orders", customer, checkout(line("ing-missing", 1)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Ingredient ing-missing not found", resp.Message)

	rec, resp = srv.send(t, http.MethodPost, "/api/orders", customer, checkout())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, resp.Message, "items")

	rec, _ = srv.send(t, http.MethodPost, "/api/orders", customer,
		checkout(line("ing-tomato", 1)), IdempotencyHeader, string(bytes.Repeat([]byte("k"), 201)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerOwnershipAndAdminRoutes(t *testing.T) {
	srv := newTestServer(t)

	_, resp := srv.send(t, http.MethodPost, "/api/orders", customer, checkout(line("ing-chicken", 5)))
	order := resp.order(t)
	path := "/api/orders/" + order.ID

	rec, resp := srv.send(t, http.MethodGet, path, stranger, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Not authorized to access this order", resp.Message)

	rec, _ = srv.send(t, http.MethodGet, path, admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp = srv.send(t, http.MethodGet, "/api/orders", stranger, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, resp.Count)

	rec, resp = srv.send(t, http.MethodGet, "/api/orders", admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, resp.Count)

	rec, resp = srv.send(t, http.MethodPut, path+"/status", customer, map[string]string{"status": "shipped"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "User role user is not authorized to access this route", resp.Message)

	rec, resp = srv.send(t, http.MethodPut, path+"/status", admin, map[string]string{"status": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, resp.Success)

	rec, resp = srv.send(t, http.MethodPut, path+"/status", admin, map[string]string{"status": "shipped"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.OrderStatusShipped, resp.order(t).Status)

	rec, resp = srv.send(t, http.MethodPut, "/api/orders/missing/status", admin, map[string]string{"status": "shipped"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Order not found", resp.Message)
}

func TestHandlerCancel(t *testing.T) {
	srv := newTestServer(t)

	_, resp := srv.send(t, http.MethodPost, "/api/orders", customer, checkout(line("ing-chicken", 5)))
	path := "/api/orders/" + resp.order(t).ID + "/cancel"
	assert.Equal(t, 45, srv.stock(t, "ing-chicken"))

	rec, resp := srv.send(t, http.MethodPut, path, stranger, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Not authorized to cancel this order", resp.Message)

	rec, resp = srv.send(t, http.MethodPut, path, customer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.OrderStatusCancelled, resp.order(t).Status)
	assert.Equal(t, 50, srv.stock(t, "ing-chicken"))

	rec, resp = srv.send(t, http.MethodPut, path, customer, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Can only cancel pending orders", resp.Message)
}
