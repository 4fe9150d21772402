package ingredients

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/disintegration/imaging"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/foodin/internal/auth"
	"github.com/jogardn/foodin/internal/cache"
	"github.com/jogardn/foodin/internal/store"
	"github.com/jogardn/foodin/internal/store/memory"
	"github.com/jogardn/foodin/pkg/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func strPtr(s string) *string     { return &s }
func intPtr(i int) *int           { return &i }
func floatPtr(f float64) *float64 { return &f }

func tomatoes() Patch {
	return Patch{
		Name:        strPtr("  Fresh Tomatoes "),
		Description: strPtr("Ripe, juicy tomatoes"),
		Price:       floatPtr(2.99),
		Category:    strPtr("Vegetables"),
		Image:       strPtr("tomatoes.jpg"),
		Stock:       intPtr(100),
		Unit:        strPtr("kg"),
	}
}

func chicken() Patch {
	return Patch{
		Name:        strPtr("Chicken Breast"),
		Description: strPtr("Fresh, boneless chicken breast"),
		Price:       floatPtr(8.99),
		Category:    strPtr("meat"),
		Image:       strPtr("chicken.jpg"),
		Stock:       intPtr(50),
		Unit:        strPtr("kg"),
	}
}

func TestCreateNormalizesAndValidates(t *testing.T) {
	service := NewService(memory.New(), nil, testLogger())
	ctx := context.Background()

	created, err := service.Create(ctx, tomatoes())
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Fresh Tomatoes", created.Name)
	assert.Equal(t, models.CategoryVegetables, created.Category)
	assert.Equal(t, 1, created.Version)

	bad := tomatoes()
	bad.Category = strPtr("fruit")
	bad.Stock = intPtr(-1)
	_, err = service.Create(ctx, bad)
	var validation *models.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Contains(t, validation.Fields, "category")
	assert.Contains(t, validation.Fields, "stock")
}

func TestListFiltersByNormalizedCategory(t *testing.T) {
	service := NewService(memory.New(), nil, testLogger())
	ctx := context.Background()

	_, err := service.Create(ctx, tomatoes())
	require.NoError(t, err)
	_, err = service.Create(ctx, chicken())
	require.NoError(t, err)

	meat, err := service.List(ctx, Filter{Category: " MEAT "})
	require.NoError(t, err)
	require.Len(t, meat, 1)
	assert.Equal(t, models.CategoryMeat, meat[0].Category)

	search, err := service.List(ctx, Filter{Search: "juicy"})
	require.NoError(t, err)
	require.Len(t, search, 1)
	assert.Equal(t, "Fresh Tomatoes", search[0].Name)

	none, err := service.List(ctx, Filter{Category: "fruit"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpdateAppliesPartialPatch(t *testing.T) {
	service := NewService(memory.New(), nil, testLogger())
	ctx := context.Background()

	created, err := service.Create(ctx, tomatoes())
	require.NoError(t, err)

	updated, err := service.Update(ctx, created.ID, Patch{Price: floatPtr(3.49)})
	require.NoError(t, err)
	assert.Equal(t, 3.49, updated.Price)
	assert.Equal(t, "Fresh Tomatoes", updated.Name)
	assert.Equal(t, 100, updated.Stock)
	assert.Equal(t, 2, updated.Version)

	_, err = service.Update(ctx, created.ID, Patch{Unit: strPtr("box")})
	var validation *models.ValidationError
	assert.ErrorAs(t, err, &validation)

	_, err = service.Update(ctx, "missing", Patch{Price: floatPtr(1)})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// conflictingStore reports a version conflict for the first conflicts updates.
type conflictingStore struct {
	*memory.Store
	conflicts int
	attempts  int
}

func (s *conflictingStore) UpdateIngredient(ctx context.Context, ingredient *models.Ingredient) error {
	s.attempts++
	if s.attempts <= s.conflicts {
		return store.ErrConflict
	}
	return s.Store.UpdateIngredient(ctx, ingredient)
}

func TestUpdateRetriesOnConflict(t *testing.T) {
	backing := &conflictingStore{Store: memory.New(), conflicts: 2}
	service := NewService(backing, nil, testLogger())
	ctx := context.Background()

	created, err := service.Create(ctx, tomatoes())
	require.NoError(t, err)

	updated, err := service.Update(ctx, created.ID, Patch{Stock: intPtr(7)})
	require.NoError(t, err)
	assert.Equal(t, 7, updated.Stock)
	assert.Equal(t, 3, backing.attempts)

	backing.attempts, backing.conflicts = 0, maxUpdateAttempts
	_, err = service.Update(ctx, created.ID, Patch{Stock: intPtr(8)})
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, maxUpdateAttempts, backing.attempts)
}

func TestCacheIsInvalidatedOnWrite(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	redisCache := cache.NewRedisCache(client, testLogger())
	service := NewService(memory.New(), redisCache, testLogger())
	ctx := context.Background()

	created, err := service.Create(ctx, tomatoes())
	require.NoError(t, err)

	first, err := service.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, first, 1)

	_, err = service.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), redisCache.Stats()["hits"])

	_, err = service.Update(ctx, created.ID, Patch{Price: floatPtr(4)})
	require.NoError(t, err)

	fresh, err := service.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 4.0, fresh.Price)

	list, err := service.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 4.0, list[0].Price)
}

// racingStore drains an ingredient's stock and invalidates the cache right
// after a list read, before the service gets to write that read back.
type racingStore struct {
	*memory.Store
	service *Service
	drainID string
}

func (s *racingStore) ListIngredients(ctx context.Context, filter store.IngredientFilter) ([]models.Ingredient, error) {
	list, err := s.Store.ListIngredients(ctx, filter)
	if err != nil || s.drainID == "" {
		return list, err
	}

	ingredient, err := s.Store.GetIngredient(ctx, s.drainID)
	if err != nil {
		return nil, err
	}
	ingredient.Stock = 0
	if err := s.Store.UpdateIngredient(ctx, ingredient); err != nil {
		return nil, err
	}
	s.drainID = ""
	s.service.Invalidate(ctx)
	return list, nil
}

func TestCacheDoesNotKeepReadsRacingAnInvalidate(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	backing := &racingStore{Store: memory.New()}
	service := NewService(backing, cache.NewRedisCache(client, testLogger()), testLogger())
	backing.service = service
	ctx := context.Background()

	patch := tomatoes()
	patch.Stock = intPtr(5)
	created, err := service.Create(ctx, patch)
	require.NoError(t, err)

	backing.drainID = created.ID
	stale, err := service.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, 5, stale[0].Stock)

	fresh, err := service.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, 0, fresh[0].Stock)
}

func TestCacheOutageFallsBackToStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	service := NewService(memory.New(), cache.NewRedisCache(client, testLogger()), testLogger())
	ctx := context.Background()
	_, err := service.Create(ctx, tomatoes())
	require.NoError(t, err)

	mr.Close()
	list, err := service.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestImageStoreShrinksAndRemoves(t *testing.T) {
	dir := t.TempDir()
	images := NewImageStore(dir, 5<<20, testLogger())

	path, err := images.Save(bytes.NewReader(pngBytes(t, 2048, 1024)))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(path, PublicPrefix))

	stored, err := imaging.Open(filepath.Join(dir, strings.TrimPrefix(path, PublicPrefix)))
	require.NoError(t, err)
	assert.Equal(t, 1024, stored.Bounds().Dx())
	assert.Equal(t, 512, stored.Bounds().Dy())

	images.Remove(path)
	_, err = os.Stat(filepath.Join(dir, strings.TrimPrefix(path, PublicPrefix)))
	assert.True(t, os.IsNotExist(err))

	_, err = images.Save(strings.NewReader("definitely not an image"))
	assert.ErrorIs(t, err, ErrInvalidImage)

	small := NewImageStore(dir, 10, testLogger())
	_, err = small.Save(bytes.NewReader(pngBytes(t, 16, 16)))
	assert.ErrorIs(t, err, ErrImageTooLarge)
}

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x += 7 {
		img.Set(x, x%height, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type testServer struct {
	router *mux.Router
	admin  string
	user   string
	dir    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	tokens := auth.NewTokenManager("test-secret", time.Hour)
	dir := t.TempDir()

	handler := NewHandler(
		NewService(memory.New(), nil, testLogger()),
		NewImageStore(dir, 5<<20, testLogger()),
		tokens,
		testLogger(),
	)
	router := mux.NewRouter()
	handler.RegisterRoutes(router.PathPrefix("/api/ingredients").Subrouter())

	admin, err := tokens.Issue(&models.User{ID: "admin-1", Email: "admin@foodin.com", Role: models.RoleAdmin})
	require.NoError(t, err)
	user, err := tokens.Issue(&models.User{ID: "user-1", Email: "user@foodin.com", Role: models.RoleUser})
	require.NoError(t, err)

	return &testServer{router: router, admin: admin, user: user, dir: dir}
}

func (s *testServer) do(req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) sendJSON(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, token)
}

type ingredientResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Count   int               `json:"count"`
	Data    models.Ingredient `json:"data"`
}

func TestHandlerCRUD(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.sendJSON(t, http.MethodPost, "/api/ingredients", srv.user, tomatoes())
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "User role user is not authorized to access this route")

	rec = srv.sendJSON(t, http.MethodPost, "/api/ingredients", "", tomatoes())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = srv.sendJSON(t, http.MethodPost, "/api/ingredients", srv.admin, tomatoes())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created ingredientResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, created.Success)
	id := created.Data.ID

	rec = srv.sendJSON(t, http.MethodPost, "/api/ingredients", srv.admin, chicken())
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = srv.do(httptest.NewRequest(http.MethodGet, "/api/ingredients?category=Meat", nil), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int                 `json:"count"`
		Data  []models.Ingredient `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "Chicken Breast", list.Data[0].Name)

	rec = srv.sendJSON(t, http.MethodPut, "/api/ingredients/"+id, srv.admin, map[string]interface{}{"stock": 42})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated ingredientResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, 42, updated.Data.Stock)
	assert.Equal(t, 2.99, updated.Data.Price)

	rec = srv.sendJSON(t, http.MethodPut, "/api/ingredients/"+id, srv.admin, map[string]interface{}{"price": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "price must be at least 0")

	rec = srv.do(httptest.NewRequest(http.MethodDelete, "/api/ingredients/"+id, nil), srv.admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"data":{}}`, rec.Body.String())

	rec = srv.do(httptest.NewRequest(http.MethodGet, "/api/ingredients/"+id, nil), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"message":"Ingredient not found"`)
}

func multipartRequest(t *testing.T, method, path string, fields map[string]string, upload []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for name, value := range fields {
		require.NoError(t, writer.WriteField(name, value))
	}
	if upload != nil {
		part, err := writer.CreateFormFile("image", "upload.png")
		require.NoError(t, err)
		_, err = part.Write(upload)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestHandlerMultipartUpload(t *testing.T) {
	srv := newTestServer(t)
	fields := map[string]string{
		"name":        "Olive Oil",
		"description": "Extra virgin olive oil from Italy",
		"price":       "12.99",
		"category":    "other",
		"stock":       "30",
		"unit":        "l",
	}

	rec := srv.do(multipartRequest(t, http.MethodPost, "/api/ingredients", fields, pngBytes(t, 64, 64)), srv.admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created ingredientResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.Data.Image, PublicPrefix))
	assert.Equal(t, 30, created.Data.Stock)
	_, err := os.Stat(filepath.Join(srv.dir, strings.TrimPrefix(created.Data.Image, PublicPrefix)))
	require.NoError(t, err)

	rec = srv.do(multipartRequest(t, http.MethodPut, "/api/ingredients/"+created.Data.ID, map[string]string{}, pngBytes(t, 32, 32)), srv.admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated ingredientResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.NotEqual(t, created.Data.Image, updated.Data.Image)

	_, err = os.Stat(filepath.Join(srv.dir, strings.TrimPrefix(created.Data.Image, PublicPrefix)))
	assert.True(t, os.IsNotExist(err), "replaced image should be removed")

	rec = srv.do(multipartRequest(t, http.MethodPut, "/api/ingredients/"+created.Data.ID, map[string]string{}, []byte("plain text")), srv.admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrInvalidImage.Error())

	fields["stock"] = "lots"
	rec = srv.do(multipartRequest(t, http.MethodPost, "/api/ingredients", fields, nil), srv.admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "stock must be a whole number")
}
