// Package ingredients serves the ingredient catalogue.
package ingredients

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/foodin/internal/cache"
	"github.com/jogardn/foodin/internal/store"
	"github.com/jogardn/foodin/pkg/models"
)

// maxUpdateAttempts bounds how often Update re-reads an ingredient whose
// version moved underneath it.
const maxUpdateAttempts = 3

type Store interface {
	ListIngredients(ctx context.Context, filter store.IngredientFilter) ([]models.Ingredient, error)
	GetIngredient(ctx context.Context, id string) (*models.Ingredient, error)
	CreateIngredient(ctx context.Context, ingredient *models.Ingredient) error
	UpdateIngredient(ctx context.Context, ingredient *models.Ingredient) error
	DeleteIngredient(ctx context.Context, id string) error
}

type Filter struct {
	Category string
	Search   string
}

// Patch carries the fields of a create or update request. Nil fields are
// left untouched.
type Patch struct {
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	Price       *float64 `json:"price"`
	Category    *string  `json:"category"`
	Image       *string  `json:"image"`
	Stock       *int     `json:"stock"`
	Unit        *string  `json:"unit"`
}

func (p Patch) Apply(ingredient *models.Ingredient) {
	if p.Name != nil {
		ingredient.Name = *p.Name
	}
	if p.Description != nil {
		ingredient.Description = *p.Description
	}
	if p.Price != nil {
		ingredient.Price = *p.Price
	}
	if p.Category != nil {
		ingredient.Category = models.Category(*p.Category)
	}
	if p.Image != nil {
		ingredient.Image = *p.Image
	}
	if p.Stock != nil {
		ingredient.Stock = *p.Stock
	}
	if p.Unit != nil {
		ingredient.Unit = models.Unit(*p.Unit)
	}
}

type Service struct {
	store  Store
	cache  cache.Cache
	logger *logrus.Logger
}

func NewService(s Store, c cache.Cache, logger *logrus.Logger) *Service {
	if c == nil {
		c = cache.Nop{}
	}
	return &Service{
		store:  s,
		cache:  c,
		logger: logger,
	}
}

func listKey(filter store.IngredientFilter) string {
	return "ingredients:list:" + string(filter.Category) + ":" + strings.ToLower(filter.Search)
}

func itemKey(id string) string {
	return "ingredients:" + id
}

func (s *Service) List(ctx context.Context, filter Filter) ([]models.Ingredient, error) {
	storeFilter := store.IngredientFilter{
		Category: models.NormalizeCategory(filter.Category),
		Search:   strings.TrimSpace(filter.Search),
	}
	key := listKey(storeFilter)

	var cached []models.Ingredient
	hit, gen, ok := s.cacheGet(ctx, key, &cached)
	if hit {
		return cached, nil
	}

	ingredients, err := s.store.ListIngredients(ctx, storeFilter)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list ingredients")
	}
	if ok {
		s.cacheSet(ctx, gen, key, ingredients)
	}
	return ingredients, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Ingredient, error) {
	var cached models.Ingredient
	hit, gen, ok := s.cacheGet(ctx, itemKey(id), &cached)
	if hit {
		return &cached, nil
	}

	ingredient, err := s.store.GetIngredient(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		s.cacheSet(ctx, gen, itemKey(id), ingredient)
	}
	return ingredient, nil
}

func (s *Service) Create(ctx context.Context, patch Patch) (*models.Ingredient, error) {
	ingredient := &models.Ingredient{ID: uuid.New().String()}
	patch.Apply(ingredient)
	ingredient.Normalize()
	if err := ingredient.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.CreateIngredient(ctx, ingredient); err != nil {
		return nil, errors.Wrap(err, "failed to create ingredient")
	}
	s.Invalidate(ctx)

	s.logger.WithFields(logrus.Fields{
		"ingredient_id": ingredient.ID,
		"name":          ingredient.Name,
		"stock":         ingredient.Stock,
	}).Info("Ingredient created")
	return ingredient, nil
}

// Update applies patch to the latest version of the ingredient. A version
// conflict with a concurrent writer re-reads and re-applies the patch.
func (s *Service) Update(ctx context.Context, id string, patch Patch) (*models.Ingredient, error) {
	for attempt := 1; ; attempt++ {
		ingredient, err := s.store.GetIngredient(ctx, id)
		if err != nil {
			return nil, err
		}

		patch.Apply(ingredient)
		ingredient.Normalize()
		if err := ingredient.Validate(); err != nil {
			return nil, err
		}

		err = s.store.UpdateIngredient(ctx, ingredient)
		if err == nil {
			s.Invalidate(ctx)
			s.logger.WithFields(logrus.Fields{
				"ingredient_id": id,
				"version":       ingredient.Version,
			}).Info("Ingredient updated")
			return ingredient, nil
		}
		if !errors.Is(err, store.ErrConflict) || attempt >= maxUpdateAttempts {
			return nil, err
		}

		s.logger.WithFields(logrus.Fields{
			"ingredient_id": id,
			"attempt":       attempt,
		}).Warn("Ingredient changed concurrently, retrying update")
	}
}

// Delete removes the ingredient and returns it as it was. Orders keep their
// own snapshot of the ingredient.
func (s *Service) Delete(ctx context.Context, id string) (*models.Ingredient, error) {
	ingredient, err := s.store.GetIngredient(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteIngredient(ctx, id); err != nil {
		return nil, err
	}
	s.Invalidate(ctx)

	s.logger.WithField("ingredient_id", id).Info("Ingredient deleted")
	return ingredient, nil
}

// Invalidate drops every cached catalogue read. Cache failures are logged only.
func (s *Service) Invalidate(ctx context.Context) {
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to invalidate ingredient cache")
	}
}

// cacheGet reports ok=false when the cache could not be read, in which case
// nothing should be written back.
func (s *Service) cacheGet(ctx context.Context, key string, dst interface{}) (hit bool, gen int64, ok bool) {
	hit, gen, err := s.cache.Get(ctx, key, dst)
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("Ingredient cache read failed")
		return false, 0, false
	}
	return hit, gen, true
}

func (s *Service) cacheSet(ctx context.Context, gen int64, key string, value interface{}) {
	if err := s.cache.Set(ctx, gen, key, value); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("Ingredient cache write failed")
	}
}
