package migration

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/jogardn/foodin/internal/store"
	"github.com/jogardn/foodin/pkg/models"
)

// SeedStore is the part of store.Store the seeder writes through.
type SeedStore interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	UpdateUser(ctx context.Context, user *models.User) error
	ListIngredients(ctx context.Context, filter store.IngredientFilter) ([]models.Ingredient, error)
	CreateIngredient(ctx context.Context, ingredient *models.Ingredient) error
	UpdateIngredient(ctx context.Context, ingredient *models.Ingredient) error
}

type SeedConfig struct {
	BatchSize   int  `json:"batch_size"`
	Concurrency int  `json:"concurrency"`
	DryRun      bool `json:"dry_run"`
	// SkipExisting leaves records that already exist alone. When false they
	// are reset to the seed values.
	SkipExisting bool `json:"skip_existing"`
	PasswordCost int  `json:"-"`
}

type SeedUser struct {
	Name     string
	Email    string
	Password string
	Role     models.Role
	Address  models.Address
}

type SeedSet struct {
	Users       []SeedUser
	Ingredients []models.Ingredient
}

type SeedResult struct {
	TotalRecords   int           `json:"total_records"`
	Created        int           `json:"created"`
	Updated        int           `json:"updated"`
	Skipped        int           `json:"skipped"`
	Failed         int           `json:"failed"`
	ProcessingTime time.Duration `json:"processing_time"`
	ErrorDetails   []SeedError   `json:"error_details"`
	DryRun         bool          `json:"dry_run"`
	Timestamp      time.Time     `json:"timestamp"`
}

type SeedError struct {
	Record    string    `json:"record"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeUpdated
	outcomeSkipped
)

// record is one user or ingredient to seed.
type record struct {
	name string
	seed func(ctx context.Context) (outcome, error)
}

// DataSeeder loads the demo accounts and catalogue into a store.
type DataSeeder struct {
	store  SeedStore
	logger *logrus.Logger
	config SeedConfig
}

func NewDataSeeder(s SeedStore, logger *logrus.Logger) *DataSeeder {
	return &DataSeeder{
		store:  s,
		logger: logger,
		config: SeedConfig{
			BatchSize:    10,
			Concurrency:  4,
			SkipExisting: true,
			PasswordCost: bcrypt.DefaultCost,
		},
	}
}

func (ds *DataSeeder) SetConfig(config SeedConfig) {
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PasswordCost == 0 {
		config.PasswordCost = bcrypt.DefaultCost
	}
	ds.config = config
	ds.logger.WithFields(logrus.Fields{
		"batch_size":    config.BatchSize,
		"concurrency":   config.Concurrency,
		"dry_run":       config.DryRun,
		"skip_existing": config.SkipExisting,
	}).Info("Seed configuration updated")
}

// DefaultSeedSet is the demo data: an admin, a customer and a small catalogue.
func DefaultSeedSet() SeedSet {
	return SeedSet{
		Users: []SeedUser{
			{
				Name:     "Admin User",
				Email:    "admin@foodin.com",
				Password: "admin123",
				Role:     models.RoleAdmin,
				Address: models.Address{
					Street:  "123 Admin St",
					City:    "Admin City",
					State:   "Admin State",
					ZipCode: "12345",
					Country: "Admin Country",
				},
			},
			{
				Name:     "Regular User",
				Email:    "user@foodin.com",
				Password: "user123",
				Role:     models.RoleUser,
				Address: models.Address{
					Street:  "456 User St",
					City:    "User City",
					State:   "User State",
					ZipCode: "67890",
					Country: "User Country",
				},
			},
		},
		Ingredients: []models.Ingredient{
			{
				Name:        "Fresh Tomatoes",
				Description: "Ripe, juicy tomatoes perfect for salads and cooking",
				Price:       2.99,
				Category:    models.CategoryVegetables,
				Image:       "/uploads/tomatoes.jpg",
				Stock:       100,
				Unit:        models.UnitKilogram,
			},
			{
				Name:        "Chicken Breast",
				Description: "Fresh, boneless chicken breast",
				Price:       8.99,
				Category:    models.CategoryMeat,
				Image:       "/uploads/chicken.jpg",
				Stock:       50,
				Unit:        models.UnitKilogram,
			},
			{
				Name:        "Olive Oil",
				Description: "Extra virgin olive oil from Italy",
				Price:       12.99,
				Category:    models.CategoryOther,
				Image:       "/uploads/olive-oil.jpg",
				Stock:       30,
				Unit:        models.UnitLitre,
			},
			{
				Name:        "Black Pepper",
				Description: "Freshly ground black pepper",
				Price:       4.99,
				Category:    models.CategorySpices,
				Image:       "/uploads/pepper.jpg",
				Stock:       200,
				Unit:        models.UnitGram,
			},
		},
	}
}

func (ds *DataSeeder) Seed(ctx context.Context, set SeedSet) (*SeedResult, error) {
	startTime := time.Now()
	ds.logger.Info("Starting data seed")

	result := &SeedResult{
		ErrorDetails: []SeedError{},
		DryRun:       ds.config.DryRun,
		Timestamp:    startTime,
	}

	records, err := ds.records(set)
	if err != nil {
		return nil, err
	}
	result.TotalRecords = len(records)

	batches := ds.createBatches(records)
	resultChan := make(chan *SeedResult, len(batches))
	semaphore := make(chan struct{}, ds.config.Concurrency)

	var wg sync.WaitGroup
	for _, batch := range batches {
		wg.Add(1)
		go func(batch []record) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()
			resultChan <- ds.processBatch(ctx, batch)
		}(batch)
	}
	wg.Wait()
	close(resultChan)

	for batchResult := range resultChan {
		ds.mergeResults(result, batchResult)
	}
	result.ProcessingTime = time.Since(startTime)

	ds.logger.WithFields(logrus.Fields{
		"created":  result.Created,
		"updated":  result.Updated,
		"skipped":  result.Skipped,
		"failed":   result.Failed,
		"dry_run":  result.DryRun,
		"duration": result.ProcessingTime,
	}).Info("Seed completed")

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func (ds *DataSeeder) records(set SeedSet) ([]record, error) {
	records := make([]record, 0, len(set.Users)+len(set.Ingredients))

	for _, u := range set.Users {
		u := u
		if strings.TrimSpace(u.Email) == "" || len(u.Password) < 6 {
			return nil, errors.Errorf("seed user %q needs an email and a password of at least 6 characters", u.Name)
		}
		records = append(records, record{
			name: "user:" + u.Email,
			seed: func(ctx context.Context) (outcome, error) { return ds.seedUser(ctx, u) },
		})
	}

	for _, ingredient := range set.Ingredients {
		ingredient := ingredient
		ingredient.Normalize()
		if err := ingredient.Validate(); err != nil {
			return nil, errors.Wrapf(err, "seed ingredient %q", ingredient.Name)
		}
		records = append(records, record{
			name: "ingredient:" + ingredient.Name,
			seed: func(ctx context.Context) (outcome, error) { return ds.seedIngredient(ctx, ingredient) },
		})
	}
	return records, nil
}

func (ds *DataSeeder) createBatches(records []record) [][]record {
	var batches [][]record
	for i := 0; i < len(records); i += ds.config.BatchSize {
		end := i + ds.config.BatchSize
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, records[i:end])
	}
	return batches
}

func (ds *DataSeeder) processBatch(ctx context.Context, batch []record) *SeedResult {
	result := &SeedResult{ErrorDetails: []SeedError{}}

	for _, rec := range batch {
		select {
		case <-ctx.Done():
			return result
		default:
		}

		outcome, err := rec.seed(ctx)
		if err != nil {
			result.Failed++
			result.ErrorDetails = append(result.ErrorDetails, SeedError{
				Record:    rec.name,
				Error:     err.Error(),
				Timestamp: time.Now(),
			})
			ds.logger.WithError(err).WithField("record", rec.name).Error("Failed to seed record")
			continue
		}

		switch outcome {
		case outcomeCreated:
			result.Created++
		case outcomeUpdated:
			result.Updated++
		case outcomeSkipped:
			result.Skipped++
		}
		ds.logger.WithField("record", rec.name).Debug("Seeded record")
	}
	return result
}

func (ds *DataSeeder) seedUser(ctx context.Context, u SeedUser) (outcome, error) {
	existing, err := ds.store.GetUserByEmail(ctx, u.Email)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}
	if existing != nil && ds.config.SkipExisting {
		return outcomeSkipped, nil
	}

	if ds.config.DryRun {
		if existing != nil {
			return outcomeUpdated, nil
		}
		return outcomeCreated, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), ds.config.PasswordCost)
	if err != nil {
		return 0, errors.Wrap(err, "failed to hash password")
	}

	user := &models.User{
		ID:           uuid.New().String(),
		Name:         u.Name,
		Email:        strings.ToLower(strings.TrimSpace(u.Email)),
		PasswordHash: string(hash),
		Role:         u.Role,
		Address:      u.Address,
	}
	if existing != nil {
		user.ID = existing.ID
		return outcomeUpdated, ds.store.UpdateUser(ctx, user)
	}
	return outcomeCreated, ds.store.CreateUser(ctx, user)
}

func (ds *DataSeeder) seedIngredient(ctx context.Context, ingredient models.Ingredient) (outcome, error) {
	matches, err := ds.store.ListIngredients(ctx, store.IngredientFilter{Search: ingredient.Name})
	if err != nil {
		return 0, err
	}
	var existing *models.Ingredient
	for i := range matches {
		if strings.EqualFold(matches[i].Name, ingredient.Name) {
			existing = &matches[i]
			break
		}
	}
	if existing != nil && ds.config.SkipExisting {
		return outcomeSkipped, nil
	}

	if ds.config.DryRun {
		if existing != nil {
			return outcomeUpdated, nil
		}
		return outcomeCreated, nil
	}

	if existing != nil {
		ingredient.ID = existing.ID
		ingredient.Version = existing.Version
		return outcomeUpdated, ds.store.UpdateIngredient(ctx, &ingredient)
	}
	ingredient.ID = uuid.New().String()
	return outcomeCreated, ds.store.CreateIngredient(ctx, &ingredient)
}

func (ds *DataSeeder) mergeResults(target, source *SeedResult) {
	target.Created += source.Created
	target.Updated += source.Updated
	target.Skipped += source.Skipped
	target.Failed += source.Failed
	target.ErrorDetails = append(target.ErrorDetails, source.ErrorDetails...)
}
