package auth

import (
	"context"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/jogardn/foodin/internal/store"
	"github.com/jogardn/foodin/pkg/models"
)

const minPasswordLength = 6

var (
	ErrUserExists         = errors.New("User already exists")
	ErrInvalidCredentials = errors.New("Invalid credentials")
)

// UserStore is the part of store.Store the auth service needs.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error
}

type RegisterRequest struct {
	Name     string         `json:"name"`
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Address  models.Address `json:"address"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ProfileUpdate changes only the fields that are set.
type ProfileUpdate struct {
	Name     *string         `json:"name"`
	Address  *models.Address `json:"address"`
	Password *string         `json:"password"`
}

type Result struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

type Service struct {
	users      UserStore
	tokens     *TokenManager
	logger     *logrus.Logger
	bcryptCost int
}

func NewService(users UserStore, tokens *TokenManager, logger *logrus.Logger) *Service {
	return &Service{
		users:      users,
		tokens:     tokens,
		logger:     logger,
		bcryptCost: bcrypt.DefaultCost,
	}
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Result, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = normalizeEmail(req.Email)

	v := &models.ValidationError{}
	if req.Name == "" {
		v.Add("name", "is required")
	}
	if _, err := mail.ParseAddress(req.Email); err != nil || req.Email == "" {
		v.Add("email", "must be a valid email")
	}
	if len(req.Password) < minPasswordLength {
		v.Add("password", "must be at least 6 characters")
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	hash, err := s.hashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		ID:           uuid.New().String(),
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         models.RoleUser,
		Address:      req.Address,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return nil, ErrUserExists
		}
		return nil, errors.Wrap(err, "failed to create user")
	}

	s.logger.WithFields(logrus.Fields{
		"user_id": user.ID,
		"email":   user.Email,
	}).Info("User registered")

	return s.issue(user)
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (*Result, error) {
	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.logger.WithField("user_id", user.ID).Warn("Failed login attempt")
		return nil, ErrInvalidCredentials
	}
	return s.issue(user)
}

func (s *Service) Me(ctx context.Context, userID string) (*models.User, error) {
	return s.users.GetUser(ctx, userID)
}

func (s *Service) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (*models.User, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	v := &models.ValidationError{}
	if update.Name != nil {
		if name := strings.TrimSpace(*update.Name); name != "" {
			user.Name = name
		} else {
			v.Add("name", "must not be empty")
		}
	}
	if update.Address != nil {
		user.Address = *update.Address
	}
	if update.Password != nil && *update.Password != "" {
		if len(*update.Password) < minPasswordLength {
			v.Add("password", "must be at least 6 characters")
		} else {
			hash, err := s.hashPassword(*update.Password)
			if err != nil {
				return nil, err
			}
			user.PasswordHash = hash
		}
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	if err := s.users.UpdateUser(ctx, user); err != nil {
		return nil, errors.Wrap(err, "failed to update profile")
	}
	return user, nil
}

func (s *Service) hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return "", errors.Wrap(err, "failed to hash password")
	}
	return string(hash), nil
}

func (s *Service) issue(user *models.User) (*Result, error) {
	token, err := s.tokens.Issue(user)
	if err != nil {
		return nil, err
	}
	return &Result{Token: token, User: user}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
