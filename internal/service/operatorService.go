package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/aman-churiwal/quotagate/internal/models"
)

// Operator roles. Admins manage operators and keys, billing operators move
// balances, viewers only read usage.
const (
	RoleAdmin   = "admin"
	RoleBilling = "billing"
	RoleViewer  = "viewer"
)

var (
	ErrOperatorExists     = errors.New("operator with this email already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidRole        = errors.New("invalid role")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
)

type OperatorStore interface {
	Create(ctx context.Context, operator *models.Operator) error
	FindByEmail(ctx context.Context, email string) (*models.Operator, error)
	FindByID(ctx context.Context, id string) (*models.Operator, error)
	List(ctx context.Context) ([]models.Operator, error)
	Count(ctx context.Context) (int64, error)
}

type Claims struct {
	OperatorID string `json:"operator_id"`
	Email      string `json:"email"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

type OperatorService struct {
	repo      OperatorStore
	jwtSecret []byte
	jwtExpiry time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewOperatorService(repo OperatorStore, secret string, expiry time.Duration, logger *slog.Logger) *OperatorService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OperatorService{
		repo:      repo,
		jwtSecret: []byte(secret),
		jwtExpiry: expiry,
		now:       time.Now,
		logger:    logger.With("component", "operators"),
	}
}

type RegisterInput struct {
	Email    string
	Password string
	Name     string
	Role     string
}

// Creates a new operator
func (s *OperatorService) Register(ctx context.Context, in RegisterInput) (*models.Operator, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if in.Role == "" {
		in.Role = RoleBilling
	}
	if !slices.Contains([]string{RoleAdmin, RoleBilling, RoleViewer}, in.Role) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, in.Role)
	}
	if len(in.Password) < 8 {
		return nil, ErrWeakPassword
	}

	existing, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrOperatorExists
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	operator := &models.Operator{
		Email:        email,
		PasswordHash: string(hashedPassword),
		Name:         in.Name,
		Role:         in.Role,
	}
	if err := s.repo.Create(ctx, operator); err != nil {
		return nil, err
	}

	s.logger.Info("operator registered", "operator_id", operator.ID, "role", operator.Role)
	return operator, nil
}

// Creates the first admin when no operator exists yet. Reports whether one
// was created.
func (s *OperatorService) Bootstrap(ctx context.Context, email, password string) (bool, error) {
	n, err := s.repo.Count(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if _, err := s.Register(ctx, RegisterInput{
		Email:    email,
		Password: password,
		Name:     "bootstrap",
		Role:     RoleAdmin,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Authenticates an operator and returns a signed JWT with its expiry
func (s *OperatorService) Login(ctx context.Context, email, password string) (string, time.Time, error) {
	operator, err := s.repo.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return "", time.Time{}, err
	}
	if operator == nil {
		return "", time.Time{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(operator.PasswordHash), []byte(password)); err != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}

	now := s.now()
	expiresAt := now.Add(s.jwtExpiry)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		OperatorID: operator.ID.String(),
		Email:      operator.Email,
		Role:       operator.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator.ID.String(),
			Issuer:    "quotagate",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})

	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate token: %w", err)
	}
	return tokenString, expiresAt, nil
}

// Validates a JWT and returns its claims
func (s *OperatorService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer("quotagate"),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Retrieves an operator by id. Returns nil when there is none.
func (s *OperatorService) Get(ctx context.Context, id string) (*models.Operator, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *OperatorService) List(ctx context.Context) ([]models.Operator, error) {
	return s.repo.List(ctx)
}
