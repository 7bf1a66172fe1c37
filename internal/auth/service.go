package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUsernameExists     = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// RoleOperator runs missions; RoleAdmin additionally manages operators,
// certificates, and bundles.
const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

type Operator struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

type Store interface {
	InsertOperator(ctx context.Context, o *Operator) error
	GetOperatorByUsername(ctx context.Context, username string) (*Operator, error)
	// UsernameTaken reports whether an operator row already holds the name.
	UsernameTaken(ctx context.Context, username string) (bool, error)
}

type RegisterResult struct {
	ID       string
	Username string
	Role     string
}

type Service struct {
	store  Store
	config Config
}

func NewService(store Store, config Config) *Service {
	return &Service{store: store, config: config}
}

func (s *Service) Register(ctx context.Context, username, password, role string) (RegisterResult, error) {
	if role == "" {
		role = RoleOperator
	}

	taken, err := s.store.UsernameTaken(ctx, username)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("check username: %w", err)
	}
	if taken {
		return RegisterResult{}, ErrUsernameExists
	}

	hash, err := hashCredential(password)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("hash password: %w", err)
	}

	op := &Operator{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    time.Now(),
	}
	if err := s.store.InsertOperator(ctx, op); err != nil {
		return RegisterResult{}, fmt.Errorf("create operator: %w", err)
	}

	return RegisterResult{ID: op.ID, Username: op.Username, Role: op.Role}, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	op, err := s.store.GetOperatorByUsername(ctx, username)
	if err != nil {
		return "", ErrInvalidCredentials
	}

	if !credentialMatches(password, op.PasswordHash) {
		return "", ErrInvalidCredentials
	}

	token, err := GenerateToken(s.config, op.ID, op.Username, op.Role)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return token, nil
}

// Operator passwords are stored as bcrypt hashes at the default cost.
// Login treats a hash mismatch the same as an unknown username so the
// error reveals nothing about which half failed.

func hashCredential(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt: %w", err)
	}
	return string(hash), nil
}

func credentialMatches(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
