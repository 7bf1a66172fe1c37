package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOperatorStore struct {
	mu        sync.Mutex
	operators map[string]*Operator
}

func newFakeOperatorStore() *fakeOperatorStore {
	return &fakeOperatorStore{operators: make(map[string]*Operator)}
}

func (s *fakeOperatorStore) InsertOperator(_ context.Context, o *Operator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.operators[o.Username] = &cp
	return nil
}

func (s *fakeOperatorStore) GetOperatorByUsername(_ context.Context, username string) (*Operator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.operators[username]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	cp := *o
	return &cp, nil
}

func (s *fakeOperatorStore) UsernameTaken(_ context.Context, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.operators[username]
	return ok, nil
}

func TestRegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	store := newFakeOperatorStore()
	svc := NewService(store, Config{Secret: "test-secret"})

	result, err := svc.Register(ctx, "raven", "hunter2hunter2", "")
	require.NoError(t, err)
	assert.Equal(t, RoleOperator, result.Role, "role defaults to operator")
	assert.NotEmpty(t, result.ID)

	// The stored hash is bcrypt, never the plaintext.
	stored, err := store.GetOperatorByUsername(ctx, "raven")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2hunter2", stored.PasswordHash)
	assert.True(t, strings.HasPrefix(stored.PasswordHash, "$2a$"))
	assert.True(t, credentialMatches("hunter2hunter2", stored.PasswordHash))
	assert.False(t, credentialMatches("", stored.PasswordHash))

	_, err = svc.Register(ctx, "raven", "otherpassword", RoleAdmin)
	assert.ErrorIs(t, err, ErrUsernameExists)

	token, err := svc.Login(ctx, "raven", "hunter2hunter2")
	require.NoError(t, err)

	claims, err := ValidateToken("test-secret", token)
	require.NoError(t, err)
	assert.Equal(t, result.ID, claims.UserID)
	assert.Equal(t, "raven", claims.Username)
	assert.Equal(t, RoleOperator, claims.Role)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	ctx := context.Background()
	store := newFakeOperatorStore()
	svc := NewService(store, Config{Secret: "test-secret"})

	_, err := svc.Register(ctx, "raven", "hunter2hunter2", "")
	require.NoError(t, err)

	_, err = svc.Login(ctx, "raven", "wrongpassword")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(ctx, "nobody", "hunter2hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateTokenRejectsTampering(t *testing.T) {
	token, err := GenerateToken(Config{Secret: "right-secret"}, "op-1", "raven", RoleAdmin)
	require.NoError(t, err)

	_, err = ValidateToken("wrong-secret", token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ValidateToken("right-secret", "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	claims, err := ValidateToken("right-secret", token)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, claims.Role)
	assert.Equal(t, "ospray-server", claims.Issuer)
}

func TestValidateTokenExpiry(t *testing.T) {
	token, err := GenerateToken(Config{Secret: "s", TokenExpiry: time.Nanosecond}, "op-1", "raven", RoleOperator)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = ValidateToken("s", token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}
