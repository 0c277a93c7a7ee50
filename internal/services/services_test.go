package services

import (
	"context"
	"testing"
	"time"

	"wa_broadcast/internal/database"
	"wa_broadcast/internal/errs"
	"wa_broadcast/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuth(t *testing.T) *AuthService {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return NewAuthService(db, "test-secret")
}

func TestRegisterAndLogin(t *testing.T) {
	as := newAuth(t)
	ctx := context.Background()

	user, err := as.Register(ctx, models.UserRegister{Username: "ann", Email: "Ann@Example.com", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", user.Email)

	_, err = as.Register(ctx, models.UserRegister{Username: "other", Email: "ann@example.com", Password: "secret1"})
	assert.ErrorIs(t, err, errs.ErrConflict)
	_, err = as.Register(ctx, models.UserRegister{Username: "ann", Email: "new@example.com", Password: "secret1"})
	assert.ErrorIs(t, err, errs.ErrConflict)

	_, _, err = as.Login(ctx, models.UserLogin{Email: "ann@example.com", Password: "wrong"})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
	_, _, err = as.Login(ctx, models.UserLogin{Email: "nobody@example.com", Password: "secret1"})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	token, resp, err := as.Login(ctx, models.UserLogin{Email: "ann@example.com", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, user.ID, resp.ID)

	claims, err := as.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, "ann", claims.Username)

	got, err := as.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "ann", got.Username)
	_, err = as.GetUserByID(ctx, 999)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestValidateTokenRejects(t *testing.T) {
	as := newAuth(t)

	other := NewAuthService(nil, "another-secret")
	foreign, err := other.generateJWT(models.User{ID: 1, Username: "x"})
	require.NoError(t, err)
	_, err = as.ValidateToken(foreign)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{
		UserID: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	signed, err := expired.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = as.ValidateToken(signed)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = as.ValidateToken("garbage")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestRateLimiterPerUser(t *testing.T) {
	rl := NewRateLimiter(3)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(1), "request %d", i+1)
	}
	assert.False(t, rl.Allow(1))
	assert.True(t, rl.Allow(2), "other users have their own bucket")
}
