package service

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/avoronov/accounts/internal/hash"
	"github.com/avoronov/accounts/internal/models"
	"github.com/avoronov/accounts/internal/repo"
	"github.com/avoronov/accounts/internal/tokens"
)

func newTestService(t *testing.T) *AccountService {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}))

	return &AccountService{
		Repo:          &repo.GormRepo{DB: db},
		AccessSecret:  []byte("test-jwt-secret"),
		RefreshSecret: []byte("test-refresh-secret"),
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    24 * time.Hour,
	}
}

func register(t *testing.T, svc *AccountService) *models.User {
	t.Helper()

	user, err := svc.Register(context.Background(), "Ann Lee", "ann@x.com", "ann", "secret1")
	require.NoError(t, err)
	return user
}

func TestAccountService_Register_Validation(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		fullName string
		email    string
		username string
		password string
	}{
		{name: "empty full name", email: "a@x.com", username: "a", password: "p"},
		{name: "empty email", fullName: "A", username: "a", password: "p"},
		{name: "empty username", fullName: "A", email: "a@x.com", password: "p"},
		{name: "empty password", fullName: "A", email: "a@x.com", username: "a"},
		{name: "whitespace only", fullName: "  ", email: "a@x.com", username: "a", password: "p"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			user, err := svc.Register(ctx, tt.fullName, tt.email, tt.username, tt.password)
			require.Error(t, err)
			assert.Nil(t, user)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestAccountService_Register_Success(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	user := register(t, svc)

	assert.NotZero(t, user.ID)
	assert.Equal(t, "ann", user.Username)
	assert.Equal(t, "ann@x.com", user.Email)
	assert.Equal(t, "Ann Lee", user.FullName)
	assert.NotEqual(t, "secret1", user.PasswordHash)
	assert.True(t, hash.CheckPassword(user.PasswordHash, "secret1"))
	assert.Empty(t, user.RefreshToken)
	assert.False(t, user.CreatedAt.IsZero())
}

func TestAccountService_Register_Conflict(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	ctx := context.Background()
	register(t, svc)

	_, err := svc.Register(ctx, "Other", "other@x.com", "ann", "secret2")
	assert.ErrorIs(t, err, ErrConflict)

	_, err = svc.Register(ctx, "Other", "ann@x.com", "other", "secret2")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestAccountService_Login_Validation(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)

	_, _, err := svc.Login(context.Background(), "", "", "secret1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAccountService_Login_UnknownUser(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)

	_, _, err := svc.Login(context.Background(), "nobody", "", "secret1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAccountService_Login_WrongPassword(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	register(t, svc)

	_, _, err := svc.Login(context.Background(), "ann", "", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAccountService_Login_Success_PersistsRefreshToken(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	ctx := context.Background()
	created := register(t, svc)

	user, pair, err := svc.Login(ctx, "ann", "", "secret1")
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, created.ID, user.ID)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)

	stored, err := svc.Repo.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, pair.RefreshToken, stored.RefreshToken)

	claims, err := tokens.AccessClaimsFromToken(pair.AccessToken, svc.AccessSecret)
	require.NoError(t, err)
	assert.Equal(t, "ann", claims.Username)
	assert.Equal(t, "ann@x.com", claims.Email)
	assert.Equal(t, "Ann Lee", claims.FullName)
}

func TestAccountService_Login_ByEmail(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	register(t, svc)

	_, pair, err := svc.Login(context.Background(), "", "ann@x.com", "secret1")
	require.NoError(t, err)
	require.NotEmpty(t, pair.RefreshToken)
}

func TestAccountService_Login_OverwritesPreviousSession(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	ctx := context.Background()
	register(t, svc)

	_, first, err := svc.Login(ctx, "ann", "", "secret1")
	require.NoError(t, err)
	_, second, err := svc.Login(ctx, "ann", "", "secret1")
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// the first session's refresh token has been rotated out
	_, err = svc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenReuse)

	_, err = svc.Refresh(ctx, second.RefreshToken)
	require.NoError(t, err)
}

func TestAccountService_Refresh_MissingToken(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)

	_, err := svc.Refresh(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestAccountService_Refresh_InvalidToken(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)

	_, err := svc.Refresh(context.Background(), "not-a-valid-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAccountService_Refresh_ExpiredToken(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	user := register(t, svc)

	expired, err := tokens.SignRefreshToken(user.ID, svc.RefreshSecret, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = svc.Refresh(context.Background(), expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAccountService_Refresh_UnknownUser(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)

	token, err := tokens.SignRefreshToken(999, svc.RefreshSecret, time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = svc.Refresh(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAccountService_Refresh_RotatesOnEveryUse(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	ctx := context.Background()
	user := register(t, svc)

	_, login, err := svc.Login(ctx, "ann", "", "secret1")
	require.NoError(t, err)

	refreshed, err := svc.Refresh(ctx, login.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, refreshed.AccessToken)
	require.NotEmpty(t, refreshed.RefreshToken)
	assert.NotEqual(t, login.RefreshToken, refreshed.RefreshToken)

	stored, err := svc.Repo.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, refreshed.RefreshToken, stored.RefreshToken)

	// replaying the original token after rotation must fail
	_, err = svc.Refresh(ctx, login.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenReuse)

	// the rotated-in token still works exactly once more
	_, err = svc.Refresh(ctx, refreshed.RefreshToken)
	require.NoError(t, err)
}

func TestAccountService_Logout_ClearsSession(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	ctx := context.Background()
	user := register(t, svc)

	_, pair, err := svc.Login(ctx, "ann", "", "secret1")
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, user.ID))

	stored, err := svc.Repo.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.RefreshToken)

	// a second logout is harmless
	require.NoError(t, svc.Logout(ctx, user.ID))

	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenReuse)
}

func TestAccountService_ChangePassword_WrongOldPassword(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	user := register(t, svc)

	err := svc.ChangePassword(context.Background(), user.ID, "wrong", "newsecret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAccountService_ChangePassword_Success_InvalidatesSessions(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	ctx := context.Background()
	user := register(t, svc)

	_, pair, err := svc.Login(ctx, "ann", "", "secret1")
	require.NoError(t, err)

	require.NoError(t, svc.ChangePassword(ctx, user.ID, "secret1", "newsecret"))

	_, _, err = svc.Login(ctx, "ann", "", "secret1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Login(ctx, "ann", "", "newsecret")
	require.NoError(t, err)

	// Login above rotated the slot, but the pre-change token must be dead
	// either way.
	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenReuse)
}

func TestAccountService_Users_ListsAll(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	ctx := context.Background()
	register(t, svc)
	_, err := svc.Register(ctx, "Bob Roe", "bob@x.com", "bob", "secret2")
	require.NoError(t, err)

	users, err := svc.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "ann", users[0].Username)
	assert.Equal(t, "bob", users[1].Username)
}
