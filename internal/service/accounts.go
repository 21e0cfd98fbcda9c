package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v9"
	"gorm.io/gorm"

	"github.com/avoronov/accounts/internal/es"
	"github.com/avoronov/accounts/internal/events"
	"github.com/avoronov/accounts/internal/hash"
	"github.com/avoronov/accounts/internal/logging"
	"github.com/avoronov/accounts/internal/models"
	"github.com/avoronov/accounts/internal/repo"
	"github.com/avoronov/accounts/internal/tokens"
)

// AccountService orchestrates the account flows: registration, login,
// logout, refresh-token rotation and password change. Events and Search are
// optional; nil disables them.
type AccountService struct {
	Repo          *repo.GormRepo
	Events        *events.Producer
	Search        *elasticsearch.Client
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
	AccessExp    time.Time
	RefreshExp   time.Time
}

func (s *AccountService) Register(ctx context.Context, fullName, email, username, password string) (*models.User, error) {
	l := logging.FromContext(ctx).With("svc", "accounts.register")

	fullName = strings.TrimSpace(fullName)
	email = strings.TrimSpace(email)
	username = strings.TrimSpace(username)

	if fullName == "" || email == "" || username == "" || strings.TrimSpace(password) == "" {
		return nil, fmt.Errorf("%w: all fields are required", ErrValidation)
	}

	_, err := s.Repo.FindByUsernameOrEmail(ctx, username, email)
	switch {
	case err == nil:
		l.Warn("register_failed", "status", 409, "username", username)
		return nil, ErrConflict
	case !errors.Is(err, gorm.ErrRecordNotFound):
		l.Error("register_failed", "status", 500, "error", err)
		return nil, err
	}

	pwHash, err := hash.HashPassword(password)
	if err != nil {
		l.Error("register_failed", "status", 500, "reason", "cannot hash the password", "error", err)
		return nil, err
	}

	user := models.User{
		Username:     username,
		Email:        email,
		FullName:     fullName,
		PasswordHash: pwHash,
	}
	if err := s.Repo.Create(ctx, &user); err != nil {
		l.Error("register_failed", "status", 500, "error", err)
		return nil, err
	}

	created, err := s.Repo.FindByID(ctx, user.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			l.Error("register_failed", "status", 500, "reason", "created user not found on read-back")
			return nil, ErrInternal
		}
		return nil, err
	}

	s.publish(ctx, created.ID, map[string]any{
		"type":     "user_registered",
		"userID":   created.ID,
		"username": created.Username,
	})
	s.indexUser(ctx, created)

	l.Info("user_registered", "user_id", created.ID, "username", created.Username)
	return created, nil
}

func (s *AccountService) Login(ctx context.Context, username, email, password string) (*models.User, *TokenPair, error) {
	l := logging.FromContext(ctx).With("svc", "accounts.login")

	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" && email == "" {
		return nil, nil, fmt.Errorf("%w: email or username is required", ErrValidation)
	}

	user, err := s.Repo.FindByUsernameOrEmail(ctx, username, email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			l.Warn("login_failed", "status", 404, "username", username)
			return nil, nil, ErrNotFound
		}
		l.Error("login_failed", "status", 500, "error", err)
		return nil, nil, err
	}

	if !hash.CheckPassword(user.PasswordHash, password) {
		l.Warn("login_failed", "status", 401, "user_id", user.ID)
		return nil, nil, ErrInvalidCredentials
	}

	pair, err := s.issueTokens(ctx, user)
	if err != nil {
		l.Error("login_failed", "status", 500, "error", err)
		return nil, nil, err
	}

	s.publish(ctx, user.ID, map[string]any{
		"type":     "user_logged_in",
		"userID":   user.ID,
		"username": user.Username,
	})

	l.Info("login_successful", "user_id", user.ID)
	return user, pair, nil
}

// Logout clears the refresh-token slot unconditionally; calling it twice is
// harmless.
func (s *AccountService) Logout(ctx context.Context, userID uint) error {
	l := logging.FromContext(ctx).With("svc", "accounts.logout")

	if err := s.Repo.SetRefreshToken(ctx, userID, ""); err != nil {
		l.Error("logout_failed", "status", 500, "error", err)
		return err
	}

	s.publish(ctx, userID, map[string]any{
		"type":   "user_logged_out",
		"userID": userID,
	})

	l.Info("logout_successful", "user_id", userID)
	return nil
}

func (s *AccountService) Refresh(ctx context.Context, incoming string) (*TokenPair, error) {
	l := logging.FromContext(ctx).With("svc", "accounts.refresh")

	if incoming == "" {
		return nil, ErrMissingToken
	}

	claims, err := tokens.RefreshClaimsFromToken(incoming, s.RefreshSecret)
	if err != nil {
		if tokens.IsExpired(err) {
			l.Warn("refresh_failed", "status", 401, "reason", "token expired")
		} else {
			l.Warn("refresh_failed", "status", 401, "reason", "bad signature or malformed token", "error", err)
		}
		return nil, ErrInvalidToken
	}

	userID, err := claims.UserID()
	if err != nil {
		l.Warn("refresh_failed", "status", 401, "reason", "bad subject claim")
		return nil, ErrInvalidToken
	}

	user, err := s.Repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			l.Warn("refresh_failed", "status", 401, "reason", "no such user", "user_id", userID)
			return nil, ErrInvalidToken
		}
		l.Error("refresh_failed", "status", 500, "error", err)
		return nil, err
	}

	// A syntactically valid token that no longer matches the stored slot has
	// been rotated out or cleared; treating it as reuse signals possible
	// theft.
	if user.RefreshToken == "" || user.RefreshToken != incoming {
		l.Warn("refresh_failed", "status", 401, "reason", "token reuse detected", "user_id", userID)
		return nil, ErrTokenReuse
	}

	pair, err := s.issueTokens(ctx, user)
	if err != nil {
		l.Error("refresh_failed", "status", 500, "error", err)
		return nil, err
	}

	l.Info("refresh_successful", "user_id", userID)
	return pair, nil
}

// ChangePassword also clears the refresh-token slot: a password change
// invalidates sessions issued under the old credential.
func (s *AccountService) ChangePassword(ctx context.Context, userID uint, oldPassword, newPassword string) error {
	l := logging.FromContext(ctx).With("svc", "accounts.change_password")

	if strings.TrimSpace(newPassword) == "" {
		return fmt.Errorf("%w: new password is required", ErrValidation)
	}

	user, err := s.Repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		l.Error("change_password_failed", "status", 500, "error", err)
		return err
	}

	if !hash.CheckPassword(user.PasswordHash, oldPassword) {
		l.Warn("change_password_failed", "status", 401, "user_id", userID)
		return ErrInvalidCredentials
	}

	pwHash, err := hash.HashPassword(newPassword)
	if err != nil {
		l.Error("change_password_failed", "status", 500, "reason", "cannot hash the password", "error", err)
		return err
	}

	if err := s.Repo.SetPassword(ctx, userID, pwHash); err != nil {
		l.Error("change_password_failed", "status", 500, "error", err)
		return err
	}
	if err := s.Repo.SetRefreshToken(ctx, userID, ""); err != nil {
		l.Error("change_password_failed", "status", 500, "error", err)
		return err
	}

	s.publish(ctx, userID, map[string]any{
		"type":   "password_changed",
		"userID": userID,
	})

	l.Info("password_changed", "user_id", userID)
	return nil
}

func (s *AccountService) Users(ctx context.Context) ([]models.User, error) {
	return s.Repo.List(ctx)
}

func (s *AccountService) SearchUsers(ctx context.Context, query string, from, size int) (int64, []models.User, error) {
	if s.Search == nil {
		return 0, nil, ErrInternal
	}
	return es.SearchUsers(ctx, s.Search, query, from, size)
}

// issueTokens mints a new access/refresh pair and persists the refresh token
// onto the user row, rotating out whatever was there before.
func (s *AccountService) issueTokens(ctx context.Context, user *models.User) (*TokenPair, error) {
	accessExp := time.Now().Add(s.AccessTTL)
	accessToken, err := tokens.SignAccessToken(user.ID, user.Username, user.Email, user.FullName, s.AccessSecret, accessExp)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refreshExp := time.Now().Add(s.RefreshTTL)
	refreshToken, err := tokens.SignRefreshToken(user.ID, s.RefreshSecret, refreshExp)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	if err := s.Repo.SetRefreshToken(ctx, user.ID, refreshToken); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
	}, nil
}

// publish is best effort: a broker outage must not fail the request.
func (s *AccountService) publish(ctx context.Context, userID uint, event map[string]any) {
	if s.Events == nil {
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.Events.PublishEvent(pubCtx, fmt.Sprint(userID), event); err != nil {
		logging.FromContext(ctx).Error("event_publish_failed", "error", err)
	}
}

func (s *AccountService) indexUser(ctx context.Context, user *models.User) {
	if s.Search == nil {
		return
	}

	idxCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := es.IndexUser(idxCtx, s.Search, user); err != nil {
		logging.FromContext(ctx).Error("user_index_failed", "error", err, "user_id", user.ID)
	}
}
