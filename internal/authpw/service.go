// Package authpw provides email/password and magic-link sign-in.
package authpw

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"mychat/api/internal/auth"
	"mychat/api/internal/store"
)

const MinPasswordLength = 8

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrPasswordTooShort   = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidLink        = errors.New("invalid or expired sign-in link")
)

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateMagicLink(ctx context.Context, tokenHash string, userID int64, expiresAt time.Time) error
	ConsumeMagicLink(ctx context.Context, tokenHash string) (store.User, error)
}

// Mailer delivers magic links.
type Mailer interface {
	IsConfigured() bool
	SendMagicLinkEmail(to, userName, loginURL string, ttl time.Duration) error
}

// Service provides credential and magic-link authentication
type Service struct {
	store        UserStore
	mailer       Mailer
	appURL       string
	magicLinkTTL time.Duration
	now          func() time.Time
}

// NewService creates a new auth service
func NewService(store UserStore, mailer Mailer, appURL string, magicLinkTTL time.Duration) *Service {
	if magicLinkTTL <= 0 {
		magicLinkTTL = 15 * time.Minute
	}
	return &Service{
		store:        store,
		mailer:       mailer,
		appURL:       strings.TrimRight(appURL, "/"),
		magicLinkTTL: magicLinkTTL,
		now:          time.Now,
	}
}

// SignIn authenticates a user by email and password. Accounts created through
// Google have no password and cannot sign in this way.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return store.User{}, errors.New("email and password are required")
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if user.PasswordHash == "" {
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// HashPassword hashes an administrator-set password.
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrPasswordTooShort
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// MagicLinkResult reports how a magic link was delivered. DevToken is only set
// when no mailer is configured.
type MagicLinkResult struct {
	Sent     bool
	DevToken string
}

// RequestMagicLink creates a single-use sign-in token for a known user and
// emails it.
func (s *Service) RequestMagicLink(ctx context.Context, email string) (MagicLinkResult, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return MagicLinkResult{}, ErrUserNotFound
	}
	if err != nil {
		return MagicLinkResult{}, fmt.Errorf("lookup user: %w", err)
	}

	token, err := generateToken()
	if err != nil {
		return MagicLinkResult{}, fmt.Errorf("generate token: %w", err)
	}
	if err := s.store.CreateMagicLink(ctx, auth.HashToken(token), user.ID, s.now().Add(s.magicLinkTTL)); err != nil {
		return MagicLinkResult{}, fmt.Errorf("store magic link: %w", err)
	}

	if s.mailer == nil || !s.mailer.IsConfigured() {
		return MagicLinkResult{DevToken: token}, nil
	}
	loginURL := fmt.Sprintf("%s/auth/verify?token=%s", s.appURL, token)
	if err := s.mailer.SendMagicLinkEmail(user.Email, user.Username, loginURL, s.magicLinkTTL); err != nil {
		return MagicLinkResult{}, fmt.Errorf("send magic link: %w", err)
	}
	return MagicLinkResult{Sent: true}, nil
}

// VerifyMagicLink consumes a magic-link token and returns its user.
func (s *Service) VerifyMagicLink(ctx context.Context, token string) (store.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return store.User{}, ErrInvalidLink
	}
	user, err := s.store.ConsumeMagicLink(ctx, auth.HashToken(token))
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, ErrInvalidLink
	}
	if err != nil {
		return store.User{}, fmt.Errorf("consume magic link: %w", err)
	}
	return user, nil
}

// generateToken creates a secure random token
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
