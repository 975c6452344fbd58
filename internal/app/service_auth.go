package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"mychat/api/internal/auth"
	"mychat/api/internal/authpw"
	"mychat/api/internal/oauth"
	"mychat/api/internal/store"
	"mychat/api/internal/util"
)

const oauthStateTTL = 10 * time.Minute

var errAuthUnavailable = unavailable("AUTH_UNAVAILABLE", "Authentication service not configured")

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	if s.credentials == nil {
		return Session{}, errAuthUnavailable
	}
	if strings.TrimSpace(email) == "" || password == "" {
		return Session{}, badRequest("Email and password are required")
	}
	user, err := s.credentials.SignIn(ctx, email, password)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// MagicLinkResult is returned to the client. DevToken is only set when email
// delivery is not configured.
type MagicLinkResult struct {
	Message  string `json:"message"`
	DevToken string `json:"devToken,omitempty"`
}

func (s *Service) RequestMagicLink(ctx context.Context, email string) (MagicLinkResult, error) {
	if s.credentials == nil {
		return MagicLinkResult{}, errAuthUnavailable
	}
	if strings.TrimSpace(email) == "" {
		return MagicLinkResult{}, badRequest("Email is required")
	}
	result, err := s.credentials.RequestMagicLink(ctx, email)
	if errors.Is(err, authpw.ErrUserNotFound) {
		return MagicLinkResult{}, notFound("User not found. Please contact an administrator.")
	}
	if err != nil {
		return MagicLinkResult{}, err
	}
	if result.DevToken != "" {
		return MagicLinkResult{Message: "Email delivery is not configured. Use the token to sign in.", DevToken: result.DevToken}, nil
	}
	return MagicLinkResult{Message: "Check your email for a sign-in link"}, nil
}

func (s *Service) VerifyMagicLink(ctx context.Context, token string) (Session, error) {
	if s.credentials == nil {
		return Session{}, errAuthUnavailable
	}
	user, err := s.credentials.VerifyMagicLink(ctx, token)
	if errors.Is(err, authpw.ErrInvalidLink) {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_LINK", "Invalid or expired sign-in link", nil)
	}
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// GoogleLoginURL returns the consent URL and the nonce its state is bound to.
func (s *Service) GoogleLoginURL() (string, string, error) {
	if s.oauth == nil {
		return "", "", unavailable("OAUTH_UNAVAILABLE", "Google sign-in is not configured")
	}
	nonce := util.RandomHex(16)
	state, err := auth.IssueState([]byte(s.cfg.JWTSecret), nonce, oauthStateTTL)
	if err != nil {
		return "", "", err
	}
	return s.oauth.AuthCodeURL(state), nonce, nil
}

var (
	errOAuthState  = errors.New("oauth state mismatch")
	errOAuthDenied = errors.New("oauth access denied")
)

// GoogleCallback completes sign-in. The returned error is errOAuthDenied for
// accounts outside the allowed domains.
func (s *Service) GoogleCallback(ctx context.Context, state, nonce, code string) (Session, error) {
	if s.oauth == nil {
		return Session{}, unavailable("OAUTH_UNAVAILABLE", "Google sign-in is not configured")
	}
	stateNonce, err := auth.ParseState([]byte(s.cfg.JWTSecret), state)
	if err != nil || nonce == "" || stateNonce != nonce {
		return Session{}, errOAuthState
	}

	profile, err := s.oauth.Exchange(ctx, code)
	if errors.Is(err, oauth.ErrEmailUnverified) {
		return Session{}, errOAuthDenied
	}
	if err != nil {
		return Session{}, fmt.Errorf("google exchange: %w", err)
	}
	if err := s.oauth.Authorize(profile); err != nil {
		log.Info().Str("component", "auth").Str("email", profile.Email).Msg("google sign-in rejected")
		return Session{}, errOAuthDenied
	}

	user, created, err := s.store.UpsertGoogleUser(ctx, store.GoogleProfile{
		Subject: profile.Subject,
		Email:   profile.Email,
		Name:    profile.Name,
		Picture: profile.Picture,
	})
	if err != nil {
		return Session{}, fmt.Errorf("upsert google user: %w", err)
	}
	if created {
		log.Info().Str("component", "auth").Int64("user_id", user.ID).Msg("created user from google sign-in")
	}
	return s.issueSession(ctx, user)
}
