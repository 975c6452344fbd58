// Package oauth implements Google sign-in restricted to configured email domains.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const userInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

var (
	ErrDomainNotAllowed = errors.New("email domain not allowed")
	ErrEmailUnverified  = errors.New("email not verified")
)

// Profile is the subset of the OpenID userinfo document we use.
type Profile struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

type Config struct {
	ClientID       string
	ClientSecret   string
	RedirectURL    string
	AllowedDomains []string
}

type Google struct {
	oauth       *oauth2.Config
	userInfoURL string
	domains     map[string]bool
}

func NewGoogle(cfg Config) *Google {
	domains := make(map[string]bool, len(cfg.AllowedDomains))
	for _, domain := range cfg.AllowedDomains {
		domains[strings.ToLower(strings.TrimSpace(domain))] = true
	}
	return &Google{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		},
		userInfoURL: userInfoURL,
		domains:     domains,
	}
}

// AuthCodeURL returns the Google consent page URL carrying state.
func (g *Google) AuthCodeURL(state string) string {
	return g.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account"))
}

// Exchange trades an authorization code for the user's profile.
func (g *Google) Exchange(ctx context.Context, code string) (Profile, error) {
	token, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return Profile{}, fmt.Errorf("exchange code: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.userInfoURL, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("build userinfo request: %w", err)
	}
	resp, err := g.oauth.Client(ctx, token).Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Profile{}, fmt.Errorf("userinfo status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return Profile{}, fmt.Errorf("decode userinfo: %w", err)
	}
	if profile.Subject == "" || profile.Email == "" {
		return Profile{}, errors.New("userinfo missing sub or email")
	}
	if profile.EmailVerified != nil && !*profile.EmailVerified {
		return Profile{}, ErrEmailUnverified
	}
	return profile, nil
}

// DomainAllowed reports whether email belongs to one of the allowed domains.
func (g *Google) DomainAllowed(email string) bool {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return false
	}
	return g.domains[strings.ToLower(email[at+1:])]
}

// Authorize checks a profile against the domain allow list.
func (g *Google) Authorize(profile Profile) error {
	if !g.DomainAllowed(profile.Email) {
		return fmt.Errorf("%w: %s", ErrDomainNotAllowed, profile.Email)
	}
	return nil
}
