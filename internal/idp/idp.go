// Package idp integrates with the upstream identity provider. GitHub is the
// only provider; the profile it returns is the sole source of user identity
// for the gateway.
package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const defaultAPIBaseURL = "https://api.github.com"

// Profile is the identity provider's view of an authenticated user.
type Profile struct {
	UserID    string // stable subject, e.g. "github:1234567"
	Login     string
	Name      string
	Email     string
	AvatarURL string
}

// Provider redirects browsers to the identity provider and redeems callback
// codes for user profiles.
type Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*Profile, error)
}

// GithubConfig configures the GitHub provider.
type GithubConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string

	// APIBaseURL overrides the GitHub API base URL. Used in tests.
	APIBaseURL string

	// Endpoint overrides the OAuth2 endpoint. Used in tests.
	Endpoint *oauth2.Endpoint
}

// Github implements Provider against the GitHub OAuth and REST APIs.
type Github struct {
	config  *oauth2.Config
	apiBase string
}

// NewGithub creates a GitHub provider.
func NewGithub(cfg *GithubConfig) (*Github, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.CallbackURL == "" {
		return nil, fmt.Errorf("client ID, client secret, and callback URL are required")
	}

	endpoint := github.Endpoint
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}

	apiBase := cfg.APIBaseURL
	if apiBase == "" {
		apiBase = defaultAPIBaseURL
	}

	return &Github{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     endpoint,
		},
		apiBase: apiBase,
	}, nil
}

// AuthCodeURL returns the GitHub authorization URL carrying the state nonce.
func (g *Github) AuthCodeURL(state string) string {
	return g.config.AuthCodeURL(state)
}

// Exchange redeems a callback code for an access token and fetches the
// user's profile.
func (g *Github) Exchange(ctx context.Context, code string) (*Profile, error) {
	token, err := g.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	return g.getProfile(ctx, token)
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func (g *Github) getProfile(ctx context.Context, token *oauth2.Token) (*Profile, error) {
	// Add timeout to prevent hanging on slow GitHub API
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client := g.config.Client(ctx, token)
	resp, err := client.Get(g.apiBase + "/user")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned HTTP %d", resp.StatusCode)
	}

	var user githubUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}

	if user.ID == 0 {
		return nil, fmt.Errorf("GitHub user info missing numeric ID")
	}

	// If email is not available from /user endpoint, fetch from /user/emails
	email := user.Email
	if email == "" {
		emails, err := g.getEmails(ctx, token)
		if err != nil {
			return nil, err
		}
		for _, e := range emails {
			if e.Primary {
				email = e.Email
				break
			}
		}
	}

	return &Profile{
		UserID:    fmt.Sprintf("github:%d", user.ID),
		Login:     user.Login,
		Name:      user.Name,
		Email:     email,
		AvatarURL: user.AvatarURL,
	}, nil
}

func (g *Github) getEmails(ctx context.Context, token *oauth2.Token) ([]githubEmail, error) {
	client := g.config.Client(ctx, token)
	resp, err := client.Get(g.apiBase + "/user/emails")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user emails: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned HTTP %d", resp.StatusCode)
	}

	var emails []githubEmail
	if err := json.NewDecoder(resp.Body).Decode(&emails); err != nil {
		return nil, fmt.Errorf("failed to decode user emails: %w", err)
	}

	return emails, nil
}
