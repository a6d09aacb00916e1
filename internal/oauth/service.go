package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"

	"github.com/p369349074/QuantDinger-sub001/internal/config"
	"github.com/p369349074/QuantDinger-sub001/internal/store"
)

const (
	ProviderGoogle = "google"
	ProviderGitHub = "github"

	stateTTL = 10 * time.Minute
)

var (
	ErrProviderDisabled = errors.New("OAuth provider is not configured")
	ErrInvalidState     = errors.New("Invalid state parameter")
	ErrUnavailable      = errors.New("OAuth service unavailable")
)

// Identity is the provider-agnostic view of an authenticated third party
// account.
type Identity struct {
	Provider       string
	ProviderUserID string
	Email          string
	Name           string
	Avatar         string
}

// Service drives the Google and GitHub sign-in flows. CSRF states live in
// Redis with a short TTL so callbacks can land on any instance.
type Service struct {
	store  *store.Store
	redis  redis.UniversalClient
	google *oauth2.Config
	github *oauth2.Config

	// overridable in tests
	googleUserinfoURL string
	githubUserURL     string
	githubEmailsURL   string
}

func NewService(st *store.Store, redisClient redis.UniversalClient, cfg config.OAuthConfig) *Service {
	s := &Service{
		store:             st,
		redis:             redisClient,
		googleUserinfoURL: "https://www.googleapis.com/oauth2/v2/userinfo",
		githubUserURL:     "https://api.github.com/user",
		githubEmailsURL:   "https://api.github.com/user/emails",
	}
	if cfg.GoogleClientID != "" {
		s.google = &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURI,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		}
	}
	if cfg.GitHubClientID != "" {
		s.github = &oauth2.Config{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.GitHubRedirectURI,
			Scopes:       []string{"user:email"},
			Endpoint:     github.Endpoint,
		}
	}
	return s
}

func (s *Service) GoogleEnabled() bool { return s.google != nil }
func (s *Service) GitHubEnabled() bool { return s.github != nil }

func stateKey(state string) string { return "qd:oauth:state:" + state }

// AuthURL issues a fresh CSRF state and returns the provider consent URL.
func (s *Service) AuthURL(ctx context.Context, provider string) (string, error) {
	cfg, err := s.providerConfig(provider)
	if err != nil {
		return "", err
	}

	state, err := randomToken(32)
	if err != nil {
		return "", err
	}
	if err := s.redis.Set(ctx, stateKey(state), provider, stateTTL).Err(); err != nil {
		return "", fmt.Errorf("store oauth state: %w", err)
	}

	opts := []oauth2.AuthCodeOption{}
	if provider == ProviderGoogle {
		opts = append(opts, oauth2.AccessTypeOffline)
	}
	return cfg.AuthCodeURL(state, opts...), nil
}

// consumeState validates and burns the CSRF state for the provider.
func (s *Service) consumeState(ctx context.Context, provider, state string) error {
	if state == "" {
		return ErrInvalidState
	}
	stored, err := s.redis.GetDel(ctx, stateKey(state)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrInvalidState
	}
	if err != nil {
		return fmt.Errorf("load oauth state: %w", err)
	}
	if stored != provider {
		return ErrInvalidState
	}
	return nil
}

// Callback exchanges the authorization code and resolves it to a local user,
// creating the account on first sign-in.
func (s *Service) Callback(ctx context.Context, provider, code, state string) (*store.User, error) {
	cfg, err := s.providerConfig(provider)
	if err != nil {
		return nil, err
	}
	if err := s.consumeState(ctx, provider, state); err != nil {
		return nil, err
	}

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		log.Error().Err(err).Str("provider", provider).Msg("oauth token exchange failed")
		return nil, ErrUnavailable
	}

	var identity *Identity
	switch provider {
	case ProviderGoogle:
		identity, err = s.googleIdentity(ctx, cfg, token)
	case ProviderGitHub:
		identity, err = s.githubIdentity(ctx, cfg, token)
	}
	if err != nil {
		return nil, err
	}

	return s.resolveUser(identity)
}

func (s *Service) providerConfig(provider string) (*oauth2.Config, error) {
	switch provider {
	case ProviderGoogle:
		if s.google == nil {
			return nil, ErrProviderDisabled
		}
		return s.google, nil
	case ProviderGitHub:
		if s.github == nil {
			return nil, ErrProviderDisabled
		}
		return s.github, nil
	}
	return nil, ErrProviderDisabled
}

func (s *Service) googleIdentity(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token) (*Identity, error) {
	var info struct {
		ID      string `json:"id"`
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := s.fetchJSON(ctx, cfg.Client(ctx, token), s.googleUserinfoURL, nil, &info); err != nil {
		return nil, err
	}
	return &Identity{
		Provider:       ProviderGoogle,
		ProviderUserID: info.ID,
		Email:          info.Email,
		Name:           info.Name,
		Avatar:         info.Picture,
	}, nil
}

func (s *Service) githubIdentity(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token) (*Identity, error) {
	client := cfg.Client(ctx, token)
	headers := map[string]string{"Accept": "application/vnd.github.v3+json"}

	var info struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := s.fetchJSON(ctx, client, s.githubUserURL, headers, &info); err != nil {
		return nil, err
	}

	email := info.Email
	if email == "" {
		// Primary address is often private; pull the verified list.
		var emails []struct {
			Email    string `json:"email"`
			Primary  bool   `json:"primary"`
			Verified bool   `json:"verified"`
		}
		if err := s.fetchJSON(ctx, client, s.githubEmailsURL, headers, &emails); err == nil {
			for _, e := range emails {
				if e.Primary && e.Verified {
					email = e.Email
					break
				}
			}
			if email == "" {
				for _, e := range emails {
					if e.Verified {
						email = e.Email
						break
					}
				}
			}
		}
	}

	name := info.Name
	if name == "" {
		name = info.Login
	}
	return &Identity{
		Provider:       ProviderGitHub,
		ProviderUserID: fmt.Sprintf("%d", info.ID),
		Email:          email,
		Name:           name,
		Avatar:         info.AvatarURL,
	}, nil
}

func (s *Service) fetchJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ErrUnavailable
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Error().Err(err).Str("url", url).Msg("oauth userinfo request failed")
		return ErrUnavailable
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Error().Int("status", resp.StatusCode).Str("url", url).Msg("oauth userinfo request rejected")
		return ErrUnavailable
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return ErrUnavailable
	}
	return nil
}

// resolveUser maps a provider identity to a local account: existing link
// wins, then an email match links in place, otherwise a fresh account is
// created with a generated username and throwaway password.
func (s *Service) resolveUser(identity *Identity) (*store.User, error) {
	link, err := s.store.GetOAuthLink(identity.Provider, identity.ProviderUserID)
	if err == nil {
		user, err := s.store.GetUserByID(link.UserID)
		if err == nil {
			s.store.TouchLastLogin(user.ID)
			return user, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		// The owning account is gone; drop the orphaned link so the
		// identity can bind to a fresh or matched account below.
		if err := s.store.DeleteOAuthLink(identity.Provider, identity.ProviderUserID); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if identity.Email != "" {
		user, err := s.store.GetUserByEmail(identity.Email)
		if err == nil {
			if err := s.store.LinkOAuth(user.ID, identity.Provider, identity.ProviderUserID); err != nil {
				return nil, err
			}
			s.store.TouchLastLogin(user.ID)
			return user, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	return s.createUser(identity)
}

func (s *Service) createUser(identity *Identity) (*store.User, error) {
	base := identity.Name
	if base == "" {
		if identity.Email != "" {
			base = strings.SplitN(identity.Email, "@", 2)[0]
		} else {
			base = identity.ProviderUserID
		}
	}
	base = sanitizeUsername(base)

	email := identity.Email
	if email != "" {
		if _, err := s.store.GetUserByEmail(email); err == nil {
			email = placeholderEmail(identity)
		}
	} else {
		email = placeholderEmail(identity)
	}

	password, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	hash, err := bcryptHash(password)
	if err != nil {
		return nil, err
	}

	avatar := identity.Avatar
	if avatar == "" {
		avatar = "/avatar2.jpg"
	}
	nickname := identity.Name
	if nickname == "" {
		nickname = base
	}

	username := base
	for i := 1; ; i++ {
		id, err := s.store.CreateUser(store.CreateUserParams{
			Username:      username,
			Email:         email,
			PasswordHash:  hash,
			Nickname:      nickname,
			Avatar:        avatar,
			Role:          store.RoleUser,
			EmailVerified: true,
		})
		if errors.Is(err, store.ErrUsernameTaken) {
			username = fmt.Sprintf("%s_%d", base, i)
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := s.store.LinkOAuth(id, identity.Provider, identity.ProviderUserID); err != nil {
			return nil, err
		}
		log.Info().Str("provider", identity.Provider).Str("username", username).Msg("oauth account created")
		return s.store.GetUserByID(id)
	}
}

func bcryptHash(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

func placeholderEmail(identity *Identity) string {
	return identity.Provider + "_" + identity.ProviderUserID + "@oauth.local"
}

func sanitizeUsername(in string) string {
	var b strings.Builder
	for _, r := range in {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > 30 {
		out = out[:30]
	}
	if out == "" {
		out = "user"
	}
	return out
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
