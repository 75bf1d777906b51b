package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"

	"nexus-orchestrator/backend/internal/config"
	"nexus-orchestrator/backend/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// TokenVerifier validates orchestrator-issued access tokens.
type TokenVerifier interface {
	Verify(raw string) (models.User, error)
}

type userKey struct{}

// WithUser returns a copy of ctx carrying user.
func WithUser(ctx context.Context, user models.User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the authenticated user of a request.
func UserFromContext(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(userKey{}).(models.User)
	return user, ok
}

// Auth authenticates requests with orchestrator access tokens and,
// when configured, with OpenID Connect tokens from an external provider.
type Auth struct {
	tokens       TokenVerifier
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	logger       Logger
	devMode      bool
	authBypass   bool
	devUser      models.User
}

// New creates a new Auth object using values from the application
// configuration. OIDC is enabled when an issuer is configured, in which case
// the rest of the OIDC settings are required.
func New(ctx context.Context, cfg *config.Config, tokens TokenVerifier, logger Logger) (*Auth, error) {
	isDev := cfg.IsDev()
	shouldBypass := isDev && cfg.DevModeBypass

	a := &Auth{
		tokens:     tokens,
		logger:     logger,
		devMode:    isDev,
		authBypass: shouldBypass,
		devUser:    models.User{Subject: cfg.Auth.DevAccount},
	}
	if shouldBypass || cfg.Auth.OktaDomain == "" {
		return a, nil
	}
	if cfg.Auth.ClientID == "" || cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
		return nil, errors.New("auth configuration is incomplete")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
	if err != nil {
		return nil, err
	}

	a.oauth2Config = &oauth2.Config{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  cfg.Auth.RedirectURL,
		Scopes:       LoginScopes,
	}
	a.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})
	// Access tokens usually carry a different audience than the client id.
	a.apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	return a, nil
}

// LoginHandler initiates the OAuth2 authorization code flow by redirecting the
// user to the provider. A random state value is stored in a cookie to
// mitigate CSRF attacks.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass || a.oauth2Config == nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	state, err := generateState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "oauthstate",
		Value:    state,
		HttpOnly: true,
		Path:     "/",
		Secure:   !a.devMode,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler verifies the state parameter, exchanges the code for
// tokens, validates the ID token and stores it in a session cookie.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass || a.oauth2Config == nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	cookie, err := r.Cookie("oauthstate")
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		http.Error(w, "token exchange failed", http.StatusInternalServerError)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token in token response", http.StatusInternalServerError)
		return
	}

	if _, err := a.verifier.Verify(r.Context(), rawIDToken); err != nil {
		http.Error(w, "failed to verify id token", http.StatusUnauthorized)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "id_token",
		Value:    rawIDToken,
		HttpOnly: true,
		Path:     "/",
		Secure:   !a.devMode,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// RequireAuth is middleware that resolves the calling user and stores it in
// the request context. Bearer tokens are tried as orchestrator access tokens
// first and then as provider access tokens. Without a bearer token the ID
// token cookie from the login flow is used.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.authBypass {
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), a.devUser)))
			return
		}

		var (
			user models.User
			err  error
		)
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			user, err = a.verifyBearer(r.Context(), strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")))
		} else if cookie, cookieErr := r.Cookie("id_token"); cookieErr == nil && a.verifier != nil {
			user, err = a.verifyOIDC(r.Context(), a.verifier, cookie.Value)
		} else if a.oauth2Config != nil {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		} else {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if err != nil {
			if a.logger != nil {
				a.logger.Debug("rejected credentials", "path", r.URL.Path, "error", err)
			}
			http.Error(w, "invalid token: "+err.Error(), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func (a *Auth) verifyBearer(ctx context.Context, raw string) (models.User, error) {
	var tokenErr error
	if a.tokens != nil {
		user, err := a.tokens.Verify(raw)
		if err == nil {
			return user, nil
		}
		tokenErr = err
	}
	if a.apiVerifier != nil {
		return a.verifyOIDC(ctx, a.apiVerifier, raw)
	}
	if tokenErr == nil {
		tokenErr = ErrInvalidToken
	}
	return models.User{}, tokenErr
}

func (a *Auth) verifyOIDC(ctx context.Context, verifier *oidc.IDTokenVerifier, raw string) (models.User, error) {
	token, err := verifier.Verify(ctx, raw)
	if err != nil {
		return models.User{}, err
	}
	var claims struct {
		Workspace string `json:"workspace"`
		Role      string `json:"role"`
	}
	if err := token.Claims(&claims); err != nil {
		return models.User{}, errors.New("failed to parse token claims")
	}
	if token.Subject == "" {
		return models.User{}, errors.New("token has no subject")
	}
	return models.User{Subject: token.Subject, Workspace: claims.Workspace, Role: claims.Role}, nil
}

// LogoutHandler clears the session cookie and redirects to the home page.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   "id_token",
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
