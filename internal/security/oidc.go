package security

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/idgate/idgate/internal/config"
	"github.com/idgate/idgate/internal/session"
)

// ErrStateMismatch is returned when the state parameter of the callback does
// not match the stashed challenge. The authorization code is never exchanged
// in that case.
var ErrStateMismatch = errors.New("security: oidc state mismatch")

// ErrUnauthenticated wraps every client-attributable failure of the
// authorization-code flow: a rejected code exchange, a bad id_token
// signature, a nonce or access-token-hash mismatch.
var ErrUnauthenticated = errors.New("security: oidc unauthenticated")

const (
	discoveryTimeout = 60 * time.Second
	exchangeTimeout  = 10 * time.Second
)

// OIDCIdentity is the verified identity extracted from an id_token.
type OIDCIdentity struct {
	Issuer            string
	Subject           string
	PreferredUsername string
	Email             string
}

// AccountIdentifier picks the human-facing identifier for a first login:
// preferred_username, then email, then the bare subject.
func (id OIDCIdentity) AccountIdentifier() string {
	if id.PreferredUsername != "" {
		return id.PreferredUsername
	}
	if id.Email != "" {
		return id.Email
	}
	return id.Subject
}

// OIDCClient is the relying-party side of one configured provider.
type OIDCClient struct {
	provider   *oidc.Provider
	verifier   *oidc.IDTokenVerifier
	oauth      oauth2.Config
	httpClient *http.Client
}

// DiscoverOIDC fetches the provider metadata and builds a ready client.
// Discovery gets a generous timeout since it runs once at startup; the
// per-login exchange client is much tighter.
func DiscoverOIDC(ctx context.Context, cfg config.OIDCConfig) (*OIDCClient, error) {
	discoveryClient := &http.Client{Timeout: discoveryTimeout}
	provider, errProvider := oidc.NewProvider(oidc.ClientContext(ctx, discoveryClient), cfg.IssuerURL)
	if errProvider != nil {
		return nil, fmt.Errorf("security: oidc discovery: %w", errProvider)
	}
	if provider.Endpoint().TokenURL == "" {
		return nil, fmt.Errorf("security: oidc provider %s advertises no token endpoint", cfg.IssuerURL)
	}

	return &OIDCClient{
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		httpClient: &http.Client{Timeout: exchangeTimeout},
	}, nil
}

// BeginLogin mints a fresh authorization request: CSRF state, PKCE verifier
// and nonce, plus the provider URL to redirect the browser to.
func (c *OIDCClient) BeginLogin() (string, session.OIDCLoginState, error) {
	state, errState := randomToken()
	if errState != nil {
		return "", session.OIDCLoginState{}, errState
	}
	nonce, errNonce := randomToken()
	if errNonce != nil {
		return "", session.OIDCLoginState{}, errNonce
	}
	verifier := oauth2.GenerateVerifier()

	authURL := c.oauth.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oidc.Nonce(nonce),
	)
	return authURL, session.OIDCLoginState{
		State:        state,
		PKCEVerifier: verifier,
		Nonce:        nonce,
	}, nil
}

// FinishLogin completes the authorization-code flow. The state check runs
// before any provider round trip; the code is only exchanged once the
// callback is tied to the stashed challenge.
func (c *OIDCClient) FinishLogin(ctx context.Context, st session.OIDCLoginState, code, state string) (*OIDCIdentity, error) {
	if subtle.ConstantTimeCompare([]byte(st.State), []byte(state)) != 1 {
		return nil, ErrStateMismatch
	}

	ctx = oidc.ClientContext(ctx, c.httpClient)
	token, errExchange := c.oauth.Exchange(ctx, code, oauth2.VerifierOption(st.PKCEVerifier))
	if errExchange != nil {
		return nil, fmt.Errorf("%w: code exchange: %v", ErrUnauthenticated, errExchange)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: token response carries no id_token", ErrUnauthenticated)
	}

	idToken, errVerify := c.verifier.Verify(ctx, rawIDToken)
	if errVerify != nil {
		return nil, fmt.Errorf("%w: id_token verification: %v", ErrUnauthenticated, errVerify)
	}

	if subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(st.Nonce)) != 1 {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrUnauthenticated)
	}

	// at_hash is optional in the code flow; when the provider includes it the
	// access token must match.
	if idToken.AccessTokenHash != "" {
		if errHash := idToken.VerifyAccessToken(token.AccessToken); errHash != nil {
			return nil, fmt.Errorf("%w: access token hash: %v", ErrUnauthenticated, errHash)
		}
	}

	var claims struct {
		PreferredUsername string `json:"preferred_username"`
		Email             string `json:"email"`
	}
	if errClaims := idToken.Claims(&claims); errClaims != nil {
		return nil, fmt.Errorf("security: decode id_token claims: %w", errClaims)
	}

	return &OIDCIdentity{
		Issuer:            idToken.Issuer,
		Subject:           idToken.Subject,
		PreferredUsername: claims.PreferredUsername,
		Email:             claims.Email,
	}, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("security: random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
