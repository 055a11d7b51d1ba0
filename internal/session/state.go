package session

import (
	"context"

	"github.com/go-webauthn/webauthn/webauthn"
)

// Session entry keys for in-flight challenge state. Each flow owns exactly
// one key; starting a flow overwrites any stale challenge of the same kind.
const (
	keyWebAuthnLogin    = "auth.login.webauthn"
	keyOidcLogin        = "auth.login.oidc"
	keyWebAuthnRegister = "auth.register.webauthn"
	keyTotpEnroll       = "auth.totp.enroll"
)

// WebAuthnLoginState is the stashed half of a webauthn login ceremony.
type WebAuthnLoginState struct {
	Identifier string               `json:"identifier"`
	State      webauthn.SessionData `json:"state"`
}

// WebAuthnRegistrationState is the stashed half of a webauthn registration
// ceremony.
type WebAuthnRegistrationState struct {
	Label string               `json:"label"`
	State webauthn.SessionData `json:"state"`
}

// OIDCLoginState is the stashed half of an authorization-code flow: the CSRF
// state, the PKCE verifier and the expected nonce.
type OIDCLoginState struct {
	State        string `json:"state"`
	PKCEVerifier string `json:"pkce_verifier"`
	Nonce        string `json:"nonce"`
}

// TotpEnrollmentState is a provisioned-but-unconfirmed TOTP secret.
type TotpEnrollmentState struct {
	Label  string `json:"label"`
	Secret string `json:"secret"` // Base32 encoded.
}

// PutWebAuthnLogin stashes a login challenge.
func (h *Handle) PutWebAuthnLogin(ctx context.Context, st WebAuthnLoginState) error {
	return h.Put(ctx, keyWebAuthnLogin, st)
}

// TakeWebAuthnLogin consumes the stashed login challenge.
func (h *Handle) TakeWebAuthnLogin(ctx context.Context) (WebAuthnLoginState, error) {
	var st WebAuthnLoginState
	err := h.Take(ctx, keyWebAuthnLogin, &st)
	return st, err
}

// PutWebAuthnRegistration stashes a registration challenge.
func (h *Handle) PutWebAuthnRegistration(ctx context.Context, st WebAuthnRegistrationState) error {
	return h.Put(ctx, keyWebAuthnRegister, st)
}

// TakeWebAuthnRegistration consumes the stashed registration challenge.
func (h *Handle) TakeWebAuthnRegistration(ctx context.Context) (WebAuthnRegistrationState, error) {
	var st WebAuthnRegistrationState
	err := h.Take(ctx, keyWebAuthnRegister, &st)
	return st, err
}

// PutOidcLogin stashes an authorization-code flow.
func (h *Handle) PutOidcLogin(ctx context.Context, st OIDCLoginState) error {
	return h.Put(ctx, keyOidcLogin, st)
}

// TakeOidcLogin consumes the stashed authorization-code flow.
func (h *Handle) TakeOidcLogin(ctx context.Context) (OIDCLoginState, error) {
	var st OIDCLoginState
	err := h.Take(ctx, keyOidcLogin, &st)
	return st, err
}

// PutTotpEnrollment stashes an unconfirmed TOTP secret.
func (h *Handle) PutTotpEnrollment(ctx context.Context, st TotpEnrollmentState) error {
	return h.Put(ctx, keyTotpEnroll, st)
}

// TakeTotpEnrollment consumes the stashed TOTP secret.
func (h *Handle) TakeTotpEnrollment(ctx context.Context) (TotpEnrollmentState, error) {
	var st TotpEnrollmentState
	err := h.Take(ctx, keyTotpEnroll, &st)
	return st, err
}
