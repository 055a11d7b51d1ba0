package security

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncbor"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/idgate/idgate/internal/config"
	"github.com/idgate/idgate/internal/models"
)

// ErrNoAttestedKeys is returned when a login ceremony is requested for an
// account that has no attested authenticator to satisfy it.
var ErrNoAttestedKeys = errors.New("security: no attested webauthn keys")

// AttestationCA is one entry of the attestation CA list file.
type AttestationCA struct {
	Label       string `json:"label"`
	Certificate string `json:"certificate"` // PEM encoded.
}

// LoadAttestationCAList reads the JSON CA list and builds the root pool used
// to classify authenticator attestations.
func LoadAttestationCAList(path string) (*x509.CertPool, error) {
	data, errRead := os.ReadFile(path)
	if errRead != nil {
		return nil, fmt.Errorf("security: read attestation ca list: %w", errRead)
	}

	var entries []AttestationCA
	if errUnmarshal := json.Unmarshal(data, &entries); errUnmarshal != nil {
		return nil, fmt.Errorf("security: parse attestation ca list: %w", errUnmarshal)
	}

	pool := x509.NewCertPool()
	for _, entry := range entries {
		block, _ := pem.Decode([]byte(entry.Certificate))
		if block == nil {
			return nil, fmt.Errorf("security: attestation ca %q: no pem block", entry.Label)
		}
		cert, errParse := x509.ParseCertificate(block.Bytes)
		if errParse != nil {
			return nil, fmt.Errorf("security: attestation ca %q: %w", entry.Label, errParse)
		}
		pool.AddCert(cert)
	}
	return pool, nil
}

// WebAuthnEngine runs webauthn ceremonies and classifies new credentials by
// whether their attestation chains to a configured CA.
type WebAuthnEngine struct {
	wa    *webauthn.WebAuthn
	roots *x509.CertPool
}

// NewWebAuthnEngine builds an engine from relying-party configuration.
func NewWebAuthnEngine(cfg config.WebAuthnConfig) (*WebAuthnEngine, error) {
	roots, errRoots := LoadAttestationCAList(cfg.AttestationCAListPath)
	if errRoots != nil {
		return nil, errRoots
	}

	wa, errNew := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPID,
		RPOrigins:     []string{cfg.RPOrigin},
		// Direct attestation is requested so registrations can be classified;
		// authenticators that decline still register as not attested.
		AttestationPreference: protocol.PreferDirectAttestation,
	})
	if errNew != nil {
		return nil, fmt.Errorf("security: webauthn config: %w", errNew)
	}
	return &WebAuthnEngine{wa: wa, roots: roots}, nil
}

// ceremonyUser adapts an account plus its credentials to the webauthn user
// interface. The account UUID doubles as the user handle.
type ceremonyUser struct {
	account     *models.Account
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte {
	id := u.account.UUID
	return id[:]
}

func (u *ceremonyUser) WebAuthnName() string { return u.account.Identifier }

func (u *ceremonyUser) WebAuthnDisplayName() string { return u.account.Identifier }

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

// attestedCredentials extracts the credentials usable as a login factor.
func attestedCredentials(keys []models.WebAuthnKey) ([]webauthn.Credential, error) {
	var credentials []webauthn.Credential
	for i := range keys {
		passkey, errKey := keys[i].Passkey()
		if errKey != nil {
			return nil, errKey
		}
		usable, errTag := passkey.Usable()
		if errTag != nil {
			return nil, errTag
		}
		if usable {
			credentials = append(credentials, passkey.Credential)
		}
	}
	return credentials, nil
}

// BeginAttestedLogin starts a login ceremony restricted to the account's
// attested keys.
func (e *WebAuthnEngine) BeginAttestedLogin(account *models.Account, keys []models.WebAuthnKey) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	credentials, errCreds := attestedCredentials(keys)
	if errCreds != nil {
		return nil, nil, errCreds
	}
	if len(credentials) == 0 {
		return nil, nil, ErrNoAttestedKeys
	}

	user := &ceremonyUser{account: account, credentials: credentials}
	options, state, errBegin := e.wa.BeginLogin(user)
	if errBegin != nil {
		return nil, nil, fmt.Errorf("security: begin webauthn login: %w", errBegin)
	}
	return options, state, nil
}

// FinishAttestedLogin validates an assertion against the account's attested
// keys and returns the matched credential with its updated authenticator
// state.
func (e *WebAuthnEngine) FinishAttestedLogin(account *models.Account, keys []models.WebAuthnKey, state webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
	credentials, errCreds := attestedCredentials(keys)
	if errCreds != nil {
		return nil, errCreds
	}
	if len(credentials) == 0 {
		return nil, ErrNoAttestedKeys
	}

	user := &ceremonyUser{account: account, credentials: credentials}
	credential, errValidate := e.wa.ValidateLogin(user, state, response)
	if errValidate != nil {
		return nil, fmt.Errorf("security: validate webauthn login: %w", errValidate)
	}
	if credential.Authenticator.CloneWarning {
		return nil, fmt.Errorf("security: authenticator clone warning")
	}
	return credential, nil
}

// BeginRegistration starts a registration ceremony. All existing keys,
// attested or not, are excluded so an authenticator cannot be registered
// twice.
func (e *WebAuthnEngine) BeginRegistration(account *models.Account, keys []models.WebAuthnKey) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	var exclusions []protocol.CredentialDescriptor
	for i := range keys {
		passkey, errKey := keys[i].Passkey()
		if errKey != nil {
			return nil, nil, errKey
		}
		exclusions = append(exclusions, passkey.Credential.Descriptor())
	}

	user := &ceremonyUser{account: account}
	options, state, errBegin := e.wa.BeginRegistration(user, webauthn.WithExclusions(exclusions))
	if errBegin != nil {
		return nil, nil, fmt.Errorf("security: begin webauthn registration: %w", errBegin)
	}
	return options, state, nil
}

// FinishRegistration validates a new credential and classifies its
// attestation.
func (e *WebAuthnEngine) FinishRegistration(account *models.Account, state webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (models.StoredPasskey, error) {
	user := &ceremonyUser{account: account}
	credential, errCreate := e.wa.CreateCredential(user, state, response)
	if errCreate != nil {
		return models.StoredPasskey{}, fmt.Errorf("security: create webauthn credential: %w", errCreate)
	}

	attestation, errClassify := e.classifyAttestation(credential)
	if errClassify != nil {
		return models.StoredPasskey{}, errClassify
	}
	return models.StoredPasskey{Attestation: attestation, Credential: *credential}, nil
}

// classifyAttestation decides whether a validated credential counts as
// attested: its attestation statement must carry a certificate chain that
// verifies against the configured CA roots. Everything else, including
// self-attestation and chains anchored elsewhere, is not attested.
func (e *WebAuthnEngine) classifyAttestation(credential *webauthn.Credential) (models.PasskeyAttestation, error) {
	if len(credential.Attestation.Object) == 0 {
		return models.PasskeyNotAttested, nil
	}

	var attestation protocol.AttestationObject
	if errUnmarshal := webauthncbor.Unmarshal(credential.Attestation.Object, &attestation); errUnmarshal != nil {
		return "", fmt.Errorf("security: parse attestation object: %w", errUnmarshal)
	}
	if attestation.Format == "" || attestation.Format == "none" {
		return models.PasskeyNotAttested, nil
	}

	chain, errChain := attestationChain(attestation.AttStatement)
	if errChain != nil {
		return "", errChain
	}
	if len(chain) == 0 {
		return models.PasskeyNotAttested, nil
	}

	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}
	_, errVerify := chain[0].Verify(x509.VerifyOptions{
		Roots:         e.roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if errVerify != nil {
		return models.PasskeyNotAttested, nil
	}
	return models.PasskeyAttested, nil
}

// attestationChain parses the x5c entry of an attestation statement.
func attestationChain(statement map[string]any) ([]*x509.Certificate, error) {
	rawChain, ok := statement["x5c"].([]any)
	if !ok {
		return nil, nil
	}

	chain := make([]*x509.Certificate, 0, len(rawChain))
	for _, rawCert := range rawChain {
		der, ok := rawCert.([]byte)
		if !ok {
			return nil, fmt.Errorf("security: malformed x5c entry")
		}
		cert, errParse := x509.ParseCertificate(der)
		if errParse != nil {
			return nil, fmt.Errorf("security: parse attestation certificate: %w", errParse)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}
