package auth

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/gin-gonic/gin"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/idgate/idgate/internal/config"
	"github.com/idgate/idgate/internal/db"
	"github.com/idgate/idgate/internal/models"
	"github.com/idgate/idgate/internal/security"
	"github.com/idgate/idgate/internal/session"
	"github.com/idgate/idgate/internal/store"
)

const (
	testRPID   = "example.com"
	testOrigin = "https://example.com"
)

type testEnv struct {
	t      *testing.T
	server *httptest.Server
	client *http.Client
	conn   *gorm.DB
	store  *store.GormStore
}

func newTestEnv(t *testing.T, oidcClient *security.OIDCClient) *testEnv {
	t.Helper()

	conn, errOpen := db.Open(filepath.Join(t.TempDir(), "auth.db"))
	if errOpen != nil {
		t.Fatalf("open database: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate database: %v", errMigrate)
	}

	caListPath := filepath.Join(t.TempDir(), "cas.json")
	if errWrite := os.WriteFile(caListPath, []byte("[]"), 0o600); errWrite != nil {
		t.Fatalf("write ca list: %v", errWrite)
	}
	engine, errEngine := security.NewWebAuthnEngine(config.WebAuthnConfig{
		RPID:                  testRPID,
		RPOrigin:              testOrigin,
		AttestationCAListPath: caListPath,
	})
	if errEngine != nil {
		t.Fatalf("build webauthn engine: %v", errEngine)
	}

	sessions := session.NewStore(conn, config.SessionConfig{CookieName: "idgate_session", TTL: time.Hour})

	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterRoutes(router, conn, sessions, engine, oidcClient)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	jar, errJar := cookiejar.New(nil)
	if errJar != nil {
		t.Fatalf("build cookie jar: %v", errJar)
	}
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &testEnv{t: t, server: server, client: client, conn: conn, store: store.NewGormStore(conn)}
}

func (env *testEnv) do(method, path string, body any) (*http.Response, []byte) {
	env.t.Helper()
	var reader io.Reader
	if body != nil {
		switch v := body.(type) {
		case string:
			reader = strings.NewReader(v)
		default:
			payload, errMarshal := json.Marshal(v)
			if errMarshal != nil {
				env.t.Fatalf("marshal request body: %v", errMarshal)
			}
			reader = bytes.NewReader(payload)
		}
	}

	req, errReq := http.NewRequest(method, env.server.URL+path, reader)
	if errReq != nil {
		env.t.Fatalf("build request: %v", errReq)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, errDo := env.client.Do(req)
	if errDo != nil {
		env.t.Fatalf("%s %s: %v", method, path, errDo)
	}
	payload, errRead := io.ReadAll(resp.Body)
	resp.Body.Close()
	if errRead != nil {
		env.t.Fatalf("read response body: %v", errRead)
	}
	return resp, payload
}

func (env *testEnv) seedLocalAccount(identifier string, password *string) (*models.Account, *models.LocalAccount) {
	env.t.Helper()
	account := models.Account{UUID: uuid.New(), Identifier: identifier}
	if err := env.conn.Create(&account).Error; err != nil {
		env.t.Fatalf("seed account: %v", err)
	}
	local := models.LocalAccount{UUID: uuid.New(), Password: password, AccountUUID: account.UUID}
	if err := env.conn.Create(&local).Error; err != nil {
		env.t.Fatalf("seed local account: %v", err)
	}
	return &account, &local
}

func (env *testEnv) seedKey(local *models.LocalAccount, label string, attestation models.PasskeyAttestation) *models.WebAuthnKey {
	env.t.Helper()
	key := models.WebAuthnKey{UUID: uuid.New(), Label: label, LocalAccountUUID: local.UUID}
	if err := key.SetPasskey(models.StoredPasskey{Attestation: attestation}); err != nil {
		env.t.Fatalf("set passkey: %v", err)
	}
	if err := env.conn.Create(&key).Error; err != nil {
		env.t.Fatalf("seed webauthn key: %v", err)
	}
	return &key
}

func (env *testEnv) loginWithPassword(identifier, password string) {
	env.t.Helper()
	resp, body := env.do(http.MethodPost, "/login/local/password", map[string]string{
		"identifier": identifier,
		"password":   password,
	})
	if resp.StatusCode != http.StatusOK {
		env.t.Fatalf("password login failed: %d %s", resp.StatusCode, body)
	}
}

// publicKeyOptions unwraps the publicKey envelope of ceremony options, which
// is the shape the virtual authenticator consumes.
func publicKeyOptions(t *testing.T, body []byte) string {
	t.Helper()
	var envelope struct {
		PublicKey json.RawMessage `json:"publicKey"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode ceremony options %q: %v", body, err)
	}
	return string(envelope.PublicKey)
}

func errorMessage(t *testing.T, body []byte) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode error body %q: %v", body, err)
	}
	return payload.Error
}

func TestLoginFlowDiscovery(t *testing.T) {
	env := newTestEnv(t, nil)

	password := "hunter2hunter2"
	_, local := env.seedLocalAccount("alice", &password)

	oidcAccount := models.Account{UUID: uuid.New(), Identifier: "carol@idp"}
	if err := env.conn.Create(&oidcAccount).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
	link := models.OidcAccount{UUID: uuid.New(), Issuer: "https://idp.example.com", Subject: "sub-carol", AccountUUID: oidcAccount.UUID}
	if err := env.conn.Create(&link).Error; err != nil {
		t.Fatalf("seed oidc account: %v", err)
	}

	resp, body := env.do(http.MethodGet, "/login?identifier=nobody", nil)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "null" {
		t.Fatalf("unknown identifier: %d %s", resp.StatusCode, body)
	}

	resp, body = env.do(http.MethodGet, "/login?identifier=alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("local discovery: %d %s", resp.StatusCode, body)
	}
	var flow struct {
		Kind     string `json:"kind"`
		Password bool   `json:"password"`
		WebAuthn bool   `json:"webauthn"`
	}
	if err := json.Unmarshal(body, &flow); err != nil {
		t.Fatalf("decode flow: %v", err)
	}
	if flow.Kind != "local" || !flow.Password || flow.WebAuthn {
		t.Fatalf("unexpected flow: %+v", flow)
	}

	// A not-attested key must not advertise webauthn login.
	env.seedKey(local, "weak key", models.PasskeyNotAttested)
	_, body = env.do(http.MethodGet, "/login?identifier=alice", nil)
	if err := json.Unmarshal(body, &flow); err != nil {
		t.Fatalf("decode flow: %v", err)
	}
	if flow.WebAuthn {
		t.Fatalf("not-attested key advertised as login method")
	}

	env.seedKey(local, "strong key", models.PasskeyAttested)
	_, body = env.do(http.MethodGet, "/login?identifier=alice", nil)
	if err := json.Unmarshal(body, &flow); err != nil {
		t.Fatalf("decode flow: %v", err)
	}
	if !flow.WebAuthn {
		t.Fatalf("attested key not advertised")
	}

	resp, body = env.do(http.MethodGet, "/login?identifier=carol@idp", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("oidc discovery: %d %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &flow); err != nil {
		t.Fatalf("decode flow: %v", err)
	}
	if flow.Kind != "oidc" {
		t.Fatalf("unexpected flow kind: %q", flow.Kind)
	}

	resp, _ = env.do(http.MethodGet, "/login", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing identifier should be rejected, got %d", resp.StatusCode)
	}
}

func TestLoginFlowConflictingBackends(t *testing.T) {
	env := newTestEnv(t, nil)

	password := "hunter2hunter2"
	account, _ := env.seedLocalAccount("mallory", &password)
	link := models.OidcAccount{UUID: uuid.New(), Issuer: "https://idp.example.com", Subject: "sub-mallory", AccountUUID: account.UUID}
	if err := env.conn.Create(&link).Error; err != nil {
		t.Fatalf("seed oidc account: %v", err)
	}

	// An account linked to both backends is corrupt and must not be offered a
	// login flow.
	resp, _ := env.do(http.MethodGet, "/login?identifier=mallory", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("account linked to both backends: %d", resp.StatusCode)
	}
}

func TestPasswordLoginUniformErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	password := "hunter2hunter2"
	env.seedLocalAccount("alice", &password)
	env.seedLocalAccount("nopass", nil)

	cases := []struct {
		name string
		body map[string]string
	}{
		{"unknown identifier", map[string]string{"identifier": "nobody", "password": "whatever"}},
		{"wrong password", map[string]string{"identifier": "alice", "password": "wrong"}},
		{"password not set", map[string]string{"identifier": "nopass", "password": "whatever"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := env.do(http.MethodPost, "/login/local/password", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("unexpected status: %d", resp.StatusCode)
			}
			if errorMessage(t, body) != "login failed" {
				t.Fatalf("unexpected error body: %s", body)
			}
		})
	}
}

func TestPasswordLoginLogoutMe(t *testing.T) {
	env := newTestEnv(t, nil)

	password := "hunter2hunter2"
	account, _ := env.seedLocalAccount("alice", &password)

	resp, _ := env.do(http.MethodGet, "/me", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous /me should be 401, got %d", resp.StatusCode)
	}

	env.loginWithPassword("alice", password)

	resp, body := env.do(http.MethodGet, "/me", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/me after login: %d %s", resp.StatusCode, body)
	}
	var me struct {
		Account struct {
			UUID       uuid.UUID `json:"uuid"`
			Identifier string    `json:"identifier"`
		} `json:"account"`
	}
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatalf("decode /me: %v", err)
	}
	if me.Account.UUID != account.UUID || me.Account.Identifier != "alice" {
		t.Fatalf("unexpected /me: %+v", me)
	}

	resp, _ = env.do(http.MethodPost, "/logout", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout: %d", resp.StatusCode)
	}
	resp, _ = env.do(http.MethodGet, "/me", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("/me after logout should be 401, got %d", resp.StatusCode)
	}
}

func TestSetAndDeletePassword(t *testing.T) {
	env := newTestEnv(t, nil)

	password := "hunter2hunter2"
	_, local := env.seedLocalAccount("alice", &password)
	env.loginWithPassword("alice", password)

	resp, _ := env.do(http.MethodPut, "/local/password", `"new password"`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set password: %d", resp.StatusCode)
	}

	resp, _ = env.do(http.MethodPost, "/login/local/password", map[string]string{"identifier": "alice", "password": password})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("old password should be rejected, got %d", resp.StatusCode)
	}
	env.loginWithPassword("alice", "new password")

	// Deleting the only factor must be refused.
	resp, body := env.do(http.MethodDelete, "/local/password", nil)
	if resp.StatusCode != http.StatusBadRequest || errorMessage(t, body) != "no other login method" {
		t.Fatalf("last-factor delete: %d %s", resp.StatusCode, body)
	}

	// With an attested key present the password may go; repeating the delete
	// stays a no-op success.
	env.seedKey(local, "strong key", models.PasskeyAttested)
	for i := 0; i < 2; i++ {
		resp, body = env.do(http.MethodDelete, "/local/password", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("delete password attempt %d: %d %s", i+1, resp.StatusCode, body)
		}
	}

	_, body = env.do(http.MethodGet, "/login?identifier=alice", nil)
	var flow struct {
		Password bool `json:"password"`
		WebAuthn bool `json:"webauthn"`
	}
	if err := json.Unmarshal(body, &flow); err != nil {
		t.Fatalf("decode flow: %v", err)
	}
	if flow.Password || !flow.WebAuthn {
		t.Fatalf("unexpected flow after password delete: %+v", flow)
	}

	// Oversized replacement passwords are rejected.
	resp, _ = env.do(http.MethodPut, "/local/password", fmt.Sprintf("%q", strings.Repeat("x", 1025)))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized password should be rejected, got %d", resp.StatusCode)
	}
}

func TestDeleteWebAuthnKeyLastFactor(t *testing.T) {
	env := newTestEnv(t, nil)

	password := "hunter2hunter2"
	_, local := env.seedLocalAccount("alice", &password)
	strong := env.seedKey(local, "strong key", models.PasskeyAttested)
	weak := env.seedKey(local, "weak key", models.PasskeyNotAttested)
	env.loginWithPassword("alice", password)

	// Clear the password so the attested key is the only login method.
	if err := env.conn.Model(&models.LocalAccount{}).Where("uuid = ?", local.UUID).Update("password", nil).Error; err != nil {
		t.Fatalf("clear password: %v", err)
	}

	resp, body := env.do(http.MethodDelete, "/local/webauthn/"+strong.UUID.String(), nil)
	if resp.StatusCode != http.StatusBadRequest || errorMessage(t, body) != "no other login method" {
		t.Fatalf("last attested key delete: %d %s", resp.StatusCode, body)
	}

	// A not-attested key is never a factor and can always be removed.
	resp, _ = env.do(http.MethodDelete, "/local/webauthn/"+weak.UUID.String(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete weak key: %d", resp.StatusCode)
	}

	// Restore a password; the attested key may now be removed.
	restored := "hunter2hunter2"
	if err := env.conn.Model(&models.LocalAccount{}).Where("uuid = ?", local.UUID).Update("password", &restored).Error; err != nil {
		t.Fatalf("restore password: %v", err)
	}
	resp, _ = env.do(http.MethodDelete, "/local/webauthn/"+strong.UUID.String(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete attested key with password present: %d", resp.StatusCode)
	}

	resp, _ = env.do(http.MethodDelete, "/local/webauthn/"+uuid.NewString(), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete unknown key should be 404, got %d", resp.StatusCode)
	}
}

func TestConcurrentFactorRemovalKeepsOneFactor(t *testing.T) {
	env := newTestEnv(t, nil)

	password := "hunter2hunter2"
	_, local := env.seedLocalAccount("alice", &password)
	strong := env.seedKey(local, "strong key", models.PasskeyAttested)
	env.loginWithPassword("alice", password)

	// Race removing the password against removing the only attested key. No
	// interleaving may leave the account without a login method.
	paths := []string{"/local/password", "/local/webauthn/" + strong.UUID.String()}
	statuses := make(chan int, len(paths))
	errs := make(chan error, len(paths))
	var wg sync.WaitGroup
	for _, path := range paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			req, errReq := http.NewRequest(http.MethodDelete, env.server.URL+path, nil)
			if errReq != nil {
				errs <- errReq
				return
			}
			resp, errDo := env.client.Do(req)
			if errDo != nil {
				errs <- errDo
				return
			}
			resp.Body.Close()
			statuses <- resp.StatusCode
		}(path)
	}
	wg.Wait()
	close(errs)
	close(statuses)
	for errReq := range errs {
		t.Fatalf("delete request failed: %v", errReq)
	}

	succeeded := 0
	for status := range statuses {
		if status == http.StatusOK {
			succeeded++
		}
	}
	if succeeded > 1 {
		t.Fatalf("both factor removals succeeded")
	}

	var freshLocal models.LocalAccount
	if err := env.conn.Where("uuid = ?", local.UUID).First(&freshLocal).Error; err != nil {
		t.Fatalf("reload local account: %v", err)
	}
	var keys []models.WebAuthnKey
	if err := env.conn.Where("local_account_uuid = ?", local.UUID).Find(&keys).Error; err != nil {
		t.Fatalf("list keys: %v", err)
	}
	hasAttested, errAttested := models.AnyAttested(keys)
	if errAttested != nil {
		t.Fatalf("classify keys: %v", errAttested)
	}
	if freshLocal.Password == nil && !hasAttested {
		t.Fatalf("account left without any login method")
	}
}

func TestWebAuthnFinishWithoutStart(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(http.MethodPost, "/login/local/finish-webauthn", "{}")
	if resp.StatusCode != http.StatusBadRequest || errorMessage(t, body) != "no ongoing challenge" {
		t.Fatalf("finish without start: %d %s", resp.StatusCode, body)
	}
}

func TestWebAuthnLoginEndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)

	password := "hunter2hunter2"
	account, _ := env.seedLocalAccount("alice", &password)
	env.loginWithPassword("alice", password)

	rp := virtualwebauthn.RelyingParty{Name: testRPID, ID: testRPID, Origin: testOrigin}
	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	// Register a key through the endpoints.
	resp, body := env.do(http.MethodPost, "/local/webauthn/register/start", map[string]string{"label": "yubikey"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register start: %d %s", resp.StatusCode, body)
	}
	regOptions, errRegOptions := virtualwebauthn.ParseAttestationOptions(publicKeyOptions(t, body))
	if errRegOptions != nil {
		t.Fatalf("parse attestation options: %v", errRegOptions)
	}
	attestationResponse := virtualwebauthn.CreateAttestationResponse(rp, authenticator, credential, *regOptions)

	resp, body = env.do(http.MethodPost, "/local/webauthn/register/finish", attestationResponse)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register finish: %d %s", resp.StatusCode, body)
	}
	var registered struct {
		UUID        uuid.UUID `json:"uuid"`
		Attestation string    `json:"attestation"`
	}
	if err := json.Unmarshal(body, &registered); err != nil {
		t.Fatalf("decode registration: %v", err)
	}
	if registered.Attestation != "not_attested" {
		t.Fatalf("virtual authenticator should register as not_attested, got %q", registered.Attestation)
	}
	authenticator.AddCredential(credential)

	// Promote the key so it can serve as a login factor.
	var key models.WebAuthnKey
	if err := env.conn.Where("uuid = ?", registered.UUID).First(&key).Error; err != nil {
		t.Fatalf("load key: %v", err)
	}
	passkey, errPasskey := key.Passkey()
	if errPasskey != nil {
		t.Fatalf("decode passkey: %v", errPasskey)
	}
	passkey.Attestation = models.PasskeyAttested
	if err := key.SetPasskey(passkey); err != nil {
		t.Fatalf("set passkey: %v", err)
	}
	if err := env.conn.Model(&models.WebAuthnKey{}).Where("uuid = ?", key.UUID).Update("key", key.Key).Error; err != nil {
		t.Fatalf("promote key: %v", err)
	}

	resp, _ = env.do(http.MethodPost, "/logout", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout: %d", resp.StatusCode)
	}

	// Log back in with the key.
	resp, body = env.do(http.MethodPost, "/login/local/start-webauthn", map[string]string{"identifier": "alice"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webauthn start: %d %s", resp.StatusCode, body)
	}
	loginOptions, errLoginOptions := virtualwebauthn.ParseAssertionOptions(publicKeyOptions(t, body))
	if errLoginOptions != nil {
		t.Fatalf("parse assertion options: %v", errLoginOptions)
	}
	assertionResponse := virtualwebauthn.CreateAssertionResponse(rp, authenticator, credential, *loginOptions)

	resp, body = env.do(http.MethodPost, "/login/local/finish-webauthn", assertionResponse)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webauthn finish: %d %s", resp.StatusCode, body)
	}

	resp, body = env.do(http.MethodGet, "/me", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/me after webauthn login: %d %s", resp.StatusCode, body)
	}
	var me struct {
		Account struct {
			UUID uuid.UUID `json:"uuid"`
		} `json:"account"`
	}
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatalf("decode /me: %v", err)
	}
	if me.Account.UUID != account.UUID {
		t.Fatalf("logged in as wrong account: %s", me.Account.UUID)
	}

	// The challenge is single use.
	resp, body = env.do(http.MethodPost, "/login/local/finish-webauthn", assertionResponse)
	if resp.StatusCode != http.StatusBadRequest || errorMessage(t, body) != "no ongoing challenge" {
		t.Fatalf("replayed finish: %d %s", resp.StatusCode, body)
	}
}

func TestWebAuthnStartWithoutAttestedKeys(t *testing.T) {
	env := newTestEnv(t, nil)

	password := "hunter2hunter2"
	_, local := env.seedLocalAccount("alice", &password)
	env.seedKey(local, "weak key", models.PasskeyNotAttested)

	resp, body := env.do(http.MethodPost, "/login/local/start-webauthn", map[string]string{"identifier": "alice"})
	if resp.StatusCode != http.StatusBadRequest || errorMessage(t, body) != "login failed" {
		t.Fatalf("start without attested keys: %d %s", resp.StatusCode, body)
	}

	resp, body = env.do(http.MethodPost, "/login/local/start-webauthn", map[string]string{"identifier": "nobody"})
	if resp.StatusCode != http.StatusBadRequest || errorMessage(t, body) != "login failed" {
		t.Fatalf("start for unknown identifier: %d %s", resp.StatusCode, body)
	}
}

func TestTotpEnrollment(t *testing.T) {
	env := newTestEnv(t, nil)

	password := "hunter2hunter2"
	env.seedLocalAccount("alice", &password)
	env.loginWithPassword("alice", password)

	resp, body := env.do(http.MethodPost, "/local/totp/confirm", map[string]string{"code": "000000"})
	if resp.StatusCode != http.StatusBadRequest || errorMessage(t, body) != "no ongoing challenge" {
		t.Fatalf("confirm without prepare: %d %s", resp.StatusCode, body)
	}

	resp, body = env.do(http.MethodPost, "/local/totp/prepare", map[string]string{"label": "phone"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("prepare: %d %s", resp.StatusCode, body)
	}
	var prepared struct {
		Secret string `json:"secret"`
		URL    string `json:"url"`
	}
	if err := json.Unmarshal(body, &prepared); err != nil {
		t.Fatalf("decode prepare response: %v", err)
	}
	if prepared.Secret == "" || !strings.HasPrefix(prepared.URL, "otpauth://totp/") {
		t.Fatalf("unexpected prepare response: %+v", prepared)
	}

	// A wrong code consumes the enrollment.
	resp, body = env.do(http.MethodPost, "/local/totp/confirm", map[string]string{"code": "000000"})
	if resp.StatusCode != http.StatusBadRequest || errorMessage(t, body) != "invalid code" {
		t.Fatalf("confirm with bad code: %d %s", resp.StatusCode, body)
	}
	resp, body = env.do(http.MethodPost, "/local/totp/confirm", map[string]string{"code": "000000"})
	if resp.StatusCode != http.StatusBadRequest || errorMessage(t, body) != "no ongoing challenge" {
		t.Fatalf("enrollment should be consumed: %d %s", resp.StatusCode, body)
	}

	resp, body = env.do(http.MethodGet, "/local/totp", nil)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("expected empty key list: %d %s", resp.StatusCode, body)
	}
}

// fakeIdP is a minimal OIDC provider for callback tests.
type fakeIdP struct {
	t      *testing.T
	server *httptest.Server
	key    *rsa.PrivateKey

	nonce   string
	subject string
	claims  map[string]any

	tokenCalls int
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate idp key: %v", err)
	}
	idp := &fakeIdP{t: t, key: key, subject: "sub-alice", claims: map[string]any{}}
	idp.server = httptest.NewServer(http.HandlerFunc(idp.handle))
	t.Cleanup(idp.server.Close)
	return idp
}

func (idp *fakeIdP) handle(w http.ResponseWriter, r *http.Request) {
	writeJSON := func(body any) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(body); err != nil {
			idp.t.Errorf("encode idp response: %v", err)
		}
	}
	switch r.URL.Path {
	case "/.well-known/openid-configuration":
		writeJSON(map[string]any{
			"issuer":                                idp.server.URL,
			"authorization_endpoint":                idp.server.URL + "/auth",
			"token_endpoint":                        idp.server.URL + "/token",
			"jwks_uri":                              idp.server.URL + "/keys",
			"response_types_supported":              []string{"code"},
			"subject_types_supported":               []string{"public"},
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	case "/keys":
		writeJSON(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: &idp.key.PublicKey, KeyID: "test-key", Algorithm: "RS256", Use: "sig",
		}}})
	case "/token":
		idp.tokenCalls++
		writeJSON(map[string]any{
			"access_token": "access-token-123",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     idp.signIDToken(),
		})
	default:
		http.NotFound(w, r)
	}
}

func (idp *fakeIdP) signIDToken() string {
	now := time.Now()
	sum := sha256.Sum256([]byte("access-token-123"))
	claims := map[string]any{
		"iss":     idp.server.URL,
		"sub":     idp.subject,
		"aud":     "idgate",
		"exp":     now.Add(time.Hour).Unix(),
		"iat":     now.Unix(),
		"nonce":   idp.nonce,
		"at_hash": base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]),
	}
	for name, value := range idp.claims {
		claims[name] = value
	}
	payload, errMarshal := json.Marshal(claims)
	if errMarshal != nil {
		idp.t.Fatalf("marshal claims: %v", errMarshal)
	}
	signer, errSigner := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: idp.key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "test-key"),
	)
	if errSigner != nil {
		idp.t.Fatalf("build signer: %v", errSigner)
	}
	object, errSign := signer.Sign(payload)
	if errSign != nil {
		idp.t.Fatalf("sign id_token: %v", errSign)
	}
	serialized, errSerialize := object.CompactSerialize()
	if errSerialize != nil {
		idp.t.Fatalf("serialize id_token: %v", errSerialize)
	}
	return serialized
}

func (env *testEnv) oidcLogin(idp *fakeIdP) {
	env.t.Helper()

	resp, body := env.do(http.MethodPost, "/login/oidc/start", nil)
	if resp.StatusCode != http.StatusTemporaryRedirect {
		env.t.Fatalf("oidc start: %d %s", resp.StatusCode, body)
	}
	location, errParse := url.Parse(resp.Header.Get("Location"))
	if errParse != nil {
		env.t.Fatalf("parse redirect: %v", errParse)
	}
	query := location.Query()
	if query.Get("code_challenge") == "" || query.Get("nonce") == "" {
		env.t.Fatalf("auth url missing pkce or nonce: %s", location)
	}
	idp.nonce = query.Get("nonce")

	finishURL := fmt.Sprintf("/login/oidc/finish?code=authcode&state=%s", url.QueryEscape(query.Get("state")))
	resp, body = env.do(http.MethodGet, finishURL, nil)
	if resp.StatusCode != http.StatusTemporaryRedirect || resp.Header.Get("Location") != "/" {
		env.t.Fatalf("oidc finish: %d %s", resp.StatusCode, body)
	}
}

func TestOidcLoginEndToEnd(t *testing.T) {
	idp := newFakeIdP(t)
	idp.claims["preferred_username"] = "alice"

	oidcClient, errDiscover := security.DiscoverOIDC(t.Context(), config.OIDCConfig{
		IssuerURL:    idp.server.URL,
		ClientID:     "idgate",
		ClientSecret: "shhh",
		RedirectURL:  "https://app.example.com/login/oidc/finish",
	})
	if errDiscover != nil {
		t.Fatalf("DiscoverOIDC returned error: %v", errDiscover)
	}
	env := newTestEnv(t, oidcClient)

	env.oidcLogin(idp)

	resp, body := env.do(http.MethodGet, "/me", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/me after oidc login: %d %s", resp.StatusCode, body)
	}
	var me struct {
		Account struct {
			UUID       uuid.UUID `json:"uuid"`
			Identifier string    `json:"identifier"`
		} `json:"account"`
	}
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatalf("decode /me: %v", err)
	}
	if me.Account.Identifier != "alice" {
		t.Fatalf("unexpected identifier: %q", me.Account.Identifier)
	}
	firstUUID := me.Account.UUID

	// Same (issuer, subject) resolves to the same account.
	env.oidcLogin(idp)
	_, body = env.do(http.MethodGet, "/me", nil)
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatalf("decode /me: %v", err)
	}
	if me.Account.UUID != firstUUID {
		t.Fatalf("expected same account on repeat login")
	}

	// A different subject becomes a distinct account.
	idp.subject = "sub-bob"
	idp.claims["preferred_username"] = "bob"
	env.oidcLogin(idp)
	_, body = env.do(http.MethodGet, "/me", nil)
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatalf("decode /me: %v", err)
	}
	if me.Account.UUID == firstUUID || me.Account.Identifier != "bob" {
		t.Fatalf("expected distinct account, got %+v", me)
	}

	// The callback challenge is single use.
	resp, body = env.do(http.MethodGet, "/login/oidc/finish?code=x&state=y", nil)
	if resp.StatusCode != http.StatusBadRequest || errorMessage(t, body) != "no ongoing challenge" {
		t.Fatalf("replayed callback: %d %s", resp.StatusCode, body)
	}
}

func TestOidcForgedStateNeverExchanged(t *testing.T) {
	idp := newFakeIdP(t)
	oidcClient, errDiscover := security.DiscoverOIDC(t.Context(), config.OIDCConfig{
		IssuerURL:    idp.server.URL,
		ClientID:     "idgate",
		ClientSecret: "shhh",
		RedirectURL:  "https://app.example.com/login/oidc/finish",
	})
	if errDiscover != nil {
		t.Fatalf("DiscoverOIDC returned error: %v", errDiscover)
	}
	env := newTestEnv(t, oidcClient)

	resp, _ := env.do(http.MethodPost, "/login/oidc/start", nil)
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("oidc start: %d", resp.StatusCode)
	}

	resp, body := env.do(http.MethodGet, "/login/oidc/finish?code=authcode&state=forged", nil)
	if resp.StatusCode != http.StatusBadRequest || errorMessage(t, body) != "login failed" {
		t.Fatalf("forged state: %d %s", resp.StatusCode, body)
	}
	if idp.tokenCalls != 0 {
		t.Fatalf("code exchanged despite forged state")
	}
}

func TestOidcOversizedIdentityRejected(t *testing.T) {
	idp := newFakeIdP(t)
	idp.claims["preferred_username"] = strings.Repeat("x", 300)

	oidcClient, errDiscover := security.DiscoverOIDC(t.Context(), config.OIDCConfig{
		IssuerURL:    idp.server.URL,
		ClientID:     "idgate",
		ClientSecret: "shhh",
		RedirectURL:  "https://app.example.com/login/oidc/finish",
	})
	if errDiscover != nil {
		t.Fatalf("DiscoverOIDC returned error: %v", errDiscover)
	}
	env := newTestEnv(t, oidcClient)

	resp, body := env.do(http.MethodPost, "/login/oidc/start", nil)
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("oidc start: %d %s", resp.StatusCode, body)
	}
	location, errParse := url.Parse(resp.Header.Get("Location"))
	if errParse != nil {
		t.Fatalf("parse redirect: %v", errParse)
	}
	query := location.Query()
	idp.nonce = query.Get("nonce")

	// An identifier wider than the column is a provider problem, not a client
	// one, and must not reach the insert.
	finishURL := fmt.Sprintf("/login/oidc/finish?code=authcode&state=%s", url.QueryEscape(query.Get("state")))
	resp, _ = env.do(http.MethodGet, finishURL, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("oversized identity: %d", resp.StatusCode)
	}

	var count int64
	if err := env.conn.Model(&models.Account{}).Count(&count).Error; err != nil {
		t.Fatalf("count accounts: %v", err)
	}
	if count != 0 {
		t.Fatalf("account created despite oversized identity")
	}
}

func TestOidcUnavailableWhenNotConfigured(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do(http.MethodPost, "/login/oidc/start", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("oidc start without config: %d", resp.StatusCode)
	}
	resp, _ = env.do(http.MethodGet, "/login/oidc/finish?code=x&state=y", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("oidc finish without config: %d", resp.StatusCode)
	}
}
