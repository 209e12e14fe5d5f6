package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/keybridge/internal/auth"
	"github.com/dropDatabas3/keybridge/internal/connect"
	"github.com/dropDatabas3/keybridge/internal/connect/state"
	"github.com/dropDatabas3/keybridge/internal/rate"
	"github.com/dropDatabas3/keybridge/internal/security/secretbox"
	"github.com/dropDatabas3/keybridge/internal/store/core"
	"github.com/dropDatabas3/keybridge/internal/store/memory"
	"github.com/dropDatabas3/keybridge/internal/token"
	"github.com/dropDatabas3/keybridge/internal/vault"
)

type stubVerifier struct{ fail error }

func (s *stubVerifier) Provider() string { return "openai" }
func (s *stubVerifier) Verify(context.Context, string) (*vault.VerifyResult, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	return &vault.VerifyResult{Models: []string{"gpt-4o"}}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *stubVerifier, *memory.Store) {
	t.Helper()
	st := memory.New()
	box, err := secretbox.NewFromSecret("router-test-secret", "test")
	require.NoError(t, err)

	tokens := token.NewService(token.Deps{
		Users:     st.Users(),
		Secret:    []byte("router-test-jwt"),
		Issuer:    "keybridge-test",
		AccessTTL: 15 * time.Minute,
	})
	authSvc := auth.NewService(auth.Deps{
		Users:  st.Users(),
		Tokens: tokens,
	})
	sv := &stubVerifier{}
	vaultSvc := vault.NewService(vault.Deps{
		Keys:      st.Keys(),
		Box:       box,
		Verifiers: vault.NewRegistry(sv),
	})
	connectSvc := connect.NewService(connect.Deps{
		Integrations: st.Integrations(),
		Box:          box,
		States:       state.NewMemory(),
		Credentials:  map[string]connect.ClientCredentials{},
	})

	mux := NewRouter(RouterDeps{
		Auth:          NewAuthHandler(authSvc, tokens),
		Keys:          NewKeysHandler(vaultSvc),
		Connect:       NewConnectHandler(connectSvc),
		Tokens:        tokens,
		Store:         st,
		LoginLimiter:  rate.NewMemoryLimiter(100, time.Minute),
		ForgotLimiter: rate.NewMemoryLimiter(100, time.Minute),
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, sv, st
}

func postJSON(t *testing.T, url, bearer string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestRouter_RegisterLoginRefreshReplay(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	resp, _ := postJSON(t, srv.URL+"/v1/auth/register", "", map[string]string{
		"email": "ada@example.com", "password": "hunter2hunter2", "name": "Ada",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := postJSON(t, srv.URL+"/v1/auth/login", "", map[string]string{
		"email": "ada@example.com", "password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	access, _ := body["access_token"].(string)
	refresh, _ := body["refresh_token"].(string)
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)

	// El access token autentica /me.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	meResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	meResp.Body.Close()
	require.Equal(t, http.StatusOK, meResp.StatusCode)

	// Rotación.
	resp, body = postJSON(t, srv.URL+"/v1/auth/refresh", "", map[string]string{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEqual(t, refresh, body["refresh_token"])

	// Replay del refresh viejo: reuso, 401 con código propio.
	resp, body = postJSON(t, srv.URL+"/v1/auth/refresh", "", map[string]string{"refresh_token": refresh})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "refresh_reuse_detected", body["error"])
}

func TestRouter_LockoutReturns423(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	resp, _ := postJSON(t, srv.URL+"/v1/auth/register", "", map[string]string{
		"email": "bob@example.com", "password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	for i := 0; i < 5; i++ {
		resp, _ = postJSON(t, srv.URL+"/v1/auth/login", "", map[string]string{
			"email": "bob@example.com", "password": "wrongpass1",
		})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "attempt %d", i+1)
	}

	resp, body := postJSON(t, srv.URL+"/v1/auth/login", "", map[string]string{
		"email": "bob@example.com", "password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusLocked, resp.StatusCode)
	require.Equal(t, "account_locked", body["error"])
}

func TestRouter_KeysLifecycle(t *testing.T) {
	t.Parallel()
	srv, sv, _ := newTestServer(t)

	_, _ = postJSON(t, srv.URL+"/v1/auth/register", "", map[string]string{
		"email": "kim@example.com", "password": "hunter2hunter2",
	})
	_, body := postJSON(t, srv.URL+"/v1/auth/login", "", map[string]string{
		"email": "kim@example.com", "password": "hunter2hunter2",
	})
	access := body["access_token"].(string)

	// Sin token: 401.
	resp, _ := postJSON(t, srv.URL+"/v1/keys/openai/test", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Guardar una key válida.
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/v1/keys/openai",
		bytes.NewReader([]byte(`{"key":"sk-routertest0001","label":"ci"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+access)
	saveResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var saved map[string]any
	require.NoError(t, json.NewDecoder(saveResp.Body).Decode(&saved))
	saveResp.Body.Close()
	require.Equal(t, http.StatusOK, saveResp.StatusCode)
	require.Equal(t, "sk-route...", saved["key_prefix"])
	// El secreto no aparece en ningún campo del response.
	rawSaved, _ := json.Marshal(saved)
	require.NotContains(t, string(rawSaved), "sk-routertest0001")

	// Una key que el proveedor rechaza: 422 y no pisa la anterior.
	sv.fail = vault.ErrInvalidKey
	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/v1/keys/openai",
		bytes.NewReader([]byte(`{"key":"sk-badbadbad00001"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+access)
	badResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	badResp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, badResp.StatusCode)
}

func TestRouter_CallbackWithBogusState(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/integrations/callback?code=x&state=forged")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "oauth_state_invalid", body["error"])
}

func TestRouter_IntegrationDetail(t *testing.T) {
	t.Parallel()
	srv, _, st := newTestServer(t)

	_, _ = postJSON(t, srv.URL+"/v1/auth/register", "", map[string]string{
		"email": "eve@example.com", "password": "hunter2hunter2",
	})
	_, body := postJSON(t, srv.URL+"/v1/auth/login", "", map[string]string{
		"email": "eve@example.com", "password": "hunter2hunter2",
	})
	access := body["access_token"].(string)
	u, err := st.Users().GetByEmail(context.Background(), "eve@example.com")
	require.NoError(t, err)

	get := func() (*http.Response, string) {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/integrations/notion", nil)
		req.Header.Set("Authorization", "Bearer "+access)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		raw := new(bytes.Buffer)
		_, _ = raw.ReadFrom(resp.Body)
		resp.Body.Close()
		return resp, raw.String()
	}

	// Sin conexión: 404 con código propio.
	resp, raw := get()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Contains(t, raw, "not_connected")

	// Con conexión persistida: 200 y los blobs jamás viajan.
	require.NoError(t, st.Integrations().Upsert(context.Background(), &core.Integration{
		UserID:               u.ID,
		IntegrationID:        "notion",
		DisplayName:          "Notion",
		Status:               core.StatusConnected,
		EncryptedAccessToken: "v1|detailblob|x",
	}))
	resp, raw = get()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, raw, `"notion"`)
	require.NotContains(t, raw, "detailblob")
}

func TestRouter_Health(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
