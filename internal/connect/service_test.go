package connect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/keybridge/internal/connect/state"
	"github.com/dropDatabas3/keybridge/internal/metrics"
	"github.com/dropDatabas3/keybridge/internal/security/secretbox"
	"github.com/dropDatabas3/keybridge/internal/store/core"
	"github.com/dropDatabas3/keybridge/internal/store/memory"
)

// tokenServer simula el token endpoint de un proveedor estilo Notion:
// credenciales por HTTP Basic, respuesta JSON.
func tokenServer(t *testing.T, wantBasic bool, resp TokenResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantBasic {
			user, pass, ok := r.BasicAuth()
			if !ok || user != "client-id" || pass != "client-secret" {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(TokenResponse{Error: "invalid_client"})
				return
			}
		} else {
			require.NoError(t, r.ParseForm())
			require.Equal(t, "client-id", r.PostForm.Get("client_id"))
			require.Equal(t, "client-secret", r.PostForm.Get("client_secret"))
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func newConnectService(t *testing.T, tokenURL string, style AuthStyle) (*Service, *memory.Store) {
	t.Helper()
	box, err := secretbox.NewFromSecret("connect-test-secret", "test")
	require.NoError(t, err)
	st := memory.New()

	providers := map[string]ProviderConfig{
		"notion": {
			ID:              "notion",
			DisplayName:     "Notion",
			AuthorizeURL:    "https://example.test/authorize",
			TokenURL:        tokenURL,
			AuthStyle:       style,
			ExtraAuthParams: map[string]string{"owner": "user"},
			Capabilities:    []string{"pages.read"},
		},
	}
	svc := NewService(Deps{
		Integrations: st.Integrations(),
		Box:          box,
		States:       state.NewMemory(),
		Credentials: map[string]ClientCredentials{
			"notion": {ClientID: "client-id", ClientSecret: "client-secret"},
		},
		Providers: providers,
	})
	return svc, st
}

func TestOAuthFlow_EndToEnd(t *testing.T) {
	// Escenario completo: begin -> callback con el state emitido -> conexión
	// persistida con el token cifrado.
	t.Parallel()
	srv := tokenServer(t, true, TokenResponse{
		AccessToken:   "tok123",
		ExpiresIn:     3600,
		WorkspaceID:   "ws-1",
		WorkspaceName: "Acme",
	})
	defer srv.Close()

	svc, st := newConnectService(t, srv.URL, AuthStyleBasic)
	ctx := context.Background()

	start, err := svc.BeginAuthorization(ctx, "u1", "notion", "https://app.test/callback")
	require.NoError(t, err)
	require.NotEmpty(t, start.State)

	// La URL lleva client_id, redirect, state y el owner=user de Notion.
	u, err := url.Parse(start.AuthURL)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, "client-id", q.Get("client_id"))
	require.Equal(t, "https://app.test/callback", q.Get("redirect_uri"))
	require.Equal(t, start.State, q.Get("state"))
	require.Equal(t, "user", q.Get("owner"))

	in, err := svc.HandleCallback(ctx, "mock-code", start.State, "")
	require.NoError(t, err)
	require.True(t, in.IsConnected())
	require.Equal(t, "ws-1", in.WorkspaceID)

	// El token quedó cifrado en el store y descifra al valor original.
	stored, err := st.Integrations().Get(ctx, "u1", "notion")
	require.NoError(t, err)
	require.NotEqual(t, "tok123", stored.EncryptedAccessToken)

	plain, err := svc.GetValidAccessToken(ctx, "u1", "notion")
	require.NoError(t, err)
	require.Equal(t, "tok123", plain)
}

func TestHandleCallback_StateInvalid(t *testing.T) {
	t.Parallel()
	svc, st := newConnectService(t, "http://unused.test", AuthStyleBasic)
	ctx := context.Background()

	// Nunca emitido.
	_, err := svc.HandleCallback(ctx, "code", "never-issued", "")
	require.ErrorIs(t, err, ErrStateInvalid)

	// Ya consumido: segundo callback con el mismo nonce.
	srv := tokenServer(t, true, TokenResponse{AccessToken: "tok123"})
	defer srv.Close()
	svc2, _ := newConnectService(t, srv.URL, AuthStyleBasic)

	start, err := svc2.BeginAuthorization(ctx, "u1", "notion", "https://app.test/cb")
	require.NoError(t, err)
	_, err = svc2.HandleCallback(ctx, "code", start.State, "")
	require.NoError(t, err)
	_, err = svc2.HandleCallback(ctx, "code", start.State, "")
	require.ErrorIs(t, err, ErrStateInvalid)

	// Un state inválido jamás crea registro.
	_, err = st.Integrations().Get(ctx, "u1", "notion")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestHandleCallback_ProviderErrorAndMissingCode(t *testing.T) {
	t.Parallel()
	svc, _ := newConnectService(t, "http://unused.test", AuthStyleBasic)
	ctx := context.Background()

	// Error del proveedor: falla inmediata, el state ni se toca.
	start, err := svc.BeginAuthorization(ctx, "u1", "notion", "https://app.test/cb")
	require.NoError(t, err)
	_, err = svc.HandleCallback(ctx, "", start.State, "access_denied")
	require.ErrorIs(t, err, ErrProviderDenied)

	// Sin code: el state sí se consumió.
	_, err = svc.HandleCallback(ctx, "", start.State, "")
	require.ErrorIs(t, err, ErrMissingCode)
	_, err = svc.HandleCallback(ctx, "code", start.State, "")
	require.ErrorIs(t, err, ErrStateInvalid)
}

func TestHandleCallback_ExchangeRejected(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(TokenResponse{Error: "invalid_grant", ErrorDesc: "code expired"})
	}))
	defer srv.Close()

	svc, st := newConnectService(t, srv.URL, AuthStyleBasic)
	ctx := context.Background()

	start, err := svc.BeginAuthorization(ctx, "u1", "notion", "https://app.test/cb")
	require.NoError(t, err)
	_, err = svc.HandleCallback(ctx, "stale-code", start.State, "")
	require.ErrorIs(t, err, ErrExchangeFailed)

	_, err = st.Integrations().Get(ctx, "u1", "notion")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestGetValidAccessToken_SilentRefresh(t *testing.T) {
	t.Parallel()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		calls++
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			json.NewEncoder(w).Encode(TokenResponse{
				AccessToken: "tok-old", RefreshToken: "ref-1", ExpiresIn: 1,
			})
		case "refresh_token":
			require.Equal(t, "ref-1", r.PostForm.Get("refresh_token"))
			json.NewEncoder(w).Encode(TokenResponse{
				AccessToken: "tok-new", RefreshToken: "ref-2", ExpiresIn: 3600,
			})
		default:
			t.Errorf("unexpected grant_type %q", r.PostForm.Get("grant_type"))
		}
	}))
	defer srv.Close()

	svc, st := newConnectService(t, srv.URL, AuthStyleForm)
	ctx := context.Background()

	start, err := svc.BeginAuthorization(ctx, "u1", "notion", "https://app.test/cb")
	require.NoError(t, err)
	_, err = svc.HandleCallback(ctx, "code", start.State, "")
	require.NoError(t, err)

	// Expira el access token (ExpiresIn=1).
	time.Sleep(1100 * time.Millisecond)

	plain, err := svc.GetValidAccessToken(ctx, "u1", "notion")
	require.NoError(t, err)
	require.Equal(t, "tok-new", plain)

	// Los tokens nuevos quedaron cifrados y el refresh rotó a ref-2.
	stored, err := st.Integrations().Get(ctx, "u1", "notion")
	require.NoError(t, err)
	dec, err := svc.deps.Box.Decrypt(stored.EncryptedRefreshToken)
	require.NoError(t, err)
	require.Equal(t, "ref-2", dec)

	// El siguiente pedido sale del store, sin otro round-trip.
	before := calls
	plain, err = svc.GetValidAccessToken(ctx, "u1", "notion")
	require.NoError(t, err)
	require.Equal(t, "tok-new", plain)
	require.Equal(t, before, calls)
}

func TestGetValidAccessToken_ExpiredWithoutRefresh(t *testing.T) {
	t.Parallel()
	srv := tokenServer(t, true, TokenResponse{AccessToken: "tok123", ExpiresIn: 1})
	defer srv.Close()

	svc, _ := newConnectService(t, srv.URL, AuthStyleBasic)
	ctx := context.Background()

	start, err := svc.BeginAuthorization(ctx, "u1", "notion", "https://app.test/cb")
	require.NoError(t, err)
	_, err = svc.HandleCallback(ctx, "code", start.State, "")
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	_, err = svc.GetValidAccessToken(ctx, "u1", "notion")
	require.ErrorIs(t, err, ErrReauthRequired)
}

func TestGetValidAccessToken_DecryptFailureIsCounted(t *testing.T) {
	// Token almacenado que no autentica contra la clave maestra del proceso:
	// el servicio falla con ErrDecrypt e incrementa el contador de seguridad.
	// Sin t.Parallel: el contador es global al proceso.
	svc, st := newConnectService(t, "http://unused.test", AuthStyleBasic)
	ctx := context.Background()

	foreignBox, err := secretbox.NewFromSecret("another-master-key", "test")
	require.NoError(t, err)
	blob, err := foreignBox.Encrypt("tok-foreign")
	require.NoError(t, err)
	require.NoError(t, st.Integrations().Upsert(ctx, &core.Integration{
		UserID:               "u1",
		IntegrationID:        "notion",
		Status:               core.StatusConnected,
		EncryptedAccessToken: blob,
	}))

	before := testutil.ToFloat64(metrics.DecryptFailures)

	_, err = svc.GetValidAccessToken(ctx, "u1", "notion")
	require.ErrorIs(t, err, secretbox.ErrDecrypt)
	require.Equal(t, before+1, testutil.ToFloat64(metrics.DecryptFailures))
}

func TestDisconnect_RetainsRecord(t *testing.T) {
	t.Parallel()
	srv := tokenServer(t, true, TokenResponse{AccessToken: "tok123", ExpiresIn: 3600})
	defer srv.Close()

	svc, st := newConnectService(t, srv.URL, AuthStyleBasic)
	ctx := context.Background()

	start, err := svc.BeginAuthorization(ctx, "u1", "notion", "https://app.test/cb")
	require.NoError(t, err)
	_, err = svc.HandleCallback(ctx, "code", start.State, "")
	require.NoError(t, err)

	require.NoError(t, svc.Disconnect(ctx, "u1", "notion"))

	stored, err := st.Integrations().Get(ctx, "u1", "notion")
	require.NoError(t, err)
	require.Equal(t, core.StatusDisconnected, stored.Status)
	require.Empty(t, stored.EncryptedAccessToken)
	require.Empty(t, stored.EncryptedRefreshToken)
	require.Equal(t, "Notion", stored.DisplayName, "la metadata sobrevive a la desconexión")

	_, err = svc.GetValidAccessToken(ctx, "u1", "notion")
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestIntegrationJSON_NeverExposesTokens(t *testing.T) {
	t.Parallel()
	in := &core.Integration{
		IntegrationID:         "notion",
		Status:                core.StatusConnected,
		EncryptedAccessToken:  "v1|blob",
		EncryptedRefreshToken: "v1|blob2",
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "blob")
	require.NotContains(t, string(raw), "token_expires")
}

func TestMemoryState_SingleUseAndUnknown(t *testing.T) {
	t.Parallel()
	st := state.NewMemory()
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "n1", state.Flow{UserID: "u1", IntegrationID: "notion"}))

	f, ok, err := st.TakeIfValid(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u1", f.UserID)

	// Segundo take del mismo nonce: consumido.
	_, ok, err = st.TakeIfValid(ctx, "n1")
	require.NoError(t, err)
	require.False(t, ok)

	// Nonce jamás emitido.
	_, ok, err = st.TakeIfValid(ctx, "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNewNonce_Unique(t *testing.T) {
	t.Parallel()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		n, err := state.NewNonce()
		require.NoError(t, err)
		require.False(t, seen[n], "nonce repetido: %s", n)
		seen[n] = true
	}
}
