// Package connect implementa el flujo OAuth2 authorization-code contra
// múltiples proveedores externos y el ciclo de vida de la conexión
// resultante: tokens cifrados en reposo, refresh silencioso y desconexión.
package connect

// AuthStyle indica cómo el token endpoint del proveedor espera las
// credenciales del cliente. Notion exige HTTP Basic con client_id:secret en
// base64; GitHub, Google y Atlassian las quieren en el body del form. Este
// branching por proveedor es necesario y va en la tabla, no en if/else.
type AuthStyle string

const (
	AuthStyleBasic AuthStyle = "basic"
	AuthStyleForm  AuthStyle = "form"
)

// ProviderConfig es la configuración estática de un proveedor. Agregar un
// proveedor es agregar una entrada, no tocar el código del exchange.
type ProviderConfig struct {
	ID          string
	DisplayName string

	AuthorizeURL string
	TokenURL     string
	AuthStyle    AuthStyle
	Scopes       []string

	// ExtraAuthParams viajan en la URL de autorización (ej. Notion exige
	// owner=user, Google access_type=offline para recibir refresh token).
	ExtraAuthParams map[string]string

	// HealthURL es el GET mínimo para TestConnection, con Bearer token.
	HealthURL     string
	HealthHeaders map[string]string

	// Capabilities que esta integración habilita al conectar.
	Capabilities []string
}

var builtinProviders = map[string]ProviderConfig{
	"notion": {
		ID:              "notion",
		DisplayName:     "Notion",
		AuthorizeURL:    "https://api.notion.com/v1/oauth/authorize",
		TokenURL:        "https://api.notion.com/v1/oauth/token",
		AuthStyle:       AuthStyleBasic,
		ExtraAuthParams: map[string]string{"owner": "user"},
		HealthURL:       "https://api.notion.com/v1/users/me",
		HealthHeaders:   map[string]string{"Notion-Version": "2022-06-28"},
		Capabilities:    []string{"pages.read", "pages.write", "databases.read"},
	},
	"github": {
		ID:           "github",
		DisplayName:  "GitHub",
		AuthorizeURL: "https://github.com/login/oauth/authorize",
		TokenURL:     "https://github.com/login/oauth/access_token",
		AuthStyle:    AuthStyleForm,
		Scopes:       []string{"repo", "read:user"},
		HealthURL:    "https://api.github.com/user",
		Capabilities: []string{"repos.read", "repos.write", "issues.write"},
	},
	"atlassian": {
		ID:           "atlassian",
		DisplayName:  "Atlassian",
		AuthorizeURL: "https://auth.atlassian.com/authorize",
		TokenURL:     "https://auth.atlassian.com/oauth/token",
		AuthStyle:    AuthStyleForm,
		Scopes:       []string{"read:jira-work", "write:jira-work", "offline_access"},
		ExtraAuthParams: map[string]string{
			"audience": "api.atlassian.com",
			"prompt":   "consent",
		},
		HealthURL:    "https://api.atlassian.com/me",
		Capabilities: []string{"issues.read", "issues.write"},
	},
	"google": {
		ID:           "google",
		DisplayName:  "Google",
		AuthorizeURL: "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:     "https://oauth2.googleapis.com/token",
		AuthStyle:    AuthStyleForm,
		Scopes: []string{
			"https://www.googleapis.com/auth/calendar.readonly",
			"https://www.googleapis.com/auth/drive.readonly",
		},
		ExtraAuthParams: map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		},
		HealthURL:    "https://www.googleapis.com/oauth2/v3/userinfo",
		Capabilities: []string{"calendar.read", "drive.read"},
	},
}

// BuiltinProviders devuelve una copia de la tabla estática.
func BuiltinProviders() map[string]ProviderConfig {
	out := make(map[string]ProviderConfig, len(builtinProviders))
	for k, v := range builtinProviders {
		out[k] = v
	}
	return out
}
