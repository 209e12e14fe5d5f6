// Package config carga la configuración desde YAML con overrides por
// variables de entorno para todo lo que es secreto (signing key, encryption
// key, credenciales OAuth, SMTP).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env  string `yaml:"env"`
		Name string `yaml:"name"`
	} `yaml:"app"`

	Server struct {
		Addr               string   `yaml:"addr"`
		CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
		ShutdownTimeout    string   `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Storage struct {
		// memory | postgres
		Driver   string `yaml:"driver"`
		Postgres struct {
			DSN          string `yaml:"dsn"`
			MaxOpenConns int    `yaml:"max_open_conns"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	Redis struct {
		// Habilita el state store y el rate limiter compartidos.
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
		DB      int    `yaml:"db"`
		Prefix  string `yaml:"prefix"`
	} `yaml:"redis"`

	JWT struct {
		// Secret viene de JWT_SECRET; el valor en YAML es solo para dev.
		Secret     string        `yaml:"secret"`
		Issuer     string        `yaml:"issuer"`
		AccessTTL  time.Duration `yaml:"access_ttl"`
		RefreshTTL time.Duration `yaml:"refresh_ttl"`
	} `yaml:"jwt"`

	Encryption struct {
		// Secret viene de ENCRYPTION_SECRET.
		Secret string `yaml:"secret"`
	} `yaml:"encryption"`

	Auth struct {
		MaxLoginAttempts int           `yaml:"max_login_attempts"`
		LockDuration     time.Duration `yaml:"lock_duration"`
		VerifyTTL        time.Duration `yaml:"verify_ttl"`
		ResetTTL         time.Duration `yaml:"reset_ttl"`
	} `yaml:"auth"`

	Rate struct {
		Enabled bool     `yaml:"enabled"`
		Login   RateRule `yaml:"login"`
		Forgot  RateRule `yaml:"forgot"`
		Global  RateRule `yaml:"global"`
		// Window es la ventana default para las reglas que no declaran una.
		Window time.Duration `yaml:"window"`
	} `yaml:"rate"`

	Email struct {
		Enabled  bool   `yaml:"enabled"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
		BaseURL  string `yaml:"base_url"`
		TLSMode  string `yaml:"tls_mode"`
	} `yaml:"email"`

	// Providers son las credenciales OAuth de la app por integración.
	// Los secretos vienen de OAUTH_<ID>_CLIENT_SECRET.
	Providers map[string]ProviderCreds `yaml:"providers"`
}

type RateRule struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type ProviderCreds struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Load lee el YAML, aplica defaults y pisa los secretos con el entorno.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	c.applyDefaults()
	c.applyEnv()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.Name == "" {
		c.App.Name = "keybridge"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "15s"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "keybridge"
	}
	if c.JWT.AccessTTL == 0 {
		c.JWT.AccessTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTTL == 0 {
		c.JWT.RefreshTTL = 14 * 24 * time.Hour
	}
	if c.Auth.MaxLoginAttempts == 0 {
		c.Auth.MaxLoginAttempts = 5
	}
	if c.Auth.LockDuration == 0 {
		c.Auth.LockDuration = 2 * time.Hour
	}
	if c.Auth.VerifyTTL == 0 {
		c.Auth.VerifyTTL = 24 * time.Hour
	}
	if c.Auth.ResetTTL == 0 {
		c.Auth.ResetTTL = time.Hour
	}
	if c.Rate.Window == 0 {
		c.Rate.Window = time.Minute
	}
	if c.Rate.Login.Limit == 0 {
		c.Rate.Login = RateRule{Limit: 10, Window: time.Minute}
	}
	if c.Rate.Forgot.Limit == 0 {
		c.Rate.Forgot = RateRule{Limit: 5, Window: 10 * time.Minute}
	}
	if c.Rate.Global.Limit == 0 {
		c.Rate.Global = RateRule{Limit: 120, Window: time.Minute}
	}
	for _, r := range []*RateRule{&c.Rate.Login, &c.Rate.Forgot, &c.Rate.Global} {
		if r.Window == 0 {
			r.Window = c.Rate.Window
		}
	}
	if c.Email.TLSMode == "" {
		c.Email.TLSMode = "starttls"
	}
	if c.Email.BaseURL == "" {
		c.Email.BaseURL = "http://localhost:8080"
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderCreds{}
	}
}

func (c *Config) applyEnv() {
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = v
	}
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("DATABASE_URL"); ok {
		c.Storage.Driver = "postgres"
		c.Storage.Postgres.DSN = v
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Redis.Enabled = true
		c.Redis.Addr = v
	}
	if v, ok := getEnvStr("JWT_SECRET"); ok {
		c.JWT.Secret = v
	}
	if v, ok := getEnvStr("ENCRYPTION_SECRET"); ok {
		c.Encryption.Secret = v
	}
	if v, ok := getEnvStr("SMTP_PASSWORD"); ok {
		c.Email.Password = v
	}
	if v, ok := getEnvBool("EMAIL_ENABLED"); ok {
		c.Email.Enabled = v
	}
	// OAUTH_NOTION_CLIENT_ID / OAUTH_NOTION_CLIENT_SECRET, etc.
	for _, id := range []string{"notion", "github", "atlassian", "google"} {
		upper := strings.ToUpper(id)
		creds := c.Providers[id]
		changed := false
		if v, ok := getEnvStr("OAUTH_" + upper + "_CLIENT_ID"); ok {
			creds.ClientID = v
			changed = true
		}
		if v, ok := getEnvStr("OAUTH_" + upper + "_CLIENT_SECRET"); ok {
			creds.ClientSecret = v
			changed = true
		}
		if changed {
			c.Providers[id] = creds
		}
	}
}

// IsProd reporta si corre en producción.
func (c *Config) IsProd() bool { return strings.EqualFold(c.App.Env, "prod") }

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}
