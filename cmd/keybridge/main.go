package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	rdb "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/keybridge/internal/auth"
	"github.com/dropDatabas3/keybridge/internal/config"
	"github.com/dropDatabas3/keybridge/internal/connect"
	"github.com/dropDatabas3/keybridge/internal/connect/state"
	"github.com/dropDatabas3/keybridge/internal/email"
	httpapi "github.com/dropDatabas3/keybridge/internal/http"
	"github.com/dropDatabas3/keybridge/internal/observability/logger"
	"github.com/dropDatabas3/keybridge/internal/rate"
	"github.com/dropDatabas3/keybridge/internal/security/secretbox"
	"github.com/dropDatabas3/keybridge/internal/store/core"
	"github.com/dropDatabas3/keybridge/internal/store/memory"
	"github.com/dropDatabas3/keybridge/internal/store/pg"
	"github.com/dropDatabas3/keybridge/internal/token"
	"github.com/dropDatabas3/keybridge/internal/vault"
)

var version = "dev"

func main() {
	_ = godotenv.Load(".env")

	var cfgPath string

	root := &cobra.Command{
		Use:     "keybridge",
		Short:   "Backend de credenciales: auth con rotación de tokens, vault de API keys e integraciones OAuth",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv("KEYBRIDGE_CONFIG"), "ruta al config YAML")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Levanta el servidor HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	encCmd := &cobra.Command{
		Use:   "enc [plaintext]",
		Short: "Cifra un valor con el encryption secret configurado (para seeds y migraciones)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			box, err := secretbox.NewFromSecret(cfg.Encryption.Secret, cfg.App.Env)
			if err != nil {
				return err
			}
			enc, err := box.Encrypt(args[0])
			if err != nil {
				return err
			}
			fmt.Println(enc)
			return nil
		},
	}

	root.AddCommand(serveCmd, encCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		ServiceName: cfg.App.Name,
		Version:     version,
	})
	log := logger.L().With(logger.Layer("cmd"), logger.Component("serve"))

	// Cifrado en reposo. Avisa fuerte si corre con el secret default en prod.
	box, err := secretbox.NewFromSecret(cfg.Encryption.Secret, cfg.App.Env)
	if err != nil {
		return err
	}
	if cfg.JWT.Secret == "" {
		if cfg.IsProd() {
			return fmt.Errorf("JWT_SECRET is required in prod")
		}
		cfg.JWT.Secret = "dev-only-signing-secret"
		log.Warn("running with the dev signing secret")
	}

	// Store durable.
	var st core.Store
	switch cfg.Storage.Driver {
	case "postgres":
		pgStore, err := pg.Connect(ctx, pg.Config{
			DSN:          cfg.Storage.Postgres.DSN,
			MaxOpenConns: cfg.Storage.Postgres.MaxOpenConns,
		})
		if err != nil {
			return err
		}
		st = pgStore
		log.Info("connected to postgres")
	default:
		st = memory.New()
		log.Warn("using in-memory store, data does not survive restarts")
	}
	defer st.Close()

	// Redis opcional: state store compartido + rate limiting entre instancias.
	var (
		states        state.Store
		loginLimiter  rate.Limiter
		forgotLimiter rate.Limiter
		globalLimiter rate.Limiter
	)
	if cfg.Redis.Enabled {
		client := rdb.NewClient(&rdb.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		states = state.NewRedis(client)
		prefix := cfg.Redis.Prefix
		if prefix == "" {
			prefix = "kb:rl:"
		}
		loginLimiter = rate.NewRedisLimiter(client, prefix, cfg.Rate.Login.Limit, cfg.Rate.Login.Window)
		forgotLimiter = rate.NewRedisLimiter(client, prefix, cfg.Rate.Forgot.Limit, cfg.Rate.Forgot.Window)
		globalLimiter = rate.NewRedisLimiter(client, prefix, cfg.Rate.Global.Limit, cfg.Rate.Global.Window)
		log.Info("redis enabled for oauth state and rate limiting")
	} else {
		states = state.NewMemory()
		loginLimiter = rate.NewMemoryLimiter(cfg.Rate.Login.Limit, cfg.Rate.Login.Window)
		forgotLimiter = rate.NewMemoryLimiter(cfg.Rate.Forgot.Limit, cfg.Rate.Forgot.Window)
		globalLimiter = rate.NewMemoryLimiter(cfg.Rate.Global.Limit, cfg.Rate.Global.Window)
	}
	if !cfg.Rate.Enabled {
		loginLimiter, forgotLimiter, globalLimiter = nil, nil, nil
	}

	// Mail.
	var sender email.Sender = email.NoopSender{}
	if cfg.Email.Enabled {
		smtp := email.NewSMTPSender(cfg.Email.Host, cfg.Email.Port, cfg.Email.From, cfg.Email.Username, cfg.Email.Password)
		smtp.TLSMode = cfg.Email.TLSMode
		sender = smtp
	}
	mailer := email.NewMailer(sender, cfg.Email.BaseURL, cfg.App.Name)

	// Servicios de dominio.
	tokens := token.NewService(token.Deps{
		Users:      st.Users(),
		Secret:     []byte(cfg.JWT.Secret),
		Issuer:     cfg.JWT.Issuer,
		AccessTTL:  cfg.JWT.AccessTTL,
		RefreshTTL: cfg.JWT.RefreshTTL,
		VerifyTTL:  cfg.Auth.VerifyTTL,
		ResetTTL:   cfg.Auth.ResetTTL,
	})
	authSvc := auth.NewService(auth.Deps{
		Users:        st.Users(),
		Tokens:       tokens,
		Mailer:       mailer,
		MaxAttempts:  cfg.Auth.MaxLoginAttempts,
		LockDuration: cfg.Auth.LockDuration,
	})
	vaultSvc := vault.NewService(vault.Deps{
		Keys:      st.Keys(),
		Box:       box,
		Verifiers: vault.NewRegistry(vault.NewOpenAIVerifier(), vault.NewAnthropicVerifier()),
	})

	creds := make(map[string]connect.ClientCredentials, len(cfg.Providers))
	for id, c := range cfg.Providers {
		creds[id] = connect.ClientCredentials{ClientID: c.ClientID, ClientSecret: c.ClientSecret}
	}
	connectSvc := connect.NewService(connect.Deps{
		Integrations: st.Integrations(),
		Box:          box,
		States:       states,
		Credentials:  creds,
	})

	mux := httpapi.NewRouter(httpapi.RouterDeps{
		Auth:          httpapi.NewAuthHandler(authSvc, tokens),
		Keys:          httpapi.NewKeysHandler(vaultSvc),
		Connect:       httpapi.NewConnectHandler(connectSvc),
		Tokens:        tokens,
		Store:         st,
		LoginLimiter:  loginLimiter,
		ForgotLimiter: forgotLimiter,
		GlobalLimiter: globalLimiter,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownTimeout, err := time.ParseDuration(cfg.Server.ShutdownTimeout)
	if err != nil {
		shutdownTimeout = 15 * time.Second
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", logger.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shCtx)
	})

	return g.Wait()
}
