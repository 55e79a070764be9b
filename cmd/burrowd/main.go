// Command burrowd runs the public gateway: it terminates inbound HTTP,
// forwards each request through the control channel of the peer owning its
// hostname, and serves the per-hostname request inspector.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/cajax/burrow/config"
	"github.com/cajax/burrow/metrics"
	"github.com/cajax/burrow/pgstore"
	"github.com/cajax/burrow/tunnel"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
)

type serveCmd struct{}

type credsSetCmd struct {
	Hostname string `arg:"" help:"Hostname the credential protects."`
	Password string `required:"" help:"Inspector password." env:"BURROW_INSPECTOR_PASSWORD"`
}

type migrateCmd struct{}

var cli struct {
	Config string `short:"c" default:"burrowd.toml" help:"Path to TOML config file." env:"BURROWD_CONFIG"`

	Serve   serveCmd   `cmd:"" default:"1" help:"Run the gateway."`
	Migrate migrateCmd `cmd:"" help:"Apply the PostgreSQL schema and exit."`
	Creds   struct {
		Set credsSetCmd `cmd:"" help:"Provision an inspector password for a hostname."`
	} `cmd:"" help:"Manage inspector credentials."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("burrowd"),
		kong.Description("Reverse-tunneling HTTP gateway."),
		kong.Vars{"version": fmt.Sprintf("%s (%s)", version, commit)},
	)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	switch kctx.Command() {
	case "migrate":
		runMigrate(cfg)
	case "creds set <hostname>":
		runCredsSet(cfg, cli.Creds.Set.Hostname, cli.Creds.Set.Password)
	default:
		runServe(cfg)
	}
}

func runServe(cfg *config.Config) {
	fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			newLogger,
			metrics.New,
			newStores,
			newTunnelServer,
		),
		fx.Invoke(startPublicServer, startOpsServer),
	).Run()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Log.Debug || cfg.Log.Level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// stores bundles the persistence backends handed to the tunnel server.
type stores struct {
	Logs  tunnel.LogStore
	Creds tunnel.CredentialStore
}

func newStores(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*stores, error) {
	if cfg.Storage.PostgresDSN == "" {
		log.Info("no postgres dsn configured, captured exchanges are kept in memory")
		return &stores{
			Logs:  tunnel.NewMemoryLogStore(),
			Creds: tunnel.NewMemoryCredentialStore(),
		}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pg, err := pgstore.New(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pg.Close()
			return nil
		},
	})

	return &stores{Logs: pg, Creds: pg}, nil
}

func newTunnelServer(lc fx.Lifecycle, cfg *config.Config, st *stores, m *metrics.Metrics, log *zap.Logger) (*tunnel.Server, error) {
	srv, err := tunnel.NewServer(&tunnel.ServerConfig{
		SignatureKey:    cfg.Server.SignatureKey,
		ControlPath:     cfg.Server.ControlPath,
		InspectorPath:   cfg.Server.InspectorPath,
		LogStore:        st.Logs,
		CredentialStore: st.Creds,
		Metrics:         m,
		Log:             log,
	})
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			srv.Close()
			return nil
		},
	})

	return srv, nil
}

func startPublicServer(lc fx.Lifecycle, cfg *config.Config, srv *tunnel.Server, log *zap.Logger) {
	httpServer := &http.Server{
		Handler: srv,

		// WriteTimeout stays disabled: streamed responses run as long as the
		// peer produces and the client listens.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.Server.Listen)
			if err != nil {
				return fmt.Errorf("bind %s: %w", cfg.Server.Listen, err)
			}
			log.Info("gateway listening", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
					log.Error("public server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
	})
}

func startOpsServer(lc fx.Lifecycle, cfg *config.Config, m *metrics.Metrics, log *zap.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	opsServer := &http.Server{Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.Server.OpsListen)
			if err != nil {
				return fmt.Errorf("bind %s: %w", cfg.Server.OpsListen, err)
			}
			log.Info("ops listening", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := opsServer.Serve(ln); err != nil && err != http.ErrServerClosed {
					log.Error("ops server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return opsServer.Shutdown(ctx)
		},
	})
}

func runMigrate(cfg *config.Config) {
	if cfg.Storage.PostgresDSN == "" {
		fmt.Fprintln(os.Stderr, "migrate: storage.postgres_dsn is not configured")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := pgstore.New(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer pg.Close()

	if err := pg.Migrate(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("schema applied")
}

func runCredsSet(cfg *config.Config, hostname, password string) {
	normalized, err := tunnel.NormalizeHost(hostname)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creds set: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var creds tunnel.CredentialStore
	if cfg.Storage.PostgresDSN != "" {
		pg, err := pgstore.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer pg.Close()
		creds = pg
	} else {
		fmt.Fprintln(os.Stderr, "creds set: storage.postgres_dsn is not configured; in-memory credentials cannot be provisioned from the CLI")
		os.Exit(1)
	}

	if err := creds.Upsert(ctx, normalized, password); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("credential set for %s\n", normalized)
}
