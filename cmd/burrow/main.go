// Command burrow runs the agent: it opens the control channel to the gateway
// and executes forwarded requests against a local server.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/cajax/burrow/client"
	"github.com/cajax/burrow/config"
)

var cli struct {
	Config       string `short:"c" default:"burrow.toml" help:"Path to TOML config file." env:"BURROW_CONFIG"`
	ServerURL    string `help:"Gateway url (overrides config)." env:"BURROW_SERVER_URL"`
	Hostname     string `help:"Public hostname to serve (overrides config)." env:"BURROW_HOSTNAME"`
	LocalAddr    string `help:"Local host:port to forward to (overrides config)." env:"BURROW_LOCAL_ADDR"`
	SignatureKey string `help:"Shared signature key (overrides config)." env:"BURROW_SIGNATURE_KEY"`
}

func main() {
	kong.Parse(&cli,
		kong.Name("burrow"),
		kong.Description("Tunnel agent: exposes a local server through the gateway."),
	)

	cfg, err := config.LoadAgent(cli.Config)
	if err != nil {
		// Flags alone are enough to run; the config file is optional then.
		cfg = &config.AgentConfig{}
		if cli.ServerURL == "" || cli.Hostname == "" || cli.SignatureKey == "" {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	if cli.ServerURL != "" {
		cfg.ServerURL = cli.ServerURL
	}
	if cli.Hostname != "" {
		cfg.Hostname = cli.Hostname
	}
	if cli.LocalAddr != "" {
		cfg.LocalAddr = cli.LocalAddr
	}
	if cli.SignatureKey != "" {
		cfg.SignatureKey = cli.SignatureKey
	}
	if cfg.LocalAddr == "" {
		cfg.LocalAddr = "127.0.0.1:80"
	}

	var logger *zap.Logger
	if cfg.Log.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	c, err := client.NewClient(&client.Config{
		ServerURL:    cfg.ServerURL,
		Hostname:     cfg.Hostname,
		SignatureKey: cfg.SignatureKey,
		LocalAddr:    cfg.LocalAddr,
		Log:          logger,
	})
	if err != nil {
		logger.Fatal("unable to initialize client", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		c.Close()
	}()

	if err := c.Start(); err != nil {
		logger.Fatal("agent stopped", zap.Error(err))
	}
}
