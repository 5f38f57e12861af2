package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akorchagin/mailsift/internal/api"
	"github.com/akorchagin/mailsift/internal/config"
	"github.com/akorchagin/mailsift/internal/logging"
	"github.com/akorchagin/mailsift/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line values. Flags override the config
// file but are never persisted.
type cliFlags struct {
	configPath string
	host       string
	port       int
	jsonLogs   bool
	debug      bool
	noAPI      bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML configuration file")
	flag.StringVar(&f.host, "host", "", "Override scan listener bind host")
	flag.IntVar(&f.port, "port", 0, "Override scan listener bind port")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&f.noAPI, "no-api", false, "Disable the management API")
	flag.Parse()
	return f
}

func applyCLIOverrides(cfg *config.Config, f cliFlags) {
	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if f.jsonLogs {
		cfg.Logging.JSON = true
	}
	if f.debug {
		cfg.Logging.Level = "DEBUG"
	}
	if f.noAPI {
		cfg.API.Enabled = false
	}
}

func run() error {
	flags := parseFlags()

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	applyCLIOverrides(cfg, flags)

	logger := logging.Configure(logging.Config{
		Level:      cfg.Logging.Level,
		JSON:       cfg.Logging.JSON,
		IncludePID: cfg.Logging.IncludePID,
		Fields:     cfg.Logging.Fields,
	})
	logger.Info("mailsift starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"nameservers", cfg.DNS.Nameservers,
		"dnsbl_zones", cfg.DNSBL.Zones,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runner := server.NewRunner(logger)
	if err := runner.Setup(cfg); err != nil {
		return fmt.Errorf("setup failed: %w", err)
	}

	var apiSrv *api.Server
	if cfg.API.Enabled {
		apiSrv = api.New(cfg, logger, api.Deps{
			WorkerStats:   runner.Worker().Stats,
			ResolverStats: runner.Resolver().StatsSnapshot,
			ServerStates:  runner.ServerStates,
		})
		logger.Info("management API starting", "addr", apiSrv.Addr())
		go func() {
			serveErr := apiSrv.ListenAndServe()
			if serveErr == nil || errors.Is(serveErr, http.ErrServerClosed) {
				return
			}
			logger.Error("management API failed", "err", serveErr)
			cancel()
		}()
	}

	err = runner.Run(ctx)

	if apiSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = apiSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	if err != nil {
		return fmt.Errorf("server exited with error: %w", err)
	}
	logger.Info("mailsift stopped")
	return nil
}
