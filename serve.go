package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"mcpgate/server"
	"mcpgate/usage"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the OAuth endpoints and the MCP transports over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := opts.logger(false)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts.configPath, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	var appOpts []server.Option
	if cfg.Usage.Enabled {
		store, err := usage.OpenSQLite(cfg.Usage.DatabasePath, logger)
		if err != nil {
			return fmt.Errorf("open usage store: %w", err)
		}
		defer store.Close()
		appOpts = append(appOpts, server.WithUsageRecorder(store))
	}

	app, err := server.NewApp(ctx, cfg, logger, appOpts...)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	minVersion, err := tlsMinVersion(cfg.Server.TLS.MinVersion)
	if err != nil {
		return err
	}

	// No WriteTimeout: SSE streams stay open for the life of the session.
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           app.Routes(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	servers := []*http.Server{srv}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.Run(gctx)
		return nil
	})

	switch cfg.Server.TLS.Mode {
	case server.TLSModeFiles:
		srv.TLSConfig = &tls.Config{MinVersion: minVersion}
		g.Go(func() error {
			logger.Info("server listening", "mode", "tls", "addr", srv.Addr, "auth_mode", cfg.Auth.Mode)
			return ignoreClosed(srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile))
		})
	case server.TLSModeAutocert:
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := m.TLSConfig()
		tlsCfg.MinVersion = minVersion
		srv.TLSConfig = tlsCfg

		redirect := &http.Server{
			Addr:              cfg.Server.TLS.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 15 * time.Second,
		}
		servers = append(servers, redirect)
		g.Go(func() error {
			logger.Info("http redirect listening", "addr", redirect.Addr)
			return ignoreClosed(redirect.ListenAndServe())
		})
		g.Go(func() error {
			logger.Info("server listening", "mode", "autocert", "addr", srv.Addr, "domains", cfg.Server.TLS.Domains, "auth_mode", cfg.Auth.Mode)
			return ignoreClosed(srv.ListenAndServeTLS("", ""))
		})
	default:
		g.Go(func() error {
			logger.Info("server listening", "mode", "plain", "addr", srv.Addr, "auth_mode", cfg.Auth.Mode)
			return ignoreClosed(srv.ListenAndServe())
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				logger.Warn("shutdown", "addr", s.Addr, "error", err)
			}
		}
		logger.Info("server stopped")
		return nil
	})

	return g.Wait()
}

func newStdioCommand(opts *rootOptions) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "stdio",
		Short: "Serve the MCP tools on stdin/stdout for a local client",
		RunE: func(_ *cobra.Command, _ []string) error {
			logger, err := opts.logger(true)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts.configPath, logger)
			if err != nil {
				return err
			}

			var rec usage.Recorder = usage.Nop{}
			if cfg.Usage.Enabled {
				store, err := usage.OpenSQLite(cfg.Usage.DatabasePath, logger)
				if err != nil {
					return fmt.Errorf("open usage store: %w", err)
				}
				defer store.Close()
				rec = store
			}

			tools := server.NewToolServer(cfg.MCP, logger, server.RequireIdentity(true), server.LogUsage(rec, logger))
			logger.Info("serving stdio", "user", user)
			return tools.ServeStdio(server.AuthContext{Subject: user, Method: server.AuthMethodLocal})
		},
	}
	cmd.Flags().StringVar(&user, "user", "local", "Subject recorded for local tool calls")
	return cmd
}

func tlsMinVersion(v string) (uint16, error) {
	switch v {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported tls min_version %q", v)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// loadConfig reads path, or ./config.yaml when present, or falls back to defaults and env.
func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	} else if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run 'mcpgate config init' to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}
