package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"mcpgate/server"
)

const defaultConfigPath = "./config.yaml"

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the configuration file",
	}
	path := func() string {
		if opts.configPath != "" {
			return opts.configPath
		}
		return defaultConfigPath
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Interactively write a new configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := opts.logger(false)
			if err != nil {
				return err
			}
			p := path()
			if _, err := os.Stat(p); err == nil {
				return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", p)
			}
			if _, err := runSetup(p, cmd.InOrStdin(), cmd.OutOrStdout(), logger); err != nil {
				return fmt.Errorf("config init failed: %w", err)
			}
			logger.Info("configuration initialized successfully", "path", p)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and check the upstream provider is reachable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := opts.logger(false)
			if err != nil {
				return err
			}
			if err := runConfigValidate(cmd.Context(), path(), logger); err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			logger.Info("configuration is valid", "path", path())
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}

func runConfigValidate(ctx context.Context, path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}
	if cfg.Auth.Mode != server.AuthModeOAuth || cfg.UsesLocalProvider() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	issuer := strings.TrimSuffix(cfg.OAuth.Google.Issuer, "/")
	if err := validateURL(ctx, issuer+"/.well-known/openid-configuration"); err != nil {
		logger.Warn("provider URL may not be accessible", "issuer", issuer, "error", err)
	} else {
		logger.Info("provider URL is accessible", "issuer", issuer)
	}
	return nil
}

func validateURL(ctx context.Context, rawURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

type prompter struct {
	r *bufio.Reader
	w io.Writer
}

// runSetup walks through the questions needed for a working config and writes it to path.
func runSetup(path string, in io.Reader, out io.Writer, logger *slog.Logger) (server.Config, error) {
	p := prompter{r: bufio.NewReader(in), w: out}
	fmt.Fprintf(out, "Creating configuration at %s. Press Enter to accept defaults.\n", path)

	cfg := server.DefaultConfig()
	cfg.Server.DevMode = p.askYesNo("Run in development mode?", true)

	if cfg.Server.DevMode {
		cfg.Server.PublicURL = strings.TrimSuffix(p.ask("Public URL", cfg.Server.PublicURL), "/")
		cfg.Server.ListenAddr = p.ask("Listen address", cfg.Server.ListenAddr)
	} else {
		domain := strings.TrimSuffix(p.askRequired("Public domain (e.g. mcp.example.com)"), "/")
		cfg.Server.PublicURL = "https://" + domain
		cfg.Server.ListenAddr = ":443"
		cfg.Server.TLS.Mode = server.TLSModeAutocert
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.TLS.Email = p.ask("ACME contact email", "")
	}

	mode := p.ask("Auth mode (oauth, api_key, none)", server.AuthModeOAuth)
	cfg.Auth.Mode = mode
	switch mode {
	case server.AuthModeOAuth:
		secret, err := randomSecret()
		if err != nil {
			return server.Config{}, err
		}
		cfg.Tokens.SigningSecret = secret
		if cfg.Server.DevMode {
			cfg.OAuth.Google.ClientID = p.ask("Google client ID (empty for the local dev provider)", "")
		} else {
			cfg.OAuth.Google.ClientID = p.askRequired("Google client ID")
		}
		if cfg.OAuth.Google.ClientID != "" {
			cfg.OAuth.Google.ClientSecret = p.askRequired("Google client secret")
		}
	case server.AuthModeAPIKey:
		user := p.ask("API key user", "admin")
		key, err := randomSecret()
		if err != nil {
			return server.Config{}, err
		}
		cfg.Auth.APIKeys = map[string]string{user: key}
		fmt.Fprintf(out, "Generated API key for %s: %s\n", user, key)
	case server.AuthModeNone:
	default:
		return server.Config{}, fmt.Errorf("unknown auth mode %q", mode)
	}

	cfg.Usage.Enabled = p.askYesNo("Record tool usage in SQLite?", false)
	if cfg.Usage.Enabled {
		cfg.Usage.DatabasePath = p.ask("Usage database path", cfg.Usage.DatabasePath)
	}

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

func (p prompter) ask(prompt, def string) string {
	if def != "" {
		fmt.Fprintf(p.w, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(p.w, "%s: ", prompt)
	}
	input, _ := p.r.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func (p prompter) askRequired(prompt string) string {
	for {
		fmt.Fprintf(p.w, "%s: ", prompt)
		input, err := p.r.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Fprintln(p.w, "This value is required. Please enter a value.")
	}
}

func (p prompter) askYesNo(prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(p.w, "%s [%s]: ", prompt, defLabel)
		input, err := p.r.ReadString('\n')
		switch strings.TrimSpace(strings.ToLower(input)) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(p.w, "Please enter 'y' or 'n'.")
	}
}

// randomSecret returns 256 bits of hex-encoded randomness.
func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
