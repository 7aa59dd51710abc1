package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"mcpgate/server"
	"mcpgate/usage"
)

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var id server.Identity
	var scope string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token with the configured signing key",
		Long: `Mint a bearer token for local testing. The token is signed with the same
key the gateway uses, so it is accepted by the /sse, /message and /mcp endpoints.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := opts.logger(true)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts.configPath, logger)
			if err != nil {
				return err
			}
			resp, err := mintToken(cfg, logger, id, scope)
			if err != nil {
				return err
			}
			printToken(cmd.OutOrStdout(), id, resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&id.Subject, "sub", "", "Subject of the token (required)")
	cmd.Flags().StringVar(&id.Email, "email", "", "Email claim")
	cmd.Flags().StringVar(&id.Name, "name", "", "Name claim")
	cmd.Flags().StringVar(&id.Picture, "picture", "", "Picture claim")
	cmd.Flags().StringVar(&scope, "scope", "openid email profile", "Scope claim")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func mintToken(cfg server.Config, logger *slog.Logger, id server.Identity, scope string) (server.TokenResponse, error) {
	if cfg.Auth.Mode != server.AuthModeOAuth {
		return server.TokenResponse{}, fmt.Errorf("tokens are only used in %s mode, config has %s", server.AuthModeOAuth, cfg.Auth.Mode)
	}
	var signer server.Signer
	if cfg.Tokens.Algorithm == "RS256" {
		jwks, err := server.NewJWKSManager(cfg.Tokens.KeyPath, cfg.Tokens.RotateInterval, logger)
		if err != nil {
			return server.TokenResponse{}, err
		}
		signer = jwks
	} else {
		signer = server.NewHMACSigner(cfg.Tokens.SigningSecret)
	}
	issuer := server.NewTokenIssuer(cfg.Server.PublicURL, cfg.Tokens.Lifetime, signer, logger)
	return issuer.Mint(id, scope, "cli")
}

func printToken(w io.Writer, id server.Identity, resp server.TokenResponse) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	cyan.Fprint(w, "Subject:    ")
	fmt.Fprintln(w, id.Subject)
	cyan.Fprint(w, "Expires in: ")
	fmt.Fprintln(w, time.Duration(resp.ExpiresIn)*time.Second)
	cyan.Fprint(w, "Scope:      ")
	fmt.Fprintln(w, resp.Scope)
	fmt.Fprintln(w)
	green.Fprintln(w, resp.AccessToken)
}

func newConnectCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Check that the upstream identity provider login page is reachable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := opts.logger(false)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts.configPath, logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := runConnect(ctx, cfg, logger, nil); err != nil {
				logger.Error("provider connectivity failed", "error", err)
				return err
			}
			logger.Info("provider connectivity succeeded")
			return nil
		},
	}
}

// runConnect opens the Google consent URL the gateway would redirect to and
// fails when the login page does not load.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, provider server.IdentityProvider) error {
	if cfg.Auth.Mode != server.AuthModeOAuth {
		return fmt.Errorf("no upstream provider in %s mode", cfg.Auth.Mode)
	}
	if provider == nil {
		var err error
		provider, err = server.BuildProvider(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("build provider: %w", err)
		}
	}

	authURL := provider.AuthCodeURL(server.NewID(), server.NewID(), oauth2.GenerateVerifier())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}
	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.Host)
	}
	logger.Debug("login page reachable", "host", resp.Request.URL.Host, "status", resp.StatusCode)
	return nil
}

func newUsageCommand(opts *rootOptions) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect the tool usage log",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "Usage database path (defaults to usage.database_path)")

	open := func() (*usage.SQLiteStore, error) {
		logger, err := opts.logger(true)
		if err != nil {
			return nil, err
		}
		path := dbPath
		if path == "" {
			cfg, err := loadConfig(opts.configPath, logger)
			if err != nil {
				return nil, err
			}
			path = cfg.Usage.DatabasePath
		}
		return usage.OpenSQLite(path, logger)
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show totals and the most used tools",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			st, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			renderStats(cmd.OutOrStdout(), st)
			return nil
		},
	}

	var user, tool string
	var limit int
	history := &cobra.Command{
		Use:   "history",
		Short: "Show the newest tool calls of a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if user == "" {
				return errors.New("--user is required")
			}
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			entries, err := store.UserHistory(cmd.Context(), user, tool, limit)
			if err != nil {
				return err
			}
			renderHistory(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	history.Flags().StringVar(&user, "user", "", "User subject")
	history.Flags().StringVar(&tool, "tool", "", "Only show calls of this tool")
	history.Flags().IntVar(&limit, "limit", 100, "Maximum number of rows")

	cmd.AddCommand(stats, history)
	return cmd
}

func renderStats(w io.Writer, st usage.Stats) {
	summary := table.NewWriter()
	summary.SetOutputMirror(w)
	summary.SetStyle(table.StyleRounded)
	summary.AppendHeader(table.Row{text.FgHiCyan.Sprint("METRIC"), text.FgHiCyan.Sprint("VALUE")})
	summary.AppendRows([]table.Row{
		{"Users", st.TotalUsers},
		{"Calls", st.TotalCalls},
		{"Successful", st.SuccessfulCalls},
		{"Success rate", fmt.Sprintf("%.1f%%", st.SuccessRate*100)},
	})
	summary.Render()

	if len(st.TopTools) == 0 {
		return
	}
	top := table.NewWriter()
	top.SetOutputMirror(w)
	top.SetStyle(table.StyleRounded)
	top.AppendHeader(table.Row{text.FgHiCyan.Sprint("TOOL"), text.FgHiCyan.Sprint("CALLS")})
	for _, tc := range st.TopTools {
		top.AppendRow(table.Row{tc.Name, tc.Count})
	}
	top.Render()
}

func renderHistory(w io.Writer, entries []usage.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, text.FgYellow.Sprint("No tool calls recorded"))
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"TIME", "TOOL", "ARGUMENTS", "DURATION", "STATUS", "RESULT"})
	for _, e := range entries {
		status := text.FgGreen.Sprint("ok")
		result := e.Result
		if !e.Success {
			status = text.FgRed.Sprint("error")
			result = e.ErrorMessage
		}
		t.AppendRow(table.Row{
			e.Timestamp.Local().Format(time.DateTime),
			e.ToolName,
			e.Arguments,
			e.ExecutionTime,
			status,
			text.Trim(result, 60),
		})
	}
	t.Render()
}
