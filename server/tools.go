package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"mcpgate/usage"
)

const secretWord = "ApplesAreRed998"

// Interceptor wraps a tool handler. Interceptors compose explicitly via Chain.
type Interceptor func(next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc

// Chain composes interceptors so the first one runs outermost.
func Chain(interceptors ...Interceptor) Interceptor {
	return func(next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
		for i := len(interceptors) - 1; i >= 0; i-- {
			next = interceptors[i](next)
		}
		return next
	}
}

// RequireIdentity refuses tool calls without an AuthContext when enabled.
func RequireIdentity(enabled bool) Interceptor {
	return func(next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			if !enabled {
				return next(ctx, req)
			}
			if ac, ok := AuthFromContext(ctx); !ok || ac.Subject == "" {
				return mcp.NewToolResultError("authentication required"), nil
			}
			return next(ctx, req)
		}
	}
}

// LogUsage records each invocation. Recording failures never fail the call.
func LogUsage(rec usage.Recorder, logger *slog.Logger) Interceptor {
	return func(next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			start := time.Now()
			res, err := next(ctx, req)
			elapsed := time.Since(start)

			ac, ok := AuthFromContext(ctx)
			if !ok || ac.Subject == "" {
				logger.Debug("no caller identity for tool usage", "tool", req.Params.Name)
				return res, err
			}

			entry := usage.Entry{
				ToolName:      req.Params.Name,
				Arguments:     marshalArguments(req.Params.Arguments),
				Timestamp:     start,
				ExecutionTime: elapsed,
				Success:       err == nil && (res == nil || !res.IsError),
			}
			switch {
			case err != nil:
				entry.ErrorMessage = err.Error()
			case res != nil && res.IsError:
				entry.ErrorMessage = resultText(res)
			case res != nil:
				entry.Result = resultText(res)
			}

			user := usage.User{ID: ac.Subject, Email: ac.Email, Name: ac.Name}
			if recErr := rec.Record(ctx, user, entry); recErr != nil {
				logger.Error("failed to record tool usage", "tool", entry.ToolName, "error", recErr)
			}
			return res, err
		}
	}
}

// ToolServer serves the MCP tools and resources.
type ToolServer struct {
	mcp    *mcpserver.MCPServer
	cfg    MCPConfig
	logger *slog.Logger
}

// NewToolServer registers tools and resources behind the interceptor chain.
func NewToolServer(cfg MCPConfig, logger *slog.Logger, interceptors ...Interceptor) *ToolServer {
	if cfg.Name == "" {
		cfg.Name = "Demo"
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	chain := Chain(interceptors...)
	s := mcpserver.NewMCPServer(
		cfg.Name,
		cfg.Version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolHandlerMiddleware(mcpserver.ToolHandlerMiddleware(chain)),
		mcpserver.WithRecovery(),
	)

	s.AddTool(mcp.NewTool("add",
		mcp.WithDescription("Add two numbers"),
		mcp.WithNumber("a", mcp.Required(), mcp.Description("First integer")),
		mcp.WithNumber("b", mcp.Required(), mcp.Description("Second integer")),
	), handleAdd)

	s.AddTool(mcp.NewTool("secret_word",
		mcp.WithDescription("Return the secret word"),
	), handleSecretWord)

	s.AddTool(mcp.NewTool("whoami",
		mcp.WithDescription("Return the identity of the authenticated caller"),
	), handleWhoAmI)

	s.AddResourceTemplate(
		mcp.NewResourceTemplate("greeting://{name}", "greeting",
			mcp.WithTemplateDescription("Get a personalized greeting"),
			mcp.WithTemplateMIMEType("text/plain"),
		),
		handleGreeting,
	)

	return &ToolServer{mcp: s, cfg: cfg, logger: logger}
}

// SSEHandler serves the legacy SSE transport at /sse with messages posted to /message.
func (t *ToolServer) SSEHandler(publicURL string) http.Handler {
	return mcpserver.NewSSEServer(t.mcp,
		mcpserver.WithBaseURL(strings.TrimSuffix(publicURL, "/")),
		mcpserver.WithSSEEndpoint("/sse"),
		mcpserver.WithMessageEndpoint("/message"),
		mcpserver.WithKeepAlive(true),
		mcpserver.WithKeepAliveInterval(30*time.Second),
		mcpserver.WithSSEContextFunc(propagateAuth),
	)
}

// StreamableHandler serves the streamable HTTP transport.
func (t *ToolServer) StreamableHandler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(t.mcp,
		mcpserver.WithEndpointPath("/mcp"),
		mcpserver.WithStateLess(t.cfg.Stateless),
		mcpserver.WithHTTPContextFunc(propagateAuth),
	)
}

// ServeStdio serves the tools on stdin/stdout as the given local identity.
func (t *ToolServer) ServeStdio(ac AuthContext) error {
	return mcpserver.ServeStdio(t.mcp, mcpserver.WithStdioContextFunc(func(ctx context.Context) context.Context {
		return WithAuthContext(ctx, ac)
	}))
}

// propagateAuth copies the gate's AuthContext onto the MCP handling context.
func propagateAuth(ctx context.Context, r *http.Request) context.Context {
	if ac, ok := AuthFromContext(r.Context()); ok {
		return WithAuthContext(ctx, ac)
	}
	return ctx
}

func handleAdd(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a, err := req.RequireInt("a")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	b, err := req.RequireInt("b")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%d", a+b)), nil
}

func handleSecretWord(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(secretWord), nil
}

func handleWhoAmI(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ac, ok := AuthFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("no caller identity"), nil
	}
	body, err := json.Marshal(map[string]string{
		"sub":     ac.Subject,
		"email":   ac.Email,
		"name":    ac.Name,
		"picture": ac.Picture,
		"method":  ac.Method,
	})
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(body)), nil
}

func handleGreeting(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	name, err := greetingName(req.Params.URI)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "text/plain",
			Text:     fmt.Sprintf("Hello, %s!", name),
		},
	}, nil
}

func greetingName(uri string) (string, error) {
	rest, ok := strings.CutPrefix(uri, "greeting://")
	if !ok || rest == "" {
		return "", errors.New("greeting resource requires a name")
	}
	name, err := url.PathUnescape(strings.TrimSuffix(rest, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid name: %w", err)
	}
	return name, nil
}

func marshalArguments(args any) string {
	if args == nil {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
