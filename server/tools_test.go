package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"mcpgate/usage"
)

type fakeRecorder struct {
	mu      sync.Mutex
	users   []usage.User
	entries []usage.Entry
	err     error
}

func (f *fakeRecorder) Record(_ context.Context, user usage.User, entry usage.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, user)
	f.entries = append(f.entries, entry)
	return f.err
}

func (f *fakeRecorder) snapshot() ([]usage.User, []usage.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]usage.User(nil), f.users...), append([]usage.Entry(nil), f.entries...)
}

func toolRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	if args != nil {
		req.Params.Arguments = args
	}
	return req
}

func aliceContext() context.Context {
	return WithAuthContext(context.Background(), AuthContext{
		Subject: "google-sub-123",
		Email:   "alice@example.com",
		Name:    "Alice",
		Method:  AuthMethodBearer,
	})
}

func TestToolHandlers(t *testing.T) {
	ctx := aliceContext()

	res, err := handleAdd(ctx, toolRequest("add", map[string]any{"a": 2, "b": 3}))
	if err != nil || res.IsError || resultText(res) != "5" {
		t.Fatalf("add = %+v, %v", res, err)
	}

	res, err = handleAdd(ctx, toolRequest("add", map[string]any{"a": 2}))
	if err != nil || !res.IsError {
		t.Fatalf("add without b = %+v, %v", res, err)
	}

	res, err = handleSecretWord(ctx, toolRequest("secret_word", nil))
	if err != nil || resultText(res) != "ApplesAreRed998" {
		t.Fatalf("secret_word = %+v, %v", res, err)
	}

	res, err = handleWhoAmI(ctx, toolRequest("whoami", nil))
	if err != nil || res.IsError {
		t.Fatalf("whoami = %+v, %v", res, err)
	}
	var who map[string]string
	if err := json.Unmarshal([]byte(resultText(res)), &who); err != nil {
		t.Fatalf("decode whoami: %v", err)
	}
	if who["sub"] != "google-sub-123" || who["email"] != "alice@example.com" || who["method"] != AuthMethodBearer {
		t.Fatalf("whoami = %v", who)
	}

	res, err = handleWhoAmI(context.Background(), toolRequest("whoami", nil))
	if err != nil || !res.IsError {
		t.Fatalf("anonymous whoami = %+v, %v", res, err)
	}
}

func TestGreetingResource(t *testing.T) {
	var req mcp.ReadResourceRequest
	req.Params.URI = "greeting://Alice"
	contents, err := handleGreeting(context.Background(), req)
	if err != nil || len(contents) != 1 {
		t.Fatalf("greeting = %v, %v", contents, err)
	}
	text, ok := contents[0].(mcp.TextResourceContents)
	if !ok || text.Text != "Hello, Alice!" || text.MIMEType != "text/plain" {
		t.Fatalf("greeting contents = %+v", contents[0])
	}
}

func TestGreetingName(t *testing.T) {
	tests := []struct {
		uri  string
		want string
		ok   bool
	}{
		{"greeting://Alice", "Alice", true},
		{"greeting://Bob%20Smith", "Bob Smith", true},
		{"greeting://Carol/", "Carol", true},
		{"greeting://", "", false},
		{"hello://Alice", "", false},
		{"greeting://%zz", "", false},
	}
	for _, tt := range tests {
		got, err := greetingName(tt.uri)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("greetingName(%q) = %q, %v", tt.uri, got, err)
		}
	}
}

func TestRequireIdentity(t *testing.T) {
	handler := RequireIdentity(true)(handleSecretWord)

	res, err := handler(context.Background(), toolRequest("secret_word", nil))
	if err != nil || !res.IsError {
		t.Fatalf("unauthenticated call = %+v, %v", res, err)
	}
	res, err = handler(aliceContext(), toolRequest("secret_word", nil))
	if err != nil || res.IsError {
		t.Fatalf("authenticated call = %+v, %v", res, err)
	}

	open := RequireIdentity(false)(handleSecretWord)
	if res, err := open(context.Background(), toolRequest("secret_word", nil)); err != nil || res.IsError {
		t.Fatalf("disabled check = %+v, %v", res, err)
	}
}

func TestLogUsageRecordsOutcome(t *testing.T) {
	rec := &fakeRecorder{}
	handler := LogUsage(rec, testLogger())(handleAdd)

	if _, err := handler(aliceContext(), toolRequest("add", map[string]any{"a": 1, "b": 2})); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := handler(aliceContext(), toolRequest("add", map[string]any{"a": 1})); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Calls without an identity are not attributed to anyone.
	if _, err := handler(context.Background(), toolRequest("add", map[string]any{"a": 1, "b": 1})); err != nil {
		t.Fatalf("add: %v", err)
	}

	users, entries := rec.snapshot()
	if len(entries) != 2 {
		t.Fatalf("recorded %d entries, want 2", len(entries))
	}
	if users[0].ID != "google-sub-123" || users[0].Email != "alice@example.com" || users[0].Name != "Alice" {
		t.Fatalf("user = %+v", users[0])
	}
	ok, failed := entries[0], entries[1]
	if !ok.Success || ok.Result != "3" || ok.ToolName != "add" || !strings.Contains(ok.Arguments, `"a":1`) {
		t.Fatalf("success entry = %+v", ok)
	}
	if failed.Success || failed.ErrorMessage == "" || failed.Result != "" {
		t.Fatalf("failure entry = %+v", failed)
	}
}

func TestLogUsageRecorderFailureDoesNotFailCall(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("disk full")}
	handler := LogUsage(rec, testLogger())(handleSecretWord)

	res, err := handler(aliceContext(), toolRequest("secret_word", nil))
	if err != nil || res.IsError || resultText(res) != secretWord {
		t.Fatalf("call = %+v, %v", res, err)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Interceptor {
		return func(next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
			return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	handler := Chain(mark("outer"), mark("middle"), mark("inner"))(handleSecretWord)
	if _, err := handler(context.Background(), toolRequest("secret_word", nil)); err != nil {
		t.Fatalf("call: %v", err)
	}
	if strings.Join(order, ",") != "outer,middle,inner" {
		t.Fatalf("order = %v", order)
	}
}

func TestPropagateAuth(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	if _, ok := AuthFromContext(propagateAuth(context.Background(), req)); ok {
		t.Fatalf("identity invented for unauthenticated request")
	}

	req = req.WithContext(aliceContext())
	ac, ok := AuthFromContext(propagateAuth(context.Background(), req))
	if !ok || ac.Subject != "google-sub-123" {
		t.Fatalf("propagated identity = %+v, %v", ac, ok)
	}
}

func TestStreamableToolCallEndToEnd(t *testing.T) {
	rec := &fakeRecorder{}
	env := newTestEnv(t, nil, WithUsageRecorder(rec))
	token := env.obtainToken(t)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx := context.Background()
	c, err := client.NewStreamableHttpClient(srv.URL+"/mcp",
		transport.WithHTTPHeaders(map[string]string{"Authorization": "Bearer " + token}))
	if err != nil {
		t.Fatalf("NewStreamableHttpClient: %v", err)
	}
	defer c.Close()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var initReq mcp.InitializeRequest
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "gate-test", Version: "0.0.1"}
	initRes, err := c.Initialize(ctx, initReq)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if initRes.ServerInfo.Name != "Demo" {
		t.Fatalf("server name = %q", initRes.ServerInfo.Name)
	}

	res, err := c.CallTool(ctx, toolRequest("add", map[string]any{"a": 20, "b": 22}))
	if err != nil || res.IsError || resultText(res) != "42" {
		t.Fatalf("add = %+v, %v", res, err)
	}

	res, err = c.CallTool(ctx, toolRequest("whoami", nil))
	if err != nil || !strings.Contains(resultText(res), `"sub":"google-sub-123"`) {
		t.Fatalf("whoami = %+v, %v", res, err)
	}

	users, entries := rec.snapshot()
	if len(entries) != 2 || users[0].ID != "google-sub-123" || entries[0].ToolName != "add" {
		t.Fatalf("recorded users %+v entries %+v", users, entries)
	}
}
