// Package usage records MCP tool invocations per user.
package usage

import (
	"context"
	"time"
)

// User identifies the caller of a tool.
type User struct {
	ID    string
	Email string
	Name  string
}

// Entry is one tool invocation.
type Entry struct {
	ID            string
	UserID        string
	UserEmail     string
	ToolName      string
	Arguments     string
	Result        string
	Timestamp     time.Time
	ExecutionTime time.Duration
	Success       bool
	ErrorMessage  string
}

// ToolCount is a row of the most-used tools table.
type ToolCount struct {
	Name  string
	Count int64
}

// Stats aggregates usage across all users.
type Stats struct {
	TotalUsers      int64
	TotalCalls      int64
	SuccessfulCalls int64
	SuccessRate     float64
	TopTools        []ToolCount
}

// Recorder persists tool invocations. Implementations must be safe for concurrent use.
type Recorder interface {
	Record(ctx context.Context, user User, entry Entry) error
}

// Nop discards every entry.
type Nop struct{}

// Record drops entry and always succeeds.
func (Nop) Record(context.Context, User, Entry) error { return nil }
