// Package context carries operation identity through context.Context for
// logging and history.
package context

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// contextKey is unexported so keys cannot collide with other packages.
// Each key is a distinct value of the type.
type contextKey int

const (
	operationIDKey contextKey = iota
	operationKey
	startTimeKey
)

// WithOperationID adds an operation ID, generating one when id is empty
func WithOperationID(parent context.Context, id string) context.Context {
	if id == "" {
		id = GenerateOperationID()
	}
	return context.WithValue(parent, operationIDKey, id)
}

// GetOperationID retrieves the operation ID, or "" when absent
func GetOperationID(ctx context.Context) string {
	if id, ok := ctx.Value(operationIDKey).(string); ok {
		return id
	}
	return ""
}

// WithOperation adds an operation name
func WithOperation(parent context.Context, operation string) context.Context {
	return context.WithValue(parent, operationKey, operation)
}

// GetOperation retrieves the operation name, or "" when absent
func GetOperation(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey).(string); ok {
		return op
	}
	return ""
}

// WithStartTime records when the operation started
func WithStartTime(parent context.Context, startTime time.Time) context.Context {
	return context.WithValue(parent, startTimeKey, startTime)
}

// GetStartTime retrieves the start time. ok is false when none was recorded.
func GetStartTime(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(startTimeKey).(time.Time)
	return t, ok
}

// GetDuration returns the time elapsed since the recorded start, or zero
func GetDuration(ctx context.Context) time.Duration {
	start, ok := GetStartTime(ctx)
	if !ok {
		return 0
	}
	return time.Since(start)
}

// GenerateOperationID creates a new unique operation ID
func GenerateOperationID() string {
	return "op_" + uuid.New().String()
}

// NewOperation returns a context describing a freshly started operation
func NewOperation(parent context.Context, operation string) context.Context {
	ctx := WithOperationID(parent, "")
	ctx = WithOperation(ctx, operation)
	return WithStartTime(ctx, time.Now())
}
