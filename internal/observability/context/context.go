package context

import (
	"context"
	"strings"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	actorTypeKey
	actorIDKey
	actorRoleKey
	issuanceRequestIDKey
)

// WithRequestID stores the HTTP correlation id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(requestIDKey).(string)
	return value
}

// WithActor stores who is acting on the request (user, system, sweeper).
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, actorTypeKey, strings.TrimSpace(actorType))
	return context.WithValue(ctx, actorIDKey, strings.TrimSpace(actorID))
}

func ActorFromContext(ctx context.Context) (string, string) {
	actorType, _ := ctx.Value(actorTypeKey).(string)
	actorID, _ := ctx.Value(actorIDKey).(string)
	return actorType, actorID
}

func WithActorRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, actorRoleKey, strings.ToLower(strings.TrimSpace(role)))
}

func ActorRoleFromContext(ctx context.Context) string {
	value, _ := ctx.Value(actorRoleKey).(string)
	return value
}

// WithIssuanceRequestID tags the context with the issuance idempotency key
// being driven, so log lines from the ledger and store layers correlate.
func WithIssuanceRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, issuanceRequestIDKey, strings.TrimSpace(requestID))
}

func IssuanceRequestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(issuanceRequestIDKey).(string)
	return value
}
