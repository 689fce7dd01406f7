package storage

import (
	"context"
)

type contextKey int

const (
	sessionIDKey contextKey = iota
	actorKey
)

func SetSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

func SessionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey).(string)
	return id, ok
}

// SetActor records who is acting, for the audit log.
func SetActor(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, actorKey, name)
}

func Actor(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(actorKey).(string)
	return name, ok
}
