package dashboard

import (
	"context"

	"github.com/markus-barta/wipboard/internal/store"
)

type contextKey string

const (
	sessionContextKey contextKey = "session"
	tokenContextKey   contextKey = "token"
)

func withSession(ctx context.Context, session *store.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}

// sessionFromContext returns nil for token-authenticated requests.
func sessionFromContext(ctx context.Context) *store.Session {
	session, _ := ctx.Value(sessionContextKey).(*store.Session)
	return session
}

func withToken(ctx context.Context) context.Context {
	return context.WithValue(ctx, tokenContextKey, true)
}

func tokenFromContext(ctx context.Context) bool {
	ok, _ := ctx.Value(tokenContextKey).(bool)
	return ok
}
