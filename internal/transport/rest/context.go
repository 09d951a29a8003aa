package rest

import (
	"context"
)

type AuthContext struct {
	UserID string
	Role   string
}

type authCtxKey struct{}

func withAuth(ctx context.Context, a AuthContext) context.Context {
	return context.WithValue(ctx, authCtxKey{}, a)
}

func GetAuth(ctx context.Context) (AuthContext, bool) {
	a, ok := ctx.Value(authCtxKey{}).(AuthContext)
	return a, ok
}
