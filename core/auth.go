// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"

	jwt "github.com/golang-jwt/jwt/v5"
)

type contextKey string

const USER_CONTEXT_KEY contextKey = "userId"

func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, USER_CONTEXT_KEY, userID)
}

// UserIDFromContext returns the acting user or "" for anonymous requests.
func UserIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(USER_CONTEXT_KEY).(string); ok {
		return id
	}
	return ""
}

// UserIDFromClaims reads the user id of a bearer token: the sub claim, or
// userId for tokens issued by older clients.
func UserIDFromClaims(claims jwt.MapClaims) string {
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub
	}
	if id, ok := claims["userId"].(string); ok {
		return id
	}
	return ""
}
