// Package auth provides authentication and authorization.
package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// problem is a minimal RFC 7807 application/problem+json body. pkg/httpapi
// has the full Problem type with the same shape; duplicated here rather
// than imported, since pkg/httpapi imports pkg/auth and importing back
// would cycle.
type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

const problemTypeBase = "https://controlplane.dev/problems/"

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem{
		Type:   problemTypeBase + slugify(title),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func slugify(title string) string {
	out := make([]byte, 0, len(title))
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, byte(r))
		case r >= 'A' && r <= 'Z':
			out = append(out, byte(r-'A'+'a'))
		case r == ' ' || r == '_':
			out = append(out, '-')
		}
	}
	return string(out)
}

// HTTPMiddleware extracts the bearer token from the Authorization header,
// validates it, and attaches the resulting claims to the request context.
func (v *JWTValidator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", "Missing Authorization header")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", "Invalid Authorization format, expected: Bearer <token>")
			return
		}

		claimsInterface, err := v.ValidateToken(r.Context(), tokenString)
		if err != nil {
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
			return
		}

		claims, ok := claimsInterface.(*Claims)
		if !ok {
			writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "invalid claims type")
			return
		}

		ctx := ContextWithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClaims extracts claims from request context. Returns nil if the
// request was never authenticated.
func GetClaims(r *http.Request) *Claims {
	return ClaimsFromContext(r.Context())
}

// RequireRole authenticates the request through validator.HTTPMiddleware
// and then checks the attached claims: they must carry one of
// allowedRoles, or the request is rejected with 403.
func RequireRole(validator *JWTValidator, allowedRoles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return validator.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaims(r)
			if claims == nil {
				writeProblem(w, http.StatusUnauthorized, "Unauthorized", "")
				return
			}
			if !claims.HasAnyRole(allowedRoles...) {
				writeProblem(w, http.StatusForbidden, "Forbidden", "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}
