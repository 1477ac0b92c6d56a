package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aetherpro/fabric/internal/auth"
	"github.com/aetherpro/fabric/internal/fabric"
	"github.com/aetherpro/fabric/internal/trace"
)

type authKey struct{}

// AuthFromContext returns the verified caller identity set by Auth.
func AuthFromContext(ctx context.Context) fabric.AuthContext {
	if ac, ok := ctx.Value(authKey{}).(fabric.AuthContext); ok {
		return ac
	}
	return fabric.AuthContext{Mode: fabric.AuthNone}
}

// Auth verifies the caller before any handler runs. Failures are rejected
// with 401 and the canonical error envelope; the trace context is minted
// here so even rejected calls are traceable.
func Auth(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred := auth.Credential{Bearer: bearerToken(r)}
			if raw := r.Header.Get("X-Fabric-Passport"); raw != "" {
				var passport map[string]any
				if err := json.Unmarshal([]byte(raw), &passport); err == nil {
					cred.Passport = passport
				}
			}

			ac, err := verifier.Verify(cred)
			if err != nil {
				tc := trace.Adopt(r.Header.Get("X-Trace-Id"), "")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(fabric.FailResponse(tc, err))
				return
			}

			ctx := context.WithValue(r.Context(), authKey{}, ac)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	if strings.HasPrefix(h, "Bearer ") || strings.HasPrefix(h, "bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return ""
}
