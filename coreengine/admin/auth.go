package admin

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type approverKey struct{}

// ApproverFromContext returns the authenticated approver, if any.
func ApproverFromContext(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(approverKey{}).(string)
	return sub, ok && sub != ""
}

// RequireApprover verifies an HS256 bearer token signed with secret and
// stores its subject as the approver. Tokens must carry exp and sub.
func RequireApprover(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				writeProblem(w, r, http.StatusUnauthorized, "unauthorized", "approver authentication is not configured")
				return
			}
			auth := r.Header.Get("Authorization")
			if auth == "" {
				writeProblem(w, r, http.StatusUnauthorized, "unauthorized", "missing authorization header")
				return
			}
			tokenStr, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok {
				writeProblem(w, r, http.StatusUnauthorized, "unauthorized", "invalid authorization header format")
				return
			}

			token, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{},
				func(*jwt.Token) (any, error) { return secret, nil },
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
				jwt.WithLeeway(30*time.Second),
				jwt.WithExpirationRequired(),
			)
			if err != nil {
				writeProblem(w, r, http.StatusUnauthorized, "unauthorized", classifyJWTError(err))
				return
			}
			claims, ok := token.Claims.(*jwt.RegisteredClaims)
			if !ok || !token.Valid || claims.Subject == "" {
				writeProblem(w, r, http.StatusUnauthorized, "unauthorized", "token has no subject")
				return
			}

			ctx := context.WithValue(r.Context(), approverKey{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func classifyJWTError(err error) string {
	s := err.Error()
	switch {
	case strings.Contains(s, "expired"):
		return "token expired"
	case strings.Contains(s, "signing method"):
		return "disallowed signing algorithm"
	case strings.Contains(s, "signature"):
		return "invalid token signature"
	default:
		return "invalid token"
	}
}

// IssueApproverToken signs an HS256 token for subject, valid for ttl.
func IssueApproverToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign approver token: %w", err)
	}
	return signed, nil
}
