package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

var errMissingBearer = errors.New("missing bearer token")

// BearerAuth rejects requests without a valid HS256 token signed with secret.
// An empty secret disables the check.
func BearerAuth(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err == nil {
				_, err = parser.Parse(raw, func(*jwt.Token) (any, error) { return key, nil })
			}
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("Rejected request")
				WriteUnauthorized(w, "a valid bearer token is required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", errMissingBearer
	}
	return token, nil
}
