package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/jwtauth/v5"
)

const (
	accrefClaim = "accref"
	tokenIssuer = "vo_platform"
)

var ErrBadToken = errors.New("invalid product token")

// JwtManager issues and checks signed tokens granting access to single
// embargoed products. Tokens go into the access_url of datalink rows.
type JwtManager struct {
	auth *jwtauth.JWTAuth
}

func NewJwtManager(secret []byte) *JwtManager {
	return &JwtManager{auth: jwtauth.New("HS256", secret, nil)}
}

func (m *JwtManager) CreateProductToken(accref string, lifetime time.Duration) (string, error) {
	claims := map[string]interface{}{
		accrefClaim: accref,
		"iss":       tokenIssuer,
	}
	jwtauth.SetIssuedNow(claims)
	jwtauth.SetExpiryIn(claims, lifetime)
	_, token, err := m.auth.Encode(claims)
	if err != nil {
		return "", fmt.Errorf("cannot sign token for %s: %w", accref, err)
	}
	return token, nil
}

// ProductFromToken returns the accref a valid, unexpired token grants
// access to.
func (m *JwtManager) ProductFromToken(token string) (string, error) {
	parsed, err := jwtauth.VerifyToken(m.auth, token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	if parsed.Issuer() != tokenIssuer {
		return "", fmt.Errorf("%w: issued by %q", ErrBadToken, parsed.Issuer())
	}
	claim, _ := parsed.Get(accrefClaim)
	accref, ok := claim.(string)
	if !ok || accref == "" {
		return "", fmt.Errorf("%w: no accref", ErrBadToken)
	}
	return accref, nil
}

// TokenFromRequest finds a product token in the token parameter or a
// bearer authorization header.
func TokenFromRequest(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(bearer)
	}
	return ""
}
