package pairsignal

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/lucsky/cuid"
	"github.com/mentorlink/pairsignal/pkg/types"
)

var (
	errNoToken              = errors.New("no token")
	errTokenClaimsInvalid   = errors.New("token claims invalid: must have sub")
	errTokenMethodInvalid   = errors.New("unexpected token signing method")
	errKeyTypeUnsupported   = errors.New("unsupported key type")
	errAuthKeyNotConfigured = errors.New("auth enabled without a key")
)

type authToken struct {
	jwt.StandardClaims
}

func (t *authToken) Valid() error {
	if t.Subject == "" {
		return errTokenClaimsInvalid
	}
	return t.StandardClaims.Valid()
}

// bearerToken reads the credential from the Authorization header, falling back to the
// access_token query parameter browsers use for websockets.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
	}
	return r.URL.Query().Get("access_token")
}

func authGetAndValidateToken(config AuthConfig, r *http.Request) (*authToken, error) {
	if config.Key == "" {
		return nil, errAuthKeyNotConfigured
	}

	tokenStr := bearerToken(r)
	if tokenStr == "" {
		return nil, errNoToken
	}

	token, err := jwt.ParseWithClaims(tokenStr, &authToken{}, config.keyFunc)
	if err != nil {
		return nil, err
	}
	return token.Claims.(*authToken), nil
}

// authenticate resolves the identity of an incoming connection. With auth disabled
// every connection gets a synthetic anonymous identity.
func authenticate(config AuthConfig, r *http.Request) (types.Identity, error) {
	if !config.Enabled {
		return types.Identity("anonymous-" + cuid.New()), nil
	}

	token, err := authGetAndValidateToken(config, r)
	if err != nil {
		return "", err
	}
	return types.Identity(token.Subject), nil
}

// NewToken issues an HS256 token for subject, valid for ttl (no expiry when ttl is 0).
func NewToken(config AuthConfig, subject string, ttl time.Duration) (string, error) {
	if config.Key == "" {
		return "", errAuthKeyNotConfigured
	}

	claims := authToken{jwt.StandardClaims{
		Subject:  subject,
		IssuedAt: time.Now().Unix(),
	}}
	if ttl > 0 {
		claims.ExpiresAt = time.Now().Add(ttl).Unix()
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString([]byte(config.Key))
}
