package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/wudi/appgate/internal/model"
	"github.com/wudi/appgate/variables"
)

var (
	errNoCredential = errors.New("auth: no credential")
	errUnknownKeyID = errors.New("key id not found in JWKS")
)

var signingMethods = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512", "EdDSA"}

// OIDCVerifier validates bearer tokens against an issuer's published keys.
type OIDCVerifier struct {
	keys *KeyCache
}

// NewOIDCVerifier creates a verifier backed by keys.
func NewOIDCVerifier(keys *KeyCache) *OIDCVerifier {
	return &OIDCVerifier{keys: keys}
}

// Verify checks signature, issuer, audience and expiry of the request's
// bearer token.
func (v *OIDCVerifier) Verify(ctx context.Context, r *http.Request, scheme model.AuthScheme) (*variables.Identity, error) {
	if scheme.OIDC == nil || scheme.OIDC.Issuer == "" {
		return nil, fmt.Errorf("auth scheme %q has no issuer", scheme.Name)
	}
	tokenString := extractToken(r)
	if tokenString == "" {
		return nil, errNoCredential
	}

	set, err := v.keys.Keys(ctx, scheme.OIDC)
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithIssuer(scheme.OIDC.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods(signingMethods),
	}
	if scheme.OIDC.Audience != "" {
		opts = append(opts, jwt.WithAudience(scheme.OIDC.Audience))
	}

	parser := jwt.NewParser(opts...)
	claims := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, keyFunc(set))
	if errors.Is(err, errUnknownKeyID) {
		// The issuer may have rotated its keys since the set was cached.
		fresh, refreshed, rerr := v.keys.Refresh(ctx, scheme.OIDC)
		if rerr != nil {
			return nil, rerr
		}
		if refreshed {
			claims = jwt.MapClaims{}
			token, err = parser.ParseWithClaims(tokenString, claims, keyFunc(fresh))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is not valid")
	}

	subject, _ := claims.GetSubject()
	if subject == "" {
		if cid, ok := claims["client_id"].(string); ok {
			subject = cid
		}
	}

	return &variables.Identity{
		Scheme:   scheme.Name,
		AuthType: model.AuthSchemeOIDC,
		Subject:  subject,
		Claims:   claims,
	}, nil
}

func keyFunc(set jwk.Set) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		var key jwk.Key
		kid, _ := token.Header["kid"].(string)
		if kid != "" {
			found, ok := set.LookupKeyID(kid)
			if !ok {
				return nil, fmt.Errorf("%w: %q", errUnknownKeyID, kid)
			}
			key = found
		} else {
			if set.Len() != 1 {
				return nil, errors.New("token has no kid and the key set is ambiguous")
			}
			key, _ = set.Key(0)
		}

		var raw interface{}
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("extract raw key: %w", err)
		}
		return raw, nil
	}
}

// extractToken extracts the bearer token from the Authorization header
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}
