package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Identity is the resolved user identity the core consumes. Credential
// validation itself is delegated to Clerk; the server only verifies the
// session token signature against the instance's JWKS.
type Identity struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	OrgID     string `json:"orgId,omitempty"`
}

// CustomClaims are the session-token claims Clerk issues.
type CustomClaims struct {
	SessionID string `json:"sid,omitempty"`
	OrgID     string `json:"org_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidator resolves a bearer credential to an Identity.
type TokenValidator interface {
	Resolve(tokenString string) (*Identity, error)
}

// Validator verifies Clerk session tokens using the instance JWKS.
type Validator struct {
	keyFunc jwt.Keyfunc
	issuer  string
}

// NewValidator creates a Validator for the given Clerk instance domain.
// It registers the JWKS endpoint with a refreshing cache and fetches the
// keys once to ensure connectivity.
func NewValidator(ctx context.Context, domain string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + domain)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &Validator{
		keyFunc: keyFunc,
		issuer:  issuerURL.String(),
	}, nil
}

// Resolve parses and validates a session token, returning the resolved
// identity. Invalid, expired, or mis-issued tokens fail with an error.
func (v *Validator) Resolve(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to CustomClaims")
	}

	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	return &Identity{
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
		OrgID:     claims.OrgID,
	}, nil
}

// DomainFromPublishableKey extracts the Clerk frontend API domain from a
// publishable key. The key is "pk_test_" or "pk_live_" followed by the
// base64-encoded domain with a trailing '$'.
func DomainFromPublishableKey(pk string) (string, error) {
	encoded, ok := strings.CutPrefix(pk, "pk_test_")
	if !ok {
		encoded, ok = strings.CutPrefix(pk, "pk_live_")
	}
	if !ok {
		return "", fmt.Errorf("publishable key has unexpected prefix")
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode publishable key: %w", err)
	}
	domain := strings.TrimSuffix(string(decoded), "$")
	if domain == "" {
		return "", fmt.Errorf("publishable key encodes no domain")
	}
	return domain, nil
}

// MockValidator is a development-only validator that accepts any token.
// It decodes the payload without verifying the signature so the userId
// matches what the frontend sent.
type MockValidator struct{}

func (m *MockValidator) Resolve(tokenString string) (*Identity, error) {
	id := &Identity{UserID: "dev-user-123", SessionID: "dev-session"}

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		if payload, err := base64.RawURLEncoding.DecodeString(parts[1]); err == nil {
			var claims map[string]interface{}
			if json.Unmarshal(payload, &claims) == nil {
				if sub, ok := claims["sub"].(string); ok && sub != "" {
					id.UserID = sub
				}
				if sid, ok := claims["sid"].(string); ok {
					id.SessionID = sid
				}
				if org, ok := claims["org_id"].(string); ok {
					id.OrgID = org
				}
			}
		}
	}

	return id, nil
}
