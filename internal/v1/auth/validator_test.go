package auth

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainFromPublishableKey(t *testing.T) {
	encode := func(domain string) string {
		return base64.StdEncoding.EncodeToString([]byte(domain + "$"))
	}

	domain, err := DomainFromPublishableKey("pk_test_" + encode("bright-falcon-12.clerk.accounts.dev"))
	require.NoError(t, err)
	assert.Equal(t, "bright-falcon-12.clerk.accounts.dev", domain)

	domain, err = DomainFromPublishableKey("pk_live_" + encode("clerk.torchvale.app"))
	require.NoError(t, err)
	assert.Equal(t, "clerk.torchvale.app", domain)
}

func TestDomainFromPublishableKey_Errors(t *testing.T) {
	_, err := DomainFromPublishableKey("sk_test_whatever")
	assert.ErrorContains(t, err, "unexpected prefix")

	_, err = DomainFromPublishableKey("pk_test_!!!not-base64!!!")
	assert.ErrorContains(t, err, "decode")

	_, err = DomainFromPublishableKey("pk_test_" + base64.StdEncoding.EncodeToString([]byte("$")))
	assert.ErrorContains(t, err, "no domain")
}

// fakeToken builds an unsigned JWT-shaped credential for the mock validator.
func fakeToken(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return strings.Join([]string{
		header,
		base64.RawURLEncoding.EncodeToString(payload),
		"signature",
	}, ".")
}

func TestMockValidator_DecodesClaims(t *testing.T) {
	m := &MockValidator{}

	id, err := m.Resolve(fakeToken(t, map[string]interface{}{
		"sub":    "user_2abc",
		"sid":    "sess_9xyz",
		"org_id": "org_777",
	}))
	require.NoError(t, err)

	assert.Equal(t, "user_2abc", id.UserID)
	assert.Equal(t, "sess_9xyz", id.SessionID)
	assert.Equal(t, "org_777", id.OrgID)
}

func TestMockValidator_FallsBackOnGarbage(t *testing.T) {
	m := &MockValidator{}

	id, err := m.Resolve("not-a-jwt")
	require.NoError(t, err)
	assert.Equal(t, "dev-user-123", id.UserID)
}

func TestAllowedOrigins(t *testing.T) {
	defaults := []string{"http://localhost:3000"}

	assert.Equal(t, defaults, AllowedOrigins(nil, defaults))
	configured := []string{"https://app.torchvale.app"}
	assert.Equal(t, configured, AllowedOrigins(configured, defaults))
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"https://app.torchvale.app", "http://localhost:3000"}

	assert.True(t, OriginAllowed("https://app.torchvale.app", allowed))
	assert.True(t, OriginAllowed("http://localhost:3000", allowed))
	assert.True(t, OriginAllowed("", allowed), "non-browser clients carry no origin")

	assert.False(t, OriginAllowed("https://evil.example.com", allowed))
	assert.False(t, OriginAllowed("http://app.torchvale.app", allowed), "scheme must match")
	assert.False(t, OriginAllowed("://bad", allowed))
}
