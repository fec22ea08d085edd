package auth

import (
	"context"
	"fmt"
	"net/url"

	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/logging"
)

// AllowedOrigins returns the CORS origin allowlist, falling back to local
// development defaults when none are configured.
func AllowedOrigins(configured []string, defaults []string) []string {
	if len(configured) == 0 {
		logging.Warn(context.Background(), fmt.Sprintf("No CORS origins configured. Using default development origins: %s", defaults))
		return defaults
	}
	return configured
}

// OriginAllowed checks a browser Origin header against the allowlist by
// scheme and host. Empty origins (non-browser clients) are allowed.
func OriginAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		allowedURL, err := url.Parse(a)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}
