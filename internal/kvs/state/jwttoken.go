package state

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expClaimFromToken opportunistically parses token as a JWT and returns its
// "exp" claim. Streaming tokens are opaque per spec §6 (the host, not this
// library, owns their format), but several real KVS deployments hand back
// a JWT-shaped token; when one is recognized, SetToken cross-checks it
// against the host-supplied expiresAt and prefers whichever is earlier, so
// a host that passes a stale expiresAt can't accidentally extend a token
// past what the token itself grants. A non-JWT or unparseable token is not
// an error — it just means no cross-check is attempted.
func expClaimFromToken(token []byte) (time.Time, bool) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	// ParseUnverified: this library holds no signing key for the host's
	// token issuer and is not responsible for authenticating it, only for
	// reading the expiry it already trusts via the service callback that
	// produced it.
	if _, _, err := parser.ParseUnverified(string(token), claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
