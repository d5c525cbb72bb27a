package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shaj13/go-guardian/auth"
	"github.com/shaj13/go-guardian/auth/strategies/bearer"
	"github.com/shaj13/go-guardian/store"

	"github.com/dkeye/teleconsult/internal/domain"
)

// expiryKey carries the token's exp through the cache as unix seconds.
const expiryKey = "exp"

// NewAuthenticator builds the REST authenticator: a cached bearer strategy
// whose cache misses are verified as JWTs. Verified tokens are remembered
// for ttl, but never honoured past their own exp; see IdentityFromInfo.
func NewAuthenticator(ctx context.Context, v *Verifier, ttl time.Duration) auth.Authenticator {
	authenticator := auth.New()
	cache := store.NewFIFO(ctx, ttl)
	strategy := bearer.New(func(_ context.Context, _ *http.Request, token string) (auth.Info, error) {
		identity, exp, err := v.verify(token)
		if err != nil {
			return nil, err
		}
		var ext map[string][]string
		if !exp.IsZero() {
			ext = map[string][]string{expiryKey: {strconv.FormatInt(exp.Unix(), 10)}}
		}
		return auth.NewDefaultUser(identity.Name, string(identity.ID), []string{string(identity.Role)}, ext), nil
	}, cache)
	authenticator.EnableStrategy(bearer.CachedStrategyKey, strategy)
	return authenticator
}

// IdentityFromInfo maps a guardian user back to a domain identity. The role
// travels as the first group. A cached user whose token has expired since it
// was verified is rejected.
func IdentityFromInfo(info auth.Info) (domain.Identity, error) {
	if exp := info.Extensions()[expiryKey]; len(exp) > 0 {
		unix, err := strconv.ParseInt(exp[0], 10, 64)
		if err != nil || !time.Now().Before(time.Unix(unix, 0)) {
			return domain.Identity{}, fmt.Errorf("token expired: %w", domain.ErrAuthentication)
		}
	}
	groups := info.Groups()
	if len(groups) == 0 {
		return domain.Identity{}, fmt.Errorf("no role: %w", domain.ErrAuthentication)
	}
	identity, err := domain.NewIdentity(info.ID(), domain.Role(groups[0]), info.UserName())
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%v: %w", err, domain.ErrAuthentication)
	}
	return identity, nil
}
