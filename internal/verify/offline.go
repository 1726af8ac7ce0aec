package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MicahParks/jwkset"
	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/ggoodman/kcbearer/claims"
)

// CertsPath is appended to the realm URL to locate the realm's JWKS.
const CertsPath = "/protocol/openid-connect/certs"

// OfflineConfig configures signature based verification.
type OfflineConfig struct {
	// RealmURL is the expected issuer. Tokens carrying a different iss are
	// rejected.
	RealmURL string
	// PublicKey, when set, is the only key accepted. Otherwise keys are
	// fetched from the realm JWKS.
	PublicKey []byte
	// MinTimeBetweenJWKSRequests throttles JWKS refreshes triggered by
	// unknown key ids. Zero disables throttling.
	MinTimeBetweenJWKSRequests time.Duration
	HTTPClient                 *http.Client
	Logger                     *slog.Logger
}

// Offline verifies tokens locally without contacting the identity provider
// per request.
type Offline struct {
	realmURL string
	keyfunc  jwt.Keyfunc
	methods  []string
	cancel   context.CancelFunc
}

// NewOffline builds an offline verifier. When no public key is configured the
// realm JWKS is loaded in the background; the returned verifier stays usable
// until Close is called.
func NewOffline(ctx context.Context, cfg OfflineConfig) (*Offline, error) {
	if cfg.RealmURL == "" {
		return nil, errors.New("realm url is required")
	}
	if len(cfg.PublicKey) > 0 {
		key, err := ParsePublicKey(cfg.PublicKey)
		if err != nil {
			return nil, err
		}
		methods := methodsFor(key)
		if len(methods) == 0 {
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
		}
		return &Offline{
			realmURL: cfg.RealmURL,
			keyfunc:  func(*jwt.Token) (any, error) { return key, nil },
			methods:  methods,
			cancel:   func() {},
		}, nil
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	certsURL := realmEndpoint(cfg.RealmURL, CertsPath)
	jctx, cancel := context.WithCancel(ctx)
	kf, err := newJWKSKeyfunc(jctx, certsURL, cfg.MinTimeBetweenJWKSRequests, httpClientOrDefault(cfg.HTTPClient), log)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &Offline{
		realmURL: cfg.RealmURL,
		keyfunc:  kf.Keyfunc,
		methods:  allMethods,
		cancel:   cancel,
	}, nil
}

func newJWKSKeyfunc(ctx context.Context, certsURL string, minInterval time.Duration, client *http.Client, log *slog.Logger) (keyfunc.Keyfunc, error) {
	st, err := jwkset.NewStorageFromHTTP(certsURL, jwkset.HTTPClientStorageOptions{
		Client:                    client,
		Ctx:                       ctx,
		HTTPExpectedStatus:        http.StatusOK,
		HTTPMethod:                http.MethodGet,
		HTTPTimeout:               time.Minute,
		NoErrorReturnFirstHTTPReq: true,
		RefreshErrorHandler: func(ctx context.Context, err error) {
			log.WarnContext(ctx, "verify.jwks.refresh.fail", slog.String("url", certsURL), slog.String("err", err.Error()))
		},
		RefreshInterval: time.Hour,
	})
	if err != nil {
		return nil, err
	}
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	jc, err := jwkset.NewHTTPClient(jwkset.HTTPClientOptions{
		HTTPURLs:          map[string]jwkset.Storage{certsURL: st},
		RateLimitWaitMax:  time.Second,
		RefreshUnknownKID: rate.NewLimiter(limit, 1),
	})
	if err != nil {
		return nil, err
	}
	return keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: jc})
}

func (o *Offline) Name() string { return "offline" }

func (o *Offline) Verify(ctx context.Context, tok string) (*Verified, error) {
	parser := jwt.NewParser(jwt.WithValidMethods(o.methods))
	t, err := parser.Parse(tok, o.keyfunc)
	if err != nil {
		return nil, invalid(offlineReason(err), err)
	}
	mc, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return nil, invalid("invalid token", errors.New("unexpected claims type"))
	}
	if iss, ok := mc["iss"].(string); ok && iss != o.realmURL {
		return nil, invalid("invalid token (wrong ISS)", fmt.Errorf("issuer %q does not match %q", iss, o.realmURL))
	}
	return &Verified{Claims: claims.Claims(mc), Expiry: claims.ExpiryIssuedAt}, nil
}

func offlineReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "invalid token (expired)"
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return "invalid token (not yet valid)"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "invalid token (signature invalid)"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "invalid token (unverifiable)"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "invalid token (malformed)"
	default:
		return "invalid token"
	}
}

func (o *Offline) Close() error {
	o.cancel()
	return nil
}
