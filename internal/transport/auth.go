package transport

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/funnel/internal/config"
	"github.com/pitabwire/funnel/model"
)

var (
	errNoSecret   = errors.New("auth: no shared secret configured")
	errNoKeySet   = errors.New("auth: no key set configured")
	errMissingKid = errors.New("auth: token header has no kid")
	errUnknownKid = errors.New("auth: unknown signing key")
)

// jsonWebKey holds the members of an RFC 7517 key used for verification.
type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// KeySet caches the identity provider's published signing keys. Concurrent
// misses share one fetch, and the endpoint is polled at most once per
// minRefresh even when tokens carry unknown kids.
type KeySet struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	client     *http.Client
	logger     *zap.Logger
	fetches    singleflight.Group

	mu      sync.RWMutex
	keys    map[string]crypto.PublicKey
	fetched time.Time
}

func NewKeySet(url string, ttl time.Duration, logger *zap.Logger) *KeySet {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeySet{
		url:        url,
		ttl:        ttl,
		minRefresh: 5 * time.Minute,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		keys:       map[string]crypto.PublicKey{},
	}
}

func (ks *KeySet) cached(kid string) (key crypto.PublicKey, found, fresh bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	key, found = ks.keys[kid]
	return key, found, time.Since(ks.fetched) <= ks.ttl
}

// Key returns the public key for kid, refreshing the set when kid is unknown
// or the cache has expired. A failed refresh falls back to a stale key.
func (ks *KeySet) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	if key, found, fresh := ks.cached(kid); found && fresh {
		return key, nil
	}

	_, err, _ := ks.fetches.Do("refresh", func() (any, error) {
		return nil, ks.refresh(ctx)
	})
	key, found, _ := ks.cached(kid)
	switch {
	case found && err != nil:
		ks.logger.Warn("signing key refresh failed, serving cached key",
			zap.String("kid", kid), zap.Error(err))
		return key, nil
	case found:
		return key, nil
	case err != nil:
		return nil, fmt.Errorf("auth: fetch signing keys: %w", err)
	}
	return nil, fmt.Errorf("%w %q", errUnknownKid, kid)
}

func (ks *KeySet) refresh(ctx context.Context) error {
	ks.mu.RLock()
	recent := len(ks.keys) > 0 && time.Since(ks.fetched) < ks.minRefresh
	ks.mu.RUnlock()
	if recent {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := ks.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("key endpoint returned %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return fmt.Errorf("decode key set: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.Kid == "" {
			continue
		}
		key, err := jwk.publicKey()
		if err != nil {
			ks.logger.Warn("signing key skipped", zap.String("kid", jwk.Kid), zap.Error(err))
			continue
		}
		if key != nil {
			keys[jwk.Kid] = key
		}
	}

	ks.mu.Lock()
	ks.keys, ks.fetched = keys, time.Now()
	ks.mu.Unlock()
	ks.logger.Debug("signing keys refreshed", zap.Int("keys", len(keys)))
	return nil
}

// publicKey decodes RSA and EC keys. Other key types yield nil, nil.
func (k jsonWebKey) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := decodeBigInt("n", k.N)
		if err != nil {
			return nil, err
		}
		e, err := decodeBigInt("e", k.E)
		if err != nil {
			return nil, err
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		curve, ok := map[string]elliptic.Curve{
			"P-256": elliptic.P256(),
			"P-384": elliptic.P384(),
			"P-521": elliptic.P521(),
		}[k.Crv]
		if !ok {
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := decodeBigInt("x", k.X)
		if err != nil {
			return nil, err
		}
		y, err := decodeBigInt("y", k.Y)
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	}
	return nil, nil
}

func decodeBigInt(member, v string) (*big.Int, error) {
	if v == "" {
		return nil, fmt.Errorf("missing %q", member)
	}
	b, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", member, err)
	}
	return new(big.Int).SetBytes(b), nil
}

// JWTAuthenticator verifies the bearer token and stores its claims and raw
// form in the request context. HMAC tokens are checked against the shared
// secret; asymmetric ones against keys, looked up by kid. keys may be nil
// when only a secret is configured.
//
// Browsers cannot set headers on a websocket handshake, so an upgrade request
// may carry the token in the access_token query parameter instead.
func JWTAuthenticator(cfg config.IdentityConfig, keys *KeySet) func(http.Handler) http.Handler {
	secret := cfg.Secret()
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	keyFor := func(ctx context.Context) jwt.Keyfunc {
		return func(token *jwt.Token) (any, error) {
			if _, hmac := token.Method.(*jwt.SigningMethodHMAC); hmac {
				if secret == nil {
					return nil, errNoSecret
				}
				return secret, nil
			}
			if keys == nil {
				return nil, errNoKeySet
			}
			kid, _ := token.Header["kid"].(string)
			if kid == "" {
				return nil, errMissingKid
			}
			return keys.Key(ctx, kid)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				WriteError(w, err)
				return
			}

			claims := jwt.MapClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, keyFor(r.Context())); err != nil {
				WriteError(w, model.NewUnauthorizedError(describeTokenError(err)))
				return
			}

			next.ServeHTTP(w, r.WithContext(withCredential(r.Context(), claims, raw)))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" && isWebSocketUpgrade(r) {
		if t := r.URL.Query().Get("access_token"); t != "" {
			return t, nil
		}
	}
	if header == "" {
		return "", model.NewUnauthorizedError("Missing authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", model.NewUnauthorizedError("Invalid authorization header format")
	}
	return token, nil
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// describeTokenError maps a verification failure to the client-facing
// message. Key lookup errors come first since jwt reports them as
// unverifiable tokens.
func describeTokenError(err error) string {
	switch {
	case errors.Is(err, errNoSecret), errors.Is(err, errNoKeySet),
		errors.Is(err, errMissingKid), errors.Is(err, errUnknownKid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Unknown signing key"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		if strings.Contains(err.Error(), "signing method") {
			return "Disallowed signing algorithm"
		}
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	}
	return "Invalid token"
}
