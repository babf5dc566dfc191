package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gregjones/httpcache"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/sqlbot/internal/models"
)

const jwksCacheTTL = time.Hour

// Verifier validates RS256 bearer tokens against the identity provider's
// published key set. Keys are fetched from the JWKS endpoint through a
// caching HTTP client and held per kid for an hour.
type Verifier struct {
	issuer   string
	audience string
	jwksURL  string

	httpClient *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
}

// NewVerifier creates a bearer-token verifier for the given issuer,
// audience and JWKS endpoint. A nil httpClient gets an in-memory caching
// client so repeated JWKS fetches hit the HTTP cache.
func NewVerifier(issuer, audience, jwksURL string, httpClient *http.Client) *Verifier {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: httpcache.NewTransport(httpcache.NewMemoryCache()),
			Timeout:   10 * time.Second,
		}
	}
	return &Verifier{
		issuer:     issuer,
		audience:   audience,
		jwksURL:    jwksURL,
		httpClient: httpClient,
		keys:       make(map[string]*rsa.PublicKey),
	}
}

// VerifyToken validates the raw bearer token and extracts the caller's
// identity from its claims. The subject comes from the sub claim, falling
// back to oid; a token without either is rejected.
func (v *Verifier) VerifyToken(ctx context.Context, tokenString string) (*Identity, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid header")
		}
		return v.publicKey(ctx, kid)
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		subject, _ = claims["oid"].(string)
	}
	if subject == "" {
		return nil, errors.New("token missing subject claim")
	}

	name, _ := claims["name"].(string)
	if name == "" {
		name = "Unknown User"
	}
	email, _ := claims["preferred_username"].(string)

	identity := &Identity{
		Subject: subject,
		Profile: models.UserData{
			Name:  name,
			Email: email,
			Role:  ResolveRole(name),
		},
		AccessToken: tokenString,
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		identity.ExpiresAt = exp.Time
	}
	return identity, nil
}

// Middleware rejects requests without a valid bearer token and adds the
// extracted identity to the request context.
func (v *Verifier) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := extractBearerToken(r)
			if tokenString == "" {
				log.Warn().Str("path", r.URL.Path).Msg("Missing Authorization header")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			identity, err := v.VerifyToken(r.Context(), tokenString)
			if err != nil {
				log.Warn().Err(err).Str("path", r.URL.Path).Msg("Bearer token rejected")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// StaticIdentityMiddleware injects a fixed identity into every request.
// Development only; pairs with the server's --no-auth flag.
func StaticIdentityMiddleware(identity *Identity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// publicKey returns the RSA public key for kid, refreshing the JWKS cache
// when the kid is unknown or the cache has aged out.
func (v *Verifier) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	fresh := time.Now().Before(v.expiresAt)
	v.mu.RUnlock()

	if ok && fresh {
		return key, nil
	}

	if err := v.refreshKeys(ctx); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok = v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("kid not found in JWKS: %s", kid)
	}
	return key, nil
}

func (v *Verifier) refreshKeys(ctx context.Context) error {
	log.Debug().Str("jwks_url", v.jwksURL).Msg("Fetching JWKS")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create JWKS request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS request failed: %s", resp.Status)
	}

	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey)
	for _, jwk := range jwks.Keys {
		kid, ok := jwk["kid"].(string)
		if !ok {
			log.Warn().Msg("JWK missing kid")
			continue
		}
		key, err := parseRSAJWK(jwk)
		if err != nil {
			log.Warn().Err(err).Str("kid", kid).Msg("Failed to parse JWK")
			continue
		}
		keys[kid] = key
	}

	v.mu.Lock()
	v.keys = keys
	v.expiresAt = time.Now().Add(jwksCacheTTL)
	v.mu.Unlock()

	log.Info().Int("total_keys", len(keys)).Msg("Cached JWKS")
	return nil
}

// parseRSAJWK parses an RSA JWK into an rsa.PublicKey.
func parseRSAJWK(jwk map[string]any) (*rsa.PublicKey, error) {
	kty, ok := jwk["kty"].(string)
	if !ok || kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type: %v", kty)
	}

	nStr, ok := jwk["n"].(string)
	if !ok {
		return nil, errors.New("missing modulus")
	}
	eStr, ok := jwk["e"].(string)
	if !ok {
		return nil, errors.New("missing exponent")
	}

	nBytes, err := base64.RawURLEncoding.DecodeString(nStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}

// extractBearerToken extracts the bearer token from the Authorization header.
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return parts[1]
}
