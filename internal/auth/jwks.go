package auth

import (
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
)

const (
	jwksTimeout = 5 * time.Second
	// unknown kids trigger a refetch at most this often
	jwksMinRefresh = 30 * time.Second
)

// KeycloakCertsURL is the JWKS endpoint Keycloak publishes for a realm issuer.
func KeycloakCertsURL(issuer string) string {
	return strings.TrimRight(issuer, "/") + "/protocol/openid-connect/certs"
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// keySet caches the RSA signing keys of a JWKS endpoint by kid. Keys are
// fetched on first use and again when a token names an unknown kid, which
// is how the provider rotates keys.
type keySet struct {
	url    string
	client *http.Client

	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
	now     func() time.Time
}

func newKeySet(url string, client *http.Client) *keySet {
	if client == nil {
		client = &http.Client{Timeout: jwksTimeout}
	}
	return &keySet{url: url, client: client, now: time.Now}
}

// keyFunc resolves the verification key named by the token's kid header.
func (k *keySet) keyFunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)

	k.mu.Lock()
	defer k.mu.Unlock()
	if key, ok := k.lookup(kid); ok {
		return key, nil
	}
	if !k.fetched.IsZero() && k.now().Sub(k.fetched) < jwksMinRefresh {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	if err := k.refresh(); err != nil {
		return nil, err
	}
	if key, ok := k.lookup(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("unknown signing key %q", kid)
}

// lookup accepts an empty kid only when the set holds a single key.
func (k *keySet) lookup(kid string) (*rsa.PublicKey, bool) {
	if kid == "" {
		if len(k.keys) != 1 {
			return nil, false
		}
		for _, key := range k.keys {
			return key, true
		}
	}
	key, ok := k.keys[kid]
	return key, ok
}

func (k *keySet) refresh() error {
	k.fetched = k.now()
	resp, err := k.client.Get(k.url)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, j := range doc.Keys {
		if j.Kty != "RSA" || (j.Use != "" && j.Use != "sig") {
			continue
		}
		key, err := j.rsaKey()
		if err != nil {
			return fmt.Errorf("jwks key %q: %w", j.Kid, err)
		}
		keys[j.Kid] = key
	}
	if len(keys) == 0 {
		return errors.New("jwks has no RSA signing keys")
	}
	k.keys = keys
	return nil
}

func (j jwk) rsaKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(j.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(j.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if len(n) == 0 || !exp.IsInt64() || exp.Int64() < 3 || exp.Int64() > 1<<31-1 {
		return nil, errors.New("malformed key")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}
