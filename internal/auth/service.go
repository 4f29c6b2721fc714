package auth

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"kgchat/internal/config"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrForbidden    = errors.New("missing required role")
)

// Identity is the authenticated caller.
type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

// HasRole reports whether the identity carries role.
func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

type roleSet struct {
	Roles []string `json:"roles"`
}

// claims follow the Keycloak access token layout.
type claims struct {
	jwt.RegisteredClaims
	Email             string             `json:"email"`
	PreferredUsername string             `json:"preferred_username"`
	AuthorizedParty   string             `json:"azp"`
	RealmAccess       roleSet            `json:"realm_access"`
	ResourceAccess    map[string]roleSet `json:"resource_access"`
}

var rsaMethods = []string{"RS256", "RS384", "RS512"}

func staticKey(key any) jwt.Keyfunc {
	return func(*jwt.Token) (interface{}, error) { return key, nil }
}

// Service validates bearer tokens issued by the identity provider.
type Service struct {
	issuer       string
	clientID     string
	requiredRole string
	keyFunc      jwt.Keyfunc
	methods      []string
	headerName   string
}

// NewService builds a validator from config. Keys are taken, in order,
// from the RSA public key file, the JWKS URL, the shared HMAC secret, and
// finally the Keycloak certs endpoint of the issuer.
func NewService(cfg config.AuthConfig) (*Service, error) {
	s := &Service{
		issuer:       cfg.Issuer,
		clientID:     cfg.ClientID,
		requiredRole: cfg.RequiredRole,
		headerName:   "Authorization",
	}
	switch {
	case cfg.PublicKeyPath != "":
		pem, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read auth public key: %w", err)
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("parse auth public key: %w", err)
		}
		s.keyFunc = staticKey(key)
		s.methods = rsaMethods
	case cfg.JWKSURL != "":
		s.keyFunc = newKeySet(cfg.JWKSURL, nil).keyFunc
		s.methods = rsaMethods
	case cfg.HMACSecret != "":
		s.keyFunc = staticKey([]byte(cfg.HMACSecret))
		s.methods = []string{"HS256", "HS384", "HS512"}
	case cfg.Issuer != "":
		s.keyFunc = newKeySet(KeycloakCertsURL(cfg.Issuer), nil).keyFunc
		s.methods = rsaMethods
	default:
		return nil, errors.New("auth: no verification key configured")
	}
	return s, nil
}

// ValidateToken verifies signature, expiry, issuer and audience and returns
// the identity carried by the token.
func (s *Service) ValidateToken(raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, fmt.Errorf("%w: token required", ErrInvalidToken)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods(s.methods), jwt.WithExpirationRequired()}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var c claims
	if _, err := jwt.ParseWithClaims(raw, &c, s.keyFunc, opts...); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if s.clientID != "" && c.AuthorizedParty != s.clientID && !slices.Contains(c.Audience, s.clientID) {
		return Identity{}, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}

	email := c.Email
	if email == "" {
		email = c.PreferredUsername
	}
	if email == "" {
		return Identity{}, fmt.Errorf("%w: no email claim", ErrInvalidToken)
	}

	roles := append([]string{}, c.RealmAccess.Roles...)
	if s.clientID != "" {
		roles = append(roles, c.ResourceAccess[s.clientID].Roles...)
	}
	return Identity{
		Subject: c.Subject,
		Email:   strings.ToLower(strings.TrimSpace(email)),
		Roles:   roles,
	}, nil
}

// Authorize checks the required role.
func (s *Service) Authorize(id Identity) error {
	if s.requiredRole != "" && !id.HasRole(s.requiredRole) {
		return fmt.Errorf("%w: %s", ErrForbidden, s.requiredRole)
	}
	return nil
}
