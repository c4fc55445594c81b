package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/elskow/warden/internal/config"
	"github.com/elskow/warden/internal/ids"
)

const opaqueTokenBytes = 32

var ErrInvalidToken = errors.New("invalid token")

// Claims is the access token payload.
type Claims struct {
	Roles                  []string `json:"roles"`
	Permissions            []string `json:"permissions"`
	MfaEnabled             bool     `json:"mfa_enabled"`
	Application            string   `json:"app"`
	OrganizationID         string   `json:"org_id,omitempty"`
	PasswordChangeRequired bool     `json:"pwd_change_required"`
	jwt.RegisteredClaims
}

// Subject is everything needed to mint an access token for one user.
type Subject struct {
	UserID                 string
	Roles                  []string
	Permissions            []string
	MfaEnabled             bool
	Application            string
	OrganizationID         string
	PasswordChangeRequired bool
}

type AccessToken struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

type Option func(*Issuer)

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

type Issuer struct {
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	pepper     []byte
	keys       *KeyRing
	now        func() time.Time
}

func NewIssuer(cfg *config.TokenConfig, keys *KeyRing, opts ...Option) (*Issuer, error) {
	if cfg.RefreshPepper == "" {
		return nil, errors.New("token.refresh_pepper must be set")
	}
	if cfg.AccessTokenTTL <= 0 || cfg.RefreshTokenTTL <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	i := &Issuer{
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		pepper:     []byte(cfg.RefreshPepper),
		keys:       keys,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

func (i *Issuer) AccessTTL() time.Duration  { return i.accessTTL }
func (i *Issuer) RefreshTTL() time.Duration { return i.refreshTTL }

func (i *Issuer) MintAccess(sub Subject) (AccessToken, error) {
	kid, key, err := i.keys.Signing()
	if err != nil {
		return AccessToken{}, err
	}

	now := i.now()
	jti := ids.NewUUID()
	expiresAt := now.Add(i.accessTTL)
	claims := &Claims{
		Roles:                  nonNil(sub.Roles),
		Permissions:            nonNil(sub.Permissions),
		MfaEnabled:             sub.MfaEnabled,
		Application:            sub.Application,
		OrganizationID:         sub.OrganizationID,
		PasswordChangeRequired: sub.PasswordChangeRequired,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   sub.UserID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	if err != nil {
		return AccessToken{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return AccessToken{Token: signed, ID: jti, ExpiresAt: expiresAt}, nil
}

// Parse verifies signature, issuer and expiry.
func (i *Issuer) Parse(tokenString string) (*Claims, error) {
	return i.parse(tokenString,
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
	)
}

// ParseIgnoringExpiry verifies the signature only. Refresh uses it to read
// the claims of the access token being replaced, which is usually expired.
func (i *Issuer) ParseIgnoringExpiry(tokenString string) (*Claims, error) {
	return i.parse(tokenString, jwt.WithoutClaimsValidation())
}

func (i *Issuer) parse(tokenString string, opts ...jwt.ParserOption) (*Claims, error) {
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	claims := &Claims{}
	tok, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, claims, i.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (i *Issuer) keyFunc(tok *jwt.Token) (interface{}, error) {
	kid, _ := tok.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("missing kid header")
	}
	return i.keys.PublicKey(kid)
}

// NewOpaque returns a fresh refresh value and the hash to store for it.
func (i *Issuer) NewOpaque() (raw, hash string, err error) {
	buf := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, i.Hash(raw), nil
}

// Hash is HMAC-SHA256 of raw keyed with the server pepper, hex encoded.
func (i *Issuer) Hash(raw string) string {
	mac := hmac.New(sha256.New, i.pepper)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
