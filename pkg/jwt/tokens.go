package jwt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformed indicates the value is not three decodable JWT segments.
	ErrMalformed = errors.New("jwt: malformed token")
	// ErrMissingIdentity indicates none of sub, user_id or id is present.
	ErrMissingIdentity = errors.New("jwt: token carries no identity claim")
	// ErrExpired indicates the exp claim is not in the future.
	ErrExpired = errors.New("jwt: token expired")
)

// FlexibleID accepts both string and numeric identifiers.
type FlexibleID string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexibleID(n.String())
	return nil
}

// Claims defines the payload fields the CLI reads from a bearer token.
type Claims struct {
	UserID   FlexibleID `json:"user_id,omitempty"`
	LegacyID FlexibleID `json:"id,omitempty"`
	Email    string     `json:"email,omitempty"`
	jwtlib.RegisteredClaims
}

// Identity returns the first non-empty of sub, user_id and id.
func (c *Claims) Identity() string {
	if c == nil {
		return ""
	}
	for _, candidate := range []string{c.Subject, string(c.UserID), string(c.LegacyID)} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// Decode extracts claims without verifying the signature. Signature checks
// belong to the API; the CLI only needs the claims for display and expiry.
// The header must still name a registered alg ("none" included); a token
// with a missing or unknown alg is ErrMalformed.
func Decode(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if strings.Count(token, ".") != 2 {
		return nil, ErrMalformed
	}
	claims := &Claims{}
	parser := jwtlib.NewParser(jwtlib.WithPaddingAllowed())
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return claims, nil
}

// Validate decodes token and checks identity and expiry against now.
func Validate(token string, now time.Time) (*Claims, error) {
	claims, err := Decode(token)
	if err != nil {
		return nil, err
	}
	if claims.Identity() == "" {
		return nil, ErrMissingIdentity
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.Time.After(now) {
		return nil, ErrExpired
	}
	return claims, nil
}

// GenerateToken issues an HS256 token for userID. Used by local tooling and
// tests; production tokens come from the identity provider.
func GenerateToken(userID, email, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:  userID,
			Issuer:   "forgekit",
			IssuedAt: jwtlib.NewNumericDate(now),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwtlib.NewNumericDate(now.Add(ttl))
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
