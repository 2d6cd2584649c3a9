package envoy

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiryMargin is how long before its embedded expiry a credential is
// already treated as expired, so it never lapses mid-request.
const ExpiryMargin = 60 * time.Second

// TokenInfo is the introspectable part of a gateway bearer token.
type TokenInfo struct {
	IssuedAt     time.Time
	ExpiresAt    time.Time
	SubjectLabel string // "owner" / "installer", or the username when absent
	Username     string
	Audience     string // gateway serial number
	Issuer       string
}

// ExpiresWithin reports whether now is at or past ExpiresAt minus margin.
func (i *TokenInfo) ExpiresWithin(margin time.Duration, now time.Time) bool {
	return !now.Before(i.ExpiresAt.Add(-margin))
}

// tokenClaims mirrors the payload issued by Entrez for local gateway access.
type tokenClaims struct {
	EnphaseUser string `json:"enphaseUser,omitempty"`
	Username    string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// DecodeToken extracts issue/expiry metadata from a three-segment JWT.
// The signature is never checked: the gateway is the trust root and this is
// only used to decide when to refresh.
func DecodeToken(token string) (*TokenInfo, error) {
	token = strings.TrimSpace(token)
	if n := strings.Count(token, ".") + 1; n != 3 {
		return nil, &MalformedCredentialError{Reason: "token must have 3 dot-separated segments"}
	}

	// Only the payload matters; the header and signature are never read.
	payload, err := decodeSegment(strings.Split(token, ".")[1])
	if err != nil {
		return nil, &MalformedCredentialError{Reason: "token payload is not base64", Err: err}
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, &MalformedCredentialError{Reason: "cannot decode token payload", Err: err}
	}

	if claims.ExpiresAt == nil {
		return nil, &MalformedCredentialError{Reason: "token payload has no exp claim"}
	}

	info := &TokenInfo{
		ExpiresAt: claims.ExpiresAt.Time,
		Username:  claims.Username,
		Issuer:    claims.Issuer,
	}
	if claims.IssuedAt != nil {
		info.IssuedAt = claims.IssuedAt.Time
	}
	if len(claims.Audience) > 0 {
		info.Audience = claims.Audience[0]
	}

	switch {
	case claims.EnphaseUser != "":
		info.SubjectLabel = claims.EnphaseUser
	case claims.Username != "":
		info.SubjectLabel = claims.Username
	default:
		info.SubjectLabel = claims.Subject
	}

	return info, nil
}

// decodeSegment accepts both the URL-safe and the standard base64 alphabet,
// with or without padding.
func decodeSegment(seg string) ([]byte, error) {
	seg = strings.TrimRight(seg, "=")
	if b, err := base64.RawURLEncoding.DecodeString(seg); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(seg)
}
