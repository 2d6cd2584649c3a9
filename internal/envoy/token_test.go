package envoy

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSerial = "122233445566"

// mintToken signs a token shaped like the ones Entrez issues. The key is
// irrelevant since the codec never verifies signatures.
func mintToken(t *testing.T, issuedAt, expiresAt time.Time) string {
	t.Helper()
	claims := tokenClaims{
		EnphaseUser: "owner",
		Username:    "owner@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "Entrez",
			Audience:  jwt.ClaimStrings{testSerial},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func TestDecodeTokenRoundTrip(t *testing.T) {
	issued := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	expires := issued.Add(365 * 24 * time.Hour)

	info, err := DecodeToken(mintToken(t, issued, expires))
	if err != nil {
		t.Fatalf("DecodeToken() error = %v", err)
	}

	if !info.IssuedAt.Equal(issued) {
		t.Errorf("IssuedAt = %v, want %v", info.IssuedAt, issued)
	}
	if !info.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v, want %v", info.ExpiresAt, expires)
	}
	if info.SubjectLabel != "owner" {
		t.Errorf("SubjectLabel = %q, want owner", info.SubjectLabel)
	}
	if info.Audience != testSerial {
		t.Errorf("Audience = %q, want %q", info.Audience, testSerial)
	}
	if info.Username != "owner@example.com" {
		t.Errorf("Username = %q, want owner@example.com", info.Username)
	}
}

func TestDecodeTokenSubjectFallback(t *testing.T) {
	enc := base64.RawURLEncoding
	header := enc.EncodeToString([]byte(`{"alg":"ES256","typ":"JWT"}`))

	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"username when no enphaseUser", `{"exp":4102444800,"username":"installer@example.com"}`, "installer@example.com"},
		{"sub when nothing else", `{"exp":4102444800,"sub":"abc"}`, "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := header + "." + enc.EncodeToString([]byte(tt.payload)) + ".sig"
			info, err := DecodeToken(token)
			if err != nil {
				t.Fatalf("DecodeToken() error = %v", err)
			}
			if info.SubjectLabel != tt.want {
				t.Errorf("SubjectLabel = %q, want %q", info.SubjectLabel, tt.want)
			}
		})
	}
}

func TestDecodeTokenToleratesUnknownAlgAndPadding(t *testing.T) {
	header := base64.URLEncoding.EncodeToString([]byte(`{"alg":"XS999"}`))
	payload := base64.URLEncoding.EncodeToString([]byte(`{"exp":4102444800,"iat":1700000000,"enphaseUser":"installer"}`))

	info, err := DecodeToken(header + "." + payload + ".c2ln")
	if err != nil {
		t.Fatalf("DecodeToken() error = %v", err)
	}
	if info.ExpiresAt.Unix() != 4102444800 {
		t.Errorf("ExpiresAt = %v, want unix 4102444800", info.ExpiresAt)
	}
	if info.SubjectLabel != "installer" {
		t.Errorf("SubjectLabel = %q, want installer", info.SubjectLabel)
	}
}

func TestDecodeTokenReadsOnlyPayload(t *testing.T) {
	// "?>>" encodes to "/" and "+" in the standard alphabet
	claims := `{"exp":4102444800,"enphaseUser":"owner","u":"u???>>>"}`
	stdPayload := base64.StdEncoding.EncodeToString([]byte(claims))
	if !strings.ContainsAny(stdPayload, "+/") {
		t.Fatalf("payload %q does not exercise the standard alphabet", stdPayload)
	}
	urlPayload := base64.RawURLEncoding.EncodeToString([]byte(claims))
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256"}`))

	tests := []struct {
		name  string
		token string
	}{
		{"header not json", "not-a-header." + urlPayload + ".sig"},
		{"standard alphabet with padding", header + "." + stdPayload + ".sig"},
		{"standard alphabet unpadded", header + "." + strings.TrimRight(stdPayload, "=") + ".sig"},
		{"empty header and signature", "." + urlPayload + "."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := DecodeToken(tt.token)
			if err != nil {
				t.Fatalf("DecodeToken() error = %v", err)
			}
			if info.ExpiresAt.Unix() != 4102444800 || info.SubjectLabel != "owner" {
				t.Errorf("DecodeToken() = %+v", info)
			}
		})
	}
}

func TestDecodeTokenMalformed(t *testing.T) {
	enc := base64.RawURLEncoding
	header := enc.EncodeToString([]byte(`{"alg":"HS256"}`))

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"one segment", "abcdef"},
		{"two segments", "abc.def"},
		{"four segments", "a.b.c.d"},
		{"payload not base64", header + ".!!!not-base64!!!.sig"},
		{"payload not json", header + "." + enc.EncodeToString([]byte("not json")) + ".sig"},
		{"payload empty", header + "..sig"},
		{"no exp claim", header + "." + enc.EncodeToString([]byte(`{"iat":1700000000}`)) + ".sig"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := DecodeToken(tt.token)
			if err == nil {
				t.Fatalf("DecodeToken() = %+v, want error", info)
			}
			if !IsMalformedCredential(err) {
				t.Errorf("error = %v, want MalformedCredential", err)
			}
		})
	}
}

func TestTokenInfoExpiresWithin(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		expires time.Time
		want    bool
	}{
		{"far future", now.Add(time.Hour), false},
		{"61s left", now.Add(61 * time.Second), false},
		{"exactly margin left", now.Add(60 * time.Second), true},
		{"59s left", now.Add(59 * time.Second), true},
		{"already expired", now.Add(-time.Minute), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &TokenInfo{ExpiresAt: tt.expires}
			if got := info.ExpiresWithin(ExpiryMargin, now); got != tt.want {
				t.Errorf("ExpiresWithin() = %v, want %v", got, tt.want)
			}
		})
	}
}
