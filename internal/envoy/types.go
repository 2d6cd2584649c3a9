// Package envoy is the authenticated access layer for an Enphase IQ gateway.
//
// It obtains bearer tokens (either a pre-provisioned long-lived token or an
// Enlighten login exchanged for a gateway token), trades them for a gateway
// session cookie, and retries calls once when the gateway reports the session
// as stale.
//
// Architecture:
//
//	 Client.Get ──▶ Session.EnsureValid ──▶ Acquirer.Acquire ──▶ Enlighten / Entrez
//	     │                  │
//	     │                  └──▶ GET /auth/check_jwt (Set-Cookie)
//	     └──▶ GET /production.json, /api/v1/production/inverters
package envoy

import "time"

// Credential is a bearer token together with its decoded metadata.
// It is replaced wholesale on refresh and never mutated.
type Credential struct {
	Token string
	Info  *TokenInfo
}

// ProdResponse is the body of GET /production.json?details=1.
type ProdResponse struct {
	Production  []Production `json:"production"`
	Consumption []Production `json:"consumption,omitempty"`
}

// Production is a single meter entry of ProdResponse. The first entry is the
// inverter total.
type Production struct {
	Type        string  `json:"type"`
	ActiveCount int     `json:"activeCount"`
	ReadingTime int64   `json:"readingTime"`
	WNow        float64 `json:"wNow"`
	WhLifetime  float64 `json:"whLifetime"`
}

// ReadingAt returns ReadingTime as a UTC time.
func (p Production) ReadingAt() time.Time {
	return time.Unix(p.ReadingTime, 0).UTC()
}

// Inverter is one element of GET /api/v1/production/inverters.
type Inverter struct {
	SerialNumber    string `json:"serialNumber"`
	LastReportDate  int64  `json:"lastReportDate"`
	DevType         int    `json:"devType"`
	LastReportWatts int    `json:"lastReportWatts"`
	MaxReportWatts  int    `json:"maxReportWatts"`
}

// LastReportAt returns LastReportDate as a UTC time.
func (i Inverter) LastReportAt() time.Time {
	return time.Unix(i.LastReportDate, 0).UTC()
}

// Gateway API paths.
const (
	PathProduction = "/production.json?details=1"
	PathInverters  = "/api/v1/production/inverters"
	PathCheckJWT   = "/auth/check_jwt"
)
