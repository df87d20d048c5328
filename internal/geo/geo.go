// Package geo resolves network addresses to country/ISP/VPN enrichment.
// Lookups are best-effort: failures degrade to a neutral result so the
// decision pass is never blocked or failed by enrichment.
package geo

import (
	"context"

	"clickguardian/internal/identity"
)

// Result is the enrichment attached to an event. A neutral result uses "-"
// for unknown string fields and false for the VPN flag.
type Result struct {
	Country string  `json:"country"`
	Region  string  `json:"region"`
	City    string  `json:"city"`
	ISP     string  `json:"isp"`
	ASN     string  `json:"asn"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	VPN     bool    `json:"vpn"`
}

// Provider is the enrichment capability consumed by the decision engine.
// Implementations must not return errors to callers; a failed lookup yields
// Neutral().
type Provider interface {
	Lookup(ctx context.Context, ip string) Result
}

// Neutral is the all-unknown result substituted on enrichment failure.
func Neutral() Result {
	return Result{Country: "-", Region: "-", City: "-", ISP: "-", ASN: "-"}
}

// Local is the result for private and loopback addresses, which never go out
// to the upstream APIs.
func Local() Result {
	return Result{Country: "LOCAL", Region: "-", City: "Local", ISP: "LAN", ASN: "-"}
}

// IsLocal reports whether ip short-circuits to Local().
func IsLocal(ip string) bool {
	return ip == "" || identity.IsPrivate(ip)
}
