package domain

import (
	"time"
)

const (
	// MaxPayloadTags caps the consolidated tag union.
	MaxPayloadTags = 25
	// MaxPulseNames is how many source report names are kept for inspection.
	MaxPulseNames = 5
	// MaxPassiveDNS caps passive DNS rows kept in a payload.
	MaxPassiveDNS = 20
	// MaxRelatedURLs caps related URLs kept in a payload.
	MaxRelatedURLs = 20
)

// EnrichmentResult is the outcome of one lookup. Found=false is a signal,
// not an error: Reason says why and Error carries upstream failure text.
type EnrichmentResult struct {
	Indicator    string             `json:"indicator"`
	Type         IndicatorType      `json:"type"`
	Found        bool               `json:"found"`
	Reason       string             `json:"reason,omitempty"`
	Error        string             `json:"error,omitempty"`
	Cached       bool               `json:"cached"`
	Payload      *EnrichmentPayload `json:"payload,omitempty"`
	CredentialID string             `json:"-"`
}

// Reasons reported with Found=false.
const (
	ReasonNotFound       = "not found"
	ReasonNoCredentials  = "no credentials available"
	ReasonRateLimited    = "rate limited"
	ReasonUpstreamError  = "upstream error"
	ReasonUnsupported    = "unsupported indicator type"
	ReasonEmptyIndicator = "empty indicator"
)

// EnrichmentPayload consolidates every upstream section for an indicator.
type EnrichmentPayload struct {
	Reputation      *Reputation       `json:"reputation,omitempty"`
	Geo             *GeoInfo          `json:"geo,omitempty"`
	MalwareFamilies []string          `json:"malware_families,omitempty"`
	MalwareSamples  int               `json:"malware_samples,omitempty"`
	PulseCount      int               `json:"pulse_count"`
	PulseNames      []string          `json:"pulse_names,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	PassiveDNS      []PassiveDNSRow   `json:"passive_dns,omitempty"`
	RelatedURLs     []string          `json:"related_urls,omitempty"`
	Whois           map[string]string `json:"whois,omitempty"`
	Sections        []Section         `json:"sections"`
	FetchedAt       time.Time         `json:"fetched_at"`
}

// Reputation is the upstream reputation verdict.
type Reputation struct {
	ThreatScore int      `json:"threat_score"`
	Activities  []string `json:"activities,omitempty"`
}

// GeoInfo locates IP-like indicators.
type GeoInfo struct {
	CountryCode string  `json:"country_code,omitempty"`
	CountryName string  `json:"country_name,omitempty"`
	City        string  `json:"city,omitempty"`
	ASN         string  `json:"asn,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
}

// PassiveDNSRow is one historical resolution.
type PassiveDNSRow struct {
	Hostname   string `json:"hostname"`
	Address    string `json:"address"`
	RecordType string `json:"record_type,omitempty"`
	First      string `json:"first,omitempty"`
	Last       string `json:"last,omitempty"`
}

// SectionData is the decoded answer of a single upstream section.
// Only the fields relevant to the section are populated.
type SectionData struct {
	Section Section

	PulseCount      int
	PulseNames      []string
	PulseTags       []string
	MalwareFamilies []string
	Reputation      *Reputation
	Geo             *GeoInfo
	MalwareSamples  int
	PassiveDNS      []PassiveDNSRow
	URLs            []string
	Whois           map[string]string
}
