package domain

import (
	"encoding/json"
	"net/netip"
	"regexp"
	"strings"
	"time"
)

// IndicatorType is the syntactic class of an indicator value.
type IndicatorType string

const (
	TypeIPv4     IndicatorType = "IPv4"
	TypeIPv6     IndicatorType = "IPv6"
	TypeDomain   IndicatorType = "domain"
	TypeHostname IndicatorType = "hostname"
	TypeURL      IndicatorType = "URL"
	TypeMD5      IndicatorType = "FileHash-MD5"
	TypeSHA1     IndicatorType = "FileHash-SHA1"
	TypeSHA256   IndicatorType = "FileHash-SHA256"
	TypeEmail    IndicatorType = "email"
	TypeCVE      IndicatorType = "CVE"
)

// Section is one upstream lookup facet for an indicator.
type Section string

const (
	SectionGeneral    Section = "general"
	SectionReputation Section = "reputation"
	SectionGeo        Section = "geo"
	SectionMalware    Section = "malware"
	SectionPassiveDNS Section = "passive_dns"
	SectionURLList    Section = "url_list"
	SectionWhois      Section = "whois"
)

var (
	urlSchemeRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)
	hexRegex       = regexp.MustCompile(`^[0-9a-fA-F]+$`)
)

// DetectIndicatorType classifies a raw indicator purely by its format.
// The result is deterministic and never fails; unknown shapes are hostnames.
func DetectIndicatorType(value string) IndicatorType {
	v := strings.TrimSpace(value)
	if urlSchemeRegex.MatchString(v) {
		return TypeURL
	}
	if addr, err := netip.ParseAddr(v); err == nil && addr.Zone() == "" {
		if addr.Is4() {
			return TypeIPv4
		}
		return TypeIPv6
	}
	switch {
	case hexRegex.MatchString(v) && len(v) == 32:
		return TypeMD5
	case hexRegex.MatchString(v) && len(v) == 40:
		return TypeSHA1
	case hexRegex.MatchString(v) && len(v) == 64:
		return TypeSHA256
	case strings.Contains(v, "."):
		return TypeDomain
	default:
		return TypeHostname
	}
}

// Sections returns the upstream sections queried for this indicator type.
// The general section is always first.
func (t IndicatorType) Sections() []Section {
	switch t {
	case TypeIPv4, TypeIPv6:
		return []Section{SectionGeneral, SectionReputation, SectionGeo, SectionMalware, SectionURLList, SectionPassiveDNS}
	case TypeDomain, TypeHostname:
		return []Section{SectionGeneral, SectionGeo, SectionMalware, SectionURLList, SectionPassiveDNS, SectionWhois}
	case TypeURL:
		return []Section{SectionGeneral, SectionURLList}
	case TypeMD5, TypeSHA1, TypeSHA256, TypeCVE:
		return []Section{SectionGeneral}
	case TypeEmail:
		return nil
	default:
		return nil
	}
}

// Priority is the threat level of an indicator record.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// HighPriorities are the levels a priority-only batch is restricted to.
var HighPriorities = []Priority{PriorityHigh, PriorityCritical}

// IndicatorRecord is an enrichable unit owned by the backing store. This
// subsystem only writes the enrichment and export fields.
type IndicatorRecord struct {
	ID                string          `json:"id"`
	ParentID          string          `json:"parent_id,omitempty"`
	Value             string          `json:"value"`
	Type              IndicatorType   `json:"type"`
	Priority          Priority        `json:"threat_level"`
	EnrichmentPayload json.RawMessage `json:"enrichment_payload,omitempty"`
	EnrichedAt        *time.Time      `json:"enriched_at,omitempty"`
	Exported          bool            `json:"exported"`
	ExternalID        *string         `json:"external_id,omitempty"`
	ExportedAt        *time.Time      `json:"exported_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// IndicatorFilter selects candidate records for enrichment or export.
type IndicatorFilter struct {
	Type         IndicatorType
	PriorityOnly bool
	ParentID     string
	OnlyPending  bool
	Limit        int
}
