package otx

import (
	"fmt"

	"github.com/poyrazK/intelsync/internal/core/domain"
	"github.com/tidwall/gjson"
)

func decodeSection(section domain.Section, doc gjson.Result) (*domain.SectionData, error) {
	if !doc.IsObject() {
		return nil, fmt.Errorf("%w: section %s is not an object", domain.ErrUpstreamData, section)
	}
	data := &domain.SectionData{Section: section}

	switch section {
	case domain.SectionGeneral:
		decodeGeneral(doc, data)
	case domain.SectionReputation:
		rep := doc.Get("reputation")
		if rep.IsObject() {
			data.Reputation = &domain.Reputation{
				ThreatScore: int(rep.Get("threat_score").Int()),
				Activities:  stringList(rep.Get("activities.#.name")),
			}
		}
	case domain.SectionGeo:
		data.Geo = decodeGeo(doc)
	case domain.SectionMalware:
		data.MalwareSamples = int(doc.Get("count").Int())
		if data.MalwareSamples == 0 {
			data.MalwareSamples = int(doc.Get("data.#").Int())
		}
	case domain.SectionPassiveDNS:
		doc.Get("passive_dns").ForEach(func(_, row gjson.Result) bool {
			data.PassiveDNS = append(data.PassiveDNS, domain.PassiveDNSRow{
				Hostname:   row.Get("hostname").String(),
				Address:    row.Get("address").String(),
				RecordType: row.Get("record_type").String(),
				First:      row.Get("first").String(),
				Last:       row.Get("last").String(),
			})
			return len(data.PassiveDNS) < domain.MaxPassiveDNS
		})
	case domain.SectionURLList:
		data.URLs = stringList(doc.Get("url_list.#.url"))
	case domain.SectionWhois:
		doc.Get("data").ForEach(func(_, item gjson.Result) bool {
			key, value := item.Get("key").String(), item.Get("value")
			if key == "" || value.Type != gjson.String || value.String() == "" {
				return true
			}
			if data.Whois == nil {
				data.Whois = make(map[string]string)
			}
			data.Whois[key] = value.String()
			return true
		})
	default:
		return nil, fmt.Errorf("%w: unknown section %s", domain.ErrUpstreamData, section)
	}
	return data, nil
}

func decodeGeneral(doc gjson.Result, data *domain.SectionData) {
	pulses := doc.Get("pulse_info.pulses")
	data.PulseCount = int(doc.Get("pulse_info.count").Int())
	if data.PulseCount == 0 {
		data.PulseCount = int(pulses.Get("#").Int())
	}

	pulses.ForEach(func(_, pulse gjson.Result) bool {
		if name := pulse.Get("name").String(); name != "" {
			data.PulseNames = append(data.PulseNames, name)
		}
		data.PulseTags = append(data.PulseTags, stringList(pulse.Get("tags"))...)
		// Families come back either as plain strings or as objects.
		pulse.Get("malware_families").ForEach(func(_, fam gjson.Result) bool {
			name := fam.String()
			if fam.IsObject() {
				name = fam.Get("display_name").String()
			}
			if name != "" {
				data.MalwareFamilies = append(data.MalwareFamilies, name)
			}
			return true
		})
		return true
	})

	if doc.Get("country_code").Exists() {
		data.Geo = decodeGeo(doc)
	}
}

func decodeGeo(doc gjson.Result) *domain.GeoInfo {
	geo := &domain.GeoInfo{
		CountryCode: doc.Get("country_code").String(),
		CountryName: doc.Get("country_name").String(),
		City:        doc.Get("city").String(),
		ASN:         doc.Get("asn").String(),
		Latitude:    doc.Get("latitude").Float(),
		Longitude:   doc.Get("longitude").Float(),
	}
	if *geo == (domain.GeoInfo{}) {
		return nil
	}
	return geo
}

func stringList(r gjson.Result) []string {
	var out []string
	r.ForEach(func(_, v gjson.Result) bool {
		if s := v.String(); s != "" {
			out = append(out, s)
		}
		return true
	})
	return out
}
