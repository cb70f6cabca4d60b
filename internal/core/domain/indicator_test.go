package domain

import "testing"

func TestDetectIndicatorType(t *testing.T) {
	tests := []struct {
		value string
		want  IndicatorType
	}{
		{"http://evil.example.com/payload.bin", TypeURL},
		{"evil.example.com/gate.php", TypeDomain},
		{"ftp://files.example.org", TypeURL},
		{"8.8.8.8", TypeIPv4},
		{" 10.0.0.1 ", TypeIPv4},
		{"256.1.1.1", TypeDomain},
		{"2001:db8::1", TypeIPv6},
		{"::1", TypeIPv6},
		{"::ffff:1.2.3.4", TypeIPv6},
		{"fe80::1%eth0", TypeHostname},
		{"dead:beef:cafe", TypeHostname},
		{"01.2.3.4", TypeDomain},
		{"44d88612fea8a8f36de82e1278abb02f", TypeMD5},
		{"3395856ce81f2b7382dee72602f798b642f14140", TypeSHA1},
		{"275a021bbfb6489e54d471899f7db9d1663fc695ec2fe2a2c4538aabf651fd0f", TypeSHA256},
		{"44d88612fea8a8f36de82e1278abb02", TypeHostname},
		{"evil.example.com", TypeDomain},
		{"localhost", TypeHostname},
		{"WORKSTATION-01", TypeHostname},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			if got := DetectIndicatorType(tt.value); got != tt.want {
				t.Errorf("DetectIndicatorType(%q) = %s, want %s", tt.value, got, tt.want)
			}
		})
	}
}

func TestIndicatorType_Sections(t *testing.T) {
	has := func(sections []Section, s Section) bool {
		for _, x := range sections {
			if x == s {
				return true
			}
		}
		return false
	}

	for _, typ := range []IndicatorType{TypeIPv4, TypeIPv6, TypeDomain, TypeHostname, TypeURL, TypeMD5, TypeSHA1, TypeSHA256, TypeCVE} {
		sections := typ.Sections()
		if len(sections) == 0 || sections[0] != SectionGeneral {
			t.Errorf("%s: expected general section first, got %v", typ, sections)
		}
	}

	if !has(TypeIPv4.Sections(), SectionGeo) || !has(TypeIPv4.Sections(), SectionPassiveDNS) {
		t.Error("IPv4 should query geo and passive_dns")
	}
	if has(TypeIPv4.Sections(), SectionWhois) {
		t.Error("IPv4 should not query whois")
	}
	if !has(TypeDomain.Sections(), SectionWhois) || !has(TypeHostname.Sections(), SectionWhois) {
		t.Error("domain and hostname should query whois")
	}
	if has(TypeURL.Sections(), SectionGeo) || has(TypeSHA256.Sections(), SectionPassiveDNS) {
		t.Error("URL and hash types should not query geo or passive_dns")
	}
	if TypeEmail.Sections() != nil {
		t.Error("email has no upstream sections")
	}
}
