package fingerprint

import (
	"errors"
	"testing"
)

func TestParseJA3_ChromeLike(t *testing.T) {
	ja3 := "771,4865-4866-4867-49195-49199-49196-49200-52393-52392-49171-49172-156-157-47-53,0-23-65281-10-11-35-16-5-13-18-51-45-43-27-17513-21,29-23-24,0"

	spec, err := ParseJA3(ja3)
	if err != nil {
		t.Fatalf("ParseJA3 failed: %v", err)
	}

	if spec.TLSVersMax != VersionTLS13 {
		t.Errorf("expected max TLS 1.3 (0x0304), got 0x%04x", spec.TLSVersMax)
	}
	if spec.TLSVersMin != VersionTLS12 {
		t.Errorf("expected min TLS 1.2 (0x0303), got 0x%04x", spec.TLSVersMin)
	}

	expectedCiphers := []uint16{4865, 4866, 4867, 49195, 49199, 49196, 49200,
		52393, 52392, 49171, 49172, 156, 157, 47, 53}
	if len(spec.CipherSuites) != len(expectedCiphers) {
		t.Fatalf("expected %d cipher suites, got %d", len(expectedCiphers), len(spec.CipherSuites))
	}
	for i, cs := range spec.CipherSuites {
		if cs != expectedCiphers[i] {
			t.Errorf("cipher suite %d: expected %d, got %d", i, expectedCiphers[i], cs)
		}
	}

	// Extension order is preserved verbatim.
	expectedExts := []uint16{0, 23, 65281, 10, 11, 35, 16, 5, 13, 18, 51, 45, 43, 27, 17513, 21}
	if len(spec.Extensions) != len(expectedExts) {
		t.Fatalf("expected %d extensions, got %d", len(expectedExts), len(spec.Extensions))
	}
	for i, id := range spec.Extensions {
		if id != expectedExts[i] {
			t.Errorf("extension %d: expected %d, got %d", i, expectedExts[i], id)
		}
	}

	if len(spec.SupportedGroups) != 3 || spec.SupportedGroups[0] != 29 {
		t.Errorf("unexpected supported groups %v", spec.SupportedGroups)
	}
	if len(spec.PointFormats) != 1 || spec.PointFormats[0] != 0 {
		t.Errorf("unexpected point formats %v", spec.PointFormats)
	}
	if spec.JA3 != ja3 {
		t.Errorf("source string not carried: %q", spec.JA3)
	}
}

func TestParseJA3_GREASEKeptInPlace(t *testing.T) {
	ja3 := "771,2570-4865-4866-4867,2570-0-23-43,6682-29-23,0"

	spec, err := ParseJA3(ja3)
	if err != nil {
		t.Fatalf("ParseJA3 failed: %v", err)
	}

	if len(spec.CipherSuites) != 4 || !IsGREASE(spec.CipherSuites[0]) {
		t.Errorf("expected GREASE cipher kept at position 0, got %v", spec.CipherSuites)
	}
	if len(spec.Extensions) != 4 || !IsGREASE(spec.Extensions[0]) {
		t.Errorf("expected GREASE extension kept at position 0, got %v", spec.Extensions)
	}
	if len(spec.SupportedGroups) != 3 || !IsGREASE(spec.SupportedGroups[0]) {
		t.Errorf("expected GREASE group kept at position 0, got %v", spec.SupportedGroups)
	}
}

func TestParseJA3_NoSupportedVersions(t *testing.T) {
	// No extension 43 means the hello cannot negotiate above the recorded
	// version.
	ja3 := "771,4865-49195,0-10-11-13-16,29-23,0"

	spec, err := ParseJA3(ja3)
	if err != nil {
		t.Fatalf("ParseJA3 failed: %v", err)
	}
	if spec.TLSVersMax != VersionTLS12 {
		t.Errorf("expected max TLS 1.2, got 0x%04x", spec.TLSVersMax)
	}
	if spec.TLSVersMin != VersionTLS12 {
		t.Errorf("expected min TLS 1.2, got 0x%04x", spec.TLSVersMin)
	}
}

func TestParseJA3_EmptyFields(t *testing.T) {
	spec, err := ParseJA3("771,4865,,,")
	if err != nil {
		t.Fatalf("ParseJA3 failed: %v", err)
	}
	if len(spec.CipherSuites) != 1 {
		t.Errorf("expected 1 cipher suite, got %d", len(spec.CipherSuites))
	}
	if len(spec.Extensions) != 0 || len(spec.SupportedGroups) != 0 || len(spec.PointFormats) != 0 {
		t.Errorf("expected empty extension/group/point lists, got %v / %v / %v",
			spec.Extensions, spec.SupportedGroups, spec.PointFormats)
	}
}

func TestParseJA3_MalformedInput(t *testing.T) {
	tests := []struct {
		name string
		ja3  string
	}{
		{"empty", ""},
		{"too few fields", "771,4865"},
		{"too many fields", "771,4865,0,29,0,extra"},
		{"invalid version", "abc,4865,0,29,0"},
		{"invalid cipher", "771,abc,0,29,0"},
		{"invalid extension", "771,4865,abc,29,0"},
		{"invalid curve", "771,4865,0,abc,0"},
		{"invalid point format", "771,4865,0,29,abc"},
		{"no ciphers", "771,,0,29,0"},
		{"cipher out of range", "771,99999,0,29,0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJA3(tt.ja3)
			if err == nil {
				t.Fatalf("expected error for %q, got nil", tt.ja3)
			}
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Errorf("expected *ParseError, got %T", err)
			}
		})
	}
}

func TestParseJA3_ErrorNamesField(t *testing.T) {
	_, err := ParseJA3("771,4865,0,abc,0")
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if perr.Field != "ja3" || perr.Position != 3 {
		t.Errorf("expected field ja3 position 3, got %q position %d", perr.Field, perr.Position)
	}
}

func TestIsGREASE(t *testing.T) {
	grease := []uint16{0x0a0a, 0x1a1a, 0x2a2a, 0x3a3a, 0x4a4a, 0x5a5a,
		0x6a6a, 0x7a7a, 0x8a8a, 0x9a9a, 0xaaaa, 0xbaba, 0xcaca, 0xdada, 0xeaea, 0xfafa}
	for _, v := range grease {
		if !IsGREASE(v) {
			t.Errorf("expected 0x%04x to be GREASE", v)
		}
	}

	nonGREASE := []uint16{0x0001, 0x1301, 0xc02b, 0x0a0b, 0x1234}
	for _, v := range nonGREASE {
		if IsGREASE(v) {
			t.Errorf("expected 0x%04x to NOT be GREASE", v)
		}
	}
}

func TestHelloSum_Distinguishes(t *testing.T) {
	a, err := ParseJA3(DefaultJA3)
	if err != nil {
		t.Fatalf("ParseJA3 failed: %v", err)
	}
	b := a.Clone()
	if a.HelloSum() != b.HelloSum() {
		t.Error("clone should share the hello sum")
	}
	b.CipherSuites[0] = 0x1305
	if a.HelloSum() == b.HelloSum() {
		t.Error("changed cipher order should change the hello sum")
	}
}

func TestClone_Independent(t *testing.T) {
	a, err := ParseJA3(DefaultJA3)
	if err != nil {
		t.Fatalf("ParseJA3 failed: %v", err)
	}
	b := a.Clone()
	b.Extensions[0] = 9999
	if a.Extensions[0] == 9999 {
		t.Error("clone shares extension backing array")
	}
}
