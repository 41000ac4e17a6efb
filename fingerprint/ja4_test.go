package fingerprint

import "testing"

func TestParseJA4R_Basic(t *testing.T) {
	ja4r := "t13d0304h2_1301,1302,1303_0000,000a,002b,0033_0403,0503"

	spec, err := ParseJA4R(ja4r)
	if err != nil {
		t.Fatalf("ParseJA4R failed: %v", err)
	}

	if spec.TLSVersMax != VersionTLS13 || spec.TLSVersMin != VersionTLS12 {
		t.Errorf("expected TLS 1.2–1.3 range, got 0x%04x–0x%04x", spec.TLSVersMin, spec.TLSVersMax)
	}

	expectedCiphers := []uint16{0x1301, 0x1302, 0x1303}
	if len(spec.CipherSuites) != len(expectedCiphers) {
		t.Fatalf("expected %d ciphers, got %d", len(expectedCiphers), len(spec.CipherSuites))
	}
	for i, cs := range spec.CipherSuites {
		if cs != expectedCiphers[i] {
			t.Errorf("cipher %d: expected 0x%04x, got 0x%04x", i, expectedCiphers[i], cs)
		}
	}

	expectedExts := []uint16{0x0000, 0x000a, 0x002b, 0x0033}
	for i, id := range spec.Extensions {
		if id != expectedExts[i] {
			t.Errorf("extension %d: expected 0x%04x, got 0x%04x", i, expectedExts[i], id)
		}
	}

	if len(spec.SignatureAlgorithms) != 2 || spec.SignatureAlgorithms[0] != 0x0403 {
		t.Errorf("unexpected signature algorithms %v", spec.SignatureAlgorithms)
	}
	if len(spec.ALPN) != 2 || spec.ALPN[0] != "h2" || spec.ALPN[1] != "http/1.1" {
		t.Errorf("expected ALPN [h2 http/1.1], got %v", spec.ALPN)
	}
	if spec.JA4R != ja4r {
		t.Errorf("source string not carried: %q", spec.JA4R)
	}
}

func TestParseJA4R_OrderPreserved(t *testing.T) {
	// Raw-form lists keep ClientHello order; nothing gets sorted.
	spec, err := ParseJA4R("t13d0302h2_1303,1301,1302_002b,0000")
	if err != nil {
		t.Fatalf("ParseJA4R failed: %v", err)
	}
	if spec.CipherSuites[0] != 0x1303 || spec.CipherSuites[2] != 0x1302 {
		t.Errorf("cipher order was not preserved: %v", spec.CipherSuites)
	}
	if spec.Extensions[0] != 0x002b {
		t.Errorf("extension order was not preserved: %v", spec.Extensions)
	}
}

func TestParseJA4R_QUICTransport(t *testing.T) {
	spec, err := ParseJA4R("q13d0301h3_1301,1302,1303_0039")
	if err != nil {
		t.Fatalf("ParseJA4R failed: %v", err)
	}
	if spec.TLSVersMin != VersionTLS13 || spec.TLSVersMax != VersionTLS13 {
		t.Errorf("QUIC transport must pin TLS 1.3, got 0x%04x–0x%04x", spec.TLSVersMin, spec.TLSVersMax)
	}
	if len(spec.ALPN) != 1 || spec.ALPN[0] != "h3" {
		t.Errorf("expected ALPN [h3], got %v", spec.ALPN)
	}
}

func TestParseJA4R_CountExcludesGREASE(t *testing.T) {
	// Three real ciphers plus one GREASE; the declared count of 3 follows
	// the JA4 convention of not counting GREASE.
	_, err := ParseJA4R("t13d0302h2_0a0a,1301,1302,1303_002b,0000")
	if err != nil {
		t.Fatalf("ParseJA4R rejected GREASE-exclusive count: %v", err)
	}
}

func TestParseJA4R_CountExcludesSNIAndALPN(t *testing.T) {
	// Four extensions of which two are SNI (0000) and ALPN (0010); a
	// declared count of 2 follows the JA4 convention of not counting them.
	_, err := ParseJA4R("t13d0302h2_1301,1302_0000,0010,002b,0033")
	if err != nil {
		t.Fatalf("ParseJA4R rejected SNI/ALPN-exclusive count: %v", err)
	}
}

func TestParseJA4R_NoSigAlgs(t *testing.T) {
	spec, err := ParseJA4R("t12d0201h1_002f,0035_000a,000b")
	if err != nil {
		t.Fatalf("ParseJA4R failed: %v", err)
	}
	if len(spec.SignatureAlgorithms) != 0 {
		t.Errorf("expected no signature algorithms, got %v", spec.SignatureAlgorithms)
	}
	if spec.TLSVersMax != VersionTLS12 {
		t.Errorf("expected max TLS 1.2, got 0x%04x", spec.TLSVersMax)
	}
	if len(spec.ALPN) != 1 || spec.ALPN[0] != "http/1.1" {
		t.Errorf("expected ALPN [http/1.1], got %v", spec.ALPN)
	}
}

func TestParseJA4R_Malformed(t *testing.T) {
	tests := []struct {
		name string
		ja4r string
	}{
		{"empty", ""},
		{"too few segments", "t13d0302h2_1301,1302"},
		{"too many segments", "t13d0302h2_1301,1302_0000,000a_0403_extra"},
		{"short prefix", "t13d_1301,1302_0000,000a"},
		{"bad transport", "x13d0302h2_1301,1302_0000,000a"},
		{"bad version", "t99d0302h2_1301,1302_0000,000a"},
		{"bad sni marker", "t13x0302h2_1301,1302_0000,000a"},
		{"bad cipher count", "t13dxx02h2_1301,1302_0000,000a"},
		{"count mismatch", "t13d0902h2_1301,1302_0000,000a"},
		{"bad hex", "t13d0302h2_13zz,1302_0000,000a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseJA4R(tt.ja4r); err == nil {
				t.Fatalf("expected error for %q, got nil", tt.ja4r)
			}
		})
	}
}

func TestJA4RTransport(t *testing.T) {
	if tr := JA4RTransport("q13d0301h3_1301_0039"); tr != 'q' {
		t.Errorf("expected 'q', got %q", tr)
	}
	if tr := JA4RTransport("t13d0301h2_1301_0039"); tr != 't' {
		t.Errorf("expected 't', got %q", tr)
	}
	if tr := JA4RTransport(""); tr != 0 {
		t.Errorf("expected 0 for empty string, got %q", tr)
	}
}

func TestMergeJA4R_JA4RWinsOrder(t *testing.T) {
	ja3Spec, err := ParseJA3("771,4865-4866-4867,0-10-11-13-16-43,29-23-24,0")
	if err != nil {
		t.Fatalf("ParseJA3 failed: %v", err)
	}
	ja4Spec, err := ParseJA4R("t13d0303h2_1303,1301,1302_002b,0000,0010_0403,0503")
	if err != nil {
		t.Fatalf("ParseJA4R failed: %v", err)
	}

	merged := MergeJA4R(ja4Spec, ja3Spec)

	if merged.CipherSuites[0] != 0x1303 {
		t.Errorf("JA4R cipher order should win, got %v", merged.CipherSuites)
	}
	if merged.Extensions[0] != 0x002b {
		t.Errorf("JA4R extension order should win, got %v", merged.Extensions)
	}
	if len(merged.SignatureAlgorithms) != 2 {
		t.Errorf("JA4R signature algorithms should win, got %v", merged.SignatureAlgorithms)
	}
	// Groups and point formats only exist in the JA3 material.
	if len(merged.SupportedGroups) != 3 || merged.SupportedGroups[0] != 29 {
		t.Errorf("expected JA3 groups to fill in, got %v", merged.SupportedGroups)
	}
	if merged.JA3 == "" || merged.JA4R == "" {
		t.Error("merged spec should carry both source strings")
	}
}

func TestMergeJA4R_NilInputs(t *testing.T) {
	ja3Spec, _ := ParseJA3(DefaultJA3)
	if merged := MergeJA4R(nil, ja3Spec); merged.HelloSum() != ja3Spec.HelloSum() {
		t.Error("nil JA4R should fall back to the JA3 spec")
	}
	ja4Spec, _ := ParseJA4R("t13d0301h2_1301,1302,1303_0000")
	if merged := MergeJA4R(ja4Spec, nil); len(merged.CipherSuites) != 3 {
		t.Error("nil JA3 should yield the JA4R spec alone")
	}
}
