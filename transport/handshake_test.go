package transport

import (
	"errors"
	"strings"
	"testing"

	"github.com/sardanioss/mimic/fingerprint"
)

const chromeJA3 = "771,4865-4866-4867-49195-49199-49196-49200-52393-52392-49171-49172-156-157-47-53,0-23-65281-10-11-35-16-5-13-18-51-45-43-27-17513,29-23-24,0"

func ja4rDerivedSpec(t *testing.T) *fingerprint.TransportSpec {
	t.Helper()
	spec, err := fingerprint.ParseJA3(chromeJA3)
	if err != nil {
		t.Fatalf("ParseJA3: %v", err)
	}
	spec.JA4R = "t13d1516h2_002f,0035,009c,009d,1301,1302,1303,c013,c014,c02b,c02c,c02f,c030,cca8,cca9_0005,000a,000b,000d,0012,0017,001b,0023,002b,002d,0033,4469,ff01_0403,0804,0401,0503,0805,0501,0806,0601"
	shape, err := fingerprint.ParseHTTP2("1:65536;2:0;4:6291456;6:262144|15663105|0|m,a,s,p")
	if err != nil {
		t.Fatalf("ParseHTTP2: %v", err)
	}
	spec.HTTP2 = shape
	return spec
}

func TestNeedsCurveRetry(t *testing.T) {
	spec := ja4rDerivedSpec(t)

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"curve preference", errors.New("tls: CurvePreferences includes unsupported curve"), true},
		{"unsupported group", errors.New("remote error: tls: unsupported group"), true},
		{"unrelated", errors.New("connection refused"), false},
		{"version alert", errors.New("remote error: tls: protocol version not supported"), false},
	}
	for _, tc := range cases {
		if got := needsCurveRetry(spec, tc.err); got != tc.want {
			t.Errorf("%s: needsCurveRetry = %v, want %v", tc.name, got, tc.want)
		}
	}

	tls12 := spec.Clone()
	tls12.TLSVersMax = fingerprint.VersionTLS12
	if needsCurveRetry(tls12, errors.New("unsupported curve")) {
		t.Error("curve retry applies below TLS 1.3")
	}
}

func TestMatchesFallbackAlert(t *testing.T) {
	for _, text := range ja3FallbackAlerts {
		err := errors.New("remote error: tls: " + text)
		if !matchesFallbackAlert(err) {
			t.Errorf("alert %q not matched", text)
		}
	}
	if !matchesFallbackAlert(errors.New("requested [h2 http/1.1], negotiated no protocol")) {
		t.Error("empty-negotiation failure not matched")
	}
	for _, err := range []error{
		errors.New("remote error: tls: bad certificate"),
		errors.New("connection reset by peer"),
		errors.New("context deadline exceeded"),
	} {
		if matchesFallbackAlert(err) {
			t.Errorf("%v should not trigger fallback", err)
		}
	}
}

func TestJA3FallbackSpec(t *testing.T) {
	spec := ja4rDerivedSpec(t)
	spec.DisableGREASE = true

	fb, ok := ja3FallbackSpec(spec, errors.New("remote error: tls: handshake failure"))
	if !ok {
		t.Fatal("fallback refused for a matching alert")
	}
	if fb.TLSVersMax != fingerprint.VersionTLS12 {
		t.Errorf("fallback max version = %#x, want TLS 1.2", fb.TLSVersMax)
	}
	if fb.TLSVersMin > fb.TLSVersMax {
		t.Error("fallback version range inverted")
	}
	if fb.HTTP2 != spec.HTTP2 {
		t.Error("HTTP/2 shape not carried into the fallback spec")
	}
	if !fb.DisableGREASE {
		t.Error("GREASE policy not carried into the fallback spec")
	}
	if fb.JA4R != spec.JA4R {
		t.Error("JA4R origin string lost")
	}
	if len(fb.CipherSuites) == 0 {
		t.Error("fallback spec has no cipher suites")
	}
}

func TestJA3FallbackSpec_Refusals(t *testing.T) {
	alert := errors.New("remote error: tls: no application protocol")

	noJA4R := ja4rDerivedSpec(t)
	noJA4R.JA4R = ""
	if _, ok := ja3FallbackSpec(noJA4R, alert); ok {
		t.Error("fallback applied to a JA3-native spec")
	}

	noJA3 := ja4rDerivedSpec(t)
	noJA3.JA3 = ""
	if _, ok := ja3FallbackSpec(noJA3, alert); ok {
		t.Error("fallback applied without a JA3 to fall back to")
	}

	spec := ja4rDerivedSpec(t)
	if _, ok := ja3FallbackSpec(spec, errors.New("connection refused")); ok {
		t.Error("fallback applied to a non-alert failure")
	}
	if _, ok := ja3FallbackSpec(spec, nil); ok {
		t.Error("fallback applied without an error")
	}

	already12 := ja4rDerivedSpec(t)
	already12.TLSVersMax = fingerprint.VersionTLS12
	if _, ok := ja3FallbackSpec(already12, alert); ok {
		t.Error("fallback applied to a spec already at TLS 1.2")
	}
}

func TestDeclinedH2(t *testing.T) {
	spec := ja4rDerivedSpec(t)
	alpn := []string{"h2", "http/1.1"}

	if !declinedH2(&HandshakeResult{Protocol: ""}, alpn, spec) {
		t.Error("empty negotiation with h2 offered should decline")
	}
	if declinedH2(&HandshakeResult{Protocol: "h2"}, alpn, spec) {
		t.Error("negotiated h2 is not a decline")
	}
	if declinedH2(&HandshakeResult{Protocol: ""}, []string{"http/1.1"}, spec) {
		t.Error("h2 was never offered")
	}

	ja3Only := ja4rDerivedSpec(t)
	ja3Only.JA4R = ""
	if declinedH2(&HandshakeResult{Protocol: ""}, alpn, ja3Only) {
		t.Error("JA3-native specs have nothing to fall back to")
	}
}

func TestTLSDialError(t *testing.T) {
	underlying := NewDNSError("example.com", errors.New("no such host"))
	if got := tlsDialError("example.com", "443", nil, underlying); got != underlying {
		t.Error("dial-stage TransportError should pass through unwrapped")
	}

	err := tlsDialError("example.com", "443", []uint16{fingerprint.VersionTLS13, fingerprint.VersionTLS12}, errors.New("boom"))
	if !errors.Is(err, ErrTLS) {
		t.Error("handshake failure not classified as TLS")
	}
	msg := err.Error()
	if want := "1.3,1.2"; !strings.Contains(msg, want) {
		t.Errorf("error %q does not list attempted versions %q", msg, want)
	}
}
