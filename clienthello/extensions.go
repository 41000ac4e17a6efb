package clienthello

import (
	"github.com/sardanioss/mimic/fingerprint"
	tls "github.com/sardanioss/utls"
)

type builder struct {
	spec         *fingerprint.TransportSpec
	alpn         []string
	sigAlgs      []tls.SignatureScheme
	curves       []tls.CurveID
	pointFormats []uint8
	recordLimit  uint16
	forQUIC      bool
}

// extensionForID returns the TLSExtension carrying a given extension ID.
// IDs with no dedicated utls type travel as GenericExtension with an empty
// body, which wire-encodes to the bare ID most fingerprints expect.
func (b *builder) extensionForID(id uint16) tls.TLSExtension {
	switch id {
	case 0: // server_name; body filled from the connection's ServerName
		return &tls.SNIExtension{}

	case 5: // status_request (OCSP stapling)
		return &tls.StatusRequestExtension{}

	case 10: // supported_groups
		return &tls.SupportedCurvesExtension{Curves: b.curves}

	case 11: // ec_point_formats
		return &tls.SupportedPointsExtension{SupportedPoints: b.pointFormats}

	case 13: // signature_algorithms
		return &tls.SignatureAlgorithmsExtension{
			SupportedSignatureAlgorithms: b.sigAlgs,
		}

	case 16: // ALPN
		return &tls.ALPNExtension{AlpnProtocols: b.alpn}

	case 17: // status_request_v2
		return &tls.StatusRequestV2Extension{}

	case 18: // signed_certificate_timestamp
		return &tls.SCTExtension{}

	case 21: // padding
		return &tls.UtlsPaddingExtension{GetPaddingLen: tls.BoringPaddingStyle}

	case 22: // encrypt_then_mac — no dedicated utls type
		return &tls.GenericExtension{Id: 22}

	case 23: // extended_master_secret
		return &tls.UtlsExtendedMasterSecretExtension{}

	case 27: // compress_certificate
		return &tls.UtlsCompressCertExtension{
			Algorithms: []tls.CertCompressionAlgo{tls.CertCompressionBrotli},
		}

	case 28: // record_size_limit
		limit := b.recordLimit
		if limit == 0 {
			limit = 0x4001
		}
		return &tls.FakeRecordSizeLimitExtension{Limit: limit}

	case 34: // delegated_credentials
		return &tls.DelegatedCredentialsExtension{
			SupportedSignatureAlgorithms: []tls.SignatureScheme{
				tls.ECDSAWithP256AndSHA256,
				tls.ECDSAWithP384AndSHA384,
				tls.ECDSAWithP521AndSHA512,
				tls.ECDSAWithSHA1,
			},
		}

	case 35: // session_ticket
		return &tls.SessionTicketExtension{}

	case 41: // pre_shared_key; data attached during resumption
		return &tls.UtlsPreSharedKeyExtension{}

	case 43: // supported_versions
		return &tls.SupportedVersionsExtension{
			Versions: b.supportedVersions(),
		}

	case 44: // cookie
		return &tls.CookieExtension{}

	case 45: // psk_key_exchange_modes
		return &tls.PSKKeyExchangeModesExtension{
			Modes: []uint8{tls.PskModeDHE},
		}

	case 49: // post_handshake_auth
		return &tls.GenericExtension{Id: 49}

	case 50: // signature_algorithms_cert
		// Broader than ext 13: chains may be signed with algorithms a
		// client no longer offers for handshake signatures.
		return &tls.SignatureAlgorithmsCertExtension{
			SupportedSignatureAlgorithms: []tls.SignatureScheme{
				tls.ECDSAWithP256AndSHA256,
				tls.PSSWithSHA256,
				tls.PKCS1WithSHA256,
				tls.ECDSAWithP384AndSHA384,
				tls.PSSWithSHA384,
				tls.PKCS1WithSHA384,
				tls.PSSWithSHA512,
				tls.PKCS1WithSHA512,
				tls.PKCS1WithSHA1,
			},
		}

	case 51: // key_share
		// Browsers generate a share only for the first preferred curve;
		// the server answers HelloRetryRequest when it wants another.
		var keyShares []tls.KeyShare
		for _, curve := range b.curves {
			if !fingerprint.IsGREASE(uint16(curve)) {
				keyShares = append(keyShares, tls.KeyShare{Group: curve})
				break
			}
		}
		return &tls.KeyShareExtension{KeyShares: keyShares}

	case 57: // quic_transport_parameters
		if b.forQUIC {
			// Left empty; the QUIC stack fills the parameters in.
			return &tls.QUICTransportParametersExtension{}
		}
		// Over TCP the ID is shape only.
		return &tls.GenericExtension{Id: 57}

	case 17513: // application_settings (ALPS)
		return &tls.ApplicationSettingsExtension{
			SupportedProtocols: b.alpn,
		}

	case 65037: // encrypted_client_hello; zero fields auto-generate GREASE ECH
		return &tls.GREASEEncryptedClientHelloExtension{}

	case 65281: // renegotiation_info
		return &tls.RenegotiationInfoExtension{Renegotiation: tls.RenegotiateOnceAsClient}

	default:
		return &tls.GenericExtension{Id: id}
	}
}

// supportedVersions lists the offered versions, newest first, spanning the
// spec's version range.
func (b *builder) supportedVersions() []uint16 {
	versions := make([]uint16, 0, 4)
	for v := b.spec.TLSVersMax; v >= b.spec.TLSVersMin && v >= fingerprint.VersionTLS10; v-- {
		versions = append(versions, v)
	}
	return versions
}
